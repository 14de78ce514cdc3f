// Package serialization converts RPC messages to frame payloads.
//
// MessageCodec combines a MessageSerializer (JSON by default) with a
// framing.Codec. Its decoder reports frames whose payload cannot be
// deserialized as *MalformedFrameError, recovering the sequence id when
// possible so the caller waiting on it can be failed instead of left hanging.
package serialization

// Package framing delimits serialized messages on a byte stream.
//
// Two framings are provided, both bounded by the same maximum frame length
// on the encode and decode side:
//   - LengthPrefixed: a 4-byte big-endian payload length followed by the payload
//   - Delimited: the payload followed by a fixed boundary marker
//
// A Decoder reconstructs payloads from arbitrarily split reads. It keeps the
// trailing bytes of an incomplete frame between calls and refuses to buffer
// more than the maximum frame length. Once a frame is too large the decoder
// is unusable and the connection it reads from must be reset.
package framing

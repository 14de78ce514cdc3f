// Package contracts provides the message types exchanged between a sacmq
// producer and its peers.
//
// This package defines:
//   - RPCMessage: the single wire message used for requests, responses and oneway sends
//   - Kind: distinguishes requests, responses and oneway messages
//   - ResponseCode: the code/message pair carried by every response
//
// A response whose code is CodeTimeout is synthesized locally when the peer
// did not answer in time. Callers branch on IsTimeout rather than receiving
// a separate error.
package contracts

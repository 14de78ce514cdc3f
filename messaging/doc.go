// Package messaging connects transports to the invoke coordinator.
//
// A Transport moves raw frames. The Dispatcher owns the decoder for one
// transport, routes responses to a ResponseSink (normally an
// *invoke.Coordinator) and requests to a RequestHandler, and writes the
// handler's replies back on the same transport. RequestRouter is a
// RequestHandler that selects a handler by method name.
package messaging

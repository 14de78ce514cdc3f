// Package invoke correlates outbound requests with their asynchronous
// responses.
//
// A caller registers a sequence id with a timeout, sends its request through
// some transport and blocks in AwaitResponse. Whoever reads the transport
// hands responses to DeliverResponse, which wakes only the caller waiting on
// that id. A response arriving after its deadline is replaced by a synthetic
// timeout, and a periodic sweep resolves requests that never got an answer
// the same way.
//
// Late, duplicate or unknown deliveries are expected races and are dropped
// silently.
package invoke

// Package interceptors wraps request handlers with cross-cutting behavior.
//
// An InterceptorChain turns a list of interceptors into a single
// messaging.RequestHandler, so a responder can add logging, panic recovery,
// per-request timeouts, metrics or a circuit breaker without touching its
// method handlers:
//
//	chain := interceptors.NewDefaultInterceptorChainBuilder(logger).
//		WithRecovery().
//		WithLogging().
//		WithTimeout(5 * time.Second).
//		Build()
//	dispatcher := messaging.NewDispatcher(codec,
//		messaging.WithRequestHandler(chain.Then(router)))
//
// Interceptors run in the order they were added; the first one sees the
// request first and the response last.
package interceptors

// Package interceptors provides middleware for event handlers.
//
// An InterceptorChain wraps a contracts.Handler so cross-cutting concerns
// run around the business logic without modifying it. Built-in
// interceptors:
//   - LoggingInterceptor: logs event processing with timing information
//   - DeduplicationInterceptor: skips events already processed successfully
//   - TopicFilterInterceptor: passes only routing keys matching topic patterns
//
// Example usage:
//
//	dedup, _ := interceptors.NewDeduplicationInterceptor(interceptors.DefaultDeduplicationCapacity, logger)
//	handler := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(dedup).
//		Handler(analytics.Handle)
package interceptors

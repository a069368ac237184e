// Package middleware provides HTTP middleware components for the gateway.
//
// # Middleware Components
//
//   - Recovery: panic recovery answered with a JSON 500
//   - RequestID: unique request identifier injection
//   - ClientIP: trusted proxy-aware client identity resolution
//   - Logging: structured access log
//   - RateLimit: per-client sliding window admission with optional
//     gateway-wide ceiling and decision statistics
//
// # Usage
//
// Middleware functions follow the standard Go pattern:
//
//	handler := middleware.Recovery(logger)(
//	    middleware.RequestID()(
//	        middleware.ClientIP(extractor)(
//	            middleware.Logging(logger)(yourHandler),
//	        ),
//	    ),
//	)
package middleware

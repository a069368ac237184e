package main

import (
	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/gateway"
	"github.com/vyrodovalexey/avalb/internal/middleware"
	"github.com/vyrodovalexey/avalb/internal/observability"
)

// buildMiddlewareChain returns the middleware wrapping every route.
// The execution order (outermost executes first):
// Recovery -> RequestID -> ClientIP -> Tracing -> Logging -> [engine]
//
// ClientIP runs before Logging so access logs carry the same identity the
// rate limiter uses.
func buildMiddlewareChain(
	cfg *config.GatewayConfig,
	logger observability.Logger,
	tracer *observability.Tracer,
) []gateway.Middleware {
	return []gateway.Middleware{
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.ClientIP(middleware.NewClientIPExtractor(cfg.RateLimit.TrustedProxies)),
		observability.TracingMiddleware(tracer),
		middleware.Logging(logger),
	}
}

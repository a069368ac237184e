// Package gateway wires the endpoint pool, admission control, and the
// forwarding handler into one HTTP server.
//
// # Routes
//
//   - ANY {prefix}/*path: rate limited, forwarded to the next healthy endpoint
//   - GET /: service description
//   - GET /health: gateway status with the endpoint view
//   - GET /services: balancing and rate-limit summary with the endpoint view
//   - GET /stats: the caller's remaining budget and the rotation state
//   - GET /ready, GET /live: readiness and liveness probes
//
// Only the proxied prefix is rate limited.
//
// # Usage
//
//	gw, err := gateway.New(cfg, pool, proxy.NewHandler(pool),
//	    gateway.WithLogger(logger),
//	    gateway.WithRateLimit(limiter, middleware.RateLimit(limiter)),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := gw.Start(ctx); err != nil {
//	    return err
//	}
//	defer gw.Stop(context.Background())
package gateway

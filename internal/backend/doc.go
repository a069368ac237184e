// Package backend provides the backend endpoint pool, round-robin
// selection, and active health monitoring for the gateway.
//
// # Pool
//
// A Pool is built once from the configured addresses. Next walks the
// healthy subset with a cursor that never resets:
//
//	pool, err := backend.NewPool([]string{"http://localhost:8001", "http://localhost:8002"})
//	ep, err := pool.Next()
//	if errors.Is(err, util.ErrNoHealthyEndpoints) {
//	    // nothing in rotation
//	}
//
// MarkUnhealthy and MarkHealthy are the only ways an endpoint leaves or
// re-enters rotation. Both are idempotent. A recovered endpoint re-enters
// at the end of the rotation.
//
// # Health Monitor
//
// The HealthMonitor probes every endpoint concurrently in rounds and
// applies the outcome through the same Pool operations:
//
//	hm := backend.NewHealthMonitor(pool,
//	    backend.WithHealthInterval(10*time.Second),
//	    backend.WithHealthTimeout(5*time.Second),
//	)
//	hm.Start(ctx)
//	defer hm.Stop()
//
// HTTP probes treat any 2xx status as healthy. gRPC probes use the
// standard grpc.health.v1 service.
package backend

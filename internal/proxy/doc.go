// Package proxy provides HTTP request forwarding for the gateway.
//
// A Handler takes the next endpoint from a backend.Pool, rewrites the
// request toward it and relays whatever the backend answers. Failures are
// mapped to JSON error responses:
//
//   - empty rotation: 503 no_healthy_endpoints, no backend call
//   - transport failure or timeout: endpoint removed from rotation, then
//     503 backend_unavailable naming the endpoint
//   - outbound request cannot be built: 500 internal_error
//   - inbound body over the limit: 413 request_too_large
//
// # Usage
//
//	h := proxy.NewHandler(pool,
//	    proxy.WithLogger(logger),
//	    proxy.WithTimeout(10*time.Second),
//	)
//	h.Forward(w, r, "users/42")
package proxy

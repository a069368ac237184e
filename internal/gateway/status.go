package gateway

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avalb/internal/backend"
	"github.com/vyrodovalexey/avalb/internal/middleware"
	"github.com/vyrodovalexey/avalb/internal/ratelimit"
	"github.com/vyrodovalexey/avalb/internal/util"
)

// RateLimitView is the read-only side of the per-client limiter.
type RateLimitView interface {
	Remaining(key string) int
	ResetIn(key string) time.Duration
	GetLimit() *ratelimit.Limit
}

// ServiceEntry describes one backend endpoint.
type ServiceEntry struct {
	URL                 string     `json:"url"`
	Status              string     `json:"status"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastChecked         *time.Time `json:"last_checked,omitempty"`
}

// ServicesStatus summarizes the endpoint pool.
type ServicesStatus struct {
	TotalServices   int            `json:"total_services"`
	HealthyServices int            `json:"healthy_services"`
	Services        []ServiceEntry `json:"services"`
}

// RootResponse is served on GET /.
type RootResponse struct {
	Service         string   `json:"service"`
	Version         string   `json:"version"`
	Status          string   `json:"status"`
	Features        []string `json:"features"`
	BackendServices int      `json:"backend_services"`
	Timestamp       string   `json:"timestamp"`
}

// HealthResponse is served on GET /health.
type HealthResponse struct {
	Status          string         `json:"status"`
	Service         string         `json:"service"`
	BackendServices ServicesStatus `json:"backend_services"`
	Timestamp       string         `json:"timestamp"`
}

// ServicesResponse is served on GET /services.
type ServicesResponse struct {
	Gateway         string         `json:"gateway"`
	LoadBalancing   string         `json:"load_balancing"`
	RateLimiting    string         `json:"rate_limiting"`
	BackendServices ServicesStatus `json:"backend_services"`
	Timestamp       string         `json:"timestamp"`
}

// RateLimitStats reports the caller's own admission budget.
type RateLimitStats struct {
	Enabled           bool   `json:"enabled"`
	MaxRequests       int    `json:"max_requests,omitempty"`
	WindowSeconds     int64  `json:"window_seconds,omitempty"`
	YourIP            string `json:"your_ip"`
	RemainingRequests int    `json:"remaining_requests"`
	ResetInSeconds    int64  `json:"reset_in_seconds"`
}

// LoadBalancingStats reports the selection state of the pool.
type LoadBalancingStats struct {
	Algorithm    string   `json:"algorithm"`
	CurrentIndex uint64   `json:"current_index"`
	Services     []string `json:"services"`
	Rotation     []string `json:"rotation"`
}

// StatsResponse is served on GET /stats.
type StatsResponse struct {
	Gateway       string             `json:"gateway"`
	RateLimiting  RateLimitStats     `json:"rate_limiting"`
	LoadBalancing LoadBalancingStats `json:"load_balancing"`
	Timestamp     string             `json:"timestamp"`
}

func (g *Gateway) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, RootResponse{
		Service: g.config.Gateway.Name,
		Version: g.config.Gateway.Version,
		Status:  "running",
		Features: []string{
			"Load Balancing (" + backend.AlgorithmRoundRobin + ")",
			"Rate Limiting (" + g.rateLimitFeature() + ")",
			"Health Checks",
			"Request Forwarding",
		},
		BackendServices: g.pool.Len(),
		Timestamp:       timestamp(),
	})
}

// handleHealth reports the gateway process as healthy and includes the
// endpoint view; readiness lives on /ready.
func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:          "healthy",
		Service:         g.config.Gateway.Name,
		BackendServices: servicesStatus(g.pool.Status()),
		Timestamp:       timestamp(),
	})
}

func (g *Gateway) handleServices(c *gin.Context) {
	c.JSON(http.StatusOK, ServicesResponse{
		Gateway:         g.config.Gateway.Name,
		LoadBalancing:   backend.AlgorithmRoundRobin,
		RateLimiting:    g.rateLimitSummary(),
		BackendServices: servicesStatus(g.pool.Status()),
		Timestamp:       timestamp(),
	})
}

// handleStats reports the caller's budget without consuming it.
func (g *Gateway) handleStats(c *gin.Context) {
	snap := g.pool.Status()
	clientIP := middleware.ClientIPOf(c.Request)

	rl := RateLimitStats{YourIP: clientIP}
	if g.limits != nil {
		limit := g.limits.GetLimit()
		rl.Enabled = true
		rl.MaxRequests = limit.Requests
		rl.WindowSeconds = ceilSeconds(limit.Window)
		rl.RemainingRequests = g.limits.Remaining(clientIP)
		rl.ResetInSeconds = ceilSeconds(g.limits.ResetIn(clientIP))
	}

	services := make([]string, 0, len(snap.Endpoints))
	for _, ep := range snap.Endpoints {
		services = append(services, ep.Address)
	}

	c.JSON(http.StatusOK, StatsResponse{
		Gateway:      g.config.Gateway.Name,
		RateLimiting: rl,
		LoadBalancing: LoadBalancingStats{
			Algorithm:    backend.AlgorithmRoundRobin,
			CurrentIndex: snap.Cursor,
			Services:     services,
			Rotation:     snap.Rotation,
		},
		Timestamp: timestamp(),
	})
}

func (g *Gateway) handleNotFound(c *gin.Context) {
	util.WriteError(c.Writer, http.StatusNotFound, util.NewErrorResponse(util.CategoryNotFound,
		fmt.Sprintf("No route for %s %s", c.Request.Method, c.Request.URL.Path)))
}

// rateLimitFeature renders the limit for the feature list, e.g.
// "5 req/min per IP".
func (g *Gateway) rateLimitFeature() string {
	if g.limits == nil {
		return "disabled"
	}
	limit := g.limits.GetLimit()
	unit := limit.Window.String()
	if limit.Window == time.Minute {
		unit = "min"
	}
	return fmt.Sprintf("%d req/%s per IP", limit.Requests, unit)
}

// rateLimitSummary renders the limit as "5 requests per 60 seconds".
func (g *Gateway) rateLimitSummary() string {
	if g.limits == nil {
		return "disabled"
	}
	limit := g.limits.GetLimit()
	return fmt.Sprintf("%d requests per %d seconds", limit.Requests, ceilSeconds(limit.Window))
}

func servicesStatus(snap backend.Snapshot) ServicesStatus {
	out := ServicesStatus{
		TotalServices:   snap.Total,
		HealthyServices: snap.Healthy,
		Services:        make([]ServiceEntry, 0, len(snap.Endpoints)),
	}
	for _, ep := range snap.Endpoints {
		out.Services = append(out.Services, ServiceEntry{
			URL:                 ep.Address,
			Status:              ep.Status,
			ConsecutiveFailures: ep.ConsecutiveFailures,
			LastError:           ep.LastError,
			LastChecked:         ep.LastChecked,
		})
	}
	return out
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

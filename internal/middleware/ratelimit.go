package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/ratelimit"
	"github.com/vyrodovalexey/avalb/internal/util"
)

// statsTimeout bounds one write to the decision stats sink.
const statsTimeout = 250 * time.Millisecond

// DecisionRecorder receives admission decisions for metrics.
type DecisionRecorder interface {
	RecordRateLimitDecision(allowed bool)
}

// RateLimitResponse is the JSON body of a 429 answer.
type RateLimitResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	ClientIP   string `json:"client_ip"`
	RetryAfter int64  `json:"retry_after"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	Timestamp  string `json:"timestamp"`
}

type rateLimitOptions struct {
	logger   observability.Logger
	recorder DecisionRecorder
	stats    ratelimit.StatsRecorder
	global   *ratelimit.GlobalLimiter
	now      func() time.Time
}

// RateLimitOption is a functional option for the rate limit middleware.
type RateLimitOption func(*rateLimitOptions)

// WithRateLimitLogger sets the logger for the middleware.
func WithRateLimitLogger(logger observability.Logger) RateLimitOption {
	return func(o *rateLimitOptions) {
		o.logger = logger
	}
}

// WithDecisionRecorder sets the metrics sink for admission decisions.
func WithDecisionRecorder(r DecisionRecorder) RateLimitOption {
	return func(o *rateLimitOptions) {
		o.recorder = r
	}
}

// WithStatsRecorder sets the external sink for admission decisions.
func WithStatsRecorder(s ratelimit.StatsRecorder) RateLimitOption {
	return func(o *rateLimitOptions) {
		o.stats = s
	}
}

// WithGlobalLimiter caps the total request rate in front of the per-client
// limiter. Requests over the ceiling get 503 and are not counted against
// the client.
func WithGlobalLimiter(g *ratelimit.GlobalLimiter) RateLimitOption {
	return func(o *rateLimitOptions) {
		o.global = g
	}
}

// WithRateLimitClock sets the time source for reset headers.
func WithRateLimitClock(now func() time.Time) RateLimitOption {
	return func(o *rateLimitOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// RateLimit returns a middleware admitting requests through limiter, keyed
// by the client identity resolved by ClientIP. Every answer carries the
// X-RateLimit-* headers; rejected requests get 429 and never reach next.
func RateLimit(limiter ratelimit.Limiter, opts ...RateLimitOption) func(http.Handler) http.Handler {
	o := &rateLimitOptions{
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	cfg := limiter.GetLimit()
	message := fmt.Sprintf("Too many requests. Maximum %d requests per %d seconds.",
		cfg.Requests, int64(cfg.Window/time.Second))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := ClientIPOf(r)

			if o.global != nil && !o.global.Allow() {
				o.rejectOverloaded(w, r, clientIP)
				return
			}

			res, err := limiter.Allow(r.Context(), clientIP)
			if err != nil {
				o.logger.Error("rate limiter failed, admitting request",
					observability.String("client_ip", clientIP),
					observability.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}

			o.record(r.Context(), clientIP, res.Allowed)
			setRateLimitHeaders(w.Header(), res, o.now())

			if !res.Allowed {
				o.rejectLimited(w, r, clientIP, message, res)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (o *rateLimitOptions) record(ctx context.Context, clientIP string, allowed bool) {
	if o.recorder != nil {
		o.recorder.RecordRateLimitDecision(allowed)
	}
	if o.stats == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statsTimeout)
	defer cancel()
	if err := o.stats.RecordDecision(ctx, clientIP, allowed); err != nil {
		o.logger.Debug("failed to record rate limit decision",
			observability.String("client_ip", clientIP),
			observability.Error(err),
		)
	}
}

func (o *rateLimitOptions) rejectLimited(
	w http.ResponseWriter,
	r *http.Request,
	clientIP string,
	message string,
	res *ratelimit.Result,
) {
	retryAfter := ceilSeconds(res.RetryAfter)
	w.Header().Set(HeaderRetryAfter, strconv.FormatInt(retryAfter, 10))

	o.logger.Warn("rate limit exceeded",
		observability.String("client_ip", clientIP),
		observability.String("path", r.URL.Path),
		observability.Error(util.NewRateLimitError(clientIP, res.Limit, res.RetryAfter)),
	)

	util.WriteJSON(w, http.StatusTooManyRequests, &RateLimitResponse{
		Error:      util.CategoryRateLimitExceeded,
		Message:    message,
		ClientIP:   clientIP,
		RetryAfter: retryAfter,
		Limit:      res.Limit,
		Remaining:  res.Remaining,
		Timestamp:  o.now().UTC().Format(time.RFC3339),
	})
}

func (o *rateLimitOptions) rejectOverloaded(w http.ResponseWriter, r *http.Request, clientIP string) {
	retry := o.global.RetryAfter(o.now())
	w.Header().Set(HeaderRetryAfter, strconv.FormatInt(max(ceilSeconds(retry), 1), 10))

	o.logger.Warn("gateway overloaded",
		observability.String("client_ip", clientIP),
		observability.String("path", r.URL.Path),
		observability.Error(fmt.Errorf("%w: retry after %v", util.ErrOverloaded, retry)),
	)

	util.WriteError(w, http.StatusServiceUnavailable,
		util.NewErrorResponse(util.CategoryOverloaded, "Gateway is over its request ceiling, retry shortly"))
}

// setRateLimitHeaders writes the limit, the remaining budget and the unix
// time at which the oldest recorded request leaves the window.
func setRateLimitHeaders(h http.Header, res *ratelimit.Result, now time.Time) {
	h.Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(now.Unix()+ceilSeconds(res.ResetAfter), 10))
}

// ceilSeconds rounds d up to whole seconds.
func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// Package executor sends exchange REST requests through a per-exchange rate
// limiter, waits out throttling responses, and retries whole operations on
// transient failure.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ratesflow/internal/metrics"
	ratemetrics "ratesflow/internal/metrics/rate"
	"ratesflow/logger"
)

// Request is one outbound call. Signature parameters or headers are added by
// the adapter before Execute is called.
type Request struct {
	Method string
	URL    string
	Params url.Values
	// RawQuery, when set, is sent verbatim instead of Params.Encode(). Signed
	// requests use it to keep the exact string that was signed.
	RawQuery string
	Headers  http.Header
	Signed   bool
	// Operation labels logs and metrics.
	Operation string
	// Symbol is attached to rate-limit metrics when the call targets one
	// instrument.
	Symbol string
}

// Response is a non-throttled reply with a status below 500.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Decode unmarshals the body. A malformed body is transient.
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return Transientf("decode response: %v", err)
	}
	return nil
}

// Policy describes how an exchange signals throttling.
type Policy struct {
	// RateLimited statuses mean "slow down".
	RateLimited []int
	// Banned statuses mean the IP is blocked for a while.
	Banned []int
	// DefaultWait applies when no Retry-After header is sent.
	DefaultWait time.Duration
}

// DefaultPolicy treats 429 as a rate limit and waits one second when the
// server gives no hint.
var DefaultPolicy = Policy{RateLimited: []int{http.StatusTooManyRequests}, DefaultWait: time.Second}

// BodyCheck reports throttling that an exchange signals inside its response
// envelope rather than through the status code.
type BodyCheck func(body []byte) (limited, banned bool)

// Sleeper pauses the calling goroutine.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Executor performs requests for one exchange.
type Executor struct {
	exchange string
	client   *http.Client
	limiter  *rate.Limiter
	policy   Policy
	body     BodyCheck
	sleep    Sleeper
	retrier  *Retrier
	log      *logger.Log
}

// Option customises an Executor.
type Option func(*Executor)

func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithRateLimit sets the steady request rate. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *Executor) {
		if rps <= 0 {
			e.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithPolicy(p Policy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithSleeper replaces the wait used for throttled responses.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

func WithRetrier(r *Retrier) Option {
	return func(e *Executor) { e.retrier = r }
}

// New builds an executor with a 10 requests/s limiter, DefaultPolicy and the
// default retry schedule.
func New(exchange string, opts ...Option) *Executor {
	e := &Executor{
		exchange: exchange,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(10), 10),
		policy:   DefaultPolicy,
		sleep:    SleepContext,
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retrier == nil {
		e.retrier = NewRetrier(exchange)
	}
	return e
}

func (e *Executor) Exchange() string { return e.exchange }

// Retrier returns the operation-level retrier shared by this exchange.
func (e *Executor) Retrier() *Retrier { return e.retrier }

// SetBodyCheck installs the exchange's envelope throttling check. Adapters
// call it once, before the executor is shared.
func (e *Executor) SetBodyCheck(check BodyCheck) { e.body = check }

// SetRateLimit adjusts the limiter, e.g. after probing the exchange's weight
// budget.
func (e *Executor) SetRateLimit(rps float64, burst int) {
	e.limiter.SetLimit(rate.Limit(rps))
	e.limiter.SetBurst(burst)
}

// Execute sends req. Throttling responses, by status or by envelope, are
// waited out and re-sent without limit; network failures and 5xx return ErrTransient; any other status is
// returned to the caller for exchange-specific decoding.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	target := req.URL
	query := req.RawQuery
	if query == "" && len(req.Params) > 0 {
		query = req.Params.Encode()
	}
	if query != "" {
		target += "?" + query
	}

	log := e.log.WithComponent(e.exchange + "_executor").WithFields(logger.Fields{
		"operation": req.Operation,
		"method":    req.Method,
		"url":       req.URL,
		"signed":    req.Signed,
	})

	for {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, nil)
		if err != nil {
			return nil, Contractf("build request: %v", err)
		}
		for k, vs := range req.Headers {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}

		start := time.Now()
		logger.IncrementRequest(e.exchange)
		resp, err := e.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.ObserveRequest(e.exchange, req.Operation, "error", time.Since(start))
			return nil, Transientf("%s %s: %v", req.Method, req.URL, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		metrics.ObserveRequest(e.exchange, req.Operation, strconv.Itoa(resp.StatusCode), time.Since(start))
		if err != nil {
			return nil, Transientf("read body: %v", err)
		}

		if wait, banned, throttled := e.throttled(resp.StatusCode, resp.Header, body); throttled {
			fields := logger.Fields{"status": resp.StatusCode, "wait_ms": wait.Milliseconds()}
			if banned {
				ratemetrics.ReportIPBan(e.log, e.exchange, req.Symbol, "", req.Operation)
				log.WithFields(fields).Error("ip banned by exchange, waiting before retry")
			} else {
				ratemetrics.ReportRateLimitExceeded(e.log, e.exchange, req.Symbol, "", req.Operation)
				log.WithFields(fields).Warn("rate limited, waiting before retry")
			}
			if err := e.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= 500 {
			return nil, Transientf("%s %s: status %d: %s", req.Method, req.URL, resp.StatusCode, truncate(body))
		}
		if resp.StatusCode >= 400 {
			log.WithFields(logger.Fields{"status": resp.StatusCode}).Debug(truncate(body))
		}
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}
}

// throttled decides whether a response asks us to back off and for how long.
func (e *Executor) throttled(status int, header http.Header, body []byte) (wait time.Duration, banned, throttled bool) {
	switch {
	case containsStatus(e.policy.Banned, status):
		banned, throttled = true, true
	case containsStatus(e.policy.RateLimited, status):
		throttled = true
	default:
		var limit, ban bool
		if e.body != nil {
			limit, ban = e.body(body)
		}
		if !limit && !ban && status >= 400 {
			limit, ban = ratemetrics.DetectLimit(e.exchange, string(body))
		}
		banned, throttled = ban, limit || ban
	}
	if !throttled {
		return 0, false, false
	}
	fallback := e.policy.DefaultWait
	if hint := ratemetrics.WaitHint(string(body)); hint > 0 {
		fallback = hint
	}
	return retryAfter(header, fallback), banned, true
}

func containsStatus(list []int, status int) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

// retryAfter reads Retry-After as seconds or an HTTP date.
func retryAfter(header http.Header, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return fmt.Sprintf("%s...", b[:max])
	}
	return string(b)
}

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/web3-frozen/market-aggregator/internal/cooldown"
)

const (
	maxBodyBytes    = 16 << 20
	defaultCooldown = 60 * time.Second
	maxCooldown     = 15 * time.Minute
)

// Request describes one candidate endpoint.
type Request struct {
	Name   string
	URL    string
	Header http.Header
}

// Response is the body of the first successful attempt.
type Response struct {
	Source   string
	Status   int
	Body     []byte
	Attempts int
}

// Attempt describes the outcome of a single upstream call.
type Attempt struct {
	Source   string
	URL      string
	Status   int
	Err      error
	Duration time.Duration
}

// Observer is notified after every attempt, successful or not.
type Observer interface {
	ObserveAttempt(Attempt)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Attempt)

func (f ObserverFunc) ObserveAttempt(a Attempt) { f(a) }

// Fetcher issues bounded, observable HTTP GETs against upstream candidates.
type Fetcher struct {
	client    *http.Client
	logger    *slog.Logger
	userAgent string
	limiter   *hostLimiter
	cooldown  cooldown.Tracker
	observers []Observer
	sleep     func(ctx context.Context, d time.Duration) error

	breakerTrip    uint32
	breakerOpenFor time.Duration
	breakersMu     sync.Mutex
	breakers       map[string]*gobreaker.CircuitBreaker
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient replaces the default HTTP client. Per-attempt timeouts are
// applied through the request context, not the client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithRateLimit limits requests per upstream host.
func WithRateLimit(rps float64, burst int) Option {
	return func(f *Fetcher) {
		if rps > 0 {
			f.limiter = newHostLimiter(rps, burst)
		}
	}
}

// WithBreakers trips a per-candidate circuit breaker after consecutive
// failures and keeps it open for openFor.
func WithBreakers(consecutiveFailures uint32, openFor time.Duration) Option {
	return func(f *Fetcher) {
		f.breakerTrip = consecutiveFailures
		f.breakerOpenFor = openFor
	}
}

// WithCooldown honours upstream Retry-After answers across requests.
func WithCooldown(t cooldown.Tracker) Option {
	return func(f *Fetcher) { f.cooldown = t }
}

// WithObserver registers an attempt observer.
func WithObserver(o Observer) Option {
	return func(f *Fetcher) { f.observers = append(f.observers, o) }
}

func New(logger *slog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{},
		logger:   logger,
		sleep:    sleepCtx,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchFirstSuccess tries candidates in order, one attempt each, and returns
// the first 2xx response. Nothing after the first success is attempted.
func (f *Fetcher) FetchFirstSuccess(ctx context.Context, candidates []Request, timeout time.Duration) (*Response, error) {
	if len(candidates) == 0 {
		return nil, &ExhaustedError{Last: errors.New("no candidates configured")}
	}

	var lastErr error
	attempts := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		attempts++
		resp, err := f.attempt(ctx, c, timeout)
		if err == nil {
			resp.Attempts = attempts
			return resp, nil
		}
		f.logger.Debug("upstream candidate failed", "source", c.Name, "error", err)
		lastErr = err
	}
	return nil, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

// FetchWithRetry retries a single endpoint up to retries+1 times, waiting
// backoffBase*n before the n-th retry.
func (f *Fetcher) FetchWithRetry(ctx context.Context, req Request, retries int, backoffBase, timeout time.Duration) (*Response, error) {
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	attempts := 0
	for i := 0; i <= retries; i++ {
		if i > 0 {
			if err := f.sleep(ctx, backoffBase*time.Duration(i)); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		resp, err := f.attempt(ctx, req, timeout)
		if err == nil {
			resp.Attempts = attempts
			return resp, nil
		}
		f.logger.Debug("upstream attempt failed", "source", req.Name, "attempt", attempts, "error", err)
		lastErr = err
	}
	return nil, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	start := time.Now()
	resp, err := f.guarded(ctx, req, timeout)

	a := Attempt{Source: req.Name, URL: redact(req.URL), Err: err, Duration: time.Since(start)}
	if resp != nil {
		a.Status = resp.Status
	}
	var rej *RejectedError
	if errors.As(err, &rej) {
		a.Status = rej.Status
	}
	for _, o := range f.observers {
		o.ObserveAttempt(a)
	}
	return resp, err
}

func (f *Fetcher) guarded(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	if f.cooldown != nil && f.cooldown.Active(ctx, req.Name) {
		return nil, fmt.Errorf("%s: %w: %w", req.Name, ErrUpstreamUnreachable, errCoolingDown)
	}

	cb := f.breaker(req.Name)
	if cb == nil {
		return f.do(ctx, req, timeout)
	}

	v, err := cb.Execute(func() (interface{}, error) {
		return f.do(ctx, req, timeout)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: %w: breaker %v", req.Name, ErrUpstreamUnreachable, err)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (f *Fetcher) do(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, hostOf(req.URL)); err != nil {
			return nil, fmt.Errorf("%s: %w: rate limit wait: %v", req.Name, ErrUpstreamUnreachable, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", req.Name, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", req.Name, ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if f.cooldown != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot) {
			d := retryAfter(resp.Header.Get("Retry-After"))
			f.cooldown.Start(ctx, req.Name, d)
			f.logger.Warn("upstream asked to back off", "source", req.Name, "status", resp.StatusCode, "cooldown", d)
		}
		return nil, &RejectedError{Source: req.Name, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: read body: %v", req.Name, ErrUpstreamUnreachable, err)
	}
	// A cooldown set by a concurrent 429 ends once the upstream answers again.
	if f.cooldown != nil {
		f.cooldown.Clear(ctx, req.Name)
	}
	return &Response{Source: req.Name, Status: resp.StatusCode, Body: body}, nil
}

func (f *Fetcher) breaker(name string) *gobreaker.CircuitBreaker {
	if f.breakerTrip == 0 {
		return nil
	}
	f.breakersMu.Lock()
	defer f.breakersMu.Unlock()
	if cb, ok := f.breakers[name]; ok {
		return cb
	}
	trip := f.breakerTrip
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     f.breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Info("upstream breaker state change", "source", name, "from", from.String(), "to", to.String())
		},
	})
	f.breakers[name] = cb
	return cb
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return defaultCooldown
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		d := time.Duration(secs) * time.Second
		if d > maxCooldown {
			d = maxCooldown
		}
		return d
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 && d <= maxCooldown {
			return d
		}
	}
	return defaultCooldown
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Host
}

// redact drops the query string, which may carry API keys.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}

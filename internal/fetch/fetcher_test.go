package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3-frozen/market-aggregator/internal/cooldown"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newServer(t *testing.T, status int, body string) *countingServer {
	t.Helper()
	cs := &countingServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(cs.Close)
	return cs
}

func TestFetchFirstSuccessOrdering(t *testing.T) {
	a := newServer(t, http.StatusInternalServerError, "a")
	b := newServer(t, http.StatusBadGateway, "b")
	c := newServer(t, http.StatusOK, `{"from":"c"}`)
	d := newServer(t, http.StatusOK, `{"from":"d"}`)

	f := New(quietLogger())
	resp, err := f.FetchFirstSuccess(context.Background(), []Request{
		{Name: "a", URL: a.URL},
		{Name: "b", URL: b.URL},
		{Name: "c", URL: c.URL},
		{Name: "d", URL: d.URL},
	}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "c", resp.Source)
	assert.Equal(t, `{"from":"c"}`, string(resp.Body))
	assert.Equal(t, 3, resp.Attempts)
	assert.EqualValues(t, 1, a.hits.Load())
	assert.EqualValues(t, 1, b.hits.Load())
	assert.EqualValues(t, 1, c.hits.Load())
	assert.EqualValues(t, 0, d.hits.Load(), "nothing after the first success may be attempted")
}

func TestFetchFirstSuccessExhausted(t *testing.T) {
	a := newServer(t, http.StatusServiceUnavailable, "")
	b := newServer(t, http.StatusNotFound, "")

	f := New(quietLogger())
	_, err := f.FetchFirstSuccess(context.Background(), []Request{
		{Name: "a", URL: a.URL},
		{Name: "b", URL: b.URL},
	}, time.Second)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrAllSourcesExhausted)
	assert.ErrorIs(t, err, ErrUpstreamRejected)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 2, ex.Attempts)

	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "b", rej.Source, "last observed error is carried")
	assert.Equal(t, http.StatusNotFound, rej.Status)
}

func TestFetchFirstSuccessNoCandidates(t *testing.T) {
	f := New(quietLogger())
	_, err := f.FetchFirstSuccess(context.Background(), nil, time.Second)
	assert.ErrorIs(t, err, ErrAllSourcesExhausted)
}

func TestFetchTimeoutIsUnreachable(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	fast := newServer(t, http.StatusOK, "ok")

	f := New(quietLogger())
	resp, err := f.FetchFirstSuccess(context.Background(), []Request{
		{Name: "slow", URL: slow.URL},
		{Name: "fast", URL: fast.URL},
	}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "fast", resp.Source)

	_, err = f.FetchFirstSuccess(context.Background(), []Request{{Name: "slow", URL: slow.URL}}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrUpstreamUnreachable)
}

func TestFetchWithRetryLinearBackoff(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var mu sync.Mutex
	var delays []time.Duration
	f := New(quietLogger())
	f.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}

	resp, err := f.FetchWithRetry(context.Background(), Request{Name: "flaky", URL: srv.URL}, 3, 200*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, delays)
}

func TestFetchWithRetryExhausted(t *testing.T) {
	srv := newServer(t, http.StatusInternalServerError, "")
	f := New(quietLogger())
	f.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := f.FetchWithRetry(context.Background(), Request{Name: "down", URL: srv.URL}, 2, time.Millisecond, time.Second)
	require.ErrorIs(t, err, ErrAllSourcesExhausted)
	assert.EqualValues(t, 3, srv.hits.Load(), "retries+1 attempts")
}

func TestFetchWithRetryStopsOnCancel(t *testing.T) {
	srv := newServer(t, http.StatusInternalServerError, "")
	f := New(quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	f.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := f.FetchWithRetry(ctx, Request{Name: "down", URL: srv.URL}, 5, time.Second, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.EqualValues(t, 1, srv.hits.Load())
}

func TestCooldownSkipsCandidate(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()
	ok := newServer(t, http.StatusOK, "ok")

	tracker := cooldown.NewMemory()
	f := New(quietLogger(), WithCooldown(tracker))
	cands := []Request{{Name: "limited", URL: limited.URL}, {Name: "ok", URL: ok.URL}}

	_, err := f.FetchFirstSuccess(context.Background(), cands, time.Second)
	require.NoError(t, err)
	assert.True(t, tracker.Active(context.Background(), "limited"))

	resp, err := f.FetchFirstSuccess(context.Background(), cands, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Source)
}

func TestSuccessClearsCooldown(t *testing.T) {
	tracker := cooldown.NewMemory()
	// Another request hits 429 while this one is in flight.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracker.Start(r.Context(), "flaky", time.Minute)
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	f := New(quietLogger(), WithCooldown(tracker))
	resp, err := f.FetchFirstSuccess(context.Background(), []Request{{Name: "flaky", URL: srv.URL}}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.False(t, tracker.Active(context.Background(), "flaky"))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := newServer(t, http.StatusInternalServerError, "")
	f := New(quietLogger(), WithBreakers(2, time.Minute))
	req := []Request{{Name: "down", URL: srv.URL}}

	for i := 0; i < 2; i++ {
		_, err := f.FetchFirstSuccess(context.Background(), req, time.Second)
		require.ErrorIs(t, err, ErrUpstreamRejected)
	}
	_, err := f.FetchFirstSuccess(context.Background(), req, time.Second)
	require.ErrorIs(t, err, ErrUpstreamUnreachable)
	assert.EqualValues(t, 2, srv.hits.Load(), "open breaker must not reach the upstream")
}

func TestObserverSeesEveryAttempt(t *testing.T) {
	bad := newServer(t, http.StatusBadRequest, "")
	good := newServer(t, http.StatusOK, "{}")

	var got []Attempt
	f := New(quietLogger(), WithObserver(ObserverFunc(func(a Attempt) { got = append(got, a) })))
	_, err := f.FetchFirstSuccess(context.Background(), []Request{
		{Name: "bad", URL: bad.URL + "/x?apikey=secret"},
		{Name: "good", URL: good.URL},
	}, time.Second)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, http.StatusBadRequest, got[0].Status)
	assert.Error(t, got[0].Err)
	assert.NotContains(t, got[0].URL, "secret")
	assert.Equal(t, http.StatusOK, got[1].Status)
	assert.NoError(t, got[1].Err)
}

func TestHeadersForwarded(t *testing.T) {
	var gotKey, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	f := New(quietLogger(), WithUserAgent("market-aggregator/test"), WithRateLimit(100, 1))
	_, err := f.FetchFirstSuccess(context.Background(), []Request{
		{Name: "h", URL: srv.URL, Header: http.Header{"X-Api-Key": []string{"k"}}},
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "k", gotKey)
	assert.Equal(t, "market-aggregator/test", gotUA)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, defaultCooldown, retryAfter(""))
	assert.Equal(t, 30*time.Second, retryAfter("30"))
	assert.Equal(t, maxCooldown, retryAfter("99999"))
	assert.Equal(t, defaultCooldown, retryAfter("garbage"))
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{&RejectedError{Source: "a", Status: 500}, "rejected"},
		{Malformed("a", errors.New("eof")), "malformed"},
		{fmt.Errorf("a: %w", ErrUpstreamUnreachable), "unreachable"},
		{context.DeadlineExceeded, "unreachable"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err), "%v", tt.err)
	}
}

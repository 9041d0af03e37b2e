package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3-frozen/market-aggregator/internal/envelope"
	"github.com/web3-frozen/market-aggregator/internal/fetch"
	"github.com/web3-frozen/market-aggregator/internal/freshness"
	"github.com/web3-frozen/market-aggregator/internal/series"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, clock *testClock) *Pipeline[int] {
	t.Helper()
	p, err := NewPipeline[int]("test", time.Minute, 10*time.Minute, quietLogger(), freshness.WithClock(clock.Now))
	require.NoError(t, err)
	return p
}

type scriptedLoader struct {
	calls atomic.Int32
	value atomic.Int32
	fail  atomic.Pointer[error]
}

func (l *scriptedLoader) load(context.Context) (int, string, error) {
	l.calls.Add(1)
	if errp := l.fail.Load(); errp != nil {
		return 0, "", *errp
	}
	return int(l.value.Load()), "upstream-a", nil
}

func (l *scriptedLoader) failWith(err error) { l.fail.Store(&err) }

func TestPipelineTiers(t *testing.T) {
	clock := newTestClock()
	p := newTestPipeline(t, clock)
	l := &scriptedLoader{}
	l.value.Store(1)
	ctx := context.Background()
	loadedAt := clock.Now()

	env := p.Serve(ctx, "k", l.load)
	require.True(t, env.Valid())
	assert.Equal(t, envelope.StatusOK, env.Status)
	assert.Equal(t, 1, *env.Data)
	assert.Equal(t, "upstream-a", env.Source)
	assert.Equal(t, loadedAt, *env.LastSuccessAt)

	// fresh hit: no upstream call
	clock.Advance(30 * time.Second)
	env = p.Serve(ctx, "k", l.load)
	assert.Equal(t, envelope.StatusOK, env.Status)
	assert.EqualValues(t, 1, l.calls.Load())

	// stale hit, refetch fails: serve the stale value
	clock.Advance(2 * time.Minute)
	l.failWith(fmt.Errorf("x: %w", fetch.ErrUpstreamUnreachable))
	env = p.Serve(ctx, "k", l.load)
	require.True(t, env.Valid())
	assert.Equal(t, envelope.StatusStale, env.Status)
	assert.True(t, env.Stale)
	assert.Equal(t, 1, *env.Data)
	assert.Equal(t, loadedAt, *env.LastSuccessAt)
	assert.Equal(t, msgServingStale, env.Message)

	// past the stale window: last resort still serves it
	clock.Advance(time.Hour)
	env = p.Serve(ctx, "k", l.load)
	require.True(t, env.Valid())
	assert.Equal(t, envelope.StatusStale, env.Status)
	assert.Equal(t, msgServingExpired, env.Message)

	// upstream recovers: fresh value replaces it
	l.fail.Store(nil)
	l.value.Store(2)
	env = p.Serve(ctx, "k", l.load)
	assert.Equal(t, envelope.StatusOK, env.Status)
	assert.Equal(t, 2, *env.Data)
	assert.Equal(t, clock.Now(), *env.LastSuccessAt)
}

func TestPipelineStaleHitRefreshes(t *testing.T) {
	clock := newTestClock()
	p := newTestPipeline(t, clock)
	l := &scriptedLoader{}
	l.value.Store(1)

	p.Serve(context.Background(), "k", l.load)
	clock.Advance(2 * time.Minute)
	l.value.Store(5)

	env := p.Serve(context.Background(), "k", l.load)
	assert.Equal(t, envelope.StatusOK, env.Status)
	assert.Equal(t, 5, *env.Data)
	assert.EqualValues(t, 2, l.calls.Load())
}

func TestPipelineUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		msg  string
	}{
		{"exhausted", &fetch.ExhaustedError{Attempts: 2, Last: fetch.ErrUpstreamUnreachable}, msgUnavailable},
		{"malformed", fetch.Malformed("a", errors.New("eof")), msgMalformed},
		{"no data", series.ErrInsufficientData, msgNoData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(t, newTestClock())
			l := &scriptedLoader{}
			l.failWith(tt.err)

			env := p.Serve(context.Background(), "k", l.load)
			require.True(t, env.Valid())
			assert.Equal(t, envelope.StatusUnavailable, env.Status)
			assert.Nil(t, env.Data)
			assert.Nil(t, env.LastSuccessAt)
			assert.Equal(t, "test", env.Source)
			assert.Equal(t, tt.msg, env.Message)
		})
	}
}

func TestPipelineKeysAreIndependent(t *testing.T) {
	p := newTestPipeline(t, newTestClock())
	l := &scriptedLoader{}
	l.value.Store(3)

	p.Serve(context.Background(), "a", l.load)
	l.failWith(fetch.ErrUpstreamUnreachable)
	env := p.Serve(context.Background(), "b", l.load)
	assert.Equal(t, envelope.StatusUnavailable, env.Status)
}

func TestPipelineSharesConcurrentLoads(t *testing.T) {
	p := newTestPipeline(t, newTestClock())
	release := make(chan struct{})
	var calls atomic.Int32
	load := func(context.Context) (int, string, error) {
		calls.Add(1)
		<-release
		return 9, "upstream-a", nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]envelope.Envelope[int], n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.Serve(context.Background(), "k", load)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, env := range results {
		require.True(t, env.Valid())
		assert.Equal(t, 9, *env.Data)
	}
}

func TestPipelineLoadSurvivesCallerCancel(t *testing.T) {
	p := newTestPipeline(t, newTestClock())
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) (int, string, error) {
		close(started)
		<-release
		return 4, "upstream-a", ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan envelope.Envelope[int])
	go func() { done <- p.Serve(ctx, "k", load) }()
	<-started
	cancel()
	env := <-done
	assert.Equal(t, envelope.StatusUnavailable, env.Status)

	close(release)
	require.Eventually(t, func() bool {
		env := p.Serve(context.Background(), "k", load)
		return env.Status == envelope.StatusOK && *env.Data == 4
	}, time.Second, 10*time.Millisecond)
}

func TestNewPipelineRejectsBadWindows(t *testing.T) {
	_, err := NewPipeline[int]("x", time.Minute, time.Minute, quietLogger())
	assert.Error(t, err)
}

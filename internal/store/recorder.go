package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/web3-frozen/market-aggregator/internal/fetch"
)

const (
	recorderBatch     = 100
	recorderFlushTick = 5 * time.Second
	maxErrorLen       = 512
)

type attemptWriter interface {
	InsertAttempts(ctx context.Context, attempts []UpstreamAttempt) error
}

// Recorder buffers fetch attempts and writes them in batches. Observing
// never blocks a fetch: when the buffer is full the attempt is dropped.
type Recorder struct {
	w       attemptWriter
	logger  *slog.Logger
	ch      chan UpstreamAttempt
	now     func() time.Time
	dropped atomic.Int64
}

func NewRecorder(w attemptWriter, logger *slog.Logger, buffer int) *Recorder {
	if buffer < 1 {
		buffer = 1024
	}
	return &Recorder{w: w, logger: logger, ch: make(chan UpstreamAttempt, buffer), now: time.Now}
}

func (r *Recorder) ObserveAttempt(a fetch.Attempt) {
	row := UpstreamAttempt{
		Source:     a.Source,
		URL:        a.URL,
		Status:     a.Status,
		Outcome:    fetch.Outcome(a.Err),
		DurationMs: a.Duration.Milliseconds(),
		CreatedAt:  r.now().UTC(),
	}
	if a.Err != nil {
		row.Error = a.Err.Error()
		if len(row.Error) > maxErrorLen {
			row.Error = row.Error[:maxErrorLen]
		}
	}
	select {
	case r.ch <- row:
	default:
		r.dropped.Add(1)
	}
}

// Dropped is the number of attempts discarded because the buffer was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run flushes batches until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(recorderFlushTick)
	defer ticker.Stop()

	batch := make([]UpstreamAttempt, 0, recorderBatch)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.w.InsertAttempts(ctx, batch); err != nil {
			r.logger.Warn("audit flush failed", "rows", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case row := <-r.ch:
					batch = append(batch, row)
				default:
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					flush(shutdownCtx)
					cancel()
					return
				}
			}
		case row := <-r.ch:
			batch = append(batch, row)
			if len(batch) >= recorderBatch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

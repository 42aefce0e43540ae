// Package usage appends admitted API key requests to the usage ledger off
// the request path.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keygate/keygate/internal/metrics"
	"github.com/keygate/keygate/internal/model"
)

// Store is the subset of config.Store the recorder writes to.
type Store interface {
	InsertUsage(ctx context.Context, rec *model.UsageRecord) error
	TouchAPIKey(ctx context.Context, id int64, at time.Time) error
}

// Options sizes the recorder. Zero values take the defaults.
type Options struct {
	Workers   int           // default 2
	QueueSize int           // default 1024
	Timeout   time.Duration // per store call, default 5s
	Logger    *slog.Logger
}

// Recorder writes usage rows from a bounded queue drained by a fixed pool of
// workers. Record never blocks the caller: when the queue is full the entry
// is dropped and counted. Store errors are logged and swallowed.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration

	queue   chan model.UsageRecord
	workers sync.WaitGroup
	pending sync.WaitGroup

	mu     sync.RWMutex // guards closed against sends on a closed queue
	closed bool
}

// NewRecorder starts the worker pool.
func NewRecorder(store Store, opts Options) *Recorder {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Recorder{
		store:   store,
		logger:  opts.Logger,
		timeout: opts.Timeout,
		queue:   make(chan model.UsageRecord, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		r.workers.Add(1)
		go r.work()
	}
	return r
}

// Record enqueues one usage row stamped with the current time.
func (r *Recorder) Record(keyID int64, endpoint, method string, status int, elapsed time.Duration) {
	rec := model.UsageRecord{
		APIKeyID:       keyID,
		Endpoint:       endpoint,
		Method:         method,
		StatusCode:     status,
		ResponseTimeMs: elapsed.Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(rec, "recorder closed")
		return
	}

	r.pending.Add(1)
	select {
	case r.queue <- rec:
	default:
		r.pending.Done()
		r.drop(rec, "queue full")
	}
}

func (r *Recorder) drop(rec model.UsageRecord, reason string) {
	metrics.IncUsageRecord(metrics.ResultDropped)
	r.logger.Warn("usage record dropped", "reason", reason, "api_key_id", rec.APIKeyID, "endpoint", rec.Endpoint)
}

func (r *Recorder) work() {
	defer r.workers.Done()
	for rec := range r.queue {
		r.write(rec)
		r.pending.Done()
	}
}

func (r *Recorder) write(rec model.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.InsertUsage(ctx, &rec); err != nil {
		metrics.IncUsageRecord(metrics.ResultFailed)
		metrics.IncLedgerError("insert")
		r.logger.Error("failed to record usage", "api_key_id", rec.APIKeyID, "error", err)
	} else {
		metrics.IncUsageRecord(metrics.ResultRecorded)
	}

	// last_used_at is updated even when the insert failed.
	if err := r.store.TouchAPIKey(ctx, rec.APIKeyID, rec.CreatedAt); err != nil {
		metrics.IncLedgerError("touch")
		r.logger.Warn("failed to update api key last used", "api_key_id", rec.APIKeyID, "error", err)
	}
}

// Flush waits until every entry queued so far has been written, or ctx is done.
// Callers must not Record concurrently with Flush.
func (r *Recorder) Flush(ctx context.Context) error {
	return waitCtx(ctx, &r.pending)
}

// Close stops accepting entries and drains the queue. Safe to call multiple times.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	return waitCtx(ctx, &r.workers)
}

func waitCtx(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

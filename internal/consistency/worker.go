package consistency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"frameloom/internal/logging"
	"frameloom/internal/mirror"
	"frameloom/internal/production"
)

// Worker drains the mirror outbox. Each due entry gets one push attempt;
// failures are rescheduled with exponential backoff until the attempt limit
// is reached, then abandoned with a warning. Abandonment never touches the
// authoritative record.
type Worker struct {
	store       *production.Store
	client      mirror.Client
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	now         func() time.Time
}

// WorkerOption customizes the worker.
type WorkerOption func(*Worker)

// WithWorkerClock overrides the time source (used in tests).
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker constructs an outbox worker.
func NewWorker(store *production.Store, client mirror.Client, maxAttempts int, baseDelay, maxDelay time.Duration, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = logging.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	w := &Worker{
		store:       store,
		client:      client,
		logger:      logging.NewComponentLogger(logger, "outbox"),
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// DrainDue processes every entry whose retry time has passed and returns how
// many pushes succeeded.
func (w *Worker) DrainDue(ctx context.Context) (int, error) {
	pushed := 0
	for {
		if ctx.Err() != nil {
			return pushed, ctx.Err()
		}
		entry, err := w.store.NextDueOutbox(ctx, w.now())
		if err != nil {
			return pushed, fmt.Errorf("fetch due outbox: %w", err)
		}
		if entry == nil {
			return pushed, nil
		}
		if err := w.processEntry(ctx, entry); err != nil {
			return pushed, err
		}
		pushed++
	}
}

// processEntry attempts one push. It returns an error only for store
// failures; push failures are handled via reschedule or abandonment.
func (w *Worker) processEntry(ctx context.Context, entry *production.OutboxEntry) error {
	var record mirror.Record
	if err := json.Unmarshal([]byte(entry.Payload), &record); err != nil {
		w.logger.Error("dropping outbox entry with bad payload",
			logging.String(logging.FieldUnitID, entry.UnitID),
			logging.Error(err))
		return w.store.DeleteOutbox(ctx, entry.ID)
	}

	pushErr := w.client.UpdateRecord(ctx, record)
	if pushErr == nil {
		w.logger.Debug("mirror push succeeded",
			logging.String(logging.FieldUnitID, entry.UnitID),
			logging.Int("attempts", entry.Attempts+1))
		return w.store.DeleteOutbox(ctx, entry.ID)
	}

	attempts := entry.Attempts + 1
	if attempts >= w.maxAttempts || !mirror.Transient(pushErr) {
		w.logger.Warn("abandoning mirror push",
			logging.String(logging.FieldUnitID, entry.UnitID),
			logging.Int("attempts", attempts),
			logging.Error(pushErr),
			logging.String(logging.FieldEventType, "mirror_push_abandoned"))
		return w.store.DeleteOutbox(ctx, entry.ID)
	}

	delay := w.backoffDelay(attempts)
	if hint, ok := mirror.RetryAfterHint(pushErr); ok && hint > delay {
		delay = hint
		if delay > w.maxDelay {
			delay = w.maxDelay
		}
	}
	next := w.now().Add(delay)
	w.logger.Warn("mirror push failed, rescheduling",
		logging.String(logging.FieldUnitID, entry.UnitID),
		logging.Int("attempts", attempts),
		logging.Duration("retry_in", delay),
		logging.Error(pushErr))
	return w.store.RescheduleOutbox(ctx, entry.ID, attempts, next, pushErr.Error())
}

// attempt 1 -> base, attempt 2 -> base*2, attempt 3 -> base*4, capped.
func (w *Worker) backoffDelay(attempt int) time.Duration {
	delay := w.baseDelay
	for i := 1; i < attempt; i++ {
		if delay > w.maxDelay/2 {
			return w.maxDelay
		}
		delay *= 2
	}
	if delay > w.maxDelay {
		return w.maxDelay
	}
	return delay
}

// Run drains the outbox on a fixed cadence until the context is cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.DrainDue(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("outbox drain failed", logging.Error(err))
			}
		}
	}
}

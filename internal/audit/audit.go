// Package audit writes best-effort Transaction and Fee reporting rows after
// the core transaction has committed. A write failure is logged and retried a
// few times but never rolls back or blocks the primary operation.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"peerfund.app/internal/store"
)

// Entry is everything one lifecycle operation wants recorded.
type Entry struct {
	Transactions []store.Transaction
	Fees         []store.FeeRecord
}

// Sink accepts audit entries. The lending service depends on this interface;
// tests substitute a synchronous recorder.
type Sink interface {
	Emit(entry Entry)
}

// Recorder is the narrow slice of the store the writer needs.
type Recorder interface {
	RecordTransaction(ctx context.Context, t store.Transaction) error
	RecordFee(ctx context.Context, f store.FeeRecord) error
}

const (
	queueSize    = 256
	maxAttempts  = 3
	retryBackoff = 200 * time.Millisecond
)

type Writer struct {
	recorder Recorder
	logger   *zap.Logger
	queue    chan Entry
	done     chan struct{}
}

func NewWriter(recorder Recorder, logger *zap.Logger) *Writer {
	w := &Writer{
		recorder: recorder,
		logger:   logger,
		queue:    make(chan Entry, queueSize),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Emit enqueues an entry. A full queue drops the entry with a log line
// rather than blocking the caller.
func (w *Writer) Emit(entry Entry) {
	select {
	case w.queue <- entry:
	default:
		w.logger.Warn("audit queue full, entry dropped",
			zap.Int("transactions", len(entry.Transactions)),
			zap.Int("fees", len(entry.Fees)))
	}
}

// Close drains the queue and stops the writer.
func (w *Writer) Close() {
	close(w.queue)
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for entry := range w.queue {
		w.write(entry)
	}
}

func (w *Writer) write(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, t := range entry.Transactions {
		if err := w.withRetry(func() error { return w.recorder.RecordTransaction(ctx, t) }); err != nil {
			w.logger.Error("transaction audit row lost",
				zap.String("type", t.Type),
				zap.Int64("amount_cents", t.AmountCents),
				zap.Error(err))
		}
	}
	for _, f := range entry.Fees {
		if err := w.withRetry(func() error { return w.recorder.RecordFee(ctx, f) }); err != nil {
			w.logger.Error("fee audit row lost",
				zap.String("type", f.Type),
				zap.Int64("amount_cents", f.AmountCents),
				zap.Error(err))
		}
	}
}

func (w *Writer) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(retryBackoff * time.Duration(attempt+1))
	}
	return err
}

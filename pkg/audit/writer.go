package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roomsync/platform/pkg/common/logger"
	"github.com/roomsync/platform/pkg/common/models"
	"github.com/roomsync/platform/pkg/observability/metrics"
	"github.com/sirupsen/logrus"
)

var ErrAuditWrite = errors.New("audit write failed")

// Sink persists one redacted entry.
type Sink interface {
	Insert(ctx context.Context, entry models.AuditEntry) error
}

type WriterOptions struct {
	// QueueSize of zero writes every entry inline.
	QueueSize    int
	WriteTimeout time.Duration
	Now          func() time.Time
}

// Writer redacts entries and hands them to a Sink off the caller's path.
// Failures are logged and counted; they never reach the caller.
type Writer struct {
	sink     Sink
	redactor *Redactor
	opts     WriterOptions

	mu     sync.RWMutex
	closed bool
	queue  chan models.AuditEntry
	done   chan struct{}
}

func NewWriter(sink Sink, redactor *Redactor, opts WriterOptions) *Writer {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	w := &Writer{sink: sink, redactor: redactor, opts: opts, done: make(chan struct{})}
	if opts.QueueSize > 0 {
		w.queue = make(chan models.AuditEntry, opts.QueueSize)
		go w.run()
	} else {
		close(w.done)
	}
	return w
}

// Record redacts entry, schedules the write and returns the redacted entry.
func (w *Writer) Record(_ context.Context, entry models.AuditEntry) models.AuditEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = w.opts.Now().UTC()
	}
	entry.RequestPayload = w.redactor.Redact(entry.RequestPayload)
	entry.ResponsePayload = w.redactor.Redact(entry.ResponsePayload)
	entry.ErrorMessage = w.redactor.RedactString(entry.ErrorMessage)

	if !w.enqueue(entry) {
		w.write(entry)
	}
	return entry
}

// enqueue reports whether entry was handed to the background worker. The
// lock only covers the send so an inline write never delays Close.
func (w *Writer) enqueue(entry models.AuditEntry) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed || w.queue == nil {
		return false
	}
	select {
	case w.queue <- entry:
		metrics.SetAuditQueueDepth(len(w.queue))
		return true
	default:
		logger.Log.WithField("audit_id", entry.ID).Warn("audit queue full, writing inline")
		return false
	}
}

// Close stops accepting queued entries and drains what is buffered.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		if w.queue != nil {
			close(w.queue)
		}
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for entry := range w.queue {
		metrics.SetAuditQueueDepth(len(w.queue))
		w.write(entry)
	}
}

func (w *Writer) write(entry models.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.WriteTimeout)
	defer cancel()

	if err := w.insert(ctx, entry); err != nil {
		metrics.IncAuditFailure()
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"audit_id":      entry.ID,
			"operation":     entry.Operation,
			"connection_id": entry.ConnectionID,
		}).Error("failed to write audit entry")
	}
}

func (w *Writer) insert(ctx context.Context, entry models.AuditEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrAuditWrite, r)
		}
	}()
	if w.sink == nil {
		return fmt.Errorf("%w: no sink configured", ErrAuditWrite)
	}
	if err := w.sink.Insert(ctx, entry); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	return nil
}

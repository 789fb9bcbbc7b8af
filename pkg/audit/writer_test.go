package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roomsync/platform/pkg/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	err     error
	panics  bool
	block   chan struct{}
}

func (s *memorySink) Insert(_ context.Context, entry models.AuditEntry) error {
	if s.block != nil {
		<-s.block
	}
	if s.panics {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestWriterRedactsBeforeWriting(t *testing.T) {
	sink := &memorySink{}
	w := NewWriter(sink, newDefaultRedactor(t), WriterOptions{})

	stored := w.Record(context.Background(), models.AuditEntry{
		Operation:       "push_rates",
		RequestPayload:  map[string]interface{}{"email": "a@b.com", "note": "call me at 555-123-4567"},
		ResponsePayload: map[string]interface{}{"ok": true},
		ErrorMessage:    "guest a@b.com rejected",
	})

	require.Equal(t, 1, sink.len())
	written := sink.entries[0]
	assert.Equal(t, stored, written)
	assert.NotEmpty(t, written.ID)
	assert.False(t, written.CreatedAt.IsZero())
	assert.Equal(t, map[string]interface{}{"email": Placeholder, "note": "call me at " + Placeholder}, written.RequestPayload)
	assert.Equal(t, Placeholder, written.ErrorMessage)
}

func TestWriterSwallowsSinkFailures(t *testing.T) {
	for name, sink := range map[string]*memorySink{
		"error": {err: errors.New("db down")},
		"panic": {panics: true},
	} {
		t.Run(name, func(t *testing.T) {
			w := NewWriter(sink, nil, WriterOptions{})
			assert.NotPanics(t, func() {
				entry := w.Record(context.Background(), models.AuditEntry{Operation: "op"})
				assert.Equal(t, "op", entry.Operation)
			})
		})
	}

	w := NewWriter(nil, nil, WriterOptions{})
	assert.NotPanics(t, func() { w.Record(context.Background(), models.AuditEntry{}) })
}

func TestWriterQueueDrainsOnClose(t *testing.T) {
	sink := &memorySink{}
	w := NewWriter(sink, nil, WriterOptions{QueueSize: 16})

	for i := 0; i < 10; i++ {
		w.Record(context.Background(), models.AuditEntry{Attempt: i})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))
	assert.Equal(t, 10, sink.len())

	// after close entries are written inline
	w.Record(context.Background(), models.AuditEntry{})
	assert.Equal(t, 11, sink.len())
	require.NoError(t, w.Close(ctx))
}

func TestWriterFullQueueFallsBackInline(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	w := NewWriter(sink, nil, WriterOptions{QueueSize: 1})

	// the worker picks up the first entry and blocks inside the sink; the
	// second fills the queue
	w.Record(context.Background(), models.AuditEntry{Attempt: 1})
	require.Eventually(t, func() bool { return len(w.queue) == 0 }, time.Second, 5*time.Millisecond)
	w.Record(context.Background(), models.AuditEntry{Attempt: 2})

	done := make(chan struct{})
	go func() {
		w.Record(context.Background(), models.AuditEntry{Attempt: 3})
		close(done)
	}()
	close(sink.block)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("inline write did not complete")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))
	assert.Equal(t, 3, sink.len())
}

func TestWriterCloseNotHeldByInlineWrite(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	w := NewWriter(sink, nil, WriterOptions{QueueSize: 1})

	w.Record(context.Background(), models.AuditEntry{Attempt: 1})
	require.Eventually(t, func() bool { return len(w.queue) == 0 }, time.Second, 5*time.Millisecond)
	w.Record(context.Background(), models.AuditEntry{Attempt: 2})

	inline := make(chan struct{})
	go func() {
		w.Record(context.Background(), models.AuditEntry{Attempt: 3})
		close(inline)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := w.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	close(sink.block)
	select {
	case <-inline:
	case <-time.After(5 * time.Second):
		t.Fatal("inline write did not complete")
	}
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	require.NoError(t, w.Close(drainCtx))
	assert.Equal(t, 3, sink.len())
}

type recordingPublisher struct {
	key, eventType, source string
	data                   interface{}
}

func (p *recordingPublisher) Publish(_ context.Context, key, eventType, source string, data interface{}) error {
	p.key, p.eventType, p.source, p.data = key, eventType, source, data
	return nil
}

func TestKafkaSinkKeysByConnection(t *testing.T) {
	pub := &recordingPublisher{}
	w := NewWriter(NewKafkaSink(pub), newDefaultRedactor(t), WriterOptions{})

	stored := w.Record(context.Background(), models.AuditEntry{
		ConnectionID:   "c9",
		Operation:      "push_availability",
		RequestPayload: map[string]interface{}{"phone": "555-123-4567"},
	})

	assert.Equal(t, "c9", pub.key)
	assert.Equal(t, EventTypeEntry, pub.eventType)
	require.IsType(t, models.AuditEntry{}, pub.data)
	assert.Equal(t, stored, pub.data)
	assert.Equal(t, map[string]interface{}{"phone": Placeholder}, pub.data.(models.AuditEntry).RequestPayload)
}

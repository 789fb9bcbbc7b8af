package audit

import (
	"context"

	"github.com/roomsync/platform/pkg/common/models"
)

const (
	EventTypeEntry = "channel.audit.entry"
	eventSource    = "channel-service"
)

// Publisher is satisfied by kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, key, eventType, source string, data interface{}) error
}

// KafkaSink publishes entries for the audit-sink consumer, keyed by
// connection so a connection's entries stay ordered.
type KafkaSink struct {
	publisher Publisher
}

func NewKafkaSink(publisher Publisher) *KafkaSink {
	return &KafkaSink{publisher: publisher}
}

func (s *KafkaSink) Insert(ctx context.Context, entry models.AuditEntry) error {
	return s.publisher.Publish(ctx, entry.ConnectionID, EventTypeEntry, eventSource, entry)
}

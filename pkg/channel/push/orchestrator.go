package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/roomsync/platform/pkg/channel/gateway"
	"github.com/roomsync/platform/pkg/channel/token"
	"github.com/roomsync/platform/pkg/common/logger"
	"github.com/roomsync/platform/pkg/common/models"
	"github.com/sirupsen/logrus"
)

type Kind string

const (
	KindRates        Kind = "rates"
	KindAvailability Kind = "availability"
	KindRestrictions Kind = "restrictions"
)

var ErrUnknownKind = errors.New("unknown push kind")

// Executor runs one provider call under the retry policy.
type Executor interface {
	Execute(ctx context.Context, req gateway.Request) (gateway.Result, error)
}

// SyncRecorder stamps the last successful sync of an entity kind.
type SyncRecorder interface {
	RecordSync(ctx context.Context, connectionID, entityType string, at time.Time) error
}

type Options struct {
	MaxChunkDays int
	Endpoints    map[Kind]string
	Now          func() time.Time
}

type Request struct {
	ConnectionID string
	HotelID      string
	Kind         Kind
	TargetID     string
	Start        time.Time
	End          time.Time
	Changes      map[string]interface{}
}

// Orchestrator pushes large date ranges as a sequence of bounded chunks.
type Orchestrator struct {
	exec Executor
	sync SyncRecorder
	opts Options
}

func NewOrchestrator(exec Executor, sync SyncRecorder, opts Options) *Orchestrator {
	if opts.MaxChunkDays <= 0 || opts.MaxChunkDays > DefaultMaxChunkDays {
		opts.MaxChunkDays = DefaultMaxChunkDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{exec: exec, sync: sync, opts: opts}
}

// PushRange sends every chunk in chronological order. A failed chunk is
// counted and the next chunk still runs. Missing or unrefreshable
// credentials and context cancellation stop the push early and are returned
// alongside the partial result.
func (o *Orchestrator) PushRange(ctx context.Context, req Request) (models.PushResult, error) {
	endpoint, ok := o.opts.Endpoints[req.Kind]
	if !ok || endpoint == "" {
		return models.PushResult{}, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	chunks, err := Partition(req.Start, req.End, o.opts.MaxChunkDays)
	if err != nil {
		return models.PushResult{}, err
	}

	pushID := uuid.NewString()
	log := logger.WithFields(logrus.Fields{
		"connection_id": req.ConnectionID,
		"kind":          req.Kind,
		"target_id":     req.TargetID,
		"push_id":       pushID,
		"chunks":        len(chunks),
	})

	result := models.PushResult{Chunks: len(chunks), Entries: []models.AuditEntry{}}
	for _, chunk := range chunks {
		from, to := wireRange(chunk)
		res, err := o.exec.Execute(ctx, gateway.Request{
			ConnectionID: req.ConnectionID,
			HotelID:      req.HotelID,
			Operation:    "push_" + string(req.Kind),
			Method:       http.MethodPost,
			Endpoint:     endpoint,
			Body:         payload(req, from, to),
			TokenKind:    models.TokenWrite,
			TraceID:      fmt.Sprintf("%s-%d", pushID, chunk.Index),
		})
		result.Entries = append(result.Entries, res.Entries...)

		if err == nil {
			result.Succeeded++
			continue
		}
		result.Failed++
		log.WithError(err).WithFields(logrus.Fields{"chunk": chunk.Index, "from": from, "to": to}).Warn("push chunk failed")

		if aborts(ctx, err) {
			log.WithError(err).Error("push aborted")
			return result, err
		}
	}

	if result.Failed == 0 && o.sync != nil {
		if err := o.sync.RecordSync(ctx, req.ConnectionID, string(req.Kind), o.opts.Now().UTC()); err != nil {
			log.WithError(err).Warn("failed to record sync timestamp")
		}
	}
	log.WithFields(logrus.Fields{"succeeded": result.Succeeded, "failed": result.Failed}).Info("push completed")
	return result, nil
}

func payload(req Request, from, to string) map[string]interface{} {
	body := make(map[string]interface{}, len(req.Changes)+3)
	for k, v := range req.Changes {
		body[k] = v
	}
	body["targetId"] = req.TargetID
	body["from"] = from
	body["to"] = to
	return body
}

func aborts(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, token.ErrCredentialMissing) ||
		errors.Is(err, token.ErrRefreshFailed) ||
		errors.Is(err, token.ErrUnknownConnection)
}

package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paygate/internal/payment"
)

// TaskTypeApply is the asynq task type carrying one SettlementEvent.
const TaskTypeApply = "settlement:apply"

// LogHandler records settlement events without applying them. It is used when no
// queue is configured.
type LogHandler struct {
	Logger zerolog.Logger
}

func (h LogHandler) ApplySettlement(ctx context.Context, evt payment.SettlementEvent) error {
	h.Logger.Info().
		Str("provider", string(evt.Provider)).
		Str("reference", evt.Reference).
		Str("outcome", string(evt.Outcome)).
		Str("event_type", evt.EventType).
		Str("event_id", evt.EventID).
		Msg("settlement_event")
	return nil
}

// Enqueuer is the subset of *asynq.Client used by QueueHandler.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueHandler hands settlement events to the worker through asynq.
type QueueHandler struct {
	Client    Enqueuer
	Queue     string
	MaxRetry  int
	Retention time.Duration
	Logger    zerolog.Logger
}

// ApplySettlement enqueues evt. A redelivery of an event that is still queued is
// acknowledged without a second task.
func (h QueueHandler) ApplySettlement(ctx context.Context, evt payment.SettlementEvent) error {
	if h.Client == nil {
		return errors.New("settlement: queue client not configured")
	}
	task, err := NewApplyTask(evt)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.MaxRetry(h.maxRetry())}
	if h.Queue != "" {
		opts = append(opts, asynq.Queue(h.Queue))
	}
	if id := TaskID(evt); id != "" {
		opts = append(opts, asynq.TaskID(id))
	}
	if h.Retention > 0 {
		opts = append(opts, asynq.Retention(h.Retention))
	}
	info, err := h.Client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		h.Logger.Debug().Str("reference", evt.Reference).Msg("settlement_already_queued")
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: enqueue: %w", err)
	}
	h.Logger.Debug().
		Str("task_id", info.ID).
		Str("queue", info.Queue).
		Str("reference", evt.Reference).
		Msg("settlement_enqueued")
	return nil
}

func (h QueueHandler) maxRetry() int {
	if h.MaxRetry <= 0 {
		return 10
	}
	return h.MaxRetry
}

// NewApplyTask encodes evt as a settlement:apply task.
func NewApplyTask(evt payment.SettlementEvent) (*asynq.Task, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("settlement: encode event: %w", err)
	}
	return asynq.NewTask(TaskTypeApply, raw), nil
}

// TaskID derives a stable task ID from the provider event ID; events without one get
// an asynq-generated ID.
func TaskID(evt payment.SettlementEvent) string {
	if strings.TrimSpace(evt.EventID) == "" {
		return ""
	}
	return strings.Join([]string{string(evt.Provider), evt.EventID, string(evt.Outcome)}, ":")
}

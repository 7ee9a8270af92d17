package judgeclient

import (
	"context"
	"encoding/json"
	"time"

	"codebattle/internal/battle/model"
	"codebattle/internal/common/mq"
	appErr "codebattle/pkg/errors"
)

const defaultPublishTimeout = 3 * time.Second

// Request is one judge dispatch.
type Request struct {
	Ticket   model.Ticket
	Problem  model.Problem
	Code     string
	Language string
	Input    string
}

// Dispatcher hands a request to the judge without waiting for the verdict.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

// KafkaDispatcher publishes judge tasks on a topic.
type KafkaDispatcher struct {
	producer mq.Producer
	topic    string
	timeout  time.Duration
	ttl      time.Duration
}

// NewKafkaDispatcher creates a dispatcher. Tasks older than ttl are dropped by
// consumers; zero keeps them.
func NewKafkaDispatcher(producer mq.Producer, topic string, timeout, ttl time.Duration) *KafkaDispatcher {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &KafkaDispatcher{producer: producer, topic: topic, timeout: timeout, ttl: ttl}
}

// Dispatch publishes req with the ticket id as message id.
func (d *KafkaDispatcher) Dispatch(ctx context.Context, req Request) error {
	if d.topic == "" {
		return appErr.New(appErr.JudgeSystemError).WithMessage("judge topic is not configured")
	}
	task := JudgeTask{
		TicketID:      req.Ticket.ID,
		RoomID:        req.Ticket.RoomID,
		UserID:        req.Ticket.PlayerID,
		ProblemID:     req.Ticket.ProblemID,
		Kind:          req.Ticket.Kind,
		Language:      req.Language,
		Code:          req.Code,
		TimeLimitMs:   req.Problem.TimeLimitMs,
		MemoryLimitKB: req.Problem.MemoryLimitKB,
	}
	if req.Ticket.Kind == model.KindRun && req.Input != "" {
		task.Input = req.Input
	} else {
		task.TestCases = req.Problem.TestCases
	}
	body, err := json.Marshal(task)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "encode judge task failed")
	}
	message := mq.NewMessage(body)
	message.ID = req.Ticket.ID
	message.Expiration = d.ttl
	message.SetHeader("room_id", req.Ticket.RoomID)
	message.SetHeader("kind", string(req.Ticket.Kind))

	ctxMQ, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.producer.Publish(ctxMQ, d.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.JudgeQueueFull, "publish judge task failed")
	}
	return nil
}

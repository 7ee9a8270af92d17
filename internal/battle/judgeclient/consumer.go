package judgeclient

import (
	"context"
	"encoding/json"
	"strings"

	"codebattle/internal/battle/judge"
	"codebattle/internal/battle/model"
	"codebattle/internal/common/mq"
	appErr "codebattle/pkg/errors"
	"codebattle/pkg/utils/logger"

	"go.uber.org/zap"
)

// Resolver accepts judge verdicts by ticket id.
type Resolver interface {
	Resolve(ctx context.Context, ticketID string, verdict model.Verdict) bool
}

// ToVerdict converts a judge result into a verdict.
func (m JudgeResultMessage) ToVerdict() model.Verdict {
	return model.Verdict{
		Status:      judge.StatusFromCode(m.Verdict),
		Output:      m.Output,
		Message:     m.Message,
		TimeMs:      m.TimeMs,
		MemoryKB:    m.MemoryKB,
		PassedCases: m.PassedCases,
		TotalCases:  m.TotalCases,
	}
}

// ResultConsumer feeds judge results from the message queue into a resolver.
type ResultConsumer struct {
	resolver Resolver
}

// NewResultConsumer creates a consumer bound to resolver.
func NewResultConsumer(resolver Resolver) *ResultConsumer {
	return &ResultConsumer{resolver: resolver}
}

// Subscribe registers the consumer on topic. The caller starts the queue.
func (c *ResultConsumer) Subscribe(ctx context.Context, consumer mq.Consumer, topic string, opts *mq.SubscribeOptions) error {
	if strings.TrimSpace(topic) == "" {
		return appErr.New(appErr.JudgeSystemError).WithMessage("judge result topic is not configured")
	}
	return consumer.SubscribeWithOptions(ctx, topic, c.HandleMessage, opts)
}

// HandleMessage decodes one result message. Malformed payloads are logged and
// acknowledged; retrying them cannot succeed.
func (c *ResultConsumer) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	var result JudgeResultMessage
	if err := json.Unmarshal(msg.Body, &result); err != nil {
		logger.Warn(ctx, "decode judge result failed", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if result.TicketID == "" {
		result.TicketID = msg.ID
	}
	if result.TicketID == "" {
		logger.Warn(ctx, "judge result without ticket id dropped", zap.String("message_id", msg.ID))
		return nil
	}
	c.resolver.Resolve(ctx, result.TicketID, result.ToVerdict())
	return nil
}

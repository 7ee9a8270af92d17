package repository

import (
	"context"
	"encoding/json"

	"codebattle/internal/battle/model"
	"codebattle/internal/common/mq"
	appErr "codebattle/pkg/errors"
)

// SettlementEvent is published once a match is settled.
type SettlementEvent struct {
	Type    string                 `json:"type"`
	Players [2]string              `json:"players"`
	Record  model.SettlementRecord `json:"record"`
}

const settlementEventType = "battle.settled"

// SettlementPublisher streams settlements to downstream consumers.
type SettlementPublisher struct {
	producer mq.Producer
	topic    string
}

func NewSettlementPublisher(producer mq.Producer, topic string) *SettlementPublisher {
	return &SettlementPublisher{producer: producer, topic: topic}
}

// Publish sends rec keyed by room id. An unset topic disables publishing.
func (p *SettlementPublisher) Publish(ctx context.Context, players [2]string, rec *model.SettlementRecord) error {
	if p.topic == "" || rec == nil {
		return nil
	}
	body, err := json.Marshal(SettlementEvent{Type: settlementEventType, Players: players, Record: *rec})
	if err != nil {
		return appErr.Wrapf(err, appErr.SettlementFailed, "encode settlement event failed")
	}
	message := mq.NewMessage(body)
	message.ID = rec.RoomID
	message.SetHeader("reason", string(rec.Reason))
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.SettlementFailed, "publish settlement event failed")
	}
	return nil
}

package judgeclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"codebattle/internal/battle/judgeclient"
	"codebattle/internal/battle/model"
	"codebattle/internal/common/mq"
	appErr "codebattle/pkg/errors"
)

type fakeProducer struct {
	mu       sync.Mutex
	err      error
	topic    string
	messages []*mq.Message
}

func (p *fakeProducer) Publish(_ context.Context, topic string, m *mq.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.messages = append(p.messages, m)
	return nil
}

type fakeResolver struct {
	mu       sync.Mutex
	ids      []string
	verdicts []model.Verdict
}

func (r *fakeResolver) Resolve(_ context.Context, id string, v model.Verdict) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	r.verdicts = append(r.verdicts, v)
	return true
}

func sampleRequest(kind model.TicketKind, input string) judgeclient.Request {
	return judgeclient.Request{
		Ticket: model.Ticket{ID: "room-1.t1", RoomID: "room-1", PlayerID: "a", ProblemID: "p1", Kind: kind},
		Problem: model.Problem{
			ID:          "p1",
			TimeLimitMs: 1000,
			TestCases: []model.TestCase{
				{Input: "1", ExpectedOutput: "1"},
				{Input: "2", ExpectedOutput: "2", Hidden: true},
			},
		},
		Code:     "print(input())",
		Language: "python",
		Input:    input,
	}
}

func TestDispatchPublishesTask(t *testing.T) {
	t.Parallel()
	producer := &fakeProducer{}
	d := judgeclient.NewKafkaDispatcher(producer, "battle.judge.task", 0, 0)

	if err := d.Dispatch(context.Background(), sampleRequest(model.KindSubmit, "")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if producer.topic != "battle.judge.task" || len(producer.messages) != 1 {
		t.Fatalf("unexpected publish: topic=%s n=%d", producer.topic, len(producer.messages))
	}
	msg := producer.messages[0]
	if msg.ID != "room-1.t1" {
		t.Fatalf("message id must be the ticket id, got %s", msg.ID)
	}
	if v, _ := msg.GetHeader("room_id"); v != "room-1" {
		t.Fatalf("missing room header, got %q", v)
	}
	var task judgeclient.JudgeTask
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if len(task.TestCases) != 2 || task.Input != "" || task.Kind != model.KindSubmit {
		t.Fatalf("submit must carry every test case: %+v", task)
	}
}

func TestDispatchRunWithCustomInput(t *testing.T) {
	t.Parallel()
	producer := &fakeProducer{}
	d := judgeclient.NewKafkaDispatcher(producer, "battle.judge.task", 0, 0)

	if err := d.Dispatch(context.Background(), sampleRequest(model.KindRun, "42")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var task judgeclient.JudgeTask
	_ = json.Unmarshal(producer.messages[0].Body, &task)
	if task.Input != "42" || len(task.TestCases) != 0 {
		t.Fatalf("run with input must not carry test cases: %+v", task)
	}
}

func TestDispatchFailures(t *testing.T) {
	t.Parallel()
	producer := &fakeProducer{err: errors.New("broker down")}
	d := judgeclient.NewKafkaDispatcher(producer, "battle.judge.task", 0, 0)
	if err := d.Dispatch(context.Background(), sampleRequest(model.KindSubmit, "")); !appErr.Is(err, appErr.JudgeQueueFull) {
		t.Fatalf("expected JudgeQueueFull, got %v", err)
	}

	noTopic := judgeclient.NewKafkaDispatcher(&fakeProducer{}, "", 0, 0)
	if err := noTopic.Dispatch(context.Background(), sampleRequest(model.KindSubmit, "")); !appErr.Is(err, appErr.JudgeSystemError) {
		t.Fatalf("expected JudgeSystemError, got %v", err)
	}
}

func TestResultConsumerHandleMessage(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{}
	c := judgeclient.NewResultConsumer(resolver)
	ctx := context.Background()

	body, _ := json.Marshal(judgeclient.JudgeResultMessage{TicketID: "room-1.t1", Verdict: "TLE", TimeMs: 2001})
	if err := c.HandleMessage(ctx, mq.NewMessage(body)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// ticket id may travel as the message id only
	fallback := mq.NewMessage([]byte(`{"verdict":"AC"}`))
	fallback.ID = "room-1.t2"
	_ = c.HandleMessage(ctx, fallback)

	// malformed payloads are acknowledged and dropped
	if err := c.HandleMessage(ctx, mq.NewMessage([]byte("{"))); err != nil {
		t.Fatalf("malformed payload must not be retried: %v", err)
	}
	_ = c.HandleMessage(ctx, mq.NewMessage([]byte(`{"verdict":"AC"}`)))

	if len(resolver.ids) != 2 {
		t.Fatalf("expected 2 resolves, got %v", resolver.ids)
	}
	if resolver.ids[0] != "room-1.t1" || resolver.verdicts[0].Status != model.StatusTimeLimitExceeded || resolver.verdicts[0].TimeMs != 2001 {
		t.Fatalf("unexpected first resolve %s %+v", resolver.ids[0], resolver.verdicts[0])
	}
	if resolver.ids[1] != "room-1.t2" || resolver.verdicts[1].Status != model.StatusAccepted {
		t.Fatalf("unexpected fallback resolve %s %+v", resolver.ids[1], resolver.verdicts[1])
	}
}

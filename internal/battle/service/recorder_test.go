package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"codebattle/internal/battle/model"
	"codebattle/internal/battle/repository"
	"codebattle/internal/battle/service"
	"codebattle/internal/common/db"
)

type recordingSink struct {
	err      error
	calls    int
	archived repository.ArchivedMatch
}

func (s *recordingSink) Save(context.Context, db.Transaction, *model.SettlementRecord) error {
	s.calls++
	return s.err
}

func (s *recordingSink) Apply(context.Context, *model.SettlementRecord) error {
	s.calls++
	return s.err
}

func (s *recordingSink) Publish(context.Context, [2]string, *model.SettlementRecord) error {
	s.calls++
	return s.err
}

func (s *recordingSink) Store(_ context.Context, m repository.ArchivedMatch) error {
	s.calls++
	s.archived = m
	return s.err
}

func TestRecorderCallsEverySink(t *testing.T) {
	t.Parallel()
	failing := &recordingSink{err: errors.New("mysql down")}
	ok := &recordingSink{}
	rec := &service.Recorder{Settlements: failing, Ratings: ok, Stream: ok, Archive: ok}

	match := service.FinishedMatch{
		RoomID:  "r1",
		Mode:    "STANDARD",
		Players: [2]string{"a", "b"},
		Record:  &model.SettlementRecord{RoomID: "r1", WinnerID: "a", Reason: model.ReasonAllSolved, SettledAt: time.Now()},
	}
	err := rec.HandleSettlement(context.Background(), match)
	if err == nil || !errors.Is(err, failing.err) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if failing.calls != 1 || ok.calls != 3 {
		t.Fatalf("every sink must run: failing=%d ok=%d", failing.calls, ok.calls)
	}
	if ok.archived.RoomID != "r1" || ok.archived.Settlement.WinnerID != "a" {
		t.Fatalf("unexpected archive %+v", ok.archived)
	}
}

func TestRecorderWithoutSinks(t *testing.T) {
	t.Parallel()
	if err := (&service.Recorder{}).HandleSettlement(context.Background(), service.FinishedMatch{}); err != nil {
		t.Fatalf("empty recorder must succeed: %v", err)
	}
}

package judge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"codebattle/internal/battle/judge"
	"codebattle/internal/battle/model"
)

type applied struct {
	ticket  model.Ticket
	verdict model.Verdict
}

type fakeApplier struct {
	mu      sync.Mutex
	runs    []applied
	submits []applied
}

func (a *fakeApplier) OnRunResult(t model.Ticket, v model.Verdict) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs = append(a.runs, applied{t, v})
}

func (a *fakeApplier) OnSubmitResult(t model.Ticket, v model.Verdict) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submits = append(a.submits, applied{t, v})
}

func (a *fakeApplier) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs), len(a.submits)
}

func newCorrelator(t *testing.T, cfg judge.Config) (*judge.Correlator, *fakeApplier) {
	t.Helper()
	a := &fakeApplier{}
	c := judge.NewCorrelator(cfg, a)
	t.Cleanup(c.Close)
	return c, a
}

func TestResolveIsIdempotent(t *testing.T) {
	t.Parallel()
	c, a := newCorrelator(t, judge.Config{})
	ctx := context.Background()
	ticket := c.Issue("room-1", "a", "p1", model.KindSubmit)

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.Resolve(ctx, ticket.ID, model.Verdict{Status: model.StatusAccepted})
		}()
	}
	wg.Wait()
	close(results)

	appliedCount := 0
	for ok := range results {
		if ok {
			appliedCount++
		}
	}
	if appliedCount != 1 {
		t.Fatalf("expected exactly one applied resolve, got %d", appliedCount)
	}
	if _, submits := a.counts(); submits != 1 {
		t.Fatalf("expected one submit result, got %d", submits)
	}
	if c.Pending("room-1") != 0 {
		t.Fatalf("resolved ticket must not stay pending")
	}
}

func TestResolveUnknownTicket(t *testing.T) {
	t.Parallel()
	c, a := newCorrelator(t, judge.Config{})
	ctx := context.Background()
	for _, id := range []string{"", "no-separator", "room-1.missing"} {
		if c.Resolve(ctx, id, model.Verdict{Status: model.StatusAccepted}) {
			t.Fatalf("unknown ticket %q must be ignored", id)
		}
	}
	if runs, submits := a.counts(); runs+submits != 0 {
		t.Fatalf("nothing may be applied")
	}
}

func TestRunTicketsOnlyReachRunResult(t *testing.T) {
	t.Parallel()
	c, a := newCorrelator(t, judge.Config{})
	ticket := c.Issue("room-1", "a", "p1", model.KindRun)
	c.Resolve(context.Background(), ticket.ID, model.Verdict{Status: model.StatusWrongAnswer, Output: "4"})

	runs, submits := a.counts()
	if runs != 1 || submits != 0 {
		t.Fatalf("expected run result only, got runs=%d submits=%d", runs, submits)
	}
	if a.runs[0].ticket.PlayerID != "a" || a.runs[0].verdict.Output != "4" {
		t.Fatalf("unexpected run result %+v", a.runs[0])
	}
}

func TestTicketTimeout(t *testing.T) {
	t.Parallel()
	c, a := newCorrelator(t, judge.Config{Timeout: 20 * time.Millisecond})
	ticket := c.Issue("room-1", "a", "p1", model.KindSubmit)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, submits := a.counts(); submits == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	a.mu.Lock()
	got := append([]applied(nil), a.submits...)
	a.mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected timeout verdict, got %d results", len(got))
	}
	if got[0].verdict.Status != model.StatusRuntimeError || got[0].verdict.Message != judge.TimeoutMessage {
		t.Fatalf("unexpected timeout verdict %+v", got[0].verdict)
	}
	if c.Resolve(context.Background(), ticket.ID, model.Verdict{Status: model.StatusAccepted}) {
		t.Fatalf("late judge result after timeout must be ignored")
	}
}

func TestDiscardRoom(t *testing.T) {
	t.Parallel()
	c, a := newCorrelator(t, judge.Config{Shards: 1})
	t1 := c.Issue("room-1", "a", "p1", model.KindSubmit)
	c.Issue("room-1", "b", "p1", model.KindRun)
	other := c.Issue("room-2", "c", "p1", model.KindSubmit)

	if n := c.DiscardRoom("room-1"); n != 2 {
		t.Fatalf("expected 2 discarded, got %d", n)
	}
	if c.Pending("room-1") != 0 || c.Pending("room-2") != 1 {
		t.Fatalf("discard must only touch room-1")
	}
	if c.Resolve(context.Background(), t1.ID, model.Verdict{Status: model.StatusAccepted}) {
		t.Fatalf("discarded ticket must not resolve")
	}
	if !c.Resolve(context.Background(), other.ID, model.Verdict{Status: model.StatusAccepted}) {
		t.Fatalf("other room ticket must resolve")
	}
	if _, submits := a.counts(); submits != 1 {
		t.Fatalf("expected one submit applied, got %d", submits)
	}
}

func TestStatusFromCode(t *testing.T) {
	t.Parallel()
	cases := map[string]model.ProblemStatus{
		"AC":                  model.StatusAccepted,
		"wa":                  model.StatusWrongAnswer,
		"OLE":                 model.StatusWrongAnswer,
		"TLE":                 model.StatusTimeLimitExceeded,
		"MLE":                 model.StatusMemoryLimitExceeded,
		"CE":                  model.StatusCompilationError,
		"RE":                  model.StatusRuntimeError,
		"SE":                  model.StatusRuntimeError,
		"COMPILATION_ERROR":   model.StatusCompilationError,
		"something-unplanned": model.StatusRuntimeError,
	}
	for code, want := range cases {
		if got := judge.StatusFromCode(code); got != want {
			t.Fatalf("%s: expected %s, got %s", code, want, got)
		}
	}
}

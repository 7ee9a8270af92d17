package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"codebattle/internal/battle/model"
	pkgerrors "codebattle/pkg/errors"
)

type pairCall struct {
	mode string
	a, b string
}

type fakeFactory struct {
	mu    sync.Mutex
	calls []pairCall
	fails int
}

func (f *fakeFactory) CreateRoom(_ context.Context, mode model.Mode, a, b string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pairCall{mode: mode.Name, a: a, b: b})
	if f.fails > 0 {
		f.fails--
		return errors.New("room store down")
	}
	return nil
}

func (f *fakeFactory) pairs() []pairCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pairCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeRooms map[string]bool

func (r fakeRooms) InRoom(userID string) bool { return r[userID] }

type fakeNotifier struct {
	mu     sync.Mutex
	events map[string][]model.Event
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(map[string][]model.Event)}
}

func (n *fakeNotifier) Deliver(userID string, ev model.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[userID] = append(n.events[userID], ev)
	return true
}

func (n *fakeNotifier) get(userID string) []model.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Event(nil), n.events[userID]...)
}

var testModes = []model.Mode{
	{Name: "quick", ProblemCount: 1, Duration: time.Minute},
	{Name: "classic", ProblemCount: 3, Duration: 30 * time.Minute},
}

func newTestQueue(factory RoomFactory, rooms RoomChecker, n Notifier) *Queue {
	return NewQueue(Config{RetryDelay: 10 * time.Millisecond}, testModes, factory, rooms, n)
}

func TestEnqueueUnknownMode(t *testing.T) {
	t.Parallel()
	q := newTestQueue(&fakeFactory{}, nil, nil)
	err := q.Enqueue(context.Background(), "u1", "ranked", 0)
	if !pkgerrors.Is(err, pkgerrors.InvalidMode) {
		t.Fatalf("expected InvalidMode, got %v", err)
	}
}

func TestEnqueueRejectsPlayerInRoom(t *testing.T) {
	t.Parallel()
	q := newTestQueue(&fakeFactory{}, fakeRooms{"u1": true}, nil)
	err := q.Enqueue(context.Background(), "u1", "quick", 0)
	if !pkgerrors.Is(err, pkgerrors.AlreadyInRoom) {
		t.Fatalf("expected AlreadyInRoom, got %v", err)
	}
	if q.Len("quick") != 0 {
		t.Fatalf("rejected player must not be queued")
	}
}

func TestEnqueueSameModeIsNoop(t *testing.T) {
	t.Parallel()
	q := newTestQueue(&fakeFactory{}, nil, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, "u1", "quick", 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if got := q.Len("quick"); got != 1 {
		t.Fatalf("expected one entry, got %d", got)
	}
}

func TestEnqueueOtherModeMovesEntry(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{}
	q := newTestQueue(factory, nil, nil)
	ctx := context.Background()

	_ = q.Enqueue(ctx, "u1", "quick", 0)
	_ = q.Enqueue(ctx, "u1", "classic", 0)
	if q.Len("quick") != 0 || q.Len("classic") != 1 {
		t.Fatalf("unexpected lane sizes: %v", q.Lengths())
	}

	// u2 joining quick must not pair with u1 any more.
	_ = q.Enqueue(ctx, "u2", "quick", 0)
	if len(factory.pairs()) != 0 {
		t.Fatalf("cross-mode pairing happened: %+v", factory.pairs())
	}
}

func TestPairsInArrivalOrder(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{}
	q := newTestQueue(factory, nil, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := q.Enqueue(ctx, fmt.Sprintf("u%d", i), "quick", 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	pairs := factory.pairs()
	want := []pairCall{{"quick", "u1", "u2"}, {"quick", "u3", "u4"}}
	if len(pairs) != len(want) {
		t.Fatalf("expected %d pairs, got %+v", len(want), pairs)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Fatalf("pair %d: expected %+v, got %+v", i, want[i], pairs[i])
		}
	}
	if q.Len("quick") != 1 || !q.Waiting("u5") {
		t.Fatalf("u5 must still be waiting")
	}
	if q.Waiting("u1") {
		t.Fatalf("paired player must leave the queue")
	}
}

func TestConcurrentEnqueueNeverDoublePairs(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{}
	q := newTestQueue(factory, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Enqueue(context.Background(), fmt.Sprintf("u%d", i), "quick", 0)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, p := range factory.pairs() {
		for _, u := range []string{p.a, p.b} {
			if seen[u] {
				t.Fatalf("user %s paired twice", u)
			}
			seen[u] = true
		}
	}
	if len(seen)+q.Len("quick") != 50 {
		t.Fatalf("lost users: paired=%d waiting=%d", len(seen), q.Len("quick"))
	}
}

func TestDequeue(t *testing.T) {
	t.Parallel()
	q := newTestQueue(&fakeFactory{}, nil, nil)
	_ = q.Enqueue(context.Background(), "u1", "quick", 0)
	if !q.Dequeue("u1") {
		t.Fatalf("expected dequeue to succeed")
	}
	if q.Dequeue("u1") {
		t.Fatalf("second dequeue must report false")
	}
	if q.Len("quick") != 0 {
		t.Fatalf("lane must be empty")
	}
}

func TestDequeuedEntryIsNotPaired(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{}
	q := newTestQueue(factory, nil, nil)
	ctx := context.Background()
	_ = q.Enqueue(ctx, "u1", "quick", 0)

	// u1 has left the index but is still linked in the lane, as between the
	// two halves of Dequeue.
	q.idxMu.Lock()
	stale := q.index["u1"]
	delete(q.index, "u1")
	q.idxMu.Unlock()

	_ = q.Enqueue(ctx, "u2", "quick", 0)
	_ = q.Enqueue(ctx, "u3", "quick", 0)
	pairs := factory.pairs()
	if len(pairs) != 1 || pairs[0].a != "u2" || pairs[0].b != "u3" {
		t.Fatalf("dequeued user must not be paired: %+v", pairs)
	}

	l := q.lanes["quick"]
	l.mu.Lock()
	q.removeLocked(l, stale)
	l.mu.Unlock()
	if q.Len("quick") != 0 {
		t.Fatalf("lane must be empty, got %d", q.Len("quick"))
	}
}

func TestDequeueRacingPairing(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{}
	q := newTestQueue(factory, nil, nil)
	ctx := context.Background()

	const users = 200
	left := make([]bool, users)
	var wg sync.WaitGroup
	for i := range users {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = q.Enqueue(ctx, fmt.Sprintf("u%d", i), "quick", 0)
		}()
		go func() {
			defer wg.Done()
			left[i] = q.Dequeue(fmt.Sprintf("u%d", i))
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, p := range factory.pairs() {
		for _, u := range []string{p.a, p.b} {
			if seen[u] {
				t.Fatalf("%s paired twice", u)
			}
			seen[u] = true
		}
	}
	for i, gone := range left {
		if u := fmt.Sprintf("u%d", i); gone && seen[u] {
			t.Fatalf("%s was paired after Dequeue reported it removed", u)
		}
	}
}

func TestEnqueueTimeout(t *testing.T) {
	t.Parallel()
	n := newFakeNotifier()
	q := newTestQueue(&fakeFactory{}, nil, n)
	_ = q.Enqueue(context.Background(), "u1", "quick", 20*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for len(n.get("u1")) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	events := n.get("u1")
	if len(events) != 1 || events[0].Type != model.EventMatchmakingError {
		t.Fatalf("expected one matchmaking_error, got %+v", events)
	}
	payload := events[0].Data.(model.ErrorPayload)
	if payload.Code != "timeout" || payload.Message != "no match found" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if q.Waiting("u1") {
		t.Fatalf("timed out user must leave the queue")
	}
}

func TestDequeueCancelsTimeout(t *testing.T) {
	t.Parallel()
	n := newFakeNotifier()
	q := newTestQueue(&fakeFactory{}, nil, n)
	_ = q.Enqueue(context.Background(), "u1", "quick", 20*time.Millisecond)
	q.Dequeue("u1")
	time.Sleep(60 * time.Millisecond)
	if got := n.get("u1"); len(got) != 0 {
		t.Fatalf("no timeout expected after dequeue, got %+v", got)
	}
}

func TestRoomCreationRetriedOnce(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{fails: 1}
	n := newFakeNotifier()
	q := newTestQueue(factory, nil, n)
	ctx := context.Background()

	_ = q.Enqueue(ctx, "u1", "quick", 0)
	_ = q.Enqueue(ctx, "u2", "quick", 0)

	deadline := time.Now().Add(time.Second)
	for len(factory.pairs()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	pairs := factory.pairs()
	if len(pairs) != 2 || pairs[1] != (pairCall{"quick", "u1", "u2"}) {
		t.Fatalf("expected a retry with the same order, got %+v", pairs)
	}
	if len(n.get("u1")) != 0 || len(n.get("u2")) != 0 {
		t.Fatalf("successful retry must not notify")
	}
}

func TestRoomCreationFailsTwice(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{fails: 2}
	n := newFakeNotifier()
	q := newTestQueue(factory, nil, n)
	ctx := context.Background()

	_ = q.Enqueue(ctx, "u1", "quick", 0)
	_ = q.Enqueue(ctx, "u2", "quick", 0)

	deadline := time.Now().Add(time.Second)
	for (len(n.get("u1")) == 0 || len(n.get("u2")) == 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	for _, u := range []string{"u1", "u2"} {
		events := n.get(u)
		if len(events) != 1 || events[0].Type != model.EventMatchmakingError {
			t.Fatalf("%s: expected matchmaking_error, got %+v", u, events)
		}
		if p := events[0].Data.(model.ErrorPayload); p.Code != "room_creation_failed" {
			t.Fatalf("%s: unexpected payload %+v", u, p)
		}
		if q.Waiting(u) {
			t.Fatalf("%s must not stay queued", u)
		}
	}
}

package mq

import (
	"context"
	"testing"
	"time"
)

func TestKafkaMessageHeadersRoundTrip(t *testing.T) {
	msg := NewMessage([]byte(`{"ticket_id":"r1.t1"}`))
	msg.ID = "r1.t1"
	msg.SetHeader("kind", "SUBMIT")
	msg.RetryCount = 2
	msg.Expiration = 30 * time.Second

	km := toKafkaMessage("battle.judge.task", msg)
	if string(km.Key) != "r1.t1" {
		t.Fatalf("expected key to be message id, got %q", km.Key)
	}

	got := fromKafkaMessage(km)
	if got.ID != msg.ID {
		t.Fatalf("id mismatch: %q", got.ID)
	}
	if v, ok := got.GetHeader("kind"); !ok || v != "SUBMIT" {
		t.Fatalf("custom header lost: %q %v", v, ok)
	}
	if got.RetryCount != 2 || got.MaxRetries != 3 {
		t.Fatalf("retry headers mismatch: %d/%d", got.RetryCount, got.MaxRetries)
	}
	if got.Expiration != 30*time.Second {
		t.Fatalf("expiration mismatch: %v", got.Expiration)
	}
	if !got.Timestamp.Equal(msg.Timestamp) {
		t.Fatalf("timestamp mismatch: %v vs %v", got.Timestamp, msg.Timestamp)
	}
	if _, ok := got.Headers[headerID]; ok {
		t.Fatalf("reserved headers must not leak into Headers")
	}
}

func TestMessageExpired(t *testing.T) {
	now := time.Now()
	m := &Message{Timestamp: now.Add(-time.Minute), Expiration: 30 * time.Second}
	if !m.Expired(now) {
		t.Fatalf("expected message to be expired")
	}
	m.Expiration = 0
	if m.Expired(now) {
		t.Fatalf("message without expiration never expires")
	}
}

func TestTokenLimiter(t *testing.T) {
	l := NewTokenLimiter(1)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); err == nil {
		t.Fatalf("expected second acquire to block until timeout")
	}
	l.Release()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

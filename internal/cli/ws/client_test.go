package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBattleURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		base string
		want string
	}{
		{base: "http://127.0.0.1:8090", want: "ws://127.0.0.1:8090/api/v1/battle/ws?token=abc"},
		{base: "https://battle.example.com/", want: "wss://battle.example.com/api/v1/battle/ws?token=abc"},
	}
	for _, tc := range cases {
		got, err := BattleURL(tc.base, "abc")
		if err != nil {
			t.Fatalf("%s: %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.base, got, tc.want)
		}
	}
	if _, err := BattleURL("ftp://host", "abc"); err == nil {
		t.Fatalf("unsupported scheme must fail")
	}
}

// echoServer answers every frame with an event of the same type.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			_ = conn.WriteJSON(map[string]any{"type": frame["type"], "room_id": frame["room_id"], "data": frame, "ts": 1})
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()
	server := echoServer(t)
	events := make(chan Event, 1)
	closed := make(chan error, 1)
	client := New(func(ev Event) { events <- ev }, func(err error) { closed <- err })

	if err := client.Send(map[string]string{"type": "x"}); err != ErrNotConnected {
		t.Fatalf("send before connect: %v", err)
	}
	if err := client.Connect(context.Background(), server.URL, "wrong"); err == nil {
		t.Fatalf("bad token must fail")
	}
	if err := client.Connect(context.Background(), server.URL, "secret"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.Send(map[string]string{"type": "start_match", "room_id": "r1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case ev := <-events:
		var data map[string]string
		_ = json.Unmarshal(ev.Data, &data)
		if ev.Type != "start_match" || ev.RoomID != "r1" || data["room_id"] != "r1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event received")
	}

	client.Close()
	if client.Connected() {
		t.Fatalf("client must be disconnected after close")
	}
	select {
	case err := <-closed:
		t.Fatalf("local close must not report a dropped connection: %v", err)
	default:
	}
}

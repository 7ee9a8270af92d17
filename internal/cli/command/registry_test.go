package command

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRegistryKeysUnique(t *testing.T) {
	t.Parallel()
	commands := Registry()
	for key, cmd := range commands {
		if key != cmd.Key() {
			t.Fatalf("registry key %q does not match command %q", key, cmd.Key())
		}
		if cmd.IsFrame() == (cmd.Method != "") {
			t.Fatalf("%s must be either an HTTP or a websocket command", key)
		}
	}
	for _, key := range []string{"match join", "match leave", "room start", "room submit", "room rejoin", "battle leaderboard"} {
		if _, ok := commands[key]; !ok {
			t.Fatalf("missing command %s", key)
		}
	}
}

func TestBuildRequestPathAndQuery(t *testing.T) {
	t.Parallel()
	commands := Registry()

	req, err := BuildRequest(commands["room show"], Params{"room": "r 1"})
	if err != nil {
		t.Fatalf("build room show: %v", err)
	}
	if req.Method != "GET" || req.Path != "/api/v1/battle/rooms/r%201" {
		t.Fatalf("unexpected request %+v", req)
	}

	req, err = BuildRequest(commands["battle leaderboard"], Params{"n": "5"})
	if err != nil {
		t.Fatalf("build leaderboard: %v", err)
	}
	if req.Path != "/api/v1/battle/leaderboard?limit=5" {
		t.Fatalf("unexpected path %s", req.Path)
	}

	if _, err := BuildRequest(commands["battle leaderboard"], Params{"limit": "many"}); err == nil {
		t.Fatalf("non numeric limit must fail")
	}
	if _, err := BuildRequest(commands["room show"], Params{}); err == nil {
		t.Fatalf("missing room id must fail")
	}
	if _, err := BuildRequest(commands["room start"], Params{"room_id": "r"}); err == nil {
		t.Fatalf("frame command must not build an HTTP request")
	}
}

func TestBuildFrame(t *testing.T) {
	t.Parallel()
	commands := Registry()

	frame, err := BuildFrame(commands["match join"], Params{"mode": "blitz", "timeout": "1m30s"})
	if err != nil {
		t.Fatalf("build join: %v", err)
	}
	if frame.Type != "join_matchmaking" || frame.Mode != "BLITZ" || frame.TimeoutMs != 90000 {
		t.Fatalf("unexpected frame %+v", frame)
	}
	if _, err := BuildFrame(commands["match join"], Params{"mode": "x", "timeout": "soon"}); err == nil {
		t.Fatalf("bad timeout must fail")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte("package main"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	frame, err = BuildFrame(commands["room run"], Params{
		"room_id": "r1", "problem": "p1", "lang": "go", "code": "_file_", "file": path, "input": "1 2",
	})
	if err != nil {
		t.Fatalf("build run: %v", err)
	}
	if frame.Type != "run_code" || frame.ProblemID != "p1" || frame.Language != "go" || frame.Code != "package main" || frame.Input != "1 2" {
		t.Fatalf("unexpected frame %+v", frame)
	}

	if _, err := BuildFrame(commands["room submit"], Params{"room_id": "r1", "problem_id": "p1", "language": "go"}); err == nil {
		t.Fatalf("submit without code must fail")
	}

	data, err := Frame{Type: "start_match", RoomID: "r1"}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := string(data); !strings.Contains(got, `"room_id":"r1"`) || strings.Contains(got, "code") {
		t.Fatalf("unexpected encoding %s", got)
	}
}

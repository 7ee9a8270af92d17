package command

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const fileMarker = "_file_"

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "battle",
			Action:       "health",
			Method:       "GET",
			PathTemplate: "/api/v1/battle/healthz",
		},
		{
			Service:      "battle",
			Action:       "modes",
			Method:       "GET",
			PathTemplate: "/api/v1/battle/modes",
		},
		{
			Service:      "battle",
			Action:       "leaderboard",
			Method:       "GET",
			PathTemplate: "/api/v1/battle/leaderboard",
			Fields: []Field{
				{Name: "limit", Aliases: []string{"n"}, Prompt: "limit", Type: FieldInt},
			},
		},
		{
			Service:      "room",
			Action:       "show",
			Method:       "GET",
			PathTemplate: "/api/v1/battle/rooms/:room_id",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "room_id", Aliases: []string{"room", "id"}, Prompt: "room_id", Type: FieldString, Required: true, Sticky: true},
			},
		},
		{
			Service:      "match",
			Action:       "join",
			Frame:        "join_matchmaking",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "mode", Prompt: "mode", Type: FieldString, Required: true},
				{Name: "timeout", Prompt: "timeout (e.g. 60s)", Type: FieldString},
			},
		},
		{
			Service:      "match",
			Action:       "leave",
			Frame:        "leave_matchmaking",
			RequiresAuth: true,
		},
		roomFrame("join", "join_match"),
		roomFrame("start", "start_match"),
		roomFrame("rejoin", "rejoin"),
		roomFrame("abort", "abort_match"),
		codeFrame("run", "run_code", Field{Name: "input", Prompt: "stdin", Type: FieldString}),
		codeFrame("submit", "submit_code"),
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Key()] = cmd
	}
	return result
}

func roomField() Field {
	return Field{Name: "room_id", Aliases: []string{"room", "id"}, Prompt: "room_id", Type: FieldString, Required: true, Sticky: true}
}

func roomFrame(action, frame string) Command {
	return Command{
		Service:      "room",
		Action:       action,
		Frame:        frame,
		RequiresAuth: true,
		Fields:       []Field{roomField()},
	}
}

func codeFrame(action, frame string, extra ...Field) Command {
	fields := []Field{
		roomField(),
		{Name: "problem_id", Aliases: []string{"problem"}, Prompt: "problem_id", Type: FieldString, Required: true},
		{Name: "language", Aliases: []string{"lang"}, Prompt: "language", Type: FieldString, Required: true},
		{Name: "code", Prompt: "code", Type: FieldString, Required: true},
		{Name: "source_file", Aliases: []string{"file"}, Prompt: "source_file", Type: FieldFile},
	}
	return Command{
		Service:      "room",
		Action:       action,
		Frame:        frame,
		RequiresAuth: true,
		Fields:       append(fields, extra...),
	}
}

// Frame is the JSON shape of a client websocket command.
type Frame struct {
	Type      string `json:"type"`
	Mode      string `json:"mode,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	ProblemID string `json:"problem_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Language  string `json:"language,omitempty"`
	Input     string `json:"input,omitempty"`
}

// BuildFrame creates the websocket frame for a frame command.
func BuildFrame(cmd Command, params Params) (Frame, error) {
	if !cmd.IsFrame() {
		return Frame{}, fmt.Errorf("%s is not a websocket command", cmd.Key())
	}
	params.Canonicalize(cmd.Fields)
	frame := Frame{
		Type:      cmd.Frame,
		Mode:      strings.ToUpper(params.Get("mode")),
		RoomID:    params.Get("room_id"),
		ProblemID: params.Get("problem_id"),
		Language:  params.Get("language"),
		Input:     params.Get("input"),
	}
	if raw := params.Get("timeout"); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return Frame{}, fmt.Errorf("invalid timeout: %w", err)
		}
		frame.TimeoutMs = timeout.Milliseconds()
	}
	if hasField(cmd, "code") {
		code, err := sourceCode(params)
		if err != nil {
			return Frame{}, err
		}
		frame.Code = code
	}
	return frame, nil
}

func hasField(cmd Command, name string) bool {
	for _, field := range cmd.Fields {
		if field.Name == name {
			return true
		}
	}
	return false
}

func sourceCode(params Params) (string, error) {
	code := params.Get("code")
	if (code == "" || code == fileMarker) && params.Get("source_file") != "" {
		data, err := ReadFile(params.Get("source_file"))
		if err != nil {
			return "", err
		}
		code = data
	}
	if code == "" || code == fileMarker {
		return "", fmt.Errorf("code is required")
	}
	return code, nil
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	if cmd.IsFrame() {
		return RequestSpec{}, fmt.Errorf("%s is a websocket command", cmd.Key())
	}
	params.Canonicalize(cmd.Fields)
	path, used, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}

	query := url.Values{}
	for _, field := range cmd.Fields {
		value := params.Get(field.Name)
		if value == "" || used[field.Name] {
			continue
		}
		if field.Type == FieldInt {
			if _, err := ParseInt(value); err != nil {
				return RequestSpec{}, fmt.Errorf("invalid %s: %w", field.Name, err)
			}
		}
		query.Set(field.Name, value)
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: map[string]string{},
	}, nil
}

func buildPath(template string, params Params) (string, map[string]bool, error) {
	path := template
	used := map[string]bool{}
	for _, key := range []string{"room_id"} {
		placeholder := ":" + key
		if strings.Contains(path, placeholder) {
			value := params.Get(key)
			if value == "" {
				return "", nil, fmt.Errorf("missing path parameter: %s", key)
			}
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
			used[key] = true
		}
	}
	return path, used, nil
}

// Encode marshals frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame failed: %w", err)
	}
	return data, nil
}

package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"codebattle/internal/cli/command"
	httpclient "codebattle/internal/cli/http"
	"codebattle/internal/cli/state"
	wsclient "codebattle/internal/cli/ws"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const defaultPrompt = "battle> "

// Session holds REPL state.
type Session struct {
	client     *httpclient.Client
	socket     *wsclient.Client
	commands   map[string]command.Command
	statePath  string
	prettyJSON bool

	stateMu sync.Mutex
	state   *state.SessionState

	outMu  sync.Mutex
	out    io.Writer
	prompt func(label string) (string, error)
}

func New(client *httpclient.Client, commands map[string]command.Command, st *state.SessionState, statePath string, prettyJSON bool) *Session {
	s := &Session{
		client:     client,
		commands:   commands,
		state:      st,
		statePath:  statePath,
		prettyJSON: prettyJSON,
		out:        os.Stdout,
	}
	s.socket = wsclient.New(s.handleEvent, s.handleSocketClosed)
	return s
}

// SetOutput redirects everything the session prints.
func (s *Session) SetOutput(w io.Writer) {
	s.outMu.Lock()
	s.out = w
	s.outMu.Unlock()
}

// SetPrompter sets how missing required fields are asked for.
func (s *Session) SetPrompter(prompt func(label string) (string, error)) {
	s.prompt = prompt
}

// Run reads commands until exit or EOF.
func (s *Session) Run(ctx context.Context, historyPath string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          defaultPrompt,
		HistoryFile:     historyPath,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    s.completer(),
	})
	if err != nil {
		return fmt.Errorf("init readline failed: %w", err)
	}
	defer func() { _ = rl.Close() }()
	defer s.socket.Close()

	s.SetOutput(rl.Stdout())
	s.SetPrompter(func(label string) (string, error) {
		rl.SetPrompt(label + ": ")
		defer rl.SetPrompt(defaultPrompt)
		line, err := rl.Readline()
		if err != nil {
			return "", fmt.Errorf("read input failed: %w", err)
		}
		return strings.TrimSpace(line), nil
	})

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input failed: %w", err)
		}
		exit, err := s.Execute(ctx, line)
		if err != nil {
			s.printLine("error: %v", err)
		}
		if exit {
			s.printLine("bye")
			return nil
		}
	}
}

func (s *Session) completer() *readline.PrefixCompleter {
	services := map[string][]readline.PrefixCompleterInterface{}
	for _, cmd := range s.commands {
		services[cmd.Service] = append(services[cmd.Service], readline.PcItem(cmd.Action))
	}
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	items := []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("exit"),
		readline.PcItem("connect"),
		readline.PcItem("disconnect"),
		readline.PcItem("set", readline.PcItem("base"), readline.PcItem("timeout"), readline.PcItem("token")),
		readline.PcItem("show", readline.PcItem("token"), readline.PcItem("config"), readline.PcItem("room")),
	}
	for _, name := range names {
		items = append(items, readline.PcItem(name, services[name]...))
	}
	return readline.NewPrefixCompleter(items...)
}

// Execute runs one input line. exit is true when the user asked to quit.
func (s *Session) Execute(ctx context.Context, line string) (exit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if handled, exit := s.handleSystemCommand(ctx, line); handled {
		return exit, nil
	}
	return false, s.handleCommand(ctx, line)
}

func (s *Session) handleSystemCommand(ctx context.Context, line string) (handled, exit bool) {
	switch line {
	case "exit", "quit":
		return true, true
	case "help":
		s.printHelp()
		return true, false
	case "connect":
		if err := s.socket.Connect(ctx, s.client.BaseURL(), s.client.Token()); err != nil {
			s.printLine("error: %v", err)
		} else {
			s.printLine("connected")
		}
		return true, false
	case "disconnect":
		s.socket.Close()
		s.printLine("disconnected")
		return true, false
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true, false
	}
	if strings.HasPrefix(line, "show ") {
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
		return true, false
	}
	return false, false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|token|timeout")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8090")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 10s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "token":
		if len(parts) < 2 {
			s.printLine("usage: set token <access_token>")
			return
		}
		if err := s.updateState(func(st *state.SessionState) { st.AccessToken = parts[1] }); err != nil {
			s.printLine("save token failed: %v", err)
			return
		}
		s.printLine("token updated")
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	st := s.snapshotState()
	switch args {
	case "token":
		if st.AccessToken == "" {
			s.printLine("token: <empty>")
			return
		}
		token := st.AccessToken
		if len(token) > 12 {
			token = token[:6] + "..." + token[len(token)-4:]
		}
		s.printLine("token: %s", token)
	case "room":
		if st.RoomID == "" {
			s.printLine("room: <none>")
			return
		}
		s.printLine("room: %s", st.RoomID)
	case "config":
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("statePath: %s", s.statePath)
		s.printLine("connected: %t", s.socket.Connected())
	default:
		s.printLine("usage: show token|room|config")
	}
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	cmd, ok := s.commands[tokens[0]+" "+tokens[1]]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", tokens[0], tokens[1])
	}
	params := command.Params{}
	for _, token := range tokens[2:] {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid param: %s", token)
		}
		params.Set(parts[0], parts[1])
	}
	params.Canonicalize(cmd.Fields)

	s.applyParamShortcuts(cmd, params)
	if err := s.promptMissing(cmd, params); err != nil {
		return err
	}

	if cmd.IsFrame() {
		frame, err := command.BuildFrame(cmd, params)
		if err != nil {
			return err
		}
		return s.socket.Send(frame)
	}

	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) applyParamShortcuts(cmd command.Command, params command.Params) {
	for _, field := range cmd.Fields {
		if field.Name == "code" && params.Get("source_file") != "" && params.Get("code") == "" {
			params.Set("code", "_file_")
		}
		if field.Sticky && params.Get(field.Name) == "" {
			if roomID := s.snapshotState().RoomID; roomID != "" {
				params.Set(field.Name, roomID)
			}
		}
	}
}

func (s *Session) promptMissing(cmd command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required || params.Get(field.Name) != "" {
			continue
		}
		if s.prompt == nil {
			return fmt.Errorf("missing required field: %s", field.Name)
		}
		value, err := s.prompt(field.Prompt)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	s.printLine("%s", s.formatJSON(resp.Body))
}

func (s *Session) formatJSON(data []byte) string {
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(data, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			return string(formatted)
		}
	}
	return string(data)
}

func (s *Session) handleEvent(ev wsclient.Event) {
	switch ev.Type {
	case "match_found":
		var found struct {
			RoomID     string `json:"room_id"`
			OpponentID string `json:"opponent_id"`
			Mode       string `json:"mode"`
		}
		if err := json.Unmarshal(ev.Data, &found); err == nil && found.RoomID != "" {
			_ = s.updateState(func(st *state.SessionState) { st.RoomID = found.RoomID })
			s.printLine("<< match found: room %s vs %s (%s)", found.RoomID, found.OpponentID, found.Mode)
			return
		}
	case "game_end":
		var end struct {
			WinnerID *string `json:"winner_id"`
			Reason   string  `json:"reason"`
		}
		if err := json.Unmarshal(ev.Data, &end); err == nil {
			winner := "draw"
			if end.WinnerID != nil {
				winner = *end.WinnerID
			}
			s.printLine("<< game over: %s (%s)", winner, end.Reason)
		}
	}
	if len(ev.Data) == 0 {
		s.printLine("<< %s", ev.Type)
		return
	}
	s.printLine("<< %s %s", ev.Type, s.formatJSON(ev.Data))
}

func (s *Session) handleSocketClosed(err error) {
	s.printLine("<< connection closed: %v", err)
}

func (s *Session) updateState(fn func(st *state.SessionState)) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	fn(s.state)
	return state.Save(s.statePath, *s.state)
}

// AccessToken returns the token used for HTTP and websocket auth.
func (s *Session) AccessToken() string {
	return s.snapshotState().AccessToken
}

func (s *Session) snapshotState() state.SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return *s.state
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | connect | disconnect | set base|timeout|token | show token|room|config")
	s.printLine("examples:")
	s.printLine("  connect")
	s.printLine("  match join mode=STANDARD timeout=60s")
	s.printLine("  room start")
	s.printLine("  room run problem_id=p1 lang=go file=./main.go input=\"1 2\"")
	s.printLine("  room submit problem_id=p1 lang=go file=./main.go")
	s.printLine("  battle leaderboard limit=20")
}

func (s *Session) printLine(format string, args ...interface{}) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}

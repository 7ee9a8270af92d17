package model

import "time"

// EventType names an outbound frame.
type EventType string

const (
	EventMatchFound       EventType = "match_found"
	EventMatchState       EventType = "match_state"
	EventGameStart        EventType = "game_start"
	EventGameStateUpdate  EventType = "game_state_update"
	EventRunResult        EventType = "run_result"
	EventSubmissionResult EventType = "submission_result"
	EventGameEnd          EventType = "game_end"
	EventMatchmakingError EventType = "matchmaking_error"
	EventMatchError       EventType = "match_error"
	EventAuthError        EventType = "auth_error"
)

// Event is one outbound frame addressed to a single player.
type Event struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"room_id,omitempty"`
	Data   any       `json:"data,omitempty"`
	TS     int64     `json:"ts"`
}

// NewEvent stamps an event with now in unix milliseconds.
func NewEvent(typ EventType, roomID string, data any, now time.Time) Event {
	return Event{Type: typ, RoomID: roomID, Data: data, TS: now.UnixMilli()}
}

type MatchFound struct {
	RoomID     string `json:"room_id"`
	OpponentID string `json:"opponent_id"`
	Mode       string `json:"mode"`
}

// MatchState reports room and readiness changes before and around the game.
type MatchState struct {
	Status   RoomStatus `json:"status"`
	Self     PlayerView `json:"self"`
	Opponent PlayerView `json:"opponent"`
	Problems []Problem  `json:"problems,omitempty"`
}

type GameStart struct {
	Problems []Problem  `json:"problems"`
	Self     PlayerView `json:"self"`
	Opponent PlayerView `json:"opponent"`
	EndsAt   time.Time  `json:"ends_at"`
}

type GameStateUpdate struct {
	PlayerID  string        `json:"player_id"`
	ProblemID string        `json:"problem_id"`
	Status    ProblemStatus `json:"status"`
	At        time.Time     `json:"at"`
}

type ExecutionResult struct {
	TicketID  string  `json:"ticket_id"`
	ProblemID string  `json:"problem_id"`
	Verdict   Verdict `json:"verdict"`
}

// GameEnd renders WinnerID as null on a draw.
type GameEnd struct {
	WinnerID *string          `json:"winner_id"`
	Deltas   map[string]int   `json:"rating_deltas"`
	Reason   SettlementReason `json:"reason"`
}

// NewGameEnd converts a settlement record into its broadcast payload.
func NewGameEnd(rec *SettlementRecord) GameEnd {
	end := GameEnd{Deltas: rec.Deltas, Reason: rec.Reason}
	if rec.WinnerID != "" {
		winner := rec.WinnerID
		end.WinnerID = &winner
	}
	return end
}

// ErrorPayload is carried by matchmaking_error, match_error and auth_error.
type ErrorPayload struct {
	Code      string `json:"code"`
	ErrorCode int    `json:"error_code,omitempty"`
	Message   string `json:"message"`
}

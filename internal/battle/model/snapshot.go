package model

import "time"

// StatusEntry is one point in a player's problem status history.
type StatusEntry struct {
	ProblemID string        `json:"problem_id"`
	Status    ProblemStatus `json:"status"`
	At        time.Time     `json:"at"`
	Verdict   *Verdict      `json:"verdict,omitempty"`
}

// PlayerView is a player's state as seen by one recipient.
// The opponent view never carries history, code or judge detail.
type PlayerView struct {
	PlayerID   string                   `json:"player_id"`
	Joined     bool                     `json:"joined"`
	Ready      bool                     `json:"ready"`
	Live       bool                     `json:"live"`
	Statuses   map[string]ProblemStatus `json:"statuses"`
	Accepted   int                      `json:"accepted"`
	Running    bool                     `json:"running"`
	Submitting bool                     `json:"submitting"`
	History    []StatusEntry            `json:"history,omitempty"`
	Language   string                   `json:"language,omitempty"`
	Code       string                   `json:"code,omitempty"`
}

// Snapshot is the full room state relative to the requesting player.
type Snapshot struct {
	RoomID     string            `json:"room_id"`
	Mode       string            `json:"mode"`
	Status     RoomStatus        `json:"status"`
	Self       PlayerView        `json:"self"`
	Opponent   PlayerView        `json:"opponent"`
	Problems   []Problem         `json:"problems,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	EndsAt     *time.Time        `json:"ends_at,omitempty"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
	Settlement *SettlementRecord `json:"settlement,omitempty"`
}

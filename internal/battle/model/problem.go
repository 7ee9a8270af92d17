package model

import "time"

// TestCase is one input/expected output pair of a problem.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Hidden         bool   `json:"hidden"`
}

// Problem is immutable once loaded into a room.
type Problem struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Statement     string     `json:"statement,omitempty"`
	Difficulty    int        `json:"difficulty"`
	TimeLimitMs   int64      `json:"time_limit_ms"`
	MemoryLimitKB int64      `json:"memory_limit_kb"`
	TestCases     []TestCase `json:"test_cases"`
}

// Clone returns a deep copy so the caller cannot mutate shared test cases.
func (p Problem) Clone() Problem {
	out := p
	if p.TestCases != nil {
		out.TestCases = make([]TestCase, len(p.TestCases))
		copy(out.TestCases, p.TestCases)
	}
	return out
}

// Public returns the player-facing copy with hidden test cases removed.
func (p Problem) Public() Problem {
	out := p
	out.TestCases = make([]TestCase, 0, len(p.TestCases))
	for _, tc := range p.TestCases {
		if !tc.Hidden {
			out.TestCases = append(out.TestCases, tc)
		}
	}
	return out
}

// Mode describes a game mode players can queue for.
type Mode struct {
	Name          string        `yaml:"name" json:"name"`
	ProblemCount  int           `yaml:"problemCount" json:"problem_count"`
	Duration      time.Duration `yaml:"duration" json:"duration"`
	MinDifficulty int           `yaml:"minDifficulty" json:"min_difficulty"`
	MaxDifficulty int           `yaml:"maxDifficulty" json:"max_difficulty"`
}

// Verdict is a judge outcome for one ticket.
type Verdict struct {
	Status      ProblemStatus `json:"status"`
	Output      string        `json:"output,omitempty"`
	Message     string        `json:"message,omitempty"`
	TimeMs      int64         `json:"time_ms,omitempty"`
	MemoryKB    int64         `json:"memory_kb,omitempty"`
	PassedCases int           `json:"passed_cases,omitempty"`
	TotalCases  int           `json:"total_cases,omitempty"`
}

// Ticket correlates an async judge request with its room, player and problem.
type Ticket struct {
	ID        string     `json:"id"`
	RoomID    string     `json:"room_id"`
	PlayerID  string     `json:"player_id"`
	ProblemID string     `json:"problem_id"`
	Kind      TicketKind `json:"kind"`
	IssuedAt  time.Time  `json:"issued_at"`
}

// SettlementRecord is produced exactly once per room.
type SettlementRecord struct {
	RoomID    string           `json:"room_id"`
	Mode      string           `json:"mode,omitempty"`
	WinnerID  string           `json:"winner_id,omitempty"`
	Deltas    map[string]int   `json:"deltas"`
	Reason    SettlementReason `json:"reason"`
	SettledAt time.Time        `json:"settled_at"`
}

// Draw reports whether the match ended without a winner.
func (r *SettlementRecord) Draw() bool {
	return r.WinnerID == ""
}

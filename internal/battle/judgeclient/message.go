package judgeclient

import "codebattle/internal/battle/model"

// JudgeTask is published on the judge task topic for every RUN or SUBMIT.
type JudgeTask struct {
	TicketID      string           `json:"ticket_id"`
	RoomID        string           `json:"room_id"`
	UserID        string           `json:"user_id"`
	ProblemID     string           `json:"problem_id"`
	Kind          model.TicketKind `json:"kind"`
	Language      string           `json:"language"`
	Code          string           `json:"code"`
	TimeLimitMs   int64            `json:"time_limit_ms"`
	MemoryLimitKB int64            `json:"memory_limit_kb"`
	// Input is the custom stdin of a RUN; when set TestCases is empty.
	Input     string           `json:"input,omitempty"`
	TestCases []model.TestCase `json:"test_cases,omitempty"`
}

// JudgeResultMessage is consumed from the judge result topic and accepted by
// the judge webhook.
type JudgeResultMessage struct {
	TicketID    string `json:"ticket_id"`
	Verdict     string `json:"verdict"`
	Output      string `json:"output,omitempty"`
	Message     string `json:"message,omitempty"`
	TimeMs      int64  `json:"time_ms,omitempty"`
	MemoryKB    int64  `json:"memory_kb,omitempty"`
	PassedCases int    `json:"passed_cases,omitempty"`
	TotalCases  int    `json:"total_cases,omitempty"`
}

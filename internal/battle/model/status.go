package model

// RoomStatus is the lifecycle state of a match room.
type RoomStatus string

const (
	RoomWaiting    RoomStatus = "WAITING"
	RoomInProgress RoomStatus = "IN_PROGRESS"
	RoomCompleted  RoomStatus = "COMPLETED"
	RoomAborted    RoomStatus = "ABORTED"
)

// Terminal reports whether no further transition is allowed.
func (s RoomStatus) Terminal() bool {
	return s == RoomCompleted || s == RoomAborted
}

// ProblemStatus is the verdict state of one player's attempts on one problem.
type ProblemStatus string

const (
	StatusUnattempted         ProblemStatus = "UNATTEMPTED"
	StatusPending             ProblemStatus = "PENDING"
	StatusAccepted            ProblemStatus = "ACCEPTED"
	StatusWrongAnswer         ProblemStatus = "WRONG_ANSWER"
	StatusTimeLimitExceeded   ProblemStatus = "TIME_LIMIT_EXCEEDED"
	StatusMemoryLimitExceeded ProblemStatus = "MEMORY_LIMIT_EXCEEDED"
	StatusRuntimeError        ProblemStatus = "RUNTIME_ERROR"
	StatusCompilationError    ProblemStatus = "COMPILATION_ERROR"
)

// IsVerdict reports whether s is a final judge outcome.
func (s ProblemStatus) IsVerdict() bool {
	switch s {
	case StatusAccepted, StatusWrongAnswer, StatusTimeLimitExceeded,
		StatusMemoryLimitExceeded, StatusRuntimeError, StatusCompilationError:
		return true
	}
	return false
}

// TicketKind distinguishes private test runs from scored submissions.
type TicketKind string

const (
	KindRun    TicketKind = "RUN"
	KindSubmit TicketKind = "SUBMIT"
)

// SettlementReason explains why a match ended.
type SettlementReason string

const (
	ReasonAllSolved   SettlementReason = "ALL_PROBLEMS_SOLVED"
	ReasonTimeExpired SettlementReason = "TIME_EXPIRED"
	ReasonAborted     SettlementReason = "ABORTED"
)

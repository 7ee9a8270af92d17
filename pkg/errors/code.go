package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Authentication errors
// 13000-13999: Submission & Judge errors
// 17000-17999: Battle (matchmaking, rooms, settlement) errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Authentication Errors (11000-11999) ==========

	TokenExpired    ErrorCode = 11003
	TokenInvalid    ErrorCode = 11004
	SessionReplaced ErrorCode = 11010

	// ========== Submission & Judge Errors (13000-13999) ==========

	CodeTooLarge         ErrorCode = 13002
	LanguageNotSupported ErrorCode = 13003
	SubmitTooFrequently  ErrorCode = 13004

	JudgeQueueFull   ErrorCode = 13100
	JudgeSystemError ErrorCode = 13101

	// ========== Battle Errors (17000-17999) ==========

	// Matchmaking (17000-17099)
	InvalidMode        ErrorCode = 17000
	AlreadyInQueue     ErrorCode = 17001
	AlreadyInRoom      ErrorCode = 17002
	NotInQueue         ErrorCode = 17003
	MatchmakingFailed  ErrorCode = 17004
	MatchmakingTimeout ErrorCode = 17005

	// Rooms (17100-17199)
	RoomNotFound          ErrorCode = 17100
	NotRoomMember         ErrorCode = 17101
	RoomNotInProgress     ErrorCode = 17102
	RoomTerminal          ErrorCode = 17103
	ProblemNotInRoom      ErrorCode = 17104
	ExecutionInFlight     ErrorCode = 17105
	ProblemSetUnavailable ErrorCode = 17106
	RoomCapacityReached   ErrorCode = 17107

	// Tickets & settlement (17200-17299)
	TicketNotFound   ErrorCode = 17200
	SettlementFailed ErrorCode = 17201
	ArchiveFailed    ErrorCode = 17202
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	CacheError: "Cache operation failed",
	CacheMiss:  "Cache miss",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Authentication
	TokenExpired:    "Token has expired",
	TokenInvalid:    "Invalid token",
	SessionReplaced: "Session replaced by a newer connection",

	// Submission & Judge
	CodeTooLarge:         "Code is too large",
	LanguageNotSupported: "Programming language not supported",
	SubmitTooFrequently:  "Submitting too frequently, please wait",
	JudgeQueueFull:       "Judge queue is full, please try again later",
	JudgeSystemError:     "Judge system error",

	// Matchmaking
	InvalidMode:        "Unknown game mode",
	AlreadyInQueue:     "Already waiting in matchmaking",
	AlreadyInRoom:      "Already playing in a match",
	NotInQueue:         "Not waiting in matchmaking",
	MatchmakingFailed:  "Matchmaking failed",
	MatchmakingTimeout: "No match found",

	// Rooms
	RoomNotFound:          "Match room not found",
	NotRoomMember:         "Not a player of this match",
	RoomNotInProgress:     "Match is not in progress",
	RoomTerminal:          "Match has already finished",
	ProblemNotInRoom:      "Problem is not part of this match",
	ExecutionInFlight:     "Previous request is still being judged",
	ProblemSetUnavailable: "Problem set is unavailable",
	RoomCapacityReached:   "Too many active matches, please try again later",

	// Tickets & settlement
	TicketNotFound:   "Judge ticket not found",
	SettlementFailed: "Failed to record match settlement",
	ArchiveFailed:    "Failed to archive match",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid, c == SessionReplaced:
		return 401
	case c == Forbidden, c == NotRoomMember:
		return 403
	case c == NotFound, c == RoomNotFound, c == TicketNotFound, c == RecordNotFound:
		return 404
	case c == AlreadyInQueue, c == AlreadyInRoom, c == RoomTerminal, c == ExecutionInFlight, c == RoomNotInProgress:
		return 409
	case c == TooManyRequests, c == SubmitTooFrequently:
		return 429
	case c == ServiceUnavailable, c == JudgeQueueFull, c == RoomCapacityReached, c == ProblemSetUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == InvalidMode, c == ProblemNotInRoom, c == NotInQueue, c == CodeTooLarge, c == LanguageNotSupported:
		return 400
	default:
		return 500
	}
}

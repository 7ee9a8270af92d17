package judge

import (
	"strings"

	"codebattle/internal/battle/model"
)

// judge verdict codes as reported by the judge service
const (
	CodeAccepted            = "AC"
	CodeWrongAnswer         = "WA"
	CodeTimeLimitExceeded   = "TLE"
	CodeMemoryLimitExceeded = "MLE"
	CodeOutputLimitExceeded = "OLE"
	CodeRuntimeError        = "RE"
	CodeCompilationError    = "CE"
	CodeSystemError         = "SE"
)

// StatusFromCode maps a judge verdict code, or a full status name, to a
// problem status. Output limit counts as a wrong answer; judge-side failures
// and unknown codes count as runtime errors.
func StatusFromCode(code string) model.ProblemStatus {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case CodeAccepted, string(model.StatusAccepted):
		return model.StatusAccepted
	case CodeWrongAnswer, CodeOutputLimitExceeded, string(model.StatusWrongAnswer):
		return model.StatusWrongAnswer
	case CodeTimeLimitExceeded, string(model.StatusTimeLimitExceeded):
		return model.StatusTimeLimitExceeded
	case CodeMemoryLimitExceeded, string(model.StatusMemoryLimitExceeded):
		return model.StatusMemoryLimitExceeded
	case CodeCompilationError, string(model.StatusCompilationError):
		return model.StatusCompilationError
	default:
		return model.StatusRuntimeError
	}
}

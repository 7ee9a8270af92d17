package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "codebattle/pkg/errors"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{ValidationFailed, 400},
		{NotInQueue, 400},
		{Unauthorized, 401},
		{SessionReplaced, 401},
		{NotRoomMember, 403},
		{RoomNotFound, 404},
		{ExecutionInFlight, 409},
		{SubmitTooFrequently, 429},
		{RoomCapacityReached, 503},
		{InternalServerError, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestNew(t *testing.T) {
	err := New(RoomNotFound)
	if err.Code != RoomNotFound {
		t.Errorf("Expected code %v, got %v", RoomNotFound, err.Code)
	}
	if err.Error() != RoomNotFound.Message() {
		t.Errorf("Expected default message, got %q", err.Error())
	}
	if err.Stack == "" {
		t.Error("Expected stack trace to be captured")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	err := Wrapf(cause, CacheError, "rate limit check failed")

	if !errors.Is(err, cause) {
		t.Error("Expected wrapped error to unwrap to its cause")
	}
	if GetCode(err) != CacheError {
		t.Errorf("Expected CacheError, got %v", GetCode(err))
	}
	if Wrap(nil, CacheError) != nil {
		t.Error("Expected Wrap(nil) to return nil")
	}
}

func TestGetCodeAndIs(t *testing.T) {
	if GetCode(nil) != Success {
		t.Error("nil error must map to Success")
	}
	if GetCode(errors.New("boom")) != InternalServerError {
		t.Error("plain error must map to InternalServerError")
	}

	wrapped := fmt.Errorf("join: %w", New(AlreadyInQueue))
	if !Is(wrapped, AlreadyInQueue) {
		t.Error("Is must see through fmt wrapping")
	}
	if Is(wrapped, NotInQueue) || Is(nil, AlreadyInQueue) {
		t.Error("Is must only match the carried code")
	}

	plain := GetError(errors.New("boom"))
	if plain.Code != InternalServerError || plain.Error() != "boom" {
		t.Errorf("unexpected wrapped plain error %+v", plain)
	}
}

func TestValidationError(t *testing.T) {
	err := ValidationError("room_id", "required")
	if err.Code != ValidationFailed {
		t.Errorf("Expected ValidationFailed, got %v", err.Code)
	}
	if err.Details["field"] != "room_id" || err.Details["reason"] != "required" {
		t.Errorf("unexpected details %v", err.Details)
	}
}

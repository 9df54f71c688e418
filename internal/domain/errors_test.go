package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodeOfSentinels(t *testing.T) {
	cases := map[error]ErrorCode{
		ErrTaskNotFound:     CodeTaskNotFound,
		ErrBudgetExceeded:   CodeBudgetExceeded,
		ErrModelUnpriced:    CodeModelUnpriced,
		ErrAgentUnavailable: CodeAgentUnavailable,
		ErrStageFailed:      CodeStageFailed,
	}
	for err, want := range cases {
		if got := ErrorCodeOf(err); got != want {
			t.Errorf("ErrorCodeOf(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestErrorCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewDomainError("Op", ErrTaskCancelled, "detail"))
	if got := ErrorCodeOf(err); got != CodeTaskCancelled {
		t.Fatalf("wrapped: got %s, want %s", got, CodeTaskCancelled)
	}
}

func TestErrorCodeOfSubSystem(t *testing.T) {
	dispatchTimeout := NewSubSystemError("dispatch", "Dispatcher.Call", ErrTimeout, "agent slow")
	if got := ErrorCodeOf(dispatchTimeout); got != CodeDispatchTimeout {
		t.Fatalf("dispatch timeout: got %s, want %s", got, CodeDispatchTimeout)
	}

	pipelineTimeout := NewSubSystemError("pipeline", "Pipeline.Run", ErrTimeout, "deadline")
	if got := ErrorCodeOf(pipelineTimeout); got != CodePipelineTimeout {
		t.Fatalf("pipeline timeout: got %s, want %s", got, CodePipelineTimeout)
	}

	engineFull := NewSubSystemError("engine", "Engine.SubmitTask", ErrLimitReached, "max tasks")
	if got := ErrorCodeOf(engineFull); got != CodeEngineMaxRunning {
		t.Fatalf("engine limit: got %s, want %s", got, CodeEngineMaxRunning)
	}

	// Unknown subsystem falls back to the category code.
	other := NewSubSystemError("storage", "Op", ErrTimeout, "slow disk")
	if got := ErrorCodeOf(other); got != CodeTimeout {
		t.Fatalf("fallback: got %s, want %s", got, CodeTimeout)
	}
}

func TestIsRetryableError(t *testing.T) {
	retryable := []error{
		ErrTimeout,
		ErrAgentUnavailable,
		ErrAgentFailure,
		ErrProviderError,
		NewSubSystemError("dispatch", "Op", ErrTimeout, ""),
	}
	for _, err := range retryable {
		if !IsRetryableError(err) {
			t.Errorf("expected retryable: %v", err)
		}
	}

	permanent := []error{
		ErrBudgetExceeded,
		ErrTaskCancelled,
		ErrInvalidInput,
		ErrModelUnpriced,
	}
	for _, err := range permanent {
		if IsRetryableError(err) {
			t.Errorf("expected not retryable: %v", err)
		}
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewSubSystemError("dispatch", "Dispatcher.Call", ErrAgentFailure, "agent said no")
	if !errors.Is(err, ErrAgentFailure) {
		t.Fatal("errors.Is should match the wrapped sentinel")
	}
}

package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific
// errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the orchestration domain.
var (
	ErrModelUnpriced    = fmt.Errorf("model not in price table")
	ErrBudgetExceeded   = fmt.Errorf("budget threshold exceeded")
	ErrEmergencyStop    = fmt.Errorf("emergency stop ceiling reached")
	ErrTaskCancelled    = fmt.Errorf("task cancelled")
	ErrTaskNotFound     = fmt.Errorf("task not found")
	ErrAgentUnavailable = fmt.Errorf("agent unavailable")
	ErrAgentFailure     = fmt.Errorf("agent reported failure")
	ErrChannelClosed    = fmt.Errorf("agent channel closed")
	ErrStageFailed      = fmt.Errorf("stage failed after retries")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Dispatcher.Call")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "dispatch", "pipeline")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for
// ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may
// succeed on retry within a stage. Budget and cancellation errors are
// never retryable.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrAgentUnavailable) ||
		errors.Is(err, ErrAgentFailure) ||
		errors.Is(err, ErrProviderError)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
	CodeModelUnpriced    ErrorCode = "MODEL_UNPRICED"
	CodeBudgetExceeded   ErrorCode = "BUDGET_EXCEEDED"
	CodeEmergencyStop    ErrorCode = "EMERGENCY_STOP"
	CodeTaskCancelled    ErrorCode = "TASK_CANCELLED"
	CodeTaskNotFound     ErrorCode = "TASK_NOT_FOUND"
	CodeAgentUnavailable ErrorCode = "AGENT_UNAVAILABLE"
	CodeAgentFailure     ErrorCode = "AGENT_FAILURE"
	CodeChannelClosed    ErrorCode = "CHANNEL_CLOSED"
	CodeStageFailed      ErrorCode = "STAGE_FAILED"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeDispatchTimeout  ErrorCode = "DISPATCH_TIMEOUT"
	CodePipelineTimeout  ErrorCode = "PIPELINE_TIMEOUT"
	CodeEngineMaxRunning ErrorCode = "ENGINE_MAX_RUNNING"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,
	ErrModelUnpriced:    CodeModelUnpriced,
	ErrBudgetExceeded:   CodeBudgetExceeded,
	ErrEmergencyStop:    CodeEmergencyStop,
	ErrTaskCancelled:    CodeTaskCancelled,
	ErrTaskNotFound:     CodeTaskNotFound,
	ErrAgentUnavailable: CodeAgentUnavailable,
	ErrAgentFailure:     CodeAgentFailure,
	ErrChannelClosed:    CodeChannelClosed,
	ErrStageFailed:      CodeStageFailed,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to
// specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"dispatch": CodeDispatchTimeout,
		"pipeline": CodePipelineTimeout,
	},
	ErrLimitReached: {
		"engine": CodeEngineMaxRunning,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given
// error. It unwraps DomainError and uses errors.Is to match sentinels.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

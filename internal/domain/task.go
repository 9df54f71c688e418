package domain

import (
	"context"
	"time"
)

// Stage is one phase of the research pipeline.
type Stage string

const (
	StagePlanning  Stage = "planning"
	StageRetrieval Stage = "retrieval"
	StageReasoning Stage = "reasoning"
	StageExecution Stage = "execution"
	StageSynthesis Stage = "synthesis"
	StageComplete  Stage = "complete"
	StageFailed    Stage = "failed"
)

// ExecutionMode selects between the full multi-agent pipeline and the
// reduced single-agent pipeline.
type ExecutionMode string

const (
	ModeFull    ExecutionMode = "full"
	ModeReduced ExecutionMode = "reduced"
)

// fullStages is the canonical pipeline order. Reduced mode collapses to
// planning and retrieval, served by the retriever alone.
var (
	fullStages    = []Stage{StagePlanning, StageRetrieval, StageReasoning, StageExecution, StageSynthesis}
	reducedStages = []Stage{StagePlanning, StageRetrieval}
)

// StagesFor returns the ordered non-terminal stage sequence for a mode.
func StagesFor(mode ExecutionMode) []Stage {
	if mode == ModeReduced {
		return reducedStages
	}
	return fullStages
}

// Terminal reports whether the stage is a terminal state.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// Essential reports whether a stage failure must terminate the task.
// Planning and Synthesis are essential; the middle stages degrade to
// best-effort continuation with partial data.
func (s Stage) Essential() bool {
	return s == StagePlanning || s == StageSynthesis
}

// TaskResults holds the free-form per-stage outputs accumulated as the
// pipeline advances. Partial results are preserved on failure.
type TaskResults struct {
	Plan      map[string]any   `json:"plan,omitempty"`
	Retrieved []map[string]any `json:"retrieved,omitempty"`
	Reasoning string           `json:"reasoning,omitempty"`
	Execution []map[string]any `json:"execution,omitempty"`
	Synthesis string           `json:"synthesis,omitempty"`
}

// Task is the orchestration context for one research request. It is
// created by the engine after admission and mutated only by the task's
// own pipeline goroutine; no lock is needed on its fields.
type Task struct {
	ID        string        `json:"id"`
	Query     string        `json:"query"`
	SessionID string        `json:"session_id"`
	Mode      ExecutionMode `json:"mode"`

	// MaxResults caps the retrieved items kept per task; 0 means no cap.
	MaxResults int `json:"max_results,omitempty"`

	CurrentStage Stage   `json:"current_stage"`
	Completed    []Stage `json:"completed"`
	FailedStages []Stage `json:"failed_stages,omitempty"`

	// Retries counts attempts of the current stage and resets to zero
	// when a stage succeeds.
	Retries    int `json:"retries"`
	MaxRetries int `json:"max_retries"`

	EstimatedCost float64 `json:"estimated_cost"`
	ActualCost    float64 `json:"actual_cost"`
	CostApproved  bool    `json:"cost_approved"`

	// Degraded is set when a best-effort stage exhausted its retries and
	// the pipeline continued with partial data.
	Degraded bool `json:"degraded,omitempty"`

	Results    TaskResults `json:"results"`
	FailReason string      `json:"fail_reason,omitempty"`

	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Progress returns the completion percentage for the task's mode.
// It is monotone non-decreasing over the task lifetime and reaches
// exactly 100 only once the task is Complete.
func (t *Task) Progress() float64 {
	total := len(StagesFor(t.Mode))
	if total == 0 {
		return 0
	}
	done := 0
	for _, s := range t.Completed {
		if !s.Terminal() {
			done++
		}
	}
	if done > total {
		done = total
	}
	return float64(done) / float64(total) * 100
}

// Terminal reports whether the task reached Complete or Failed.
func (t *Task) Terminal() bool {
	return t.CurrentStage.Terminal()
}

// HasCompleted reports whether the given stage already succeeded.
func (t *Task) HasCompleted(stage Stage) bool {
	for _, s := range t.Completed {
		if s == stage {
			return true
		}
	}
	return false
}

// TaskStore persists tasks so terminal results stay retrievable.
type TaskStore interface {
	Save(ctx context.Context, task Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, limit int) ([]Task, error)
	Delete(ctx context.Context, id string) error
}

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"researchd/internal/domain"
	"researchd/internal/usecase/dispatch"
)

// fakeDispatcher routes calls to a handler function and records them.
type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []domain.AgentAction
	handler func(action domain.AgentAction) (*domain.AgentResponse, error)
}

func (f *fakeDispatcher) Call(_ context.Context, action domain.AgentAction) (*domain.AgentResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, action)
	f.mu.Unlock()
	return f.handler(action)
}

func (f *fakeDispatcher) Broadcast(ctx context.Context, actions []domain.AgentAction) []dispatch.CallResult {
	results := make([]dispatch.CallResult, len(actions))
	for i, a := range actions {
		resp, err := f.Call(ctx, a)
		results[i] = dispatch.CallResult{Action: a, Response: resp, Err: err}
	}
	return results
}

func (f *fakeDispatcher) callsFor(action string) []domain.AgentAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AgentAction
	for _, c := range f.calls {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

type fakeCosts struct {
	mu    sync.Mutex
	costs map[string]float64
}

func (f *fakeCosts) TaskCost(taskID string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.costs[taskID]
}

type fakeSpend struct {
	mu      sync.Mutex
	session string
	dollars float64
	calls   int
}

func (f *fakeSpend) RecordSpend(sessionID string, dollars float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = sessionID
	f.dollars += dollars
	f.calls++
}

func okHandler(action domain.AgentAction) (*domain.AgentResponse, error) {
	payload := map[string]any{}
	switch action.Action {
	case "plan":
		payload["subqueries"] = []any{"q1", "q2"}
		payload["steps"] = []any{"s1"}
	case "reason":
		payload["analysis"] = "findings"
	case "synthesize":
		payload["report"] = "final report"
	default:
		payload["data"] = "chunk"
	}
	return &domain.AgentResponse{Status: domain.StatusCompleted, Payload: payload}, nil
}

func timeoutErr() error {
	return domain.NewSubSystemError("dispatch", "Dispatcher.Call", domain.ErrTimeout, "no answer")
}

func newTestPipeline(d Dispatcher, costs CostReader, spend SpendRecorder) (*Pipeline, *Notifier) {
	notifier := NewNotifier(slog.Default())
	p := New(Config{
		MaxRetries:     2,
		TaskTimeout:    5 * time.Second,
		RetryBaseDelay: time.Millisecond,
	}, d, costs, spend, nil, nil, notifier, slog.Default())
	return p, notifier
}

func newTask(mode domain.ExecutionMode) *domain.Task {
	return &domain.Task{
		ID:        "task-1",
		Query:     "how do heat pumps work",
		SessionID: "session-1",
		Mode:      mode,
		CreatedAt: time.Now(),
	}
}

func TestRunFullPipelineCompletes(t *testing.T) {
	d := &fakeDispatcher{handler: okHandler}
	costs := &fakeCosts{costs: map[string]float64{"task-1": 0.42}}
	spend := &fakeSpend{}
	p, _ := newTestPipeline(d, costs, spend)

	task := newTask(domain.ModeFull)
	p.Run(context.Background(), task)

	assert.Equal(t, domain.StageComplete, task.CurrentStage)
	assert.Len(t, task.Completed, 5)
	assert.Equal(t, 100.0, task.Progress())
	assert.False(t, task.Degraded)
	assert.Empty(t, task.FailedStages)

	assert.NotNil(t, task.Results.Plan)
	assert.Len(t, task.Results.Retrieved, 2, "one result per plan subquery")
	assert.Equal(t, "findings", task.Results.Reasoning)
	assert.Len(t, task.Results.Execution, 1, "one result per plan step")
	assert.Equal(t, "final report", task.Results.Synthesis)

	assert.InDelta(t, 0.42, task.ActualCost, 1e-9)
	assert.Equal(t, "session-1", spend.session)
	assert.InDelta(t, 0.42, spend.dollars, 1e-9)
	assert.Equal(t, 1, spend.calls)
}

func TestRetryTransientFailureThenSucceed(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	d := &fakeDispatcher{}
	d.handler = func(action domain.AgentAction) (*domain.AgentResponse, error) {
		if action.Action == "reason" {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n <= 2 {
				return nil, timeoutErr()
			}
		}
		return okHandler(action)
	}
	p, _ := newTestPipeline(d, &fakeCosts{costs: map[string]float64{}}, nil)

	task := newTask(domain.ModeFull)
	p.Run(context.Background(), task)

	assert.Equal(t, domain.StageComplete, task.CurrentStage)
	assert.False(t, task.Degraded, "stage recovered within its retry budget")
	assert.Empty(t, task.FailedStages)
	assert.Equal(t, 3, attempts, "two failures plus the success")
	assert.Equal(t, 0, task.Retries, "retry counter resets on success")
}

func TestEssentialStageFailureFailsTask(t *testing.T) {
	d := &fakeDispatcher{}
	d.handler = func(action domain.AgentAction) (*domain.AgentResponse, error) {
		if action.Action == "plan" {
			return nil, timeoutErr()
		}
		return okHandler(action)
	}
	p, notifier := newTestPipeline(d, &fakeCosts{costs: map[string]float64{}}, nil)

	var completions int
	notifier.OnCompletion("task-1", func(domain.Task) { completions++ })

	task := newTask(domain.ModeFull)
	p.Run(context.Background(), task)

	assert.Equal(t, domain.StageFailed, task.CurrentStage)
	assert.NotEmpty(t, task.FailReason)
	assert.Contains(t, task.FailedStages, domain.StagePlanning)
	assert.Empty(t, task.Completed)
	// Initial attempt plus MaxRetries.
	assert.Len(t, d.callsFor("plan"), 3)
	assert.Len(t, d.callsFor("retrieve"), 0, "pipeline stops at the essential failure")
	assert.Equal(t, 1, completions)
}

func TestBestEffortStageFailureDegrades(t *testing.T) {
	d := &fakeDispatcher{}
	d.handler = func(action domain.AgentAction) (*domain.AgentResponse, error) {
		if action.Action == "reason" {
			return nil, timeoutErr()
		}
		return okHandler(action)
	}
	p, _ := newTestPipeline(d, &fakeCosts{costs: map[string]float64{}}, nil)

	task := newTask(domain.ModeFull)
	p.Run(context.Background(), task)

	assert.Equal(t, domain.StageComplete, task.CurrentStage)
	assert.True(t, task.Degraded)
	assert.Contains(t, task.FailedStages, domain.StageReasoning)
	assert.NotContains(t, task.Completed, domain.StageReasoning)
	assert.Equal(t, "final report", task.Results.Synthesis, "later stages still run")
}

func TestRetrievalTimeoutDegradesWithEmptyResults(t *testing.T) {
	d := &fakeDispatcher{}
	d.handler = func(action domain.AgentAction) (*domain.AgentResponse, error) {
		if action.Action == "retrieve" {
			return nil, timeoutErr()
		}
		return okHandler(action)
	}
	p, _ := newTestPipeline(d, &fakeCosts{costs: map[string]float64{}}, nil)

	task := newTask(domain.ModeFull)
	p.Run(context.Background(), task)

	assert.Equal(t, domain.StageComplete, task.CurrentStage)
	assert.True(t, task.Degraded)
	assert.Contains(t, task.FailedStages, domain.StageRetrieval)
	assert.Empty(t, task.Results.Retrieved)
	assert.Equal(t, "findings", task.Results.Reasoning, "reasoning proceeds without retrieval data")
	// Initial attempt plus MaxRetries, once per subquery.
	assert.Len(t, d.callsFor("retrieve"), 6)
}

func TestMaxResultsCapsRetrieved(t *testing.T) {
	d := &fakeDispatcher{}
	d.handler = func(action domain.AgentAction) (*domain.AgentResponse, error) {
		if action.Action == "plan" {
			return &domain.AgentResponse{Status: domain.StatusCompleted, Payload: map[string]any{
				"subqueries": []any{"q1", "q2", "q3"},
			}}, nil
		}
		return okHandler(action)
	}
	p, _ := newTestPipeline(d, &fakeCosts{costs: map[string]float64{}}, nil)

	task := newTask(domain.ModeFull)
	task.MaxResults = 2
	p.Run(context.Background(), task)

	assert.Equal(t, domain.StageComplete, task.CurrentStage)
	assert.Len(t, task.Results.Retrieved, 2, "retrieved results are capped")
	for _, c := range d.callsFor("retrieve") {
		assert.Equal(t, 2, c.Payload["max_results"], "cap is forwarded to the agent")
	}
}

func TestNonRetryableErrorFailsFast(t *testing.T) {
	d := &fakeDispatcher{}
	d.handler = func(action domain.AgentAction) (*domain.AgentResponse, error) {
		if action.Action == "plan" {
			return nil, domain.NewDomainError("Op", domain.ErrInvalidInput, "malformed")
		}
		return okHandler(action)
	}
	p, _ := newTestPipeline(d, &fakeCosts{costs: map[string]float64{}}, nil)

	task := newTask(domain.ModeFull)
	p.Run(context.Background(), task)

	assert.Equal(t, domain.StageFailed, task.CurrentStage)
	assert.Len(t, d.callsFor("plan"), 1, "no retry for permanent errors")
}

func TestReducedModeUsesOnlyRetriever(t *testing.T) {
	d := &fakeDispatcher{handler: okHandler}
	p, _ := newTestPipeline(d, &fakeCosts{costs: map[string]float64{}}, nil)

	task := newTask(domain.ModeReduced)
	p.Run(context.Background(), task)

	assert.Equal(t, domain.StageComplete, task.CurrentStage)
	assert.Equal(t, []domain.Stage{domain.StagePlanning, domain.StageRetrieval}, task.Completed)
	assert.Equal(t, 100.0, task.Progress())

	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.calls)
	for _, c := range d.calls {
		assert.Equal(t, domain.AgentRetriever, c.Agent, "reduced mode engages a single agent type")
	}
}

func TestCancellationAtStageBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &fakeDispatcher{}
	d.handler = func(action domain.AgentAction) (*domain.AgentResponse, error) {
		if action.Action == "plan" {
			resp, err := okHandler(action)
			cancel() // cancel while planning settles
			return resp, err
		}
		return okHandler(action)
	}
	p, _ := newTestPipeline(d, &fakeCosts{costs: map[string]float64{}}, nil)

	task := newTask(domain.ModeFull)
	p.Run(ctx, task)

	assert.Equal(t, domain.StageFailed, task.CurrentStage)
	assert.Equal(t, domain.ErrTaskCancelled.Error(), task.FailReason)
	assert.Contains(t, task.Completed, domain.StagePlanning, "finished stages survive cancellation")
	assert.NotNil(t, task.Results.Plan, "partial results survive cancellation")
	assert.Empty(t, d.callsFor("retrieve"), "no stage starts after cancellation")
}

func TestProgressMonotone(t *testing.T) {
	d := &fakeDispatcher{handler: okHandler}
	p, notifier := newTestPipeline(d, &fakeCosts{costs: map[string]float64{}}, nil)

	var mu sync.Mutex
	var percents []float64
	notifier.OnProgress("task-1", func(_ string, _ domain.Stage, percent float64) {
		mu.Lock()
		percents = append(percents, percent)
		mu.Unlock()
	})

	task := newTask(domain.ModeFull)
	p.Run(context.Background(), task)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1], "progress never regresses")
	}
	assert.Equal(t, 100.0, percents[len(percents)-1])
}

func TestFanOutPartialSuccessAccepted(t *testing.T) {
	d := &fakeDispatcher{}
	d.handler = func(action domain.AgentAction) (*domain.AgentResponse, error) {
		if action.Action == "retrieve" && action.Payload["subquery"] == "q2" {
			return nil, timeoutErr()
		}
		return okHandler(action)
	}
	p, _ := newTestPipeline(d, &fakeCosts{costs: map[string]float64{}}, nil)

	task := newTask(domain.ModeFull)
	task.Results.Plan = map[string]any{"subqueries": []any{"q1", "q2"}}
	task.Completed = []domain.Stage{domain.StagePlanning}

	err := p.runStage(context.Background(), task, domain.StageRetrieval)
	require.NoError(t, err)
	assert.Len(t, task.Results.Retrieved, 1, "surviving results are kept")
}

func TestFanOutTotalFailureFails(t *testing.T) {
	d := &fakeDispatcher{}
	d.handler = func(action domain.AgentAction) (*domain.AgentResponse, error) {
		return nil, timeoutErr()
	}
	p, _ := newTestPipeline(d, &fakeCosts{costs: map[string]float64{}}, nil)

	task := newTask(domain.ModeFull)
	task.Results.Plan = map[string]any{"subqueries": []any{"q1", "q2"}}

	err := p.runStage(context.Background(), task, domain.StageRetrieval)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
}

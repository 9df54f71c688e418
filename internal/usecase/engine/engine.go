package engine

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"researchd/internal/domain"
	"researchd/internal/usecase/cost"
	"researchd/internal/usecase/pipeline"
)

const defaultMaxConcurrentTasks = 16

// Config holds engine settings.
type Config struct {
	// MaxConcurrentTasks caps tasks running at once; submissions beyond
	// it are rejected, not queued.
	MaxConcurrentTasks int
}

// SubmitRequest is one research request.
type SubmitRequest struct {
	Query     string
	SessionID string
	// Mode defaults to the full pipeline when empty.
	Mode domain.ExecutionMode
	// Override approves the task regardless of budget thresholds.
	Override bool
	// MaxResults caps retrieved items per task; 0 means no cap.
	MaxResults int
}

// SubmitResult carries the admission outcome. A rejected submission
// has a nil Task and the decision explains why; rejection is not an
// error.
type SubmitResult struct {
	Task     *domain.Task
	Estimate domain.CostEstimate
	Decision domain.AdmissionDecision
}

type runningTask struct {
	cancel context.CancelFunc
}

// Engine is the front door: it estimates, admits, creates, and runs
// tasks, and answers status queries afterwards.
type Engine struct {
	cfg       Config
	estimator *cost.Estimator
	admission *cost.Admission
	pipe      *pipeline.Pipeline
	notifier  *pipeline.Notifier
	store     domain.TaskStore
	bus       domain.EventBus
	logger    *slog.Logger

	sem chan struct{}

	mu      sync.Mutex
	running map[string]*runningTask
	closed  bool
	wg      sync.WaitGroup
}

func New(cfg Config, estimator *cost.Estimator, admission *cost.Admission, pipe *pipeline.Pipeline, notifier *pipeline.Notifier, store domain.TaskStore, bus domain.EventBus, logger *slog.Logger) *Engine {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	return &Engine{
		cfg:       cfg,
		estimator: estimator,
		admission: admission,
		pipe:      pipe,
		notifier:  notifier,
		store:     store,
		bus:       bus,
		logger:    logger,
		sem:       make(chan struct{}, cfg.MaxConcurrentTasks),
		running:   make(map[string]*runningTask),
	}
}

// SubmitTask estimates and admits a request, then starts the admitted
// task asynchronously. The returned task is the initial snapshot; use
// GetTaskStatus to follow it.
func (e *Engine) SubmitTask(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, domain.NewSubSystemError("engine", "Engine.SubmitTask", domain.ErrInvalidInput, "empty query")
	}
	if req.SessionID == "" {
		return nil, domain.NewSubSystemError("engine", "Engine.SubmitTask", domain.ErrInvalidInput, "missing session id")
	}
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeFull
	}
	if mode != domain.ModeFull && mode != domain.ModeReduced {
		return nil, domain.NewSubSystemError("engine", "Engine.SubmitTask", domain.ErrInvalidInput,
			fmt.Sprintf("unknown execution mode %q", mode))
	}

	est, err := e.estimator.Estimate(req.Query, mode)
	if err != nil {
		return nil, domain.WrapOp("Engine.SubmitTask", err)
	}

	decision := e.admission.Admit(est, req.SessionID, mode, req.Override)
	result := &SubmitResult{Estimate: est, Decision: decision}

	if !decision.Approved {
		e.logger.Info("task rejected",
			"session_id", req.SessionID,
			"estimate", est.Dollars,
			"reason", decision.Reason,
		)
		return result, nil
	}
	if decision.Warning {
		e.publishCostWarning(ctx, req.SessionID, est, decision)
	}

	// Admission may have downgraded the mode.
	mode = decision.Mode

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, domain.ErrChannelClosed
	}
	select {
	case e.sem <- struct{}{}:
	default:
		e.mu.Unlock()
		return nil, domain.NewSubSystemError("engine", "Engine.SubmitTask", domain.ErrLimitReached,
			fmt.Sprintf("max concurrent tasks (%d) reached", e.cfg.MaxConcurrentTasks))
	}

	now := time.Now()
	task := &domain.Task{
		ID:            ulid.MustNew(ulid.Now(), rand.Reader).String(),
		Query:         req.Query,
		SessionID:     req.SessionID,
		Mode:          mode,
		MaxResults:    req.MaxResults,
		CurrentStage:  domain.StagePlanning,
		EstimatedCost: est.Dollars,
		CostApproved:  true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.running[task.ID] = &runningTask{cancel: cancel}
	e.wg.Add(1)
	e.mu.Unlock()

	if err := e.store.Save(ctx, *task); err != nil {
		e.logger.Warn("initial task save failed", "task_id", task.ID, "error", err)
	}
	e.publishSubmitted(ctx, task, est)

	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			<-e.sem
			e.mu.Lock()
			delete(e.running, task.ID)
			e.mu.Unlock()
		}()
		e.pipe.Run(runCtx, task)
	}()

	result.Task = task
	return result, nil
}

// GetTaskStatus returns the latest persisted snapshot of a task.
func (e *Engine) GetTaskStatus(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, domain.WrapOp("Engine.GetTaskStatus", err)
	}
	return task, nil
}

// ListTasks returns up to limit recent task snapshots.
func (e *Engine) ListTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	tasks, err := e.store.List(ctx, limit)
	if err != nil {
		return nil, domain.WrapOp("Engine.ListTasks", err)
	}
	return tasks, nil
}

// CancelTask requests cancellation of a running task. The pipeline
// honors it at the next stage boundary; partial results survive.
func (e *Engine) CancelTask(ctx context.Context, taskID string) error {
	e.mu.Lock()
	rt, ok := e.running[taskID]
	e.mu.Unlock()
	if ok {
		rt.cancel()
		return nil
	}

	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return domain.WrapOp("Engine.CancelTask", err)
	}
	if task.Terminal() {
		return domain.NewSubSystemError("engine", "Engine.CancelTask", domain.ErrInvalidInput,
			fmt.Sprintf("task already %s", task.CurrentStage))
	}
	return domain.NewSubSystemError("engine", "Engine.CancelTask", domain.ErrTaskNotFound, taskID)
}

// OnProgress registers a progress observer for one task.
func (e *Engine) OnProgress(taskID string, fn pipeline.ProgressFunc) {
	e.notifier.OnProgress(taskID, fn)
}

// OnCompletion registers a completion observer for one task.
func (e *Engine) OnCompletion(taskID string, fn pipeline.CompletionFunc) {
	e.notifier.OnCompletion(taskID, fn)
}

// OnAnyProgress registers a progress observer for every task.
func (e *Engine) OnAnyProgress(fn pipeline.ProgressFunc) {
	e.notifier.OnAnyProgress(fn)
}

// OnAnyCompletion registers a completion observer for every task.
func (e *Engine) OnAnyCompletion(fn pipeline.CompletionFunc) {
	e.notifier.OnAnyCompletion(fn)
}

// Thresholds returns the active budget thresholds.
func (e *Engine) Thresholds() domain.CostThresholds {
	return e.admission.Thresholds()
}

// UpdateThresholds replaces the budget thresholds at runtime.
func (e *Engine) UpdateThresholds(th domain.CostThresholds) {
	e.admission.UpdateThresholds(th)
}

func (e *Engine) publishSubmitted(ctx context.Context, task *domain.Task, est domain.CostEstimate) {
	if e.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"session_id":     task.SessionID,
		"mode":           string(task.Mode),
		"estimated_cost": est.Dollars,
		"tier":           string(est.Tier),
	})
	e.bus.Publish(ctx, domain.Event{
		Type:      domain.EventTaskSubmitted,
		Timestamp: time.Now(),
		TaskID:    task.ID,
		Payload:   payload,
	})
}

func (e *Engine) publishCostWarning(ctx context.Context, sessionID string, est domain.CostEstimate, decision domain.AdmissionDecision) {
	if e.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"session_id": sessionID,
		"estimate":   est.Dollars,
		"reason":     decision.Reason,
	})
	e.bus.Publish(ctx, domain.Event{
		Type:      domain.EventCostWarning,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// Close cancels all running tasks and waits for their pipelines to
// settle. New submissions are refused afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, rt := range e.running {
		rt.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"researchd/internal/domain"
	"researchd/internal/infra/tracer"
	"researchd/internal/usecase/dispatch"
)

const (
	defaultMaxRetries     = 3
	defaultTaskTimeout    = 600 * time.Second
	defaultRetryBaseDelay = 1 * time.Second
)

// Dispatcher is the slice of the dispatch surface the pipeline drives.
type Dispatcher interface {
	Call(ctx context.Context, action domain.AgentAction) (*domain.AgentResponse, error)
	Broadcast(ctx context.Context, actions []domain.AgentAction) []dispatch.CallResult
}

// CostReader exposes accumulated actual cost per task.
type CostReader interface {
	TaskCost(taskID string) float64
}

// SpendRecorder receives settled task spend for budget accounting.
type SpendRecorder interface {
	RecordSpend(sessionID string, dollars float64)
}

// Config holds pipeline settings.
type Config struct {
	// MaxRetries bounds attempts per stage beyond the first (default 3).
	MaxRetries int
	// TaskTimeout bounds one whole task run (default 600s).
	TaskTimeout time.Duration
	// RetryBaseDelay is the first backoff step; it doubles per retry.
	RetryBaseDelay time.Duration
}

// Pipeline advances a task through its staged lifecycle. One Run per
// task; the task struct is owned by that run and needs no locking.
type Pipeline struct {
	cfg        Config
	dispatcher Dispatcher
	costs      CostReader
	spend      SpendRecorder
	store      domain.TaskStore
	bus        domain.EventBus
	notifier   *Notifier
	logger     *slog.Logger
}

func New(cfg Config, d Dispatcher, costs CostReader, spend SpendRecorder, store domain.TaskStore, bus domain.EventBus, notifier *Notifier, logger *slog.Logger) *Pipeline {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	return &Pipeline{
		cfg:        cfg,
		dispatcher: d,
		costs:      costs,
		spend:      spend,
		store:      store,
		bus:        bus,
		notifier:   notifier,
		logger:     logger,
	}
}

// Run drives the task to a terminal state. Cancellation is honored at
// stage boundaries: the running stage finishes or times out first, and
// partial results are preserved.
func (p *Pipeline) Run(ctx context.Context, task *domain.Task) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	ctx, span := tracer.StartSpan(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("task.id", task.ID),
		tracer.StringAttr("task.mode", string(task.Mode)),
	)

	task.MaxRetries = p.cfg.MaxRetries

	for _, stage := range domain.StagesFor(task.Mode) {
		if task.HasCompleted(stage) {
			continue
		}
		if err := ctx.Err(); err != nil {
			p.finishCancelled(ctx, task, err)
			tracer.RecordError(span, err)
			return
		}

		task.CurrentStage = stage
		task.Retries = 0
		p.touch(ctx, task)
		p.publish(ctx, domain.EventStageStarted, task.ID, stagePayload(stage, task.Retries))
		p.notifier.NotifyProgress(task.ID, stage, task.Progress())

		err := p.runStageWithRetry(ctx, task, stage)

		// Actual cost accrues per agent call regardless of outcome.
		task.ActualCost = p.costs.TaskCost(task.ID)

		if err != nil {
			if isCancellation(err) {
				p.finishCancelled(ctx, task, err)
				tracer.RecordError(span, err)
				return
			}
			task.FailedStages = append(task.FailedStages, stage)
			p.publish(ctx, domain.EventStageFailed, task.ID, stagePayload(stage, task.Retries))

			if stage.Essential() {
				p.finishFailed(ctx, task, err)
				tracer.RecordError(span, err)
				return
			}

			// Best-effort stage: mark degraded and carry the partial
			// results forward.
			task.Degraded = true
			p.logger.Warn("continuing past failed stage",
				"task_id", task.ID,
				"stage", string(stage),
				"error", err,
			)
			p.touch(ctx, task)
			continue
		}

		task.Completed = append(task.Completed, stage)
		task.Retries = 0
		p.touch(ctx, task)
		p.publish(ctx, domain.EventStageCompleted, task.ID, stagePayload(stage, 0))
		p.notifier.NotifyProgress(task.ID, stage, task.Progress())
	}

	p.finishComplete(ctx, task)
	tracer.SetOK(span)
}

// runStageWithRetry attempts one stage with bounded retries and
// exponential backoff. Non-retryable errors fail immediately.
func (p *Pipeline) runStageWithRetry(ctx context.Context, task *domain.Task, stage domain.Stage) error {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			task.Retries = attempt
			p.publish(ctx, domain.EventStageRetried, task.ID, stagePayload(stage, attempt))
			p.logger.Info("retrying stage",
				"task_id", task.ID,
				"stage", string(stage),
				"attempt", attempt,
				"max_retries", p.cfg.MaxRetries,
			)
			if err := sleepCtx(ctx, retryBackoff(p.cfg.RetryBaseDelay, attempt-1)); err != nil {
				return err
			}
		}

		lastErr = p.runStage(ctx, task, stage)
		if lastErr == nil {
			return nil
		}
		if isCancellation(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if !domain.IsRetryableError(lastErr) {
			break
		}
	}
	return domain.NewSubSystemError("pipeline", "Pipeline.runStage", domain.ErrStageFailed,
		string(stage)+": "+lastErr.Error())
}

// retryBackoff doubles the base delay per attempt and adds up to 25%
// jitter so synchronized retries spread out.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	return d + rand.N(d/4+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrTaskCancelled)
}

func (p *Pipeline) finishComplete(ctx context.Context, task *domain.Task) {
	task.CurrentStage = domain.StageComplete
	task.ActualCost = p.costs.TaskCost(task.ID)
	p.settle(ctx, task, domain.EventTaskCompleted)
	p.logger.Info("task complete",
		"task_id", task.ID,
		"mode", string(task.Mode),
		"degraded", task.Degraded,
		"actual_cost", task.ActualCost,
	)
}

func (p *Pipeline) finishFailed(ctx context.Context, task *domain.Task, cause error) {
	task.CurrentStage = domain.StageFailed
	task.FailReason = cause.Error()
	task.ActualCost = p.costs.TaskCost(task.ID)
	p.settle(ctx, task, domain.EventTaskFailed)
	p.logger.Error("task failed",
		"task_id", task.ID,
		"reason", task.FailReason,
		"actual_cost", task.ActualCost,
	)
}

func (p *Pipeline) finishCancelled(ctx context.Context, task *domain.Task, cause error) {
	atStage := task.CurrentStage
	task.CurrentStage = domain.StageFailed
	task.FailReason = domain.ErrTaskCancelled.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		task.FailReason = domain.NewSubSystemError("pipeline", "Pipeline.Run", domain.ErrTimeout, "task deadline exceeded").Error()
	}
	task.ActualCost = p.costs.TaskCost(task.ID)
	p.settle(ctx, task, domain.EventTaskCancelled)
	p.logger.Info("task cancelled",
		"task_id", task.ID,
		"at_stage", string(atStage),
		"actual_cost", task.ActualCost,
	)
}

// settle records spend, persists the terminal snapshot, publishes the
// terminal event, and fires completion observers exactly once.
func (p *Pipeline) settle(ctx context.Context, task *domain.Task, event domain.EventType) {
	if p.spend != nil && task.ActualCost > 0 {
		p.spend.RecordSpend(task.SessionID, task.ActualCost)
	}
	p.touch(ctx, task)
	p.publish(ctx, event, task.ID, terminalPayload(task))
	p.notifier.NotifyCompletion(*task)
}

func (p *Pipeline) touch(ctx context.Context, task *domain.Task) {
	task.UpdatedAt = time.Now()
	if p.store == nil {
		return
	}
	if err := p.store.Save(ctx, *task); err != nil {
		p.logger.Warn("task snapshot save failed", "task_id", task.ID, "error", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, t domain.EventType, taskID string, payload json.RawMessage) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		TaskID:    taskID,
		Payload:   payload,
	})
}

func stagePayload(stage domain.Stage, retries int) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"stage":   string(stage),
		"retries": retries,
	})
	return b
}

func terminalPayload(task *domain.Task) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"stage":       string(task.CurrentStage),
		"degraded":    task.Degraded,
		"actual_cost": task.ActualCost,
		"fail_reason": task.FailReason,
	})
	return b
}

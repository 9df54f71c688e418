package pipeline

import (
	"context"
	"fmt"

	"researchd/internal/domain"
)

// agentFor maps a stage to the agent variant that serves it. In
// reduced mode the retriever serves every stage so only one agent
// type is ever engaged.
func agentFor(stage domain.Stage, mode domain.ExecutionMode) domain.AgentType {
	if mode == domain.ModeReduced {
		return domain.AgentRetriever
	}
	switch stage {
	case domain.StagePlanning:
		return domain.AgentPlanner
	case domain.StageRetrieval:
		return domain.AgentRetriever
	case domain.StageReasoning:
		return domain.AgentReasoner
	case domain.StageExecution:
		return domain.AgentExecutor
	case domain.StageSynthesis:
		return domain.AgentSynthesizer
	}
	return domain.AgentRetriever
}

// actionNameFor maps a stage to the action verb of the agent protocol.
func actionNameFor(stage domain.Stage) string {
	switch stage {
	case domain.StagePlanning:
		return "plan"
	case domain.StageRetrieval:
		return "retrieve"
	case domain.StageReasoning:
		return "reason"
	case domain.StageExecution:
		return "execute"
	case domain.StageSynthesis:
		return "synthesize"
	}
	return string(stage)
}

// runStage executes one stage attempt: build the actions, dispatch
// them, and fold the responses into task.Results. The returned error
// is retryable or not per the domain classification.
func (p *Pipeline) runStage(ctx context.Context, task *domain.Task, stage domain.Stage) error {
	switch stage {
	case domain.StagePlanning:
		return p.runPlanning(ctx, task)
	case domain.StageRetrieval:
		return p.runFanOut(ctx, task, stage, planSubqueries(task), mergeRetrieved)
	case domain.StageReasoning:
		return p.runReasoning(ctx, task)
	case domain.StageExecution:
		return p.runFanOut(ctx, task, stage, planSteps(task), mergeExecution)
	case domain.StageSynthesis:
		return p.runSynthesis(ctx, task)
	}
	return domain.NewSubSystemError("pipeline", "Pipeline.runStage", domain.ErrInvalidInput,
		fmt.Sprintf("unknown stage %s", stage))
}

func (p *Pipeline) runPlanning(ctx context.Context, task *domain.Task) error {
	resp, err := p.dispatcher.Call(ctx, domain.AgentAction{
		TaskID: task.ID,
		Agent:  agentFor(domain.StagePlanning, task.Mode),
		Action: actionNameFor(domain.StagePlanning),
		Payload: map[string]any{
			"query": task.Query,
			"mode":  string(task.Mode),
		},
	})
	if err != nil {
		return err
	}
	task.Results.Plan = resp.Payload
	return nil
}

func (p *Pipeline) runReasoning(ctx context.Context, task *domain.Task) error {
	resp, err := p.dispatcher.Call(ctx, domain.AgentAction{
		TaskID: task.ID,
		Agent:  agentFor(domain.StageReasoning, task.Mode),
		Action: actionNameFor(domain.StageReasoning),
		Payload: map[string]any{
			"query":     task.Query,
			"plan":      task.Results.Plan,
			"retrieved": task.Results.Retrieved,
		},
	})
	if err != nil {
		return err
	}
	task.Results.Reasoning = payloadText(resp.Payload, "analysis")
	return nil
}

func (p *Pipeline) runSynthesis(ctx context.Context, task *domain.Task) error {
	resp, err := p.dispatcher.Call(ctx, domain.AgentAction{
		TaskID: task.ID,
		Agent:  agentFor(domain.StageSynthesis, task.Mode),
		Action: actionNameFor(domain.StageSynthesis),
		Payload: map[string]any{
			"query":     task.Query,
			"plan":      task.Results.Plan,
			"retrieved": task.Results.Retrieved,
			"reasoning": task.Results.Reasoning,
			"execution": task.Results.Execution,
			"degraded":  task.Degraded,
		},
	})
	if err != nil {
		return err
	}
	task.Results.Synthesis = payloadText(resp.Payload, "report")
	return nil
}

// runFanOut dispatches one action per work item concurrently and folds
// the successful payloads into the task. Partial success is accepted;
// the attempt fails only when every call failed.
func (p *Pipeline) runFanOut(ctx context.Context, task *domain.Task, stage domain.Stage, items []map[string]any, merge func(*domain.Task, []map[string]any)) error {
	agent := agentFor(stage, task.Mode)
	action := actionNameFor(stage)

	actions := make([]domain.AgentAction, 0, len(items))
	for _, item := range items {
		payload := map[string]any{"query": task.Query}
		if task.MaxResults > 0 {
			payload["max_results"] = task.MaxResults
		}
		for k, v := range item {
			payload[k] = v
		}
		actions = append(actions, domain.AgentAction{
			TaskID:  task.ID,
			Agent:   agent,
			Action:  action,
			Payload: payload,
		})
	}

	results := p.dispatcher.Broadcast(ctx, actions)

	var payloads []map[string]any
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		payloads = append(payloads, r.Response.Payload)
	}

	if len(payloads) == 0 && firstErr != nil {
		return firstErr
	}
	if firstErr != nil {
		p.logger.Warn("partial fan-out result accepted",
			"task_id", task.ID,
			"stage", string(stage),
			"succeeded", len(payloads),
			"requested", len(actions),
			"error", firstErr,
		)
	}
	merge(task, payloads)
	return nil
}

func mergeRetrieved(task *domain.Task, payloads []map[string]any) {
	task.Results.Retrieved = append(task.Results.Retrieved, payloads...)
	if task.MaxResults > 0 && len(task.Results.Retrieved) > task.MaxResults {
		task.Results.Retrieved = task.Results.Retrieved[:task.MaxResults]
	}
}

func mergeExecution(task *domain.Task, payloads []map[string]any) {
	task.Results.Execution = append(task.Results.Execution, payloads...)
}

// planSubqueries extracts the retrieval work items from the plan. A
// plan without subqueries yields a single item for the raw query.
func planSubqueries(task *domain.Task) []map[string]any {
	return planItems(task, "subqueries", "subquery")
}

// planSteps extracts the execution work items from the plan.
func planSteps(task *domain.Task) []map[string]any {
	return planItems(task, "steps", "step")
}

func planItems(task *domain.Task, listKey, itemKey string) []map[string]any {
	raw, ok := task.Results.Plan[listKey]
	if !ok {
		return []map[string]any{{itemKey: task.Query}}
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return []map[string]any{{itemKey: task.Query}}
	}
	items := make([]map[string]any, 0, len(list))
	for _, entry := range list {
		switch v := entry.(type) {
		case map[string]any:
			items = append(items, v)
		default:
			items = append(items, map[string]any{itemKey: fmt.Sprint(v)})
		}
	}
	return items
}

// payloadText pulls a string field out of a response payload, falling
// back to a flat rendering when the agent used a different shape.
func payloadText(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	if s, ok := payload["text"].(string); ok {
		return s
	}
	return fmt.Sprint(payload)
}

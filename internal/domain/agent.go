package domain

import (
	"context"
	"time"
)

// AgentType enumerates the worker capabilities the engine can dispatch
// to. The set is closed: dispatch endpoints are registered per variant
// rather than matched on free-form strings.
type AgentType string

const (
	AgentPlanner     AgentType = "planner"
	AgentRetriever   AgentType = "retriever"
	AgentReasoner    AgentType = "reasoner"
	AgentExecutor    AgentType = "executor"
	AgentSynthesizer AgentType = "synthesizer"
)

// AllAgentTypes lists every dispatchable variant in pipeline order.
var AllAgentTypes = []AgentType{
	AgentPlanner,
	AgentRetriever,
	AgentReasoner,
	AgentExecutor,
	AgentSynthesizer,
}

// Valid reports whether a is a known agent variant.
func (a AgentType) Valid() bool {
	switch a {
	case AgentPlanner, AgentRetriever, AgentReasoner, AgentExecutor, AgentSynthesizer:
		return true
	}
	return false
}

// ActionStatus is the lifecycle state an agent reports for one action.
type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusWorking   ActionStatus = "working"
	StatusCompleted ActionStatus = "completed"
	StatusFailed    ActionStatus = "failed"
)

// Settled reports whether the status is final for the action.
func (s ActionStatus) Settled() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AgentAction is the outbound half of the agent message protocol.
// ContextID correlates the eventual response.
type AgentAction struct {
	TaskID    string         `json:"task_id"`
	ContextID string         `json:"context_id"`
	Agent     AgentType      `json:"agent_type"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  int            `json:"priority"`
}

// TokenUsage is the resource consumption an agent reports with a
// settled response.
type TokenUsage struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// AgentResponse is the inbound half of the protocol. Responses whose
// ContextID no longer has a waiting caller are discarded.
type AgentResponse struct {
	TaskID    string         `json:"task_id"`
	ContextID string         `json:"context_id"`
	Status    ActionStatus   `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
	Usage     *TokenUsage    `json:"usage,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AgentChannel is one logical full-duplex connection to a worker agent.
// Send never blocks on the agent doing work; responses arrive on the
// Responses stream in arbitrary order relative to sends.
type AgentChannel interface {
	Send(ctx context.Context, action AgentAction) error
	// Responses returns the inbound response stream. The channel is
	// closed only when the AgentChannel itself is closed.
	Responses() <-chan AgentResponse
	Close() error
}

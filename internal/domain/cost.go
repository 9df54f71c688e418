package domain

import "time"

// CostTier is the discrete complexity classification of an estimate.
type CostTier string

const (
	TierLow      CostTier = "low"
	TierMedium   CostTier = "medium"
	TierHigh     CostTier = "high"
	TierCritical CostTier = "critical"
)

// ModeEstimate is an alternative-mode cost projection offered to the
// caller as a cheaper-execution recommendation.
type ModeEstimate struct {
	Mode       ExecutionMode `json:"mode"`
	Sequential bool          `json:"sequential,omitempty"`
	Dollars    float64       `json:"dollars"`
	TradeOff   string        `json:"trade_off"`
}

// CostEstimate is the predicted cost of a candidate task. Immutable
// once produced; consumed exactly once by the admission controller.
type CostEstimate struct {
	Dollars    float64 `json:"dollars"`
	Tier       CostTier `json:"tier"`
	// Confidence is in [0,1]. Full multi-agent plans are inherently less
	// predictable than single-agent plans, so their confidence is lower.
	Confidence   float64               `json:"confidence"`
	Reason       string                `json:"reason"`
	Tokens       int                   `json:"tokens"`
	Breakdown    map[AgentType]float64 `json:"breakdown,omitempty"`
	Alternatives []ModeEstimate        `json:"alternatives,omitempty"`
}

// UsageRecord is one append-only ledger entry per settled agent call
// that carried token metadata.
type UsageRecord struct {
	TaskID       string    `json:"task_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Agent        AgentType `json:"agent_type"`
	Timestamp    time.Time `json:"timestamp"`
}

// CostThresholds is the process-wide budget configuration, read by the
// admission controller on every decision and mutable only through the
// administrative update operation. All amounts are dollars.
type CostThresholds struct {
	SessionWarning float64 `json:"session_warning" yaml:"session_warning"`
	SessionLimit   float64 `json:"session_limit" yaml:"session_limit"`
	DailyWarning   float64 `json:"daily_warning" yaml:"daily_warning"`
	DailyLimit     float64 `json:"daily_limit" yaml:"daily_limit"`
	EmergencyStop  float64 `json:"emergency_stop" yaml:"emergency_stop"`
}

// AdmissionDecision is the structured outcome of admission control.
// Rejections are decisions, not errors: no task is created for them.
type AdmissionDecision struct {
	Approved bool          `json:"approved"`
	Mode     ExecutionMode `json:"mode"`
	// Warning is set when the estimate crossed a warning threshold but
	// was still approved.
	Warning bool   `json:"warning,omitempty"`
	Reason  string `json:"reason"`
}

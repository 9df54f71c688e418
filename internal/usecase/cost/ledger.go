package cost

import (
	"context"
	"log/slog"
	"sync"

	"researchd/internal/domain"
)

// Sink receives ledger entries for durable storage. Sink failures are
// logged and do not block the in-memory ledger.
type Sink interface {
	Append(ctx context.Context, rec domain.UsageRecord, dollars float64) error
}

// Ledger is the append-only record of per-call resource consumption and
// the source of truth for actual cost. Safe for concurrent writers.
type Ledger struct {
	mu       sync.RWMutex
	records  []domain.UsageRecord
	taskCost map[string]float64

	prices *PriceTable
	sink   Sink
	logger *slog.Logger
}

// NewLedger creates a Ledger pricing entries against the given table.
// sink may be nil for a purely in-memory ledger.
func NewLedger(prices *PriceTable, sink Sink, logger *slog.Logger) *Ledger {
	return &Ledger{
		taskCost: make(map[string]float64),
		prices:   prices,
		sink:     sink,
		logger:   logger,
	}
}

// Append records one agent call and returns its derived dollar cost.
// An unpriced model rejects the record: nothing is appended.
func (l *Ledger) Append(ctx context.Context, rec domain.UsageRecord) (float64, error) {
	dollars, err := l.prices.CostOf(rec.Provider, rec.Model, rec.InputTokens, rec.OutputTokens)
	if err != nil {
		return 0, domain.WrapOp("Ledger.Append", err)
	}

	l.mu.Lock()
	l.records = append(l.records, rec)
	l.taskCost[rec.TaskID] += dollars
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.Append(ctx, rec, dollars); err != nil {
			l.logger.Warn("ledger sink append failed", "task_id", rec.TaskID, "error", err)
		}
	}
	return dollars, nil
}

// TaskCost returns the accumulated actual cost for a task.
func (l *Ledger) TaskCost(taskID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.taskCost[taskID]
}

// Records returns a copy of the entries for a task, in append order.
func (l *Ledger) Records(taskID string) []domain.UsageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.UsageRecord
	for _, r := range l.records {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out
}

// TotalByProvider rolls up dollar cost per provider across all tasks.
func (l *Ledger) TotalByProvider() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	totals := make(map[string]float64)
	for _, r := range l.records {
		dollars, err := l.prices.CostOf(r.Provider, r.Model, r.InputTokens, r.OutputTokens)
		if err != nil {
			continue
		}
		totals[r.Provider] += dollars
	}
	return totals
}

// TotalByAgent rolls up dollar cost per agent type across all tasks.
func (l *Ledger) TotalByAgent() map[domain.AgentType]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	totals := make(map[domain.AgentType]float64)
	for _, r := range l.records {
		dollars, err := l.prices.CostOf(r.Provider, r.Model, r.InputTokens, r.OutputTokens)
		if err != nil {
			continue
		}
		totals[r.Agent] += dollars
	}
	return totals
}

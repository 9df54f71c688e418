package ledgerstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"researchd/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteLedgerStore {
	t.Helper()
	store, err := NewSQLiteLedgerStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLiteLedgerStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func usageRecord(taskID string, agent domain.AgentType, ts time.Time) domain.UsageRecord {
	return domain.UsageRecord{
		TaskID:       taskID,
		Provider:     "test",
		Model:        "m",
		InputTokens:  1000,
		OutputTokens: 3000,
		Agent:        agent,
		Timestamp:    ts,
	}
}

func TestAppendAndTaskRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.Append(ctx, usageRecord("t1", domain.AgentPlanner, now), 0.10); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, usageRecord("t1", domain.AgentRetriever, now), 0.05); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, usageRecord("t2", domain.AgentPlanner, now), 0.20); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := store.TaskRecords(ctx, "t1")
	if err != nil {
		t.Fatalf("TaskRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Agent != domain.AgentPlanner || records[1].Agent != domain.AgentRetriever {
		t.Fatalf("insert order not preserved: %v", records)
	}
	if records[0].InputTokens != 1000 || records[0].OutputTokens != 3000 {
		t.Fatalf("token counts lost: %+v", records[0])
	}
}

func TestTaskTotal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	total, err := store.TaskTotal(ctx, "t1")
	if err != nil {
		t.Fatalf("TaskTotal empty: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected 0 for unknown task, got %v", total)
	}

	store.Append(ctx, usageRecord("t1", domain.AgentPlanner, now), 0.10)
	store.Append(ctx, usageRecord("t1", domain.AgentReasoner, now), 0.15)

	total, err = store.TaskTotal(ctx, "t1")
	if err != nil {
		t.Fatalf("TaskTotal: %v", err)
	}
	if diff := total - 0.25; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected 0.25, got %v", total)
	}
}

func TestSpendSince(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Append(ctx, usageRecord("t1", domain.AgentPlanner, now.Add(-48*time.Hour)), 5.00)
	store.Append(ctx, usageRecord("t2", domain.AgentPlanner, now), 0.30)
	store.Append(ctx, usageRecord("t3", domain.AgentPlanner, now), 0.20)

	total, err := store.SpendSince(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("SpendSince: %v", err)
	}
	if diff := total - 0.50; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected 0.50 for recent spend, got %v", total)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	ctx := context.Background()

	store, err := NewSQLiteLedgerStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Append(ctx, usageRecord("t1", domain.AgentPlanner, time.Now()), 0.10); err != nil {
		t.Fatalf("Append: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteLedgerStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	records, err := reopened.TaskRecords(ctx, "t1")
	if err != nil {
		t.Fatalf("TaskRecords after reopen: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record after reopen, got %d", len(records))
	}
}

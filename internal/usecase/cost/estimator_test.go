package cost

import (
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"researchd/internal/domain"
)

func testPrices() *PriceTable {
	return NewPriceTable([]PriceEntry{
		{Provider: "test", Model: "big", Price: Price{InputPerMTok: 3.00, OutputPerMTok: 15.00}},
		{Provider: "test", Model: "small", Price: Price{InputPerMTok: 0.15, OutputPerMTok: 0.60}},
	})
}

func testModels() map[domain.AgentType]ModelRef {
	return map[domain.AgentType]ModelRef{
		domain.AgentPlanner:     {Provider: "test", Model: "big"},
		domain.AgentRetriever:   {Provider: "test", Model: "small"},
		domain.AgentReasoner:    {Provider: "test", Model: "big"},
		domain.AgentExecutor:    {Provider: "test", Model: "small"},
		domain.AgentSynthesizer: {Provider: "test", Model: "big"},
	}
}

func wordTokenizer(s string) int {
	return len(strings.Fields(s))
}

func newTestEstimator(t *testing.T) *Estimator {
	t.Helper()
	return NewEstimatorWithTokenizer(testPrices(), testModels(), wordTokenizer, slog.Default())
}

func TestEstimateEmptyQuery(t *testing.T) {
	e := newTestEstimator(t)
	_, err := e.Estimate("   ", domain.ModeFull)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestEstimateUnpricedModel(t *testing.T) {
	models := testModels()
	models[domain.AgentPlanner] = ModelRef{Provider: "test", Model: "missing"}
	e := NewEstimatorWithTokenizer(testPrices(), models, wordTokenizer, slog.Default())

	_, err := e.Estimate("what is Go", domain.ModeFull)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrModelUnpriced))
}

func TestEstimateMissingAgentModel(t *testing.T) {
	models := testModels()
	delete(models, domain.AgentSynthesizer)
	e := NewEstimatorWithTokenizer(testPrices(), models, wordTokenizer, slog.Default())

	_, err := e.Estimate("what is Go", domain.ModeFull)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrModelUnpriced))
}

func TestEstimateBreakdownSumsToTotal(t *testing.T) {
	e := newTestEstimator(t)
	est, err := e.Estimate("what is the capital of France", domain.ModeFull)
	require.NoError(t, err)

	require.Len(t, est.Breakdown, len(domain.AllAgentTypes))
	var sum float64
	for _, d := range est.Breakdown {
		sum += d
	}
	assert.InDelta(t, est.Dollars, sum, 1e-9)
	assert.Greater(t, est.Dollars, 0.0)
	assert.Greater(t, est.Tokens, 0)
}

func TestEstimateReducedCheaperThanFull(t *testing.T) {
	e := newTestEstimator(t)
	query := "summarize recent developments in battery storage"

	full, err := e.Estimate(query, domain.ModeFull)
	require.NoError(t, err)
	reduced, err := e.Estimate(query, domain.ModeReduced)
	require.NoError(t, err)

	assert.Less(t, reduced.Dollars, full.Dollars)
	assert.Len(t, reduced.Breakdown, 1)
	_, ok := reduced.Breakdown[domain.AgentRetriever]
	assert.True(t, ok, "reduced mode bills the retriever only")
}

func TestEstimateConfidence(t *testing.T) {
	e := newTestEstimator(t)

	full, err := e.Estimate("what is Go", domain.ModeFull)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, full.Confidence, 1e-9)

	reduced, err := e.Estimate("what is Go", domain.ModeReduced)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, reduced.Confidence, 1e-9)
}

func TestClassifyTiers(t *testing.T) {
	e := newTestEstimator(t)

	short := "what is Go"
	_, tier := e.classify(short)
	assert.Equal(t, domain.TierLow, tier)

	medium := strings.Repeat("word ", 15)
	_, tier = e.classify(medium)
	assert.Equal(t, domain.TierMedium, tier)

	// Long comparative query lands in the top tiers.
	long := strings.Repeat("word ", 75) + " compare the pros and cons"
	mult, tier := e.classify(long)
	assert.GreaterOrEqual(t, mult, 1.9)
	assert.Equal(t, domain.TierCritical, tier)
}

func TestClassifySignalsCapped(t *testing.T) {
	e := newTestEstimator(t)
	// Five distinct signals, but only three count.
	q := "compare x versus y; pros and cons and the difference between them? and also trade-off?"
	mult, _ := e.classify(q)
	words := len(strings.Fields(q))
	base := 1.25 // 12..29 words
	require.GreaterOrEqual(t, words, 12)
	require.Less(t, words, 30)
	assert.InDelta(t, base+0.45, mult, 1e-9)
}

func TestEstimateAlternatives(t *testing.T) {
	e := newTestEstimator(t)

	full, err := e.Estimate("survey the current state of fusion energy research", domain.ModeFull)
	require.NoError(t, err)
	require.Len(t, full.Alternatives, 2)

	var reduced, sequential *domain.ModeEstimate
	for i := range full.Alternatives {
		alt := &full.Alternatives[i]
		if alt.Mode == domain.ModeReduced {
			reduced = alt
		}
		if alt.Sequential {
			sequential = alt
		}
	}
	require.NotNil(t, reduced)
	require.NotNil(t, sequential)
	assert.Less(t, reduced.Dollars, full.Dollars)
	assert.InDelta(t, full.Dollars, sequential.Dollars, 1e-9)

	red, err := e.Estimate("survey the current state of fusion energy research", domain.ModeReduced)
	require.NoError(t, err)
	require.Len(t, red.Alternatives, 1)
	assert.Equal(t, domain.ModeFull, red.Alternatives[0].Mode)
	assert.Greater(t, red.Alternatives[0].Dollars, red.Dollars)
}

func TestHeuristicTokenizer(t *testing.T) {
	e := NewEstimatorWithTokenizer(testPrices(), testModels(), nil, slog.Default())
	est, err := e.Estimate("abcdefgh", domain.ModeReduced)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(est.Dollars))
	assert.Greater(t, est.Dollars, 0.0)
}

package cost

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"researchd/internal/domain"
)

const (
	// promptOverheadTokens approximates the system prompt and scaffolding
	// sent with every agent call on top of the user query.
	promptOverheadTokens = 600
	// outputFactor approximates how much longer research outputs run
	// than their inputs.
	outputFactor = 3

	fallbackCharsPerToken = 4

	confidenceCeiling = 0.8
	confidenceFloor   = 0.6
)

// comparativeSignals are lexical markers of multi-part or comparative
// queries, each raising the complexity multiplier.
var comparativeSignals = []string{
	"compare", "versus", " vs ", "difference between",
	"pros and cons", "trade-off", "tradeoff", "and also",
}

// Estimator predicts the cost of a candidate task before it starts.
// It is a pure function of its inputs and the current price table.
type Estimator struct {
	prices   *PriceTable
	models   map[domain.AgentType]ModelRef
	tokenize func(string) int
	logger   *slog.Logger
}

// NewEstimator creates an Estimator that tokenizes with the cl100k_base
// BPE encoding, falling back to a chars/4 heuristic if the encoding
// cannot be loaded.
func NewEstimator(prices *PriceTable, models map[domain.AgentType]ModelRef, logger *slog.Logger) *Estimator {
	tokenize := heuristicTokenizer
	if enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE); err == nil {
		tokenize = func(s string) int {
			return len(enc.Encode(s, nil, nil))
		}
	} else {
		logger.Warn("tiktoken encoding unavailable, using heuristic tokenizer", "error", err)
	}
	return NewEstimatorWithTokenizer(prices, models, tokenize, logger)
}

// NewEstimatorWithTokenizer creates an Estimator with a custom token
// counting function. Used by tests for deterministic counts.
func NewEstimatorWithTokenizer(prices *PriceTable, models map[domain.AgentType]ModelRef, tokenize func(string) int, logger *slog.Logger) *Estimator {
	if tokenize == nil {
		tokenize = heuristicTokenizer
	}
	return &Estimator{
		prices:   prices,
		models:   models,
		tokenize: tokenize,
		logger:   logger,
	}
}

func heuristicTokenizer(s string) int {
	n := len(s) / fallbackCharsPerToken
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}

// agentsFor returns the agent set a mode bills against: the retriever
// alone in reduced mode, the full roster otherwise.
func agentsFor(mode domain.ExecutionMode) []domain.AgentType {
	if mode == domain.ModeReduced {
		return []domain.AgentType{domain.AgentRetriever}
	}
	return domain.AllAgentTypes
}

// Estimate predicts the dollar cost of running query in the given mode
// and attaches alternative-mode projections for caller-facing
// recommendations. A blank query or an unpriced agent model fails
// synchronously before any task is created.
func (e *Estimator) Estimate(query string, mode domain.ExecutionMode) (domain.CostEstimate, error) {
	if strings.TrimSpace(query) == "" {
		return domain.CostEstimate{}, domain.NewSubSystemError("cost", "Estimator.Estimate", domain.ErrInvalidInput, "empty query")
	}

	multiplier, tier := e.classify(query)

	est, err := e.estimateMode(query, mode, multiplier)
	if err != nil {
		return domain.CostEstimate{}, err
	}
	est.Tier = tier
	est.Reason = fmt.Sprintf("%d query tokens, %d agent(s), %.2fx complexity (%s)",
		e.tokenize(query), len(agentsFor(mode)), multiplier, tier)

	est.Alternatives = e.alternatives(query, mode, multiplier, est.Dollars)
	return est, nil
}

// estimateMode computes the dollars and per-agent breakdown for one mode.
func (e *Estimator) estimateMode(query string, mode domain.ExecutionMode, multiplier float64) (domain.CostEstimate, error) {
	qTokens := e.tokenize(query)
	agents := agentsFor(mode)

	var total float64
	totalTokens := 0
	breakdown := make(map[domain.AgentType]float64, len(agents))

	for _, agent := range agents {
		ref, ok := e.models[agent]
		if !ok {
			return domain.CostEstimate{}, domain.NewSubSystemError("cost", "Estimator.Estimate",
				domain.ErrModelUnpriced, fmt.Sprintf("no model configured for agent %s", agent))
		}
		in := qTokens + promptOverheadTokens
		out := in * outputFactor
		dollars, err := e.prices.CostOf(ref.Provider, ref.Model, in, out)
		if err != nil {
			return domain.CostEstimate{}, domain.WrapOp("Estimator.Estimate", err)
		}
		dollars *= multiplier
		breakdown[agent] = dollars
		total += dollars
		totalTokens += in + out
	}

	return domain.CostEstimate{
		Dollars:    total,
		Confidence: confidenceForAgents(len(agents)),
		Tokens:     totalTokens,
		Breakdown:  breakdown,
	}, nil
}

// classify derives a complexity multiplier and tier from lexical
// signals: word-count buckets plus comparative/multi-part language.
func (e *Estimator) classify(query string) (float64, domain.CostTier) {
	words := len(strings.Fields(query))

	multiplier := 1.0
	switch {
	case words >= 70:
		multiplier = 2.0
	case words >= 30:
		multiplier = 1.6
	case words >= 12:
		multiplier = 1.25
	}

	lower := strings.ToLower(query)
	signals := 0
	for _, marker := range comparativeSignals {
		if strings.Contains(lower, marker) {
			signals++
		}
	}
	if strings.Count(query, "?") > 1 || strings.Contains(query, ";") {
		signals++
	}
	if signals > 3 {
		signals = 3
	}
	multiplier += 0.15 * float64(signals)

	switch {
	case multiplier >= 1.9:
		return multiplier, domain.TierCritical
	case multiplier >= 1.5:
		return multiplier, domain.TierHigh
	case multiplier >= 1.2:
		return multiplier, domain.TierMedium
	default:
		return multiplier, domain.TierLow
	}
}

// confidenceForAgents maps agent count to prediction confidence: each
// additional agent widens the outcome space.
func confidenceForAgents(agents int) float64 {
	c := confidenceCeiling - 0.05*float64(agents-1)
	if c < confidenceFloor {
		c = confidenceFloor
	}
	return c
}

// alternatives produces the cheaper-execution projections the caller
// can choose from.
func (e *Estimator) alternatives(query string, mode domain.ExecutionMode, multiplier, currentDollars float64) []domain.ModeEstimate {
	var alts []domain.ModeEstimate

	if mode == domain.ModeFull {
		if reduced, err := e.estimateMode(query, domain.ModeReduced, multiplier); err == nil {
			alts = append(alts, domain.ModeEstimate{
				Mode:     domain.ModeReduced,
				Dollars:  reduced.Dollars,
				TradeOff: "single agent, two-stage pipeline; lower cost, reduced result depth",
			})
		}
		alts = append(alts, domain.ModeEstimate{
			Mode:       domain.ModeFull,
			Sequential: true,
			Dollars:    currentDollars,
			TradeOff:   "same total cost, longer wall-clock, smoother spend rate",
		})
		return alts
	}

	if full, err := e.estimateMode(query, domain.ModeFull, multiplier); err == nil {
		alts = append(alts, domain.ModeEstimate{
			Mode:     domain.ModeFull,
			Dollars:  full.Dollars,
			TradeOff: "five-agent pipeline; deeper coverage at higher cost",
		})
	}
	return alts
}

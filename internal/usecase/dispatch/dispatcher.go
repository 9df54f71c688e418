package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"researchd/internal/domain"
	"researchd/internal/usecase/cost"
)

// Default circuit breaker settings, per agent channel.
const (
	defaultCallTimeout              = 60 * time.Second
	defaultCBMaxFailures     uint32 = 5
	defaultCBOpenTimeout            = 30 * time.Second
	defaultCBClosedInterval         = 60 * time.Second
)

// Config holds dispatcher settings.
type Config struct {
	// CallTimeout bounds one action/response round trip (default 60s).
	CallTimeout time.Duration
	// AgentTimeouts overrides CallTimeout per agent type.
	AgentTimeouts map[domain.AgentType]time.Duration
	// RateLimit caps outbound actions per second; <= 0 means unlimited.
	RateLimit float64
	Burst     int
}

// CallResult pairs one broadcast action with its outcome.
type CallResult struct {
	Action   domain.AgentAction
	Response *domain.AgentResponse
	Err      error
}

type endpoint struct {
	channel domain.AgentChannel
	breaker *gobreaker.CircuitBreaker[*domain.AgentResponse]
}

// Dispatcher sends actions to registered agent channels and correlates
// the eventual responses. Each registered variant gets a dedicated
// receive loop, circuit breaker, and timeout; fan-out within a stage
// goes through Broadcast.
type Dispatcher struct {
	cfg     Config
	ledger  *cost.Ledger
	bus     domain.EventBus
	logger  *slog.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	endpoints map[domain.AgentType]*endpoint
	// pending is the correlation table: context id -> result slot.
	// Slots are buffered (size 1) so the receive loop never blocks.
	pending map[string]chan domain.AgentResponse

	wg     sync.WaitGroup
	closed bool
}

// New creates a Dispatcher. Channels are attached via Register.
func New(cfg Config, ledger *cost.Ledger, bus domain.EventBus, logger *slog.Logger) *Dispatcher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if burst <= 0 {
			burst = 1
		}
	}
	return &Dispatcher{
		cfg:       cfg,
		ledger:    ledger,
		bus:       bus,
		logger:    logger,
		limiter:   rate.NewLimiter(limit, burst),
		endpoints: make(map[domain.AgentType]*endpoint),
		pending:   make(map[string]chan domain.AgentResponse),
	}
}

// Register attaches a channel for one agent variant and starts its
// receive loop. Registering the same variant twice is an error.
func (d *Dispatcher) Register(agent domain.AgentType, ch domain.AgentChannel) error {
	if !agent.Valid() {
		return domain.NewSubSystemError("dispatch", "Dispatcher.Register", domain.ErrInvalidInput,
			fmt.Sprintf("unknown agent type %q", agent))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrChannelClosed
	}
	if _, exists := d.endpoints[agent]; exists {
		return domain.NewSubSystemError("dispatch", "Dispatcher.Register", domain.ErrDuplicate, string(agent))
	}

	d.endpoints[agent] = &endpoint{
		channel: ch,
		breaker: d.newBreaker(agent),
	}

	d.wg.Add(1)
	go d.receiveLoop(agent, ch)

	d.logger.Info("agent channel registered", "agent", string(agent))
	return nil
}

func (d *Dispatcher) newBreaker(agent domain.AgentType) *gobreaker.CircuitBreaker[*domain.AgentResponse] {
	return gobreaker.NewCircuitBreaker[*domain.AgentResponse](gobreaker.Settings{
		Name:        "agent:" + string(agent),
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    defaultCBClosedInterval,
		Timeout:     defaultCBOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultCBMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Agent-reported failures are not transport faults.
			return err == nil || errors.Is(err, domain.ErrAgentFailure)
		},
	})
}

// receiveLoop routes settled responses to their waiting slots.
// Unmatched responses (caller already timed out) are discarded.
func (d *Dispatcher) receiveLoop(agent domain.AgentType, ch domain.AgentChannel) {
	defer d.wg.Done()
	for resp := range ch.Responses() {
		if !resp.Status.Settled() {
			// pending/working are progress notes, not fulfillments.
			continue
		}

		d.mu.Lock()
		slot, ok := d.pending[resp.ContextID]
		if ok {
			delete(d.pending, resp.ContextID)
		}
		d.mu.Unlock()

		if !ok {
			d.logger.Debug("discarding unmatched response",
				"agent", string(agent),
				"context_id", resp.ContextID,
			)
			continue
		}
		slot <- resp
	}
}

// timeoutFor resolves the per-call timeout for an agent variant.
func (d *Dispatcher) timeoutFor(agent domain.AgentType) time.Duration {
	if t, ok := d.cfg.AgentTimeouts[agent]; ok && t > 0 {
		return t
	}
	return d.cfg.CallTimeout
}

// Call sends one action and returns exactly one settled response or a
// timeout failure. A successful response carrying token usage is
// appended to the ledger before Call returns.
func (d *Dispatcher) Call(ctx context.Context, action domain.AgentAction) (*domain.AgentResponse, error) {
	d.mu.Lock()
	ep, ok := d.endpoints[action.Agent]
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, domain.ErrChannelClosed
	}
	if !ok {
		return nil, domain.NewSubSystemError("dispatch", "Dispatcher.Call", domain.ErrAgentUnavailable,
			fmt.Sprintf("no channel for agent %s", action.Agent))
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, domain.WrapOp("Dispatcher.Call", err)
	}

	if action.ContextID == "" {
		action.ContextID = ulid.MustNew(ulid.Now(), rand.Reader).String()
	}

	slot := make(chan domain.AgentResponse, 1)
	d.mu.Lock()
	d.pending[action.ContextID] = slot
	d.mu.Unlock()
	defer d.unregister(action.ContextID)

	timeout := d.timeoutFor(action.Agent)

	var settled *domain.AgentResponse
	_, err := ep.breaker.Execute(func() (*domain.AgentResponse, error) {
		if err := ep.channel.Send(ctx, action); err != nil {
			return nil, domain.NewSubSystemError("dispatch", "Dispatcher.Call",
				domain.ErrAgentUnavailable, err.Error())
		}

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case resp := <-slot:
			settled = &resp
			if resp.Status == domain.StatusFailed {
				return &resp, domain.NewSubSystemError("dispatch", "Dispatcher.Call",
					domain.ErrAgentFailure, resp.Error)
			}
			return &resp, nil
		case <-timer.C:
			d.publishTimeout(ctx, action, timeout)
			return nil, domain.NewSubSystemError("dispatch", "Dispatcher.Call", domain.ErrTimeout,
				fmt.Sprintf("agent %s did not respond within %s", action.Agent, timeout))
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	d.recordUsage(ctx, action, settled)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewSubSystemError("dispatch", "Dispatcher.Call",
				domain.ErrAgentUnavailable, fmt.Sprintf("agent %s circuit open", action.Agent))
		}
		return settled, err
	}
	return settled, nil
}

// Broadcast issues several actions concurrently and awaits them all
// under one aggregate timeout no larger than the smallest per-call
// timeout involved. Results are returned in input order.
func (d *Dispatcher) Broadcast(ctx context.Context, actions []domain.AgentAction) []CallResult {
	if len(actions) == 0 {
		return nil
	}

	agg := d.timeoutFor(actions[0].Agent)
	for _, a := range actions[1:] {
		if t := d.timeoutFor(a.Agent); t < agg {
			agg = t
		}
	}
	ctx, cancel := context.WithTimeout(ctx, agg)
	defer cancel()

	results := make([]CallResult, len(actions))
	var wg sync.WaitGroup
	for i, action := range actions {
		wg.Add(1)
		go func(idx int, a domain.AgentAction) {
			defer wg.Done()
			resp, err := d.Call(ctx, a)
			results[idx] = CallResult{Action: a, Response: resp, Err: err}
		}(i, action)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) unregister(contextID string) {
	d.mu.Lock()
	delete(d.pending, contextID)
	d.mu.Unlock()
}

// recordUsage appends a ledger entry when the settled response carries
// token metadata. Failed responses still bill their consumed tokens.
func (d *Dispatcher) recordUsage(ctx context.Context, action domain.AgentAction, resp *domain.AgentResponse) {
	if resp == nil || resp.Usage == nil || d.ledger == nil {
		return
	}
	_, err := d.ledger.Append(ctx, domain.UsageRecord{
		TaskID:       action.TaskID,
		Provider:     resp.Usage.Provider,
		Model:        resp.Usage.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Agent:        action.Agent,
		Timestamp:    time.Now(),
	})
	if err != nil {
		d.logger.Warn("usage record rejected",
			"task_id", action.TaskID,
			"agent", string(action.Agent),
			"error", err,
		)
	}
}

func (d *Dispatcher) publishTimeout(ctx context.Context, action domain.AgentAction, timeout time.Duration) {
	if d.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"agent":   string(action.Agent),
		"action":  action.Action,
		"timeout": timeout.String(),
	})
	d.bus.Publish(ctx, domain.Event{
		Type:      domain.EventAgentTimeout,
		Timestamp: time.Now(),
		TaskID:    action.TaskID,
		Payload:   payload,
	})
}

// Registered reports whether a channel exists for the agent variant.
func (d *Dispatcher) Registered(agent domain.AgentType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.endpoints[agent]
	return ok
}

// Close closes every registered channel and waits for the receive
// loops to drain. Pending calls resolve as timeouts.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	endpoints := make([]*endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		endpoints = append(endpoints, ep)
	}
	d.mu.Unlock()

	var firstErr error
	for _, ep := range endpoints {
		if err := ep.channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.wg.Wait()
	return firstErr
}

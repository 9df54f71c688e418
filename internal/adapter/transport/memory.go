package transport

import (
	"context"
	"sync"
	"time"

	"researchd/internal/domain"
)

// Handler produces the agent's response to one action. Returning nil
// means the agent never answers, which the dispatcher surfaces as a
// timeout.
type Handler func(ctx context.Context, action domain.AgentAction) *domain.AgentResponse

// MemoryChannel is an in-process AgentChannel backed by a handler
// function. It is the channel used in tests and local single-binary
// deployments where the agents run inside the orchestrator process.
type MemoryChannel struct {
	handler Handler
	latency time.Duration

	respCh    chan domain.AgentResponse
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMemoryChannel creates a channel that answers actions via handler.
// latency delays each response to mimic a remote agent; zero is fine.
func NewMemoryChannel(handler Handler, latency time.Duration) *MemoryChannel {
	return &MemoryChannel{
		handler: handler,
		latency: latency,
		respCh:  make(chan domain.AgentResponse, 64),
		done:    make(chan struct{}),
	}
}

// Send hands the action to the handler on its own goroutine. Send
// itself never waits for the agent to finish.
func (c *MemoryChannel) Send(ctx context.Context, action domain.AgentAction) error {
	select {
	case <-c.done:
		return domain.ErrChannelClosed
	default:
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.latency > 0 {
			timer := time.NewTimer(c.latency)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-c.done:
				return
			}
		}

		resp := c.handler(ctx, action)
		if resp == nil {
			return
		}
		resp.TaskID = action.TaskID
		resp.ContextID = action.ContextID
		if resp.Timestamp.IsZero() {
			resp.Timestamp = time.Now()
		}

		select {
		case c.respCh <- *resp:
		case <-c.done:
		}
	}()
	return nil
}

func (c *MemoryChannel) Responses() <-chan domain.AgentResponse {
	return c.respCh
}

func (c *MemoryChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		go func() {
			c.wg.Wait()
			close(c.respCh)
		}()
	})
	return nil
}

package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"researchd/internal/domain"
)

const (
	wsWriteTimeout     = 5 * time.Second
	wsReconnectBase    = 1 * time.Second
	wsReconnectCeiling = 30 * time.Second
)

// WSChannel is an AgentChannel over a WebSocket connection to a remote
// worker agent. Actions and responses travel as JSON messages. The
// channel reconnects with exponential backoff; actions queued while
// disconnected are sent once the link is back.
type WSChannel struct {
	url    string
	agent  domain.AgentType
	logger *slog.Logger

	sendCh chan domain.AgentAction
	respCh chan domain.AgentResponse

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWSChannel creates the channel and starts its connection loop.
func NewWSChannel(url string, agent domain.AgentType, logger *slog.Logger) *WSChannel {
	c := &WSChannel{
		url:    url,
		agent:  agent,
		logger: logger,
		sendCh: make(chan domain.AgentAction, 64),
		respCh: make(chan domain.AgentResponse, 64),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Send enqueues the action for delivery. It blocks only when the
// outbound queue is full.
func (c *WSChannel) Send(ctx context.Context, action domain.AgentAction) error {
	select {
	case <-c.done:
		return domain.ErrChannelClosed
	default:
	}
	select {
	case c.sendCh <- action:
		return nil
	case <-c.done:
		return domain.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WSChannel) Responses() <-chan domain.AgentResponse {
	return c.respCh
}

func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	close(c.respCh)
	return nil
}

// run owns the connection: dial, serve until the link drops, back off,
// repeat. Backoff resets after a successful connect.
func (c *WSChannel) run() {
	defer c.wg.Done()

	backoff := wsReconnectBase
	for {
		select {
		case <-c.done:
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		conn, _, err := websocket.Dial(dialCtx, c.url, nil)
		cancel()
		if err != nil {
			c.logger.Warn("agent dial failed",
				"agent", string(c.agent),
				"url", c.url,
				"retry_in", backoff.String(),
				"error", err,
			)
			if !c.sleep(backoff) {
				return
			}
			backoff = min(backoff*2, wsReconnectCeiling)
			continue
		}

		c.logger.Info("agent connected", "agent", string(c.agent), "url", c.url)
		backoff = wsReconnectBase

		c.serve(conn)
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// serve pumps the send queue and the inbound stream over one live
// connection, returning when either side fails or the channel closes.
func (c *WSChannel) serve(conn *websocket.Conn) {
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	go func() {
		defer connCancel()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-c.done:
				conn.Close(websocket.StatusGoingAway, "channel closing")
				return
			case action := <-c.sendCh:
				wctx, cancel := context.WithTimeout(connCtx, wsWriteTimeout)
				err := wsjson.Write(wctx, conn, action)
				cancel()
				if err != nil {
					c.logger.Warn("agent write failed",
						"agent", string(c.agent),
						"context_id", action.ContextID,
						"error", err,
					)
					return
				}
			}
		}
	}()

	for {
		var resp domain.AgentResponse
		if err := wsjson.Read(connCtx, conn, &resp); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("agent connection lost", "agent", string(c.agent), "error", err)
			}
			return
		}
		select {
		case c.respCh <- resp:
		case <-c.done:
			return
		default:
			c.logger.Warn("dropping response, inbound queue full",
				"agent", string(c.agent),
				"context_id", resp.ContextID,
			)
		}
	}
}

// sleep waits for d unless the channel closes first.
func (c *WSChannel) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.done:
		return false
	}
}

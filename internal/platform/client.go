// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package platform

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Pump and request timing.
const (
	DefaultPollInterval   = 50 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
)

// Sentinel errors for transport state.
var (
	ErrNotConnected = errors.New("not connected to platform")
	ErrRequestTimeout = errors.New("request timed out")
)

// Conn is the injected wire transport. Implementations own framing and
// connectivity; the Client owns correlation and delivery.
type Conn interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Send(msg Message) error
	// Poll drains messages that have arrived since the last call.
	// It never blocks.
	Poll() ([]Message, error)
}

// Client multiplexes request/response traffic over a Conn. A single
// background pump polls the connection at a fixed interval and
// delivers each message to either a job-ID-keyed waiter (requests made
// through Do) or a registered per-type Slot (uncorrelated exchanges
// such as logon and ticket responses).
type Client struct {
	conn         Conn
	logger       *slog.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	waiters map[ulid.ULID]chan Message
	slots   map[MsgType]*Slot
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval overrides the pump poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// NewClient creates a client over the given transport.
func NewClient(conn Conn, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		conn:         conn,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		waiters:      make(map[ulid.ULID]chan Message),
		slots:        make(map[MsgType]*Slot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the transport connection and starts the event
// pump if it is not already running. Safe to call again after a drop.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return oops.Code("CONN_FAILED").Wrap(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		c.stop = make(chan struct{})
		c.done = make(chan struct{})
		c.running = true
		go c.pump(c.stop, c.done)
	}
	return nil
}

// Disconnect stops the pump and closes the transport. Pending waiters
// never complete; their Do calls end via timeout or context.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		_ = c.conn.Close()
		return
	}
	c.running = false
	stop, done := c.stop, c.done
	c.mu.Unlock()

	close(stop)
	<-done
	_ = c.conn.Close()
}

// Connected reports whether the transport link is up.
func (c *Client) Connected() bool {
	return c.conn.Connected()
}

// SendLogOn sends a token logon request. The response arrives through
// the Slot registered for MsgLogOn.
func (c *Client) SendLogOn(details LogOnDetails) error {
	if !c.conn.Connected() {
		return ErrNotConnected
	}
	err := c.conn.Send(Message{
		Type: MsgLogOn,
		Data: map[string]any{
			"username":      details.Username,
			"refresh_token": details.RefreshToken,
		},
	})
	if err != nil {
		return oops.Code("CONN_SEND_FAILED").With("msg_type", string(MsgLogOn)).Wrap(err)
	}
	return nil
}

// Send transmits a message without registering for a response.
func (c *Client) Send(msg Message) error {
	if !c.conn.Connected() {
		return ErrNotConnected
	}
	if err := c.conn.Send(msg); err != nil {
		return oops.Code("CONN_SEND_FAILED").With("msg_type", string(msg.Type)).Wrap(err)
	}
	return nil
}

// RegisterSlot routes uncorrelated messages of type t to the slot.
func (c *Client) RegisterSlot(t MsgType, s *Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[t] = s
}

// Do sends a job-correlated request and waits for its response,
// bounded by DefaultRequestTimeout and the caller's context.
func (c *Client) Do(ctx context.Context, msg Message) (Message, error) {
	if !c.conn.Connected() {
		return Message{}, ErrNotConnected
	}

	msg.JobID = ulid.Make()
	ch := make(chan Message, 1)

	c.mu.Lock()
	c.waiters[msg.JobID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, msg.JobID)
		c.mu.Unlock()
	}()

	if err := c.conn.Send(msg); err != nil {
		return Message{}, oops.Code("CONN_SEND_FAILED").
			With("msg_type", string(msg.Type)).
			Wrap(err)
	}

	timer := time.NewTimer(DefaultRequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return Message{}, oops.Code("CONN_TIMEOUT").
			With("msg_type", string(msg.Type)).
			Wrap(ErrRequestTimeout)
	case <-ctx.Done():
		return Message{}, oops.Code("CONN_CANCELED").
			With("msg_type", string(msg.Type)).
			Wrap(ctx.Err())
	}
}

// pump is the single background event loop. It polls the transport at
// a fixed interval and dispatches every message exactly once.
func (c *Client) pump(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.conn.Connected() {
				continue
			}
			msgs, err := c.conn.Poll()
			if err != nil {
				c.logger.Warn("transport poll failed", "error", err)
				continue
			}
			for _, msg := range msgs {
				c.dispatch(msg)
			}
		}
	}
}

func (c *Client) dispatch(msg Message) {
	var zero ulid.ULID
	if msg.JobID.Compare(zero) != 0 {
		c.mu.Lock()
		ch, ok := c.waiters[msg.JobID]
		if ok {
			delete(c.waiters, msg.JobID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
		c.logger.Debug("response for unknown job dropped",
			"msg_type", string(msg.Type),
			"job_id", msg.JobID.String(),
		)
		return
	}

	c.mu.Lock()
	slot := c.slots[msg.Type]
	c.mu.Unlock()
	if slot != nil && slot.Deliver(msg) {
		return
	}
	c.logger.Debug("unhandled message dropped", "msg_type", string(msg.Type))
}

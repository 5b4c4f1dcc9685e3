// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package platform

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
)

// inboxSize bounds messages buffered between the reader goroutine and
// the pump. The platform never bursts anywhere near this.
const inboxSize = 256

// TCPConn is the production Conn: newline-delimited JSON frames over a
// TCP connection. A reader goroutine decodes frames into an inbox that
// Poll drains without blocking.
type TCPConn struct {
	addr   string
	logger *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	enc       *json.Encoder
	inbox     chan Message
	connected atomic.Bool
}

// NewTCPConn creates a TCP transport for the given platform address.
func NewTCPConn(addr string, logger *slog.Logger) *TCPConn {
	return &TCPConn{addr: addr, logger: logger}
}

// Connect dials the platform and starts the frame reader. A previous
// dead connection is discarded.
func (t *TCPConn) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		_ = t.conn.Close()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return oops.Code("CONN_DIAL_FAILED").With("addr", t.addr).Wrap(err)
	}

	t.conn = conn
	t.enc = json.NewEncoder(conn)
	t.inbox = make(chan Message, inboxSize)
	t.connected.Store(true)

	go t.readLoop(conn, t.inbox)
	return nil
}

// readLoop decodes frames until the connection dies. It owns no lock;
// conn and inbox are pinned for this connection generation.
func (t *TCPConn) readLoop(conn net.Conn, inbox chan Message) {
	dec := json.NewDecoder(conn)
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			t.connected.Store(false)
			t.logger.Debug("platform connection closed", "error", err)
			return
		}
		select {
		case inbox <- msg:
		default:
			t.logger.Warn("inbox full, message dropped", "msg_type", string(msg.Type))
		}
	}
}

// Close tears down the connection.
func (t *TCPConn) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected.Store(false)
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// Connected reports whether the link is believed up.
func (t *TCPConn) Connected() bool {
	return t.connected.Load()
}

// Send encodes one frame. A write failure marks the link down so the
// caller's retry loop reconnects.
func (t *TCPConn) Send(msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || !t.connected.Load() {
		return ErrNotConnected
	}
	if err := t.enc.Encode(msg); err != nil {
		t.connected.Store(false)
		return oops.Code("CONN_WRITE_FAILED").Wrap(err)
	}
	return nil
}

// Poll drains buffered inbound messages without blocking.
func (t *TCPConn) Poll() ([]Message, error) {
	t.mu.Lock()
	inbox := t.inbox
	t.mu.Unlock()

	if inbox == nil {
		return nil, nil
	}

	var msgs []Message
	for {
		select {
		case msg := <-inbox:
			msgs = append(msgs, msg)
		default:
			return msgs, nil
		}
	}
}

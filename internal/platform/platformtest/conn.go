// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

// Package platformtest provides a scripted in-memory Conn for tests.
package platformtest

import (
	"context"
	"sync"

	"github.com/depothaul/depothaul/internal/platform"
)

// FakeConn is a scripted platform transport. Respond, when set, maps
// each sent request to the messages a later Poll returns.
type FakeConn struct {
	mu        sync.Mutex
	connected bool
	sent      []platform.Message
	pending   []platform.Message

	// ConnectErr, when non-nil, fails the next Connect and is cleared.
	ConnectErr error
	// Respond maps a sent request to its responses.
	Respond func(platform.Message) []platform.Message
}

// NewFakeConn returns a disconnected fake transport.
func NewFakeConn() *FakeConn {
	return &FakeConn{}
}

// Connect marks the transport up, or fails once with ConnectErr.
func (f *FakeConn) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		err := f.ConnectErr
		f.ConnectErr = nil
		return err
	}
	f.connected = true
	return nil
}

// Close marks the transport down.
func (f *FakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// Connected reports the scripted link state.
func (f *FakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetConnected overrides the link state, simulating a drop or recovery.
func (f *FakeConn) SetConnected(up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = up
}

// Send records the request and queues any scripted responses.
func (f *FakeConn) Send(msg platform.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return platform.ErrNotConnected
	}
	f.sent = append(f.sent, msg)
	if f.Respond != nil {
		f.pending = append(f.pending, f.Respond(msg)...)
	}
	return nil
}

// Poll drains queued responses.
func (f *FakeConn) Poll() ([]platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.pending
	f.pending = nil
	return msgs, nil
}

// Inject queues messages for the next Poll without a matching request.
func (f *FakeConn) Inject(msgs ...platform.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, msgs...)
}

// Sent returns a copy of every request sent so far.
func (f *FakeConn) Sent() []platform.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Message(nil), f.sent...)
}

// SentOfType returns the requests of one message type.
func (f *FakeConn) SentOfType(t platform.MsgType) []platform.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []platform.Message
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

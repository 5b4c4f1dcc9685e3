// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package platform

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is a scripted transport. Respond, when set, maps each sent
// request to the messages the next Poll returns.
type fakeConn struct {
	mu        sync.Mutex
	connected bool
	sent      []Message
	pending   []Message

	connectErr error
	sendErr    error
	respond    func(Message) []Message
}

func (f *fakeConn) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Send(msg Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.respond != nil {
		f.pending = append(f.pending, f.respond(msg)...)
	}
	return nil
}

func (f *fakeConn) Poll() ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.pending
	f.pending = nil
	return msgs, nil
}

func (f *fakeConn) inject(msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, msgs...)
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestClient(t *testing.T, conn Conn) *Client {
	t.Helper()
	c := NewClient(conn, discardLogger(), WithPollInterval(time.Millisecond))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c
}

func TestClient_DoRoundTrip(t *testing.T) {
	conn := &fakeConn{
		respond: func(req Message) []Message {
			return []Message{{
				Type:   req.Type,
				JobID:  req.JobID,
				Result: ResultOK,
				Data:   map[string]any{"depot_key": EncodeBytes([]byte("k"))},
			}}
		},
	}
	c := newTestClient(t, conn)

	resp, err := c.Do(context.Background(), Message{Type: MsgDepotKey})
	require.NoError(t, err)
	assert.Equal(t, ResultOK, resp.Result)
	assert.Equal(t, []byte("k"), resp.Bytes("depot_key"))
}

func TestClient_DoCanceledByContext(t *testing.T) {
	conn := &fakeConn{} // never responds
	c := newTestClient(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, Message{Type: MsgOwnership})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_DoRequiresConnection(t *testing.T) {
	conn := &fakeConn{}
	c := NewClient(conn, discardLogger())

	_, err := c.Do(context.Background(), Message{Type: MsgOwnership})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_SlotDispatchByType(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(t, conn)

	slot := NewSlot(nil)
	c.RegisterSlot(MsgLogOn, slot)
	ch := slot.Arm("")

	conn.inject(Message{Type: MsgLogOn, Result: ResultOK})

	select {
	case msg := <-ch:
		assert.Equal(t, ResultOK, msg.Result)
	case <-time.After(time.Second):
		t.Fatal("pump did not deliver logon response")
	}
}

func TestClient_UnknownJobDropped(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(t, conn)

	slot := NewSlot(nil)
	c.RegisterSlot(MsgAppTicket, slot)
	ch := slot.Arm("")

	// A correlated response with no waiter must not reach type slots.
	conn.inject(Message{Type: MsgAppTicket, JobID: ulid.Make(), Result: ResultOK})
	conn.inject(Message{Type: MsgAppTicket, Result: ResultFail})

	msg := <-ch
	assert.Equal(t, ResultFail, msg.Result, "slot must only see the uncorrelated message")
}

func TestClient_SendLogOn(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(t, conn)

	require.NoError(t, c.SendLogOn(LogOnDetails{Username: "gabe", RefreshToken: "tok"}))
	require.Equal(t, 1, conn.sentCount())

	conn.mu.Lock()
	sent := conn.sent[0]
	conn.mu.Unlock()
	assert.Equal(t, MsgLogOn, sent.Type)
	assert.Equal(t, "gabe", sent.Data["username"])
}

func TestClient_ReconnectAfterDrop(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(t, conn)

	conn.mu.Lock()
	conn.connected = false
	conn.mu.Unlock()
	assert.False(t, c.Connected())

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
}

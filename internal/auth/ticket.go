// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package auth

import (
	"context"
	"strconv"
	"time"

	"github.com/samber/oops"

	"github.com/depothaul/depothaul/internal/platform"
)

const defaultTicketTimeout = 30 * time.Second

// ticketKey correlates a ticket response to the app it was requested
// for, so a late response for app A can never satisfy a request for
// app B.
func ticketKey(msg platform.Message) string {
	return strconv.FormatUint(msg.Uint64("app_id"), 10)
}

// GetAppTicket requests an ownership ticket for the app. A prior
// successful logon is required. Ticket responses carry no job
// correlation, so only one request may be in flight at a time; a
// second call while one is pending orphans the first waiter.
func (m *Manager) GetAppTicket(ctx context.Context, appID uint32) ([]byte, error) {
	if !m.client.Connected() {
		return nil, oops.Code("TICKET_NOT_CONNECTED").
			With("app_id", appID).
			Wrap(platform.ErrNotConnected)
	}
	if !m.loggedOn.Load() {
		return nil, oops.Code("TICKET_NOT_AUTHENTICATED").
			With("app_id", appID).
			Errorf("a successful logon is required before requesting tickets")
	}

	key := strconv.FormatUint(uint64(appID), 10)
	ch := m.ticketSlot.Arm(key)

	err := m.client.Send(platform.Message{
		Type: platform.MsgAppTicket,
		Data: map[string]any{"app_id": appID},
	})
	if err != nil {
		m.ticketSlot.Clear()
		return nil, err
	}

	timer := time.NewTimer(m.ticketTimeout)
	defer timer.Stop()

	var resp platform.Message
	select {
	case resp = <-ch:
		m.ticketSlot.Clear()
	case <-timer.C:
		// A response may have raced the timer; Clear surfaces it so it
		// cannot resolve a future request for a different app.
		raced, ok := m.ticketSlot.Clear()
		if !ok {
			return nil, oops.Code("TICKET_TIMEOUT").
				With("app_id", appID).
				With("timeout", m.ticketTimeout).
				Errorf("no ticket response from platform")
		}
		resp = raced
	case <-ctx.Done():
		m.ticketSlot.Clear()
		return nil, oops.Code("TICKET_CANCELED").With("app_id", appID).Wrap(ctx.Err())
	}

	if resp.Result != platform.ResultOK {
		return nil, oops.Code("TICKET_DENIED").
			With("app_id", appID).
			With("result", resp.Result.String()).
			Errorf("platform refused the app ticket")
	}
	ticket := resp.Bytes("ticket")
	if len(ticket) == 0 {
		return nil, oops.Code("TICKET_EMPTY").
			With("app_id", appID).
			Errorf("platform returned an empty ticket")
	}
	return ticket, nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

// Package auth logs a user onto the distribution platform and keeps
// the resulting session persisted. Three methods are supported: a
// saved refresh token, an interactive password, and a device
// confirmation challenge polled until the user approves it.
package auth

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/depothaul/depothaul/internal/platform"
	"github.com/depothaul/depothaul/internal/session"
)

// Login retry and device confirmation timing.
const (
	loginAttempts       = 5
	defaultBackoffStep  = 5 * time.Second
	defaultLogonTimeout = 30 * time.Second

	defaultDevicePollInterval = 5 * time.Second
	devicePollAttempts        = 60
)

// Manager drives platform logons. Logons are uncorrelated exchanges,
// so only one may be in flight at a time; the slot enforces that by
// replacing any previously pending waiter.
type Manager struct {
	client *platform.Client
	store  *session.Store
	logger *slog.Logger

	logonSlot  *platform.Slot
	ticketSlot *platform.Slot
	loggedOn   atomic.Bool

	backoffStep        time.Duration
	logonTimeout       time.Duration
	ticketTimeout      time.Duration
	devicePollInterval time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBackoffStep overrides the linear backoff step between login
// attempts. Tests shrink it.
func WithBackoffStep(d time.Duration) ManagerOption {
	return func(m *Manager) { m.backoffStep = d }
}

// WithLogonTimeout overrides how long one logon attempt waits for its
// response.
func WithLogonTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.logonTimeout = d }
}

// WithTicketTimeout overrides how long a ticket request waits.
func WithTicketTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.ticketTimeout = d }
}

// WithDevicePollInterval overrides the device confirmation poll cadence.
func WithDevicePollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.devicePollInterval = d }
}

// NewManager creates a login manager and registers its response slots
// on the client.
func NewManager(client *platform.Client, store *session.Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		client:             client,
		store:              store,
		logger:             logger,
		logonSlot:          platform.NewSlot(nil),
		ticketSlot:         platform.NewSlot(ticketKey),
		backoffStep:        defaultBackoffStep,
		logonTimeout:       defaultLogonTimeout,
		ticketTimeout:      defaultTicketTimeout,
		devicePollInterval: defaultDevicePollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	client.RegisterSlot(platform.MsgLogOn, m.logonSlot)
	client.RegisterSlot(platform.MsgAppTicket, m.ticketSlot)
	return m
}

// LoginWithSavedSession logs on with the refresh token persisted for
// username. Returns session.ErrNoSession when none is saved.
func (m *Manager) LoginWithSavedSession(ctx context.Context, username string) (session.Session, error) {
	saved, err := m.store.Load(username)
	if err != nil {
		return session.Session{}, err
	}
	m.logTokenExpiry(saved.RefreshToken)
	return m.LoginWithToken(ctx, saved.Username, saved.RefreshToken)
}

// LoginWithToken logs on with a refresh token.
func (m *Manager) LoginWithToken(ctx context.Context, username, token string) (session.Session, error) {
	return m.loginWithRetry(ctx, username, func(ctx context.Context) error {
		return m.client.SendLogOn(platform.LogOnDetails{
			Username:     username,
			RefreshToken: token,
		})
	})
}

// LoginWithPassword logs on with an account password.
func (m *Manager) LoginWithPassword(ctx context.Context, username, password string) (session.Session, error) {
	return m.loginWithRetry(ctx, username, func(ctx context.Context) error {
		return m.client.Send(platform.Message{
			Type: platform.MsgLogOn,
			Data: map[string]any{
				"username": username,
				"password": password,
			},
		})
	})
}

// LoginWithDeviceChallenge starts a device confirmation session and
// polls it until the user approves on another device, then logs on
// with the issued refresh token. The token is persisted before the
// follow-up logon so an interruption does not lose the approval.
func (m *Manager) LoginWithDeviceChallenge(ctx context.Context, username string) (session.Session, error) {
	sess, err := m.awaitDeviceApproval(ctx, username)
	if err != nil {
		return session.Session{}, err
	}
	if err := m.store.Save(sess); err != nil {
		return session.Session{}, err
	}
	return m.LoginWithToken(ctx, sess.Username, sess.RefreshToken)
}

// loginWithRetry runs send under the login retry policy: up to five
// attempts with linear backoff, reconnecting first when the transport
// dropped. Rejected credentials are not distinguished from transient
// failures; every outcome short of success shares the same budget.
func (m *Manager) loginWithRetry(ctx context.Context, username string, send func(context.Context) error) (session.Session, error) {
	var (
		sess    session.Session
		attempt int
	)

	backoff := retry.WithMaxRetries(loginAttempts-1, linearBackoff(m.backoffStep))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			m.logger.Info("retrying logon", "username", username, "attempt", attempt)
		}

		if !m.client.Connected() {
			if err := m.client.Connect(ctx); err != nil {
				return retry.RetryableError(err)
			}
		}

		resp, err := m.logon(ctx, send)
		if err != nil {
			return retry.RetryableError(err)
		}

		sess, err = m.acceptLogon(username, resp)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		// Code() surfaces the deepest code in a chain, so the last
		// attempt's error is carried as context rather than wrapped.
		return session.Session{}, oops.Code("LOGIN_EXHAUSTED").
			With("username", username).
			With("attempts", attempt).
			With("cause", err.Error()).
			Errorf("login failed after %d attempt(s)", attempt)
	}
	return sess, nil
}

// logon arms the logon slot, sends the request, and waits for the
// uncorrelated response. The slot is cleared before the outcome is
// inspected so a response racing the timer is not left behind to
// resolve a future logon.
func (m *Manager) logon(ctx context.Context, send func(context.Context) error) (platform.Message, error) {
	ch := m.logonSlot.Arm("")
	if err := send(ctx); err != nil {
		m.logonSlot.Clear()
		return platform.Message{}, err
	}

	timer := time.NewTimer(m.logonTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		m.logonSlot.Clear()
		return resp, nil
	case <-timer.C:
		if resp, ok := m.logonSlot.Clear(); ok {
			return resp, nil
		}
		return platform.Message{}, oops.Code("LOGIN_TIMEOUT").
			With("timeout", m.logonTimeout).
			Errorf("no logon response from platform")
	case <-ctx.Done():
		m.logonSlot.Clear()
		return platform.Message{}, oops.Code("LOGIN_CANCELED").Wrap(ctx.Err())
	}
}

// acceptLogon turns a logon response into a persisted session. The
// rotated refresh token is saved before the session is handed back.
func (m *Manager) acceptLogon(username string, resp platform.Message) (session.Session, error) {
	switch resp.Result {
	case platform.ResultOK:
		// Fall through below.
	case platform.ResultInvalidPassword, platform.ResultAccessDenied:
		return session.Session{}, oops.Code("LOGIN_DENIED").
			With("username", username).
			With("result", resp.Result.String()).
			Errorf("platform rejected the credentials")
	case platform.ResultTryAnotherCM:
		// The platform wants us off this node; reconnect on retry.
		m.client.Disconnect()
		fallthrough
	default:
		return session.Session{}, oops.Code("LOGIN_FAILED").
			With("username", username).
			With("result", resp.Result.String()).
			Errorf("logon failed")
	}

	token := resp.Str("refresh_token")
	if token == "" {
		return session.Session{}, oops.Code("LOGIN_NO_TOKEN").
			With("username", username).
			Errorf("logon succeeded without a refresh token")
	}
	if name := resp.Str("username"); name != "" {
		username = name
	}

	sess := session.Session{Username: username, RefreshToken: token}
	if err := m.store.Save(sess); err != nil {
		return session.Session{}, err
	}
	m.loggedOn.Store(true)
	m.logTokenExpiry(token)
	m.logger.Info("logged on", "username", username)
	return sess, nil
}

// LoggedOn reports whether a logon has succeeded on this manager.
func (m *Manager) LoggedOn() bool {
	return m.loggedOn.Load() && m.client.Connected()
}

// awaitDeviceApproval begins a device confirmation session and polls
// it until approval, denial, or the poll budget runs out.
func (m *Manager) awaitDeviceApproval(ctx context.Context, username string) (session.Session, error) {
	begin, err := m.client.Do(ctx, platform.Message{
		Type: platform.MsgBeginAuthSession,
		Data: map[string]any{"username": username},
	})
	if err != nil {
		return session.Session{}, err
	}
	if begin.Result != platform.ResultOK {
		return session.Session{}, oops.Code("AUTH_SESSION_FAILED").
			With("username", username).
			With("result", begin.Result.String()).
			Errorf("could not begin a device confirmation session")
	}

	clientID := begin.Str("client_id")
	requestID := begin.Str("request_id")
	m.logger.Info("waiting for device confirmation",
		"username", username,
		"client_id", clientID,
	)

	for i := 0; i < devicePollAttempts; i++ {
		if i > 0 {
			select {
			case <-time.After(m.devicePollInterval):
			case <-ctx.Done():
				return session.Session{}, oops.Code("AUTH_SESSION_CANCELED").Wrap(ctx.Err())
			}
		}

		poll, err := m.client.Do(ctx, platform.Message{
			Type: platform.MsgPollAuthSession,
			Data: map[string]any{
				"client_id":  clientID,
				"request_id": requestID,
			},
		})
		if err != nil {
			return session.Session{}, err
		}
		switch poll.Result {
		case platform.ResultOK:
			token := poll.Str("refresh_token")
			if token == "" {
				// Approval still pending.
				continue
			}
			name := poll.Str("username")
			if name == "" {
				name = username
			}
			return session.Session{Username: name, RefreshToken: token}, nil
		case platform.ResultAccessDenied:
			return session.Session{}, oops.Code("AUTH_SESSION_DENIED").
				With("username", username).
				Errorf("device confirmation was denied")
		default:
			return session.Session{}, oops.Code("AUTH_SESSION_FAILED").
				With("username", username).
				With("result", poll.Result.String()).
				Errorf("device confirmation poll failed")
		}
	}
	return session.Session{}, oops.Code("AUTH_SESSION_TIMEOUT").
		With("username", username).
		With("polls", devicePollAttempts).
		Errorf("device confirmation was never approved")
}

// logTokenExpiry surfaces the refresh token's expiry for operators.
// Tokens are opaque to us; decoding is best effort and unverified.
func (m *Manager) logTokenExpiry(token string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	m.logger.Info("refresh token expiry",
		"expires_at", exp.Time.UTC().Format(time.RFC3339),
		"expires_in", time.Until(exp.Time).Round(time.Minute).String(),
	)
}

// linearBackoff yields step, 2×step, 3×step, ...
func linearBackoff(step time.Duration) retry.Backoff {
	var attempt int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n := atomic.AddInt64(&attempt, 1)
		return time.Duration(n) * step, false
	})
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/depothaul/depothaul/internal/platform"
	"github.com/depothaul/depothaul/internal/platform/platformtest"
	"github.com/depothaul/depothaul/internal/session"
	"github.com/depothaul/depothaul/pkg/errutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T, conn *platformtest.FakeConn, opts ...ManagerOption) (*Manager, *platform.Client, *session.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := platform.NewClient(conn, logger, platform.WithPollInterval(time.Millisecond))
	t.Cleanup(client.Disconnect)

	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)

	opts = append([]ManagerOption{
		WithBackoffStep(time.Millisecond),
		WithLogonTimeout(50 * time.Millisecond),
		WithTicketTimeout(50 * time.Millisecond),
		WithDevicePollInterval(time.Millisecond),
	}, opts...)
	return NewManager(client, store, logger, opts...), client, store
}

// logonOK scripts a successful logon response issuing the given token.
func logonOK(username, token string) func(platform.Message) []platform.Message {
	return func(req platform.Message) []platform.Message {
		if req.Type != platform.MsgLogOn {
			return nil
		}
		return []platform.Message{{
			Type:   platform.MsgLogOn,
			Result: platform.ResultOK,
			Data: map[string]any{
				"username":      username,
				"refresh_token": token,
			},
		}}
	}
}

func TestLoginWithToken_PersistsRotatedToken(t *testing.T) {
	conn := platformtest.NewFakeConn()
	conn.Respond = logonOK("gabe", "rotated-token")
	m, _, store := newTestManager(t, conn)

	sess, err := m.LoginWithToken(context.Background(), "gabe", "stale-token")
	require.NoError(t, err)
	assert.Equal(t, "gabe", sess.Username)
	assert.Equal(t, "rotated-token", sess.RefreshToken)

	saved, err := store.Load("gabe")
	require.NoError(t, err)
	assert.Equal(t, "rotated-token", saved.RefreshToken, "the rotated token is persisted")
}

func TestLoginWithToken_ConnectsFirst(t *testing.T) {
	conn := platformtest.NewFakeConn()
	conn.Respond = logonOK("gabe", "tok")
	m, client, _ := newTestManager(t, conn)

	require.False(t, client.Connected())
	_, err := m.LoginWithToken(context.Background(), "gabe", "tok")
	require.NoError(t, err)
	assert.True(t, client.Connected())
}

func TestLogin_RetriesUntilExhausted(t *testing.T) {
	conn := platformtest.NewFakeConn()
	conn.Respond = func(req platform.Message) []platform.Message {
		if req.Type != platform.MsgLogOn {
			return nil
		}
		return []platform.Message{{
			Type:   platform.MsgLogOn,
			Result: platform.ResultTryAnotherCM,
		}}
	}
	m, _, _ := newTestManager(t, conn)

	_, err := m.LoginWithToken(context.Background(), "gabe", "tok")
	errutil.AssertErrorCode(t, err, "LOGIN_EXHAUSTED")
	assert.Len(t, conn.SentOfType(platform.MsgLogOn), loginAttempts, "every attempt sends one logon")
}

func TestLogin_BackoffIsLinear(t *testing.T) {
	conn := platformtest.NewFakeConn()
	conn.Respond = func(req platform.Message) []platform.Message {
		return []platform.Message{{Type: platform.MsgLogOn, Result: platform.ResultFail}}
	}
	step := 10 * time.Millisecond
	m, _, _ := newTestManager(t, conn, WithBackoffStep(step))

	start := time.Now()
	_, err := m.LoginWithToken(context.Background(), "gabe", "tok")
	elapsed := time.Since(start)

	errutil.AssertErrorCode(t, err, "LOGIN_EXHAUSTED")
	// Four waits of step, 2×step, 3×step, 4×step between five attempts.
	assert.GreaterOrEqual(t, elapsed, 10*step, "backoff schedule must be honored")
}

func TestLoginWithPassword_DeniedSharesRetryBudget(t *testing.T) {
	conn := platformtest.NewFakeConn()
	conn.Respond = func(req platform.Message) []platform.Message {
		return []platform.Message{{
			Type:   platform.MsgLogOn,
			Result: platform.ResultInvalidPassword,
		}}
	}
	m, _, store := newTestManager(t, conn)

	// Rejected credentials are not distinguished from transient
	// failures: the full attempt budget runs before the call fails.
	_, err := m.LoginWithPassword(context.Background(), "gabe", "hunter2")
	errutil.AssertErrorCode(t, err, "LOGIN_EXHAUSTED")
	errutil.AssertErrorContext(t, err, "attempts", loginAttempts)
	assert.Len(t, conn.SentOfType(platform.MsgLogOn), loginAttempts)
	assert.False(t, store.Has("gabe"))
}

func TestLoginWithPassword_SendsPassword(t *testing.T) {
	conn := platformtest.NewFakeConn()
	conn.Respond = logonOK("gabe", "tok")
	m, _, _ := newTestManager(t, conn)

	_, err := m.LoginWithPassword(context.Background(), "gabe", "hunter2")
	require.NoError(t, err)

	sent := conn.SentOfType(platform.MsgLogOn)
	require.Len(t, sent, 1)
	assert.Equal(t, "hunter2", sent[0].Str("password"))
}

func TestLogin_SilentPlatformTimesOutEveryAttempt(t *testing.T) {
	conn := platformtest.NewFakeConn()
	m, _, _ := newTestManager(t, conn, WithLogonTimeout(10*time.Millisecond))

	_, err := m.LoginWithToken(context.Background(), "gabe", "tok")
	errutil.AssertErrorCode(t, err, "LOGIN_EXHAUSTED")
	assert.Len(t, conn.SentOfType(platform.MsgLogOn), loginAttempts)
}

func TestLogin_SuccessWithoutTokenIsRejected(t *testing.T) {
	conn := platformtest.NewFakeConn()
	conn.Respond = func(req platform.Message) []platform.Message {
		return []platform.Message{{
			Type:   platform.MsgLogOn,
			Result: platform.ResultOK,
			Data:   map[string]any{"username": "gabe"},
		}}
	}
	m, _, _ := newTestManager(t, conn)

	_, err := m.LoginWithToken(context.Background(), "gabe", "tok")
	errutil.AssertErrorCode(t, err, "LOGIN_EXHAUSTED")
}

func TestLoginWithSavedSession(t *testing.T) {
	conn := platformtest.NewFakeConn()
	conn.Respond = logonOK("gabe", "rotated")
	m, _, store := newTestManager(t, conn)

	require.NoError(t, store.Save(session.Session{Username: "gabe", RefreshToken: "old"}))

	sess, err := m.LoginWithSavedSession(context.Background(), "gabe")
	require.NoError(t, err)
	assert.Equal(t, "rotated", sess.RefreshToken)

	saved, err := store.Load("gabe")
	require.NoError(t, err)
	assert.Equal(t, "rotated", saved.RefreshToken)
}

func TestLoginWithSavedSession_NoneSaved(t *testing.T) {
	conn := platformtest.NewFakeConn()
	m, _, _ := newTestManager(t, conn)

	_, err := m.LoginWithSavedSession(context.Background(), "gabe")
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestLoginWithDeviceChallenge(t *testing.T) {
	conn := platformtest.NewFakeConn()
	polls := 0
	conn.Respond = func(req platform.Message) []platform.Message {
		switch req.Type {
		case platform.MsgBeginAuthSession:
			return []platform.Message{{
				Type:   platform.MsgBeginAuthSession,
				JobID:  req.JobID,
				Result: platform.ResultOK,
				Data: map[string]any{
					"client_id":  "c-1",
					"request_id": "r-1",
				},
			}}
		case platform.MsgPollAuthSession:
			polls++
			if polls < 3 {
				// Still pending: OK with no token yet.
				return []platform.Message{{
					Type:   platform.MsgPollAuthSession,
					JobID:  req.JobID,
					Result: platform.ResultOK,
				}}
			}
			return []platform.Message{{
				Type:   platform.MsgPollAuthSession,
				JobID:  req.JobID,
				Result: platform.ResultOK,
				Data: map[string]any{
					"username":      "gabe",
					"refresh_token": "device-token",
				},
			}}
		case platform.MsgLogOn:
			return logonOK("gabe", "device-token")(req)
		default:
			return nil
		}
	}
	m, client, store := newTestManager(t, conn)
	require.NoError(t, client.Connect(context.Background()))

	sess, err := m.LoginWithDeviceChallenge(context.Background(), "gabe")
	require.NoError(t, err)
	assert.Equal(t, "device-token", sess.RefreshToken)
	assert.Equal(t, 3, polls)

	saved, err := store.Load("gabe")
	require.NoError(t, err)
	assert.Equal(t, "device-token", saved.RefreshToken)

	sent := conn.SentOfType(platform.MsgPollAuthSession)
	require.NotEmpty(t, sent)
	assert.Equal(t, "c-1", sent[0].Str("client_id"))
	assert.Equal(t, "r-1", sent[0].Str("request_id"))
}

func TestLoginWithDeviceChallenge_Denied(t *testing.T) {
	conn := platformtest.NewFakeConn()
	conn.Respond = func(req platform.Message) []platform.Message {
		switch req.Type {
		case platform.MsgBeginAuthSession:
			return []platform.Message{{
				Type:   platform.MsgBeginAuthSession,
				JobID:  req.JobID,
				Result: platform.ResultOK,
				Data:   map[string]any{"client_id": "c-1", "request_id": "r-1"},
			}}
		case platform.MsgPollAuthSession:
			return []platform.Message{{
				Type:   platform.MsgPollAuthSession,
				JobID:  req.JobID,
				Result: platform.ResultAccessDenied,
			}}
		default:
			return nil
		}
	}
	m, client, store := newTestManager(t, conn)
	require.NoError(t, client.Connect(context.Background()))

	_, err := m.LoginWithDeviceChallenge(context.Background(), "gabe")
	errutil.AssertErrorCode(t, err, "AUTH_SESSION_DENIED")
	assert.False(t, store.Has("gabe"), "a denied challenge saves nothing")
}

func TestLogTokenExpiry_GarbageTokenIsIgnored(t *testing.T) {
	conn := platformtest.NewFakeConn()
	m, _, _ := newTestManager(t, conn)

	// Opaque non-JWT tokens are allowed; expiry display is best effort.
	m.logTokenExpiry("not-a-jwt")
}

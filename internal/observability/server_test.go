// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package observability

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/depothaul/depothaul/internal/session"
)

func startServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	server := NewServer("127.0.0.1:0", func() bool { return true }, opts...)
	if _, err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestServer_Metrics(t *testing.T) {
	server := startServer(t)

	// Feed the counters the way the download engine does.
	m := server.Metrics()
	m.AddChunkDownloaded()
	m.AddBytesDownloaded(1024)
	m.AddChunkRetry()
	m.AddFileFailure()
	m.LogonsTotal.WithLabelValues("OK").Inc()

	status, body := get(t, "http://"+server.Addr()+"/metrics")
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", status)
	}
	for _, want := range []string{
		"# HELP",
		"go_",
		"process_",
		"depothaul_chunks_downloaded_total 1",
		"depothaul_bytes_downloaded_total 1024",
		"depothaul_chunk_retries_total 1",
		"depothaul_file_failures_total 1",
		"depothaul_logons_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestServer_Probes(t *testing.T) {
	ready := false
	server := NewServer("127.0.0.1:0", func() bool { return ready })
	if _, err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	}()

	if status, _ := get(t, "http://"+server.Addr()+"/healthz/liveness"); status != http.StatusOK {
		t.Errorf("liveness: expected 200, got %d", status)
	}
	if status, _ := get(t, "http://"+server.Addr()+"/healthz/readiness"); status != http.StatusServiceUnavailable {
		t.Errorf("readiness before logon: expected 503, got %d", status)
	}

	ready = true
	if status, _ := get(t, "http://"+server.Addr()+"/healthz/readiness"); status != http.StatusOK {
		t.Errorf("readiness after logon: expected 200, got %d", status)
	}
}

type stubIssuer struct {
	ticket []byte
	err    error
}

func (s stubIssuer) GetAppTicket(context.Context, uint32) ([]byte, error) {
	return s.ticket, s.err
}

func TestServer_TicketEndpoint(t *testing.T) {
	server := startServer(t, WithTicketIssuer(stubIssuer{ticket: []byte("proof")}))

	status, body := get(t, "http://"+server.Addr()+"/ticket?app=896660")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	want := base64.StdEncoding.EncodeToString([]byte("proof"))
	if strings.TrimSpace(body) != want {
		t.Errorf("ticket body = %q, want %q", strings.TrimSpace(body), want)
	}
}

func TestServer_TicketEndpointErrors(t *testing.T) {
	server := startServer(t, WithTicketIssuer(stubIssuer{err: errors.New("denied")}))

	if status, _ := get(t, "http://"+server.Addr()+"/ticket?app=abc"); status != http.StatusBadRequest {
		t.Errorf("bad app param: expected 400, got %d", status)
	}
	if status, _ := get(t, "http://"+server.Addr()+"/ticket?app=1"); status != http.StatusBadGateway {
		t.Errorf("issuer failure: expected 502, got %d", status)
	}
}

func TestServer_TicketEndpointDisabled(t *testing.T) {
	server := startServer(t)
	if status, _ := get(t, "http://"+server.Addr()+"/ticket?app=1"); status != http.StatusNotFound {
		t.Errorf("expected 404 when no issuer is wired, got %d", status)
	}
}

func TestServer_TokenEndpoint(t *testing.T) {
	sess := session.Session{Username: "gabe", RefreshToken: "tok"}
	server := startServer(t, WithSessionSource(func() (session.Session, bool) {
		return sess, true
	}))

	status, body := get(t, "http://"+server.Addr()+"/token")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var got session.Session
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if got != sess {
		t.Errorf("token response = %+v, want %+v", got, sess)
	}
}

func TestServer_TokenEndpointNotLoggedOn(t *testing.T) {
	server := startServer(t, WithSessionSource(func() (session.Session, bool) {
		return session.Session{}, false
	}))
	if status, _ := get(t, "http://"+server.Addr()+"/token"); status != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", status)
	}
}

func TestServer_StartTwice(t *testing.T) {
	server := startServer(t)
	if _, err := server.Start(); err == nil {
		t.Error("second Start must fail while running")
	}
}

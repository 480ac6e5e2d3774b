package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/swarmops/swarmops/internal/core"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", 5*time.Second, nil)
}

func TestSpawnSession_KeyInDetails(t *testing.T) {
	t.Parallel()
	var gotAuth string
	var gotReq invokeRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(`{"result":{"details":{"status":"ok","childSessionKey":"sess-abc","runId":"gw-run-1"}}}`))
	})

	receipt, err := client.SpawnSession(context.Background(), core.SpawnArgs{
		Task:  "do the thing",
		Label: "worker-w1-123-ab1c",
	})
	if err != nil {
		t.Fatalf("SpawnSession: %v", err)
	}
	if receipt.SessionKey != "sess-abc" {
		t.Errorf("SessionKey = %q, want sess-abc", receipt.SessionKey)
	}
	if receipt.GatewayRun != "gw-run-1" {
		t.Errorf("GatewayRun = %q, want gw-run-1", receipt.GatewayRun)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReq.Tool != "sessions_spawn" {
		t.Errorf("Tool = %q", gotReq.Tool)
	}
}

func TestSpawnSession_KeyAtTopLevel(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"childSessionKey":"sess-top"}}`))
	})

	receipt, err := client.SpawnSession(context.Background(), core.SpawnArgs{Task: "t", Label: "l"})
	if err != nil {
		t.Fatalf("SpawnSession: %v", err)
	}
	if receipt.SessionKey != "sess-top" {
		t.Errorf("SessionKey = %q, want sess-top", receipt.SessionKey)
	}
}

func TestSpawnSession_GatewayError(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"details":{"status":"error","error":"model unavailable"}}}`))
	})

	_, err := client.SpawnSession(context.Background(), core.SpawnArgs{Task: "t", Label: "l"})
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != core.CodeSpawnError {
		t.Fatalf("err = %v, want SPAWN_ERROR", err)
	}
}

func TestSpawnSession_MissingKey(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"details":{"status":"ok"}}}`))
	})

	_, err := client.SpawnSession(context.Background(), core.SpawnArgs{Task: "t", Label: "l"})
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != core.CodeSpawnError {
		t.Fatalf("err = %v, want SPAWN_ERROR for missing key", err)
	}
}

func TestSpawnSession_HTTPStatus(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream busy", http.StatusBadGateway)
	})

	_, err := client.SpawnSession(context.Background(), core.SpawnArgs{Task: "t", Label: "l"})
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != "HTTP_502" {
		t.Fatalf("err = %v, want HTTP_502", err)
	}
	if !domErr.Retryable {
		t.Error("5xx should be retryable")
	}
}

func TestListSessions(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Tool != "sessions_list" {
			t.Errorf("Tool = %q", req.Tool)
		}
		w.Write([]byte(`{"result":{"details":{"sessions":[
			{"key":"sess-1","totalTokens":1200,"model":"agent-large","messages":[{"stopReason":""},{"stopReason":"end_turn"}]},
			{"sessionKey":"sess-2","totalTokens":0,"messages":[]}
		]}}}`))
	})

	sessions, err := client.ListSessions(context.Background(), 50, 2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(sessions))
	}
	if sessions[0].Key != "sess-1" || sessions[0].StopReason != "end_turn" || sessions[0].Messages != 2 {
		t.Errorf("sessions[0] = %+v", sessions[0])
	}
	if !sessions[0].IsRunning() {
		t.Error("sessions[0] should be running")
	}
	if sessions[1].Key != "sess-2" {
		t.Errorf("sessions[1].Key = %q, want sess-2 (alternate spelling)", sessions[1].Key)
	}
	if sessions[1].IsRunning() {
		t.Error("sessions[1] should not be running")
	}
}

func TestListSessions_EmptyDetails(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{}}`))
	})

	sessions, err := client.ListSessions(context.Background(), 10, 1)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("len = %d, want 0", len(sessions))
	}
}

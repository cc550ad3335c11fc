package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agent-gateway/backend/internal/autherr"
)

func TestRemoteEngine_Check(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/check" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req checkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		allowed := req.Subject == "user:alice" && req.Relation == "viewer" && req.Object == "doc:1"
		_ = json.NewEncoder(w).Encode(checkResponse{Allowed: allowed})
	}))
	defer srv.Close()

	eng := NewRemoteEngine(srv.URL, time.Second)
	ctx := context.Background()

	ok, err := eng.Check(ctx, "user:alice", "viewer", "doc:1")
	if err != nil || !ok {
		t.Errorf("granted triple = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = eng.Check(ctx, "user:bob", "viewer", "doc:1")
	if err != nil || ok {
		t.Errorf("denied triple = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestRemoteEngine_NonOKStatusIsBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	eng := NewRemoteEngine(srv.URL, time.Second)
	_, err := eng.Check(context.Background(), "user:alice", "viewer", "doc:1")
	if !errors.Is(err, autherr.ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestRemoteEngine_UnreachableIsBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	eng := NewRemoteEngine(srv.URL, 200*time.Millisecond)
	_, err := eng.Check(context.Background(), "user:alice", "viewer", "doc:1")
	if !errors.Is(err, autherr.ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}
}

package mcp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPTransportSessionAffinity(t *testing.T) {
	var seenSessions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenSessions = append(seenSessions, r.Header.Get("Mcp-Session"))
		w.Header().Set("Mcp-Session", "sess-1")

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Response{
			JSONRPC: jsonrpcVersion,
			ID:      req.ID,
			Result:  json.RawMessage(`{"ok":true}`),
		})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})

	for i := range 2 {
		resp, err := tr.Send(t.Context(), NewRequest(int64(i+1), "ping", nil))
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		if resp.Error != nil {
			t.Fatalf("unexpected RPC error: %v", resp.Error)
		}
	}

	if seenSessions[0] != "" {
		t.Errorf("first request carried session %q, want none", seenSessions[0])
	}
	if seenSessions[1] != "sess-1" {
		t.Errorf("second request session = %q, want sess-1", seenSessions[1])
	}
}

func TestHTTPTransportServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	if _, err := tr.Send(t.Context(), NewRequest(1, "ping", nil)); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestHTTPTransportNotifyAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	if err := tr.Notify(t.Context(), NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}

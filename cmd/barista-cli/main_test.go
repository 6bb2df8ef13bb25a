package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-barista/internal/orders"
	"github.com/loqalabs/loqa-barista/internal/protocol"
)

type fakeServer struct {
	status  orders.Status
	updates []orders.Status
}

func (f *fakeServer) handler() http.Handler {
	view := func() protocol.OrderView {
		return protocol.OrderView{Number: 1001, Phone: "********4567", Status: f.status, Drinks: 2, CreatedAt: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders/in_progress.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]protocol.OrderView{view()})
	})
	mux.HandleFunc("GET /api/orders/1001", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(view())
	})
	mux.HandleFunc("GET /api/orders/{n}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "order not found: #" + r.PathValue("n")})
	})
	mux.HandleFunc("POST /api/orders/1001/status", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.StatusUpdate
		json.NewDecoder(r.Body).Decode(&req)
		f.updates = append(f.updates, req.Status)
		f.status = req.Status
		json.NewEncoder(w).Encode(view())
	})
	return mux
}

func runCLI(t *testing.T, srv *httptest.Server, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{args[0], "-server", srv.URL}, args[1:]...)
	code := run(full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestListAndAdvance(t *testing.T) {
	f := &fakeServer{status: orders.StatusPlaced}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	code, out, errOut := runCLI(t, srv, "list")
	if code != 0 || !strings.Contains(out, "1001") || !strings.Contains(out, "placed") {
		t.Fatalf("list: code %d out %q err %q", code, out, errOut)
	}

	code, out, _ = runCLI(t, srv, "advance", "1001")
	if code != 0 || strings.TrimSpace(out) != "order #1001 is now preparing" {
		t.Fatalf("advance: code %d out %q", code, out)
	}

	code, out, _ = runCLI(t, srv, "status", "#1001", "READY")
	if code != 0 || !strings.Contains(out, "ready") {
		t.Fatalf("status: code %d out %q", code, out)
	}
	if len(f.updates) != 2 || f.updates[1] != orders.StatusReady {
		t.Fatalf("unexpected updates %v", f.updates)
	}
}

func TestCommandErrors(t *testing.T) {
	f := &fakeServer{status: orders.StatusCompleted}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	if code, _, errOut := runCLI(t, srv, "advance", "1001"); code != 1 || !strings.Contains(errOut, "already completed") {
		t.Fatalf("advance completed: code %d err %q", code, errOut)
	}
	if code, _, errOut := runCLI(t, srv, "advance", "42"); code != 1 || !strings.Contains(errOut, "order not found") {
		t.Fatalf("advance missing: code %d err %q", code, errOut)
	}
	if code, _, _ := runCLI(t, srv, "status", "1001", "brewing"); code != 1 {
		t.Fatalf("bad status accepted: code %d", code)
	}
	if code, _, _ := runCLI(t, srv, "advance", "abc"); code != 1 {
		t.Fatalf("bad number accepted: code %d", code)
	}
	if code := run([]string{"frobnicate"}, &bytes.Buffer{}, &bytes.Buffer{}); code != 2 {
		t.Fatalf("unknown command: code %d", code)
	}

	var out bytes.Buffer
	if code := run([]string{"version"}, &out, &bytes.Buffer{}); code != 0 || strings.TrimSpace(out.String()) != version {
		t.Fatalf("version: code %d out %q", code, out.String())
	}
}

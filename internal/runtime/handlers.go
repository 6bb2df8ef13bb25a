package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-barista/internal/bridge"
	"github.com/loqalabs/loqa-barista/internal/calls"
	"github.com/loqalabs/loqa-barista/internal/config"
	"github.com/loqalabs/loqa-barista/internal/events"
	"github.com/loqalabs/loqa-barista/internal/eventstore"
	"github.com/loqalabs/loqa-barista/internal/orders"
	"github.com/loqalabs/loqa-barista/internal/protocol"
	"github.com/loqalabs/loqa-barista/internal/telephony"
)

const (
	ssePingInterval = 25 * time.Second
	timelineLimit   = 500
)

// timelineReader reads back the recorded call timeline.
type timelineReader interface {
	GetCall(ctx context.Context, callSID string) (eventstore.Call, error)
	ListCallEvents(ctx context.Context, callSID string, limit int) ([]eventstore.Event, error)
}

// api serves the telephony webhooks, the staff order API and the live
// order feed.
type api struct {
	cfg     config.Config
	log     *slog.Logger
	store   *orders.Store
	service *orders.Service
	events  *events.Bus
	calls   *calls.Registry
	bridge  *bridge.Bridge
	history timelineReader
	ready   func() bool

	pingInterval time.Duration
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/readyz", a.handleReady)

	mux.HandleFunc("POST /voice", a.handleVoice)
	mux.HandleFunc("GET /voice", a.handleVoice)
	mux.HandleFunc("GET "+a.streamPath(), a.handleMediaStream)

	mux.HandleFunc("GET /orders.json", a.handleOrders)
	mux.HandleFunc("GET /orders/in_progress.json", a.handleInProgress)
	mux.HandleFunc("GET /orders/events", a.handleOrderEvents)
	mux.HandleFunc("GET /calls.json", a.handleCalls)
	mux.HandleFunc("GET /calls/{sid}/timeline", a.handleTimeline)
	mux.HandleFunc("GET /api/orders/{number}", a.handleGetOrder)
	mux.HandleFunc("POST /api/orders/{number}/status", a.handleSetStatus)
	mux.HandleFunc("POST /api/orders/{number}/done", a.handleDone)
	return mux
}

func (a *api) streamPath() string {
	path := a.cfg.Telephony.Path
	if path == "" {
		path = "/twilio"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if (a.ready == nil || a.ready()) && a.calls.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// handleVoice answers Twilio's incoming call webhook by connecting the
// call to the media stream endpoint.
func (a *api) handleVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	host := a.cfg.HTTP.PublicHost
	if host == "" {
		host = r.Host
	}
	scheme := a.cfg.HTTP.WSScheme
	if scheme == "" {
		scheme = "ws"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "wss"
		}
	}
	stream := twimlStream{URL: fmt.Sprintf("%s://%s%s", scheme, host, a.streamPath())}
	if sid := r.FormValue("CallSid"); sid != "" {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: "call_sid", Value: sid})
	}
	if from := r.FormValue("From"); from != "" {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: "from", Value: from})
	}

	body, err := xml.Marshal(twimlResponse{Connect: twimlConnect{Stream: stream}})
	if err != nil {
		http.Error(w, "twiml encode failed", http.StatusInternalServerError)
		return
	}
	a.log.Info("incoming call",
		slog.String("call_sid", r.FormValue("CallSid")),
		slog.String("from", orders.MaskPhone(r.FormValue("From"))))
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

func (a *api) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	release, ok := a.calls.Admit()
	if !ok {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer release()
	writeTimeout := time.Duration(a.cfg.Telephony.WriteTimeout) * time.Millisecond
	conn, err := telephony.Upgrade(w, r, a.log, writeTimeout)
	if err != nil {
		a.log.Warn("media stream upgrade failed", slog.String("error", err.Error()))
		return
	}
	// The request context ends with the handler; the registry cancels calls
	// on shutdown.
	if err := a.bridge.Run(context.WithoutCancel(r.Context()), conn); err != nil {
		a.log.Warn("call failed", slog.String("error", err.Error()))
	}
}

func (a *api) handleOrders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.NewOrderViews(a.store.List()))
}

func (a *api) handleInProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.NewOrderViews(a.store.InProgress()))
}

func (a *api) handleCalls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.calls.List())
}

func (a *api) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Error: "call history is not recorded"})
		return
	}
	sid := r.PathValue("sid")
	c, err := a.history.GetCall(r.Context(), sid)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Error: "unknown call " + sid})
		return
	}
	if err != nil {
		a.log.Error("call lookup failed", slog.String("call_sid", sid), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: "call lookup failed"})
		return
	}
	evts, err := a.history.ListCallEvents(r.Context(), sid, timelineLimit)
	if err != nil {
		a.log.Error("timeline lookup failed", slog.String("call_sid", sid), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: "timeline lookup failed"})
		return
	}

	view := protocol.CallTimeline{
		CallSID:     c.CallSID,
		StreamSID:   c.StreamSID,
		Caller:      orders.MaskPhone(c.Caller),
		Outcome:     c.Outcome,
		OrderNumber: c.OrderNumber,
		StartedAt:   c.StartedAt,
		Events:      make([]protocol.TimelineEntry, 0, len(evts)),
	}
	if !c.EndedAt.IsZero() {
		ended := c.EndedAt
		view.EndedAt = &ended
	}
	for _, e := range evts {
		entry := protocol.TimelineEntry{Type: e.Type, At: e.CreatedAt}
		if json.Valid(e.Payload) {
			entry.Payload = e.Payload
		}
		view.Events = append(view.Events, entry)
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	number, ok := orderNumber(w, r)
	if !ok {
		return
	}
	o, err := a.store.Get(number)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewOrderView(o))
}

func (a *api) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	number, ok := orderNumber(w, r)
	if !ok {
		return
	}
	var req protocol.StatusUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "invalid request body"})
		return
	}
	if !req.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: fmt.Sprintf("unknown status %q", req.Status)})
		return
	}
	o, err := a.service.SetStatus(number, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewOrderView(o))
}

func (a *api) handleDone(w http.ResponseWriter, r *http.Request) {
	number, ok := orderNumber(w, r)
	if !ok {
		return
	}
	o, err := a.service.MarkReady(number)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewOrderView(o))
}

// handleOrderEvents streams order events as server-sent events.
func (a *api) handleOrderEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	sub := a.events.Subscribe(ctx, 0)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	interval := a.pingInterval
	if interval <= 0 {
		interval = ssePingInterval
	}
	ping := time.NewTicker(interval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, "event: ping\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(protocol.OrderEvent{
				ID:    evt.ID,
				Type:  evt.Kind,
				Order: protocol.NewOrderView(evt.Order),
				At:    evt.At,
			})
			if err != nil {
				a.log.Warn("failed to encode order event", slog.String("error", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func orderNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || n < 1 {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "order number must be a positive integer"})
		return 0, false
	}
	return n, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orders.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orders.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, orders.ErrValidation):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, protocol.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

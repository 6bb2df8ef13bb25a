// Package calls tracks the calls currently bridged by this process.
package calls

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-barista/internal/orders"
	"github.com/loqalabs/loqa-barista/internal/protocol"
	"github.com/loqalabs/loqa-barista/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type entry struct {
	sess   *session.Session
	cancel context.CancelFunc
}

type Registry struct {
	log      *slog.Logger
	mu       sync.RWMutex
	calls    map[string]*entry
	draining bool
	admitted sync.WaitGroup

	meter metric.Meter
	gauge metric.Int64ObservableGauge
}

func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{
		log:   log.With(slog.String("component", "call-registry")),
		calls: make(map[string]*entry),
		meter: otel.Meter("github.com/loqalabs/loqa-barista/calls"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Register tracks sess until the returned func is called. cancel ends the
// call when the registry shuts down.
func (r *Registry) Register(sess *session.Session, cancel context.CancelFunc) func() {
	key := sess.CallSID()
	e := &entry{sess: sess, cancel: cancel}

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		cancel()
		return func() {}
	}
	if old, ok := r.calls[key]; ok {
		r.log.Warn("replacing duplicate call", slog.String("call_sid", key))
		old.cancel()
	}
	r.calls[key] = e
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.calls[key]; ok && cur == e {
			delete(r.calls, key)
		}
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// List returns the active calls, oldest first.
func (r *Registry) List() []protocol.CallView {
	r.mu.RLock()
	views := make([]protocol.CallView, 0, len(r.calls))
	for _, e := range r.calls {
		snap := e.sess.Snapshot()
		views = append(views, protocol.CallView{
			CallSID:     snap.CallSID,
			StreamSID:   snap.StreamSID,
			Caller:      orders.MaskPhone(e.sess.Caller()),
			Phase:       string(snap.Phase),
			CartSize:    snap.CartSize,
			OrderNumber: snap.OrderNumber,
			StartedAt:   snap.CreatedAt,
		})
	}
	r.mu.RUnlock()
	sort.Slice(views, func(i, j int) bool {
		if views[i].StartedAt.Equal(views[j].StartedAt) {
			return views[i].CallSID < views[j].CallSID
		}
		return views[i].StartedAt.Before(views[j].StartedAt)
	})
	return views
}

// CancelAll ends every call and refuses new ones.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
	for _, e := range r.calls {
		e.cancel()
	}
}

// Admit reserves room for a call before its transport is accepted. It
// fails once CancelAll has run. release must be called when the call ends.
func (r *Registry) Admit() (release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return func() {}, false
	}
	r.admitted.Add(1)
	var once sync.Once
	return func() { once.Do(r.admitted.Done) }, true
}

// Wait blocks until every admitted call has been released or ctx ends.
// Call it after CancelAll.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.admitted.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Healthy reports whether new calls are accepted.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.draining
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("barista.calls.active", metric.WithDescription("Calls currently bridged"))
	if err != nil {
		return err
	}
	r.gauge = gauge
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(r.Count()))
		return nil
	}, gauge)
	return err
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-barista/internal/agent"
	"github.com/loqalabs/loqa-barista/internal/bridge"
	"github.com/loqalabs/loqa-barista/internal/bus"
	"github.com/loqalabs/loqa-barista/internal/calls"
	"github.com/loqalabs/loqa-barista/internal/config"
	"github.com/loqalabs/loqa-barista/internal/dispatch"
	"github.com/loqalabs/loqa-barista/internal/events"
	"github.com/loqalabs/loqa-barista/internal/eventstore"
	"github.com/loqalabs/loqa-barista/internal/natsserver"
	"github.com/loqalabs/loqa-barista/internal/notify"
	"github.com/loqalabs/loqa-barista/internal/orders"
	"github.com/loqalabs/loqa-barista/internal/twilio"
)

const (
	pruneInterval = time.Hour
	drainTimeout  = 10 * time.Second
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	es, err := eventstore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer es.Close()
	if err := es.Ensure(); err != nil {
		return fmt.Errorf("event store inconsistent: %w", err)
	}

	store := orders.NewStore(r.cfg.Orders, es, r.logger)
	defer store.Close()
	evBus := events.NewBus(r.cfg.Events, r.logger)
	defer evBus.Close()

	var tw *twilio.Client
	if r.cfg.Twilio.AccountSID != "" || r.cfg.Twilio.AuthToken != "" {
		if tw, err = twilio.New(r.cfg.Twilio, nil); err != nil {
			return fmt.Errorf("failed to configure twilio: %w", err)
		}
	}
	sender, err := notify.NewSender(r.cfg.SMS, tw, r.logger)
	if err != nil {
		return fmt.Errorf("failed to configure sms: %w", err)
	}
	notifier := notify.New(r.cfg.SMS, sender, r.logger)
	defer notifier.Close()

	service := orders.NewService(store, evBus, notifier, r.logger)
	notifier.OnSent(service.RecordNotification)
	dispatcher := dispatch.New(r.cfg.Orders, store, evBus, notifier, r.logger)
	registry := calls.NewRegistry(r.logger)

	dial, err := r.agentDialer()
	if err != nil {
		return err
	}
	var hangup bridge.Hangup
	if tw != nil {
		hangup = tw
	}
	br := bridge.New(r.cfg, dial, dispatcher, registry, es, hangup, r.logger)

	stopBus, busHealthy, err := r.startBus(ctx, evBus)
	if err != nil {
		return err
	}
	defer stopBus()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx, es)
	}()

	a := &api{
		cfg:     r.cfg,
		log:     r.logger.With(slog.String("component", "http")),
		store:   store,
		service: service,
		events:  evBus,
		calls:   registry,
		bridge:  br,
		history: es,
		ready: func() bool {
			return r.ready.Load() && busHealthy()
		},
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if h := tel.MetricsHandler(); h != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", h)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("agent_mode", r.cfg.Agent.Mode),
		slog.String("sms_mode", r.cfg.SMS.Mode),
		slog.Int("first_order_number", r.cfg.Orders.FirstNumber))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping",
		slog.Int("active_calls", registry.Count()),
		slog.Int("order_subscribers", evBus.Count()))

	registry.CancelAll()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	if err := registry.Wait(shutdownCtx); err != nil {
		r.logger.Warn("calls still active at shutdown", slog.Int("active_calls", registry.Count()))
	}
	r.wg.Wait()

	if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) agentDialer() (bridge.AgentDialer, error) {
	switch strings.ToLower(r.cfg.Agent.Mode) {
	case "echo":
		r.logger.Warn("agent running in echo mode, callers hear themselves")
		return func(context.Context) (bridge.AgentStream, error) {
			return agent.NewEcho(r.cfg.Agent.QueueSize), nil
		}, nil
	case "", "deepgram":
		prompt, err := agent.LoadPrompt(r.cfg.Agent.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load agent prompt: %w", err)
		}
		settings := agent.BuildSettings(r.cfg.Agent, prompt, dispatch.Functions())
		return func(ctx context.Context) (bridge.AgentStream, error) {
			c, err := agent.Dial(ctx, r.cfg.Agent, settings, r.logger)
			if err != nil {
				return nil, err
			}
			return c, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported agent mode %q", r.cfg.Agent.Mode)
	}
}

// startBus starts the embedded broker and the order event relay when the
// bus is enabled. It returns a func that stops both and a health probe for
// the NATS connection.
func (r *Runtime) startBus(ctx context.Context, evBus *events.Bus) (func(), func() bool, error) {
	if !r.cfg.Bus.Enabled {
		return func() {}, func() bool { return true }, nil
	}
	cfg := r.cfg.Bus
	ns, err := natsserver.Start(cfg, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	if ns != nil {
		cfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, cfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	relayCtx, cancelRelay := context.WithCancel(ctx)
	relay := bus.NewRelay(evBus, client, cfg.SubjectPrefix, r.cfg.Events.SubscriberBuffer, r.logger)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Run(relayCtx)
	}()

	stop := func() {
		cancelRelay()
		wg.Wait()
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := client.Flush(flushCtx); err != nil {
			r.logger.Warn("nats flush failed", slog.String("error", err.Error()))
		}
		cancel()
		client.Close()
		ns.Shutdown()
	}
	return stop, client.Healthy, nil
}

func (r *Runtime) pruneLoop(ctx context.Context, es *eventstore.Store) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := es.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

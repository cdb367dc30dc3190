package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/loqalabs/accessbridge/internal/analysis"
	"github.com/loqalabs/accessbridge/internal/api"
	"github.com/loqalabs/accessbridge/internal/bus"
	"github.com/loqalabs/accessbridge/internal/config"
	"github.com/loqalabs/accessbridge/internal/eventstore"
	"github.com/loqalabs/accessbridge/internal/natsserver"
	"github.com/loqalabs/accessbridge/internal/session"
	"github.com/loqalabs/accessbridge/internal/stt"
	"github.com/loqalabs/accessbridge/internal/tts"
)

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	natsServer    *natsserver.EmbeddedServer
	bus           *bus.Client
	store         *eventstore.Store
	session       *session.Session
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessionID := uuid.NewString()
	tel, err := setupTelemetry(r.cfg, r.version, sessionID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown

	if err := r.startBus(ctx); err != nil {
		r.shutdown()
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	deps, err := r.dependencies(sessionID)
	if err != nil {
		r.shutdown()
		return err
	}
	r.session = session.New(ctx, r.cfg, deps, r.logger)
	if err := r.session.Start(); err != nil {
		r.shutdown()
		return fmt.Errorf("failed to start session: %w", err)
	}

	hub := api.NewHub(r.logger)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		hub.Run(ctx)
	}()
	unfollow := hub.Follow(r.session)
	defer unfollow()

	e := api.NewServer(r.session, hub, r.ready.Load, r.metricsForAPI(tel), r.logger)
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(e, r.cfg.RuntimeName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("session_id", sessionID))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	r.wg.Wait()
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.natsServer = srv
	if url := srv.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

// dependencies builds the devices the session drives. Disabled devices stay
// nil so the session reports them as unsupported.
func (r *Runtime) dependencies(sessionID string) (session.Dependencies, error) {
	deps := session.Dependencies{
		SessionID: sessionID,
		Bus:       r.bus,
		Journal:   r.store,
	}
	if r.cfg.TTS.Enabled {
		synth, err := tts.NewSynthesizer(r.cfg.TTS)
		if err != nil {
			return deps, fmt.Errorf("failed to build synthesizer: %w", err)
		}
		deps.Speech = tts.NewBusDevice(r.cfg.TTS, sessionID, r.bus, synth, r.logger)
	}
	if r.cfg.STT.Enabled {
		transcriber, err := stt.NewTranscriber(r.cfg.STT)
		if err != nil {
			return deps, fmt.Errorf("failed to build transcriber: %w", err)
		}
		deps.Recognition = stt.NewBusDevice(r.cfg.STT, r.bus, transcriber, r.logger)
	}
	client := analysis.NewClient(r.cfg.Analysis)
	deps.Analysis = client
	deps.Prober = client
	return deps, nil
}

// shutdown releases whatever Start managed to bring up, newest first.
func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.session != nil {
		r.session.Close()
	}
	if err := r.store.Close(); err != nil {
		r.logger.Error("event store close error", slog.String("error", err.Error()))
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

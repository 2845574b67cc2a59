package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cexll/ticketbridge/internal/bridge"
	"github.com/cexll/ticketbridge/internal/chat"
	"github.com/cexll/ticketbridge/internal/config"
	"github.com/cexll/ticketbridge/internal/dispatcher"
	"github.com/cexll/ticketbridge/internal/logging"
	"github.com/cexll/ticketbridge/internal/mapping"
	"github.com/cexll/ticketbridge/internal/passlog"
	"github.com/cexll/ticketbridge/internal/scheduler"
	"github.com/cexll/ticketbridge/internal/storage"
	"github.com/cexll/ticketbridge/internal/tracker"
	"github.com/cexll/ticketbridge/internal/web"
	"github.com/cexll/ticketbridge/internal/webhook"
)

// service is the process-wide object graph shared by every command.
type service struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  mapping.Store
	engine *bridge.Engine
	passes *passlog.Store
	runner *scheduler.Runner
}

// setup loads configuration and builds the engine and its collaborators.
func setup(ctx context.Context, configPath string) (*service, error) {
	// Load .env file (ignore error if file doesn't exist)
	_ = loadDotEnv()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Writer: logOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zlog.Logger = logger

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping store: %w", err)
	}

	svc, err := newService(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return svc, nil
}

func newService(cfg *config.Config, store mapping.Store, logger zerolog.Logger) (*service, error) {
	jira, err := tracker.NewClient(tracker.Config{
		BaseURL:    cfg.Jira.URL,
		Email:      cfg.Jira.Email,
		APIToken:   cfg.Jira.APIToken,
		Timeout:    cfg.Jira.Timeout,
		RateLimit:  cfg.Jira.RateLimit,
		MaxResults: cfg.Jira.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Jira client: %w", err)
	}

	slack, err := chat.NewClient(chat.Config{
		APIURL:   cfg.Slack.APIURL,
		BotToken: cfg.Slack.BotToken,
		Timeout:  cfg.Slack.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Slack client: %w", err)
	}

	engine, err := bridge.New(bridge.Config{
		AccountID:         cfg.Jira.AccountID,
		TerminalStatuses:  cfg.Jira.TerminalStatuses,
		ChannelID:         cfg.Slack.ChannelID,
		CounterpartUserID: cfg.Slack.CounterpartUserID,
		Concurrency:       cfg.Poll.Concurrency,
		CallTimeout:       cfg.Poll.CallTimeout,
		ProbeAttachments:  cfg.Poll.ProbeAttachments,
	}, jira, slack, store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	passes := passlog.NewStore(passlog.DefaultCapacity)
	return &service{
		cfg:    cfg,
		logger: logger,
		store:  store,
		engine: engine,
		passes: passes,
		runner: scheduler.NewRunner(engine, passes, logger),
	}, nil
}

func (s *service) Close() error {
	return s.store.Close()
}

// run serves the inbound endpoint and runs the poll scheduler until ctx is
// cancelled or the server stops.
func run(ctx context.Context, configPath string, serve func(context.Context, string, http.Handler) error) error {
	svc, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer svc.Close()

	cfg := svc.cfg
	logger := svc.logger
	logger.Info().
		Str("version", version).
		Int("port", cfg.Port).
		Str("jira", cfg.Jira.URL).
		Str("channel", cfg.Slack.ChannelID).
		Str("store", cfg.Store.Driver).
		Str("scheduler", cfg.Poll.Scheduler).
		Dur("interval", cfg.Poll.Interval).
		Msg("starting ticketbridge")

	// Inbound replies are relayed off the request path.
	replies := newDispatcher(svc.engine, dispatcher.Config{
		Workers:        cfg.Dispatcher.Workers,
		QueueSize:      cfg.Dispatcher.QueueSize,
		MaxAttempts:    cfg.Dispatcher.MaxAttempts,
		InitialBackoff: cfg.DispatcherRetryInitial(),
	}, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		replies.Shutdown(shutdownCtx)
	}()

	events := webhook.NewHandler(webhook.Config{
		SigningSecret:     cfg.Slack.SigningSecret,
		ChannelID:         cfg.Slack.ChannelID,
		CounterpartUserID: cfg.Slack.CounterpartUserID,
		BotUserID:         cfg.Slack.BotUserID,
		MaxSkew:           cfg.Slack.MaxSkew,
	}, replies, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	status := web.NewHandler(gctx, svc.passes, svc.runner, logger)
	defer status.Wait()
	r := newRouter(svc, events, status)

	if err := startScheduler(gctx, g, svc); err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info().Str("addr", addr).Msg("server listening")
	g.Go(func() error {
		defer cancel()
		if err := serve(gctx, addr, r); err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func newRouter(svc *service, events *webhook.Handler, status *web.Handler) *mux.Router {
	r := mux.NewRouter()

	// Slack Events API endpoint; the handler rejects non-POST itself.
	r.HandleFunc("/slack/events", events.Handle)

	status.RegisterRoutes(r)

	// Health check endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	// Root endpoint with info
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"service":"ticketbridge","status":"running","version":%q,"query":%q}`, version, svc.engine.Query())
	}).Methods(http.MethodGet)

	return r
}

// startScheduler launches the configured forward pass trigger in g.
func startScheduler(ctx context.Context, g *errgroup.Group, svc *service) error {
	cfg := svc.cfg.Poll
	switch cfg.Scheduler {
	case "none":
		svc.logger.Info().Msg("no poll scheduler; passes run only on POST /poll")
		return nil
	case "ticker":
		t := scheduler.NewTicker(svc.runner, cfg.Interval, svc.logger)
		g.Go(func() error { return t.Start(ctx) })
		return nil
	case "river":
		pp, ok := svc.store.(storage.PoolProvider)
		if !ok {
			return errors.New("river scheduler requires the postgres store")
		}
		rs, err := scheduler.NewRiverScheduler(ctx, pp.Pool(), svc.runner, cfg.Interval, svc.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize river scheduler: %w", err)
		}
		g.Go(func() error { return rs.Start(ctx) })
		return nil
	default:
		return fmt.Errorf("unknown scheduler %q", cfg.Scheduler)
	}
}

// listenAndServe serves until ctx is cancelled, then shuts down gracefully.
func listenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"playgrid/syncd/internal/audit"
	"playgrid/syncd/internal/auth"
	"playgrid/syncd/internal/bus"
	"playgrid/syncd/internal/chat"
	"playgrid/syncd/internal/config"
	"playgrid/syncd/internal/games"
	"playgrid/syncd/internal/gamestate"
	"playgrid/syncd/internal/httpapi"
	"playgrid/syncd/internal/journal"
	"playgrid/syncd/internal/logging"
	"playgrid/syncd/internal/metrics"
	"playgrid/syncd/internal/ratelimit"
	"playgrid/syncd/internal/reconnect"
	"playgrid/syncd/internal/registry"
	"playgrid/syncd/internal/rooms"
	"playgrid/syncd/internal/store"
)

const (
	shutdownGrace      = 10 * time.Second
	tokenLeeway        = 30 * time.Second
	janitorInterval    = time.Minute
	journalSweepPeriod = time.Hour
	adminWindow        = time.Minute
	adminBudget        = 10
)

var journalRetention = journal.RetentionPolicy{
	MaxRooms: 200,
	MaxAge:   7 * 24 * time.Hour,
}

func main() {
	//1.- A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncd: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncd: logging setup failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("syncd exited", logging.Error(err))
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	processID := uuid.NewString()
	logger = logger.With(logging.String("process_id", processID))

	backing, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	eventBus, closeBus, err := buildBus(cfg, processID, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	verifier := auth.NewVerifier(cfg.TokenSecret, tokenLeeway)
	if verifier.GuestMode() {
		logger.Warn("no token secret configured, accepting guest connections")
	}

	limiter := ratelimit.NewLimiter(backing)
	roomManager := rooms.NewManager(backing, cfg.RoomStateTTL)
	states := gamestate.New(backing, eventBus, cfg.RoomStateTTL, gamestate.WithHistoryLimit(cfg.HistoryLimit))
	chatService := chat.NewService(backing, eventBus, limiter, ChatRules, cfg.ChatHistoryLimit, cfg.RoomStateTTL)
	collector := metrics.NewCollector()
	auditor := audit.NewReporter(backing, eventBus, logger)

	//1.- The gateway and its callbacks reference each other; the closures
	// resolve gw after construction.
	var gw *Gateway
	retries := reconnect.New(cfg.ReconnectBaseDelay, cfg.ReconnectMaxAttempts,
		reconnect.WithRetryCallback(func(connID string, attempt int) {
			if gw != nil {
				gw.HandleRetryProbe(connID, attempt)
			}
		}),
		reconnect.WithGiveUpCallback(func(connID string) {
			if gw != nil {
				gw.HandleGiveUp(connID)
			}
		}),
	)
	defer retries.Close()

	sessions := registry.New(backing, processID, cfg.SessionTTL, cfg.ReapThreshold,
		registry.WithReapCallback(func(session registry.Session) {
			if gw != nil {
				gw.HandleReapedSession(session)
			}
		}),
	)

	gw = NewGateway(GatewayDeps{
		Config:    cfg,
		Logger:    logger,
		Store:     backing,
		Bus:       eventBus,
		Registry:  sessions,
		Rooms:     roomManager,
		States:    states,
		Engine:    games.NewEngine(),
		Limiter:   limiter,
		Chat:      chatService,
		Collector: collector,
		Audit:     auditor,
		Retries:   retries,
		Verifier:  verifier,
		ProcessID: processID,
	})

	sessions.StartSweeper(ctx, cfg.SweepInterval)
	go func() {
		if err := gw.ConsumeBus(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("bus consumer stopped", logging.Error(err))
		}
	}()

	recorder, cleaner := startJournal(ctx, cfg, processID, eventBus, states, logger)
	if recorder != nil {
		defer recorder.Close()
	}

	router := mux.NewRouter()
	router.Use(logging.HTTPTraceMiddleware(logger))
	opts := httpapi.Options{
		Logger:      logger,
		Readiness:   gw,
		Stats:       func() (int, int) { return gw.ClientCount(), gw.RoomCount() },
		Collector:   collector,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewAdminLimiter(adminWindow, adminBudget, nil),
	}
	if recorder != nil {
		opts.Journal = httpapi.JournalFlusherFunc(func(context.Context) (string, error) {
			return recorder.FlushAll()
		})
		opts.JournalStats = cleaner.Stats
	}
	httpapi.NewHandlerSet(opts).Register(router)
	router.HandleFunc("/ws", gw.ServeWS)

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("syncd listening", logging.String("addr", cfg.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", logging.Error(err))
	}
	return nil
}

// buildStore selects Redis when configured and otherwise the in-process store.
// A configured but unreachable Redis is fatal so a cluster never silently
// degrades to per-process state.
func buildStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store.Store, func(), error) {
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedis(ctx, cfg.RedisURL, cfg.StoreTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("using redis store")
		return redisStore, func() { _ = redisStore.Close() }, nil
	}
	memory := store.NewMemory()
	memory.StartJanitor(janitorInterval)
	logger.Info("using in-process store")
	return memory, func() { _ = memory.Close() }, nil
}

// buildBus selects the NATS-backed bus when configured, falling back to the
// in-process bus for single-node deployments.
func buildBus(cfg *config.Config, processID string, logger *logging.Logger) (bus.Bus, func(), error) {
	local := bus.NewInproc(bus.InprocConfig{})
	if cfg.NATSURL == "" {
		logger.Info("using in-process bus")
		return local, func() {}, nil
	}
	clustered, err := bus.NewNATS(cfg.NATSURL, processID, local,
		bus.WithNATSErrorHandler(func(err error) {
			logger.Warn("nats error", logging.Error(err))
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Info("using nats bus", logging.String("url", cfg.NATSURL))
	return clustered, func() { _ = clustered.Close() }, nil
}

// startJournal wires the event journal when a journal directory is
// configured. Returns nils when journalling is disabled.
func startJournal(ctx context.Context, cfg *config.Config, processID string, eventBus bus.Bus, states *gamestate.Store, logger *logging.Logger) (*journal.Recorder, *journal.Cleaner) {
	if cfg.JournalDir == "" {
		return nil, nil
	}

	snapshot := func(ctx context.Context, roomID string) ([]byte, uint64, error) {
		state, err := states.Read(ctx, roomID)
		if err != nil {
			return nil, 0, err
		}
		payload, err := json.Marshal(state)
		if err != nil {
			return nil, 0, err
		}
		return payload, state.Version, nil
	}

	recorder := journal.NewRecorder(cfg.JournalDir, snapshot, logger)
	sub, err := eventBus.Subscribe(ctx, "journal-"+processID, 256)
	if err != nil {
		logger.Error("journal subscription failed", logging.Error(err))
		return nil, nil
	}
	go recorder.Run(ctx, sub)

	cleaner := journal.NewCleaner(cfg.JournalDir, journalRetention, logger)
	go cleaner.Run(ctx, journalSweepPeriod)
	logger.Info("journalling enabled", logging.String("dir", cfg.JournalDir))
	return recorder, cleaner
}

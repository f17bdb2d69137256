package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"syncwake/internal/bus"
	"syncwake/internal/classify"
	"syncwake/internal/config"
	"syncwake/internal/debounce"
	"syncwake/internal/domain"
	"syncwake/internal/engine"
	"syncwake/internal/metrics"
	"syncwake/internal/notify"
	"syncwake/internal/source"
	"syncwake/internal/state"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch notes, poll chats and notify the agent",
		Long:  "Starts every enabled source and the sync engine. Press Ctrl+C to stop.",
		RunE:  runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := buildLogger(cfg.General, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log

	if err := os.MkdirAll(cfg.Sync.LogRoot, 0o755); err != nil {
		return fmt.Errorf("create log root: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := state.Open(stateConfig(cfg))
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer stores.Close()

	events := bus.NewEventBus(logger)

	if cfg.Metrics.Enabled {
		m := metrics.New()
		defer m.Subscribe(events)()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, cfg.Metrics.Path, m.Handler(), logger); err != nil {
				logger.Error("metrics server error", "err", err)
			}
		}()
	}

	eng, err := buildEngine(cfg, stores, events, logger)
	if err != nil {
		return err
	}

	logger.Info("syncwake started. Press Ctrl+C to stop.",
		"roots", cfg.Watch.Roots, "logRoot", cfg.Sync.LogRoot, "notify", cfg.Notify.Target)
	err = eng.Run(ctx)
	events.LogSummary(logger, "shutdown complete")
	return err
}

// buildEngine wires sources, syncer and notifier from the config.
func buildEngine(cfg *config.Config, stores *state.Stores, events *bus.EventBus, logger *slog.Logger) (*engine.Engine, error) {
	classifier := classify.New(classifierConfig(cfg))

	apis, err := buildChatAPIs(cfg, logger)
	if err != nil {
		return nil, err
	}
	sources := buildSources(cfg, apis, stores.Cursors, events, logger)
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources enabled: enable watch, sources.telegram or add a bridge")
	}

	invoker, err := notify.NewInvoker(cfg.Notify, logger)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}

	syncer := buildSyncer(cfg, apis, stores.Cursors, classifier, events, logger)
	notifier := notify.New(notify.Config{
		Cooldowns:   stores.Cooldowns,
		Invoker:     invoker,
		Window:      time.Duration(cfg.Sync.CooldownSeconds) * time.Second,
		RecentLines: cfg.Sync.RecentLines,
		Channel:     cfg.Notify.Channel,
		Recipient:   cfg.Notify.Recipient,
		Events:      events,
		Logger:      logger,
	})

	return engine.New(engine.Config{
		Sources:         sources,
		Classifier:      classifier,
		Syncer:          syncer,
		Notifier:        notifier,
		Debounce:        time.Duration(cfg.Sync.DebounceMillis) * time.Millisecond,
		ShutdownPolicy:  debounce.Policy(cfg.Sync.ShutdownPolicy),
		ShutdownTimeout: shutdownTimeout,
		Events:          events,
		Logger:          logger,
	}), nil
}

// buildSyncer bounds every fetch by the slowest configured call timeout.
func buildSyncer(cfg *config.Config, apis []chatAPI, cursors domain.CursorStore, classifier *classify.Classifier, events *bus.EventBus, logger *slog.Logger) *engine.Syncer {
	chatAPIs := make([]domain.ChatAPI, 0, len(apis))
	var timeout time.Duration
	for _, a := range apis {
		chatAPIs = append(chatAPIs, a.api)
		timeout = max(timeout, a.callTimeout)
	}
	return engine.NewSyncer(engine.SyncerConfig{
		Cursors:         cursors,
		APIs:            chatAPIs,
		Classifier:      classifier,
		LogRoot:         cfg.Sync.LogRoot,
		InitialBackfill: cfg.Sync.InitialBackfill,
		FetchTimeout:    timeout,
		Events:          events,
		Logger:          logger,
	})
}

func classifierConfig(cfg *config.Config) classify.Config {
	c := classify.Config{
		Roots:          cfg.Watch.Roots,
		IgnoreDirs:     cfg.Watch.IgnoreDirs,
		IgnorePatterns: cfg.Watch.IgnorePatterns,
		Extensions:     cfg.Watch.Extensions,
		SelfLabel:      cfg.Sync.SelfLabel,
	}
	if !cfg.Watch.IncludeChatLogs {
		c.ExcludeRoots = []string{cfg.Sync.LogRoot}
	}
	return c
}

// chatAPI pairs a remote backend with its polling settings.
type chatAPI struct {
	api         domain.ChatAPI
	interval    time.Duration
	callTimeout time.Duration
	limiter     *rate.Limiter
}

func buildChatAPIs(cfg *config.Config, logger *slog.Logger) ([]chatAPI, error) {
	var apis []chatAPI
	if tg := cfg.Sources.Telegram; tg.Enabled {
		api, err := source.NewTelegramAPI(source.TelegramConfig{
			Token:   tg.Token,
			Timeout: seconds(tg.TimeoutSeconds),
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		apis = append(apis, chatAPI{
			api:         api,
			interval:    seconds(tg.PollIntervalSeconds),
			callTimeout: seconds(tg.TimeoutSeconds),
		})
	}
	return append(apis, bridgeAPIs(cfg, logger)...), nil
}

// bridgeAPIs builds one client per configured bridge.
func bridgeAPIs(cfg *config.Config, logger *slog.Logger) []chatAPI {
	var apis []chatAPI
	for _, b := range cfg.Sources.Bridges {
		client := source.NewBridgeClient(source.BridgeConfig{
			Platform: strings.ToLower(b.Platform),
			BaseURL:  b.BaseURL,
			Token:    b.Token,
			Timeout:  seconds(b.TimeoutSeconds),
			Logger:   logger,
		})
		var limiter *rate.Limiter
		if b.RequestsPerSecond > 0 {
			limiter = rate.NewLimiter(rate.Limit(b.RequestsPerSecond), 1)
		}
		apis = append(apis, chatAPI{
			api:         client,
			interval:    seconds(b.PollIntervalSeconds),
			callTimeout: seconds(b.TimeoutSeconds),
			limiter:     limiter,
		})
	}
	return apis
}

func buildSources(cfg *config.Config, apis []chatAPI, cursors domain.CursorStore, events *bus.EventBus, logger *slog.Logger) []domain.ChangeSource {
	var sources []domain.ChangeSource
	if cfg.Watch.Enabled {
		sources = append(sources, source.NewFSWatcher(source.FSWatcherConfig{
			Roots:      cfg.Watch.Roots,
			IgnoreDirs: cfg.Watch.IgnoreDirs,
			Logger:     logger,
		}))
	}
	for _, a := range apis {
		sources = append(sources, source.NewPoller(source.PollerConfig{
			API:         a.api,
			Cursors:     cursors,
			Interval:    a.interval,
			Jitter:      0.1,
			CallTimeout: a.callTimeout,
			Limiter:     a.limiter,
			Events:      events,
			Logger:      logger,
		}))
	}
	return sources
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// buildLogger returns a text logger at the configured level, teeing to
// general.logFile when one is set.
func buildLogger(cfg config.GeneralConfig, stderr io.Writer) (*slog.Logger, func(), error) {
	out := stderr
	closeFn := func() {}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(stderr, f)
		closeFn = func() { f.Close() }
	}
	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})
	return slog.New(h), closeFn, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Command gowarren runs the warren daemon: chat channels feed the group
// execution scheduler, which launches agent containers per group and lane and
// dispatches scheduled background tasks against the same groups.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/basket/go-warren/internal/bus"
	"github.com/basket/go-warren/internal/channels"
	"github.com/basket/go-warren/internal/config"
	"github.com/basket/go-warren/internal/container"
	"github.com/basket/go-warren/internal/ipc"
	otelPkg "github.com/basket/go-warren/internal/otel"
	"github.com/basket/go-warren/internal/pipeline"
	"github.com/basket/go-warren/internal/queue"
	"github.com/basket/go-warren/internal/scheduler"
	"github.com/basket/go-warren/internal/store"
	"github.com/basket/go-warren/internal/telemetry"
	"github.com/basket/go-warren/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	daemon := flag.Bool("daemon", false, "run without the status dashboard, logs to stdout")
	flag.Parse()

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && !*daemon && os.Getenv("GOWARREN_NO_TUI") == ""

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Quiet logs (file-only) in interactive mode so the dashboard stays clean.
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("starting warren", "version", Version, "home", cfg.HomeDir)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		os.Exit(1)
	}
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("otel metrics setup failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(store.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	drops := ipc.NewManager(cfg.DataDir)

	groups := queue.New(queue.Config{
		MaxConcurrent: cfg.MaxConcurrentContainers,
		Drops:         drops,
		Logger:        logger.With("component", "queue"),
		Bus:           eventBus,
		Metrics:       metrics,
	})

	runner, err := container.NewDockerRunner(container.DockerConfig{
		Image:       cfg.Container.Image,
		MemoryMB:    cfg.Container.MemoryMB,
		NetworkMode: cfg.Container.NetworkMode,
		DataDir:     cfg.DataDir,
		FirstOutput: time.Duration(cfg.Container.FirstOutputS) * time.Second,
		IdleTimeout: cfg.IdleTimeout(),
		Logger:      logger.With("component", "runtime"),
	})
	if err != nil {
		logger.Error("container runtime setup failed", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	transports := channels.NewRegistry(logger)

	sched := scheduler.New(scheduler.Config{
		Store:         st,
		Queue:         groups,
		Runner:        runner,
		Drops:         drops,
		Transports:    transports,
		Logger:        logger.With("component", "scheduler"),
		Bus:           eventBus,
		Metrics:       metrics,
		Location:      cfg.Location(),
		MainFolder:    cfg.MainGroupFolder,
		AssistantName: cfg.AssistantName,
		Interval:      cfg.SchedulerPollInterval(),
	})

	adapter := pipeline.New(pipeline.Config{
		Store:         st,
		Runner:        runner,
		Queue:         groups,
		Transports:    transports,
		AssistantName: cfg.AssistantName,
		MainFolder:    cfg.MainGroupFolder,
		Logger:        logger.With("component", "pipeline"),
	})
	groups.SetProcessMessagesFn(adapter.ProcessMessages)

	startChannels(ctx, cfg, st, groups, sched, transports, eventBus, logger)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				logger.Info("config changed on disk; restart to apply")
			}
		}()
	}

	sched.Start(ctx)

	if interactive {
		program := tea.NewProgram(tui.NewModel(groups, eventBus), tea.WithContext(ctx))
		if _, err := program.Run(); err != nil && ctx.Err() == nil {
			logger.Error("dashboard exited", "error", err)
		}
		stop()
	} else {
		<-ctx.Done()
	}

	shutdown(groups, sched, otelProvider, logger)
}

func startChannels(
	ctx context.Context,
	cfg *config.Config,
	st *store.Store,
	groups *queue.GroupQueue,
	sched *scheduler.Scheduler,
	transports *channels.Registry,
	eventBus *bus.Bus,
	logger *slog.Logger,
) {
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channels.NewTelegramChannel(channels.TelegramConfig{
			Token:      cfg.Channels.Telegram.Token,
			AllowedIDs: cfg.Channels.Telegram.AllowedIDs,
			Store:      st,
			Queue:      groups,
			Tasks:      sched,
			Logger:     logger.With("component", "telegram"),
			Bus:        eventBus,
		})
		transports.Register(tg)
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	if cfg.Channels.Webchat.Enabled {
		wc := channels.NewWebchatChannel(channels.WebchatConfig{
			BindAddr: cfg.Channels.Webchat.BindAddr,
			Store:    st,
			Queue:    groups,
			Logger:   logger.With("component", "webchat"),
			Bus:      eventBus,
		})
		transports.Register(wc)
		go func() {
			if err := wc.Start(ctx); err != nil {
				logger.Error("webchat channel stopped", "error", err)
			}
		}()
	}
}

// shutdown runs the orderly stop: flag both dispatchers as shutting down so
// new enqueues are rejected, then detach (never kill) in-flight containers.
func shutdown(groups *queue.GroupQueue, sched *scheduler.Scheduler, otelProvider *otelPkg.Provider, logger *slog.Logger) {
	logger.Info("shutting down")
	sched.Shutdown()
	detached := groups.Shutdown()
	if len(detached) > 0 {
		logger.Info("left containers running to finish their work", "count", len(detached))
	}
	sched.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := otelProvider.Shutdown(flushCtx); err != nil {
		logger.Warn("otel shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// Command tgrelay is a reference binary wiring the replication engine:
// TOML config, a Bot API client behind the facade, the sqlite or postgres
// history store, optional OTEL metrics, and either a one-shot batch run
// ("forward") or the live monitor ("monitor", default).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lbj9527/tgrelay"
	"github.com/lbj9527/tgrelay/frontend/botapi"
	"github.com/lbj9527/tgrelay/internal/config"
	"github.com/lbj9527/tgrelay/observer"
	"github.com/lbj9527/tgrelay/store/postgres"
	"github.com/lbj9527/tgrelay/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tgrelay:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 1. Load config
	cfg, unknown := config.Load(os.Getenv("TGRELAY_CONFIG"))
	for _, key := range unknown {
		logger.Warn("unknown config key", "key", key)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	mode := "monitor"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	// 2. Event hook, optionally instrumented
	hook := tgrelay.Hook(func(e tgrelay.Event) {
		logEvent(logger, e)
	})
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("observer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
		hook = inst.Hook(hook)
	}

	// 3. History store
	history, err := openHistory(ctx, cfg.History)
	if err != nil {
		return err
	}
	defer history.Close()
	if err := history.Init(ctx); err != nil {
		return fmt.Errorf("history init: %w", err)
	}

	// 4. Client behind the facade
	token := os.Getenv("TGRELAY_BOT_TOKEN")
	if token == "" {
		return fmt.Errorf("TGRELAY_BOT_TOKEN is required")
	}
	sessionPath := filepath.Join(cfg.Telegram.SessionDir, "bot.session")
	client := tgrelay.NewFacade(botapi.New(token), sessionPath,
		tgrelay.FacadeHook(hook),
		tgrelay.FacadeLogger(logger),
	)
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	defer client.Stop(context.Background())

	// 5. Engine components
	resolver := tgrelay.NewResolver(client, tgrelay.ResolverLogger(logger))
	direct := tgrelay.NewDirectForwarder(client, tgrelay.DirectForwarderLogger(logger))
	pipeline := tgrelay.NewMediaPipeline(client, history,
		tgrelay.PipelineHook(hook),
		tgrelay.PipelineLogger(logger),
		tgrelay.PipelineLabeler(resolver.Label),
	)
	if err := tgrelay.SweepScratch("tmp"); err != nil {
		logger.Warn("scratch sweep failed", "error", err)
	}

	switch mode {
	case "forward":
		batch := tgrelay.NewBatchForwarder(client, resolver, history, direct, pipeline,
			tgrelay.BatchHook(hook),
			tgrelay.BatchLogger(logger),
			tgrelay.BatchForwardDelay(time.Duration(cfg.Forward.DelayMS)*time.Millisecond),
		)
		return batch.Run(ctx, config.Pairs(cfg.Forward.Pairs))

	case "monitor":
		opts := []tgrelay.MonitorOption{
			tgrelay.MonitorHook(hook),
			tgrelay.MonitorLogger(logger),
		}
		if cfg.Monitor.ProcessedCap > 0 {
			opts = append(opts, tgrelay.MonitorProcessedCap(cfg.Monitor.ProcessedCap))
		}
		if cfg.Monitor.StopAt != "" {
			day, err := time.ParseInLocation("2006-01-02", cfg.Monitor.StopAt, time.Local)
			if err != nil {
				return fmt.Errorf("monitor stop_at: %w", err)
			}
			opts = append(opts, tgrelay.MonitorStopAt(day.AddDate(0, 0, 1)))
		}
		monitor := tgrelay.NewMonitor(client, resolver, history, direct, pipeline, opts...)

		pairs := tgrelay.NewPairController(
			tgrelay.PairControllerHook(hook),
			tgrelay.PairControllerLogger(logger),
		)
		pairs.OnChange(func(ps []tgrelay.ChannelPair) {
			if err := monitor.SetPairs(ctx, ps); err != nil {
				logger.Error("reconfigure failed", "error", err)
			}
		})
		if err := pairs.Set(config.Pairs(cfg.Monitor.Pairs)); err != nil {
			return err
		}

		if err := monitor.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		monitor.Stop()
		return nil

	default:
		return fmt.Errorf("unknown mode %q (want forward or monitor)", mode)
	}
}

func openHistory(ctx context.Context, cfg config.HistoryConfig) (tgrelay.HistoryStore, error) {
	switch cfg.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return postgres.New(pool), nil
	default:
		return sqlite.New(cfg.Path), nil
	}
}

// logEvent renders one engine event on the text logger.
func logEvent(logger *slog.Logger, e tgrelay.Event) {
	switch e.Kind {
	case tgrelay.EventMessageForwarded:
		logger.Info("forwarded", "message_id", e.MessageID, "target", e.TargetLabel)
	case tgrelay.EventGroupForwarded:
		logger.Info("group forwarded", "group", e.GroupID, "count", e.Count, "target", e.TargetLabel)
	case tgrelay.EventMessageFiltered:
		logger.Debug("filtered", "message_id", e.MessageID, "filter", e.FilterType)
	case tgrelay.EventFloodWait:
		logger.Warn("flood wait", "op", e.Op, "seconds", e.Seconds)
	case tgrelay.EventCollectionProgress:
		logger.Debug("collecting", "current", e.Current, "total", e.Total)
	case tgrelay.EventConnectionLost:
		logger.Warn("connection lost")
	case tgrelay.EventConnectionRestored:
		logger.Info("connection restored")
	case tgrelay.EventTimeSyncError:
		logger.Error("system clock out of sync with Telegram servers")
	case tgrelay.EventError:
		logger.Error("engine error", "op", e.Op, "pair", e.Pair, "error", e.Err)
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelmail/kestrel/internal/api"
	"github.com/kestrelmail/kestrel/internal/auth"
	"github.com/kestrelmail/kestrel/internal/provider"
	"github.com/kestrelmail/kestrel/internal/push"
	"github.com/kestrelmail/kestrel/internal/scheduler"
	"github.com/kestrelmail/kestrel/internal/store"
	kestrelsync "github.com/kestrelmail/kestrel/internal/sync"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine and local API server",
	Long: `Runs the full engine: syncs every enabled account, keeps polling
schedules and push subscriptions alive, and serves the local HTTP API
until interrupted.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

// buildEngine assembles the sync engine from config.
func buildEngine() (*kestrelsync.Orchestrator, *store.Store, *kestrelsync.Queue, *kestrelsync.Bus, error) {
	tokens := auth.NewRefreshCoordinator(auth.NewFileTokens(cfg.TokensDir()))

	limiter := provider.NewRateLimiter(float64(cfg.Sync.RateLimitQPS))

	factory := func(accountID string) (provider.API, error) {
		opts := []provider.ClientOption{
			provider.WithLogger(logger),
			provider.WithRateLimiter(limiter),
			provider.WithConcurrency(cfg.Sync.Concurrency),
		}
		if cfg.Push.Enabled && cfg.Push.Topic != "" {
			opts = append(opts, provider.WithPushTopic(cfg.Push.Topic))
		}
		return provider.NewClient(auth.TokenSource(tokens, accountID), opts...), nil
	}

	st := store.New(logger)
	queue := kestrelsync.NewQueue(cfg.Queue.MaxRetries, logger)
	events := kestrelsync.NewBus(logger)

	orch := kestrelsync.NewOrchestrator(factory, st, queue, events, &kestrelsync.Options{
		PageSize:    cfg.Sync.PageSize,
		BatchSize:   cfg.Sync.BatchSize,
		Incremental: cfg.Sync.Incremental,
		Policy: kestrelsync.RetryPolicy{
			BaseDelay:  cfg.Retry.BaseDelay.Std(),
			MaxDelay:   cfg.Retry.MaxDelay.Std(),
			Multiplier: cfg.Retry.Multiplier,
			MaxRetries: cfg.Retry.MaxRetries,
		},
	}).WithLogger(logger)

	for _, acc := range cfg.EnabledAccounts() {
		if err := orch.AddAccount(acc.ID, acc.Email); err != nil {
			orch.Close()
			return nil, nil, nil, nil, fmt.Errorf("register account %s: %w", acc.ID, err)
		}
	}

	return orch, st, queue, events, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	orch, st, queue, events, err := buildEngine()
	if err != nil {
		return err
	}
	defer orch.Close()
	defer events.Close()

	sched := scheduler.New(func(ctx context.Context, accountID string) error {
		res, err := orch.SyncAccount(ctx, accountID, false)
		if err != nil {
			return err
		}
		if !res.Success {
			return errors.New(res.Error)
		}
		return nil
	}, orch.CanSync).WithLogger(logger)

	for _, acc := range cfg.EnabledAccounts() {
		if err := sched.AddAccount(acc.ID, cfg.ScheduleFor(acc.ID)); err != nil {
			return err
		}
	}
	sched.Start()

	bridge := push.NewBridge(orch, nil).WithLogger(logger)
	defer bridge.Close()
	if cfg.Push.Enabled {
		for _, acc := range cfg.EnabledAccounts() {
			if err := bridge.Enable(ctx, acc.ID, acc.Email); err != nil {
				logger.Warn("push setup failed, account will poll",
					"account", acc.ID, "error", err)
			}
		}
	}

	server := api.NewServer(cfg, orch, st, queue, sched, bridge, events, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Initial sync pass so the API has data before the first poll fires.
	go func() {
		for _, res := range orch.SyncAll(ctx) {
			if res != nil && !res.Success {
				logger.Warn("initial sync failed",
					"account", res.AccountID, "error", res.Error)
			}
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	<-sched.Stop().Done()
	return nil
}

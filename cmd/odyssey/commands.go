package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-authz/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-authz/internal/app"
)

// runCommand executes an operator subcommand instead of starting the server:
//
//	odyssey sync [tenant]   queue a policy sync (all tenants when omitted)
//	odyssey queue           print queue counters
//	odyssey scheduled       list policy syncs waiting to run
func runCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	syncCLI := cli.NewSyncCLI(cfg.RedisAddr)
	defer func() {
		if err := syncCLI.Close(); err != nil {
			logger.Warn("sync cli close", slog.Any("error", err))
		}
	}()

	switch args[0] {
	case "sync":
		tenant := ""
		if len(args) > 1 {
			tenant = args[1]
		}
		info, err := syncCLI.Enqueue(ctx, tenant)
		if errors.Is(err, cli.ErrSyncPending) {
			logger.Info("policy sync already queued", slog.String("tenant_id", tenant))
			return 0
		}
		if err != nil {
			logger.Error("enqueue policy sync", slog.Any("error", err))
			return 1
		}
		logger.Info("policy sync enqueued", slog.String("task_id", info.ID), slog.String("queue", info.Queue))
	case "queue":
		stats, err := syncCLI.Stats(ctx)
		if err != nil {
			logger.Error("inspect queue", slog.Any("error", err))
			return 1
		}
		fmt.Println(stats)
	case "scheduled":
		pending, err := syncCLI.Pending(ctx, 20)
		if err != nil {
			logger.Error("list pending syncs", slog.Any("error", err))
			return 1
		}
		for _, p := range pending {
			runAt := "now"
			if !p.RunAt.IsZero() {
				runAt = p.RunAt.Format(time.RFC3339)
			}
			fmt.Printf("%s tenant=%s state=%s run_at=%s\n", p.ID, p.TenantID, p.State, runAt)
		}
	default:
		logger.Error("unknown command", slog.String("command", args[0]))
		return 2
	}
	return 0
}

// Package cli holds the adboard command tree.
package cli

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/adboard/ledger/internal/app"
	"github.com/adboard/ledger/internal/billing"
	"github.com/adboard/ledger/internal/observability"
	"github.com/adboard/ledger/internal/platform/cache"
	"github.com/adboard/ledger/internal/platform/db"
)

var rootCmd = &cobra.Command{
	Use:   "adboard",
	Short: "Billboard billing reconciliation service",
	Long: `adboard serves the billing API: customer balances, payment
distribution across contracts, receipt balances and composite task cost
allocation. Without a subcommand it starts the HTTP server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the command tree.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// runtime bundles the connections shared by subcommands.
type runtime struct {
	cfg     *app.Config
	logger  *slog.Logger
	pool    *pgxpool.Pool
	redis   *redis.Client
	metrics *observability.Metrics
}

func loadConfig() (*app.Config, *slog.Logger, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	return cfg, app.NewLogger(cfg), nil
}

// connect opens Postgres and, when withRedis is set, Redis. A Redis outage
// degrades to uncached balances instead of failing.
func connect(ctx context.Context, withRedis bool) (*runtime, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger, pool: pool, metrics: observability.NewMetrics()}
	if withRedis {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, balance cache disabled", slog.Any("error", err))
		} else {
			rt.redis = client
		}
	}
	return rt, nil
}

func (rt *runtime) billingService() *billing.Service {
	return billing.NewService(
		billing.NewRepository(rt.pool),
		billing.NewCache(rt.redis, rt.cfg.BalanceCacheTTL),
		billing.ServiceConfig{
			Policy:  rt.cfg.PricingPolicy(),
			Metrics: rt.metrics,
			Logger:  rt.logger,
			LockTTL: rt.cfg.BillingLockTTL,
		},
	)
}

func (rt *runtime) Close() {
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Warn("redis close", slog.Any("error", err))
		}
	}
	rt.pool.Close()
}

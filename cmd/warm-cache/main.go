// warm-cache builds the settings of every tenant once through the tenant
// cache and prints a summary per tenant.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Amund211/asyncrefresh/internal/cache"
	"github.com/Amund211/asyncrefresh/internal/executor"
	"github.com/Amund211/asyncrefresh/internal/tenantconfig"
	"golang.org/x/sync/errgroup"
)

func main() {
	dir := flag.String("dir", "./tenants", "directory holding <tenant>.json settings files")
	workers := flag.Int("workers", 4, "number of concurrent builds")
	timeout := flag.Duration("timeout", 30*time.Second, "time to wait for each tenant")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	fail := func(msg string, args ...any) {
		logger.Error(msg, args...)
		os.Exit(1)
	}

	loader := tenantconfig.NewLoader(*dir)
	tenants, err := loader.Tenants()
	if err != nil {
		fail("Failed to list tenants", "error", err.Error())
	}
	if len(tenants) == 0 {
		logger.Info("No tenants found", "dir", *dir)
		return
	}

	pool, err := executor.New(*workers, logger)
	if err != nil {
		fail("Failed to start worker pool", "error", err.Error())
	}

	tenantCache := cache.New[tenantconfig.Settings](
		"tenants",
		loader,
		cache.WithExecutor(pool),
		cache.WithLogger(logger),
		cache.WithWaitTimeout(*timeout),
		// A malformed file fails fast instead of waiting out the timeout on retries
		cache.WithRetryBackoff(time.Second, *timeout),
	)

	ctx := context.Background()
	results := make([]tenantconfig.Settings, len(tenants))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(*workers)
	for i, tenant := range tenants {
		group.Go(func() error {
			settings, err := tenantCache.Get(groupCtx, tenant)
			if err != nil {
				return fmt.Errorf("tenant %s: %w", tenant, err)
			}
			results[i] = settings
			return nil
		})
	}
	buildErr := group.Wait()

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := tenantCache.Close(closeCtx); err != nil {
		logger.Warn("Failed to close cache", "error", err.Error())
	}
	if err := pool.Close(closeCtx); err != nil {
		logger.Warn("Failed to close worker pool", "error", err.Error())
	}

	if buildErr != nil {
		fail("Failed to warm cache", "error", buildErr.Error())
	}

	for _, settings := range results {
		fmt.Printf("%-24s plan=%-12s features=%s\n", settings.Tenant, settings.Plan, strings.Join(settings.Features, ","))
	}
	logger.Info("Warmed tenant cache", "tenants", len(tenants))
}

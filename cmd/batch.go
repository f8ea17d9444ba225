// cmd/batch.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/phantomctl/internal/config"
	"github.com/xkilldash9x/phantomctl/internal/observability"
	"github.com/xkilldash9x/phantomctl/internal/session"
)

type batchResult struct {
	URL       string            `json:"url"`
	SessionID string            `json:"session_id,omitempty"`
	Meta      *session.HTTPMeta `json:"meta,omitempty"`
	Error     string            `json:"error,omitempty"`
	Elapsed   string            `json:"elapsed"`
}

func newBatchCmd() *cobra.Command {
	var flags openFlags

	batchCmd := &cobra.Command{
		Use:   "batch <url>...",
		Short: "Load each URL in its own session, several at a time",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger().Named("batch")

			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			factory, err := newSessionFactory(cfg, logger)
			if err != nil {
				return err
			}
			defer factory.Close()

			results, err := runBatch(ctx, factory, cfg.Batch, args, &flags, logger)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if r.Error != "" {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d URLs failed", failed, len(results))
			}
			return nil
		},
	}

	f := batchCmd.Flags()
	f.Int("concurrency", 0, "sessions open at the same time (overrides config)")
	f.Float64("start-rate", 0, "sessions started per second (overrides config)")
	f.DurationVar(&flags.timeout, "timeout", 0, "page load timeout for each navigation")
	f.IntVar(&flags.attempts, "attempts", 0, "page load attempts for each navigation")
	f.StringToStringVarP(&flags.headers, "header", "H", nil, "extra request header, e.g. -H X-Trace=abc")
	f.BoolVar(&flags.metaRefresh, "meta-refresh", false, "follow <meta http-equiv=refresh> directives")
	f.DurationVar(&flags.metaRefreshTimeout, "meta-refresh-timeout", 0, "how long to wait for a refresh on top of its delay")
	return batchCmd
}

// runBatch loads every URL in an independent session. A failing URL is
// recorded in its result and does not stop the others; only a canceled ctx
// ends the batch early.
func runBatch(ctx context.Context, factory *sessionFactory, cfg config.BatchConfig, urls []string, flags *openFlags, logger *zap.Logger) ([]batchResult, error) {
	sem := semaphore.NewWeighted(int64(cfg.Concurrency))
	limiter := rate.NewLimiter(rate.Limit(cfg.StartRate), 1)
	g, gctx := errgroup.WithContext(ctx)

	results := make([]batchResult, len(urls))

	for i, u := range urls {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		if err := limiter.Wait(gctx); err != nil {
			sem.Release(1)
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			results[i] = loadOne(gctx, factory, u, flags, logger)
			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func loadOne(ctx context.Context, factory *sessionFactory, u string, flags *openFlags, logger *zap.Logger) (r batchResult) {
	start := time.Now()
	r.URL = u
	defer func() { r.Elapsed = time.Since(start).Round(time.Millisecond).String() }()

	s, err := factory.Open(ctx, nil)
	if err != nil {
		r.Error = err.Error()
		logger.Warn("Failed to open session.", zap.String("url", u), zap.Error(err))
		return r
	}
	defer closeSession(ctx, s, logger)
	r.SessionID = s.ID()

	result, err := runOpen(ctx, s, u, flags)
	if err != nil {
		r.Error = err.Error()
		logger.Warn("Navigation failed.", zap.String("url", u), zap.String("session_id", s.ID()), zap.Error(err))
		return r
	}
	r.Meta = result.Meta
	if result.MetaRefresh != nil {
		r.Meta = result.MetaRefresh
	}
	logger.Info("Loaded.", zap.String("url", u), zap.String("session_id", s.ID()))
	return r
}

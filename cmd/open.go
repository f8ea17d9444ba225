// cmd/open.go
package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomctl/internal/driverlog"
	"github.com/xkilldash9x/phantomctl/internal/observability"
	"github.com/xkilldash9x/phantomctl/internal/runlock"
	"github.com/xkilldash9x/phantomctl/internal/session"
)

const (
	lockAttempts = 30
	lockWait     = time.Second
)

type openResult struct {
	SessionID   string            `json:"session_id"`
	UserAgent   string            `json:"user_agent"`
	Meta        *session.HTTPMeta `json:"meta"`
	MetaRefresh *session.HTTPMeta `json:"meta_refresh,omitempty"`
	History     []string          `json:"history"`
}

type openFlags struct {
	timeout            time.Duration
	attempts           int
	headers            map[string]string
	metaRefresh        bool
	metaRefreshTimeout time.Duration
	tailDriverLog      bool
	lock               string
	navigatorFile      string
	closePopups        bool
}

// navOptions turns the per-call flags into navigation options.
func (f *openFlags) navOptions() []session.NavOption {
	var opts []session.NavOption
	if f.timeout > 0 {
		opts = append(opts, session.WithTimeout(f.timeout))
	}
	if f.attempts > 0 {
		opts = append(opts, session.WithAttempts(f.attempts))
	}
	if len(f.headers) > 0 {
		headers := make(map[string]any, len(f.headers))
		for k, v := range f.headers {
			headers[k] = v
		}
		opts = append(opts, session.WithHeaders(headers))
	}
	return opts
}

func newOpenCmd() *cobra.Command {
	var flags openFlags

	openCmd := &cobra.Command{
		Use:   "open <url>",
		Short: "Open a session, load a URL and print its HTTP metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger().Named("open")

			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			nav, err := loadNavigator(flags.navigatorFile)
			if err != nil {
				return err
			}

			if flags.lock != "" {
				lock, err := runlock.Acquire(ctx, flags.lock, lockAttempts, lockWait)
				if err != nil {
					return err
				}
				defer func() {
					if err := lock.Release(); err != nil {
						logger.Warn("Failed to release run lock.", zap.String("lock", flags.lock), zap.Error(err))
					}
				}()
			}

			factory, err := newSessionFactory(cfg, logger)
			if err != nil {
				return err
			}
			defer factory.Close()

			s, err := factory.Open(ctx, nav)
			if err != nil {
				return err
			}
			defer closeSession(ctx, s, logger)

			if flags.tailDriverLog {
				follower := driverlog.New(s.LogPath(), logger)
				if err := follower.Start(ctx); err != nil {
					logger.Warn("Cannot follow the driver log.", zap.Error(err))
				} else {
					defer follower.Stop()
				}
			}

			result, err := runOpen(ctx, s, args[0], &flags)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	f := openCmd.Flags()
	f.DurationVar(&flags.timeout, "timeout", 0, "page load timeout for this navigation (default from session options)")
	f.IntVar(&flags.attempts, "attempts", 0, "page load attempts for this navigation (default from session options)")
	f.StringToStringVarP(&flags.headers, "header", "H", nil, "extra request header, e.g. -H X-Trace=abc")
	f.BoolVar(&flags.metaRefresh, "meta-refresh", false, "follow a <meta http-equiv=refresh> directive")
	f.DurationVar(&flags.metaRefreshTimeout, "meta-refresh-timeout", 0, "how long to wait for the refresh on top of its delay")
	f.BoolVar(&flags.tailDriverLog, "tail-driver-log", false, "stream the driver log through the logger")
	f.StringVar(&flags.lock, "lock", "", "hold the named run lock while the session is open")
	f.StringVar(&flags.navigatorFile, "navigator", "", "JSON file with navigator properties (default generated)")
	f.BoolVar(&flags.closePopups, "close-popups", false, "close popup windows after loading")
	return openCmd
}

// runOpen loads target in s and collects what the open command prints.
func runOpen(ctx context.Context, s *session.Session, target string, flags *openFlags) (*openResult, error) {
	meta, err := s.Open(ctx, target, flags.navOptions()...)
	if err != nil {
		return nil, err
	}
	result := &openResult{
		SessionID: s.ID(),
		UserAgent: s.Navigator().UserAgent,
		Meta:      meta,
	}
	if flags.metaRefresh {
		refreshed, err := s.WaitForMetaRefresh(ctx, flags.metaRefreshTimeout)
		if err != nil {
			return nil, err
		}
		result.MetaRefresh = refreshed
	}
	if flags.closePopups {
		if err := s.ClosePopups(ctx); err != nil {
			return nil, err
		}
	}
	result.History = s.History()
	return result, nil
}

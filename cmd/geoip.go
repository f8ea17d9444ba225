// cmd/geoip.go
package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomctl/internal/geoip"
	"github.com/xkilldash9x/phantomctl/internal/observability"
)

type geoipResult struct {
	*geoip.Location
	OffsetMinutes *int   `json:"offset_minutes,omitempty"`
	Error         string `json:"error,omitempty"`
}

func newGeoIPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "geoip <ip>...",
		Short: "Show where proxy addresses are located and their timezone offset",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.GeoIP.DatabasePath == "" {
				return errors.New("no geoip database configured, set --geoip-db or geoip.database_path")
			}
			logger := observability.GetLogger()

			resolver, err := geoip.Open(cfg.GeoIP.DatabasePath, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := resolver.Close(); err != nil {
					logger.Warn("Failed to close geoip database.", zap.Error(err))
				}
			}()

			results := make([]geoipResult, 0, len(args))
			for _, ip := range args {
				r := geoipResult{Location: &geoip.Location{IP: ip}}
				loc, err := resolver.Lookup(ip)
				if err != nil {
					r.Error = err.Error()
					results = append(results, r)
					continue
				}
				r.Location = loc
				if offset, err := resolver.TimezoneOffset(ip); err == nil {
					r.OffsetMinutes = &offset
				}
				results = append(results, r)
			}
			return writeJSON(cmd.OutOrStdout(), results)
		},
	}
}

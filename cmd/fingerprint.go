// cmd/fingerprint.go
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/phantomctl/internal/fingerprint"
)

type fingerprintResult struct {
	Navigator *fingerprint.Navigator `json:"navigator"`
	Screen    fingerprint.Screen     `json:"screen"`
}

func newFingerprintCmd() *cobra.Command {
	var (
		count  int
		screen string
	)

	fingerprintCmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Generate browser identities without starting a browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("--count must be at least 1, got %d", count)
			}
			size, err := parseScreenSize(screen)
			if err != nil {
				return err
			}

			var platforms, engines []string
			if p := strings.ToLower(cfg.Fingerprint.Platform); p != "" {
				platforms = []string{p}
			}
			if e := strings.ToLower(cfg.Fingerprint.Engine); e != "" {
				engines = []string{e}
			}

			source := newFingerprints()
			results := make([]fingerprintResult, 0, count)
			for range count {
				nav, err := source.Navigator(platforms, engines)
				if err != nil {
					return err
				}
				results = append(results, fingerprintResult{Navigator: nav, Screen: source.Screen(size)})
			}
			if count == 1 {
				return writeJSON(cmd.OutOrStdout(), results[0])
			}
			return writeJSON(cmd.OutOrStdout(), results)
		},
	}

	f := fingerprintCmd.Flags()
	f.IntVarP(&count, "count", "n", 1, "number of identities to generate")
	f.String("platform", "", "restrict to a platform class (win, mac, linux)")
	f.String("engine", "", "restrict to an engine (chrome, firefox)")
	f.StringVar(&screen, "screen", "", "screen size as WIDTHxHEIGHT (default drawn from the resolution table)")
	return fingerprintCmd
}

// parseScreenSize parses "1920x1080". An empty string means no fixed size.
func parseScreenSize(s string) (*fingerprint.Size, error) {
	if s == "" {
		return nil, nil
	}
	var size fingerprint.Size
	if _, err := fmt.Sscanf(strings.ToLower(s), "%dx%d", &size.Width, &size.Height); err != nil {
		return nil, fmt.Errorf("invalid screen size %q, want WIDTHxHEIGHT: %w", s, err)
	}
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("invalid screen size %q, dimensions must be positive", s)
	}
	return &size, nil
}

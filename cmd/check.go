package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cratewatch.dev/pkg/cratewatch/internal/adapter"
	"cratewatch.dev/pkg/cratewatch/internal/domain"
	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

const checkPrompt = `This is a connectivity check. Reply exactly with:
ANALYSIS: ok
PATTERNS:`

// errRemoteAnalysisOff is returned by check when there is no transport to test.
var errRemoteAnalysisOff = errors.New("remote analysis is off (analysis_service.mode)")

var checkCmd = newCheckCmd()

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check connectivity to the analysis service",
		Long: `Send one small prompt through the analysis gateway, with the configured
retries and timeouts, and report the round trip.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(viper.GetViper())
			if err != nil {
				return err
			}

			transport, err := newTransport(settings)
			if err != nil {
				return err
			}

			if transport == nil {
				return errRemoteAnalysisOff
			}

			// A private store keeps the check out of the scan cache.
			cache := adapter.NewInMemoryScanCache()
			defer func() {
				_ = cache.Close()
			}()

			clock := domain.SystemClock()
			gw := domain.NewGateway(transport, cache, nil, clock, nil, domain.GatewayConfigFromSettings(settings.AnalysisService))

			started := clock.Now()

			analysis, err := gw.Analyze(cmd.Context(), domain.AnalysisRequest{
				Key:    m.CacheKey{Identity: "cratewatch:check", ContentHash: uuid.NewString()},
				Prompt: checkPrompt,
			})
			if err != nil {
				return fmt.Errorf("%s check failed: %w", transport.Name(), err)
			}

			cmd.Printf("%s responded in %s: %s\n", transport.Name(), clock.Now().Sub(started).Round(time.Millisecond), analysis.Text)

			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

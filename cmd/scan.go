package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cratewatch.dev/pkg/cratewatch/internal/controller"
	"cratewatch.dev/pkg/cratewatch/internal/domain"
	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

var (
	scanFormatFlag           string
	scanOutputFlag           string
	scanParallelFlag         uint
	scanExcludeFlag          []string
	scanSkipDependenciesFlag bool
	scanDeepFlag             bool
	scanModeFlag             string
	scanMaxCallsFlag         uint
	scanQuotaPolicyFlag      string
	scanBaselineFlag         string
	scanSaveBaselineFlag     string
	scanQuietFlag            bool
)

// scanExtras are the per-invocation scan flags that have no config key.
type scanExtras struct {
	baseline     string
	saveBaseline string
	quiet        bool
}

// scanCmd represents the scan command.
var scanCmd = newScanCmd()

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [path]",
		Short: "Scan a source tree and its dependencies",
		Long:  scanLongDescription,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) > 0 {
				target = args[0]
			}

			settings, err := loadSettings(viper.GetViper())
			if err != nil {
				return err
			}

			return runScan(cmd, m.Path(target), settings, scanExtras{
				baseline:     scanBaselineFlag,
				saveBaseline: scanSaveBaselineFlag,
				quiet:        scanQuietFlag,
			})
		},
	}

	configureScanFlags(cmd)

	return cmd
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func configureScanFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.StringVarP(&scanFormatFlag, formatFlagName, "f", viper.GetString(reportFormatKey), "report format: json, markdown, summary or condensed")
	bindFlagToConfig(flags.Lookup(formatFlagName), reportFormatKey)

	flags.StringVarP(&scanOutputFlag, outputFlagName, "o", viper.GetString(reportOutputKey), "write the report to a file instead of stdout")
	bindFlagToConfig(flags.Lookup(outputFlagName), reportOutputKey)

	flags.UintVarP(&scanParallelFlag, parallelFlagName, "p", viper.GetUint(workersConfigKey), "number of concurrent workers")
	bindFlagToConfig(flags.Lookup(parallelFlagName), workersConfigKey)

	flags.StringArrayVarP(&scanExcludeFlag, excludeFlagName, "x", viper.GetStringSlice(excludeConfigKey), "exclude paths matching a glob (can be repeated)")
	bindFlagToConfig(flags.Lookup(excludeFlagName), excludeConfigKey)

	flags.BoolVar(&scanSkipDependenciesFlag, skipDependenciesFlagName, viper.GetBool(skipDependenciesKey), "do not scan dependencies")
	bindFlagToConfig(flags.Lookup(skipDependenciesFlagName), skipDependenciesKey)

	flags.BoolVar(&scanDeepFlag, deepFlagName, viper.GetBool(deepScanAllKey), "deep-analyze every untrusted dependency")
	bindFlagToConfig(flags.Lookup(deepFlagName), deepScanAllKey)

	flags.StringVar(&scanModeFlag, modeFlagName, viper.GetString(modeConfigKey), "remote analysis mode: all, flagged or off")
	bindFlagToConfig(flags.Lookup(modeFlagName), modeConfigKey)

	flags.UintVar(&scanMaxCallsFlag, maxCallsFlagName, viper.GetUint(maxCallsKey), "maximum remote calls per scan (0 for unlimited)")
	bindFlagToConfig(flags.Lookup(maxCallsFlagName), maxCallsKey)

	flags.StringVar(&scanQuotaPolicyFlag, quotaPolicyFlagName, viper.GetString(quotaPolicyKey), "on quota exhaustion: skip, wait or abort")
	bindFlagToConfig(flags.Lookup(quotaPolicyFlagName), quotaPolicyKey)

	flags.StringVar(&scanBaselineFlag, baselineFlagName, "", "compare dependency risks against a previous json report")
	flags.StringVar(&scanSaveBaselineFlag, saveBaselineFlagName, "", "save this scan as a json baseline")
	flags.BoolVarP(&scanQuietFlag, quietFlagName, "q", false, "do not print per-task progress lines")
}

func runScan(cmd *cobra.Command, target m.Path, settings m.Settings, extras scanExtras) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if settings.Scanning.TimeoutSeconds > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, time.Duration(settings.Scanning.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	shutdown, err := setupTracing(settings.Telemetry.TraceFile)
	if err != nil {
		return err
	}

	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	eng, err := newEngine(cmd, settings)
	if err != nil {
		return err
	}
	defer eng.Close()

	out, closeOut, err := reportWriter(cmd, settings.Report.Output)
	if err != nil {
		return err
	}
	defer closeOut()

	outcome, err := eng.workflow.Scan(ctx, domain.ScanArgs{
		Options:      domain.ScanOptionsFromSettings(target, settings),
		Format:       settings.Report.Format,
		Output:       out,
		Baseline:     m.Path(extras.baseline),
		SaveBaseline: m.Path(extras.saveBaseline),
		MetricsFile:  settings.Telemetry.MetricsFile,
		Title:        fmt.Sprintf("cratewatch scan %s", target),
		Quiet:        extras.quiet,
	})
	if err != nil {
		return err
	}

	printBaselineDiff(cmd.ErrOrStderr(), outcome.Diff)

	return nil
}

func reportWriter(cmd *cobra.Command, path string) (io.Writer, func(), error) {
	if path == "" {
		return cmd.OutOrStdout(), func() {}, nil
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create report file: %w", err)
	}

	return file, func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close report file", "path", path, "error", err)
		}
	}, nil
}

func printBaselineDiff(w io.Writer, diff *controller.BaselineDiff) {
	if diff == nil {
		return
	}

	if diff.Empty() {
		_, _ = fmt.Fprintln(w, "No dependency risk changes since baseline.")
		return
	}

	_, _ = fmt.Fprintf(w, "Dependency risks since baseline: %d new, %d resolved\n", len(diff.Added), len(diff.Removed))
	_, _ = fmt.Fprint(w, diff.Unified)
}

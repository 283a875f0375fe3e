package cmd

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cratewatch.dev/pkg/cratewatch/internal/adapter"
	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

const recentCacheWindow = 7 * 24 * time.Hour

var cacheCmd = newCacheCmd()

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the scan cache",
	}

	cmd.AddCommand(newCacheStatsCmd(), newCacheClearCmd(), newCacheExportCmd())

	return cmd
}

func init() {
	rootCmd.AddCommand(cacheCmd)
}

// withCache opens the configured cache for the duration of fn.
func withCache(fn func(cache adapter.ScanCache) error) error {
	settings, err := loadSettings(viper.GetViper())
	if err != nil {
		return err
	}

	cache := adapter.OpenScanCache(settings.Cache)
	defer func() {
		_ = cache.Close()
	}()

	return fn(cache)
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCache(func(cache adapter.ScanCache) error {
				stats, err := cache.Stats(cmd.Context(), recentCacheWindow)
				if err != nil {
					return fmt.Errorf("read cache stats: %w", err)
				}

				cmd.Print(renderCacheStats(stats))

				return nil
			})
		},
	}
}

func renderCacheStats(stats m.CacheStats) string {
	var buf bytes.Buffer

	if !stats.Available {
		buf.WriteString("Cache is unavailable (disabled or could not be opened).\n")
		return buf.String()
	}

	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.AppendBulk([][]string{
		{"Total entries", strconv.Itoa(stats.TotalEntries)},
		{fmt.Sprintf("Entries (last %s)", stats.RecentWindow), strconv.Itoa(stats.RecentEntries)},
		{"Scans recorded", strconv.Itoa(stats.Sessions)},
		{"Cache hits", strconv.Itoa(stats.TotalCacheHits)},
		{"New analyses", strconv.Itoa(stats.TotalNewAnalyses)},
	})
	table.Render()

	if len(stats.TopIdentities) == 0 {
		return buf.String()
	}

	buf.WriteString("\nMost reused:\n")

	top := tablewriter.NewWriter(&buf)
	top.SetHeader([]string{"Identity", "Hits"})
	top.SetBorder(false)
	top.SetCenterSeparator("")

	for _, h := range stats.TopIdentities {
		top.Append([]string{h.Identity, strconv.FormatUint(h.Hits, 10)})
	}

	top.Render()

	return buf.String()
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached analysis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCache(func(cache adapter.ScanCache) error {
				removed, err := cache.Clear(cmd.Context())
				if err != nil {
					return err
				}

				cmd.Printf("Removed %d cached analyses.\n", removed)

				return nil
			})
		},
	}
}

func newCacheExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Export the cache as JSON, or YAML for .yaml files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(func(cache adapter.ScanCache) error {
				n, err := cache.Export(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				cmd.Printf("Exported %d entries to %s.\n", n, args[0])

				return nil
			})
		},
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cratewatch.dev/pkg/cratewatch/internal/adapter"
	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

var diagnoseCmd = newDiagnoseCmd()

func newDiagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Run a self-test of the cache store",
		Long: `Open a temporary cache store and exercise it: store an analysis, look it
up, store it again without creating a duplicate, and evict.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := os.MkdirTemp("", "cratewatch-diagnose-*")
			if err != nil {
				return fmt.Errorf("create temporary cache directory: %w", err)
			}
			defer func() {
				_ = os.RemoveAll(dir)
			}()

			var failed bool

			for _, step := range diagnoseCache(cmd.Context(), dir) {
				status := "ok"
				if step.err != nil {
					status = "FAIL: " + step.err.Error()
					failed = true
				}

				cmd.Printf("%-22s %s\n", step.name, status)
			}

			if failed {
				return errors.New("cache self-test failed")
			}

			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(diagnoseCmd)
}

type diagnoseStep struct {
	name string
	err  error
}

// diagnoseCache runs the cache self-test against a store under dir.
func diagnoseCache(ctx context.Context, dir string) []diagnoseStep {
	cache := adapter.OpenScanCache(m.CacheSettings{Enabled: true, Path: dir})
	defer func() {
		_ = cache.Close()
	}()

	if !cache.Available() {
		return []diagnoseStep{{name: "open store", err: adapter.ErrCacheUnavailable}}
	}

	key := m.CacheKey{Identity: "diagnose:roundtrip", Version: "0.0.0", ContentHash: "roundtrip"}
	record := m.AnalysisRecord{
		Analysis: "roundtrip analysis",
		Findings: []m.Finding{{Severity: m.SeverityLow, Origin: m.OriginRemoteAnalysis, Location: m.Location{Path: "roundtrip", Line: 1}, Description: "roundtrip"}},
		Model:    "diagnose",
	}

	steps := []diagnoseStep{{name: "open store"}}

	id := cache.Store(ctx, key, record)
	steps = append(steps, diagnoseStep{name: "store", err: expect(id != "", "no entry id returned")})

	entry, ok := cache.Lookup(ctx, key)
	steps = append(steps, diagnoseStep{name: "lookup", err: expect(ok && entry.Analysis == record.Analysis, "stored entry not found")})

	again := cache.Store(ctx, key, record)
	steps = append(steps, diagnoseStep{name: "idempotent store", err: expect(again == id, "second store created a new entry")})

	kept, err := cache.Evict(ctx, time.Hour)
	if err == nil {
		err = expect(kept == 0, "fresh entry was evicted")
	}

	steps = append(steps, diagnoseStep{name: "evict (keep fresh)", err: err})

	removed, err := cache.Evict(ctx, -time.Hour)
	if err == nil {
		err = expect(removed == 1, fmt.Sprintf("expected 1 eviction, got %d", removed))
	}

	steps = append(steps, diagnoseStep{name: "evict (expired)", err: err})

	_, ok = cache.Lookup(ctx, key)
	steps = append(steps, diagnoseStep{name: "lookup after evict", err: expect(!ok, "evicted entry still present")})

	return steps
}

func expect(cond bool, msg string) error {
	if cond {
		return nil
	}

	return errors.New(msg)
}

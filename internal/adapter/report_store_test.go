package adapter

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

func TestReportStore_RoundTrip(t *testing.T) {
	store := NewReportStore()
	path := m.Path(filepath.Join(t.TempDir(), "nested", "baseline.json"))

	result := m.ScanResult{
		Target: "repo",
		Dependencies: []m.Dependency{{
			Name: "tokioo", Version: "1.0.0", Ecosystem: m.EcosystemCrates,
			Score: 50, Level: m.RiskMedium,
			Flags: []m.Flag{m.NewFlag(m.FlagTyposquatting, "tokio")},
		}},
		Partial: true,
	}

	require.NoError(t, store.SaveReport(path, result))

	loaded, err := store.LoadReport(path)
	require.NoError(t, err)
	assert.Equal(t, result.Target, loaded.Target)
	assert.True(t, loaded.Partial)
	require.Len(t, loaded.Dependencies, 1)
	assert.Equal(t, m.RiskMedium, loaded.Dependencies[0].Level)
	assert.Equal(t, m.FlagTyposquatting, loaded.Dependencies[0].Flags[0].Kind)
}

func TestReportStore_LoadMissing(t *testing.T) {
	_, err := NewReportStore().LoadReport(m.Path(filepath.Join(t.TempDir(), "missing.json")))
	assert.ErrorIs(t, err, ErrReportNotFound)
}

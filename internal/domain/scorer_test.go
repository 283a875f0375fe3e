package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

func TestLevelFor_Boundaries(t *testing.T) {
	tests := []struct {
		score uint32
		want  m.RiskLevel
	}{
		{0, m.RiskClean},
		{9, m.RiskClean},
		{10, m.RiskLow},
		{24, m.RiskLow},
		{25, m.RiskMedium},
		{49, m.RiskMedium},
		{50, m.RiskHigh},
		{79, m.RiskHigh},
		{80, m.RiskCritical},
		{300, m.RiskCritical},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.score), "score %d", tt.score)
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name  string
		flags []m.Flag
		score uint32
		level m.RiskLevel
	}{
		{"no flags", nil, 0, m.RiskClean},
		{"typosquat alone is high", []m.Flag{m.NewFlag(m.FlagTyposquatting, "tokio")}, 50, m.RiskHigh},
		{
			"typosquat and process execution",
			[]m.Flag{m.NewFlag(m.FlagTyposquatting, ""), m.NewFlag(m.FlagProcessExecution, "")},
			80, m.RiskCritical,
		},
		{
			"metadata only",
			[]m.Flag{m.NewFlag(m.FlagRecentPublication, ""), m.NewFlag(m.FlagLowDownloads, "")},
			25, m.RiskMedium,
		},
		{"filesystem access", []m.Flag{m.NewFlag(m.FlagFileSystemAccess, "walkdir")}, 5, m.RiskClean},
		{
			"remote findings accumulate",
			[]m.Flag{m.NewFlag(m.FlagRemoteLow, ""), m.NewFlag(m.FlagRemoteLow, "")},
			10, m.RiskLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, level := Score(m.Dependency{Name: "x", Flags: tt.flags})
			assert.Equal(t, tt.score, score)
			assert.Equal(t, tt.level, level)
		})
	}
}

func TestScore_OrderIndependent(t *testing.T) {
	flags := []m.Flag{
		m.NewFlag(m.FlagNetworkCapability, ""),
		m.NewFlag(m.FlagSuspiciousAuthor, ""),
		m.NewFlag(m.FlagRemoteMedium, ""),
	}
	reversed := []m.Flag{flags[2], flags[1], flags[0]}

	a, la := Score(m.Dependency{Flags: flags})
	b, lb := Score(m.Dependency{Flags: reversed})

	assert.Equal(t, uint32(75), a)
	assert.Equal(t, a, b)
	assert.Equal(t, la, lb)
}

package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// ErrReportNotFound is returned when no report exists at the given path.
var ErrReportNotFound = errors.New("report not found")

// ReportStore saves and loads scan results used as baselines.
type ReportStore interface {
	SaveReport(path m.Path, result m.ScanResult) error
	LoadReport(path m.Path) (m.ScanResult, error)
}

type fileReportStore struct{}

// NewReportStore returns a ReportStore writing indented JSON files.
func NewReportStore() ReportStore {
	return fileReportStore{}
}

func (fileReportStore) SaveReport(path m.Path, result m.ScanResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	dir := filepath.Dir(string(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("failed to create report directory", "dir", dir, "error", err)
		return fmt.Errorf("create report directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}

	if err := os.Rename(tmp.Name(), string(path)); err != nil {
		slog.Error("failed to save report", "path", path, "error", err)
		return fmt.Errorf("save report: %w", err)
	}

	return nil
}

func (fileReportStore) LoadReport(path m.Path) (m.ScanResult, error) {
	data, err := os.ReadFile(string(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m.ScanResult{}, fmt.Errorf("%w: %s", ErrReportNotFound, path)
		}

		return m.ScanResult{}, fmt.Errorf("read report: %w", err)
	}

	var result m.ScanResult
	if err := json.Unmarshal(data, &result); err != nil {
		return m.ScanResult{}, fmt.Errorf("decode report %s: %w", path, err)
	}

	return result, nil
}

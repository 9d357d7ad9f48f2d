package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type entityReport struct {
	ProcessedCount int           `json:"processed_count"`
	Skipped        []SkippedItem `json:"skipped"`
}

// WriteReport renders a run's per-entity outcome as a JSON file in dir and
// returns the file's path.
func WriteReport(run *RunSummary, dir string) (string, error) {
	report := make(map[string]entityReport, len(run.Entities))
	for _, summary := range run.Entities {
		skipped := summary.Skipped
		if skipped == nil {
			skipped = []SkippedItem{}
		}
		report[string(summary.Entity)] = entityReport{
			ProcessedCount: summary.Processed,
			Skipped:        skipped,
		}
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}

	name := fmt.Sprintf("sync-report-%s-%s.json", run.StartedAt.Format("20060102-150405"), run.RunID)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

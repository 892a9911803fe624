// Package deadletter persists rows that failed contract validation,
// one file per rejection event, for offline inspection. The pipeline
// only ever writes here; nothing reads the sink back.
package deadletter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"trafficlake/internal/domain"
)

// Sink writes rejection artifacts under <baseDir>/<dest_table>/.
type Sink struct {
	baseDir string
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Sink rooted at baseDir.
func New(baseDir string, logger *slog.Logger) *Sink {
	return &Sink{baseDir: baseDir, logger: logger, now: time.Now}
}

// event is the on-disk shape of one rejection artifact.
type event struct {
	Dest       string               `json:"dest_table"`
	RejectedAt time.Time            `json:"rejected_at"`
	Reasons    []string             `json:"reasons"`
	Rows       []domain.RejectedRow `json:"rows"`
}

// Write appends one rejection event for the destination table. The file
// is named with the table, a run timestamp, and a unique suffix so that
// concurrent rejections never collide. Failures are returned for logging
// but must never abort the pipeline.
func (s *Sink) Write(dest string, rows []domain.RejectedRow, reasons []string) error {
	dir := filepath.Join(s.baseDir, dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("dead-letter dir %s: %w", dir, err)
	}

	name := fmt.Sprintf("rejected_%s_%s.json",
		s.now().Format("20060102_150405"), uuid.NewString()[:8])
	path := filepath.Join(dir, name)

	raw, err := json.MarshalIndent(event{
		Dest:       dest,
		RejectedAt: s.now().UTC(),
		Reasons:    reasons,
		Rows:       rows,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rejection for %s: %w", dest, err)
	}

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write rejection %s: %w", path, err)
	}

	s.logger.Warn("rejected chunk written to dead-letter sink",
		"dest", dest, "rows", len(rows), "path", path)
	return nil
}

package runstore

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ExportCSV writes runs matching the filter as a flat table, one row
// per run, most recent first. Excerpts were redacted at write time, so
// the export contains no secret material.
func (s *Store) ExportCSV(w io.Writer, f Filter) error {
	runs, err := s.Query(f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{
		"id", "kind", "provider", "model", "status",
		"started_at", "ended_at", "prompt_tokens", "completion_tokens",
		"log_bytes", "error_message", "log_excerpt",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("runstore: write export header: %w", err)
	}

	for _, run := range runs {
		ended := ""
		if run.EndedAt != nil {
			ended = run.EndedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			run.ID,
			string(run.Kind),
			run.Provider,
			run.Model,
			string(run.Status),
			run.StartedAt.UTC().Format(time.RFC3339),
			ended,
			strconv.FormatInt(run.PromptTokens, 10),
			strconv.FormatInt(run.CompletionTokens, 10),
			strconv.FormatInt(run.LogBytes, 10),
			run.ErrorMessage,
			run.LogExcerpt,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("runstore: write export row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

package runstore

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportCSV(t *testing.T) {
	s := newTestStore(t)

	a := createRun(t, s, "openai", "gpt-4o")
	require.NoError(t, s.AppendExcerpt(a, "request with Bearer tok123abc inside"))
	require.NoError(t, s.UpdateStatus(a, StatusStreaming, ""))
	require.NoError(t, s.AddTokens(a, 12, 34))
	require.NoError(t, s.UpdateStatus(a, StatusCompleted, ""))

	createRun(t, s, "anthropic", "claude-sonnet")

	var buf bytes.Buffer
	require.NoError(t, s.ExportCSV(&buf, Filter{}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3, "header plus two rows")

	assert.Equal(t, "id", records[0][0])
	assert.Equal(t, "status", records[0][4])

	// No secret material anywhere in the export.
	assert.NotContains(t, buf.String(), "tok123abc")
}

func TestExportCSVFiltered(t *testing.T) {
	s := newTestStore(t)

	createRun(t, s, "openai", "gpt-4o")
	createRun(t, s, "anthropic", "claude-sonnet")

	var buf bytes.Buffer
	require.NoError(t, s.ExportCSV(&buf, Filter{Provider: "openai"}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "openai", records[1][2])
}

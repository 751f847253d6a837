package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", JSON: true, Out: &buf})

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
	assert.Equal(t, "warn", lines[0]["level"])
}

func TestForWorkerCarriesIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	logger := ForWorker(New(Options{Level: "debug", JSON: true, Out: &buf}), "w-1", "n-1")

	logger.Error().Str(FieldMsgID, "recovery_failed").Msg("boom")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "w-1", lines[0][FieldWorkerID])
	assert.Equal(t, "n-1", lines[0]["notification_id"])
	assert.Equal(t, "recovery_failed", lines[0][FieldMsgID])
	assert.Equal(t, "error", lines[0]["level"])
}

func TestLeveledAdapterKeyvals(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewLeveledAdapter(New(Options{Level: "debug", JSON: true, Out: &buf}))

	adapter.Warn("request failed", "url", "http://nova/servers", "error", errors.New("refused"), "dangling")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "control-plane-http", lines[0][FieldComponent])
	assert.Equal(t, "http://nova/servers", lines[0]["url"])
	assert.Equal(t, "refused", lines[0]["error"])
	assert.Equal(t, "MISSING_VALUE", lines[0]["dangling"])
}

func TestGooseAdapterPrintf(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewGooseAdapter(New(Options{Level: "info", JSON: true, Out: &buf}))

	adapter.Printf("OK   %s (%s)\n", "00001_create_recovery_tables.sql", "12ms")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "OK   00001_create_recovery_tables.sql (12ms)", lines[0]["message"])
	assert.Equal(t, "goose", lines[0][FieldComponent])
}

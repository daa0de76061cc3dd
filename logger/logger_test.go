package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestZerologLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(zerolog.New(&buf), "hl7bridge", zerolog.InfoLevel)

	l.With(String("component", "initiator")).Info("ack received",
		String("host", "localhost"), Int("port", 2575), Err(errors.New("boom")))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "hl7bridge", lines[0]["service"])
	assert.Equal(t, "initiator", lines[0]["component"])
	assert.Equal(t, "localhost", lines[0]["host"])
	assert.Equal(t, float64(2575), lines[0]["port"])
	assert.Equal(t, "boom", lines[0]["error"])
	assert.Equal(t, "ack received", lines[0]["message"])
	assert.Contains(t, lines[0], "time")
}

func TestZerologLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(zerolog.New(&buf), "svc", zerolog.WarnLevel)

	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "error", lines[1]["level"])
	assert.NoError(t, l.Close())
}

func TestZerologFileLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := NewZerologFileLogger("svc", FileOptions{Dir: dir, MaxSizeMB: 1}, zerolog.InfoLevel)
	require.NoError(t, err)

	l.Info("written to file")
	require.NoError(t, l.With(String("k", "v")).Close())
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "svc.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Info("ignored", String("k", "v"))
	assert.NotNil(t, l.With(Int("n", 1)))
	assert.NoError(t, l.Close())
}

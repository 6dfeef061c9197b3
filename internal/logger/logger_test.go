package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout) })
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestWithComponent(t *testing.T) {
	buf := capture(t)

	WithComponent("hub").Info().Msg("client registered")

	entry := lastLine(t, buf)
	assert.Equal(t, "hub", entry["component"])
	assert.Equal(t, "client registered", entry["message"])
	assert.Equal(t, "info", entry["level"])
}

func TestWithRequestID(t *testing.T) {
	buf := capture(t)

	WithRequestID("req-1").Warn().Msg("slow request")

	entry := lastLine(t, buf)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "warn", entry["level"])
}

func TestWithDevice(t *testing.T) {
	buf := capture(t)

	log := WithDevice("monitor", "ESP32_001", "mqtt")
	log.Error().Msg("alert check failed")

	entry := lastLine(t, buf)
	assert.Equal(t, "monitor", entry["component"])
	assert.Equal(t, "ESP32_001", entry["device_id"])
	assert.Equal(t, "mqtt", entry["source"])
	assert.Equal(t, "error", entry["level"])
}

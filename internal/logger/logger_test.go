package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func resetVerbose() {
	SetVerbose(false)
	SetOutput(os.Stderr)
}

func TestSetVerbose(t *testing.T) {
	defer resetVerbose()

	SetVerbose(false)
	assert.False(t, IsVerbose())

	SetVerbose(true)
	assert.True(t, IsVerbose())

	SetVerbose(false)
	assert.False(t, IsVerbose())
}

func TestDebug_WhenVerbose(t *testing.T) {
	defer resetVerbose()

	var buf bytes.Buffer
	SetOutput(&buf)
	SetVerbose(true)

	Debug("test message %s", "arg")

	assert.Equal(t, "[DEBUG] test message arg\n", buf.String())
}

func TestDebug_WhenNotVerbose(t *testing.T) {
	defer resetVerbose()

	var buf bytes.Buffer
	SetOutput(&buf)
	SetVerbose(false)

	Debug("test message")
	Info("info")
	Warn("warn")
	Section("section")

	assert.Zero(t, buf.Len())
}

func TestInfoWarnSection_WhenVerbose(t *testing.T) {
	defer resetVerbose()

	var buf bytes.Buffer
	SetOutput(&buf)
	SetVerbose(true)

	Info("loaded %d streams", 3)
	Warn("stream %s disabled", "okta")
	Section("Streams")

	out := buf.String()
	assert.Contains(t, out, "[INFO] loaded 3 streams\n")
	assert.Contains(t, out, "[WARN] stream okta disabled\n")
	assert.Contains(t, out, "\n=== Streams ===\n")
}

func TestNew_WritesJSONToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingestd.log")

	l, err := New(Options{Level: "debug", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	l.Info("worker started", zap.String("stream_id", "okta"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "worker started", entry["msg"])
	assert.Equal(t, "okta", entry["stream_id"])
	assert.Equal(t, "info", entry["level"])
}

func TestNew_RejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestCritical_TagsEntry(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	Critical(zap.New(core), "credentials rejected", zap.String("stream_id", "okta"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, true, entry.ContextMap()["critical"])
	assert.Equal(t, "okta", entry.ContextMap()["stream_id"])
}

func TestConcurrentAccess(t *testing.T) {
	defer resetVerbose()

	SetOutput(io.Discard)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			SetVerbose(true)
			Debug("concurrent")
			_ = IsVerbose()
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

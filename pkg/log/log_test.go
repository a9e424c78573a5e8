package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtxFallsBackToDefault(t *testing.T) {
	l := Ctx(context.Background())
	require.NotNil(t, l)
	assert.Equal(t, defaultLogger, l)
}

func TestWithCarriesLogger(t *testing.T) {
	var buf bytes.Buffer
	custom := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := With(context.Background(), custom)

	got := Ctx(ctx)
	require.Equal(t, custom, got)

	got.Info("polled", slog.Float64("solarKW", 2.5))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "polled", entry["msg"])
	assert.Equal(t, 2.5, entry["solarKW"])

	// the parent context is untouched
	assert.Equal(t, defaultLogger, Ctx(context.Background()))
}

func TestSetDefaultLogLevel(t *testing.T) {
	orig := defaultLogLevel.Level()
	defer defaultLogLevel.Set(orig)

	SetDefaultLogLevel(slog.LevelDebug)
	assert.True(t, defaultLogger.Enabled(context.Background(), slog.LevelDebug))

	SetDefaultLogLevel(slog.LevelError)
	assert.False(t, defaultLogger.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, defaultLogger.Enabled(context.Background(), slog.LevelError))
}

package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Development: true, Level: "debug"})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewProductionLoggerDefaultsToInfo(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}

func TestParseLevelIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	level, err := parseLevel(" WARN ")
	require.NoError(t, err)
	require.Equal(t, zapcore.WarnLevel, level)
}

package dlogger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestGetLogger(t *testing.T) {
	l, err := GetLogger(LogLevelDebug)
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = GetLogger(LogLevelInfo)
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zapcore.DebugLevel))
	require.True(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = GetLogger("verbose")
	require.Error(t, err)
}

func TestGetLoggerNone(t *testing.T) {
	l, err := GetLogger(LogLevelNone)
	require.NoError(t, err)
	// nop logger discards everything
	require.False(t, l.Core().Enabled(zapcore.ErrorLevel))
}

func TestMustGetLoggerPanics(t *testing.T) {
	require.Panics(t, func() { MustGetLogger("verbose") })
	require.NotNil(t, MustGetLogger(LogLevelInfo))
}

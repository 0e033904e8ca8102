package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuildRecognizesEveryLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		logger, err := Build(level)
		require.NoError(t, err)
		require.NotNil(t, logger)
	}
}

func TestBuildDebugEnablesDebugLogging(t *testing.T) {
	logger, err := Build("debug")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestBuildInfoDisablesDebugLogging(t *testing.T) {
	logger, err := Build("info")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zap.DebugLevel))
}

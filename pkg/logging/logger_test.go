package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treetop-comms/canopy/pkg/config"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: "json"}, "test")
	require.NoError(t, err)
	require.NotNil(t, logger)

	// Must not panic with structured fields.
	logger.Info("test message", "key", "value")
	logger.Debug("suppressed at info level")
}

func TestNewLoggerInvalidLevelFallsBack(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "verbose"}, "test")
	require.NoError(t, err)
	logger.Info("still works")
}

func TestWithTrail(t *testing.T) {
	base := Discard()
	trailed := base.WithTrail("trail-123")
	require.NotNil(t, trailed)
	assert.NotSame(t, base, trailed)
	trailed.Info("correlated event")
}

func TestWithContext(t *testing.T) {
	ctx := ContextWithTrailID(context.Background(), "trail-456")
	ctx = ContextWithCallID(ctx, "call-1")
	ctx = ContextWithSourceIP(ctx, "192.0.2.1")

	logger := Discard().WithContext(ctx)
	require.NotNil(t, logger)
	logger.Info("context-scoped event")
}

func TestSproutletLogger(t *testing.T) {
	logger := Discard().SproutletLogger("session-expires", "session-expires", "id-1")
	require.NotNil(t, logger)
	logger.Info("dispatch")
}

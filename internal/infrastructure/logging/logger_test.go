package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		t.Run(level, func(t *testing.T) {
			logger, err := New(Config{Level: level, OutputPaths: []string{"stderr"}})
			require.NoError(t, err)
			assert.NotNil(t, logger.Logger)
		})
	}
}

func TestIDFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := &Logger{Logger: zap.New(core)}

	p := id.PipelineID{Namespace: 1, Index: 4}
	c := id.BrowsingContextID{Namespace: 1, Index: 2}
	logger.Component("orchestrator").Info("spawned",
		Pipeline(p),
		Context(c),
		Generation(9),
	)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "orchestrator", entry.LoggerName)

	fields := entry.ContextMap()
	assert.Equal(t, "pipeline(1:4)", fields["pipeline"])
	assert.Equal(t, "context(1:2)", fields["context"])
	assert.Equal(t, uint64(9), fields["generation"])
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	assert.NotPanics(t, func() {
		logger.Component("x").Info("discarded")
	})
}

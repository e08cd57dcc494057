package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, json := range []bool{true, false} {
		log, err := New("warn", json)
		require.NoError(t, err)
		assert.False(t, log.Desugar().Core().Enabled(zapcore.InfoLevel))
		assert.True(t, log.Desugar().Core().Enabled(zapcore.ErrorLevel))
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("chatty", true)
	assert.Error(t, err)
}

package spanstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetInternalLogger(t *testing.T) {
	prev := InternalLogger()
	defer SetInternalLogger(prev)

	core, logs := observer.New(zapcore.DebugLevel)
	SetInternalLogger(zap.New(core))

	// drop warnings are rate limited
	m := newMetricsTracker(nil)
	for i := 0; i < 10; i++ {
		m.onSpansDropped(1)
	}

	warnings := logs.FilterMessage("dropping spans").All()
	if assert.Len(t, warnings, 1) {
		assert.Equal(t, zapcore.WarnLevel, warnings[0].Level)
		assert.Equal(t, uint64(1), warnings[0].ContextMap()["total_dropped"])
	}
}

func TestSetInternalLogger_nil(t *testing.T) {
	prev := InternalLogger()
	defer SetInternalLogger(prev)

	SetInternalLogger(nil)
	assert.NotNil(t, InternalLogger())
	InternalLogger().Warn("discarded")
}

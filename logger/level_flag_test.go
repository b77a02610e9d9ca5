package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	tests := []struct {
		value string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"Info", zapcore.InfoLevel},
		{"ERROR", zapcore.ErrorLevel},
		{"1", zapcore.Level(-1)},
		{"6", zapcore.Level(-6)},
	}
	for _, tt := range tests {
		level, err := StringToLevel(tt.value, zapcore.ErrorLevel)
		require.NoError(t, err, "value %q", tt.value)
		assert.Equal(t, tt.want, level, "value %q", tt.value)
	}

	for _, bad := range []string{"", "verbose", "-2", "0"} {
		_, err := StringToLevel(bad, zapcore.ErrorLevel)
		assert.Error(t, err, "value %q", bad)
	}
}

func TestLevelFlagValueAppliesLevel(t *testing.T) {
	var applied zapcore.Level
	v := NewLevelFlagValue(func(level zapcore.Level) { applied = level })

	require.NoError(t, v.Set("debug"))
	assert.Equal(t, zapcore.DebugLevel, applied)
	assert.Equal(t, "debug", v.String())

	require.Error(t, v.Set("nonsense"))
	assert.Equal(t, "debug", v.String(), "failed set leaves the value unchanged")
}

package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_PrefixAndLevelRouting(t *testing.T) {
	var lines []string
	record := func(tag string) LogFunc {
		return func(format string, args ...interface{}) {
			lines = append(lines, tag+" "+fmt.Sprintf(format, args...))
		}
	}

	logger := NewLogger("[OTA-PROVIDER] ", LogFuncs{
		Debugf: record("D"),
		Infof:  record("I"),
		Errorf: record("E"),
	})

	logger.Infof("pid %d", 42)
	logger.Warnf("dropped")
	logger.Errorf("failed: %s", "x")
	logger.LogLevelf(LogLevelDebug, "debug")

	assert.Equal(t, []string{
		"I [OTA-PROVIDER] pid 42",
		"E [OTA-PROVIDER] failed: x",
		"D [OTA-PROVIDER] debug",
	}, lines)
}

func TestWithPrefix_Chains(t *testing.T) {
	var got string
	base := NewLogger("fixture: ", LogFuncs{
		Infof: func(format string, args ...interface{}) { got = fmt.Sprintf(format, args...) },
	})

	WithPrefix(base, "[SERVER] ").Infof("ready")
	assert.Equal(t, "fixture: [SERVER] ready", got)
}

func TestZapLogger_LevelMapping(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	logger := NewZapLoggerFrom(zap.New(core))

	logger.LogLevelf(LogLevelWarn, "warn %d", 1)
	logger.Debugf("debug")
	logger.Named("provider").Errorf("err")

	entries := observed.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "warn 1", entries[0].Message)
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, "provider", entries[2].LoggerName)
}

func TestNewZapLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := NewZapLogger(ZapConfig{Level: "verbose"})
	assert.Error(t, err)

	logger, err := NewZapLogger(ZapConfig{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

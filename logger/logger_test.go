package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/protobuf/types/known/structpb"
)

func observe(t *testing.T, l LogLevel) *observer.ObservedLogs {
	t.Helper()

	prev := GetLevel()
	SetLevel(l)
	core, logs := observer.New(traceLevel)
	restore := ReplaceCore(core)
	t.Cleanup(func() {
		restore()
		SetLevel(prev)
	})
	return logs
}

func TestLevelFiltering(t *testing.T) {
	logs := observe(t, WARN)

	Debug("CSIP c0", "dropped %d", 1)
	Info("CSIP c0", "dropped")
	Warn("CSIP c0", "invalid length %d", 3)
	Error("CSIP c0", "decrypt failed")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "invalid length 3", entries[0].Message)
	assert.Equal(t, "CSIP c0", entries[0].ContextMap()["component"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestTraceBelowDebug(t *testing.T) {
	logs := observe(t, DEBUG)
	Trace("ATT", "hidden")
	assert.Zero(t, logs.Len())

	SetLevel(TRACE)
	Trace("ATT", "visible")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, traceLevel, logs.All()[0].Level)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, TRACE, ParseLevel("trace"))
	assert.Equal(t, WARN, ParseLevel("Warn"))
	assert.Equal(t, INFO, ParseLevel("verbose"))
}

func TestSetGetLevel(t *testing.T) {
	prev := GetLevel()
	defer SetLevel(prev)

	for _, l := range []LogLevel{TRACE, DEBUG, INFO, WARN, ERROR} {
		SetLevel(l)
		assert.Equal(t, l, GetLevel())
	}
}

func TestToJSON(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]interface{}{"opcode": "Read Request"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"opcode": "Read Request"}`, ToJSON(msg))

	assert.JSONEq(t, `{"Handle": 22}`, ToJSON(struct{ Handle int }{22}))
}

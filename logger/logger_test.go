package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logger"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var _ txnlog.Tracer = (*logger.Tracer)(nil)

func TestConfig_New(t *testing.T) {
	var buf bytes.Buffer
	l, err := logger.Config{Format: "json", Level: zapcore.WarnLevel}.New(&buf)
	require.NoError(t, err)

	l.Info("dropped")
	l.Warn("kept", zap.Int("n", 1))
	require.NoError(t, l.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, float64(1), entry["n"])

	_, err = logger.Config{Format: "xml"}.New(&buf)
	require.Error(t, err)
}

func TestConfig_New_Auto(t *testing.T) {
	var buf bytes.Buffer
	l, err := logger.NewConfig().New(&buf)
	require.NoError(t, err)
	l.Info("hello", zap.String("store", "a"))
	require.Contains(t, buf.String(), "msg=hello")
	require.Contains(t, buf.String(), "store=a")
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger.New(&buf).Debug("hello")
	require.Contains(t, buf.String(), "hello")
	require.Contains(t, buf.String(), "debug")
}

func TestTracer(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	tr := logger.NewTracer(zap.New(core))

	tr.WriteError("recovery", "record %d corrupt", 7)
	tr.WriteWarning("copy", "slow")
	tr.WriteInfo("checkpoint", "done")
	tr.WriteNoise("append", "ignored")

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	require.Equal(t, "record 7 corrupt", entries[0].Message)
	require.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	require.Equal(t, "recovery", entries[0].ContextMap()["category"])
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestContext(t *testing.T) {
	require.NotNil(t, logger.FromContext(context.Background()))
	l := zap.NewExample()
	require.Same(t, l, logger.FromContext(logger.NewContext(context.Background(), l)))
}

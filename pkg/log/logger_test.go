package log

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	modlerrors "github.com/YuminosukeSato/modl/pkg/errors"
)

func TestTestLoggerCapturesFields(t *testing.T) {
	logger, buffer := NewTestLogger(LevelDebug)

	logger.Debug("batch done", IterationKey, 3, DictChangeKey, 0.25)
	logger.Info("fit started", OperationKey, OperationFit)
	logger.Warn("ill-conditioned", "condition", 1e13)
	logger.Error("fit failed", errors.New("boom"), OperationKey, OperationFit)

	require.NotEmpty(t, buffer.String())
	assert.True(t, logger.ContainsMessage("batch done"))
	assert.True(t, logger.ContainsField(IterationKey, 3.0))
	assert.True(t, logger.ContainsField(OperationKey, OperationFit))
	assert.True(t, logger.ContainsField("error", "boom"))

	entries, err := logger.GetLogEntries()
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestTestLoggerLevelFilter(t *testing.T) {
	logger, _ := NewTestLogger(LevelWarn)
	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("shown")

	entries, err := logger.GetLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0]["message"])
	assert.False(t, logger.Enabled(context.Background(), LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), LevelError))
}

func TestTestLoggerWith(t *testing.T) {
	base, _ := NewTestLogger(LevelInfo)
	child := base.With(ModelNameKey, "DictCompleter", EstimatorIDKey, "abc")
	child.Info("fit finished")

	assert.True(t, base.ContainsField(ModelNameKey, "DictCompleter"))
	assert.True(t, base.ContainsField(EstimatorIDKey, "abc"))
}

func TestZerologLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(&buf, LevelInfo, false)

	logger.Debug("not written")
	logger.With(ModelNameKey, "DictCompleter").Info("fit finished", IterationKey, 50, RMSEKey, 0.12)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "fit finished", entry["message"])
	assert.Equal(t, "DictCompleter", entry[ModelNameKey])
	assert.Equal(t, 50.0, entry[IterationKey])
	assert.Equal(t, "info", entry["level"])

	assert.False(t, logger.Enabled(context.Background(), LevelDebug))
	assert.True(t, logger.Enabled(context.Background(), LevelWarn))
}

func TestZerologLoggerErrorCarriesStack(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(&buf, LevelDebug, false)

	logger.Error("predict failed", modlerrors.NewNotFittedError("DictCompleter", "Predict"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Contains(t, entry["error"], "not fitted")
	assert.NotEmpty(t, entry[StacktraceKey])
}

func TestRouteWarnings(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(&buf, LevelDebug, false)
	RouteWarnings(logger)
	defer modlerrors.SetZerologWarnFunc(nil)

	modlerrors.Warn(modlerrors.NewNumericalInstabilityWarning("code_solve", 1e14, 7))

	out := buf.String()
	assert.Contains(t, out, `"type":"NumericalInstabilityWarning"`)
	assert.Contains(t, out, `"level":"warn"`)
}

func TestSetupLoggerCloudFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := SetupLogger(&buf, "info")
	require.NoError(t, err)

	logger.Error("fit failed", errors.New("boom"), OperationKey, OperationFit)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["severity"])
	assert.Equal(t, "fit failed", entry["message"])
	assert.Contains(t, entry, StacktraceAttrKey)
	assert.Contains(t, entry, ErrorTypeKey)

	buf.Reset()
	logger.Warn("predict before fit", modlerrors.NewNotFittedError("DictCompleter", "Predict"))
	entry = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "*errors.NotFittedError", entry[ErrorTypeKey])

	_, err = SetupLogger(&buf, "verbose")
	assert.Error(t, err)
}

func TestAtLeast(t *testing.T) {
	var buf bytes.Buffer
	warn := NewZerologLogger(&buf, LevelWarn, false)

	info := AtLeast(warn, LevelInfo)
	assert.True(t, info.Enabled(context.Background(), LevelInfo))
	assert.False(t, warn.Enabled(context.Background(), LevelInfo))
	info.Info("fit started")
	assert.Contains(t, buf.String(), "fit started")

	// 既に出力するロガーはそのまま
	assert.Same(t, warn, AtLeast(warn, LevelError))

	test, _ := NewTestLogger(LevelWarn)
	assert.Same(t, test, AtLeast(test, LevelDebug))
}

func TestVerbosityLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, VerbosityLevel(0))
	assert.Equal(t, LevelInfo, VerbosityLevel(1))
	assert.Equal(t, LevelDebug, VerbosityLevel(5))

	lvl, ok := ParseLevel("debug")
	assert.True(t, ok)
	assert.Equal(t, LevelDebug, lvl)
	_, ok = ParseLevel("chatty")
	assert.False(t, ok)
}

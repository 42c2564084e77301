package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/modl/config"
	"github.com/YuminosukeSato/modl/core/model"
	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/pkg/log"
	"github.com/YuminosukeSato/modl/sklearn/completion"
)

func smallConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Data.Rows = 80
	cfg.Data.Cols = 20
	cfg.Data.Rank = 2
	cfg.Data.Density = 0.4
	cfg.Model.NComponents = 3
	cfg.Model.Alpha = 0.05
	cfg.Model.BatchSize = 10
	cfg.Model.MaxNIter = 30
	cfg.Model.CallbackEvery = 10
	require.NoError(t, cfg.Validate())
	return cfg
}

func quietLogger() log.Logger {
	return log.NewZerologLogger(io.Discard, log.LevelError, false)
}

func TestRunFit(t *testing.T) {
	cfg := smallConfig(t)
	var out bytes.Buffer
	reg := prometheus.NewRegistry()

	res, err := runFit(context.Background(), cfg, &out, quietLogger(), reg)
	require.NoError(t, err)

	require.NotEmpty(t, res.Curve)
	for i := 1; i < len(res.Curve); i++ {
		assert.Greater(t, res.Curve[i].Iteration, res.Curve[i-1].Iteration)
	}
	assert.False(t, res.FromCache)
	assert.Equal(t, 30, res.NIter)
	assert.Less(t, res.TrainRMSE, res.BaselineRMSE)
	assert.Greater(t, res.TestRMSE, 0.0)

	assert.Contains(t, out.String(), "train_rmse")
	assert.Contains(t, out.String(), "fitted: status=")
	assert.Contains(t, out.String(), "test RMSE")

	n, err := testutil.GatherAndCount(reg, "modl_fit_callbacks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExportWeights(t *testing.T) {
	res, err := runFit(context.Background(), smallConfig(t), io.Discard, quietLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "weights.json")
	require.NoError(t, exportWeights(res.Model, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var weights model.ModelWeights
	require.NoError(t, weights.FromJSON(data))
	require.NoError(t, weights.Validate())

	imported := completion.New(completion.WithLogger(quietLogger()))
	require.NoError(t, imported.ImportWeights(&weights))
	assert.True(t, imported.IsFitted())

	assert.Error(t, exportWeights(res.Model, filepath.Join(t.TempDir(), "missing", "weights.json")))
}

func TestRunFitRestoresFromBadger(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Cache.Backend = config.CacheBadger
	cfg.Cache.Dir = t.TempDir()

	first, err := runFit(context.Background(), cfg, io.Discard, quietLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	var out bytes.Buffer
	second, err := runFit(context.Background(), cfg, &out, quietLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Empty(t, second.Curve)
	assert.InDelta(t, first.TestRMSE, second.TestRMSE, 1e-12)
	assert.Equal(t, first.NIter, second.NIter)
	assert.Contains(t, out.String(), "restored from cache")
}

func TestRunFitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runFit(ctx, smallConfig(t), io.Discard, quietLogger(), prometheus.NewRegistry())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFitCommand(t *testing.T) {
	t.Setenv(config.ConfigPathEnvVar, "")
	t.Setenv("MODL_LOG__LEVEL", "error")

	t.Run("flags override defaults", func(t *testing.T) {
		cmd := newFitCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{
			"--rows", "60", "--cols", "15", "--rank", "2", "--density", "0.4",
			"--n-components", "2", "--max-n-iter", "12",
		})
		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), "data: 60 x 15")
		assert.Contains(t, out.String(), "batches=12")
	})

	t.Run("invalid flag value", func(t *testing.T) {
		cmd := newFitCmd()
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{"--memory-level", "5"})
		err := cmd.Execute()
		var cfgErr *errors.InvalidConfigurationError
		require.True(t, errors.As(err, &cfgErr), "got %v", err)
		assert.Equal(t, "memory_level", cfgErr.ParamName)
	})
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "modl dev")
}

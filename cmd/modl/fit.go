package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/modl/cache"
	"github.com/YuminosukeSato/modl/config"
	"github.com/YuminosukeSato/modl/core/model"
	"github.com/YuminosukeSato/modl/metrics"
	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/pkg/log"
	"github.com/YuminosukeSato/modl/pkg/telemetry"
	"github.com/YuminosukeSato/modl/sklearn/completion"
	"github.com/YuminosukeSato/modl/sparse"
)

const modelLabel = "dict_completer"

// fitFlags は設定ファイルと環境変数より優先されるフラグ
type fitFlags struct {
	configPath  string
	rows        int
	cols        int
	rank        int
	density     float64
	testFrac    float64
	seed        int64
	components  int
	maxNIter    int
	cacheStore  string
	cacheDir    string
	memoryLevel int
	metricsAddr string
	exportPath  string
}

func newFitCmd() *cobra.Command {
	f := &fitFlags{}
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a dictionary completer on synthetic data",
		Long: `Generate a synthetic low-rank sparse matrix, split its entries into a
train and a test part, fit a DictCompleter on the train part and print the
train/test RMSE at every callback.

With --cache badger (or redis) the fitted model is memoized: running the same
command again restores it from the store instead of fitting.`,
		Example: `  modl fit --rows 5000 --cols 1000 --rank 8 --density 0.02
  modl fit --config modl.yaml --cache badger --cache-dir ./.modl-cache
  MODL_MODEL__PROJECTION=partial modl fit --max-n-iter 500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			if cfg.Metrics.Addr != "" {
				srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
				defer srv.Close()
			}

			res, err := runFit(ctx, cfg, cmd.OutOrStdout(), logger, reg)
			if err != nil {
				return err
			}
			if f.exportPath != "" {
				if err := exportWeights(res.Model, f.exportPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "weights written to %s\n", f.exportPath)
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "YAML configuration file (default $MODL_CONFIG)")
	fl.IntVar(&f.rows, "rows", 0, "Number of rows of the synthetic matrix")
	fl.IntVar(&f.cols, "cols", 0, "Number of columns of the synthetic matrix")
	fl.IntVar(&f.rank, "rank", 0, "Rank of the synthetic matrix")
	fl.Float64Var(&f.density, "density", 0, "Fraction of observed entries")
	fl.Float64Var(&f.testFrac, "test-frac", 0, "Fraction of observed entries held out for testing")
	fl.Int64Var(&f.seed, "seed", 0, "Seed of the synthetic data and the split")
	fl.IntVar(&f.components, "n-components", 0, "Number of dictionary components")
	fl.IntVar(&f.maxNIter, "max-n-iter", 0, "Maximum number of mini-batches (0 for one epoch)")
	fl.StringVar(&f.cacheStore, "cache", "", "Cache store: none, badger or redis")
	fl.StringVar(&f.cacheDir, "cache-dir", "", "Badger cache directory (empty for in-memory)")
	fl.IntVar(&f.memoryLevel, "memory-level", 0, "1 caches fit, 2 also caches predict and score")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	fl.StringVar(&f.exportPath, "export-weights", "", "Write the learned dictionary, codes and biases as JSON to this file")
	return cmd
}

// apply は指定されたフラグだけを cfg に上書きする
func (f *fitFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}
	set("rows", func() { cfg.Data.Rows = f.rows })
	set("cols", func() { cfg.Data.Cols = f.cols })
	set("rank", func() { cfg.Data.Rank = f.rank })
	set("density", func() { cfg.Data.Density = f.density })
	set("test-frac", func() { cfg.Data.TestFrac = f.testFrac })
	set("seed", func() { cfg.Data.Seed = f.seed })
	set("n-components", func() { cfg.Model.NComponents = f.components })
	set("max-n-iter", func() { cfg.Model.MaxNIter = f.maxNIter })
	set("cache", func() { cfg.Cache.Backend = f.cacheStore })
	set("cache-dir", func() { cfg.Cache.Dir = f.cacheDir })
	set("memory-level", func() { cfg.Cache.MemoryLevel = f.memoryLevel })
	set("metrics-addr", func() { cfg.Metrics.Addr = f.metricsAddr })
}

// curvePoint はコールバック1回分の記録
type curvePoint struct {
	Iteration  int
	TrainRMSE  float64
	TestRMSE   float64
	DictChange float64
	Elapsed    time.Duration
}

// fitResult は runFit の結果
type fitResult struct {
	Curve        []curvePoint
	Status       string
	NIter        int
	FromCache    bool
	TrainRMSE    float64
	TestRMSE     float64
	BaselineRMSE float64
	Elapsed      time.Duration
	Model        model.OnlineEstimator
}

// runFit はデータを作り、学習して、進捗と結果を out に書く
func runFit(ctx context.Context, cfg *config.Config, out io.Writer, logger log.Logger, reg prometheus.Registerer) (*fitResult, error) {
	X, err := sparse.Synthetic(sparse.SyntheticConfig{
		Rows:    cfg.Data.Rows,
		Cols:    cfg.Data.Cols,
		Rank:    cfg.Data.Rank,
		Density: cfg.Data.Density,
		Noise:   cfg.Data.Noise,
		Offset:  cfg.Data.Offset,
		Seed:    cfg.Data.Seed,
	})
	if err != nil {
		return nil, err
	}
	train, test, err := sparse.TrainTestSplit(X, cfg.Data.TestFrac, cfg.Data.Seed)
	if err != nil {
		return nil, err
	}
	baseline, err := metrics.MeanBaselineRMSE(train, test)
	if err != nil {
		return nil, err
	}

	fitMetrics := telemetry.NewFitMetrics(reg)
	mem, closeMem, err := openMemory(ctx, cfg.Cache, logger, telemetry.NewCacheMetrics(reg))
	if err != nil {
		return nil, err
	}
	defer closeMem()

	fmt.Fprintf(out, "data: %d x %d, %d train / %d test entries, mean baseline RMSE %.4f\n",
		cfg.Data.Rows, cfg.Data.Cols, train.NNZ(), test.NNZ(), baseline)
	fmt.Fprintf(out, "%10s %12s %12s %12s %10s\n", "iteration", "train_rmse", "test_rmse", "dict_change", "elapsed")

	res := &fitResult{BaselineRMSE: baseline}
	start := time.Now()
	callback := func(s *completion.Snapshot) {
		p := curvePoint{
			Iteration:  s.Iteration(),
			TrainRMSE:  rmseOrNaN(s.RMSE(train)),
			TestRMSE:   rmseOrNaN(s.RMSE(test)),
			DictChange: s.DictChange(),
			Elapsed:    time.Since(start),
		}
		res.Curve = append(res.Curve, p)
		fitMetrics.ObserveBatch(modelLabel, s)
		fitMetrics.ObserveRMSE(modelLabel, "train", p.TrainRMSE)
		fitMetrics.ObserveRMSE(modelLabel, "test", p.TestRMSE)
		fmt.Fprintf(out, "%10d %12.4f %12.4f %12.2e %10s\n",
			p.Iteration, p.TrainRMSE, p.TestRMSE, p.DictChange, p.Elapsed.Round(time.Millisecond))
	}

	est := cache.NewCachedEstimator(
		completion.New(
			completion.WithParams(cfg.Model),
			completion.WithLogger(logger),
			completion.WithCallback(callback),
		),
		mem,
		cache.WithMemoryLevel(cfg.Cache.MemoryLevel),
		cache.WithIgnoredParams(cfg.Cache.IgnoredParams...),
	)
	if err := est.FitContext(ctx, train); err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)

	fitted, err := est.Fitted()
	if err != nil {
		return nil, err
	}
	online, ok := fitted.(model.OnlineEstimator)
	if !ok {
		return nil, errors.Newf("%T is not an online estimator", fitted)
	}
	res.Model = online
	res.Status = online.FitStatus().String()
	res.NIter = online.NIterations()
	res.FromCache = mem.Enabled() && len(res.Curve) == 0

	trainScore, err := est.Score(train)
	if err != nil {
		return nil, err
	}
	testScore, err := est.Score(test)
	if err != nil {
		return nil, err
	}
	res.TrainRMSE, res.TestRMSE = -trainScore, -testScore
	fitMetrics.ObserveRMSE(modelLabel, "train", res.TrainRMSE)
	fitMetrics.ObserveRMSE(modelLabel, "test", res.TestRMSE)
	fitMetrics.ObserveFit(modelLabel, online.FitStatus(), res.Elapsed)

	source := "fitted"
	if res.FromCache {
		source = "restored from cache"
	}
	fmt.Fprintf(out, "%s: status=%s batches=%d elapsed=%s\n", source, res.Status, res.NIter, res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "train RMSE %.4f, test RMSE %.4f (baseline %.4f)\n", res.TrainRMSE, res.TestRMSE, res.BaselineRMSE)
	return res, nil
}

// exportWeights は est の学習済みの重みを JSON で path に書く
func exportWeights(est model.Estimator, path string) error {
	exporter, ok := est.(model.WeightExporter)
	if !ok {
		return errors.Newf("%T cannot export weights", est)
	}
	weights, err := exporter.ExportWeights()
	if err != nil {
		return err
	}
	data, err := weights.ToJSON()
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write weights to %s", path)
}

func rmseOrNaN(v float64, err error) float64 {
	if err != nil {
		return math.NaN()
	}
	return v
}

// openMemory は設定に従ってキャッシュを開く。返した関数でストアを閉じる。
func openMemory(ctx context.Context, cfg config.CacheConfig, logger log.Logger, m *telemetry.CacheMetrics) (*cache.Memory, func(), error) {
	opts := []cache.MemoryOption{cache.WithLogger(logger), cache.WithMetrics(m)}
	switch cfg.Backend {
	case config.CacheBadger:
		store, err := cache.OpenBadgerStore(cfg.Dir, cfg.TTL)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewMemory(store, opts...), func() { closeStore(store, logger) }, nil
	case config.CacheRedis:
		store, err := cache.DialRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TTL)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewMemory(store, opts...), func() { closeStore(store, logger) }, nil
	default:
		return cache.Disabled(), func() {}, nil
	}
}

func closeStore(c io.Closer, logger log.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("failed to close cache store", err)
	}
}

// newLogger は設定のフォーマットでロガーを作り、警告の出力先にする
func newLogger(cfg config.LogConfig, w io.Writer) (log.Logger, error) {
	level, ok := log.ParseLevel(cfg.Level)
	if !ok {
		return nil, errors.NewInvalidConfigurationError("level", "unknown log level", cfg.Level)
	}
	var logger log.Logger
	switch cfg.Format {
	case "slog":
		l, err := log.SetupLogger(w, cfg.Level)
		if err != nil {
			return nil, err
		}
		logger = l
		errors.SetZerologWarnFunc(nil)
		errors.SetWarningHandler(func(warning error) {
			l.Warn("warning", warning)
		})
	default:
		z := log.NewZerologLogger(w, level, cfg.Format == "console")
		log.RouteWarnings(z)
		logger = z
	}
	log.SetLogger(logger)
	return logger, nil
}

// serveMetrics は reg の内容を addr の /metrics で公開する
func serveMetrics(addr string, reg *prometheus.Registry, logger log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", err, "addr", addr)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

package completion

import (
	"context"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/modl/core/model"
	"github.com/YuminosukeSato/modl/core/parallel"
	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/pkg/log"
	"github.com/YuminosukeSato/modl/preprocessing"
	"github.com/YuminosukeSato/modl/sparse"
)

// verbose=1 のときの進捗ログの間隔（バッチ数）
const verboseEvery = 100

// fittedModel は学習済みの状態。Fit の最後に丸ごと差し替え、以後は変更しない。
type fittedModel struct {
	*reconstruction
	stats *dictStats // ウォームスタート用（ImportWeights 由来なら nil）
}

// fitState は1回の Fit の作業状態
//
// 学習中はドライバーの goroutine だけが変更し、成功したときだけモデルに反映する。
type fitState struct {
	params Params

	X       *sparse.CSR // detrend 後の訓練データ
	rowBias []float64
	colBias []float64

	stats   *dictStats
	codes   *mat.Dense
	seen    []bool
	solver  *CodeSolver
	updater *DictionaryUpdater
	sampler *sampler
	workers int

	batchCodes *mat.Dense
	infos      []CodeInfo

	maxIter    int
	nIter      int
	status     model.FitStatus
	lastChange float64
}

// FitContext はミニバッチのオンライン辞書学習でモデルを学習する
//
// ctx はバッチの境界ごとに確認し、キャンセルされた場合は ctx.Err() を返す。
// エラーで終わった場合（キャンセルを含む）、モデルは呼び出し前の状態のまま。
func (c *DictCompleter) FitContext(ctx context.Context, X *sparse.CSR) (err error) {
	defer errors.Recover(&err, "DictCompleter.FitContext")

	c.mu.RLock()
	p := c.params
	cb := c.callback
	prev := c.fitted_
	base := c.logger
	if c.sharedLogger && p.Verbose > 0 {
		base = log.AtLeast(base, log.VerbosityLevel(p.Verbose))
	}
	c.mu.RUnlock()
	if !c.state.IsFitted() {
		prev = nil
	}

	// 状態を確保する前に検証する
	if err := p.Validate(); err != nil {
		return err
	}
	if err := validateInput(X); err != nil {
		return err
	}

	rows, cols := X.Dims()
	logger := base.With(log.OperationKey, log.OperationFit)
	start := time.Now()
	logger.Info("fit started",
		log.PhaseKey, log.PhaseInitializing,
		log.SamplesKey, rows,
		log.FeaturesKey, cols,
		log.NNZKey, X.NNZ(),
		log.ComponentsKey, p.NComponents,
		log.AlphaKey, p.Alpha,
		log.ProjectionKey, p.Projection,
		log.BackendKey, p.Backend,
		log.BatchSizeKey, p.BatchSize,
	)

	fs, err := initFitState(p, X, prev, logger)
	if err != nil {
		return err
	}

	if err := fs.run(ctx, cb, logger); err != nil {
		logger.Warn("fit cancelled",
			log.IterationKey, fs.stats.counter,
			log.DurationMsKey, time.Since(start).Milliseconds(),
		)
		return err
	}

	if fs.status == model.MaxIterReached && p.Tol > 0 {
		errors.Warn(errors.NewConvergenceWarning(modelName, fs.nIter,
			"dictionary change stayed above tol; increase max_n_iter or tol"))
	}

	fs.finalPass()

	fm := &fittedModel{
		reconstruction: newReconstruction(fs.stats.D, fs.codes, fs.seen, fs.rowBias, fs.colBias, fs.solver, fs.X),
		stats:          fs.stats,
	}
	c.mu.Lock()
	c.fitted_ = fm
	c.nIter_ = fs.nIter
	c.mu.Unlock()
	c.state.Commit(cols, rows, fs.status)

	logger.Info("fit completed",
		log.PhaseKey, log.PhaseFitted,
		"status", fs.status.String(),
		log.IterationKey, fs.stats.counter,
		"n_iter", fs.nIter,
		log.DictChangeKey, fs.lastChange,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return nil
}

// validateInput は訓練データが空でなく、有限値だけを持つことを確認する
func validateInput(X *sparse.CSR) error {
	const op = "DictCompleter.Fit"
	if X == nil {
		return errors.NewInvalidInputError(op, "nil matrix")
	}
	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return errors.NewInvalidInputError(op, "empty matrix")
	}
	if X.NNZ() == 0 {
		return errors.NewInvalidInputError(op, "no observed entries")
	}
	return X.Validate()
}

// initFitState は D, B, C とバッチのサンプラーを準備する
func initFitState(p Params, X *sparse.CSR, prev *fittedModel, logger log.Logger) (*fitState, error) {
	rows, cols := X.Dims()
	solver, err := NewCodeSolver(p.Alpha, p.Backend)
	if err != nil {
		return nil, err
	}
	rng := newRand(p.RandomState)

	fs := &fitState{
		params:  p,
		X:       X,
		solver:  solver,
		workers: parallel.ResolveWorkers(p.NJobs),
		status:  model.Initializing,
	}

	if p.Detrend {
		d := preprocessing.NewDetrender(0)
		residual, err := d.FitTransform(X)
		if err != nil {
			return nil, err
		}
		fs.X = residual
		fs.rowBias = d.RowBias()
		fs.colBias = d.ColBias()
	}

	warm := p.WarmStart && prev != nil
	if warm {
		k, p0 := prev.D.Dims()
		if k != p.NComponents || p0 != cols {
			logger.Warn("warm start ignored: dictionary shape changed",
				"previous_components", k, "previous_features", p0)
			warm = false
		}
	}
	switch {
	case warm && prev.stats != nil:
		fs.stats = prev.stats.clone()
	case warm:
		// ImportWeights で復元したモデル: 辞書だけ引き継ぎ、統計量は作り直す
		fs.stats = newDictStats(mat.DenseCopyOf(prev.D))
	default:
		fs.stats = newDictStats(initDictionary(rng, p.NComponents, cols, p.FitIntercept))
	}
	if p.FitIntercept {
		row := fs.stats.D.RawRowView(0)
		for j := range row {
			row[j] = 1
		}
		fs.stats.renorm()
	}

	observed := X.ObservedRows()
	batch := p.BatchSize
	if batch > len(observed) {
		batch = len(observed)
	}
	fs.maxIter = p.MaxNIter
	if fs.maxIter <= 0 {
		// 1エポック
		fs.maxIter = (len(observed) + p.BatchSize - 1) / p.BatchSize
	}

	fs.codes = mat.NewDense(rows, p.NComponents, nil)
	fs.seen = make([]bool, rows)
	fs.batchCodes = mat.NewDense(batch, p.NComponents, nil)
	fs.infos = make([]CodeInfo, batch)
	fs.updater = newDictionaryUpdater(p, solver.kernel, cols)
	fs.sampler = newSampler(observed, p.Shuffle, rng)
	return fs, nil
}

// initDictionary はガウス乱数で D を初期化し、各行を単位ノルムにする
func initDictionary(rng *rand.Rand, k, p int, intercept bool) *mat.Dense {
	D := mat.NewDense(k, p, nil)
	for c := 0; c < k; c++ {
		row := D.RawRowView(c)
		if c == 0 && intercept {
			for j := range row {
				row[j] = 1
			}
			continue
		}
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		if n := floats.Norm(row, 2); n > 0 {
			floats.Scale(1/n, row)
		}
	}
	return D
}

// run はミニバッチのループ。停止条件に達すると nil、キャンセルされると ctx.Err() を返す。
func (fs *fitState) run(ctx context.Context, cb Callback, logger log.Logger) error {
	p := fs.params
	k := p.NComponents
	fs.status = model.Running

	for {
		if err := ctx.Err(); err != nil {
			fs.status = model.Cancelled
			return err
		}

		rows := fs.sampler.next(p.BatchSize)
		codes := fs.batchCodes.Slice(0, len(rows), 0, k).(*mat.Dense)
		cond, jittered := fs.encode(rows, codes)
		upd := fs.updater.Update(fs.stats, fs.X, rows, codes)
		fs.nIter++

		for r, i := range rows {
			copy(fs.codes.RawRowView(i), codes.RawRowView(r))
			fs.seen[i] = true
		}

		if jittered || cond > illConditioned {
			errors.Warn(errors.NewNumericalInstabilityWarning("code_solve", cond, fs.stats.counter))
		}
		if upd.Condition > illConditioned {
			errors.Warn(errors.NewNumericalInstabilityWarning("dictionary_solve", upd.Condition, fs.stats.counter))
		}

		fs.lastChange = 0
		if norm := mat.Norm(fs.stats.D, 2); norm > 0 {
			fs.lastChange = math.Sqrt(upd.SqChange) / norm
		}

		// 停止条件: (a) 最大バッチ数 (b) 辞書の相対変化
		switch {
		case fs.nIter >= fs.maxIter:
			fs.status = model.MaxIterReached
		case p.Tol > 0 && fs.lastChange < p.Tol:
			fs.status = model.Converged
		}

		if cb != nil && fs.nIter%p.CallbackEvery == 0 {
			cb(newSnapshot(fs))
		}
		fs.logProgress(logger, upd)

		if fs.status.Terminal() {
			return nil
		}
	}
}

// encode はバッチの各行のコードを並列に計算し、codes の同じ位置の行に書き込む
// 戻り値は最大の条件数と、ジッターを加えた行があったかどうか。
func (fs *fitState) encode(rows []int, codes *mat.Dense) (float64, bool) {
	infos := fs.infos[:len(rows)]
	parallel.ParallelizeN(len(rows), fs.workers, func(start, end int) {
		for r := start; r < end; r++ {
			infos[r] = fs.solver.Solve(fs.stats.D, fs.X.Row(rows[r]), codes.RawRowView(r))
		}
	})

	cond, jittered := 0.0, false
	for _, info := range infos {
		cond = math.Max(cond, info.Condition)
		jittered = jittered || info.Jittered
	}
	return cond, jittered
}

// finalPass は最終的な D に対してすべての行のコードを計算し直す
func (fs *fitState) finalPass() {
	rows, _ := fs.X.Dims()
	parallel.ParallelizeN(rows, fs.workers, func(start, end int) {
		for i := start; i < end; i++ {
			fs.solver.Solve(fs.stats.D, fs.X.Row(i), fs.codes.RawRowView(i))
			fs.seen[i] = true
		}
	})
}

func (fs *fitState) logProgress(logger log.Logger, upd UpdateInfo) {
	v := fs.params.Verbose
	switch {
	case v <= 0:
		return
	case v == 1 && fs.nIter%verboseEvery != 0 && !fs.status.Terminal():
		return
	}

	fields := []any{
		log.PhaseKey, log.PhaseRunning,
		log.IterationKey, fs.stats.counter,
		log.EpochKey, fs.sampler.epoch,
		log.DictChangeKey, fs.lastChange,
		"weight", upd.Weight,
		"touched_columns", upd.Touched,
	}
	if v >= 2 {
		logger.Debug("batch", fields...)
		return
	}
	logger.Info("batch", fields...)
}

// sampler は観測値のある行をバッチに分けて返す
//
// shuffle ならエポックごとに Fisher-Yates で並べ替え、そうでなければ先頭から順に返す。
// エポックの最後のバッチは batch_size より小さいことがある。
type sampler struct {
	rows    []int
	order   []int
	pos     int
	epoch   int
	shuffle bool
	rng     *rand.Rand
}

func newSampler(rows []int, shuffle bool, rng *rand.Rand) *sampler {
	return &sampler{
		rows:    rows,
		order:   make([]int, len(rows)),
		pos:     len(rows),
		shuffle: shuffle,
		rng:     rng,
	}
}

// next は次のバッチの行を返す。返したスライスは次の呼び出しまで有効。
func (s *sampler) next(n int) []int {
	if s.pos >= len(s.order) {
		s.startEpoch()
	}
	end := s.pos + n
	if end > len(s.order) {
		end = len(s.order)
	}
	batch := s.order[s.pos:end]
	s.pos = end
	return batch
}

func (s *sampler) startEpoch() {
	s.epoch++
	s.pos = 0
	copy(s.order, s.rows)
	if s.shuffle {
		s.rng.Shuffle(len(s.order), func(i, j int) {
			s.order[i], s.order[j] = s.order[j], s.order[i]
		})
	}
}

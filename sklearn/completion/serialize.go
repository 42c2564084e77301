package completion

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/modl/core/model"
	"github.com/YuminosukeSato/modl/pkg/errors"
)

// ExportWeights は学習済みの辞書・コード・バイアスを ModelWeights として返す
func (c *DictCompleter) ExportWeights() (*model.ModelWeights, error) {
	f, err := c.fitted("ExportWeights")
	if err != nil {
		return nil, err
	}
	nSamples, nFeatures := f.dims()

	w := &model.ModelWeights{
		ModelType:       modelName,
		Version:         modelVersion,
		Components:      flatten(f.D),
		NComponents:     f.nComponents(),
		NFeatures:       nFeatures,
		Codes:           flatten(f.codes),
		NSamples:        nSamples,
		RowBias:         append([]float64(nil), f.rowBias...),
		ColBias:         append([]float64(nil), f.colBias...),
		Hyperparameters: c.GetParams(),
		Metadata: map[string]interface{}{
			"fit_status":   c.state.FitStatus().String(),
			"n_iter":       c.NIterations(),
			"estimator_id": c.id,
		},
		IsFitted: true,
	}
	w.Seal()
	return w, nil
}

// ImportWeights は ExportWeights の出力からモデルを復元する
//
// ハイパーパラメータも weights の値に置き換わる（コールバックとロガーはそのまま）。
// 十分統計量は含まれないので、ウォームスタートは復元した辞書から統計量を作り直して始まる。
func (c *DictCompleter) ImportWeights(w *model.ModelWeights) error {
	const op = "DictCompleter.ImportWeights"
	if w == nil {
		return errors.NewInvalidInputError(op, "nil weights")
	}
	if err := w.Validate(); err != nil {
		return errors.Wrap(err, "invalid weights")
	}
	if w.ModelType != modelName {
		return errors.NewValueError(op, "weights are for "+w.ModelType)
	}
	if !w.IsFitted {
		return errors.NewValueError(op, "weights are not fitted")
	}
	if w.NSamples <= 0 {
		return errors.NewValueError(op, "n_samples is required")
	}

	c.mu.RLock()
	p, cb, err := applyParams(c.params, c.callback, w.Hyperparameters)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if p.NComponents != w.NComponents {
		return errors.NewInvalidConfigurationError("n_components", "does not match components shape", p.NComponents)
	}

	solver, err := NewCodeSolver(p.Alpha, p.Backend)
	if err != nil {
		return err
	}

	D := mat.NewDense(w.NComponents, w.NFeatures, append([]float64(nil), w.Components...))
	codes := mat.NewDense(w.NSamples, w.NComponents, nil)
	seen := make([]bool, w.NSamples)
	if len(w.Codes) > 0 {
		copy(codes.RawMatrix().Data, w.Codes)
		for i := range seen {
			seen[i] = true
		}
	}

	fm := &fittedModel{
		reconstruction: newReconstruction(D, codes, seen, nilIfEmpty(w.RowBias), nilIfEmpty(w.ColBias), solver, nil),
	}

	status := model.Converged
	nIter := 0
	if w.Metadata != nil {
		if s, ok := w.Metadata["fit_status"].(string); ok {
			if parsed, ok := model.ParseFitStatus(s); ok {
				status = parsed
			}
		}
		if v, ok := w.Metadata["n_iter"]; ok {
			if n, err := toInt("n_iter", v); err == nil {
				nIter = n
			}
		}
	}

	c.mu.Lock()
	c.params = p
	c.callback = cb
	c.fitted_ = fm
	c.nIter_ = nIter
	c.mu.Unlock()
	c.state.Commit(w.NFeatures, w.NSamples, status)
	return nil
}

// completerWire は MarshalBinary の gob 表現
type completerWire struct {
	Params Params
	Fitted bool
	Status model.FitStatus
	NIter  int

	NSamples    int
	NFeatures   int
	NComponents int
	D           []float64
	Codes       []float64
	Seen        []bool
	RowBias     []float64
	ColBias     []float64

	// ウォームスタート用の十分統計量
	HasStats bool
	B        []float64
	C        []float64
	ColIters []int
	Counter  int
}

// MarshalBinary はモデル全体（ハイパーパラメータと学習済み状態）を gob でエンコードする
// キャッシュ層が学習結果を保存するために使う。コールバックとロガーは含まれない。
func (c *DictCompleter) MarshalBinary() ([]byte, error) {
	c.mu.RLock()
	wire := completerWire{
		Params: c.params,
		NIter:  c.nIter_,
	}
	f := c.fitted_
	c.mu.RUnlock()

	if c.state.IsFitted() && f != nil {
		wire.Fitted = true
		wire.Status = c.state.FitStatus()
		wire.NSamples, wire.NFeatures = f.dims()
		wire.NComponents = f.nComponents()
		wire.D = flatten(f.D)
		wire.Codes = flatten(f.codes)
		wire.Seen = append([]bool(nil), f.seen...)
		wire.RowBias = f.rowBias
		wire.ColBias = f.colBias
		if f.stats != nil {
			wire.HasStats = true
			wire.B = flatten(f.stats.B)
			wire.C = flatten(f.stats.C)
			wire.ColIters = f.stats.colIters
			wire.Counter = f.stats.counter
		}
	}
	return model.EncodeGob(&wire)
}

// UnmarshalBinary は MarshalBinary の出力からモデルを復元する
func (c *DictCompleter) UnmarshalBinary(data []byte) error {
	var wire completerWire
	if err := model.DecodeGob(data, &wire); err != nil {
		return err
	}
	if err := wire.Params.Validate(); err != nil {
		return err
	}

	if !wire.Fitted {
		c.mu.Lock()
		c.params = wire.Params
		c.fitted_ = nil
		c.nIter_ = 0
		c.mu.Unlock()
		c.state.Reset()
		return nil
	}

	k, p, n := wire.NComponents, wire.NFeatures, wire.NSamples
	if k <= 0 || p <= 0 || n <= 0 || len(wire.D) != k*p || len(wire.Codes) != n*k || len(wire.Seen) != n {
		return errors.NewValueError("DictCompleter.UnmarshalBinary", "inconsistent model shape")
	}
	solver, err := NewCodeSolver(wire.Params.Alpha, wire.Params.Backend)
	if err != nil {
		return err
	}

	D := mat.NewDense(k, p, wire.D)
	fm := &fittedModel{
		reconstruction: newReconstruction(D, mat.NewDense(n, k, wire.Codes), wire.Seen,
			nilIfEmpty(wire.RowBias), nilIfEmpty(wire.ColBias), solver, nil),
	}
	if wire.HasStats && len(wire.B) == k*k && len(wire.C) == k*p && len(wire.ColIters) == p {
		fm.stats = &dictStats{
			D:        mat.DenseCopyOf(D),
			B:        mat.NewSymDense(k, wire.B),
			C:        mat.NewDense(k, p, wire.C),
			colIters: wire.ColIters,
			counter:  wire.Counter,
		}
		fm.stats.renorm()
	}

	c.mu.Lock()
	c.params = wire.Params
	c.fitted_ = fm
	c.nIter_ = wire.NIter
	c.mu.Unlock()
	c.state.Commit(p, n, wire.Status)
	return nil
}

// flatten は行列を行優先の新しいスライスにコピーする
func flatten(m mat.Matrix) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}

func nilIfEmpty(v []float64) []float64 {
	if len(v) == 0 {
		return nil
	}
	return v
}

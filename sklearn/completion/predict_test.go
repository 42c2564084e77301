package completion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/modl/core/model"
	"github.com/YuminosukeSato/modl/metrics"
	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/sparse"
)

func fittedCompleter(t *testing.T, X *sparse.CSR, opts ...Option) *DictCompleter {
	t.Helper()
	base := []Option{
		WithNComponents(3),
		WithAlpha(0.05),
		WithBatchSize(10),
		WithMaxNIter(60),
		WithRandomState(0),
		WithLogger(quietLogger()),
	}
	c := New(append(base, opts...)...)
	require.NoError(t, c.FitContext(context.Background(), X))
	return c
}

func TestMethodsRequireFit(t *testing.T) {
	c := New(WithLogger(quietLogger()))
	X := lowRank(t, 5, 4, 1, 0.5, 1)
	var nfErr *errors.NotFittedError

	_, err := c.Predict(X)
	require.True(t, errors.As(err, &nfErr))
	assert.Equal(t, "Predict", nfErr.Method)
	_, err = c.PredictRows([]int{0})
	assert.True(t, errors.As(err, &nfErr))
	_, err = c.Transform(X)
	assert.True(t, errors.As(err, &nfErr))
	_, err = c.Score(X)
	assert.True(t, errors.As(err, &nfErr))
	_, err = c.Objective(X)
	assert.True(t, errors.As(err, &nfErr))
	_, err = c.Codes()
	assert.True(t, errors.As(err, &nfErr))
	_, err = c.ExportWeights()
	assert.True(t, errors.As(err, &nfErr))
}

func TestPredictKeepsPattern(t *testing.T) {
	X := lowRank(t, 40, 15, 2, 0.4, 2)
	train, test, err := sparse.TrainTestSplit(X, 0.25, 3)
	require.NoError(t, err)
	c := fittedCompleter(t, train, WithDetrend(true))

	pred, err := c.Predict(test)
	require.NoError(t, err)
	assert.True(t, test.SamePattern(pred))

	// PredictRows と同じ値
	rows := []int{0, 7, 39}
	dense, err := c.PredictRows(rows)
	require.NoError(t, err)
	r, p := dense.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 15, p)
	for q, i := range rows {
		row := pred.Row(i)
		for k, j := range row.Indices {
			assert.InDelta(t, row.Values[k], dense.At(q, j), 1e-12)
		}
	}

	// 予測値 = a_i·D_j + rowBias_i + colBias_j
	D, err := c.Components()
	require.NoError(t, err)
	codes, err := c.Codes()
	require.NoError(t, err)
	rowBias, _ := c.RowBias()
	colBias, _ := c.ColBias()
	want := mat.Dot(codes.RowView(7), D.ColView(3)) + rowBias[7] + colBias[3]
	assert.InDelta(t, want, dense.At(1, 3), 1e-12)
}

func TestPredictRejectsWrongShape(t *testing.T) {
	X := lowRank(t, 20, 10, 2, 0.5, 4)
	c := fittedCompleter(t, X)

	var dimErr *errors.DimensionError
	_, err := c.Predict(lowRank(t, 21, 10, 2, 0.5, 5))
	require.True(t, errors.As(err, &dimErr))
	assert.Equal(t, 0, dimErr.Axis)

	_, err = c.Predict(lowRank(t, 20, 11, 2, 0.5, 5))
	require.True(t, errors.As(err, &dimErr))
	assert.Equal(t, 1, dimErr.Axis)

	_, err = c.Transform(lowRank(t, 20, 9, 2, 0.5, 5))
	assert.True(t, errors.As(err, &dimErr))

	var inputErr *errors.InvalidInputError
	_, err = c.PredictRows([]int{20})
	assert.True(t, errors.As(err, &inputErr))
	_, err = c.PredictRows(nil)
	assert.True(t, errors.As(err, &inputErr))
	_, err = c.Predict(nil)
	assert.True(t, errors.As(err, &inputErr))
}

func TestPredictDoesNotMutateModel(t *testing.T) {
	X := lowRank(t, 30, 12, 2, 0.4, 6)
	c := fittedCompleter(t, X)
	before, err := c.Components()
	require.NoError(t, err)

	_, err = c.Predict(X)
	require.NoError(t, err)
	_, err = c.PredictRows([]int{1, 2, 3})
	require.NoError(t, err)

	after, err := c.Components()
	require.NoError(t, err)
	assert.True(t, mat.Equal(before, after))
}

func TestScoreAndObjective(t *testing.T) {
	X := lowRank(t, 50, 20, 2, 0.4, 7)
	c := fittedCompleter(t, X)

	score, err := c.Score(X)
	require.NoError(t, err)
	pred, err := c.Predict(X)
	require.NoError(t, err)
	rmse, err := metrics.RMSE(X, pred)
	require.NoError(t, err)
	assert.InDelta(t, -rmse, score, 1e-12)

	// ½‖X − X̂‖² + α‖A‖²
	codes, err := c.Codes()
	require.NoError(t, err)
	n := float64(X.NNZ())
	codeNorm := mat.Norm(codes, 2)
	want := 0.5*rmse*rmse*n + 0.05*codeNorm*codeNorm
	obj, err := c.Objective(X)
	require.NoError(t, err)
	assert.InDelta(t, want, obj, 1e-8)

	var inputErr *errors.InvalidInputError
	_, err = c.Score(sparse.Empty(50, 20))
	assert.True(t, errors.As(err, &inputErr))
}

func TestTransformMatchesTrainingCodes(t *testing.T) {
	X := lowRank(t, 40, 15, 2, 0.5, 8)
	for _, detrend := range []bool{false, true} {
		c := fittedCompleter(t, X, WithDetrend(detrend))
		codes, err := c.Codes()
		require.NoError(t, err)

		transformed, err := c.Transform(X)
		require.NoError(t, err)
		assert.InDeltaSlice(t, codes.RawMatrix().Data, transformed.RawMatrix().Data, 1e-9)
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	X := lowRank(t, 60, 20, 2, 0.4, 9)
	var snaps []*Snapshot
	c := New(WithNComponents(2), WithBatchSize(5), WithMaxNIter(10), WithRandomState(0),
		WithLogger(quietLogger()),
		WithCallback(func(s *Snapshot) { snaps = append(snaps, s) }))
	require.NoError(t, c.Fit(X, nil))
	require.Len(t, snaps, 10)

	first := snaps[0]
	assert.Equal(t, 1, first.Iteration())
	assert.Equal(t, 1, first.NIter())
	assert.Equal(t, model.Running, first.Status())
	assert.Equal(t, model.MaxIterReached, snaps[9].Status())
	assert.False(t, mat.Equal(first.Components(), snaps[9].Components()))

	// 最初のバッチでは大半の行のコードが未計算: 訓練データからその場で計算される
	rows := make([]int, 60)
	for i := range rows {
		rows[i] = i
	}
	dense, err := first.PredictRows(rows)
	require.NoError(t, err)
	r, p := dense.Dims()
	assert.Equal(t, 60, r)
	assert.Equal(t, 20, p)

	pred, err := first.Predict(X)
	require.NoError(t, err)
	assert.True(t, X.SamePattern(pred))

	obj, err := first.Objective(X)
	require.NoError(t, err)
	assert.Greater(t, obj, 0.0)

	rmseFirst, err := first.RMSE(X)
	require.NoError(t, err)
	rmseLast, err := snaps[9].RMSE(X)
	require.NoError(t, err)
	assert.Greater(t, rmseFirst, 0.0)
	assert.Greater(t, rmseLast, 0.0)
	assert.GreaterOrEqual(t, first.DictChange(), 0.0)
}

func TestSnapshotCodesUnseenRowFromTrainingEntries(t *testing.T) {
	const alpha = 0.1
	X := lowRank(t, 60, 20, 2, 0.4, 21)
	var first *Snapshot
	c := New(WithNComponents(3), WithAlpha(alpha), WithBatchSize(5), WithMaxNIter(4),
		WithDetrend(true), WithShuffle(false), WithRandomState(0), WithLogger(quietLogger()),
		WithCallback(func(s *Snapshot) {
			if first == nil {
				first = s
			}
		}))
	require.NoError(t, c.Fit(X, nil))
	require.NotNil(t, first)

	// シャッフルなしの最初のバッチは先頭の5行なので、最後の観測行はまだコードがない
	observed := X.ObservedRows()
	i := observed[len(observed)-1]
	row := X.Row(i)
	require.False(t, row.Empty())

	rowBias, err := c.RowBias()
	require.NoError(t, err)
	colBias, err := c.ColBias()
	require.NoError(t, err)
	D := first.Components()
	k, p := D.Dims()

	// (D_S D_Sᵀ + αI) a = D_S v を直接解く
	G := mat.NewSymDense(k, nil)
	b := mat.NewVecDense(k, nil)
	for n, j := range row.Indices {
		v := row.Values[n] - rowBias[i] - colBias[j]
		for r := 0; r < k; r++ {
			b.SetVec(r, b.AtVec(r)+D.At(r, j)*v)
			for q := r; q < k; q++ {
				G.SetSym(r, q, G.At(r, q)+D.At(r, j)*D.At(q, j))
			}
		}
	}
	for r := 0; r < k; r++ {
		G.SetSym(r, r, G.At(r, r)+alpha)
	}
	var chol mat.Cholesky
	require.True(t, chol.Factorize(G))
	var a mat.VecDense
	require.NoError(t, chol.SolveVecTo(&a, b))

	want := make([]float64, p)
	for j := range want {
		want[j] = mat.Dot(&a, D.ColView(j)) + rowBias[i] + colBias[j]
	}

	got, err := first.PredictRows([]int{i})
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got.RawRowView(0), 1e-9)
}

func TestExportImportWeights(t *testing.T) {
	X := lowRank(t, 40, 15, 2, 0.5, 10)
	c := fittedCompleter(t, X, WithDetrend(true), WithFitIntercept(true))

	w, err := c.ExportWeights()
	require.NoError(t, err)
	assert.Equal(t, "DictCompleter", w.ModelType)
	assert.Equal(t, 3, w.NComponents)
	assert.Equal(t, 15, w.NFeatures)
	assert.Equal(t, 40, w.NSamples)
	require.NoError(t, w.Validate())

	data, err := w.ToJSON()
	require.NoError(t, err)
	var decoded model.ModelWeights
	require.NoError(t, decoded.FromJSON(data))

	restored := New(WithLogger(quietLogger()))
	require.NoError(t, restored.ImportWeights(&decoded))
	assert.True(t, restored.IsFitted())
	assert.Equal(t, c.Params(), restored.Params())
	assert.Equal(t, c.FitStatus(), restored.FitStatus())
	assert.Equal(t, c.NIterations(), restored.NIterations())

	want, err := c.Predict(X)
	require.NoError(t, err)
	got, err := restored.Predict(X)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Data(), got.Data(), 1e-12)

	// ウォームスタートは復元した辞書から始まる
	restored.SetWarmStart(true)
	require.NoError(t, restored.Fit(X, nil))

	t.Run("rejects tampered weights", func(t *testing.T) {
		bad := w.Clone()
		bad.Components[0] += 1
		assert.Error(t, New().ImportWeights(bad))
	})

	t.Run("rejects other model types", func(t *testing.T) {
		other := w.Clone()
		other.ModelType = "Other"
		other.Seal()
		assert.Error(t, New().ImportWeights(other))
	})

	t.Run("rejects nil", func(t *testing.T) {
		assert.Error(t, New().ImportWeights(nil))
	})
}

func TestBinaryRoundTrip(t *testing.T) {
	X := lowRank(t, 40, 15, 2, 0.5, 11)
	c := fittedCompleter(t, X, WithDetrend(true))

	data, err := c.MarshalBinary()
	require.NoError(t, err)

	restored := New(WithLogger(quietLogger()))
	require.NoError(t, restored.UnmarshalBinary(data))
	assert.True(t, restored.IsFitted())
	assert.Equal(t, c.Params(), restored.Params())
	assert.Equal(t, c.FitStatus(), restored.FitStatus())

	want, err := c.Predict(X)
	require.NoError(t, err)
	got, err := restored.Predict(X)
	require.NoError(t, err)
	assert.Equal(t, want.Data(), got.Data())

	// 十分統計量も復元されるので、ウォームスタートの結果が一致する
	var a, b []int
	require.NoError(t, c.SetParams(map[string]interface{}{
		"warm_start": true, "max_n_iter": 3,
		"callback": func(s *Snapshot) { a = append(a, s.Iteration()) },
	}))
	require.NoError(t, restored.SetParams(map[string]interface{}{
		"warm_start": true, "max_n_iter": 3,
		"callback": func(s *Snapshot) { b = append(b, s.Iteration()) },
	}))
	require.NoError(t, c.Fit(X, nil))
	require.NoError(t, restored.Fit(X, nil))
	assert.Equal(t, []int{61, 62, 63}, a)
	assert.Equal(t, a, b)

	D1, _ := c.Components()
	D2, _ := restored.Components()
	assert.InDeltaSlice(t, D1.RawMatrix().Data, D2.RawMatrix().Data, 1e-12)

	t.Run("unfitted", func(t *testing.T) {
		data, err := New(WithNComponents(7)).MarshalBinary()
		require.NoError(t, err)
		m := New()
		require.NoError(t, m.UnmarshalBinary(data))
		assert.False(t, m.IsFitted())
		assert.Equal(t, 7, m.Params().NComponents)
	})

	t.Run("garbage", func(t *testing.T) {
		assert.Error(t, New().UnmarshalBinary([]byte("not gob")))
	})
}

package completion

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/modl/core/parallel"
	"github.com/YuminosukeSato/modl/metrics"
	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/sparse"
)

// predictParallelThreshold 行以下の予測は呼び出し元の goroutine で処理する
const predictParallelThreshold = 256

// reconstruction は予測に必要な読み取り専用の状態
//
// 学習済みモデルとコールバックの Snapshot が共有する。生成後は変更しない。
type reconstruction struct {
	D       *mat.Dense // n_components × n_features
	Dt      *mat.Dense // Dᵀ（列アクセス用）
	codes   *mat.Dense // n_samples × n_components
	seen    []bool     // codes の行が現在の D に対するものか
	rowBias []float64  // detrend 無効時は nil
	colBias []float64
	solver  *CodeSolver
	train   *sparse.CSR // detrend 後の訓練データ（未計算の行のコード用、nil 可）
}

func newReconstruction(D, codes *mat.Dense, seen []bool, rowBias, colBias []float64, solver *CodeSolver, train *sparse.CSR) *reconstruction {
	return &reconstruction{
		D:       D,
		Dt:      mat.DenseCopyOf(D.T()),
		codes:   codes,
		seen:    seen,
		rowBias: rowBias,
		colBias: colBias,
		solver:  solver,
		train:   train,
	}
}

func (r *reconstruction) dims() (nSamples, nFeatures int) {
	nSamples, _ = r.codes.Dims()
	_, nFeatures = r.D.Dims()
	return nSamples, nFeatures
}

func (r *reconstruction) nComponents() int {
	k, _ := r.D.Dims()
	return k
}

// code は行 i のコードを返す。buf は未計算の行で使う作業領域（長さ n_components）。
func (r *reconstruction) code(i int, buf []float64) []float64 {
	if r.seen[i] {
		return r.codes.RawRowView(i)
	}
	if r.train == nil {
		zero(buf)
		return buf
	}
	r.solver.Solve(r.D, r.train.Row(i), buf)
	return buf
}

func (r *reconstruction) bias(i, j int) float64 {
	b := 0.0
	if r.rowBias != nil {
		b += r.rowBias[i]
	}
	if r.colBias != nil {
		b += r.colBias[j]
	}
	return b
}

func (r *reconstruction) requireShape(op string, rows, cols int) error {
	nSamples, nFeatures := r.dims()
	if rows != nSamples {
		return errors.NewDimensionError(op, nSamples, rows, 0)
	}
	if cols != nFeatures {
		return errors.NewDimensionError(op, nFeatures, cols, 1)
	}
	return nil
}

// predictSparse は X の観測位置での予測値 a_i·D_j + rowBias_i + colBias_j を返す
func (r *reconstruction) predictSparse(op string, X *sparse.CSR) (*sparse.CSR, error) {
	if X == nil {
		return nil, errors.NewInvalidInputError(op, "nil matrix")
	}
	rows, cols := X.Dims()
	if err := r.requireShape(op, rows, cols); err != nil {
		return nil, err
	}

	k := r.nComponents()
	out := make([]float64, X.NNZ())
	indptr := X.Indptr()
	parallel.ParallelizeWithThreshold(rows, predictParallelThreshold, func(start, end int) {
		buf := make([]float64, k)
		for i := start; i < end; i++ {
			row := X.Row(i)
			if row.Empty() {
				continue
			}
			a := r.code(i, buf)
			dst := out[indptr[i]:indptr[i+1]]
			for t, j := range row.Indices {
				dst[t] = floats.Dot(a, r.Dt.RawRowView(j)) + r.bias(i, j)
			}
		}
	})
	return X.WithData(out)
}

// predictRows は rows の全列の予測値を密行列 (len(rows) × n_features) で返す
func (r *reconstruction) predictRows(op string, rows []int) (*mat.Dense, error) {
	nSamples, nFeatures := r.dims()
	if len(rows) == 0 {
		return nil, errors.NewInvalidInputError(op, "no rows requested")
	}
	for _, i := range rows {
		if i < 0 || i >= nSamples {
			return nil, errors.NewInvalidInputErrorAt(op, i, "row index out of range")
		}
	}

	k := r.nComponents()
	out := mat.NewDense(len(rows), nFeatures, nil)
	parallel.ParallelizeWithThreshold(len(rows), predictParallelThreshold, func(start, end int) {
		buf := make([]float64, k)
		for q := start; q < end; q++ {
			i := rows[q]
			dst := out.RawRowView(q)
			// x̂_i = Dᵀ a_i
			mat.NewVecDense(nFeatures, dst).MulVec(r.Dt, mat.NewVecDense(k, r.code(i, buf)))
			for j := range dst {
				dst[j] += r.bias(i, j)
			}
		}
	})
	return out, nil
}

// transform は X の各行自身の観測値からコードを計算する
func (r *reconstruction) transform(op string, X *sparse.CSR) (*mat.Dense, error) {
	if X == nil {
		return nil, errors.NewInvalidInputError(op, "nil matrix")
	}
	rows, cols := X.Dims()
	if err := r.requireShape(op, rows, cols); err != nil {
		return nil, err
	}

	k := r.nComponents()
	codes := mat.NewDense(rows, k, nil)
	parallel.ParallelizeWithThreshold(rows, predictParallelThreshold, func(start, end int) {
		var values []float64
		for i := start; i < end; i++ {
			row := X.Row(i)
			if row.Empty() {
				continue
			}
			if r.rowBias != nil || r.colBias != nil {
				values = append(values[:0], row.Values...)
				for t, j := range row.Indices {
					values[t] -= r.bias(i, j)
				}
				row = sparse.SparseRow{Indices: row.Indices, Values: values}
			}
			r.solver.Solve(r.D, row, codes.RawRowView(i))
		}
	})
	return codes, nil
}

// objective は ½‖X − X̂‖² (観測位置) + α‖A‖²_F を返す
func (r *reconstruction) objective(op string, X *sparse.CSR) (float64, error) {
	pred, err := r.predictSparse(op, X)
	if err != nil {
		return 0, err
	}
	diff := make([]float64, X.NNZ())
	floats.SubTo(diff, X.Data(), pred.Data())

	codeSq := 0.0
	nSamples, _ := r.dims()
	for i := 0; i < nSamples; i++ {
		if r.seen[i] {
			a := r.codes.RawRowView(i)
			codeSq += floats.Dot(a, a)
		}
	}
	return 0.5*floats.Dot(diff, diff) + r.solver.Alpha()*codeSq, nil
}

// rmse は X の観測位置での RMSE を返す
func (r *reconstruction) rmse(op string, X *sparse.CSR) (float64, error) {
	if X != nil && X.NNZ() == 0 {
		return 0, errors.NewInvalidInputError(op, "no observed entries to score")
	}
	pred, err := r.predictSparse(op, X)
	if err != nil {
		return 0, err
	}
	return metrics.RMSE(X, pred)
}

// Predict は X の観測位置での予測値を、X と同じパターンの CSR で返す
//
// X は学習時と同じ形状 (n_samples × n_features) である必要がある。
// 学習済みのコードがない行は、訓練データのその行の観測値からその場でコードを計算する。
func (c *DictCompleter) Predict(X *sparse.CSR) (pred *sparse.CSR, err error) {
	defer errors.Recover(&err, "DictCompleter.Predict")
	f, err := c.fitted("Predict")
	if err != nil {
		return nil, err
	}
	return f.predictSparse("DictCompleter.Predict", X)
}

// PredictRows は指定した行の全列の予測値を密行列 (len(rows) × n_features) で返す
func (c *DictCompleter) PredictRows(rows []int) (pred *mat.Dense, err error) {
	defer errors.Recover(&err, "DictCompleter.PredictRows")
	f, err := c.fitted("PredictRows")
	if err != nil {
		return nil, err
	}
	return f.predictRows("DictCompleter.PredictRows", rows)
}

// Transform は X の各行の観測値から計算したコード (n_samples × n_components) を返す
//
// detrend が有効な場合は学習時の行・列バイアスを引いてからコードを計算する。
func (c *DictCompleter) Transform(X *sparse.CSR) (codes *mat.Dense, err error) {
	defer errors.Recover(&err, "DictCompleter.Transform")
	f, err := c.fitted("Transform")
	if err != nil {
		return nil, err
	}
	return f.transform("DictCompleter.Transform", X)
}

// Score は X の観測位置での -RMSE を返す（大きいほど良い）
func (c *DictCompleter) Score(X *sparse.CSR) (score float64, err error) {
	defer errors.Recover(&err, "DictCompleter.Score")
	f, err := c.fitted("Score")
	if err != nil {
		return 0, err
	}
	rmse, err := f.rmse("DictCompleter.Score", X)
	if err != nil {
		return 0, err
	}
	return -rmse, nil
}

// Objective は ½‖X − X̂‖² + α‖A‖² を返す（学習の診断用）
func (c *DictCompleter) Objective(X *sparse.CSR) (float64, error) {
	f, err := c.fitted("Objective")
	if err != nil {
		return 0, err
	}
	return f.objective("DictCompleter.Objective", X)
}

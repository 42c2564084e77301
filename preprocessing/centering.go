// Package preprocessing は疎行列の観測値に対する前処理を提供します。
package preprocessing

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/modl/core/model"
	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/sparse"
)

// DefaultDetrendSweeps は行・列バイアスの交互推定の回数
const DefaultDetrendSweeps = 2

// Detrender は観測値を x_ij ≈ μ + r_i + c_j とみなして加法的なバイアスを推定する
//
// 推定は観測位置だけで行い、全体平均 μ は列バイアスに含めて保持する
// （ColBias[j] = μ + c_j）。観測のない行のバイアスは 0、観測のない列のバイアスは μ。
type Detrender struct {
	state *model.StateManager

	// NSweeps は行・列バイアスの交互推定の回数
	NSweeps int

	// 学習パラメータ
	rowBias_ []float64
	colBias_ []float64
	mean_    float64
}

// NewDetrender は新しいDetrenderを作成する
//
// パラメータ:
//   - nSweeps: 行・列バイアスの交互推定の回数（0 以下ならデフォルト）
//
// 使用例:
//
//	d := preprocessing.NewDetrender(0)
//	residual, err := d.FitTransform(X)
//	// ... residual で学習 ...
//	pred, err := d.InverseTransform(residualPred)
func NewDetrender(nSweeps int) *Detrender {
	if nSweeps <= 0 {
		nSweeps = DefaultDetrendSweeps
	}
	return &Detrender{
		state:   model.NewStateManager(),
		NSweeps: nSweeps,
	}
}

// Fit は観測値から行・列バイアスを推定する
//
// パラメータ:
//   - X: 訓練データ (n_samples × n_features の疎行列)
//
// 戻り値:
//   - error: 観測値が1つもない場合
func (d *Detrender) Fit(X *sparse.CSR) error {
	rows, cols := X.Dims()
	if X.NNZ() == 0 {
		return errors.NewModelError("Detrender.Fit", "empty data", errors.ErrEmptyData)
	}

	mean := stat.Mean(X.Data(), nil)
	rowBias := make([]float64, rows)
	colOffset := make([]float64, cols)
	colCounts := X.ColumnCounts()

	colSum := make([]float64, cols)
	for sweep := 0; sweep < d.NSweeps; sweep++ {
		// 列バイアス: 行バイアスを除いた残差の列平均
		for j := range colSum {
			colSum[j] = 0
		}
		for i := 0; i < rows; i++ {
			row := X.Row(i)
			for k, j := range row.Indices {
				colSum[j] += row.Values[k] - mean - rowBias[i]
			}
		}
		for j := 0; j < cols; j++ {
			if colCounts[j] > 0 {
				colOffset[j] = colSum[j] / float64(colCounts[j])
			}
		}

		// 行バイアス: 列バイアスを除いた残差の行平均
		for i := 0; i < rows; i++ {
			row := X.Row(i)
			if row.Empty() {
				continue
			}
			sum := 0.0
			for k, j := range row.Indices {
				sum += row.Values[k] - mean - colOffset[j]
			}
			rowBias[i] = sum / float64(row.Len())
		}
	}

	colBias := make([]float64, cols)
	for j := range colBias {
		colBias[j] = mean + colOffset[j]
	}

	d.rowBias_ = rowBias
	d.colBias_ = colBias
	d.mean_ = mean
	d.state.Commit(cols, rows, model.Converged)
	return nil
}

// Transform は観測値からバイアスを引いた残差行列を返す（観測パターンは同じ）
func (d *Detrender) Transform(X *sparse.CSR) (*sparse.CSR, error) {
	return d.apply("Transform", X, -1)
}

// FitTransform は学習後に同じデータを変換する
func (d *Detrender) FitTransform(X *sparse.CSR) (*sparse.CSR, error) {
	if err := d.Fit(X); err != nil {
		return nil, err
	}
	return d.Transform(X)
}

// InverseTransform は残差にバイアスを足し戻す
func (d *Detrender) InverseTransform(X *sparse.CSR) (*sparse.CSR, error) {
	return d.apply("InverseTransform", X, 1)
}

func (d *Detrender) apply(method string, X *sparse.CSR, sign float64) (*sparse.CSR, error) {
	if err := d.state.RequireFitted("Detrender", method); err != nil {
		return nil, err
	}
	rows, cols := X.Dims()
	if err := d.state.RequireShape("Detrender."+method, rows, cols); err != nil {
		return nil, err
	}

	out := make([]float64, X.NNZ())
	copy(out, X.Data())
	indptr, indices := X.Indptr(), X.Indices()
	for i := 0; i < rows; i++ {
		for p := indptr[i]; p < indptr[i+1]; p++ {
			out[p] += sign * (d.rowBias_[i] + d.colBias_[indices[p]])
		}
	}
	return X.WithData(out)
}

// Bias は (i, j) に加えるバイアスを返す
func (d *Detrender) Bias(i, j int) float64 {
	return d.rowBias_[i] + d.colBias_[j]
}

// RowBias は行バイアスのコピーを返す
func (d *Detrender) RowBias() []float64 {
	return append([]float64(nil), d.rowBias_...)
}

// ColBias は列バイアス（全体平均を含む）のコピーを返す
func (d *Detrender) ColBias() []float64 {
	return append([]float64(nil), d.colBias_...)
}

// Mean は観測値の全体平均を返す
func (d *Detrender) Mean() float64 {
	return d.mean_
}

// IsFitted は学習済みかどうかを返す
func (d *Detrender) IsFitted() bool {
	return d.state.IsFitted()
}

// GetParams はパラメータを取得する
func (d *Detrender) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"n_sweeps": d.NSweeps,
	}
}

// String は文字列表現を返す
func (d *Detrender) String() string {
	if !d.IsFitted() {
		return fmt.Sprintf("Detrender(n_sweeps=%d)", d.NSweeps)
	}
	return fmt.Sprintf("Detrender(n_sweeps=%d, mean=%.4f, fitted=true)", d.NSweeps, d.mean_)
}

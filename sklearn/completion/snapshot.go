package completion

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/modl/core/model"
	"github.com/YuminosukeSato/modl/sparse"
)

// Snapshot は学習途中のモデルの読み取り専用コピー
//
// コールバックに渡される。D・コード・バイアスはディープコピーなので、コールバックが
// 返った後や別の goroutine から使っても学習中の状態とは干渉しない。
// まだコードが計算されていない行は、訓練データの観測値からその場で計算する。
type Snapshot struct {
	rec       *reconstruction
	iteration int
	nIter     int
	status    model.FitStatus
	change    float64
}

func newSnapshot(fs *fitState) *Snapshot {
	var rowBias, colBias []float64
	if fs.rowBias != nil {
		rowBias = append([]float64(nil), fs.rowBias...)
	}
	if fs.colBias != nil {
		colBias = append([]float64(nil), fs.colBias...)
	}
	return &Snapshot{
		rec: newReconstruction(
			mat.DenseCopyOf(fs.stats.D),
			mat.DenseCopyOf(fs.codes),
			append([]bool(nil), fs.seen...),
			rowBias, colBias,
			fs.solver,
			fs.X,
		),
		iteration: fs.stats.counter,
		nIter:     fs.nIter,
		status:    fs.status,
		change:    fs.lastChange,
	}
}

// Iteration は累積ミニバッチ数 t を返す（ウォームスタートでは前回の学習から継続）
func (s *Snapshot) Iteration() int {
	return s.iteration
}

// NIter はこの学習で処理したミニバッチ数を返す
func (s *Snapshot) NIter() int {
	return s.nIter
}

// Status はスナップショット時点の学習状態を返す
func (s *Snapshot) Status() model.FitStatus {
	return s.status
}

// DictChange は直前のバッチでの辞書の相対変化 ‖ΔD‖_F / ‖D‖_F を返す
func (s *Snapshot) DictChange() float64 {
	return s.change
}

// Components は辞書 D のコピーを返す
func (s *Snapshot) Components() *mat.Dense {
	return mat.DenseCopyOf(s.rec.D)
}

// Predict は X の観測位置での予測値を返す（DictCompleter.Predict と同じ）
func (s *Snapshot) Predict(X *sparse.CSR) (*sparse.CSR, error) {
	return s.rec.predictSparse("Snapshot.Predict", X)
}

// PredictRows は指定した行の全列の予測値を返す
func (s *Snapshot) PredictRows(rows []int) (*mat.Dense, error) {
	return s.rec.predictRows("Snapshot.PredictRows", rows)
}

// Objective は ½‖X − X̂‖² + α‖A‖² を返す
func (s *Snapshot) Objective(X *sparse.CSR) (float64, error) {
	return s.rec.objective("Snapshot.Objective", X)
}

// RMSE は X の観測位置での RMSE を返す
func (s *Snapshot) RMSE(X *sparse.CSR) (float64, error) {
	return s.rec.rmse("Snapshot.RMSE", X)
}

package sparse

import (
	"math/rand"

	"github.com/YuminosukeSato/modl/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// TrainTestSplit は観測値を要素単位で学習用と評価用に分割します。
// 両方の行列は元と同じ形状を持ちます。同じ seed なら同じ分割になります。
//
// 使用例:
//
//	train, test, err := sparse.TrainTestSplit(X, 0.25, 0)
func TrainTestSplit(m *CSR, testFrac float64, seed int64) (train, test *CSR, err error) {
	if testFrac < 0 || testFrac >= 1 {
		return nil, nil, errors.NewValueError("sparse.TrainTestSplit", "test fraction must be in [0, 1)")
	}
	rng := rand.New(rand.NewSource(seed))

	trIndptr := make([]int, m.rows+1)
	teIndptr := make([]int, m.rows+1)
	trIndices := make([]int, 0, m.NNZ())
	trData := make([]float64, 0, m.NNZ())
	var teIndices []int
	var teData []float64

	for i := 0; i < m.rows; i++ {
		for p := m.indptr[i]; p < m.indptr[i+1]; p++ {
			if rng.Float64() < testFrac {
				teIndices = append(teIndices, m.indices[p])
				teData = append(teData, m.data[p])
			} else {
				trIndices = append(trIndices, m.indices[p])
				trData = append(trData, m.data[p])
			}
		}
		trIndptr[i+1] = len(trIndices)
		teIndptr[i+1] = len(teIndices)
	}

	train = &CSR{rows: m.rows, cols: m.cols, indptr: trIndptr, indices: trIndices, data: trData}
	test = &CSR{rows: m.rows, cols: m.cols, indptr: teIndptr, indices: teIndices, data: teData}
	return train, test, nil
}

// SyntheticConfig は低ランクの人工データ生成の設定です。
type SyntheticConfig struct {
	Rows    int     // 行数
	Cols    int     // 列数
	Rank    int     // 真のランク
	Density float64 // 観測される割合 (0, 1]
	Noise   float64 // 観測値に加えるガウスノイズの標準偏差
	Offset  float64 // 全体に加える定数（評価値らしい平均にするため）
	Seed    int64
}

// Synthetic は X = U Vᵀ + offset (+ noise) から観測位置をランダムに選んだ疎行列を生成します。
// U, V の要素は標準正規分布です。各行には少なくとも1つの観測値があります。
func Synthetic(cfg SyntheticConfig) (*CSR, error) {
	const op = "sparse.Synthetic"
	if cfg.Rows <= 0 || cfg.Cols <= 0 || cfg.Rank <= 0 {
		return nil, errors.NewValueError(op, "rows, cols and rank must be positive")
	}
	if cfg.Density <= 0 || cfg.Density > 1 {
		return nil, errors.NewValueError(op, "density must be in (0, 1]")
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	u := mat.NewDense(cfg.Rows, cfg.Rank, nil)
	v := mat.NewDense(cfg.Cols, cfg.Rank, nil)
	for i := 0; i < cfg.Rows; i++ {
		for k := 0; k < cfg.Rank; k++ {
			u.Set(i, k, rng.NormFloat64())
		}
	}
	for j := 0; j < cfg.Cols; j++ {
		for k := 0; k < cfg.Rank; k++ {
			v.Set(j, k, rng.NormFloat64())
		}
	}

	indptr := make([]int, cfg.Rows+1)
	var indices []int
	var data []float64
	for i := 0; i < cfg.Rows; i++ {
		ui := u.RawRowView(i)
		// 行ごとに最低1列は観測させる
		forced := rng.Intn(cfg.Cols)
		for j := 0; j < cfg.Cols; j++ {
			if j != forced && rng.Float64() >= cfg.Density {
				continue
			}
			val := mat.Dot(mat.NewVecDense(cfg.Rank, ui), v.RowView(j)) + cfg.Offset
			if cfg.Noise > 0 {
				val += cfg.Noise * rng.NormFloat64()
			}
			indices = append(indices, j)
			data = append(data, val)
		}
		indptr[i+1] = len(indices)
	}
	return &CSR{rows: cfg.Rows, cols: cfg.Cols, indptr: indptr, indices: indices, data: data}, nil
}

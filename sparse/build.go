package sparse

import (
	"math"
	"sort"

	"github.com/YuminosukeSato/modl/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Triplet は観測値1つ（行, 列, 値）
type Triplet struct {
	Row   int
	Col   int
	Value float64
}

// FromTriplets は任意の順序の観測値から CSR を作る。
// 同じ (row, col) が重複した場合は足し合わせずエラーにする。
func FromTriplets(rows, cols int, entries []Triplet) (*CSR, error) {
	const op = "sparse.FromTriplets"
	if rows < 0 || cols < 0 {
		return nil, errors.NewInvalidInputError(op, "negative shape")
	}

	sorted := make([]Triplet, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Row != sorted[b].Row {
			return sorted[a].Row < sorted[b].Row
		}
		return sorted[a].Col < sorted[b].Col
	})

	indptr := make([]int, rows+1)
	indices := make([]int, len(sorted))
	data := make([]float64, len(sorted))
	for k, t := range sorted {
		if t.Row < 0 || t.Row >= rows || t.Col < 0 || t.Col >= cols {
			return nil, errors.NewInvalidInputErrorAt(op, t.Row, "entry out of bounds")
		}
		if k > 0 && sorted[k-1].Row == t.Row && sorted[k-1].Col == t.Col {
			return nil, errors.NewInvalidInputErrorAt(op, t.Row, "duplicate column index")
		}
		if math.IsNaN(t.Value) || math.IsInf(t.Value, 0) {
			return nil, errors.NewInvalidInputErrorAt(op, t.Row, "non-finite value")
		}
		indptr[t.Row+1]++
		indices[k] = t.Col
		data[k] = t.Value
	}
	for i := 0; i < rows; i++ {
		indptr[i+1] += indptr[i]
	}

	return &CSR{rows: rows, cols: cols, indptr: indptr, indices: indices, data: data}, nil
}

// FromDense は密行列を変換する。isMissing が true を返す要素は未観測として扱う。
// isMissing が nil なら評価値行列の慣習どおり 0 を欠損とみなす。
func FromDense(m mat.Matrix, isMissing func(float64) bool) (*CSR, error) {
	if isMissing == nil {
		isMissing = func(v float64) bool { return v == 0 }
	}
	rows, cols := m.Dims()
	indptr := make([]int, rows+1)
	var indices []int
	var data []float64
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := m.At(i, j)
			if isMissing(v) {
				continue
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.NewInvalidInputErrorAt("sparse.FromDense", i, "non-finite value")
			}
			indices = append(indices, j)
			data = append(data, v)
		}
		indptr[i+1] = len(indices)
	}
	return &CSR{rows: rows, cols: cols, indptr: indptr, indices: indices, data: data}, nil
}

// Empty はすべて欠損の rows x cols 行列を返す
func Empty(rows, cols int) *CSR {
	return &CSR{rows: rows, cols: cols, indptr: make([]int, rows+1)}
}

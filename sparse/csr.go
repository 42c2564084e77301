// Package sparse は観測値のみを保持する行優先の疎行列（CSR形式）を提供します。
//
// 欠損値は格納されません。行列は構築時に検証され、以後は不変として扱います。
// CSR は gonum の mat.Matrix を実装するため、小さな行列は mat.DenseCopyOf で
// 密行列へ変換できます（欠損位置は 0 として見えます）。
package sparse

import (
	"sort"

	"github.com/YuminosukeSato/modl/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SparseRow は1行分の観測値（列インデックスと値）です。
// Indices と Values は元の CSR のビューなので変更してはいけません。
type SparseRow struct {
	Indices []int
	Values  []float64
}

// Len は観測数（サポートの大きさ）を返します。
func (r SparseRow) Len() int {
	return len(r.Indices)
}

// Empty はサポートが空かどうかを返します。
func (r SparseRow) Empty() bool {
	return len(r.Indices) == 0
}

// CSR は Compressed Sparse Row 形式の疎行列です。
//
// 不変条件:
//   - len(indptr) == rows+1, indptr[0] == 0, 単調非減少
//   - 各行の列インデックスは [0, cols) の範囲で厳密に昇順（重複なし）
//   - 値はすべて有限
type CSR struct {
	rows, cols int
	indptr     []int
	indices    []int
	data       []float64
}

var _ mat.Matrix = (*CSR)(nil)

// NewCSR は与えられた配列から CSR を作成し、不変条件を検証します。
// 配列はコピーされずにそのまま保持されます。
func NewCSR(rows, cols int, indptr, indices []int, data []float64) (*CSR, error) {
	m := &CSR{rows: rows, cols: cols, indptr: indptr, indices: indices, data: data}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate は CSR の不変条件をすべて検査します。
func (m *CSR) Validate() error {
	const op = "sparse.CSR"
	if m.rows < 0 || m.cols < 0 {
		return errors.NewInvalidInputError(op, "negative shape")
	}
	if len(m.indptr) != m.rows+1 {
		return errors.NewDimensionError(op, m.rows+1, len(m.indptr), 0)
	}
	if m.indptr[0] != 0 {
		return errors.NewInvalidInputError(op, "indptr must start at 0")
	}
	if m.indptr[m.rows] != len(m.indices) || len(m.indices) != len(m.data) {
		return errors.NewInvalidInputError(op, "indptr, indices and data lengths disagree")
	}
	for i := 0; i < m.rows; i++ {
		start, end := m.indptr[i], m.indptr[i+1]
		if end < start {
			return errors.NewInvalidInputErrorAt(op, i, "indptr is decreasing")
		}
		prev := -1
		for p := start; p < end; p++ {
			j := m.indices[p]
			if j < 0 || j >= m.cols {
				return errors.NewInvalidInputErrorAt(op, i, "column index out of range")
			}
			if j <= prev {
				return errors.NewInvalidInputErrorAt(op, i, "column indices must be strictly increasing (duplicate or unsorted)")
			}
			prev = j
		}
		if k := errors.FirstNonFinite(m.data[start:end]); k >= 0 {
			return errors.NewInvalidInputErrorAt(op, i, "non-finite value")
		}
	}
	return nil
}

// Dims は (行数, 列数) を返します。
func (m *CSR) Dims() (int, int) {
	return m.rows, m.cols
}

// At は (i, j) の値を返します。欠損位置は 0 です。
func (m *CSR) At(i, j int) float64 {
	if i < 0 || i >= m.rows || j < 0 || j >= m.cols {
		panic(mat.ErrIndexOutOfRange)
	}
	row := m.indices[m.indptr[i]:m.indptr[i+1]]
	k := sort.SearchInts(row, j)
	if k < len(row) && row[k] == j {
		return m.data[m.indptr[i]+k]
	}
	return 0
}

// T は転置ビューを返します。
func (m *CSR) T() mat.Matrix {
	return mat.Transpose{Matrix: m}
}

// Row は i 行目の観測値をビューとして返します。
func (m *CSR) Row(i int) SparseRow {
	start, end := m.indptr[i], m.indptr[i+1]
	return SparseRow{Indices: m.indices[start:end], Values: m.data[start:end]}
}

// NNZ は観測値の総数を返します。
func (m *CSR) NNZ() int {
	return len(m.data)
}

// RowNNZ は i 行目の観測数を返します。
func (m *CSR) RowNNZ(i int) int {
	return m.indptr[i+1] - m.indptr[i]
}

// ObservedRows は観測値を1つ以上持つ行のインデックスを昇順で返します。
func (m *CSR) ObservedRows() []int {
	out := make([]int, 0, m.rows)
	for i := 0; i < m.rows; i++ {
		if m.indptr[i+1] > m.indptr[i] {
			out = append(out, i)
		}
	}
	return out
}

// ColumnCounts は各列の観測数を返します。
func (m *CSR) ColumnCounts() []int {
	counts := make([]int, m.cols)
	for _, j := range m.indices {
		counts[j]++
	}
	return counts
}

// Data は値配列を返します（読み取り専用）。
func (m *CSR) Data() []float64 {
	return m.data
}

// Indptr は行ポインタ配列を返します（読み取り専用）。
func (m *CSR) Indptr() []int {
	return m.indptr
}

// Indices は列インデックス配列を返します（読み取り専用）。
func (m *CSR) Indices() []int {
	return m.indices
}

// WithData は同じ観測パターンで値だけを差し替えた新しい CSR を返します。
// パターン配列は共有されます。
func (m *CSR) WithData(data []float64) (*CSR, error) {
	if len(data) != len(m.data) {
		return nil, errors.NewDimensionError("sparse.CSR.WithData", len(m.data), len(data), 1)
	}
	if k := errors.FirstNonFinite(data); k >= 0 {
		return nil, errors.NewInvalidInputErrorAt("sparse.CSR.WithData", m.rowOf(k), "non-finite value")
	}
	return &CSR{rows: m.rows, cols: m.cols, indptr: m.indptr, indices: m.indices, data: data}, nil
}

// SamePattern は2つの行列が同じ形状・同じ観測位置を持つかどうかを返します。
func (m *CSR) SamePattern(other *CSR) bool {
	if m.rows != other.rows || m.cols != other.cols || len(m.indices) != len(other.indices) {
		return false
	}
	for i, p := range m.indptr {
		if other.indptr[i] != p {
			return false
		}
	}
	for k, j := range m.indices {
		if other.indices[k] != j {
			return false
		}
	}
	return true
}

// ToDense は密行列に変換します。欠損位置は 0 になります。
func (m *CSR) ToDense() *mat.Dense {
	if m.rows == 0 || m.cols == 0 {
		return &mat.Dense{}
	}
	d := mat.NewDense(m.rows, m.cols, nil)
	for i := 0; i < m.rows; i++ {
		for p := m.indptr[i]; p < m.indptr[i+1]; p++ {
			d.Set(i, m.indices[p], m.data[p])
		}
	}
	return d
}

// rowOf は data 上の位置 k が属する行を返します。
func (m *CSR) rowOf(k int) int {
	// indptr[i] <= k < indptr[i+1] となる i
	return sort.Search(m.rows, func(i int) bool { return m.indptr[i+1] > k })
}

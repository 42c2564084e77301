package sparse

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"math"

	"github.com/YuminosukeSato/modl/pkg/errors"
)

// csrWire は CSR の gob 表現
type csrWire struct {
	Rows, Cols int
	Indptr     []int
	Indices    []int
	Data       []float64
}

// MarshalBinary は行列を encoding/gob でエンコードする
func (m *CSR) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	w := csrWire{Rows: m.rows, Cols: m.cols, Indptr: m.indptr, Indices: m.indices, Data: m.data}
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, errors.Wrap(err, "sparse: encode CSR")
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary は MarshalBinary の出力をデコードし、構造を検証し直す
func (m *CSR) UnmarshalBinary(b []byte) error {
	var w csrWire
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return errors.Wrap(err, "sparse: decode CSR")
	}
	if w.Indptr == nil {
		w.Indptr = make([]int, w.Rows+1)
	}
	decoded := CSR{rows: w.Rows, cols: w.Cols, indptr: w.Indptr, indices: w.Indices, data: w.Data}
	if decoded.indices == nil {
		decoded.indices = []int{}
		decoded.data = []float64{}
	}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*m = decoded
	return nil
}

// Fingerprint は形状・非零パターン・値の sha256 を16進文字列で返す。
// フィンガープリントが等しい行列は同じ観測値を持つ。nil 行列は空文字列。
func (m *CSR) Fingerprint() string {
	if m == nil {
		return ""
	}
	h := sha256.New()
	var word [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(word[:], v)
		h.Write(word[:])
	}
	put(uint64(m.rows))
	put(uint64(m.cols))
	for _, p := range m.indptr {
		put(uint64(p))
	}
	for _, j := range m.indices {
		put(uint64(j))
	}
	for _, v := range m.data {
		put(math.Float64bits(v))
	}
	return hex.EncodeToString(h.Sum(nil))
}

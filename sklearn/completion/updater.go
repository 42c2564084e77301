package completion

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/modl/sparse"
)

// renormEvery バッチごとに partial 用の行ノルムのキャッシュを厳密に計算し直す
const renormEvery = 64

// dictStats は辞書と十分統計量
//
// D (k×p), B (k×k), C (k×p) は学習ドライバーだけが変更する。
type dictStats struct {
	D        *mat.Dense
	B        *mat.SymDense
	C        *mat.Dense
	colIters []int     // 各列が観測されたバッチ数
	counter  int       // 累積バッチ数 t（ウォームスタートでは継続）
	rowSq    []float64 // ‖D_k‖² のキャッシュ（partial 用）
}

func newDictStats(D *mat.Dense) *dictStats {
	k, p := D.Dims()
	st := &dictStats{
		D:        D,
		B:        mat.NewSymDense(k, nil),
		C:        mat.NewDense(k, p, nil),
		colIters: make([]int, p),
	}
	st.renorm()
	return st
}

func (st *dictStats) clone() *dictStats {
	k, _ := st.D.Dims()
	B := mat.NewSymDense(k, nil)
	B.CopySym(st.B)
	return &dictStats{
		D:        mat.DenseCopyOf(st.D),
		B:        B,
		C:        mat.DenseCopyOf(st.C),
		colIters: append([]int(nil), st.colIters...),
		counter:  st.counter,
		rowSq:    append([]float64(nil), st.rowSq...),
	}
}

func (st *dictStats) renorm() {
	k, _ := st.D.Dims()
	if len(st.rowSq) != k {
		st.rowSq = make([]float64, k)
	}
	for c := 0; c < k; c++ {
		row := st.D.RawRowView(c)
		s := 0.0
		for _, v := range row {
			s += v * v
		}
		st.rowSq[c] = s
	}
}

// UpdateInfo は1回の辞書更新の診断情報
type UpdateInfo struct {
	Weight    float64 // このバッチの重み w_t
	SqChange  float64 // ‖ΔD‖²_F
	Touched   int     // バッチで観測された列数
	Condition float64 // full の (B + λI) の条件数推定（partial は 0）
}

// updateStrategy は辞書 D の更新方式
type updateStrategy interface {
	name() string
	// apply は統計量更新後の st から D を更新し、‖ΔD‖²_F と条件数を返す
	apply(u *DictionaryUpdater, st *dictStats, touched []int) (sqChange, cond float64)
}

// DictionaryUpdater はバッチのコードを統計量 (B, C) に畳み込み、辞書を更新する
//
// 重み w_t = ((1+offset)/(t+offset))^ρ は (t+offset)^-ρ を最初のバッチで 1 になるよう
// 正規化したもの。B は全体の重み、C の列 j はその列が観測されたバッチ数 n_j による
// 重み w_j = ((1+offset)/(n_j+offset))^ρ で更新する。
type DictionaryUpdater struct {
	learningRate float64
	offset       float64
	lambda       float64
	fitIntercept bool
	strategy     updateStrategy
	kernel       kernel

	// 作業領域
	pos   []int     // 列 → touched 内の位置（未使用は -1）
	acc   []float64 // touched 列ごとの Σ a·x (k 個ずつ)
	cnt   []int     // touched 列ごとの観測行数
	old   []float64
	solve *mat.Dense
}

func newDictionaryUpdater(p Params, kern kernel, nFeatures int) *DictionaryUpdater {
	u := &DictionaryUpdater{
		learningRate: p.LearningRate,
		offset:       p.Offset,
		lambda:       p.DictRidge,
		fitIntercept: p.FitIntercept,
		kernel:       kern,
		pos:          make([]int, nFeatures),
	}
	for j := range u.pos {
		u.pos[j] = -1
	}
	if p.Projection == ProjectionPartial {
		u.strategy = partialUpdate{}
	} else {
		u.strategy = fullUpdate{}
	}
	return u
}

// weight は累積カウント n に対する移動平均の重み
func (u *DictionaryUpdater) weight(n int) float64 {
	return math.Pow((1+u.offset)/(float64(n)+u.offset), u.learningRate)
}

// firstLearned は更新対象の最初の成分（fit_intercept なら成分0は定数行）
func (u *DictionaryUpdater) firstLearned() int {
	if u.fitIntercept {
		return 1
	}
	return 0
}

// Update は X の rows 行（コードは codes の同じ位置の行）を統計量に畳み込み、辞書を更新する
func (u *DictionaryUpdater) Update(st *dictStats, X *sparse.CSR, rows []int, codes *mat.Dense) UpdateInfo {
	k, _ := st.D.Dims()
	n := len(rows)
	st.counter++
	w := u.weight(st.counter)

	// B ← (1−w)B + w·AᵀA/n
	batchCodes := codes.Slice(0, n, 0, k)
	st.B.ScaleSym(1-w, st.B)
	st.B.SymRankK(st.B, w/float64(n), batchCodes.T())

	// C: 観測された列だけ、列ごとの重みで更新
	touched := u.accumulate(X, rows, codes, k)
	for q, j := range touched {
		st.colIters[j]++
		wj := u.weight(st.colIters[j])
		inv := 1 / float64(u.cnt[q])
		for c := 0; c < k; c++ {
			st.C.Set(c, j, (1-wj)*st.C.At(c, j)+wj*u.acc[q*k+c]*inv)
		}
		u.pos[j] = -1
	}

	if st.counter%renormEvery == 0 {
		st.renorm()
	}
	sqChange, cond := u.strategy.apply(u, st, touched)
	return UpdateInfo{Weight: w, SqChange: sqChange, Touched: len(touched), Condition: cond}
}

// accumulate はバッチ内で観測された列ごとに Σ a_i x_ij と観測行数を集計する
func (u *DictionaryUpdater) accumulate(X *sparse.CSR, rows []int, codes *mat.Dense, k int) []int {
	touched := make([]int, 0, 64)
	u.acc = u.acc[:0]
	u.cnt = u.cnt[:0]
	for r, i := range rows {
		row := X.Row(i)
		a := codes.RawRowView(r)
		for t, j := range row.Indices {
			q := u.pos[j]
			if q < 0 {
				q = len(touched)
				u.pos[j] = q
				touched = append(touched, j)
				u.cnt = append(u.cnt, 0)
				for c := 0; c < k; c++ {
					u.acc = append(u.acc, 0)
				}
			}
			u.cnt[q]++
			x := row.Values[t]
			for c := 0; c < k; c++ {
				u.acc[q*k+c] += a[c] * x
			}
		}
	}
	return touched
}

// fullUpdate は D ← (B + λI)⁻¹ C を全列について厳密に解き、各行を単位球に射影する
//
// fit_intercept の場合は定数行を固定したまま残りの成分について解く:
// (B_rr + λI) D_r = C_r − B_r0 1ᵀ
type fullUpdate struct{}

func (fullUpdate) name() string { return ProjectionFull }

func (fullUpdate) apply(u *DictionaryUpdater, st *dictStats, _ []int) (float64, float64) {
	k, p := st.D.Dims()
	lo := u.firstLearned()
	m := k - lo
	if m == 0 {
		return 0, 0
	}

	G := make([]float64, m*m)
	for a := 0; a < m; a++ {
		for c := 0; c < m; c++ {
			G[a*m+c] = st.B.At(lo+a, lo+c)
		}
		G[a*m+a] += u.lambda
	}

	R := mat.DenseCopyOf(st.C.Slice(lo, k, 0, p))
	if lo == 1 {
		for a := 0; a < m; a++ {
			b0 := st.B.At(lo+a, 0)
			row := R.RawRowView(a)
			for j := range row {
				row[j] -= b0
			}
		}
	}

	if u.solve == nil {
		u.solve = mat.NewDense(m, p, nil)
	}
	cond, ok := u.kernel.solveSPDMulti(G, m, R, u.solve)
	if !ok {
		// λ > 0 なら起こらない
		return 0, math.Inf(1)
	}

	sq := 0.0
	for a := 0; a < m; a++ {
		next := u.solve.RawRowView(a)
		projectUnitBall(next)
		cur := st.D.RawRowView(lo + a)
		norm := 0.0
		for j := range cur {
			d := next[j] - cur[j]
			sq += d * d
			cur[j] = next[j]
			norm += next[j] * next[j]
		}
		st.rowSq[lo+a] = norm
	}
	return sq, cond
}

// partialUpdate はバッチで観測された列 S だけを1回のブロック座標降下で更新する
//
//	D[k,S] += (C[k,S] − B[k,:] D[:,S]) / (B[k,k] + λ)
//
// 続けて D[k,S] を半径 √max(0, 1 − ‖D[k,¬S]‖²) の球に射影する。S 以外の座標は
// 変更しないので、射影後も ‖D_k‖ ≤ 1 が保たれる。成分は順に更新し、後の成分は
// 更新済みの値を使う。
type partialUpdate struct{}

func (partialUpdate) name() string { return ProjectionPartial }

func (partialUpdate) apply(u *DictionaryUpdater, st *dictStats, touched []int) (float64, float64) {
	k, _ := st.D.Dims()
	if cap(u.old) < len(touched) {
		u.old = make([]float64, len(touched))
	}
	old := u.old[:len(touched)]

	sq := 0.0
	for c := u.firstLearned(); c < k; c++ {
		dRow := st.D.RawRowView(c)
		denom := st.B.At(c, c) + u.lambda

		oldSq := 0.0
		for q, j := range touched {
			old[q] = dRow[j]
			oldSq += dRow[j] * dRow[j]
		}

		newSq := 0.0
		for _, j := range touched {
			r := st.C.At(c, j)
			for l := 0; l < k; l++ {
				r -= st.B.At(c, l) * st.D.At(l, j)
			}
			dRow[j] += r / denom
			newSq += dRow[j] * dRow[j]
		}

		untouched := math.Max(0, st.rowSq[c]-oldSq)
		radiusSq := math.Max(0, 1-untouched)
		if newSq > radiusSq {
			scale := 0.0
			if newSq > 0 {
				scale = math.Sqrt(radiusSq / newSq)
			}
			newSq = 0
			for _, j := range touched {
				dRow[j] *= scale
				newSq += dRow[j] * dRow[j]
			}
		}
		st.rowSq[c] = untouched + newSq

		for q, j := range touched {
			d := dRow[j] - old[q]
			sq += d * d
		}
	}
	return sq, 0
}

// projectUnitBall は v を ‖v‖ ≤ 1 の球に射影する
func projectUnitBall(v []float64) {
	norm := 0.0
	for _, x := range v {
		norm += x * x
	}
	if norm <= 1 {
		return
	}
	scale := 1 / math.Sqrt(norm)
	for i := range v {
		v[i] *= scale
	}
}

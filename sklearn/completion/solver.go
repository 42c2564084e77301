package completion

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/modl/performance"
	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/sparse"
)

const (
	// illConditioned は NumericalInstabilityWarning を出す条件数の閾値
	illConditioned = 1e12
	// singular 以上の条件数は作業精度で特異とみなし、ジッターを加えて解き直す
	singular = 1e15
)

// CodeInfo は1行分のコード計算の診断情報
type CodeInfo struct {
	// Condition はグラム行列の条件数の推定値（サポートが空なら 0）
	Condition float64
	// Jittered は α = 0 でグラム行列が特異だったため微小な対角項を足したかどうか
	Jittered bool
}

// CodeSolver は観測位置に制限したリッジ回帰でコードを求める
//
//	a = argmin ‖D_Sᵀ a − v‖² + α‖a‖²  ⇔  (D_S D_Sᵀ + αI) a = D_S v
//
// Solve は (D, row, α) の純粋関数で、複数の goroutine から同時に呼べる。
type CodeSolver struct {
	alpha  float64
	kernel kernel
	pool   *performance.MatrixPool
}

// NewCodeSolver は backend ("gonum" / "native") のカーネルを使う CodeSolver を作成
func NewCodeSolver(alpha float64, backend string) (*CodeSolver, error) {
	if math.IsNaN(alpha) || math.IsInf(alpha, 0) || alpha < 0 {
		return nil, errors.NewInvalidConfigurationError("alpha", "must be >= 0", alpha)
	}
	pool := performance.NewMatrixPool()
	k, err := newKernel(backend, pool)
	if err != nil {
		return nil, err
	}
	return &CodeSolver{alpha: alpha, kernel: k, pool: pool}, nil
}

// Alpha はリッジ正則化の強さを返す
func (s *CodeSolver) Alpha() float64 {
	return s.alpha
}

// Backend はカーネル名を返す
func (s *CodeSolver) Backend() string {
	return s.kernel.name()
}

// Solve は row のコードを out（長さ n_components）に書き込む
// サポートが空の行は解を計算せずゼロベクトルになる。
func (s *CodeSolver) Solve(D *mat.Dense, row sparse.SparseRow, out []float64) CodeInfo {
	zero(out)
	if row.Empty() {
		return CodeInfo{}
	}
	k, _ := D.Dims()

	gram := s.pool.Get(k, k)
	rhs := s.pool.Get(k, 1)
	defer gram.Release()
	defer rhs.Release()
	G, b := gram.Raw(), rhs.Raw()

	s.kernel.gram(D, row, G, b)
	trace := 0.0
	for i := 0; i < k; i++ {
		G[i*k+i] += s.alpha
		trace += G[i*k+i]
	}

	if cond, ok := s.kernel.solveSPD(G, k, b, out); ok && cond < singular {
		return CodeInfo{Condition: cond}
	}

	// α = 0 でランク落ちしている場合だけここに来る（α > 0 なら条件数は (trace+α)/α 以下）
	info := CodeInfo{Jittered: true, Condition: math.Inf(1)}
	jitter := 1e-12 * trace
	if jitter == 0 {
		// D_S がゼロならコードもゼロ
		zero(out)
		return info
	}
	for attempt := 0; attempt < 8; attempt++ {
		s.kernel.gram(D, row, G, b)
		for i := 0; i < k; i++ {
			G[i*k+i] += s.alpha + jitter
		}
		if cond, ok := s.kernel.solveSPD(G, k, b, out); ok && cond < singular {
			info.Condition = cond
			return info
		}
		jitter *= 100
	}
	zero(out)
	return info
}

// kernel は数値計算のバックエンド
type kernel interface {
	name() string

	// gram は G = D_S D_Sᵀ (k×k, 行優先) と b = D_S v を計算する
	gram(D *mat.Dense, row sparse.SparseRow, G, b []float64)

	// solveSPD は対称正定値 G (k×k) について G x = b を解き、条件数の推定値を返す
	// G が正定値でなければ ok = false。G と b は破壊してよい。
	solveSPD(G []float64, k int, b, x []float64) (cond float64, ok bool)

	// solveSPDMulti は G X = R を解いて dst (k×p) に書き込む。G は破壊してよい。
	solveSPDMulti(G []float64, k int, R, dst *mat.Dense) (cond float64, ok bool)
}

func newKernel(backend string, pool *performance.MatrixPool) (kernel, error) {
	switch backend {
	case BackendGonum, "":
		return gonumKernel{pool: pool}, nil
	case BackendNative:
		return nativeKernel{}, nil
	default:
		return nil, errors.NewInvalidConfigurationError("backend", "must be one of [gonum, native]", backend)
	}
}

// gonumKernel は gonum の mat (BLAS / LAPACK) を使う
type gonumKernel struct {
	pool *performance.MatrixPool
}

func (gonumKernel) name() string { return BackendGonum }

func (g gonumKernel) gram(D *mat.Dense, row sparse.SparseRow, G, b []float64) {
	k, _ := D.Dims()
	s := row.Len()
	buf := g.pool.Get(k, s)
	defer buf.Release()

	ds := buf.Dense()
	for c := 0; c < k; c++ {
		dRow := D.RawRowView(c)
		dsRow := ds.RawRowView(c)
		for t, j := range row.Indices {
			dsRow[t] = dRow[j]
		}
	}
	mat.NewDense(k, k, G).Mul(ds, ds.T())
	mat.NewVecDense(k, b).MulVec(ds, mat.NewVecDense(s, row.Values))
}

func (gonumKernel) solveSPD(G []float64, k int, b, x []float64) (float64, bool) {
	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(k, G)); !ok {
		return 0, false
	}
	if err := chol.SolveVecTo(mat.NewVecDense(k, x), mat.NewVecDense(k, b)); err != nil && !isConditionErr(err) {
		return 0, false
	}
	return chol.Cond(), true
}

func (gonumKernel) solveSPDMulti(G []float64, k int, R, dst *mat.Dense) (float64, bool) {
	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(k, G)); !ok {
		return 0, false
	}
	if err := chol.SolveTo(dst, R); err != nil && !isConditionErr(err) {
		return 0, false
	}
	return chol.Cond(), true
}

// mat.Condition は解けているが条件が悪いという意味なので失敗扱いしない
func isConditionErr(err error) bool {
	var condErr mat.Condition
	return errors.As(err, &condErr)
}

// nativeKernel は外部ライブラリを使わない素朴なループ
type nativeKernel struct{}

func (nativeKernel) name() string { return BackendNative }

func (nativeKernel) gram(D *mat.Dense, row sparse.SparseRow, G, b []float64) {
	k, _ := D.Dims()
	for a := 0; a < k; a++ {
		da := D.RawRowView(a)
		sum := 0.0
		for t, j := range row.Indices {
			sum += da[j] * row.Values[t]
		}
		b[a] = sum
		for c := a; c < k; c++ {
			dc := D.RawRowView(c)
			g := 0.0
			for _, j := range row.Indices {
				g += da[j] * dc[j]
			}
			G[a*k+c] = g
			G[c*k+a] = g
		}
	}
}

func (nativeKernel) solveSPD(G []float64, k int, b, x []float64) (float64, bool) {
	if !choleskyInPlace(G, k) {
		return 0, false
	}
	choleskySolve(G, k, b, x)
	return choleskyCond(G, k), true
}

func (nativeKernel) solveSPDMulti(G []float64, k int, R, dst *mat.Dense) (float64, bool) {
	if !choleskyInPlace(G, k) {
		return 0, false
	}
	_, p := R.Dims()
	col := make([]float64, k)
	x := make([]float64, k)
	for j := 0; j < p; j++ {
		for i := 0; i < k; i++ {
			col[i] = R.At(i, j)
		}
		choleskySolve(G, k, col, x)
		for i := 0; i < k; i++ {
			dst.Set(i, j, x[i])
		}
	}
	return choleskyCond(G, k), true
}

// choleskyInPlace は G = L Lᵀ の L を G の下三角に書き込む
func choleskyInPlace(G []float64, k int) bool {
	for j := 0; j < k; j++ {
		d := G[j*k+j]
		for p := 0; p < j; p++ {
			d -= G[j*k+p] * G[j*k+p]
		}
		if d <= 0 || math.IsNaN(d) {
			return false
		}
		ljj := math.Sqrt(d)
		G[j*k+j] = ljj
		for i := j + 1; i < k; i++ {
			s := G[i*k+j]
			for p := 0; p < j; p++ {
				s -= G[i*k+p] * G[j*k+p]
			}
			G[i*k+j] = s / ljj
		}
	}
	return true
}

// choleskySolve は L y = b, Lᵀ x = y を解く
func choleskySolve(L []float64, k int, b, x []float64) {
	for i := 0; i < k; i++ {
		s := b[i]
		for p := 0; p < i; p++ {
			s -= L[i*k+p] * x[p]
		}
		x[i] = s / L[i*k+i]
	}
	for i := k - 1; i >= 0; i-- {
		s := x[i]
		for p := i + 1; p < k; p++ {
			s -= L[p*k+i] * x[p]
		}
		x[i] = s / L[i*k+i]
	}
}

// choleskyCond は条件数を (max L_ii / min L_ii)² で見積もる
func choleskyCond(L []float64, k int) float64 {
	minL, maxL := math.Inf(1), 0.0
	for i := 0; i < k; i++ {
		l := L[i*k+i]
		minL = math.Min(minL, l)
		maxL = math.Max(maxL, l)
	}
	ratio := maxL / minL
	return ratio * ratio
}

func zero(v []float64) {
	for i := range v {
		v[i] = 0
	}
}

package completion

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/modl/performance"
	"github.com/YuminosukeSato/modl/sparse"
)

func updaterFixture(t *testing.T, projection string, intercept bool) (*DictionaryUpdater, *dictStats, *sparse.CSR) {
	t.Helper()
	X, err := sparse.Synthetic(sparse.SyntheticConfig{Rows: 30, Cols: 12, Rank: 2, Density: 0.3, Seed: 7})
	require.NoError(t, err)

	p := DefaultParams()
	p.NComponents = 3
	p.Projection = projection
	p.FitIntercept = intercept
	p.LearningRate = 0.8
	p.Offset = 2

	kern, err := newKernel(BackendGonum, performance.NewMatrixPool())
	require.NoError(t, err)
	u := newDictionaryUpdater(p, kern, 12)
	st := newDictStats(initDictionary(rand.New(rand.NewSource(1)), 3, 12, intercept))
	return u, st, X
}

func randomCodes(rng *rand.Rand, n, k int) *mat.Dense {
	codes := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for c := 0; c < k; c++ {
			codes.Set(i, c, rng.NormFloat64())
		}
	}
	return codes
}

func rowNorms(D *mat.Dense) []float64 {
	k, _ := D.Dims()
	out := make([]float64, k)
	for c := 0; c < k; c++ {
		out[c] = floats.Norm(D.RawRowView(c), 2)
	}
	return out
}

func TestUpdaterWeightSchedule(t *testing.T) {
	for _, offset := range []float64{0, 1, 10} {
		u := &DictionaryUpdater{learningRate: 0.7, offset: offset}
		assert.InDelta(t, 1.0, u.weight(1), 1e-15)
		prev := u.weight(1)
		for n := 2; n < 50; n++ {
			w := u.weight(n)
			assert.Less(t, w, prev)
			assert.Greater(t, w, 0.0)
			prev = w
		}
	}
}

func TestUpdaterFirstBatchReplacesStatistics(t *testing.T) {
	u, st, X := updaterFixture(t, ProjectionFull, false)
	rows := []int{0, 1, 2, 3}
	codes := randomCodes(rand.New(rand.NewSource(2)), len(rows), 3)

	info := u.Update(st, X, rows, codes)
	assert.Equal(t, 1, st.counter)
	assert.InDelta(t, 1.0, info.Weight, 1e-15)

	// B = AᵀA / n
	var want mat.Dense
	want.Mul(codes.T(), codes)
	want.Scale(1/float64(len(rows)), &want)
	for a := 0; a < 3; a++ {
		for c := 0; c < 3; c++ {
			assert.InDelta(t, want.At(a, c), st.B.At(a, c), 1e-12)
		}
	}

	// C[:, j] = 列 j を観測した行の a·x_ij の平均
	for j := 0; j < 12; j++ {
		sum := make([]float64, 3)
		n := 0
		for r, i := range rows {
			x := X.At(i, j)
			row := X.Row(i)
			observed := false
			for _, jj := range row.Indices {
				observed = observed || jj == j
			}
			if !observed {
				continue
			}
			n++
			for c := 0; c < 3; c++ {
				sum[c] += codes.At(r, c) * x
			}
		}
		for c := 0; c < 3; c++ {
			if n == 0 {
				assert.Equal(t, 0.0, st.C.At(c, j))
				assert.Equal(t, 0, st.colIters[j])
				continue
			}
			assert.InDelta(t, sum[c]/float64(n), st.C.At(c, j), 1e-12)
			assert.Equal(t, 1, st.colIters[j])
		}
	}
}

func TestUpdaterProjectionInvariant(t *testing.T) {
	for _, projection := range []string{ProjectionFull, ProjectionPartial} {
		for _, intercept := range []bool{false, true} {
			u, st, X := updaterFixture(t, projection, intercept)
			rng := rand.New(rand.NewSource(3))

			for batch := 0; batch < 100; batch++ {
				rows := []int{rng.Intn(30), rng.Intn(30), rng.Intn(30)}
				before := mat.DenseCopyOf(st.D)
				codes := randomCodes(rng, len(rows), 3)
				info := u.Update(st, X, rows, codes)

				var diff mat.Dense
				diff.Sub(st.D, before)
				assert.InDelta(t, mat.Norm(&diff, 2)*mat.Norm(&diff, 2), info.SqChange, 1e-9)

				for c, n := range rowNorms(st.D) {
					if intercept && c == 0 {
						for _, v := range st.D.RawRowView(0) {
							require.Equal(t, 1.0, v)
						}
						continue
					}
					require.LessOrEqual(t, n, 1+1e-9, "%s intercept=%v batch %d component %d", projection, intercept, batch, c)
				}
			}
			assert.Equal(t, 100, st.counter)
		}
	}
}

func TestPartialUpdateLeavesUntouchedColumns(t *testing.T) {
	u, st, X := updaterFixture(t, ProjectionPartial, false)
	rows := []int{5}
	codes := randomCodes(rand.New(rand.NewSource(4)), 1, 3)
	before := mat.DenseCopyOf(st.D)

	u.Update(st, X, rows, codes)

	touched := map[int]bool{}
	for _, j := range X.Row(5).Indices {
		touched[j] = true
	}
	for c := 0; c < 3; c++ {
		for j := 0; j < 12; j++ {
			if !touched[j] {
				assert.Equal(t, before.At(c, j), st.D.At(c, j))
			}
		}
	}

	// 行ノルムのキャッシュは実際のノルムと一致する
	for c, n := range rowNorms(st.D) {
		assert.InDelta(t, n*n, st.rowSq[c], 1e-12)
	}
}

func TestFullUpdateSolvesRidgeSystem(t *testing.T) {
	u, st, X := updaterFixture(t, ProjectionFull, false)
	// コードを大きくすると D は小さくなり、単位球への射影が起きない
	rows := []int{0, 1, 2, 3, 4, 5}
	codes := randomCodes(rand.New(rand.NewSource(5)), len(rows), 3)
	codes.Scale(100, codes)
	u.Update(st, X, rows, codes)

	for _, n := range rowNorms(st.D) {
		require.Less(t, n, 1.0)
	}
	// (B + λI) D = C
	for c := 0; c < 3; c++ {
		for j := 0; j < 12; j++ {
			lhs := u.lambda * st.D.At(c, j)
			for l := 0; l < 3; l++ {
				lhs += st.B.At(c, l) * st.D.At(l, j)
			}
			assert.InDelta(t, st.C.At(c, j), lhs, 1e-8)
		}
	}
}

func TestDictStatsClone(t *testing.T) {
	u, st, X := updaterFixture(t, ProjectionFull, false)
	u.Update(st, X, []int{0, 1}, randomCodes(rand.New(rand.NewSource(6)), 2, 3))

	clone := st.clone()
	u.Update(clone, X, []int{2, 3}, randomCodes(rand.New(rand.NewSource(7)), 2, 3))

	assert.Equal(t, 1, st.counter)
	assert.Equal(t, 2, clone.counter)
	assert.False(t, mat.Equal(st.D, clone.D))
}

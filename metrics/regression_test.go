package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/sparse"
)

// pair は同じ観測位置に truth と pred を置いた (yTrue, yPred) を作る
func pair(t *testing.T, truth, pred []float64) (*sparse.CSR, *sparse.CSR) {
	t.Helper()
	build := func(values []float64) *sparse.CSR {
		entries := make([]sparse.Triplet, len(values))
		for k, v := range values {
			entries[k] = sparse.Triplet{Row: k % 2, Col: k / 2, Value: v}
		}
		m, err := sparse.FromTriplets(2, (len(values)+1)/2, entries)
		require.NoError(t, err)
		return m
	}
	return build(truth), build(pred)
}

func TestMSE(t *testing.T) {
	tests := []struct {
		name      string
		yTrue     []float64
		yPred     []float64
		want      float64
		tolerance float64
	}{
		{
			name:      "perfect prediction",
			yTrue:     []float64{1.0, 2.0, 3.0, 4.0, 5.0},
			yPred:     []float64{1.0, 2.0, 3.0, 4.0, 5.0},
			want:      0.0,
			tolerance: 1e-10,
		},
		{
			name:      "simple case",
			yTrue:     []float64{1.0, 2.0, 3.0, 4.0},
			yPred:     []float64{1.5, 2.5, 2.5, 3.5},
			want:      0.25, // ((0.5)^2 + (0.5)^2 + (-0.5)^2 + (-0.5)^2) / 4
			tolerance: 1e-10,
		},
		{
			name:      "larger errors",
			yTrue:     []float64{10.0, 20.0, 30.0},
			yPred:     []float64{12.0, 18.0, 33.0},
			want:      17.0 / 3.0, // (4 + 4 + 9) / 3
			tolerance: 1e-10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yTrue, yPred := pair(t, tt.yTrue, tt.yPred)
			got, err := MSE(yTrue, yPred)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, tt.tolerance)

			rmse, err := RMSE(yTrue, yPred)
			require.NoError(t, err)
			assert.InDelta(t, math.Sqrt(tt.want), rmse, tt.tolerance)
		})
	}
}

func TestMAE(t *testing.T) {
	yTrue, yPred := pair(t, []float64{1, 2, 3, 4}, []float64{2, 2, 1, 4})
	got, err := MAE(yTrue, yPred)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got, 1e-12)
}

func TestR2Score(t *testing.T) {
	yTrue, yPred := pair(t, []float64{1, 2, 3, 4}, []float64{1, 2, 3, 4})
	got, err := R2Score(yTrue, yPred)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-12)

	constTrue, constPred := pair(t, []float64{2, 2, 2}, []float64{1, 2, 3})
	_, err = R2Score(constTrue, constPred)
	assert.Error(t, err)
}

func TestMetricInputErrors(t *testing.T) {
	a, err := sparse.FromTriplets(2, 2, []sparse.Triplet{{Row: 0, Col: 0, Value: 1}})
	require.NoError(t, err)
	b, err := sparse.FromTriplets(2, 2, []sparse.Triplet{{Row: 1, Col: 1, Value: 1}})
	require.NoError(t, err)
	wide, err := sparse.FromTriplets(2, 3, []sparse.Triplet{{Row: 0, Col: 0, Value: 1}})
	require.NoError(t, err)

	t.Run("different pattern", func(t *testing.T) {
		_, err := MSE(a, b)
		var inputErr *errors.InvalidInputError
		assert.True(t, errors.As(err, &inputErr))
	})

	t.Run("shape mismatch", func(t *testing.T) {
		_, err := RMSE(a, wide)
		var dimErr *errors.DimensionError
		require.True(t, errors.As(err, &dimErr))
		assert.Equal(t, 1, dimErr.Axis)
	})

	t.Run("no observations", func(t *testing.T) {
		empty := sparse.Empty(2, 2)
		_, err := MAE(empty, empty)
		assert.Error(t, err)
	})

	t.Run("nil", func(t *testing.T) {
		_, err := MSE(nil, a)
		assert.Error(t, err)
	})
}

func TestMeanBaselineRMSE(t *testing.T) {
	train, err := sparse.FromTriplets(2, 2, []sparse.Triplet{
		{Row: 0, Col: 0, Value: 1},
		{Row: 1, Col: 1, Value: 3},
	})
	require.NoError(t, err)
	test, err := sparse.FromTriplets(2, 2, []sparse.Triplet{
		{Row: 0, Col: 1, Value: 2},
		{Row: 1, Col: 0, Value: 4},
	})
	require.NoError(t, err)

	// 平均 2 → 誤差 0 と 2
	got, err := MeanBaselineRMSE(train, test)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(2), got, 1e-12)
}

func BenchmarkRMSE(b *testing.B) {
	m, err := sparse.Synthetic(sparse.SyntheticConfig{Rows: 500, Cols: 200, Rank: 3, Density: 0.05, Seed: 1})
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = RMSE(m, m)
	}
}

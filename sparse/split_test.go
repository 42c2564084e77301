package sparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainTestSplit(t *testing.T) {
	X, err := Synthetic(SyntheticConfig{Rows: 50, Cols: 20, Rank: 3, Density: 0.5, Seed: 1})
	require.NoError(t, err)

	train, test, err := TrainTestSplit(X, 0.2, 42)
	require.NoError(t, err)

	assert.Equal(t, X.NNZ(), train.NNZ()+test.NNZ())
	assert.Greater(t, test.NNZ(), 0)
	require.NoError(t, train.Validate())
	require.NoError(t, test.Validate())

	// 分割は互いに素で、値は元の行列と一致する
	for i := 0; i < 50; i++ {
		row := test.Row(i)
		for k, j := range row.Indices {
			assert.Equal(t, 0.0, train.At(i, j))
			assert.Equal(t, X.At(i, j), row.Values[k])
		}
	}

	train2, test2, err := TrainTestSplit(X, 0.2, 42)
	require.NoError(t, err)
	assert.Equal(t, train.Fingerprint(), train2.Fingerprint())
	assert.Equal(t, test.Fingerprint(), test2.Fingerprint())

	_, _, err = TrainTestSplit(X, 1.0, 0)
	assert.Error(t, err)
}

func TestSynthetic(t *testing.T) {
	cfg := SyntheticConfig{Rows: 30, Cols: 10, Rank: 2, Density: 0.3, Offset: 3, Seed: 7}
	X, err := Synthetic(cfg)
	require.NoError(t, err)
	require.NoError(t, X.Validate())

	assert.Len(t, X.ObservedRows(), 30, "every row has at least one observation")

	Y, err := Synthetic(cfg)
	require.NoError(t, err)
	assert.Equal(t, X.Fingerprint(), Y.Fingerprint())

	_, err = Synthetic(SyntheticConfig{Rows: 3, Cols: 3, Rank: 1, Density: 0})
	assert.Error(t, err)
}

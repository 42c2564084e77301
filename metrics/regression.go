// Package metrics は疎行列の観測位置で評価する回帰指標を提供します。
//
// yTrue と yPred は同じ形状・同じ非ゼロパターンの CSR である必要があります
// （DictCompleter.Predict は入力と同じパターンの CSR を返します）。
package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/sparse"
)

// residuals は観測位置ごとの yTrue - yPred を返す
func residuals(op string, yTrue, yPred *sparse.CSR) ([]float64, error) {
	if yTrue == nil || yPred == nil {
		return nil, errors.NewInvalidInputError(op, "nil matrix")
	}
	if yTrue.NNZ() == 0 {
		return nil, errors.NewValueError(op, "no observed entries")
	}

	rTrue, cTrue := yTrue.Dims()
	rPred, cPred := yPred.Dims()
	if rTrue != rPred {
		return nil, errors.NewDimensionError(op, rTrue, rPred, 0)
	}
	if cTrue != cPred {
		return nil, errors.NewDimensionError(op, cTrue, cPred, 1)
	}
	if !yTrue.SamePattern(yPred) {
		return nil, errors.NewInvalidInputError(op, "yTrue and yPred have different sparsity patterns")
	}

	diff := make([]float64, yTrue.NNZ())
	floats.SubTo(diff, yTrue.Data(), yPred.Data())
	return diff, nil
}

// MSE は観測位置での平均二乗誤差（Mean Squared Error）を計算する
func MSE(yTrue, yPred *sparse.CSR) (float64, error) {
	diff, err := residuals("MSE", yTrue, yPred)
	if err != nil {
		return 0, err
	}

	// MSE = (1/n) * Σ(yTrue - yPred)²
	return floats.Dot(diff, diff) / float64(len(diff)), nil
}

// RMSE は観測位置での平方根平均二乗誤差（Root Mean Squared Error）を計算する
func RMSE(yTrue, yPred *sparse.CSR) (float64, error) {
	mse, err := MSE(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(mse), nil
}

// MAE は観測位置での平均絶対誤差（Mean Absolute Error）を計算する
func MAE(yTrue, yPred *sparse.CSR) (float64, error) {
	diff, err := residuals("MAE", yTrue, yPred)
	if err != nil {
		return 0, err
	}

	// MAE = (1/n) * Σ|yTrue - yPred|
	return floats.Norm(diff, 1) / float64(len(diff)), nil
}

// R2Score は観測位置での決定係数（R²）を計算する
func R2Score(yTrue, yPred *sparse.CSR) (float64, error) {
	diff, err := residuals("R2Score", yTrue, yPred)
	if err != nil {
		return 0, err
	}

	// 全変動（TSS）と残差変動（RSS）
	values := yTrue.Data()
	mean := stat.Mean(values, nil)
	var tss float64
	for _, v := range values {
		tss += (v - mean) * (v - mean)
	}
	rss := floats.Dot(diff, diff)

	// 全変動が0の場合（すべてのyTrueが同じ値）
	if tss == 0 {
		return 0, errors.Newf("R2Score: total sum of squares is zero (no variance in yTrue)")
	}

	// R² = 1 - RSS/TSS
	return 1 - rss/tss, nil
}

// MeanBaselineRMSE は train の観測値の平均を定数予測としたときの test の RMSE を返す
//
// 行列補完モデルが最低限上回るべき基準値。
func MeanBaselineRMSE(train, test *sparse.CSR) (float64, error) {
	if train == nil || train.NNZ() == 0 {
		return 0, errors.NewValueError("MeanBaselineRMSE", "no observed training entries")
	}
	mean := stat.Mean(train.Data(), nil)

	constant := make([]float64, test.NNZ())
	for i := range constant {
		constant[i] = mean
	}
	pred, err := test.WithData(constant)
	if err != nil {
		return 0, err
	}
	return RMSE(test, pred)
}

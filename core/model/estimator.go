package model

import (
	"context"
	"encoding"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/modl/sparse"
)

// Fitter は疎行列で学習可能なモデルのインターフェース
type Fitter interface {
	// FitContext はモデルを訓練データで学習させる。ctx のキャンセルはバッチ境界で確認される
	FitContext(ctx context.Context, X *sparse.CSR) error
}

// Predictor は観測位置での予測を行うモデルのインターフェース
type Predictor interface {
	// Predict は X と同じ観測パターンを持つ予測行列を返す
	Predict(X *sparse.CSR) (*sparse.CSR, error)
}

// Estimator はキャッシュラッパーなどが依存する固定のメソッド集合。
// ここにないメソッドはラップされた推定器を直接呼び出す。
type Estimator interface {
	Fitter
	Predictor
	Scorer
	Transformer
	ParameterGetter
	ParameterSetter

	// Clone は同じハイパーパラメータを持つ未学習の推定器を返す
	Clone() Estimator

	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Transformer は行列をコード（潜在表現）に変換するインターフェース
type Transformer interface {
	// Transform は各行のコードを (n_samples × n_components) の密行列で返す
	Transform(X *sparse.CSR) (*mat.Dense, error)
}

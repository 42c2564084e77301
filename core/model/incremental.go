package model

// OnlineEstimator はミニバッチで逐次的に学習するモデルのインターフェース
type OnlineEstimator interface {
	Estimator

	// NIterations は最後の学習で処理したミニバッチ数を返す
	NIterations() int

	// IsWarmStart はウォームスタートが有効かどうかを返す
	// true の場合、Fit 呼び出し時に既存の辞書と統計量から学習を継続
	IsWarmStart() bool

	// SetWarmStart はウォームスタートの有効/無効を設定
	SetWarmStart(warmStart bool)

	// FitStatus は最後の学習がどう終了したかを返す
	FitStatus() FitStatus
}

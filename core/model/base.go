package model

// FitStatus はオンライン学習ドライバーの状態を表す
type FitStatus int

const (
	// Uninitialized は一度も学習していない状態
	Uninitialized FitStatus = iota
	// Initializing はパラメータ検証と D, B, C の確保中
	Initializing
	// Running はミニバッチのループ中
	Running
	// Converged は辞書の相対変化が tol を下回って停止した
	Converged
	// MaxIterReached は最大イテレーション数に達して停止した
	MaxIterReached
	// Cancelled はコンテキストのキャンセルで中断された（モデルは以前の状態のまま）
	Cancelled
)

// String は状態名を返す
func (s FitStatus) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Converged:
		return "converged"
	case MaxIterReached:
		return "max_iter_reached"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal は学習ループが終了した状態かどうかを返す
func (s FitStatus) Terminal() bool {
	return s == Converged || s == MaxIterReached || s == Cancelled
}

// ParseFitStatus は String の逆変換。未知の名前は Uninitialized と false を返す。
func ParseFitStatus(s string) (FitStatus, bool) {
	for st := Uninitialized; st <= Cancelled; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return Uninitialized, false
}

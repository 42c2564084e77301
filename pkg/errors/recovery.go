package errors

import (
	"fmt"
	"runtime/debug"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// PanicError は推定器の公開メソッド内で回収した panic を表す。
// 不正なスパースパターンによる範囲外アクセスや gonum の次元 panic を
// エラーとして呼び出し元に返すために使う。
type PanicError struct {
	Operation  string      // panic を回収したメソッド名
	PanicValue interface{} // panic() に渡された値
	StackTrace string      // 回収時点のスタック
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.PanicValue)
}

// MarshalZerologObject はzerologのイベントに panic の情報を追加します。
func (e *PanicError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Operation).
		Str("panic", fmt.Sprint(e.PanicValue)).
		Str("type", "PanicError")
}

// NewPanicError は現在のスタックを記録した PanicError を作成します。
func NewPanicError(operation string, panicValue interface{}) *PanicError {
	return &PanicError{
		Operation:  operation,
		PanicValue: panicValue,
		StackTrace: string(debug.Stack()),
	}
}

// Recover は defer で使い、panic を *err に変換します。
//
//	func (c *DictCompleter) Predict(X *sparse.CSR) (_ *sparse.CSR, err error) {
//	    defer errors.Recover(&err, "DictCompleter.Predict")
//	    ...
//	}
//
// *err に既にエラーがある場合は、そのエラーを PanicError の副次エラーとして残す。
func Recover(err *error, operation string) {
	r := recover()
	if r == nil {
		return
	}
	var panicErr error = NewPanicError(operation, r)
	if *err != nil {
		panicErr = errors.WithSecondaryError(panicErr, *err)
	}
	*err = panicErr
}

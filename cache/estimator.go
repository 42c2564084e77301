package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/modl/core/model"
	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/pkg/log"
	"github.com/YuminosukeSato/modl/sparse"
)

const cachedEstimatorName = "CachedEstimator"

// CachedEstimator は推定器の Fit（と予測系のメソッド）の結果をキャッシュするラッパー
//
// memoryLevel 1 では Fit だけ、2 では Predict / Score / Transform もキャッシュする。
// Fit は毎回テンプレートの推定器を Clone し、キャッシュにある学習済み状態を
// 復元するか、学習して保存する。ここにないメソッドは Fitted() で取り出した
// 学習済みの推定器を直接呼び出す。
type CachedEstimator struct {
	estimator     model.Estimator // 未学習のテンプレート
	mem           *Memory
	memoryLevel   int
	ignoredParams []string

	// 学習結果
	fitted_ model.Estimator
	fitKey_ string

	mu sync.RWMutex
}

// Option は CachedEstimator の設定オプション
type Option func(*CachedEstimator)

// WithMemoryLevel はキャッシュするメソッドの範囲を設定（0 でキャッシュなし）
func WithMemoryLevel(level int) Option {
	return func(c *CachedEstimator) {
		c.memoryLevel = level
	}
}

// WithIgnoredParams は学習結果に影響しないパラメータ名を設定
// これらは Fit のキーに含まれず、キャッシュから復元した推定器には現在の値が設定される。
func WithIgnoredParams(names ...string) Option {
	return func(c *CachedEstimator) {
		c.ignoredParams = append([]string(nil), names...)
	}
}

// NewCachedEstimator は estimator を mem でキャッシュするラッパーを作成する
// mem が nil なら Disabled() と同じ。
func NewCachedEstimator(estimator model.Estimator, mem *Memory, options ...Option) *CachedEstimator {
	if mem == nil {
		mem = Disabled()
	}
	c := &CachedEstimator{
		estimator:   estimator,
		mem:         mem,
		memoryLevel: 1,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Estimator はテンプレートの（未学習の）推定器を返す
func (c *CachedEstimator) Estimator() model.Estimator {
	return c.estimator
}

// Fitted は最後の Fit で得た学習済みの推定器を返す
func (c *CachedEstimator) Fitted() (model.Estimator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fitted_ == nil {
		return nil, errors.NewNotFittedError(cachedEstimatorName, "Fitted")
	}
	return c.fitted_, nil
}

// MemoryLevel はキャッシュの範囲を返す
func (c *CachedEstimator) MemoryLevel() int {
	return c.memoryLevel
}

// Fit は y を無視して FitContext を呼ぶ
func (c *CachedEstimator) Fit(X *sparse.CSR, _ mat.Matrix) error {
	return c.FitContext(context.Background(), X)
}

// FitContext は学習済みの状態をキャッシュから復元するか、学習してキャッシュに保存する
func (c *CachedEstimator) FitContext(ctx context.Context, X *sparse.CSR) error {
	est := c.estimator.Clone()
	params := est.GetParams()
	cacheable := X != nil && c.cached(1)
	if cacheable && !seeded(params) {
		// 時刻をシードにした学習は入力が同じでも結果が変わるのでキャッシュしない
		c.mem.logger.Warn("fit not cached: random_state is unset",
			log.CacheFuncKey, c.funcName("fit", est))
		cacheable = false
	}
	if !cacheable {
		if err := est.FitContext(ctx, X); err != nil {
			return err
		}
		c.commit(est, "")
		return nil
	}

	keyParams, ignored := c.splitParams(params)
	key, err := Key(c.funcName("fit", est), X, keyParams)
	if err != nil {
		return err
	}

	fit := Memoize[*sparse.CSR, model.Estimator](c.mem, c.funcName("fit", est), estimatorCodec{template: est},
		func(ctx context.Context, X *sparse.CSR) (model.Estimator, error) {
			if err := est.FitContext(ctx, X); err != nil {
				return nil, err
			}
			return est, nil
		})
	fitted, err := fit.CallKey(ctx, key, X)
	if err != nil {
		return err
	}

	// 復元した推定器には保存時の ignored パラメータが入っているので現在の値に戻す
	if fitted != est && len(ignored) > 0 {
		if err := fitted.SetParams(ignored); err != nil {
			return err
		}
	}
	c.commit(fitted, key)
	return nil
}

// Predict は学習済みの推定器の Predict を呼ぶ（memoryLevel 2 以上でキャッシュ）
func (c *CachedEstimator) Predict(X *sparse.CSR) (*sparse.CSR, error) {
	est, key, err := c.current("Predict")
	if err != nil {
		return nil, err
	}
	call := func(_ context.Context, X *sparse.CSR) (*sparse.CSR, error) { return est.Predict(X) }
	if !c.cached(2) || key == "" || X == nil {
		return call(context.Background(), X)
	}
	m := Memoize[*sparse.CSR, *sparse.CSR](c.mem, c.funcName("predict", est), BinaryCodec[sparse.CSR, *sparse.CSR]{}, call)
	return m.Call(context.Background(), X, key)
}

// Score は学習済みの推定器の Score を呼ぶ（memoryLevel 2 以上でキャッシュ）
func (c *CachedEstimator) Score(X *sparse.CSR) (float64, error) {
	est, key, err := c.current("Score")
	if err != nil {
		return 0, err
	}
	call := func(_ context.Context, X *sparse.CSR) (float64, error) { return est.Score(X) }
	if !c.cached(2) || key == "" || X == nil {
		return call(context.Background(), X)
	}
	m := Memoize[*sparse.CSR, float64](c.mem, c.funcName("score", est), JSONCodec[float64]{}, call)
	return m.Call(context.Background(), X, key)
}

// Transform は学習済みの推定器の Transform を呼ぶ（memoryLevel 2 以上でキャッシュ）
func (c *CachedEstimator) Transform(X *sparse.CSR) (*mat.Dense, error) {
	est, key, err := c.current("Transform")
	if err != nil {
		return nil, err
	}
	call := func(_ context.Context, X *sparse.CSR) (*mat.Dense, error) { return est.Transform(X) }
	if !c.cached(2) || key == "" || X == nil {
		return call(context.Background(), X)
	}
	m := Memoize[*sparse.CSR, *mat.Dense](c.mem, c.funcName("transform", est), BinaryCodec[mat.Dense, *mat.Dense]{}, call)
	return m.Call(context.Background(), X, key)
}

// GetParams はテンプレートの推定器のパラメータを返す
func (c *CachedEstimator) GetParams() map[string]interface{} {
	return c.estimator.GetParams()
}

// SetParams はテンプレートの推定器のパラメータを設定する（次の Fit から有効）
func (c *CachedEstimator) SetParams(params map[string]interface{}) error {
	return c.estimator.SetParams(params)
}

// Clone は同じ設定を持つ未学習のラッパーを返す
func (c *CachedEstimator) Clone() model.Estimator {
	return &CachedEstimator{
		estimator:     c.estimator.Clone(),
		mem:           c.mem,
		memoryLevel:   c.memoryLevel,
		ignoredParams: append([]string(nil), c.ignoredParams...),
	}
}

// MarshalBinary は学習済み（未学習ならテンプレート）の推定器をエンコードする
func (c *CachedEstimator) MarshalBinary() ([]byte, error) {
	c.mu.RLock()
	est := c.fitted_
	c.mu.RUnlock()
	if est == nil {
		est = c.estimator
	}
	return est.MarshalBinary()
}

// UnmarshalBinary は MarshalBinary の出力を学習済みの推定器として復元する
func (c *CachedEstimator) UnmarshalBinary(data []byte) error {
	est := c.estimator.Clone()
	if err := est.UnmarshalBinary(data); err != nil {
		return err
	}
	c.commit(est, "")
	return nil
}

// String はラッパーの文字列表現を返す
func (c *CachedEstimator) String() string {
	store := "disabled"
	if c.mem.Enabled() {
		store = c.mem.store.Name()
	}
	return fmt.Sprintf("CachedEstimator(%v, store=%s, memory_level=%d)", c.estimator, store, c.memoryLevel)
}

func (c *CachedEstimator) cached(level int) bool {
	return c.mem.Enabled() && c.memoryLevel >= level
}

func (c *CachedEstimator) funcName(method string, est model.Estimator) string {
	return fmt.Sprintf("%T.%s", est, method)
}

// splitParams はパラメータをキーに入るものと ignoredParams に分ける
func (c *CachedEstimator) splitParams(params map[string]interface{}) (keyed, ignored map[string]interface{}) {
	keyed = make(map[string]interface{}, len(params))
	for k, v := range params {
		keyed[k] = v
	}
	ignored = make(map[string]interface{})
	for _, name := range c.ignoredParams {
		if v, ok := keyed[name]; ok {
			ignored[name] = v
			delete(keyed, name)
		}
	}
	return keyed, ignored
}

func (c *CachedEstimator) commit(est model.Estimator, key string) {
	c.mu.Lock()
	c.fitted_ = est
	c.fitKey_ = key
	c.mu.Unlock()
}

// current は学習済みの推定器と Fit のキーを返す
func (c *CachedEstimator) current(method string) (model.Estimator, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fitted_ == nil {
		return nil, "", errors.NewNotFittedError(cachedEstimatorName, method)
	}
	return c.fitted_, c.fitKey_, nil
}

// IgnoredParams は Fit のキーから除くパラメータ名を整列して返す
func (c *CachedEstimator) IgnoredParams() []string {
	out := append([]string(nil), c.ignoredParams...)
	sort.Strings(out)
	return out
}

// estimatorCodec は推定器を MarshalBinary でエンコードし、template の Clone に復元する
type estimatorCodec struct {
	template model.Estimator
}

// seeded は random_state が固定されているかを返す。random_state を持たない推定器は決定的とみなす。
func seeded(params map[string]interface{}) bool {
	switch v := params["random_state"].(type) {
	case int64:
		return v >= 0
	case int:
		return v >= 0
	case int32:
		return v >= 0
	default:
		return true
	}
}

func (e estimatorCodec) Encode(est model.Estimator) ([]byte, error) {
	return est.MarshalBinary()
}

func (e estimatorCodec) Decode(data []byte) (model.Estimator, error) {
	est := e.template.Clone()
	if err := est.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return est, nil
}

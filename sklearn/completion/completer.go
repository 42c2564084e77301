// Package completion はオンライン辞書学習による疎行列補完（推薦）を提供します。
//
// DictCompleter は観測値のみを持つ大規模な疎行列から低ランクの辞書 D を学習します。
// 行のミニバッチをサンプリングし、観測位置に制限したリッジ回帰で各行のコードを求め、
// コードと観測値の移動平均統計量 (B, C) から辞書を更新します。
//
// 使用例:
//
//	mf := completion.New(
//	    completion.WithNComponents(30),
//	    completion.WithAlpha(1e-3),
//	    completion.WithBatchSize(400),
//	    completion.WithDetrend(true),
//	    completion.WithProjection("partial"),
//	    completion.WithLearningRate(0.8),
//	)
//	if err := mf.FitContext(ctx, Xtrain); err != nil {
//	    return err
//	}
//	pred, err := mf.Predict(Xtrain)
package completion

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/modl/core/model"
	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/pkg/log"
	"github.com/YuminosukeSato/modl/pkg/validation"
	"github.com/YuminosukeSato/modl/sparse"
)

const (
	modelName    = "DictCompleter"
	modelVersion = "1.0.0"

	// ProjectionFull は毎ステップ (B + λI) D = C を厳密に解く
	ProjectionFull = "full"
	// ProjectionPartial はバッチで観測された列だけをブロック座標降下で更新する
	ProjectionPartial = "partial"

	// BackendGonum は gonum (BLAS / LAPACK) のカーネルを使う
	BackendGonum = "gonum"
	// BackendNative は素朴なループのカーネルを使う
	BackendNative = "native"
)

// Params は DictCompleter のハイパーパラメータ
//
// json タグは GetParams / SetParams のキー、koanf タグは設定ファイルのキーと同じ。
type Params struct {
	NComponents   int     `json:"n_components" koanf:"n_components" validate:"gte=1"`
	Alpha         float64 `json:"alpha" koanf:"alpha" validate:"finite,gte=0"`
	BatchSize     int     `json:"batch_size" koanf:"batch_size" validate:"gte=1"`
	Detrend       bool    `json:"detrend" koanf:"detrend"`
	FitIntercept  bool    `json:"fit_intercept" koanf:"fit_intercept"`
	Offset        float64 `json:"offset" koanf:"offset" validate:"finite,gte=0"`
	Projection    string  `json:"projection" koanf:"projection" validate:"oneof=full partial"`
	LearningRate  float64 `json:"learning_rate" koanf:"learning_rate" validate:"gt=0,lte=1"`
	MaxNIter      int     `json:"max_n_iter" koanf:"max_n_iter"`
	RandomState   int64   `json:"random_state" koanf:"random_state"`
	Backend       string  `json:"backend" koanf:"backend" validate:"oneof=gonum native"`
	Verbose       int     `json:"verbose" koanf:"verbose" validate:"gte=0"`
	CallbackEvery int     `json:"callback_every" koanf:"callback_every" validate:"gte=1"`
	Tol           float64 `json:"tol" koanf:"tol" validate:"finite,gte=0"`
	Shuffle       bool    `json:"shuffle" koanf:"shuffle"`
	NJobs         int     `json:"n_jobs" koanf:"n_jobs" validate:"ne=0"`
	DictRidge     float64 `json:"dict_ridge" koanf:"dict_ridge" validate:"finite,gt=0"`
	WarmStart     bool    `json:"warm_start" koanf:"warm_start"`
}

// DefaultParams はデフォルトのハイパーパラメータを返す
func DefaultParams() Params {
	return Params{
		NComponents:   30,
		Alpha:         1.0,
		BatchSize:     10,
		Detrend:       false,
		FitIntercept:  false,
		Offset:        0,
		Projection:    ProjectionFull,
		LearningRate:  1.0,
		MaxNIter:      10000,
		RandomState:   -1,
		Backend:       BackendGonum,
		Verbose:       0,
		CallbackEvery: 1,
		Tol:           0,
		Shuffle:       true,
		NJobs:         1,
		DictRidge:     1e-6,
		WarmStart:     false,
	}
}

// Validate はハイパーパラメータを検証し、問題があれば InvalidConfigurationError を返す
func (p Params) Validate() error {
	return validation.ValidateStruct(&p)
}

// Callback は学習中に Snapshot を受け取る診断用の関数
type Callback func(*Snapshot)

var (
	_ model.Estimator       = (*DictCompleter)(nil)
	_ model.OnlineEstimator = (*DictCompleter)(nil)
	_ model.WeightExporter  = (*DictCompleter)(nil)
)

// DictCompleter はオンライン辞書学習による行列補完モデル
type DictCompleter struct {
	state *model.StateManager // State management (composition instead of embedding)

	// ハイパーパラメータ
	params   Params
	callback Callback
	logger   log.Logger

	// sharedLogger は logger がパッケージのデフォルトロガー由来であることを示す。
	// その場合だけ verbose に合わせて出力レベルを下げる。
	sharedLogger bool

	// 学習パラメータ（Fit の最後にまとめて差し替える）
	fitted_ *fittedModel
	nIter_  int

	id string
	mu sync.RWMutex
}

// Option は DictCompleter の設定オプション
type Option func(*DictCompleter)

// New は新しい DictCompleter を作成
func New(options ...Option) *DictCompleter {
	c := &DictCompleter{
		state:  model.NewStateManager(),
		params: DefaultParams(),
		id:     uuid.NewString(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.logger == nil {
		c.logger = log.GetLogger()
		c.sharedLogger = true
	}
	c.logger = c.logger.With(log.ModelNameKey, modelName, log.EstimatorIDKey, c.id)

	return c
}

// WithParams はハイパーパラメータをまとめて設定
func WithParams(p Params) Option {
	return func(c *DictCompleter) {
		c.params = p
	}
}

// WithNComponents は辞書の成分数を設定
func WithNComponents(n int) Option {
	return func(c *DictCompleter) {
		c.params.NComponents = n
	}
}

// WithAlpha はコード計算のリッジ正則化の強さを設定
func WithAlpha(alpha float64) Option {
	return func(c *DictCompleter) {
		c.params.Alpha = alpha
	}
}

// WithBatchSize はミニバッチの行数を設定
func WithBatchSize(n int) Option {
	return func(c *DictCompleter) {
		c.params.BatchSize = n
	}
}

// WithDetrend は行・列バイアスの除去を設定
func WithDetrend(detrend bool) Option {
	return func(c *DictCompleter) {
		c.params.Detrend = detrend
	}
}

// WithFitIntercept は定数成分（成分0 = すべて1の行）の使用を設定
func WithFitIntercept(fit bool) Option {
	return func(c *DictCompleter) {
		c.params.FitIntercept = fit
	}
}

// WithOffset は学習率スケジュールのオフセットを設定
func WithOffset(offset float64) Option {
	return func(c *DictCompleter) {
		c.params.Offset = offset
	}
}

// WithProjection は辞書更新の方式（"full" / "partial"）を設定
func WithProjection(projection string) Option {
	return func(c *DictCompleter) {
		c.params.Projection = projection
	}
}

// WithLearningRate は重み減衰の指数 ρ ∈ (0, 1] を設定
func WithLearningRate(rho float64) Option {
	return func(c *DictCompleter) {
		c.params.LearningRate = rho
	}
}

// WithMaxNIter は最大ミニバッチ数を設定（0 以下は1エポック）
func WithMaxNIter(n int) Option {
	return func(c *DictCompleter) {
		c.params.MaxNIter = n
	}
}

// WithRandomState は乱数シードを設定（負の値なら時刻から）
func WithRandomState(seed int64) Option {
	return func(c *DictCompleter) {
		c.params.RandomState = seed
	}
}

// WithBackend は数値カーネル（"gonum" / "native"）を設定
func WithBackend(backend string) Option {
	return func(c *DictCompleter) {
		c.params.Backend = backend
	}
}

// WithVerbose は詳細出力レベルを設定
func WithVerbose(verbose int) Option {
	return func(c *DictCompleter) {
		c.params.Verbose = verbose
	}
}

// WithCallback は診断用コールバックを設定
func WithCallback(cb Callback) Option {
	return func(c *DictCompleter) {
		c.callback = cb
	}
}

// WithCallbackEvery はコールバックを呼ぶバッチ間隔を設定
func WithCallbackEvery(n int) Option {
	return func(c *DictCompleter) {
		c.params.CallbackEvery = n
	}
}

// WithTol は収束判定の許容誤差を設定（0 で無効）
func WithTol(tol float64) Option {
	return func(c *DictCompleter) {
		c.params.Tol = tol
	}
}

// WithShuffle はエポックごとの行のシャッフルを設定
func WithShuffle(shuffle bool) Option {
	return func(c *DictCompleter) {
		c.params.Shuffle = shuffle
	}
}

// WithNJobs は行ごとのコード計算の並列数を設定（-1 で全CPU）
func WithNJobs(n int) Option {
	return func(c *DictCompleter) {
		c.params.NJobs = n
	}
}

// WithDictRidge は辞書更新に加える λ を設定
func WithDictRidge(lambda float64) Option {
	return func(c *DictCompleter) {
		c.params.DictRidge = lambda
	}
}

// WithWarmStart はウォームスタートを設定
func WithWarmStart(warm bool) Option {
	return func(c *DictCompleter) {
		c.params.WarmStart = warm
	}
}

// WithLogger はロガーを設定
func WithLogger(logger log.Logger) Option {
	return func(c *DictCompleter) {
		c.logger = logger
	}
}

// Fit はモデルを学習する（y は使われない）
func (c *DictCompleter) Fit(X *sparse.CSR, y mat.Matrix) error {
	return c.FitContext(context.Background(), X)
}

// GetParams はハイパーパラメータを返す
func (c *DictCompleter) GetParams() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.params
	return map[string]interface{}{
		"n_components":   p.NComponents,
		"alpha":          p.Alpha,
		"batch_size":     p.BatchSize,
		"detrend":        p.Detrend,
		"fit_intercept":  p.FitIntercept,
		"offset":         p.Offset,
		"projection":     p.Projection,
		"learning_rate":  p.LearningRate,
		"max_n_iter":     p.MaxNIter,
		"random_state":   p.RandomState,
		"backend":        p.Backend,
		"verbose":        p.Verbose,
		"callback_every": p.CallbackEvery,
		"tol":            p.Tol,
		"shuffle":        p.Shuffle,
		"n_jobs":         p.NJobs,
		"dict_ridge":     p.DictRidge,
		"warm_start":     p.WarmStart,
	}
}

// SetParams はハイパーパラメータを設定する
//
// 数値は JSON 由来の float64 も受け付ける。未知のキーや型の合わない値はエラー。
// "callback" キーには Callback か func(*Snapshot) を渡せる。
// 値の範囲は Fit の開始時に検証される。
func (c *DictCompleter) SetParams(params map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, cb, err := applyParams(c.params, c.callback, params)
	if err != nil {
		return err
	}
	c.params = p
	c.callback = cb
	return nil
}

// applyParams は GetParams 形式のマップを p と cb に反映したコピーを返す
func applyParams(p Params, cb Callback, params map[string]interface{}) (Params, Callback, error) {
	for key, value := range params {
		var err error
		switch key {
		case "n_components":
			p.NComponents, err = toInt(key, value)
		case "alpha":
			p.Alpha, err = toFloat(key, value)
		case "batch_size":
			p.BatchSize, err = toInt(key, value)
		case "detrend":
			p.Detrend, err = toBool(key, value)
		case "fit_intercept":
			p.FitIntercept, err = toBool(key, value)
		case "offset":
			p.Offset, err = toFloat(key, value)
		case "projection":
			p.Projection, err = toString(key, value)
		case "learning_rate":
			p.LearningRate, err = toFloat(key, value)
		case "max_n_iter":
			p.MaxNIter, err = toInt(key, value)
		case "random_state":
			var seed int
			seed, err = toInt(key, value)
			p.RandomState = int64(seed)
		case "backend":
			p.Backend, err = toString(key, value)
		case "verbose":
			p.Verbose, err = toInt(key, value)
		case "callback_every":
			p.CallbackEvery, err = toInt(key, value)
		case "tol":
			p.Tol, err = toFloat(key, value)
		case "shuffle":
			p.Shuffle, err = toBool(key, value)
		case "n_jobs":
			p.NJobs, err = toInt(key, value)
		case "dict_ridge":
			p.DictRidge, err = toFloat(key, value)
		case "warm_start":
			p.WarmStart, err = toBool(key, value)
		case "callback":
			switch f := value.(type) {
			case nil:
				cb = nil
			case Callback:
				cb = f
			case func(*Snapshot):
				cb = f
			default:
				err = errors.NewInvalidConfigurationError(key, "must be a func(*Snapshot)", value)
			}
		default:
			err = errors.NewInvalidConfigurationError(key, "unknown parameter", value)
		}
		if err != nil {
			return p, cb, err
		}
	}

	return p, cb, nil
}

// Params はハイパーパラメータのコピーを返す
func (c *DictCompleter) Params() Params {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params
}

// Clone は同じハイパーパラメータ・コールバック・ロガーを持つ未学習のモデルを返す
func (c *DictCompleter) Clone() model.Estimator {
	return c.clone()
}

func (c *DictCompleter) clone() *DictCompleter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := &DictCompleter{
		state:    model.NewStateManager(),
		params:   c.params,
		callback: c.callback,
		id:       uuid.NewString(),

		sharedLogger: c.sharedLogger,
	}
	clone.logger = c.logger.With(log.EstimatorIDKey, clone.id)
	return clone
}

// ID はこの推定器インスタンスの識別子を返す
func (c *DictCompleter) ID() string {
	return c.id
}

// IsFitted returns whether the model has been fitted
func (c *DictCompleter) IsFitted() bool {
	return c.state.IsFitted()
}

// FitStatus は最後の学習の終了理由を返す
func (c *DictCompleter) FitStatus() model.FitStatus {
	return c.state.FitStatus()
}

// NIterations は最後の学習で処理したミニバッチ数を返す
func (c *DictCompleter) NIterations() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nIter_
}

// IsWarmStart はウォームスタートが有効かどうかを返す
func (c *DictCompleter) IsWarmStart() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.WarmStart
}

// SetWarmStart はウォームスタートの有効/無効を設定
func (c *DictCompleter) SetWarmStart(warmStart bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params.WarmStart = warmStart
}

// Components は学習された辞書 D のコピーを返す (n_components × n_features)
func (c *DictCompleter) Components() (*mat.Dense, error) {
	f, err := c.fitted("Components")
	if err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(f.D), nil
}

// Codes は学習データ各行のコードのコピーを返す (n_samples × n_components)
func (c *DictCompleter) Codes() (*mat.Dense, error) {
	f, err := c.fitted("Codes")
	if err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(f.codes), nil
}

// RowBias は detrend の行バイアスを返す（detrend 無効時は nil）
func (c *DictCompleter) RowBias() ([]float64, error) {
	f, err := c.fitted("RowBias")
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), f.rowBias...), nil
}

// ColBias は detrend の列バイアス（全体平均を含む）を返す（detrend 無効時は nil）
func (c *DictCompleter) ColBias() ([]float64, error) {
	f, err := c.fitted("ColBias")
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), f.colBias...), nil
}

// String returns the string representation of the model
func (c *DictCompleter) String() string {
	p := c.Params()
	if !c.state.IsFitted() {
		return fmt.Sprintf("DictCompleter(n_components=%d, alpha=%g, batch_size=%d, projection=%s, learning_rate=%g)",
			p.NComponents, p.Alpha, p.BatchSize, p.Projection, p.LearningRate)
	}
	nFeatures, nSamples := c.state.GetDimensions()
	return fmt.Sprintf("DictCompleter(n_components=%d, n_samples=%d, n_features=%d, fitted=true)",
		p.NComponents, nSamples, nFeatures)
}

// fitted は学習済みの状態を返す
func (c *DictCompleter) fitted(method string) (*fittedModel, error) {
	if err := c.state.RequireFitted(modelName, method); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fitted_, nil
}

// newRand はシードから乱数生成器を作る（負のシードは時刻から）
func newRand(seed int64) *rand.Rand {
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

func toInt(key string, v interface{}) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case int32:
		return int(x), nil
	case float64:
		if x != float64(int64(x)) {
			return 0, errors.NewInvalidConfigurationError(key, "must be an integer", v)
		}
		return int(x), nil
	default:
		return 0, errors.NewInvalidConfigurationError(key, "must be an integer", v)
	}
}

func toFloat(key string, v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	default:
		return 0, errors.NewInvalidConfigurationError(key, "must be a number", v)
	}
}

func toBool(key string, v interface{}) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, errors.NewInvalidConfigurationError(key, "must be a bool", v)
	}
	return b, nil
}

func toString(key string, v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errors.NewInvalidConfigurationError(key, "must be a string", v)
	}
	return s, nil
}

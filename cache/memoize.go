package cache

import (
	"context"
	"crypto/sha256"
	"encoding"
	"encoding/hex"

	"github.com/goccy/go-json"

	"github.com/YuminosukeSato/modl/core/model"
	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/pkg/log"
)

// Fingerprinter は JSON の代わりに内容のダイジェストでキーに入る値
// （*sparse.CSR など大きな行列）
type Fingerprinter interface {
	Fingerprint() string
}

// Key は name と parts から sha256 のキャッシュキーを作る
//
// 各 part は Fingerprinter ならそのダイジェスト、それ以外は JSON でハッシュに入る。
// map のキーは JSON で整列されるので、同じ内容のパラメータは同じキーになる。
func Key(name string, parts ...interface{}) (string, error) {
	h := sha256.New()
	h.Write([]byte(name))
	for _, part := range parts {
		h.Write([]byte{0})
		if f, ok := part.(Fingerprinter); ok {
			h.Write([]byte(f.Fingerprint()))
			continue
		}
		data, err := json.Marshal(part)
		if err != nil {
			return "", errors.Wrapf(err, "cache: key for %s", name)
		}
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Codec は結果の値とバイト列を相互に変換する
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec は goccy/go-json でエンコードする
type JSONCodec[T any] struct{}

// Encode は Codec の実装
func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

// Decode は Codec の実装
func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// GobCodec は encoding/gob でエンコードする（gonum の行列など）
type GobCodec[T any] struct{}

// Encode は Codec の実装
func (GobCodec[T]) Encode(v T) ([]byte, error) {
	return model.EncodeGob(v)
}

// Decode は Codec の実装
func (GobCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := model.DecodeGob(data, &v)
	return v, err
}

// binaryValue はゼロ値から UnmarshalBinary できるポインタ型
type binaryValue[T any] interface {
	*T
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// BinaryCodec は MarshalBinary / UnmarshalBinary を持つ型のコーデック
type BinaryCodec[T any, P binaryValue[T]] struct{}

// Encode は Codec の実装
func (BinaryCodec[T, P]) Encode(v P) ([]byte, error) {
	return v.MarshalBinary()
}

// Decode は Codec の実装
func (BinaryCodec[T, P]) Decode(data []byte) (P, error) {
	v := P(new(T))
	if err := v.UnmarshalBinary(data); err != nil {
		var zero P
		return zero, err
	}
	return v, nil
}

// Memoized はメモ化された関数
type Memoized[In, Out any] struct {
	mem   *Memory
	name  string
	fn    func(context.Context, In) (Out, error)
	codec Codec[Out]
}

// Memoize は fn を mem でメモ化する
//
// キーは sha256(name ‖ 引数 ‖ params)。name は関数ごとに一意にする。
// mem が無効なら Call は毎回 fn を実行する。
func Memoize[In, Out any](mem *Memory, name string, codec Codec[Out], fn func(context.Context, In) (Out, error)) *Memoized[In, Out] {
	return &Memoized[In, Out]{mem: mem, name: name, fn: fn, codec: codec}
}

// Call は in と params に対する結果をストアから返すか、fn を実行して保存する
//
// params は結果を左右する追加の値（推定器のハイパーパラメータなど）。
// ストアの読み書きやデコードの失敗はキャッシュミスとして扱い、fn のエラーだけを返す。
func (m *Memoized[In, Out]) Call(ctx context.Context, in In, params interface{}) (Out, error) {
	if !m.mem.Enabled() {
		return m.fn(ctx, in)
	}
	key, err := Key(m.name, in, params)
	if err != nil {
		var zero Out
		return zero, err
	}
	return m.call(ctx, key, in)
}

// CallKey は計算済みのキーで Call と同じ処理をする
func (m *Memoized[In, Out]) CallKey(ctx context.Context, key string, in In) (Out, error) {
	if !m.mem.Enabled() {
		return m.fn(ctx, in)
	}
	return m.call(ctx, key, in)
}

func (m *Memoized[In, Out]) call(ctx context.Context, key string, in In) (Out, error) {
	mem := m.mem
	logger := mem.logger.With(log.CacheFuncKey, m.name, log.CacheKeyKey, key)

	data, ok, err := mem.load(ctx, m.name, key)
	if err != nil {
		logger.Warn("cache read failed", err)
	}
	if ok {
		v, err := m.codec.Decode(data)
		if err == nil {
			mem.metrics.Hit(m.name)
			logger.Debug("cache hit", log.CacheHitKey, true)
			return v, nil
		}
		mem.metrics.StoreError(m.name, "decode")
		logger.Warn("cache entry could not be decoded", err)
		mem.forget(ctx, m.name, key)
	}

	mem.metrics.Miss(m.name)
	logger.Debug("cache miss", log.CacheHitKey, false)
	v, err := m.fn(ctx, in)
	if err != nil {
		return v, err
	}

	encoded, err := m.codec.Encode(v)
	if err != nil {
		mem.metrics.StoreError(m.name, "encode")
		logger.Warn("cache entry could not be encoded", err)
		return v, nil
	}
	mem.save(ctx, m.name, key, encoded)
	return v, nil
}

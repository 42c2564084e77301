// Package cache は推定器のメソッド呼び出しをキー・バリューストアにメモ化する。
//
// Memory は Store とロガー、任意の Prometheus メトリクスをまとめたもので、
// キャッシュが必要な箇所へ明示的に渡す。パッケージレベルのデフォルトはない。
// Disabled はすべての呼び出しを直接実行する Memory を返す。
// random_state が負の推定器の学習は再現できないのでキャッシュしない。
//
// 使用例:
//
//	db, err := badger.Open(badger.DefaultOptions(dir))
//	...
//	mem := cache.NewMemory(cache.NewBadgerStore(db))
//	est := cache.NewCachedEstimator(completion.New(completion.WithRandomState(0)), mem,
//	    cache.WithMemoryLevel(2),
//	    cache.WithIgnoredParams("verbose", "n_jobs"),
//	)
//	if err := est.FitContext(ctx, X); err != nil {
//	    return err
//	}
package cache

import (
	"context"
	"time"

	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/pkg/log"
	"github.com/YuminosukeSato/modl/pkg/telemetry"
)

// Store はキャッシュのバイト列を保存するキー・バリューストア
type Store interface {
	// Get は key の値を返す。存在しなければ errors.ErrCacheMiss を返す
	Get(ctx context.Context, key string) ([]byte, error)

	// Set は key に value を保存する
	Set(ctx context.Context, key string, value []byte) error

	// Delete は key を削除する。存在しなくてもエラーにしない
	Delete(ctx context.Context, key string) error

	// Name はログとメトリクス用のストア名
	Name() string
}

// Memory はメモ化の設定
type Memory struct {
	store   Store
	logger  log.Logger
	metrics *telemetry.CacheMetrics
}

// MemoryOption は Memory の設定オプション
type MemoryOption func(*Memory)

// WithLogger はキャッシュのロガーを設定
func WithLogger(logger log.Logger) MemoryOption {
	return func(m *Memory) {
		m.logger = logger
	}
}

// WithMetrics はヒット・ミス・エラーを数える collector を設定
func WithMetrics(metrics *telemetry.CacheMetrics) MemoryOption {
	return func(m *Memory) {
		m.metrics = metrics
	}
}

// NewMemory は store を使う Memory を作成する
func NewMemory(store Store, options ...MemoryOption) *Memory {
	m := &Memory{store: store}
	for _, opt := range options {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.GetLogger()
	}
	if store != nil {
		m.logger = m.logger.With(log.ComponentKey, "cache", log.CacheStoreKey, store.Name())
	}
	return m
}

// Disabled はすべての呼び出しを直接実行する Memory を返す
func Disabled() *Memory {
	return &Memory{logger: log.GetLogger()}
}

// Enabled はストアが設定されているかどうかを返す
func (m *Memory) Enabled() bool {
	return m != nil && m.store != nil
}

// load はストアから key を読む。ミスは (nil, false, nil)。
func (m *Memory) load(ctx context.Context, fn, key string) ([]byte, bool, error) {
	start := time.Now()
	data, err := m.store.Get(ctx, key)
	m.metrics.ObserveStore("get", time.Since(start))
	if errors.Is(err, errors.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		m.metrics.StoreError(fn, "get")
		return nil, false, err
	}
	return data, true, nil
}

// save は key に data を書く。失敗はログに残して呼び出し元には返さない。
func (m *Memory) save(ctx context.Context, fn, key string, data []byte) {
	start := time.Now()
	err := m.store.Set(ctx, key, data)
	m.metrics.ObserveStore("set", time.Since(start))
	if err != nil {
		m.metrics.StoreError(fn, "set")
		m.logger.Warn("cache write failed", err, log.CacheFuncKey, fn, log.CacheKeyKey, key)
	}
}

// forget は壊れたエントリを削除する
func (m *Memory) forget(ctx context.Context, fn, key string) {
	if err := m.store.Delete(ctx, key); err != nil {
		m.metrics.StoreError(fn, "delete")
		m.logger.Warn("cache delete failed", err, log.CacheFuncKey, fn, log.CacheKeyKey, key)
	}
}

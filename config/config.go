// Package config loads the modl command configuration.
//
// Values are layered with koanf: built-in defaults, then an optional YAML
// file, then MODL_ environment variables. Nested keys are separated by a
// double underscore in environment variable names:
//
//	MODL_MODEL__N_COMPONENTS=50   -> model.n_components
//	MODL_CACHE__BACKEND=badger    -> cache.backend
//	MODL_CACHE__IGNORED_PARAMS=verbose,n_jobs
//
// The result is validated with go-playground/validator; failures are returned
// as *errors.InvalidConfigurationError.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/pkg/validation"
	"github.com/YuminosukeSato/modl/sklearn/completion"
)

const (
	// EnvPrefix は設定を上書きする環境変数の接頭辞
	EnvPrefix = "MODL_"
	// ConfigPathEnvVar は設定ファイルのパスを指定する環境変数
	ConfigPathEnvVar = "MODL_CONFIG"

	envNestDelim = "__"
)

// Cache backends
const (
	CacheNone   = "none"
	CacheBadger = "badger"
	CacheRedis  = "redis"
)

// Config はコマンド全体の設定
type Config struct {
	Model   completion.Params `json:"model" koanf:"model"`
	Data    DataConfig        `json:"data" koanf:"data"`
	Cache   CacheConfig       `json:"cache" koanf:"cache"`
	Log     LogConfig         `json:"log" koanf:"log"`
	Metrics MetricsConfig     `json:"metrics" koanf:"metrics"`
}

// DataConfig は合成データの生成と分割の設定
type DataConfig struct {
	Rows     int     `json:"rows" koanf:"rows" validate:"gte=1"`
	Cols     int     `json:"cols" koanf:"cols" validate:"gte=1"`
	Rank     int     `json:"rank" koanf:"rank" validate:"gte=1"`
	Density  float64 `json:"density" koanf:"density" validate:"gt=0,lte=1"`
	Noise    float64 `json:"noise" koanf:"noise" validate:"finite,gte=0"`
	Offset   float64 `json:"offset" koanf:"offset" validate:"finite"`
	Seed     int64   `json:"seed" koanf:"seed"`
	TestFrac float64 `json:"test_frac" koanf:"test_frac" validate:"gt=0,lt=1"`
}

// CacheConfig は CachedEstimator の設定
type CacheConfig struct {
	Backend       string        `json:"backend" koanf:"backend" validate:"oneof=none badger redis"`
	Dir           string        `json:"dir" koanf:"dir"` // 空なら badger をメモリ上に作る
	RedisAddr     string        `json:"redis_addr" koanf:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string        `json:"redis_password" koanf:"redis_password"`
	RedisDB       int           `json:"redis_db" koanf:"redis_db" validate:"gte=0"`
	TTL           time.Duration `json:"ttl" koanf:"ttl" validate:"gte=0"`
	MemoryLevel   int           `json:"memory_level" koanf:"memory_level" validate:"gte=0,lte=2"`
	IgnoredParams []string      `json:"ignored_params" koanf:"ignored_params"`
}

// LogConfig はロガーの設定
type LogConfig struct {
	Level  string `json:"level" koanf:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" koanf:"format" validate:"oneof=console json slog"`
}

// MetricsConfig は Prometheus の設定
type MetricsConfig struct {
	// Addr が空でなければ /metrics をこのアドレスで公開する
	Addr string `json:"addr" koanf:"addr" validate:"omitempty,hostname_port"`
}

// Default はデフォルトの設定を返す
func Default() *Config {
	p := completion.DefaultParams()
	p.RandomState = 0
	p.MaxNIter = 0 // 1エポック
	return &Config{
		Model: p,
		Data: DataConfig{
			Rows:     2000,
			Cols:     500,
			Rank:     5,
			Density:  0.05,
			Noise:    0.1,
			Offset:   3,
			Seed:     0,
			TestFrac: 0.2,
		},
		Cache: CacheConfig{
			Backend:       CacheNone,
			MemoryLevel:   1,
			IgnoredParams: []string{"verbose", "n_jobs", "callback_every"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// sliceKeys は環境変数ではカンマ区切りで渡すキー
var sliceKeys = []string{"cache.ignored_params"}

// Load は defaults → path の YAML → 環境変数 の順に設定を読み込む
//
// path が空なら MODL_CONFIG を見る。どちらも空ならファイルは読まない。
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load defaults")
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %s", path)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load environment variables")
	}
	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定を検証する
func (c *Config) Validate() error {
	return validation.ValidateStruct(c)
}

// envKey は MODL_MODEL__N_COMPONENTS を model.n_components に変換する
// MODL_CONFIG はファイルのパスなので設定値には含めない。
func envKey(key string) string {
	if key == ConfigPathEnvVar {
		return ""
	}
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), envNestDelim, ".")
}

// splitSlices は環境変数から来たカンマ区切りの文字列をスライスにする
func splitSlices(k *koanf.Koanf) error {
	for _, path := range sliceKeys {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return errors.Wrapf(err, "failed to set %s", path)
		}
	}
	return nil
}

package model

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/goccy/go-json"

	"github.com/YuminosukeSato/modl/pkg/errors"
)

// ModelWeights は学習済み辞書とバイアス項を表す構造体（シリアライゼーション用）
type ModelWeights struct {
	// ModelType はモデルの種類（DictCompleter 等）
	ModelType string `json:"model_type"`

	// Version はモデルのバージョン（互換性チェック用）
	Version string `json:"version"`

	// Components は辞書 D を行優先で平坦化したもの（NComponents × NFeatures）
	Components  []float64 `json:"components"`
	NComponents int       `json:"n_components"`
	NFeatures   int       `json:"n_features"`

	// Codes は訓練データ各行のコードを行優先で平坦化したもの（NSamples × NComponents、省略可）
	Codes    []float64 `json:"codes,omitempty"`
	NSamples int       `json:"n_samples,omitempty"`

	// RowBias, ColBias は detrend 時の行・列バイアス
	RowBias []float64 `json:"row_bias,omitempty"`
	ColBias []float64 `json:"col_bias,omitempty"`

	// Hyperparameters はモデルのハイパーパラメータ
	Hyperparameters map[string]interface{} `json:"hyperparameters"`

	// Metadata は追加のメタデータ（学習時の統計等）
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// IsFitted はモデルが学習済みかどうか
	IsFitted bool `json:"is_fitted"`

	// Checksum は数値部分の sha256（Seal で設定）
	Checksum string `json:"checksum,omitempty"`
}

// ToJSON はModelWeightsをJSON形式にシリアライズ
func (mw *ModelWeights) ToJSON() ([]byte, error) {
	return json.MarshalIndent(mw, "", "  ")
}

// FromJSON はJSON形式からModelWeightsをデシリアライズ
func (mw *ModelWeights) FromJSON(data []byte) error {
	if err := json.Unmarshal(data, mw); err != nil {
		return errors.Wrap(err, "decode model weights")
	}
	return nil
}

// ComputeChecksum は Components・Codes・バイアス項から sha256 を計算
func (mw *ModelWeights) ComputeChecksum() string {
	payload := struct {
		Components []float64 `json:"c"`
		Shape      [3]int    `json:"s"`
		Codes      []float64 `json:"a"`
		RowBias    []float64 `json:"r"`
		ColBias    []float64 `json:"b"`
	}{
		nilIfEmpty(mw.Components),
		[3]int{mw.NComponents, mw.NFeatures, mw.NSamples},
		nilIfEmpty(mw.Codes),
		nilIfEmpty(mw.RowBias),
		nilIfEmpty(mw.ColBias),
	}
	data, _ := json.Marshal(payload)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// omitempty で空スライスと nil が区別されなくなるため揃える
func nilIfEmpty(v []float64) []float64 {
	if len(v) == 0 {
		return nil
	}
	return v
}

// Seal はチェックサムを設定する
func (mw *ModelWeights) Seal() {
	mw.Checksum = mw.ComputeChecksum()
}

// Validate はModelWeightsの妥当性とチェックサムを検証
func (mw *ModelWeights) Validate() error {
	if mw.ModelType == "" {
		return errors.New("model_type is required")
	}

	if mw.Version == "" {
		return errors.New("version is required")
	}

	if !mw.IsFitted && len(mw.Components) > 0 {
		return errors.New("unfitted model should not have components")
	}

	if mw.IsFitted {
		if len(mw.Components) == 0 {
			return errors.New("fitted model must have components")
		}
		if len(mw.Components) != mw.NComponents*mw.NFeatures {
			return errors.Newf("components length %d does not match shape %dx%d",
				len(mw.Components), mw.NComponents, mw.NFeatures)
		}
		if len(mw.Codes) > 0 && len(mw.Codes) != mw.NSamples*mw.NComponents {
			return errors.Newf("codes length %d does not match shape %dx%d",
				len(mw.Codes), mw.NSamples, mw.NComponents)
		}
		if len(mw.RowBias) > 0 && len(mw.RowBias) != mw.NSamples {
			return errors.Newf("row_bias length %d does not match n_samples %d", len(mw.RowBias), mw.NSamples)
		}
		if len(mw.ColBias) > 0 && len(mw.ColBias) != mw.NFeatures {
			return errors.Newf("col_bias length %d does not match n_features %d", len(mw.ColBias), mw.NFeatures)
		}
	}

	if mw.Checksum != "" && mw.Checksum != mw.ComputeChecksum() {
		return errors.New("checksum mismatch: weights may be corrupted")
	}

	return nil
}

// Clone はModelWeightsのディープコピーを作成
func (mw *ModelWeights) Clone() *ModelWeights {
	clone := &ModelWeights{
		ModelType:       mw.ModelType,
		Version:         mw.Version,
		NComponents:     mw.NComponents,
		NFeatures:       mw.NFeatures,
		NSamples:        mw.NSamples,
		IsFitted:        mw.IsFitted,
		Checksum:        mw.Checksum,
		Components:      append([]float64(nil), mw.Components...),
		Codes:           append([]float64(nil), mw.Codes...),
		RowBias:         append([]float64(nil), mw.RowBias...),
		ColBias:         append([]float64(nil), mw.ColBias...),
		Hyperparameters: make(map[string]interface{}, len(mw.Hyperparameters)),
		Metadata:        make(map[string]interface{}, len(mw.Metadata)),
	}

	for k, v := range mw.Hyperparameters {
		clone.Hyperparameters[k] = v
	}

	for k, v := range mw.Metadata {
		clone.Metadata[k] = v
	}

	return clone
}

// Package model provides the estimator interfaces and shared state helpers
// used by modl estimators.
package model

import (
	"sync"

	"github.com/YuminosukeSato/modl/pkg/errors"
)

// StateManager は推定器の学習状態を保持する。推定器に埋め込まずフィールドとして持つ。
//
// Commit は学習ループの終了後にだけ呼ぶので、途中でキャンセルされた fit は
// 直前の状態をそのまま残す。
type StateManager struct {
	mu        sync.RWMutex
	fitted    bool
	nSamples  int
	nFeatures int
	status    FitStatus
}

// NewStateManager は未学習の StateManager を返す
func NewStateManager() *StateManager {
	return &StateManager{status: Uninitialized}
}

// IsFitted returns whether the model has been fitted.
func (s *StateManager) IsFitted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fitted
}

// Commit は (nSamples, nFeatures) の行列で学習が終わったことと終了理由を記録する
func (s *StateManager) Commit(nFeatures, nSamples int, status FitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fitted = true
	s.nFeatures, s.nSamples = nFeatures, nSamples
	s.status = status
}

// Reset は未学習に戻す
func (s *StateManager) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fitted = false
	s.nFeatures, s.nSamples = 0, 0
	s.status = Uninitialized
}

// GetDimensions は学習時の特徴量数とサンプル数を返す
func (s *StateManager) GetDimensions() (nFeatures, nSamples int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nFeatures, s.nSamples
}

// FitStatus は最後に完了した学習の終了理由を返す
func (s *StateManager) FitStatus() FitStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// RequireFitted は未学習なら NotFittedError を返す
func (s *StateManager) RequireFitted(modelName, method string) error {
	if !s.IsFitted() {
		return errors.NewNotFittedError(modelName, method)
	}
	return nil
}

// RequireShape は X が学習時と同じ形かを確認する。行が違えば axis 0、列なら axis 1。
func (s *StateManager) RequireShape(op string, rows, cols int) error {
	nFeatures, nSamples := s.GetDimensions()
	switch {
	case rows != nSamples:
		return errors.NewDimensionError(op, nSamples, rows, 0)
	case cols != nFeatures:
		return errors.NewDimensionError(op, nFeatures, cols, 1)
	}
	return nil
}

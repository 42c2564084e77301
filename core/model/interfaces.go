// Package model provides additional interfaces for estimator capabilities.
// The composite Estimator interface lives in estimator.go.
package model

import (
	"github.com/YuminosukeSato/modl/sparse"
)

// Scorer is the interface for models that can compute a score.
type Scorer interface {
	// Score returns a goodness value over the observed entries of X; higher is better.
	Score(X *sparse.CSR) (float64, error)
}

// ParameterGetter is the interface for models that expose their parameters.
type ParameterGetter interface {
	// GetParams returns the model's hyperparameters.
	GetParams() map[string]interface{}
}

// ParameterSetter is the interface for models that allow parameter modification.
type ParameterSetter interface {
	// SetParams sets the model's hyperparameters. Unknown keys are an error.
	SetParams(params map[string]interface{}) error
}

// WeightExporter is the interface for models whose learned weights can be exported.
type WeightExporter interface {
	// ExportWeights exports the learned weights with a checksum.
	ExportWeights() (*ModelWeights, error)

	// ImportWeights restores weights exported by ExportWeights.
	ImportWeights(weights *ModelWeights) error
}

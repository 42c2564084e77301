// Standard attribute keys for estimator logging.
//
// Keys follow a hierarchical naming convention ("model.name", "data.samples")
// so that log pipelines can filter on prefixes.

package log

// Model and Operation Context
const (
	// ModelNameKey identifies the type of estimator, e.g. "DictCompleter".
	ModelNameKey = "model.name"

	// EstimatorIDKey is the per-instance identifier (a UUID).
	EstimatorIDKey = "estimator.id"

	// OperationKey specifies the operation being performed: "fit", "predict", ...
	OperationKey = "ml.operation"

	// ComponentKey identifies the package performing the operation.
	ComponentKey = "ml.component"

	// PhaseKey indicates the phase of the fit state machine.
	PhaseKey = "ml.phase"
)

// Data Shape
const (
	SamplesKey   = "data.samples"
	FeaturesKey  = "data.features"
	NNZKey       = "data.nnz"
	BatchSizeKey = "data.batch_size"
)

// Performance Metrics
const (
	DurationMsKey = "perf.duration_ms"
	LossKey       = "metrics.loss"
	RMSEKey       = "metrics.rmse"
	IterationKey  = "training.iteration"
	EpochKey      = "training.epoch"

	// DictChangeKey is the relative Frobenius change of the dictionary in the
	// last batch.
	DictChangeKey = "training.dict_change"
)

// Hyperparameters
const (
	ComponentsKey   = "hyperparams.n_components"
	AlphaKey        = "hyperparams.alpha"
	LearningRateKey = "hyperparams.learning_rate"
	ProjectionKey   = "hyperparams.projection"
	BackendKey      = "hyperparams.backend"
	RandomSeedKey   = "config.random_seed"
)

// Cache
const (
	CacheKeyKey   = "cache.key"
	CacheFuncKey  = "cache.func"
	CacheHitKey   = "cache.hit"
	CacheStoreKey = "cache.store"
)

// Error Context
const (
	ErrorTypeKey  = "error.type"
	StacktraceKey = "error.stacktrace"
)

// Standard attribute values.
const (
	OperationFit       = "fit"
	OperationPredict   = "predict"
	OperationTransform = "transform"
	OperationScore     = "score"

	PhaseInitializing = "initializing"
	PhaseRunning      = "running"
	PhaseFitted       = "fitted"
)

// Package modl provides online dictionary learning for sparse matrix
// completion in Go.
//
// A very sparse matrix X (rows × features, most entries unobserved) is
// approximated as A·D, where D is a low-rank dictionary learned by streaming
// mini-batches of rows and A holds one ridge-regularized code per row.
// Missing entries are predicted from the learned factors.
//
// # Features
//
//   - Online fitting: each mini-batch updates running sufficient statistics
//     with a decaying weight, so fits can be warm-started or stopped early
//   - Full or partial dictionary updates (ridge solve, or Gauss-Seidel on the
//     columns a batch touches)
//   - Progress callbacks with read-only snapshots of the model
//   - Memoized fits and predictions backed by badger or redis
//   - Prometheus metrics, zerolog/slog logging and koanf configuration
//
// # Quick Start
//
//	package main
//
//	import (
//	    "context"
//	    "fmt"
//	    "log"
//
//	    "github.com/YuminosukeSato/modl/sklearn/completion"
//	    "github.com/YuminosukeSato/modl/sparse"
//	)
//
//	func main() {
//	    X, err := sparse.Synthetic(sparse.SyntheticConfig{
//	        Rows: 1000, Cols: 200, Rank: 4, Density: 0.05, Seed: 1,
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    train, test, err := sparse.TrainTestSplit(X, 0.2, 1)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    model := completion.New(
//	        completion.WithNComponents(8),
//	        completion.WithAlpha(0.1),
//	        completion.WithBatchSize(20),
//	    )
//	    if err := model.FitContext(context.Background(), train); err != nil {
//	        log.Fatal(err)
//	    }
//
//	    score, err := model.Score(test)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Printf("test RMSE: %.4f\n", -score)
//	}
//
// # Packages
//
//   - sklearn/completion: the DictCompleter estimator
//   - sparse: CSR matrices, builders, splits and synthetic data
//   - cache: memoization of estimator calls
//   - metrics: RMSE and friends over observed entries
//   - preprocessing: row/column mean detrending
//   - config, pkg/log, pkg/errors, pkg/telemetry: the ambient stack
//
// The modl command (cmd/modl) runs the whole pipeline on synthetic data.
package modl

// Package parallel splits index ranges across goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Parallelize は [0, items) を CPU 数のチャンクに分けて fn を並列に呼ぶ
func Parallelize(items int, fn func(start, end int)) {
	ParallelizeN(items, runtime.NumCPU(), fn)
}

// ParallelizeN は workers 個のゴルーチンで [0, items) を連続したチャンクに分けて処理し、
// すべて終わるまで待つ。workers <= 1 なら呼び出し元で fn(0, items) を実行する。
func ParallelizeN(items, workers int, fn func(start, end int)) {
	if items <= 0 {
		return
	}
	if workers <= 1 {
		fn(0, items)
		return
	}
	workers = min(workers, items)
	chunk := (items + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < items; start += chunk {
		start := start
		end := min(start+chunk, items)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(start, end)
		}()
	}
	wg.Wait()
}

// ParallelizeWithThreshold は items が threshold 以下なら逐次、超えたら Parallelize で処理する
func ParallelizeWithThreshold(items, threshold int, fn func(start, end int)) {
	if items <= threshold {
		if items > 0 {
			fn(0, items)
		}
		return
	}
	Parallelize(items, fn)
}

// ResolveWorkers は n_jobs 形式の指定をワーカー数に変換する。
// 正の値はそのまま、-1 は全 CPU、-2 は1つ残して全部。最小は1。
func ResolveWorkers(nJobs int) int {
	if nJobs > 0 {
		return nJobs
	}
	return max(runtime.NumCPU()+1+nJobs, 1)
}

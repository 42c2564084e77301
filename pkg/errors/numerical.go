package errors

import (
	"math"
)

// FirstNonFinite returns the index of the first NaN or Inf in values, or -1.
func FirstNonFinite(values []float64) int {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}

// IsFinite reports whether v is neither NaN nor Inf.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// CheckMatrixFinite reports whether all values of a matrix are finite.
// It stops at the first offending entry and returns its position.
func CheckMatrixFinite(matrix interface{ At(int, int) float64 }, rows, cols int) (row, col int, ok bool) {
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if !IsFinite(matrix.At(i, j)) {
				return i, j, false
			}
		}
	}
	return -1, -1, true
}

// SafeDivide performs division with protection against division by zero.
// Returns 0 if denominator is zero or close to zero.
func SafeDivide(numerator, denominator float64) float64 {
	if math.Abs(denominator) < 1e-10 {
		return 0
	}
	return numerator / denominator
}

// ClipValue clips a value to the range [min, max].
func ClipValue(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

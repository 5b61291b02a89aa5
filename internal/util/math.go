// internal/util/math.go
package util

import (
	"math"
	"sort"
)

// CalculatePercentiles returns the requested percentiles over data. The
// input slice is sorted in place. Empty input yields a single zero.
func CalculatePercentiles(data []int64, percentiles []int) []int64 {
	if len(data) == 0 {
		return []int64{0}
	}
	sort.Slice(data, func(i, j int) bool { return data[i] < data[j] })

	var result []int64
	n := len(data)
	for _, p := range percentiles {
		idx := (p * n) / 100
		if idx >= n {
			idx = n - 1
		}
		result = append(result, data[idx])
	}
	return result
}

// Stats computes mean, min, max, and standard deviation of data.
func Stats(data []int64) (avg, minVal, maxVal, stddev int64) {
	if len(data) == 0 {
		return 0, 0, 0, 0
	}

	minVal, maxVal = data[0], data[0]
	var sum int64
	for _, v := range data {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
		sum += v
	}
	avg = sum / int64(len(data))

	var sumSq float64
	for _, v := range data {
		diff := float64(v - avg)
		sumSq += diff * diff
	}
	stddev = int64(math.Sqrt(sumSq / float64(len(data))))
	return avg, minVal, maxVal, stddev
}

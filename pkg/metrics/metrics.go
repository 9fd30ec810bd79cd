// Package metrics compares a measured signal with a model prediction.
//
// Every metric takes the measured signal of one voxel and the predicted
// signal of the same voxel (same length, across the weighted directions) and
// returns a scalar. Degenerate inputs (mismatched lengths, too few samples,
// zero variance, non-finite values) yield NaN rather than an error, so that
// a single bad voxel surfaces as an undefined value in the output map.
package metrics

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Metric measures the agreement between signal and fit
type Metric func(signal, fit []float64) float64

func usable(a, b []float64, min int) bool {
	if len(a) != len(b) || len(a) < min {
		return false
	}
	return !floats.HasNaN(a) && !floats.HasNaN(b)
}

func constant(x []float64) bool {
	return floats.Min(x) == floats.Max(x)
}

// Pearson returns the Pearson correlation coefficient
func Pearson(signal, fit []float64) float64 {
	if !usable(signal, fit, 2) || constant(signal) || constant(fit) {
		return math.NaN()
	}
	return stat.Correlation(signal, fit, nil)
}

// RegressionR2 returns the coefficient of determination of the least
// squares line that predicts fit from signal
func RegressionR2(signal, fit []float64) float64 {
	if !usable(signal, fit, 2) || constant(signal) {
		return math.NaN()
	}
	alpha, beta := stat.LinearRegression(signal, fit, nil, false)
	return stat.RSquared(signal, fit, nil, alpha, beta)
}

// CoefficientOfDetermination returns 1 - SS_res/SS_tot of the fit
// with respect to the signal
func CoefficientOfDetermination(signal, fit []float64) float64 {
	if !usable(signal, fit, 1) {
		return math.NaN()
	}
	mean := stat.Mean(signal, nil)
	var ssRes, ssTot float64
	for i := range signal {
		d := signal[i] - fit[i]
		ssRes += d * d
		t := signal[i] - mean
		ssTot += t * t
	}
	if ssTot == 0 {
		return math.NaN()
	}
	return 1 - ssRes/ssTot
}

// RMSE computes the root mean square error
func RMSE(signal, fit []float64) float64 {
	if !usable(signal, fit, 1) {
		return math.NaN()
	}
	diff := make([]float64, len(signal))
	floats.SubTo(diff, signal, fit)
	return math.Sqrt(floats.Dot(diff, diff) / float64(len(diff)))
}

// GaussianMutualInformation approximates the mutual information of signal
// and fit under a joint Gaussian assumption:
// MI ≈ 0.5 * log(var(X) * var(Y) / (var(X) * var(Y) - cov(X,Y)²))
func GaussianMutualInformation(signal, fit []float64) float64 {
	if !usable(signal, fit, 2) {
		return math.NaN()
	}
	varS := stat.PopVariance(signal, nil)
	varF := stat.PopVariance(fit, nil)
	if varS == 0 || varF == 0 {
		return math.NaN()
	}
	// PopVariance and the n-normalized covariance share their divisor
	n := float64(len(signal))
	covar := stat.Covariance(signal, fit, nil) * (n - 1) / n

	determinant := varS*varF - covar*covar
	if determinant <= 0 {
		return math.Inf(1)
	}
	return 0.5 * math.Log(varS*varF/determinant)
}

// Clamp truncates v to [-1, 1]. NaN passes through unchanged.
func Clamp(v float64) float64 {
	switch {
	case v < -1:
		return -1
	case v > 1:
		return 1
	default:
		return v
	}
}

// Score applies m to one voxel, optionally squares the result and clamps
// it to [-1, 1]
func Score(m Metric, signal, fit []float64, square bool) float64 {
	v := m(signal, fit)
	if square {
		v *= v
	}
	return Clamp(v)
}

var registry = map[string]Metric{
	"pearson":                      Pearson,
	"regression_r2":                RegressionR2,
	"coefficient_of_determination": CoefficientOfDetermination,
	"mutual_information":           GaussianMutualInformation,
}

// ByName looks up a metric by its registered name
func ByName(name string) (Metric, error) {
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown metric %q (available: %v)", name, Names())
	}
	return m, nil
}

// Names lists the registered metric names in sorted order
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

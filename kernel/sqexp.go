package kernel

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

var _ Kernel = &SqExpIso{}

// SqExpIso represents an isotropic squared exponential kernel
//
//	k(x, y) = σ² exp(-|x - y|² / (2 ℓ²))
//
// Logs are used for improved numerical conditioning.
type SqExpIso struct {
	LogVariance float64 // Log of the variance σ² of the kernel
	LogLength   float64 // Log of the length scale ℓ of the kernel function
}

func (k *SqExpIso) NumHyper() int {
	return 2
}

func (k *SqExpIso) Distance(x, y []float64) float64 {
	return math.Exp(k.LogDistance(x, y))
}

// LogDistance returns log k(x, y).
func (k *SqExpIso) LogDistance(x, y []float64) float64 {
	r2 := sqDist(x, y)
	return k.LogVariance - 0.5*r2*math.Exp(-2*k.LogLength)
}

// DistanceDHyper computes the distance between x and y and the derivative of
// the distance with respect to the log variance and the log length scale.
func (k *SqExpIso) DistanceDHyper(x, y, deriv []float64) float64 {
	if len(deriv) != k.NumHyper() {
		panic(badDeriv)
	}
	r2 := sqDist(x, y)
	invL2 := math.Exp(-2 * k.LogLength)
	dist := math.Exp(k.LogVariance - 0.5*r2*invL2)
	deriv[0] = dist
	deriv[1] = dist * r2 * invL2
	return dist
}

// DistanceDX computes the distance between x and y and its gradient with
// respect to x,
//
//	∂k/∂x = -k(x, y) (x - y) / ℓ² .
func (k *SqExpIso) DistanceDX(x, y, deriv []float64) float64 {
	if len(deriv) != len(x) {
		panic(badDeriv)
	}
	invL2 := math.Exp(-2 * k.LogLength)
	dist := k.Distance(x, y)
	for i := range deriv {
		deriv[i] = -dist * (x[i] - y[i]) * invL2
	}
	return dist
}

func (k *SqExpIso) Hyper(h []float64) []float64 {
	if h == nil {
		h = make([]float64, k.NumHyper())
	}
	if len(h) != k.NumHyper() {
		panic(badHyper)
	}
	h[0] = k.LogVariance
	h[1] = k.LogLength
	return h
}

func (k *SqExpIso) SetHyper(h []float64) {
	if len(h) != k.NumHyper() {
		panic(badHyper)
	}
	k.LogVariance = h[0]
	k.LogLength = h[1]
}

func (k *SqExpIso) Bounds() []Bound {
	return []Bound{
		{math.Log(1e-3), math.Log(1e3)},
		{math.Log(1e-3), math.Log(1e2)},
	}
}

// sqDist returns |x - y|².
func sqDist(x, y []float64) float64 {
	if len(x) != len(y) {
		panic(badInputDim)
	}
	norm := floats.Distance(x, y, 2)
	return norm * norm
}

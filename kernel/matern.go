package kernel

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

var _ Kernel = &Matern52{}

// Matern52 is the isotropic Matérn kernel with ν = 5/2,
//
//	k(x, y) = σ² (1 + u + u²/3) exp(-u),  u = √5 |x - y| / ℓ .
type Matern52 struct {
	LogVariance float64
	LogLength   float64
}

func (k *Matern52) NumHyper() int {
	return 2
}

func (k *Matern52) u(x, y []float64) float64 {
	if len(x) != len(y) {
		panic(badInputDim)
	}
	return math.Sqrt(5) * floats.Distance(x, y, 2) * math.Exp(-k.LogLength)
}

func (k *Matern52) Distance(x, y []float64) float64 {
	u := k.u(x, y)
	return math.Exp(k.LogVariance) * (1 + u + u*u/3) * math.Exp(-u)
}

// DistanceDHyper returns the distance and its derivatives with respect to
// the log variance and the log length scale. Since ∂u/∂log ℓ = -u,
//
//	∂k/∂log ℓ = σ² u² (1 + u) exp(-u) / 3 .
func (k *Matern52) DistanceDHyper(x, y, deriv []float64) float64 {
	if len(deriv) != k.NumHyper() {
		panic(badDeriv)
	}
	u := k.u(x, y)
	variance := math.Exp(k.LogVariance)
	e := math.Exp(-u)
	dist := variance * (1 + u + u*u/3) * e
	deriv[0] = dist
	deriv[1] = variance * u * u * (1 + u) * e / 3
	return dist
}

// DistanceDX returns the distance and its gradient with respect to x,
//
//	∂k/∂x = -σ² 5/(3ℓ²) (1 + u) exp(-u) (x - y) ,
//
// which is smooth at x = y.
func (k *Matern52) DistanceDX(x, y, deriv []float64) float64 {
	if len(deriv) != len(x) {
		panic(badDeriv)
	}
	u := k.u(x, y)
	variance := math.Exp(k.LogVariance)
	e := math.Exp(-u)
	c := -variance * 5 * math.Exp(-2*k.LogLength) / 3 * (1 + u) * e
	for i := range deriv {
		deriv[i] = c * (x[i] - y[i])
	}
	return variance * (1 + u + u*u/3) * e
}

func (k *Matern52) Hyper(h []float64) []float64 {
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

func (k *Matern52) SetHyper(h []float64) {
	if len(h) != k.NumHyper() {
		panic(badHyper)
	}
	k.LogVariance = h[0]
	k.LogLength = h[1]
}

func (k *Matern52) Bounds() []Bound {
	return []Bound{
		{math.Log(1e-3), math.Log(1e3)},
		{math.Log(1e-3), math.Log(1e2)},
	}
}

// Package transform maps unconstrained free variables onto constrained
// values so gradient-based optimisers can move freely.
package transform

import (
	"math"
)

// Transform is a differentiable bijection from the real line onto a
// constrained set.
type Transform interface {
	// Forward maps a free value x onto its constrained value.
	Forward(x float64) float64
	// Backward is the inverse of Forward.
	Backward(y float64) float64
	// Deriv returns dForward/dx at x.
	Deriv(x float64) float64
	// Min returns the bound the constrained values lie strictly above.
	Min() float64
}

// Positive is the default positivity transform.
var Positive Transform = Log1pe{Lower: 1e-6}

// Log1pe is the softplus transform y = log(1 + eˣ) + Lower.
type Log1pe struct {
	Lower float64
}

func (t Log1pe) Forward(x float64) float64 {
	// log(1+eˣ) = x + log(1+e⁻ˣ) keeps large x finite.
	if x > 0 {
		return x + math.Log1p(math.Exp(-x)) + t.Lower
	}
	return math.Log1p(math.Exp(x)) + t.Lower
}

func (t Log1pe) Backward(y float64) float64 {
	v := y - t.Lower
	if !(v > 0) {
		panic("transform: value below lower bound")
	}
	// log(eᵛ - 1) = v + log(1 - e⁻ᵛ)
	return v + math.Log(-math.Expm1(-v))
}

func (t Log1pe) Deriv(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func (t Log1pe) Min() float64 { return t.Lower }

// Exp is the transform y = eˣ + Lower.
type Exp struct {
	Lower float64
}

func (t Exp) Forward(x float64) float64 {
	return math.Exp(x) + t.Lower
}

func (t Exp) Backward(y float64) float64 {
	v := y - t.Lower
	if !(v > 0) {
		panic("transform: value below lower bound")
	}
	return math.Log(v)
}

func (t Exp) Deriv(x float64) float64 {
	return math.Exp(x)
}

func (t Exp) Min() float64 { return t.Lower }

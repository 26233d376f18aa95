package likelihood

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	_ Likelihood = &Gaussian{}
	_ Predictor  = &Gaussian{}
)

// Gaussian is the likelihood y = f + ε, ε ~ N(0, σ²). Its variational
// expectations are available in closed form:
//
//	-½ log 2π - ½ log σ² - ((y - μ)² + v) / (2σ²) .
type Gaussian struct {
	LogVariance float64 // log σ²
}

// NewGaussian returns a Gaussian likelihood with noise variance σ².
func NewGaussian(variance float64) *Gaussian {
	if !(variance > 0) {
		panic("likelihood: non-positive variance")
	}
	return &Gaussian{LogVariance: math.Log(variance)}
}

// Variance returns σ².
func (g *Gaussian) Variance() float64 {
	return math.Exp(g.LogVariance)
}

func (g *Gaussian) point(m, v, y float64, dh []float64) (e, dm, dv float64) {
	invVar := math.Exp(-g.LogVariance)
	r := y - m
	sq := r*r + v
	e = -0.5*math.Log(2*math.Pi) - 0.5*g.LogVariance - 0.5*sq*invVar
	dh[0] = -0.5 + 0.5*sq*invVar
	return e, r * invVar, -0.5 * invVar
}

func (g *Gaussian) VariationalExpectations(dst *mat.Dense, fmean, fvar, y mat.Matrix) {
	expectations(g, g.NumHyper(), dst, nil, nil, nil, fmean, fvar, y)
}

func (g *Gaussian) VariationalExpectationsGrad(dst, dMean, dVar *mat.Dense, dHyper []float64, fmean, fvar, y mat.Matrix) {
	expectations(g, g.NumHyper(), dst, dMean, dVar, dHyper, fmean, fvar, y)
}

// PredictMeanAndVar adds the noise variance to the latent variance.
func (g *Gaussian) PredictMeanAndVar(mean, variance *mat.Dense, fmean, fvar mat.Matrix) {
	mean.Copy(fmean)
	s := g.Variance()
	variance.Apply(func(_, _ int, v float64) float64 { return v + s }, fvar)
}

func (g *Gaussian) NumHyper() int { return 1 }

func (g *Gaussian) Hyper(h []float64) []float64 {
	if h == nil {
		h = make([]float64, 1)
	}
	if len(h) != 1 {
		panic(badHyper)
	}
	h[0] = g.LogVariance
	return h
}

func (g *Gaussian) SetHyper(h []float64) {
	if len(h) != 1 {
		panic(badHyper)
	}
	g.LogVariance = h[0]
}

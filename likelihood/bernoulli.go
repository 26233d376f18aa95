package likelihood

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	_ Likelihood = &Bernoulli{}
	_ Predictor  = &Bernoulli{}
)

// probitJitter squeezes the inverse probit into [j, 1-j] so that log p stays
// finite for confidently wrong latent values.
const probitJitter = 1e-3

// Bernoulli is the binary classification likelihood with a probit link,
//
//	p(y = 1 | f) = j + (1 - 2j) Φ(f) .
//
// Observations are 0 or 1. The expectations are computed by Gauss-Hermite
// quadrature.
type Bernoulli struct {
	quad quadrature
}

// NewBernoulli returns a probit Bernoulli likelihood using n quadrature
// points. If n <= 0, DefaultQuadrature is used.
func NewBernoulli(n int) *Bernoulli {
	return &Bernoulli{quad: newQuadrature(n)}
}

func invProbit(f float64) (p, dp float64) {
	p = probitJitter + (1-2*probitJitter)*distuv.UnitNormal.CDF(f)
	dp = (1 - 2*probitJitter) * distuv.UnitNormal.Prob(f)
	return p, dp
}

func (b *Bernoulli) point(m, v, y float64, dh []float64) (e, dm, dv float64) {
	positive := y > 0.5
	return b.quad.or().expect(m, v, func(f float64, _ []float64) (val, d1, d2 float64) {
		p, dp := invProbit(f)
		ddp := -f * dp
		if positive {
			return math.Log(p), dp / p, ddp/p - dp*dp/(p*p)
		}
		q := 1 - p
		return math.Log(q), -dp / q, -ddp/q - dp*dp/(q*q)
	}, dh)
}

func (b *Bernoulli) VariationalExpectations(dst *mat.Dense, fmean, fvar, y mat.Matrix) {
	expectations(b, 0, dst, nil, nil, nil, fmean, fvar, y)
}

func (b *Bernoulli) VariationalExpectationsGrad(dst, dMean, dVar *mat.Dense, dHyper []float64, fmean, fvar, y mat.Matrix) {
	expectations(b, 0, dst, dMean, dVar, dHyper, fmean, fvar, y)
}

// PredictMeanAndVar stores the predictive probability of y = 1, which for
// the probit link is Φ(μ / √(1 + v)), and the Bernoulli variance p(1-p).
func (b *Bernoulli) PredictMeanAndVar(mean, variance *mat.Dense, fmean, fvar mat.Matrix) {
	n, l := fmean.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < l; j++ {
			p, _ := invProbit(fmean.At(i, j) / math.Sqrt(1+fvar.At(i, j)))
			mean.Set(i, j, p)
			variance.Set(i, j, p*(1-p))
		}
	}
}

func (b *Bernoulli) NumHyper() int { return 0 }

func (b *Bernoulli) Hyper(h []float64) []float64 {
	if len(h) != 0 {
		panic(badHyper)
	}
	return []float64{}
}

func (b *Bernoulli) SetHyper(h []float64) {
	if len(h) != 0 {
		panic(badHyper)
	}
}

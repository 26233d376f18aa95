package likelihood

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	_ Likelihood = Poisson{}
	_ Predictor  = Poisson{}
)

// Poisson is the count likelihood with an exponential link,
// y ~ Poisson(exp(f)). Its expectations are exact:
//
//	y μ - exp(μ + v/2) - log Γ(y + 1) .
type Poisson struct{}

func (Poisson) point(m, v, y float64, _ []float64) (e, dm, dv float64) {
	rate := math.Exp(m + 0.5*v)
	lg, _ := math.Lgamma(y + 1)
	return y*m - rate - lg, y - rate, -0.5 * rate
}

func (p Poisson) VariationalExpectations(dst *mat.Dense, fmean, fvar, y mat.Matrix) {
	expectations(p, 0, dst, nil, nil, nil, fmean, fvar, y)
}

func (p Poisson) VariationalExpectationsGrad(dst, dMean, dVar *mat.Dense, dHyper []float64, fmean, fvar, y mat.Matrix) {
	expectations(p, 0, dst, dMean, dVar, dHyper, fmean, fvar, y)
}

// PredictMeanAndVar stores the moments of y under the log-normal rate,
//
//	E[y] = exp(μ + v/2),  Var[y] = E[y] + (exp(v) - 1) exp(2μ + v) .
func (Poisson) PredictMeanAndVar(mean, variance *mat.Dense, fmean, fvar mat.Matrix) {
	n, l := fmean.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < l; j++ {
			m, v := fmean.At(i, j), fvar.At(i, j)
			rate := math.Exp(m + 0.5*v)
			mean.Set(i, j, rate)
			variance.Set(i, j, rate+math.Expm1(v)*rate*rate)
		}
	}
}

func (Poisson) NumHyper() int { return 0 }

func (Poisson) Hyper(h []float64) []float64 {
	if len(h) != 0 {
		panic(badHyper)
	}
	return []float64{}
}

func (Poisson) SetHyper(h []float64) {
	if len(h) != 0 {
		panic(badHyper)
	}
}

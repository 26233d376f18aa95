// Package likelihood implements observation models p(y | f) for sparse
// variational Gaussian processes. Each likelihood computes the variational
// expectations
//
//	E_{q(f)}[log p(y | f)],  q(f) = N(f; μ, v),
//
// element-wise, together with their derivatives with respect to μ, v and the
// likelihood's own hyperparameters.
package likelihood

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/integrate/quad"
	"gonum.org/v1/gonum/mat"
)

// DefaultQuadrature is the number of Gauss-Hermite points used by
// likelihoods without closed-form variational expectations.
const DefaultQuadrature = 20

const (
	badShape = "likelihood: dimension mismatch"
	badHyper = "likelihood: hyperparameter length mismatch"
)

// Likelihood is an element-wise observation model. All matrices are N×L.
type Likelihood interface {
	// VariationalExpectations stores E_{N(f; fmean, fvar)}[log p(y|f)] into dst.
	VariationalExpectations(dst *mat.Dense, fmean, fvar, y mat.Matrix)

	// VariationalExpectationsGrad stores the variational expectations into
	// dst and their derivatives with respect to fmean and fvar into dMean
	// and dVar. The derivatives of the sum of all expectations with respect
	// to the hyperparameters are stored into dHyper.
	VariationalExpectationsGrad(dst, dMean, dVar *mat.Dense, dHyper []float64, fmean, fvar, y mat.Matrix)

	NumHyper() int
	Hyper([]float64) []float64
	SetHyper([]float64)
}

// Predictor is a likelihood that can map the latent predictive distribution
// onto the mean and variance of new observations.
type Predictor interface {
	PredictMeanAndVar(mean, variance *mat.Dense, fmean, fvar mat.Matrix)
}

// pointwise is the per-observation form shared by the likelihoods here.
// point returns the expectation and its derivatives with respect to the mean
// and variance, and stores the hyperparameter derivatives into dh.
type pointwise interface {
	point(m, v, y float64, dh []float64) (e, dm, dv float64)
}

func expectations(p pointwise, nHyper int, dst, dMean, dVar *mat.Dense, dHyper []float64, fmean, fvar, y mat.Matrix) {
	n, l := fmean.Dims()
	checkShape(n, l, fvar, y, dst)
	if dMean != nil {
		checkShape(n, l, dMean, dVar)
	}
	if dHyper != nil {
		if len(dHyper) != nHyper {
			panic(badHyper)
		}
		for i := range dHyper {
			dHyper[i] = 0
		}
	}
	dh := make([]float64, nHyper)
	for i := 0; i < n; i++ {
		for j := 0; j < l; j++ {
			e, dm, dv := p.point(fmean.At(i, j), fvar.At(i, j), y.At(i, j), dh)
			dst.Set(i, j, e)
			if dMean != nil {
				dMean.Set(i, j, dm)
				dVar.Set(i, j, dv)
			}
			if dHyper != nil {
				for k, v := range dh {
					dHyper[k] += v
				}
			}
		}
	}
}

func checkShape(n, l int, ms ...mat.Matrix) {
	for _, m := range ms {
		if r, c := m.Dims(); r != n || c != l {
			panic(badShape)
		}
	}
}

// quadrature holds Gauss-Hermite nodes and weights rescaled so that
//
//	E_{N(f; m, v)}[g(f)] ≈ Σ_i w_i g(m + √(2v) x_i) .
type quadrature struct {
	x []float64
	w []float64
}

// defaultQuadrature serves zero-value likelihoods. It is built once and
// only read afterwards.
var defaultQuadrature = sync.OnceValue(func() quadrature {
	return newQuadrature(0)
})

// or returns q, or the default rule if q is unset.
func (q quadrature) or() quadrature {
	if q.x == nil {
		return defaultQuadrature()
	}
	return q
}

func newQuadrature(n int) quadrature {
	if n <= 0 {
		n = DefaultQuadrature
	}
	q := quadrature{
		x: make([]float64, n),
		w: make([]float64, n),
	}
	quad.Hermite{}.FixedLocations(q.x, q.w, math.Inf(-1), math.Inf(1))
	for i := range q.w {
		q.w[i] /= math.SqrtPi
	}
	return q
}

// integrand returns g(f), g'(f) and g''(f), and stores the derivatives of
// g(f) with respect to the hyperparameters into dh.
type integrand func(f float64, dh []float64) (val, d1, d2 float64)

// expect returns E[g], ∂E[g]/∂m = E[g'] and ∂E[g]/∂v = E[g'']/2 under
// N(m, v), adding the expected hyperparameter derivatives into dh.
func (q quadrature) expect(m, v float64, g integrand, dh []float64) (e, dm, dv float64) {
	for i := range dh {
		dh[i] = 0
	}
	scratch := make([]float64, len(dh))
	s := math.Sqrt(2 * v)
	for i, x := range q.x {
		w := q.w[i]
		val, d1, d2 := g(m+s*x, scratch)
		e += w * val
		dm += w * d1
		dv += w * d2
		for k, d := range scratch {
			dh[k] += w * d
		}
	}
	return e, dm, 0.5 * dv
}

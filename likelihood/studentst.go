package likelihood

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	_ Likelihood = &StudentsT{}
	_ Predictor  = &StudentsT{}
)

// StudentsT is a heavy-tailed regression likelihood, y = f + ε with
// ε ~ StudentsT(0, σ, ν). The degrees of freedom are fixed; the log scale is
// the only hyperparameter. Expectations are computed by Gauss-Hermite
// quadrature.
type StudentsT struct {
	Nu       float64
	LogScale float64 // log σ

	quad quadrature
}

// NewStudentsT returns a Student's t likelihood with ν degrees of freedom and
// scale σ, using n quadrature points.
func NewStudentsT(nu, scale float64, n int) *StudentsT {
	if !(nu > 0) {
		panic("likelihood: non-positive degrees of freedom")
	}
	if !(scale > 0) {
		panic("likelihood: non-positive scale")
	}
	return &StudentsT{
		Nu:       nu,
		LogScale: math.Log(scale),
		quad:     newQuadrature(n),
	}
}

func (s *StudentsT) point(m, v, y float64, dh []float64) (e, dm, dv float64) {
	sigma := math.Exp(s.LogScale)
	dist := distuv.StudentsT{Mu: 0, Sigma: sigma, Nu: s.Nu}
	ns2 := s.Nu * sigma * sigma
	return s.quad.or().expect(m, v, func(f float64, dh []float64) (val, d1, d2 float64) {
		r := y - f
		den := ns2 + r*r
		dh[0] = -1 + (s.Nu+1)*r*r/den
		return dist.LogProb(r), (s.Nu + 1) * r / den, (s.Nu + 1) * (r*r - ns2) / (den * den)
	}, dh)
}

func (s *StudentsT) VariationalExpectations(dst *mat.Dense, fmean, fvar, y mat.Matrix) {
	expectations(s, 1, dst, nil, nil, nil, fmean, fvar, y)
}

func (s *StudentsT) VariationalExpectationsGrad(dst, dMean, dVar *mat.Dense, dHyper []float64, fmean, fvar, y mat.Matrix) {
	expectations(s, 1, dst, dMean, dVar, dHyper, fmean, fvar, y)
}

// PredictMeanAndVar adds the noise variance σ²ν/(ν-2) to the latent
// variance. The noise variance is infinite for ν <= 2.
func (s *StudentsT) PredictMeanAndVar(mean, variance *mat.Dense, fmean, fvar mat.Matrix) {
	mean.Copy(fmean)
	noise := math.Inf(1)
	if s.Nu > 2 {
		sigma := math.Exp(s.LogScale)
		noise = sigma * sigma * s.Nu / (s.Nu - 2)
	}
	variance.Apply(func(_, _ int, v float64) float64 { return v + noise }, fvar)
}

func (s *StudentsT) NumHyper() int { return 1 }

func (s *StudentsT) Hyper(h []float64) []float64 {
	if h == nil {
		h = make([]float64, 1)
	}
	if len(h) != 1 {
		panic(badHyper)
	}
	h[0] = s.LogScale
	return h
}

func (s *StudentsT) SetHyper(h []float64) {
	if len(h) != 1 {
		panic(badHyper)
	}
	s.LogScale = h[0]
}

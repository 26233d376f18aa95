// Package svgp implements sparse variational Gaussian processes. The model
// summarises the posterior over a latent function with a Gaussian
// distribution q(u) over the function values at M inducing inputs, and is
// fit by maximising the evidence lower bound
//
//	ELBO = Σ_n E_{q(f_n)}[log p(y_n | f_n)] - KL(q(u) || p(u)) .
//
// Both the value and the analytic gradient of the ELBO with respect to every
// parameter are available, so any gradient-based optimizer can drive the
// model through the flattened parameter vector (see package train).
package svgp

import (
	"fmt"
	"log/slog"

	"github.com/btracey/svgp/internal/linalg"
	"github.com/btracey/svgp/kernel"
	"github.com/btracey/svgp/likelihood"
	"github.com/btracey/svgp/meanfunc"
	"gonum.org/v1/gonum/mat"
)

const (
	badGradLen   = "svgp: gradient length mismatch"
	badParamsLen = "svgp: parameter length mismatch"
	badLatent    = "svgp: latent index out of range"
)

// SVGP is a sparse variational Gaussian process. The variational mean and
// scale live either in the natural basis of the inducing values or, when the
// model is whitened, in the basis where their prior is N(0, I).
//
// An SVGP is not safe for concurrent mutation. Evaluations that do not
// mutate the model may run concurrently.
type SVGP struct {
	x *mat.Dense // N×D training inputs
	y *mat.Dense // N×L training targets
	z *mat.Dense // M×D inducing inputs

	qMu   *mat.Dense      // M×L
	qFree *mat.Dense      // M×L unconstrained diagonal scale, nil for full covariance
	qSqrt []*mat.TriDense // L lower triangular M×M factors, nil for diagonal covariance

	kernel kernel.Kernel
	lik    likelihood.Likelihood
	mean   meanfunc.MeanFunction

	kl   priorKL
	cond conditional

	cfg    Config
	logger *slog.Logger
}

// New returns a sparse variational GP for the inputs x (N×D), targets y
// (N×L) and inducing inputs z (M×D). The inputs are copied. The variational
// mean is initialised to zero and the variational scale to the identity.
// A nil mean function is the zero mean.
//
// New panics if the kernel or likelihood is nil.
func New(x, y, z mat.Matrix, ker kernel.Kernel, lik likelihood.Likelihood, mf meanfunc.MeanFunction, cfg Config) (*SVGP, error) {
	if ker == nil {
		panic("svgp: nil kernel")
	}
	if lik == nil {
		panic("svgp: nil likelihood")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	n, d := x.Dims()
	ny, l := y.Dims()
	m, dz := z.Dims()
	switch {
	case n == 0 || d == 0 || l == 0 || m == 0:
		return nil, fmt.Errorf("svgp: empty input: %w", ErrShape)
	case ny != n:
		return nil, fmt.Errorf("svgp: %d inputs but %d targets: %w", n, ny, ErrShape)
	case dz != d:
		return nil, fmt.Errorf("svgp: inducing inputs have dimension %d, inputs %d: %w", dz, d, ErrShape)
	case cfg.NumLatent != 0 && cfg.NumLatent != l:
		return nil, fmt.Errorf("svgp: %d latent functions for %d target columns: %w", cfg.NumLatent, l, ErrShape)
	}
	if mf == nil {
		mf = meanfunc.Zero{}
	}

	s := &SVGP{
		x:      mat.DenseCopyOf(x),
		y:      mat.DenseCopyOf(y),
		z:      mat.DenseCopyOf(z),
		qMu:    mat.NewDense(m, l, nil),
		kernel: ker,
		lik:    lik,
		mean:   mf,
		cfg:    cfg,
		logger: cfg.Logger,
	}
	s.cfg.NumLatent = l

	if cfg.QDiag {
		free := cfg.Transform.Backward(1)
		s.qFree = mat.NewDense(m, l, nil)
		for i := 0; i < m; i++ {
			for j := 0; j < l; j++ {
				s.qFree.Set(i, j, free)
			}
		}
	} else {
		s.qSqrt = make([]*mat.TriDense, l)
		for j := range s.qSqrt {
			t := mat.NewTriDense(m, mat.Lower, nil)
			for i := 0; i < m; i++ {
				t.SetTri(i, i, 1)
			}
			s.qSqrt[j] = t
		}
	}

	switch {
	case cfg.Whiten && cfg.QDiag:
		s.kl = whitenedDiagKL{}
	case cfg.Whiten:
		s.kl = whitenedFullKL{}
	case cfg.QDiag:
		s.kl = diagKL{}
	default:
		s.kl = fullKL{}
	}
	if cfg.Whiten {
		s.cond = whitened{}
	} else {
		s.cond = natural{}
	}
	return s, nil
}

// factor is the Cholesky factor of K(Z, Z) + jitter*I. It is computed once
// per evaluation and shared by the prior KL and the conditional.
type factor struct {
	chol *mat.Cholesky
	l    *mat.TriDense
}

func (s *SVGP) factorize() (*factor, error) {
	kmm := kernel.Gram(nil, s.kernel, s.z)
	var chol mat.Cholesky
	if !linalg.Cholesky(&chol, kmm, s.cfg.Jitter) {
		return nil, fmt.Errorf("svgp: jitter %g: %w", s.cfg.Jitter, ErrNotPositiveDefinite)
	}
	return &factor{chol: &chol, l: linalg.LowerFactor(&chol)}, nil
}

// adjoints accumulates the derivatives of the ELBO with respect to the
// quantities shared between its terms.
type adjoints struct {
	qMu   *mat.Dense   // M×L
	scale *mat.Dense   // M×L, with respect to the positive diagonal scale
	qSqrt []*mat.Dense // M×M, only the lower triangle is meaningful
	l     *mat.Dense   // M×M, with respect to the Cholesky factor of K(Z, Z)
}

func (s *SVGP) newAdjoints() *adjoints {
	m, l := s.qMu.Dims()
	a := &adjoints{
		qMu: mat.NewDense(m, l, nil),
		l:   mat.NewDense(m, m, nil),
	}
	if s.qFree != nil {
		a.scale = mat.NewDense(m, l, nil)
	} else {
		a.qSqrt = make([]*mat.Dense, l)
		for j := range a.qSqrt {
			a.qSqrt[j] = mat.NewDense(m, m, nil)
		}
	}
	return a
}

// diagScale returns the positive diagonal scale.
func (s *SVGP) diagScale() *mat.Dense {
	var sd mat.Dense
	sd.Apply(func(_, _ int, v float64) float64 {
		return s.cfg.Transform.Forward(v)
	}, s.qFree)
	return &sd
}

// PriorKL returns KL(q(u) || p(u)) summed over the latent functions.
func (s *SVGP) PriorKL() (float64, error) {
	var f *factor
	if s.kl.needsFactor() {
		var err error
		f, err = s.factorize()
		if err != nil {
			return 0, err
		}
	}
	return s.kl.divergence(s, f, nil, 0)
}

// ELBO returns the evidence lower bound at the current parameters.
func (s *SVGP) ELBO() (float64, error) {
	return s.evaluate(nil)
}

// ELBOGrad returns the evidence lower bound and stores its gradient with
// respect to the flattened parameters (see Params) into grad. ELBOGrad
// panics if len(grad) != NumParams().
func (s *SVGP) ELBOGrad(grad []float64) (float64, error) {
	if len(grad) != s.NumParams() {
		panic(badGradLen)
	}
	return s.evaluate(grad)
}

func (s *SVGP) evaluate(grad []float64) (float64, error) {
	f, err := s.factorize()
	if err != nil {
		return 0, err
	}
	var adj *adjoints
	if grad != nil {
		adj = s.newAdjoints()
	}
	kl, err := s.kl.divergence(s, f, adj, -1)
	if err != nil {
		return 0, err
	}
	pr, err := s.predict(f, s.x)
	if err != nil {
		return 0, err
	}

	n, l := s.y.Dims()
	mx := mat.NewDense(n, l, nil)
	s.mean.Mean(mx, s.x)
	fmean := mat.NewDense(n, l, nil)
	fmean.Add(pr.mean, mx)

	ve := mat.NewDense(n, l, nil)
	var gMean, gVar *mat.Dense
	var likHyper []float64
	if grad == nil {
		s.lik.VariationalExpectations(ve, fmean, pr.variance, s.y)
	} else {
		gMean = mat.NewDense(n, l, nil)
		gVar = mat.NewDense(n, l, nil)
		likHyper = make([]float64, s.lik.NumHyper())
		s.lik.VariationalExpectationsGrad(ve, gMean, gVar, likHyper, fmean, pr.variance, s.y)
	}
	expected := mat.Sum(ve)
	elbo := expected - kl
	s.logger.Debug("elbo", "expected_log_lik", expected, "kl", kl, "elbo", elbo)
	if grad == nil {
		return elbo, nil
	}

	m, d := s.z.Dims()
	dZ := mat.NewDense(m, d, nil)
	dKer := make([]float64, s.kernel.NumHyper())
	if err := s.predictBackward(f, s.x, pr, gMean, gVar, adj, dKer, dZ); err != nil {
		return 0, err
	}
	kmmAdj, err := linalg.CholeskyBackward(f.l, adj.l)
	if err != nil {
		return 0, fmt.Errorf("svgp: cholesky adjoint: %w", err)
	}
	kernel.GramGrad(dKer, dZ, s.kernel, s.z, kmmAdj)

	lay := s.Layout()
	flatten(lay.Z.of(grad), dZ)
	flatten(lay.QMu.of(grad), adj.qMu)
	if s.qFree != nil {
		dst := lay.QSqrt.of(grad)
		_, l := s.qFree.Dims()
		for i := 0; i < m; i++ {
			for j := 0; j < l; j++ {
				dst[i*l+j] = adj.scale.At(i, j) * s.cfg.Transform.Deriv(s.qFree.At(i, j))
			}
		}
	} else {
		flattenLower(lay.QSqrt.of(grad), adj.qSqrt)
	}
	copy(lay.Kernel.of(grad), dKer)
	copy(lay.Likelihood.of(grad), likHyper)
	s.mean.ParamGrad(lay.Mean.of(grad), s.x, gMean)
	return elbo, nil
}

// Predict returns the mean and variance of the latent functions at the rows
// of xNew. The mean function is included in the mean.
func (s *SVGP) Predict(xNew mat.Matrix) (mean, variance *mat.Dense, err error) {
	n, d := xNew.Dims()
	if _, dx := s.x.Dims(); n == 0 || d != dx {
		return nil, nil, fmt.Errorf("svgp: predict %d×%d inputs: %w", n, d, ErrShape)
	}
	f, err := s.factorize()
	if err != nil {
		return nil, nil, err
	}
	pr, err := s.predict(f, xNew)
	if err != nil {
		return nil, nil, err
	}
	_, l := s.qMu.Dims()
	mx := mat.NewDense(n, l, nil)
	s.mean.Mean(mx, xNew)
	pr.mean.Add(pr.mean, mx)
	return pr.mean, pr.variance, nil
}

// PredictY returns the predictive mean and variance of observations at the
// rows of xNew. The likelihood must implement likelihood.Predictor.
func (s *SVGP) PredictY(xNew mat.Matrix) (mean, variance *mat.Dense, err error) {
	p, ok := s.lik.(likelihood.Predictor)
	if !ok {
		return nil, nil, fmt.Errorf("svgp: %T: %w", s.lik, ErrNoPredictor)
	}
	fmean, fvar, err := s.Predict(xNew)
	if err != nil {
		return nil, nil, err
	}
	n, l := fmean.Dims()
	mean = mat.NewDense(n, l, nil)
	variance = mat.NewDense(n, l, nil)
	p.PredictMeanAndVar(mean, variance, fmean, fvar)
	return mean, variance, nil
}

// Kernel returns the kernel of the model. Changing its hyperparameters
// changes the model.
func (s *SVGP) Kernel() kernel.Kernel { return s.kernel }

// Likelihood returns the likelihood of the model.
func (s *SVGP) Likelihood() likelihood.Likelihood { return s.lik }

// MeanFunction returns the prior mean function of the model.
func (s *SVGP) MeanFunction() meanfunc.MeanFunction { return s.mean }

// Config returns the configuration the model was built with. NumLatent is
// always set.
func (s *SVGP) Config() Config { return s.cfg }

// NumData returns the number of training points.
func (s *SVGP) NumData() int {
	n, _ := s.x.Dims()
	return n
}

// NumInducing returns the number of inducing inputs.
func (s *SVGP) NumInducing() int {
	m, _ := s.z.Dims()
	return m
}

// Z returns a copy of the inducing inputs.
func (s *SVGP) Z() *mat.Dense { return mat.DenseCopyOf(s.z) }

// QMu returns a copy of the variational mean.
func (s *SVGP) QMu() *mat.Dense { return mat.DenseCopyOf(s.qMu) }

// QSqrtDiag returns the positive diagonal scale, or nil when the model has
// a full variational covariance.
func (s *SVGP) QSqrtDiag() *mat.Dense {
	if s.qFree == nil {
		return nil
	}
	return s.diagScale()
}

// QSqrtFull returns copies of the lower triangular variational factors, or
// nil when the model has a diagonal variational covariance.
func (s *SVGP) QSqrtFull() []*mat.TriDense {
	if s.qSqrt == nil {
		return nil
	}
	out := make([]*mat.TriDense, len(s.qSqrt))
	for i, t := range s.qSqrt {
		out[i] = linalg.Tril(t)
	}
	return out
}

// SetZ sets the inducing inputs.
func (s *SVGP) SetZ(z mat.Matrix) error {
	if r, c := z.Dims(); !sameDims(r, c, s.z) {
		return fmt.Errorf("svgp: inducing inputs %d×%d: %w", r, c, ErrShape)
	}
	s.z.Copy(z)
	return nil
}

// SetQMu sets the variational mean.
func (s *SVGP) SetQMu(mu mat.Matrix) error {
	if r, c := mu.Dims(); !sameDims(r, c, s.qMu) {
		return fmt.Errorf("svgp: variational mean %d×%d: %w", r, c, ErrShape)
	}
	s.qMu.Copy(mu)
	return nil
}

// SetQSqrtDiag sets the diagonal scale. Every entry must lie above the
// lower bound of the positivity transform.
func (s *SVGP) SetQSqrtDiag(scale mat.Matrix) error {
	if s.qFree == nil {
		return fmt.Errorf("svgp: model has a full variational covariance: %w", ErrShape)
	}
	r, c := scale.Dims()
	if !sameDims(r, c, s.qFree) {
		return fmt.Errorf("svgp: diagonal scale %d×%d: %w", r, c, ErrShape)
	}
	lower := s.cfg.Transform.Min()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := scale.At(i, j); !(v > lower) {
				return fmt.Errorf("svgp: diagonal scale %g at (%d, %d) not above %g", v, i, j, lower)
			}
		}
	}
	s.qFree.Apply(func(i, j int, _ float64) float64 {
		return s.cfg.Transform.Backward(scale.At(i, j))
	}, s.qFree)
	return nil
}

// SetQSqrtFull sets the variational factor of latent function d. Only the
// lower triangle of lq is read.
func (s *SVGP) SetQSqrtFull(d int, lq mat.Matrix) error {
	if s.qSqrt == nil {
		return fmt.Errorf("svgp: model has a diagonal variational covariance: %w", ErrShape)
	}
	if d < 0 || d >= len(s.qSqrt) {
		panic(badLatent)
	}
	m := s.NumInducing()
	if r, c := lq.Dims(); r != m || c != m {
		return fmt.Errorf("svgp: variational factor %d×%d: %w", r, c, ErrShape)
	}
	s.qSqrt[d].Copy(linalg.Tril(lq))
	return nil
}

func sameDims(r, c int, a mat.Matrix) bool {
	ra, ca := a.Dims()
	return r == ra && c == ca
}

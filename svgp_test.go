package svgp

import (
	"bytes"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/btracey/svgp/kernel"
	"github.com/btracey/svgp/likelihood"
	"github.com/btracey/svgp/meanfunc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

func testKernel() *kernel.SqExpIso {
	return &kernel.SqExpIso{LogVariance: math.Log(1.5), LogLength: math.Log(0.9)}
}

// sinData returns n noisy samples of a sum of sines on [-2, 2]^dim.
func sinData(rnd *rand.Rand, n, dim int) (x, y *mat.Dense) {
	x = mat.NewDense(n, dim, nil)
	y = mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		var v float64
		for j := 0; j < dim; j++ {
			xi := -2 + 4*rnd.Float64()
			x.Set(i, j, xi)
			v += math.Sin(2 * xi)
		}
		y.Set(i, 0, v+0.1*rnd.NormFloat64())
	}
	return x, y
}

func randomTargets(rnd *rand.Rand, n, l int) *mat.Dense {
	return randomDense(rnd, n, l, 1)
}

func randomDense(rnd *rand.Rand, r, c int, std float64) *mat.Dense {
	a := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			a.Set(i, j, std*rnd.NormFloat64())
		}
	}
	return a
}

// gridZ returns m inducing inputs evenly spread along the diagonal of
// [-2, 2]^dim.
func gridZ(m, dim int) *mat.Dense {
	z := mat.NewDense(m, dim, nil)
	for i := 0; i < m; i++ {
		t := 0.0
		if m > 1 {
			t = -2 + 4*float64(i)/float64(m-1)
		}
		for j := 0; j < dim; j++ {
			z.Set(i, j, t*(1-0.3*float64(j)))
		}
	}
	return z
}

// randomizeVariational sets a random variational mean and a random
// well-conditioned variational scale.
func randomizeVariational(t *testing.T, rnd *rand.Rand, s *SVGP) {
	t.Helper()
	m := s.NumInducing()
	l := s.Config().NumLatent
	require.NoError(t, s.SetQMu(randomDense(rnd, m, l, 1)))
	if s.Config().QDiag {
		sd := mat.NewDense(m, l, nil)
		sd.Apply(func(_, _ int, _ float64) float64 { return 0.3 + rnd.Float64() }, sd)
		require.NoError(t, s.SetQSqrtDiag(sd))
		return
	}
	for d := 0; d < l; d++ {
		lq := mat.NewTriDense(m, mat.Lower, nil)
		for i := 0; i < m; i++ {
			lq.SetTri(i, i, 0.3+rnd.Float64())
			for j := 0; j < i; j++ {
				lq.SetTri(i, j, 0.3*rnd.NormFloat64())
			}
		}
		require.NoError(t, s.SetQSqrtFull(d, lq))
	}
}

// checkGradient compares ELBOGrad against central finite differences of
// ELBO over every parameter.
func checkGradient(t *testing.T, s *SVGP, tol float64) {
	t.Helper()
	p0 := s.Params(nil)
	grad := make([]float64, len(p0))
	elbo, err := s.ELBOGrad(grad)
	require.NoError(t, err)
	require.False(t, math.IsNaN(elbo) || math.IsInf(elbo, 0))

	want := fd.Gradient(nil, func(p []float64) float64 {
		s.SetParams(p)
		v, err := s.ELBO()
		require.NoError(t, err)
		return v
	}, p0, &fd.Settings{Formula: fd.Central, Step: 1e-6})
	s.SetParams(p0)

	lay := s.Layout()
	for i := range want {
		assert.True(t, scalar.EqualWithinAbsOrRel(want[i], grad[i], tol, tol),
			"param %d (%s): finite difference %v, analytic %v", i, lay.block(i), want[i], grad[i])
	}
}

func (lay Layout) block(i int) string {
	for _, b := range []struct {
		name string
		r    Range
	}{
		{"z", lay.Z}, {"q_mu", lay.QMu}, {"q_sqrt", lay.QSqrt},
		{"kernel", lay.Kernel}, {"likelihood", lay.Likelihood}, {"mean", lay.Mean},
	} {
		if i >= b.r.Start && i < b.r.End {
			return b.name
		}
	}
	return "none"
}

func TestNew(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))
	x, y := sinData(rnd, 6, 2)
	z := gridZ(3, 2)
	lik := likelihood.NewGaussian(0.1)

	s, err := New(x, y, z, testKernel(), lik, nil, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Config().NumLatent)
	assert.Equal(t, 6, s.NumData())
	assert.Equal(t, 3, s.NumInducing())
	assert.True(t, mat.Equal(z, s.Z()))
	assert.True(t, mat.Equal(mat.NewDense(3, 1, nil), s.QMu()))
	assert.Nil(t, s.QSqrtDiag())
	full := s.QSqrtFull()
	require.Len(t, full, 1)
	assert.True(t, mat.Equal(identity(3), full[0]))

	// The model keeps its own copy of the inducing inputs.
	z.Set(0, 0, 100)
	assert.NotEqual(t, 100.0, s.Z().At(0, 0))

	cfg := DefaultConfig()
	cfg.QDiag = true
	s, err = New(x, y, gridZ(3, 2), testKernel(), lik, nil, cfg)
	require.NoError(t, err)
	assert.Nil(t, s.QSqrtFull())
	assert.True(t, mat.EqualApprox(s.QSqrtDiag(), mat.NewDense(3, 1, []float64{1, 1, 1}), 1e-12))

	for _, test := range []struct {
		name    string
		x, y, z mat.Matrix
		cfg     Config
	}{
		{"target rows", x, mat.NewDense(5, 1, nil), z, DefaultConfig()},
		{"inducing dim", x, y, gridZ(3, 1), DefaultConfig()},
		{"num latent", x, y, z, Config{NumLatent: 2}},
		{"empty", &mat.Dense{}, y, z, DefaultConfig()},
	} {
		_, err := New(test.x, test.y, test.z, testKernel(), lik, nil, test.cfg)
		assert.ErrorIs(t, err, ErrShape, test.name)
	}
	_, err = New(x, y, z, testKernel(), lik, nil, Config{Jitter: -1})
	assert.Error(t, err)

	assert.Panics(t, func() { New(x, y, z, nil, lik, nil, DefaultConfig()) })
	assert.Panics(t, func() { New(x, y, z, testKernel(), nil, nil, DefaultConfig()) })
}

func TestParams(t *testing.T) {
	rnd := rand.New(rand.NewPCG(3, 4))
	x, _ := sinData(rnd, 6, 2)
	y := randomTargets(rnd, 6, 2)
	for _, b := range branches {
		cfg := DefaultConfig()
		cfg.Whiten = b.whiten
		cfg.QDiag = b.qDiag
		s, err := New(x, y, gridZ(3, 2), testKernel(), likelihood.NewGaussian(0.1), meanfunc.NewLinear(2, 2), cfg)
		require.NoError(t, err)

		lay := s.Layout()
		assert.Equal(t, 6, lay.Z.Len())
		assert.Equal(t, 6, lay.QMu.Len())
		if b.qDiag {
			assert.Equal(t, 6, lay.QSqrt.Len())
		} else {
			assert.Equal(t, 12, lay.QSqrt.Len())
		}
		assert.Equal(t, 2, lay.Kernel.Len())
		assert.Equal(t, 1, lay.Likelihood.Len())
		assert.Equal(t, 6, lay.Mean.Len())
		assert.Equal(t, lay.Mean.End, s.NumParams())

		p := make([]float64, s.NumParams())
		for i := range p {
			p[i] = rnd.NormFloat64()
		}
		s.SetParams(p)
		assert.Equal(t, p, s.Params(nil), b.name)
		assert.Equal(t, p[lay.Kernel.Start:lay.Kernel.End], s.Kernel().Hyper(nil))
		assert.Equal(t, p[lay.Z.Start:lay.Z.Start+2], s.Z().RawRowView(0))
		assert.Panics(t, func() { s.SetParams(p[1:]) })
		assert.Panics(t, func() { s.ELBOGrad(p[1:]) })
	}
}

func TestELBOGradient(t *testing.T) {
	rnd := rand.New(rand.NewPCG(5, 6))
	x, _ := sinData(rnd, 10, 2)
	y := randomTargets(rnd, 10, 2)
	for _, b := range branches {
		cfg := DefaultConfig()
		cfg.Whiten = b.whiten
		cfg.QDiag = b.qDiag
		mf := meanfunc.NewLinear(2, 2)
		mf.SetParams([]float64{0.1, -0.2, 0.3, 0.05, 0.5, -0.5})
		s, err := New(x, y, gridZ(4, 2), testKernel(), likelihood.NewGaussian(0.3), mf, cfg)
		require.NoError(t, err)
		randomizeVariational(t, rnd, s)
		t.Run(b.name, func(t *testing.T) {
			checkGradient(t, s, 1e-4)
		})
	}
}

func TestELBOGradientLikelihoods(t *testing.T) {
	rnd := rand.New(rand.NewPCG(7, 8))
	x, f := sinData(rnd, 12, 1)
	binary := mat.NewDense(12, 1, nil)
	counts := mat.NewDense(12, 1, nil)
	for i := 0; i < 12; i++ {
		if f.At(i, 0) > 0 {
			binary.Set(i, 0, 1)
		}
		counts.Set(i, 0, math.Round(math.Exp(f.At(i, 0))))
	}
	matern := &kernel.Matern52{LogVariance: 0, LogLength: math.Log(0.7)}
	for _, test := range []struct {
		name   string
		y      *mat.Dense
		lik    likelihood.Likelihood
		mf     meanfunc.MeanFunction
		whiten bool
		qDiag  bool
	}{
		{"bernoulli", binary, likelihood.NewBernoulli(0), nil, true, false},
		{"poisson", counts, likelihood.Poisson{}, &meanfunc.Constant{C: []float64{0.2}}, false, false},
		{"students t", f, likelihood.NewStudentsT(4, 1, 0), nil, false, true},
		{"gaussian matern", f, likelihood.NewGaussian(0.2), nil, true, true},
	} {
		cfg := DefaultConfig()
		cfg.Whiten = test.whiten
		cfg.QDiag = test.qDiag
		var ker kernel.Kernel = testKernel()
		if test.name == "gaussian matern" {
			ker = matern
		}
		s, err := New(x, test.y, gridZ(5, 1), ker, test.lik, test.mf, cfg)
		require.NoError(t, err)
		// Keep the latent variance small enough for the quadrature to
		// resolve the likelihood.
		m := s.NumInducing()
		require.NoError(t, s.SetQMu(randomDense(rnd, m, 1, 0.3)))
		if test.qDiag {
			sd := mat.NewDense(m, 1, nil)
			sd.Apply(func(_, _ int, _ float64) float64 { return 0.3 }, sd)
			require.NoError(t, s.SetQSqrtDiag(sd))
		} else {
			lq := identity(m)
			lq.Scale(0.3, lq)
			require.NoError(t, s.SetQSqrtFull(0, lq))
		}
		t.Run(test.name, func(t *testing.T) {
			checkGradient(t, s, 1e-4)
		})
	}
}

// TestEndToEnd fits nothing; it checks that a one dimensional model with five
// inducing points has a finite ELBO and an exact gradient in the variational
// mean.
func TestEndToEnd(t *testing.T) {
	n := 30
	x := mat.NewDense(n, 1, nil)
	y := mat.NewDense(n, 1, nil)
	rnd := rand.New(rand.NewPCG(9, 10))
	for i := 0; i < n; i++ {
		xi := 5 * float64(i) / float64(n-1)
		x.Set(i, 0, xi)
		y.Set(i, 0, math.Sin(xi)+0.1*rnd.NormFloat64())
	}
	z := mat.NewDense(5, 1, []float64{0, 1.25, 2.5, 3.75, 5})
	cfg := DefaultConfig()
	cfg.QDiag = false
	cfg.Whiten = true
	ker := &kernel.SqExpIso{LogVariance: 0, LogLength: 0}
	s, err := New(x, y, z, ker, likelihood.NewGaussian(0.01), nil, cfg)
	require.NoError(t, err)
	require.NoError(t, s.SetQMu(randomDense(rnd, 5, 1, 0.5)))

	elbo, err := s.ELBO()
	require.NoError(t, err)
	assert.False(t, math.IsNaN(elbo) || math.IsInf(elbo, 0))

	grad := make([]float64, s.NumParams())
	got, err := s.ELBOGrad(grad)
	require.NoError(t, err)
	assert.Equal(t, elbo, got)

	lay := s.Layout()
	p0 := s.Params(nil)
	mu0 := append([]float64(nil), p0[lay.QMu.Start:lay.QMu.End]...)
	want := fd.Gradient(nil, func(mu []float64) float64 {
		p := append([]float64(nil), p0...)
		copy(p[lay.QMu.Start:], mu)
		s.SetParams(p)
		v, err := s.ELBO()
		require.NoError(t, err)
		return v
	}, mu0, &fd.Settings{Formula: fd.Central})
	s.SetParams(p0)
	analytic := grad[lay.QMu.Start:lay.QMu.End]
	for i := range want {
		assert.InDelta(t, want[i], analytic[i], 1e-4*math.Max(1, math.Abs(want[i])), "q_mu %d", i)
	}
}

// optimalPosterior returns the exact posterior over f(X) for a Gaussian
// likelihood with noise variance s2, N(K(K+s2 I)⁻¹y, K - K(K+s2 I)⁻¹K).
func optimalPosterior(t *testing.T, k *mat.SymDense, y *mat.Dense, s2 float64) (mu *mat.Dense, lq *mat.TriDense) {
	t.Helper()
	n := k.SymmetricDim()
	a := mat.NewSymDense(n, nil)
	a.CopySym(k)
	for i := 0; i < n; i++ {
		a.SetSym(i, i, a.At(i, i)+s2)
	}
	var chol mat.Cholesky
	require.True(t, chol.Factorize(a))
	var ay, ak mat.Dense
	require.NoError(t, chol.SolveTo(&ay, y))
	require.NoError(t, chol.SolveTo(&ak, k))
	mu = &mat.Dense{}
	mu.Mul(k, &ay)
	var kak mat.Dense
	kak.Mul(k, &ak)
	sigma := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sigma.SetSym(i, j, k.At(i, j)-0.5*(kak.At(i, j)+kak.At(j, i)))
		}
	}
	var cs mat.Cholesky
	require.True(t, cs.Factorize(sigma))
	lq = &mat.TriDense{}
	cs.LTo(lq)
	return mu, lq
}

func TestReducesToExactGP(t *testing.T) {
	const s2 = 0.1
	x := mat.NewDense(8, 1, []float64{-2, -1.4, -0.9, -0.2, 0.4, 1, 1.5, 2.2})
	y := mat.NewDense(8, 1, nil)
	for i := 0; i < 8; i++ {
		y.Set(i, 0, math.Sin(2*x.At(i, 0)))
	}
	ker := testKernel()

	cfg := DefaultConfig()
	cfg.Whiten = false
	cfg.QDiag = false
	cfg.Jitter = 0
	s, err := New(x, y, x, ker, likelihood.NewGaussian(s2), nil, cfg)
	require.NoError(t, err)
	mu, lq := optimalPosterior(t, kernel.Gram(nil, ker, x), y, s2)
	require.NoError(t, s.SetQMu(mu))
	require.NoError(t, s.SetQSqrtFull(0, lq))

	gp := NewGPR(1, ker, s2)
	require.NoError(t, gp.AddBatch(x, mat.Col(nil, 0, y)))

	xNew := mat.NewDense(5, 1, []float64{-2.5, -1, 0, 0.7, 3})
	mean, variance, err := s.Predict(xNew)
	require.NoError(t, err)
	wantMean := gp.MeanBatch(nil, xNew)
	wantVar := gp.VarianceBatch(nil, xNew)
	assert.True(t, floats.EqualApprox(wantMean, mat.Col(nil, 0, mean), 1e-6), "mean: want %v got %v", wantMean, mat.Col(nil, 0, mean))
	assert.True(t, floats.EqualApprox(wantVar, mat.Col(nil, 0, variance), 1e-6), "variance: want %v got %v", wantVar, mat.Col(nil, 0, variance))

	// With the exact posterior the bound is tight.
	elbo, err := s.ELBO()
	require.NoError(t, err)
	assert.InDelta(t, gp.LogLikelihood(), elbo, 1e-6)

	// Any other variational distribution gives a lower bound.
	require.NoError(t, s.SetQMu(mat.NewDense(8, 1, nil)))
	worse, err := s.ELBO()
	require.NoError(t, err)
	assert.Less(t, worse, elbo)
}

func TestPredictVarianceNonNegative(t *testing.T) {
	rnd := rand.New(rand.NewPCG(11, 12))
	for trial := 0; trial < 100; trial++ {
		dim := 1 + rnd.IntN(2)
		m := 2 + rnd.IntN(5)
		x, _ := sinData(rnd, 5, dim)
		l := 1 + rnd.IntN(2)
		y := randomTargets(rnd, 5, l)
		z := mat.NewDense(m, dim, nil)
		z.Apply(func(_, _ int, _ float64) float64 { return -3 + 6*rnd.Float64() }, z)
		ker := &kernel.SqExpIso{
			LogVariance: math.Log(0.2 + 2*rnd.Float64()),
			LogLength:   math.Log(0.2 + 1.5*rnd.Float64()),
		}
		cfg := DefaultConfig()
		cfg.Whiten = trial%2 == 0
		cfg.QDiag = rnd.IntN(2) == 0
		s, err := New(x, y, z, ker, likelihood.NewGaussian(0.1), nil, cfg)
		require.NoError(t, err)
		randomizeVariational(t, rnd, s)

		// Query at random points and exactly at the inducing inputs, where
		// the base variance cancels.
		xNew := mat.NewDense(10+m, dim, nil)
		xNew.Apply(func(_, _ int, _ float64) float64 { return -4 + 8*rnd.Float64() }, xNew)
		xNew.Slice(10, 10+m, 0, dim).(*mat.Dense).Copy(z)
		_, variance, err := s.Predict(xNew)
		require.NoError(t, err, "trial %d", trial)
		r, c := variance.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				assert.GreaterOrEqual(t, variance.At(i, j), 0.0, "trial %d (%d, %d)", trial, i, j)
			}
		}
	}
}

func TestPredict(t *testing.T) {
	rnd := rand.New(rand.NewPCG(13, 14))
	x, y := sinData(rnd, 10, 1)
	cfg := DefaultConfig()
	s, err := New(x, y, gridZ(4, 1), testKernel(), likelihood.NewGaussian(0.25), &meanfunc.Constant{C: []float64{3}}, cfg)
	require.NoError(t, err)

	// At the prior the predictive mean is the mean function and the
	// variance is the kernel variance.
	xNew := mat.NewDense(2, 1, []float64{0.3, 10})
	mean, variance, err := s.Predict(xNew)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{3, 3}, mat.Col(nil, 0, mean), 1e-12)
	assert.InDeltaSlice(t, []float64{1.5, 1.5}, mat.Col(nil, 0, variance), 1e-5)

	ym, yv, err := s.PredictY(xNew)
	require.NoError(t, err)
	assert.True(t, mat.Equal(mean, ym))
	assert.InDeltaSlice(t, []float64{1.75, 1.75}, mat.Col(nil, 0, yv), 1e-5)

	_, _, err = s.Predict(mat.NewDense(2, 3, nil))
	assert.ErrorIs(t, err, ErrShape)

	bare, err := New(x, y, gridZ(4, 1), testKernel(), struct{ likelihood.Likelihood }{likelihood.NewGaussian(1)}, nil, cfg)
	require.NoError(t, err)
	_, _, err = bare.PredictY(xNew)
	assert.ErrorIs(t, err, ErrNoPredictor)
}

func TestELBOLogging(t *testing.T) {
	rnd := rand.New(rand.NewPCG(15, 16))
	x, y := sinData(rnd, 5, 1)
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s, err := New(x, y, gridZ(3, 1), testKernel(), likelihood.NewGaussian(0.1), nil, cfg)
	require.NoError(t, err)
	_, err = s.ELBO()
	require.NoError(t, err)
	out := buf.String()
	assert.True(t, strings.Contains(out, "kl="), out)
	assert.True(t, strings.Contains(out, "expected_log_lik="), out)
}

func TestSetQSqrtDiagBounds(t *testing.T) {
	rnd := rand.New(rand.NewPCG(17, 18))
	x, y := sinData(rnd, 5, 1)
	cfg := DefaultConfig()
	cfg.QDiag = true
	s, err := New(x, y, gridZ(3, 1), testKernel(), likelihood.NewGaussian(0.1), nil, cfg)
	require.NoError(t, err)
	before := s.QSqrtDiag()

	// Positive values at or below the transform's floor are rejected too.
	for _, v := range []float64{-1, 0, 5e-7, 1e-6} {
		sd := mat.NewDense(3, 1, []float64{1, v, 1})
		assert.NotPanics(t, func() {
			assert.Error(t, s.SetQSqrtDiag(sd), "value %v", v)
		})
	}
	assert.True(t, mat.Equal(before, s.QSqrtDiag()))

	sd := mat.NewDense(3, 1, []float64{1, 2e-6, 1})
	require.NoError(t, s.SetQSqrtDiag(sd))
	assert.True(t, mat.EqualApprox(sd, s.QSqrtDiag(), 1e-12))
}

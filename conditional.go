package svgp

import (
	"fmt"

	"github.com/btracey/svgp/internal/linalg"
	"github.com/btracey/svgp/kernel"
	"gonum.org/v1/gonum/mat"
)

// conditional maps A = Lk⁻¹ K(Z, X) onto B, the matrix for which the
// predictive mean is Bᵀ qMu and the variational covariance contributes
// colsum((S_dᵀ B)²) to the predictive variance.
type conditional interface {
	project(l *mat.TriDense, a *mat.Dense) (*mat.Dense, error)

	// projectBackward adds the adjoint of A into aAdj and the adjoint of Lk
	// into lAdj given the adjoint of B.
	projectBackward(aAdj, lAdj *mat.Dense, l *mat.TriDense, b, bAdj *mat.Dense) error
}

var (
	_ conditional = natural{}
	_ conditional = whitened{}
)

// natural interprets the variational parameters as the distribution of the
// inducing values themselves, B = Lk⁻ᵀ A = K(Z, Z)⁻¹ K(Z, X).
type natural struct{}

func (natural) project(l *mat.TriDense, a *mat.Dense) (*mat.Dense, error) {
	var b mat.Dense
	if err := linalg.SolveUpper(&b, l, a); err != nil {
		return nil, err
	}
	return &b, nil
}

func (natural) projectBackward(aAdj, lAdj *mat.Dense, l *mat.TriDense, b, bAdj *mat.Dense) error {
	return linalg.SolveUpperBackward(aAdj, lAdj, l, b, bAdj)
}

// whitened interprets the variational parameters in the basis u = Lk v, so
// that B = A.
type whitened struct{}

func (whitened) project(_ *mat.TriDense, a *mat.Dense) (*mat.Dense, error) {
	return a, nil
}

func (whitened) projectBackward(aAdj, _ *mat.Dense, _ *mat.TriDense, _, bAdj *mat.Dense) error {
	aAdj.Add(aAdj, bAdj)
	return nil
}

// prediction holds the forward pass of the conditional at a set of inputs.
type prediction struct {
	kmn *mat.Dense // K(Z, X)
	a   *mat.Dense // Lk⁻¹ K(Z, X)
	b   *mat.Dense

	scale *mat.Dense   // diagonal scale
	p     []*mat.Dense // Lq_dᵀ B for full factors

	mean     *mat.Dense // N×L, without the mean function
	variance *mat.Dense // N×L
	clipped  []bool     // row-major N×L
}

// predict computes the latent predictive mean and variance at the rows of x,
//
//	mean  = Bᵀ qMu
//	var_d = kdiag(X) - colsum(A²) + colsum((S_dᵀ B)²) .
//
// Variances within the tolerance below zero are clipped to zero.
func (s *SVGP) predict(f *factor, x mat.Matrix) (*prediction, error) {
	n, _ := x.Dims()
	m, l := s.qMu.Dims()

	pr := &prediction{
		kmn: kernel.Cross(nil, s.kernel, s.z, x),
		a:   &mat.Dense{},
	}
	kd := kernel.Diag(nil, s.kernel, x)
	if err := linalg.SolveLower(pr.a, f.l, pr.kmn); err != nil {
		return nil, fmt.Errorf("svgp: conditional: %w", err)
	}
	b, err := s.cond.project(f.l, pr.a)
	if err != nil {
		return nil, fmt.Errorf("svgp: conditional: %w", err)
	}
	pr.b = b

	pr.mean = mat.NewDense(n, l, nil)
	pr.mean.Mul(b.T(), s.qMu)

	base := make([]float64, n)
	for j := range base {
		v := kd[j]
		for i := 0; i < m; i++ {
			a := pr.a.At(i, j)
			v -= a * a
		}
		base[j] = v
	}

	pr.variance = mat.NewDense(n, l, nil)
	if s.qFree != nil {
		pr.scale = s.diagScale()
		for j := 0; j < n; j++ {
			for d := 0; d < l; d++ {
				v := base[j]
				for i := 0; i < m; i++ {
					sb := pr.scale.At(i, d) * b.At(i, j)
					v += sb * sb
				}
				pr.variance.Set(j, d, v)
			}
		}
	} else {
		pr.p = make([]*mat.Dense, l)
		for d, lq := range s.qSqrt {
			p := &mat.Dense{}
			p.Mul(lq.T(), b)
			pr.p[d] = p
			for j := 0; j < n; j++ {
				v := base[j]
				for k := 0; k < m; k++ {
					pv := p.At(k, j)
					v += pv * pv
				}
				pr.variance.Set(j, d, v)
			}
		}
	}

	tol := s.cfg.VarianceTolerance
	pr.clipped = make([]bool, n*l)
	var nClipped int
	for j := 0; j < n; j++ {
		for d := 0; d < l; d++ {
			v := pr.variance.At(j, d)
			if v >= 0 {
				continue
			}
			if v < -tol {
				return nil, fmt.Errorf("svgp: variance %g at point %d latent %d: %w", v, j, d, ErrNegativeVariance)
			}
			pr.variance.Set(j, d, 0)
			pr.clipped[j*l+d] = true
			nClipped++
		}
	}
	if nClipped > 0 {
		s.logger.Warn("clipped negative predictive variance", "count", nClipped, "tolerance", tol)
	}
	return pr, nil
}

// predictBackward propagates the adjoints of the predictive mean and
// variance. Variational adjoints and the adjoint of Lk are added into adj,
// kernel hyperparameter derivatives into dHyper and inducing input
// derivatives into dZ. Clipped variances carry no gradient.
func (s *SVGP) predictBackward(f *factor, x mat.Matrix, pr *prediction, gMean, gVar *mat.Dense, adj *adjoints, dHyper []float64, dZ *mat.Dense) error {
	n, _ := x.Dims()
	m, l := s.qMu.Dims()

	gv := mat.DenseCopyOf(gVar)
	for k, c := range pr.clipped {
		if c {
			gv.Set(k/l, k%l, 0)
		}
	}

	// mean = Bᵀ qMu.
	var t mat.Dense
	t.Mul(pr.b, gMean)
	adj.qMu.Add(adj.qMu, &t)
	bAdj := mat.NewDense(m, n, nil)
	bAdj.Mul(s.qMu, gMean.T())

	if pr.scale != nil {
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				bij := pr.b.At(i, j)
				var acc float64
				for d := 0; d < l; d++ {
					sc := pr.scale.At(i, d)
					g := gv.At(j, d)
					acc += 2 * sc * sc * bij * g
					adj.scale.Set(i, d, adj.scale.At(i, d)+2*sc*bij*bij*g)
				}
				bAdj.Set(i, j, bAdj.At(i, j)+acc)
			}
		}
	} else {
		for d, lq := range s.qSqrt {
			// P = Lqᵀ B contributes colsum(P²).
			pAdj := mat.NewDense(m, n, nil)
			pAdj.Apply(func(_, j int, v float64) float64 {
				return 2 * v * gv.At(j, d)
			}, pr.p[d])
			var tb, tq mat.Dense
			tb.Mul(lq, pAdj)
			bAdj.Add(bAdj, &tb)
			tq.Mul(pr.b, pAdj.T())
			adj.qSqrt[d].Add(adj.qSqrt[d], &tq)
		}
	}

	gsum := make([]float64, n)
	for j := range gsum {
		for d := 0; d < l; d++ {
			gsum[j] += gv.At(j, d)
		}
	}
	aAdj := mat.NewDense(m, n, nil)
	aAdj.Apply(func(_, j int, v float64) float64 {
		return -2 * v * gsum[j]
	}, pr.a)

	if err := s.cond.projectBackward(aAdj, adj.l, f.l, pr.b, bAdj); err != nil {
		return fmt.Errorf("svgp: conditional adjoint: %w", err)
	}
	kmnAdj := mat.NewDense(m, n, nil)
	if err := linalg.SolveLowerBackward(kmnAdj, adj.l, f.l, pr.a, aAdj); err != nil {
		return fmt.Errorf("svgp: conditional adjoint: %w", err)
	}
	kernel.CrossGrad(dHyper, dZ, s.kernel, s.z, x, kmnAdj)
	kernel.DiagGrad(dHyper, s.kernel, x, gsum)
	return nil
}

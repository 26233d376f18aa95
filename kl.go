package svgp

import (
	"fmt"
	"math"

	"github.com/btracey/svgp/internal/linalg"
	"gonum.org/v1/gonum/mat"
)

// priorKL computes KL(q(u) || p(u)) summed over the latent functions. There
// is one implementation for each combination of whitening and diagonal
// covariance, chosen when the model is built.
type priorKL interface {
	// divergence returns the KL divergence. If adj is not nil, scale times
	// the derivatives of the divergence are added into adj.
	divergence(s *SVGP, f *factor, adj *adjoints, scale float64) (float64, error)

	// needsFactor reports whether divergence reads the Cholesky factor of
	// K(Z, Z).
	needsFactor() bool
}

var (
	_ priorKL = whitenedDiagKL{}
	_ priorKL = whitenedFullKL{}
	_ priorKL = diagKL{}
	_ priorKL = fullKL{}
)

// whitenedDiagKL is KL(N(μ, diag(s²)) || N(0, I)),
//
//	Σ ½(μ² + s²) - ½ log s² - ½ .
type whitenedDiagKL struct{}

func (whitenedDiagKL) needsFactor() bool { return false }

func (whitenedDiagKL) divergence(s *SVGP, _ *factor, adj *adjoints, scale float64) (float64, error) {
	sd := s.diagScale()
	m, l := sd.Dims()
	var kl float64
	for i := 0; i < m; i++ {
		for d := 0; d < l; d++ {
			mu := s.qMu.At(i, d)
			v := sd.At(i, d)
			kl += 0.5*(mu*mu+v*v) - math.Log(v) - 0.5
			if adj != nil {
				adj.qMu.Set(i, d, adj.qMu.At(i, d)+scale*mu)
				adj.scale.Set(i, d, adj.scale.At(i, d)+scale*(v-1/v))
			}
		}
	}
	return kl, nil
}

// whitenedFullKL is KL(N(μ_d, Lq_d Lq_dᵀ) || N(0, I)) summed over d,
//
//	½‖μ_d‖² - ½M + ½‖Lq_d‖²_F - Σ log|diag(Lq_d)| .
type whitenedFullKL struct{}

func (whitenedFullKL) needsFactor() bool { return false }

func (whitenedFullKL) divergence(s *SVGP, _ *factor, adj *adjoints, scale float64) (float64, error) {
	m, _ := s.qMu.Dims()
	var kl float64
	for d, lq := range s.qSqrt {
		if err := checkScale(d, lq); err != nil {
			return 0, err
		}
		mu := s.qMu.ColView(d)
		kl += 0.5*mat.Dot(mu, mu) - 0.5*float64(m) + 0.5*linalg.FrobeniusSq(lq) - linalg.LogAbsDiag(lq)
		if adj == nil {
			continue
		}
		for i := 0; i < m; i++ {
			adj.qMu.Set(i, d, adj.qMu.At(i, d)+scale*mu.AtVec(i))
		}
		g := adj.qSqrt[d]
		for i := 0; i < m; i++ {
			for j := 0; j <= i; j++ {
				v := lq.At(i, j)
				if i == j {
					v -= 1 / v
				}
				g.Set(i, j, g.At(i, j)+scale*v)
			}
		}
	}
	return kl, nil
}

// diagKL is KL(N(μ, diag(s²)) || N(0, K)) with K = Lk Lkᵀ, using α = Lk⁻¹μ,
//
//	½‖α‖² + L Σ log|diag(Lk)| - ½ML - ½ Σ log s² + ½ Σ diag(K⁻¹) s² .
type diagKL struct{}

func (diagKL) needsFactor() bool { return true }

func (diagKL) divergence(s *SVGP, f *factor, adj *adjoints, scale float64) (float64, error) {
	m, l := s.qMu.Dims()
	kl, err := mahalanobis(s, f, adj, scale)
	if err != nil {
		return 0, err
	}

	inv, err := linalg.Inverse(f.chol)
	if err != nil {
		return 0, fmt.Errorf("svgp: prior kl: %w", err)
	}
	kinv := linalg.Diag(nil, inv)

	sd := s.diagScale()
	c := make([]float64, m) // Σ_d s_id²
	for i := 0; i < m; i++ {
		for d := 0; d < l; d++ {
			v := sd.At(i, d)
			kl += -math.Log(v) + 0.5*kinv[i]*v*v
			c[i] += v * v
			if adj != nil {
				adj.scale.Set(i, d, adj.scale.At(i, d)+scale*(kinv[i]*v-1/v))
			}
		}
	}
	kl -= 0.5 * float64(m*l)
	if adj == nil {
		return kl, nil
	}

	// The trace term is ½‖Y‖²_F with Y = Lk⁻¹ diag(√c).
	var linv mat.Dense
	if err := linalg.SolveLower(&linv, f.l, identity(m)); err != nil {
		return 0, fmt.Errorf("svgp: prior kl: %w", err)
	}
	y := mat.NewDense(m, m, nil)
	y.Apply(func(_, j int, v float64) float64 {
		return v * math.Sqrt(c[j])
	}, &linv)
	var yAdj mat.Dense
	yAdj.Scale(scale, y)
	if err := linalg.SolveLowerBackward(nil, adj.l, f.l, y, &yAdj); err != nil {
		return 0, fmt.Errorf("svgp: prior kl: %w", err)
	}
	return kl, nil
}

// fullKL is KL(N(μ_d, Lq_d Lq_dᵀ) || N(0, K)) summed over d,
//
//	½‖α_d‖² + Σ log|diag(Lk)| - ½M - Σ log|diag(Lq_d)| + ½‖Lk⁻¹ Lq_d‖²_F .
type fullKL struct{}

func (fullKL) needsFactor() bool { return true }

func (fullKL) divergence(s *SVGP, f *factor, adj *adjoints, scale float64) (float64, error) {
	m, _ := s.qMu.Dims()
	for d, lq := range s.qSqrt {
		if err := checkScale(d, lq); err != nil {
			return 0, err
		}
	}
	kl, err := mahalanobis(s, f, adj, scale)
	if err != nil {
		return 0, err
	}
	for d, lq := range s.qSqrt {
		var y mat.Dense
		if err := linalg.SolveLower(&y, f.l, lq); err != nil {
			return 0, fmt.Errorf("svgp: prior kl: %w", err)
		}
		kl += -0.5*float64(m) - linalg.LogAbsDiag(lq) + 0.5*linalg.FrobeniusSq(&y)
		if adj == nil {
			continue
		}
		var yAdj mat.Dense
		yAdj.Scale(scale, &y)
		g := adj.qSqrt[d]
		if err := linalg.SolveLowerBackward(g, adj.l, f.l, &y, &yAdj); err != nil {
			return 0, fmt.Errorf("svgp: prior kl: %w", err)
		}
		for i := 0; i < m; i++ {
			g.Set(i, i, g.At(i, i)-scale/lq.At(i, i))
		}
	}
	return kl, nil
}

// mahalanobis returns the terms shared by the natural branches,
// ½‖Lk⁻¹μ‖²_F + L Σ log|diag(Lk)|, adding scale times their derivatives
// into adj when it is not nil.
func mahalanobis(s *SVGP, f *factor, adj *adjoints, scale float64) (float64, error) {
	_, l := s.qMu.Dims()
	var alpha mat.Dense
	if err := linalg.SolveLower(&alpha, f.l, s.qMu); err != nil {
		return 0, fmt.Errorf("svgp: prior kl: %w", err)
	}
	kl := 0.5*linalg.FrobeniusSq(&alpha) + float64(l)*linalg.LogAbsDiag(f.l)
	if adj == nil {
		return kl, nil
	}
	var aAdj mat.Dense
	aAdj.Scale(scale, &alpha)
	if err := linalg.SolveLowerBackward(adj.qMu, adj.l, f.l, &alpha, &aAdj); err != nil {
		return 0, fmt.Errorf("svgp: prior kl: %w", err)
	}
	linalg.AddLogAbsDiagBackward(adj.l, f.l, scale*float64(l))
	return kl, nil
}

// checkScale reports a full variational factor whose covariance is rank
// deficient.
func checkScale(d int, lq *mat.TriDense) error {
	for i, v := range linalg.Diag(nil, lq) {
		if math.Abs(v) <= degenerateScale {
			return fmt.Errorf("svgp: latent %d diagonal %d: %w", d, i, ErrDegenerateScale)
		}
	}
	return nil
}

func identity(n int) *mat.Dense {
	eye := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		eye.Set(i, i, 1)
	}
	return eye
}

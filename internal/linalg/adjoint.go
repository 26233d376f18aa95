package linalg

import (
	"gonum.org/v1/gonum/mat"
)

// The adjoint functions below follow the reverse-mode convention that the
// adjoint Ā of a matrix A holds ∂f/∂A_ij for a scalar f, so that
//
//	df = Σ_ij Ā_ij dA_ij .
//
// Adjoints of triangular factors only carry meaning in the lower triangle.

// CholeskyBackward returns the adjoint of the symmetric matrix A = L Lᵀ given
// the adjoint of its lower Cholesky factor L. Only the lower triangle of lAdj
// is read. The result is symmetric and holds the derivative with respect to
// each of the n² entries of A, so a symmetric perturbation dA changes f by
// Σ_ij Ā_ij dA_ij.
//
// With Φ(X) the lower triangle of X with its diagonal halved,
//
//	P = Φ(Lᵀ L̄)
//	Ā = L⁻ᵀ (P + Pᵀ)/2 L⁻¹
//
// see I. Murray, "Differentiation of the Cholesky decomposition", 2016.
func CholeskyBackward(l *mat.TriDense, lAdj mat.Matrix) (*mat.SymDense, error) {
	n, _ := l.Triangle()
	if r, c := lAdj.Dims(); r != n || c != n {
		panic(badShape)
	}
	var c mat.Dense
	c.Mul(l.T(), Tril(lAdj))

	s := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		s.Set(i, i, 0.5*c.At(i, i))
		for j := 0; j < i; j++ {
			v := 0.5 * c.At(i, j)
			s.Set(i, j, v)
			s.Set(j, i, v)
		}
	}

	// X = L⁻ᵀ S, then L⁻ᵀ Xᵀ = L⁻ᵀ S L⁻¹.
	var x, y mat.Dense
	if err := SolveUpper(&x, l, s); err != nil {
		return nil, err
	}
	if err := SolveUpper(&y, l, x.T()); err != nil {
		return nil, err
	}
	adj := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			adj.SetSym(i, j, 0.5*(y.At(i, j)+y.At(j, i)))
		}
	}
	return adj, nil
}

// SolveLowerBackward propagates the adjoint yAdj of Y = L⁻¹ B. The adjoint
// of B, L⁻ᵀ Ȳ, is added into bAdj and -L⁻ᵀ Ȳ Yᵀ is added into lAdj. Either
// destination may be nil when its adjoint is not needed.
func SolveLowerBackward(bAdj, lAdj *mat.Dense, l *mat.TriDense, y, yAdj mat.Matrix) error {
	var w mat.Dense
	if err := SolveUpper(&w, l, yAdj); err != nil {
		return err
	}
	if bAdj != nil {
		bAdj.Add(bAdj, &w)
	}
	if lAdj != nil {
		var t mat.Dense
		t.Mul(&w, y.T())
		lAdj.Sub(lAdj, &t)
	}
	return nil
}

// SolveUpperBackward propagates the adjoint yAdj of Y = L⁻ᵀ B. The adjoint
// of B, L⁻¹ Ȳ, is added into bAdj and -Y (L⁻¹ Ȳ)ᵀ is added into lAdj.
// Either destination may be nil.
func SolveUpperBackward(bAdj, lAdj *mat.Dense, l *mat.TriDense, y, yAdj mat.Matrix) error {
	var w mat.Dense
	if err := SolveLower(&w, l, yAdj); err != nil {
		return err
	}
	if bAdj != nil {
		bAdj.Add(bAdj, &w)
	}
	if lAdj != nil {
		var t mat.Dense
		t.Mul(y, w.T())
		lAdj.Sub(lAdj, &t)
	}
	return nil
}

// AddLogAbsDiagBackward adds scale/l_ii, the adjoint of scale*Σ log|l_ii|,
// into the diagonal of lAdj.
func AddLogAbsDiagBackward(lAdj *mat.Dense, l mat.Matrix, scale float64) {
	r, _ := l.Dims()
	for i := 0; i < r; i++ {
		lAdj.Set(i, i, lAdj.At(i, i)+scale/l.At(i, i))
	}
}

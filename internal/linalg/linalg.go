// Package linalg holds the dense linear algebra used by the sparse GP code:
// jittered Cholesky factorisation, triangular solves against the Cholesky
// factor, diagonal and lower-triangle extraction, and the reverse-mode
// adjoints of those operations.
package linalg

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	badJitter = "linalg: negative jitter"
	badShape  = "linalg: dimension mismatch"
)

// Cholesky factorizes a + jitter*I into chol. The jitter is added to a copy
// of a, a itself is not modified. Cholesky reports whether the matrix was
// positive definite after the jitter was added.
func Cholesky(chol *mat.Cholesky, a mat.Symmetric, jitter float64) bool {
	if !(jitter >= 0) {
		panic(badJitter)
	}
	n := a.SymmetricDim()
	k := mat.NewSymDense(n, nil)
	k.CopySym(a)
	if jitter != 0 {
		for i := 0; i < n; i++ {
			k.SetSym(i, i, k.At(i, i)+jitter)
		}
	}
	return chol.Factorize(k)
}

// LowerFactor returns the lower triangular factor L of chol, A = L Lᵀ.
func LowerFactor(chol *mat.Cholesky) *mat.TriDense {
	var l mat.TriDense
	chol.LTo(&l)
	return &l
}

// SolveLower solves L * X = B for X with L lower triangular (a forward
// substitution) and stores the result in dst.
func SolveLower(dst *mat.Dense, l *mat.TriDense, b mat.Matrix) error {
	return solveTri(dst, l, false, b)
}

// SolveUpper solves Lᵀ * X = B for X with L lower triangular (a backward
// substitution) and stores the result in dst.
func SolveUpper(dst *mat.Dense, l *mat.TriDense, b mat.Matrix) error {
	return solveTri(dst, l, true, b)
}

func solveTri(dst *mat.Dense, l *mat.TriDense, trans bool, b mat.Matrix) error {
	if _, kind := l.Triangle(); kind != mat.Lower {
		panic(badShape)
	}
	return conditionOK(l.SolveTo(dst, trans, b))
}

// conditionOK discards finite condition number warnings. gonum stores the
// solution even when it reports a large condition number; only a singular
// factor (infinite condition) is an error.
func conditionOK(err error) error {
	if err == nil {
		return nil
	}
	var c mat.Condition
	if errors.As(err, &c) && !math.IsInf(float64(c), 1) {
		return nil
	}
	return err
}

// Inverse returns the inverse of the matrix factorized in chol.
func Inverse(chol *mat.Cholesky) (*mat.SymDense, error) {
	var inv mat.SymDense
	err := chol.InverseTo(&inv)
	if err = conditionOK(err); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Diag stores the diagonal of a into dst and returns it. If dst is nil a
// new slice is allocated.
func Diag(dst []float64, a mat.Matrix) []float64 {
	r, c := a.Dims()
	n := min(r, c)
	if dst == nil {
		dst = make([]float64, n)
	}
	if len(dst) != n {
		panic(badShape)
	}
	for i := range dst {
		dst[i] = a.At(i, i)
	}
	return dst
}

// LogAbsDiag returns Σ log|a_ii|.
func LogAbsDiag(a mat.Matrix) float64 {
	r, c := a.Dims()
	var s float64
	for i := 0; i < min(r, c); i++ {
		s += math.Log(math.Abs(a.At(i, i)))
	}
	return s
}

// Tril copies the lower triangle of the square matrix a, diagonal included,
// into a new lower triangular matrix. Entries above the diagonal are dropped.
func Tril(a mat.Matrix) *mat.TriDense {
	r, c := a.Dims()
	if r != c {
		panic(badShape)
	}
	t := mat.NewTriDense(r, mat.Lower, nil)
	t.Copy(a)
	return t
}

// FrobeniusSq returns the sum of the squared entries of a.
func FrobeniusSq(a mat.Matrix) float64 {
	r, c := a.Dims()
	var s float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := a.At(i, j)
			s += v * v
		}
	}
	return s
}

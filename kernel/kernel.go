// Package kernel implements covariance functions for Gaussian processes and
// the kernel matrices built from them.
package kernel

import (
	"gonum.org/v1/gonum/mat"
)

const (
	badInputDim   = "kernel: input dimension mismatch"
	badStorageDim = "kernel: storage dimension mismatch"
	badDeriv      = "kernel: deriv length mismatch"
	badHyper      = "kernel: hyperparameter length mismatch"
)

// Bound is the range over which a hyperparameter is sensible.
type Bound struct {
	Min float64
	Max float64
}

// Kernel is a covariance function k(x, y). Hyperparameters are stored in a
// transformed (usually log) space so they are unconstrained.
type Kernel interface {
	// Distance returns k(x, y).
	Distance(x, y []float64) float64

	// DistanceDHyper returns k(x, y) and stores ∂k/∂θ for each hyperparameter
	// into deriv.
	DistanceDHyper(x, y, deriv []float64) float64

	// DistanceDX returns k(x, y) and stores ∂k/∂x, the derivative with respect
	// to the first argument, into deriv.
	DistanceDX(x, y, deriv []float64) float64

	Hyper([]float64) []float64
	SetHyper([]float64)
	NumHyper() int

	// Bounds on the hyperparameters.
	Bounds() []Bound
}

// Gram computes the kernel matrix K(x, x) between the rows of x, storing the
// result into dst. If dst is nil a new matrix is allocated.
func Gram(dst *mat.SymDense, k Kernel, x mat.Matrix) *mat.SymDense {
	m, p := x.Dims()
	if dst == nil {
		dst = mat.NewSymDense(m, nil)
	}
	if dst.SymmetricDim() != m {
		panic(badStorageDim)
	}
	xi := make([]float64, p)
	xj := make([]float64, p)
	for i := 0; i < m; i++ {
		mat.Row(xi, i, x)
		for j := i; j < m; j++ {
			mat.Row(xj, j, x)
			dst.SetSym(i, j, k.Distance(xi, xj))
		}
	}
	return dst
}

// Cross computes the kernel matrix K(x, y) between the rows of x and the rows
// of y, storing the result into dst. If dst is nil a new matrix is allocated.
func Cross(dst *mat.Dense, k Kernel, x, y mat.Matrix) *mat.Dense {
	m, p := x.Dims()
	n, p2 := y.Dims()
	if p != p2 {
		panic(badInputDim)
	}
	if dst == nil {
		dst = mat.NewDense(m, n, nil)
	}
	if r, c := dst.Dims(); r != m || c != n {
		panic(badStorageDim)
	}
	xi := make([]float64, p)
	yj := make([]float64, p)
	for j := 0; j < n; j++ {
		mat.Row(yj, j, y)
		for i := 0; i < m; i++ {
			mat.Row(xi, i, x)
			dst.Set(i, j, k.Distance(xi, yj))
		}
	}
	return dst
}

// Diag computes k(x_i, x_i) for every row of x, storing the result into dst.
// If dst is nil a new slice is allocated.
func Diag(dst []float64, k Kernel, x mat.Matrix) []float64 {
	m, p := x.Dims()
	if dst == nil {
		dst = make([]float64, m)
	}
	if len(dst) != m {
		panic(badStorageDim)
	}
	xi := make([]float64, p)
	for i := range dst {
		mat.Row(xi, i, x)
		dst[i] = k.Distance(xi, xi)
	}
	return dst
}

// GramGrad accumulates the derivatives of f through K = Gram(k, x) given the
// adjoint adj, with adj_ij = ∂f/∂K_ij. The hyperparameter derivatives are
// added into dHyper and, if dX is not nil, the derivatives with respect to
// the rows of x are added into dX.
func GramGrad(dHyper []float64, dX *mat.Dense, k Kernel, x mat.Matrix, adj mat.Symmetric) {
	m, p := x.Dims()
	if adj.SymmetricDim() != m {
		panic(badStorageDim)
	}
	if len(dHyper) != k.NumHyper() {
		panic(badHyper)
	}
	xi := make([]float64, p)
	xj := make([]float64, p)
	dh := make([]float64, k.NumHyper())
	dx := make([]float64, p)
	for i := 0; i < m; i++ {
		mat.Row(xi, i, x)
		for j := 0; j < m; j++ {
			a := adj.At(i, j)
			if a == 0 {
				continue
			}
			mat.Row(xj, j, x)
			k.DistanceDHyper(xi, xj, dh)
			for h, v := range dh {
				dHyper[h] += a * v
			}
			if dX == nil {
				continue
			}
			// K_ij and K_ji both move with x_i, and k is symmetric.
			k.DistanceDX(xi, xj, dx)
			row := dX.RawRowView(i)
			for d, v := range dx {
				row[d] += 2 * a * v
			}
		}
	}
}

// CrossGrad accumulates the derivatives of f through K = Cross(k, x, y) given
// the adjoint adj. Derivatives with respect to the rows of x (but not y) are
// added into dX when it is not nil.
func CrossGrad(dHyper []float64, dX *mat.Dense, k Kernel, x, y mat.Matrix, adj mat.Matrix) {
	m, p := x.Dims()
	n, _ := y.Dims()
	if r, c := adj.Dims(); r != m || c != n {
		panic(badStorageDim)
	}
	if len(dHyper) != k.NumHyper() {
		panic(badHyper)
	}
	xi := make([]float64, p)
	yj := make([]float64, p)
	dh := make([]float64, k.NumHyper())
	dx := make([]float64, p)
	for i := 0; i < m; i++ {
		mat.Row(xi, i, x)
		for j := 0; j < n; j++ {
			a := adj.At(i, j)
			if a == 0 {
				continue
			}
			mat.Row(yj, j, y)
			k.DistanceDHyper(xi, yj, dh)
			for h, v := range dh {
				dHyper[h] += a * v
			}
			if dX == nil {
				continue
			}
			k.DistanceDX(xi, yj, dx)
			row := dX.RawRowView(i)
			for d, v := range dx {
				row[d] += a * v
			}
		}
	}
}

// DiagGrad accumulates the hyperparameter derivatives of f through
// Diag(k, x) given the adjoint adj.
func DiagGrad(dHyper []float64, k Kernel, x mat.Matrix, adj []float64) {
	m, p := x.Dims()
	if len(adj) != m {
		panic(badStorageDim)
	}
	if len(dHyper) != k.NumHyper() {
		panic(badHyper)
	}
	xi := make([]float64, p)
	dh := make([]float64, k.NumHyper())
	for i, a := range adj {
		if a == 0 {
			continue
		}
		mat.Row(xi, i, x)
		k.DistanceDHyper(xi, xi, dh)
		for h, v := range dh {
			dHyper[h] += a * v
		}
	}
}

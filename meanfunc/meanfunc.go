// Package meanfunc implements prior mean functions for Gaussian process
// models. A mean function maps an N×D input matrix to an N×L matrix, one
// column per latent function.
package meanfunc

import (
	"gonum.org/v1/gonum/mat"
)

const (
	badParams  = "meanfunc: parameter length mismatch"
	badStorage = "meanfunc: bad storage dimension"
)

// MeanFunction is a prior mean m(X).
type MeanFunction interface {
	// Mean stores m(x) into dst, which must be N×L.
	Mean(dst *mat.Dense, x mat.Matrix)

	NumParams() int
	Params(dst []float64) []float64
	SetParams(p []float64)

	// ParamGrad stores Σ_nl adj_nl ∂m(x)_nl/∂p into dst.
	ParamGrad(dst []float64, x mat.Matrix, adj mat.Matrix)
}

// Zero is the zero mean function.
type Zero struct{}

func (Zero) Mean(dst *mat.Dense, x mat.Matrix) {
	dst.Zero()
}

func (Zero) NumParams() int { return 0 }

func (Zero) Params(dst []float64) []float64 {
	if dst == nil {
		return []float64{}
	}
	if len(dst) != 0 {
		panic(badParams)
	}
	return dst
}

func (Zero) SetParams(p []float64) {
	if len(p) != 0 {
		panic(badParams)
	}
}

func (Zero) ParamGrad(dst []float64, x, adj mat.Matrix) {
	if len(dst) != 0 {
		panic(badParams)
	}
}

// Constant is a constant mean, one value per latent function.
type Constant struct {
	C []float64
}

func (c *Constant) Mean(dst *mat.Dense, x mat.Matrix) {
	n, l := dst.Dims()
	if l != len(c.C) {
		panic(badStorage)
	}
	for i := 0; i < n; i++ {
		copy(dst.RawRowView(i), c.C)
	}
}

func (c *Constant) NumParams() int { return len(c.C) }

func (c *Constant) Params(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(c.C))
	}
	if len(dst) != len(c.C) {
		panic(badParams)
	}
	copy(dst, c.C)
	return dst
}

func (c *Constant) SetParams(p []float64) {
	if len(p) != len(c.C) {
		panic(badParams)
	}
	copy(c.C, p)
}

func (c *Constant) ParamGrad(dst []float64, x, adj mat.Matrix) {
	if len(dst) != len(c.C) {
		panic(badParams)
	}
	colSums(dst, adj)
}

// Linear is the affine mean m(X) = X A + 1 bᵀ with A a D×L matrix.
type Linear struct {
	A *mat.Dense
	B []float64
}

// NewLinear returns a zero-initialized linear mean for D inputs and L
// latent functions.
func NewLinear(d, l int) *Linear {
	return &Linear{
		A: mat.NewDense(d, l, nil),
		B: make([]float64, l),
	}
}

func (m *Linear) Mean(dst *mat.Dense, x mat.Matrix) {
	n, l := dst.Dims()
	if l != len(m.B) {
		panic(badStorage)
	}
	dst.Mul(x, m.A)
	for i := 0; i < n; i++ {
		row := dst.RawRowView(i)
		for j, b := range m.B {
			row[j] += b
		}
	}
}

func (m *Linear) NumParams() int {
	d, l := m.A.Dims()
	return d*l + l
}

// Params returns A in row-major order followed by b.
func (m *Linear) Params(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, m.NumParams())
	}
	if len(dst) != m.NumParams() {
		panic(badParams)
	}
	d, l := m.A.Dims()
	for i := 0; i < d; i++ {
		copy(dst[i*l:], m.A.RawRowView(i))
	}
	copy(dst[d*l:], m.B)
	return dst
}

func (m *Linear) SetParams(p []float64) {
	if len(p) != m.NumParams() {
		panic(badParams)
	}
	d, l := m.A.Dims()
	for i := 0; i < d; i++ {
		copy(m.A.RawRowView(i), p[i*l:(i+1)*l])
	}
	copy(m.B, p[d*l:])
}

// ParamGrad stores ∂/∂A = Xᵀ adj and ∂/∂b = 1ᵀ adj.
func (m *Linear) ParamGrad(dst []float64, x, adj mat.Matrix) {
	if len(dst) != m.NumParams() {
		panic(badParams)
	}
	d, l := m.A.Dims()
	da := mat.NewDense(d, l, dst[:d*l])
	da.Mul(x.T(), adj)
	colSums(dst[d*l:], adj)
}

func colSums(dst []float64, a mat.Matrix) {
	r, c := a.Dims()
	if len(dst) != c {
		panic(badStorage)
	}
	for j := range dst {
		dst[j] = 0
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst[j] += a.At(i, j)
		}
	}
}

package svgp

import (
	"gonum.org/v1/gonum/mat"
)

// Range is the half-open interval [Start, End) of a parameter block within
// the flattened parameter vector.
type Range struct {
	Start, End int
}

// Len returns the number of parameters in the block.
func (r Range) Len() int { return r.End - r.Start }

func (r Range) of(p []float64) []float64 { return p[r.Start:r.End] }

// Layout describes where each parameter block sits in the flattened
// parameter vector. Blocks appear in field order.
//
// Matrices are stored row-major. A diagonal variational scale is stored as
// its unconstrained free values; full variational factors are stored one
// latent function after another, each as its lower triangle row by row.
type Layout struct {
	Z          Range
	QMu        Range
	QSqrt      Range
	Kernel     Range
	Likelihood Range
	Mean       Range
}

// Layout returns the layout of the flattened parameter vector.
func (s *SVGP) Layout() Layout {
	var off int
	next := func(n int) Range {
		r := Range{Start: off, End: off + n}
		off += n
		return r
	}
	m, d := s.z.Dims()
	_, l := s.qMu.Dims()
	var lay Layout
	lay.Z = next(m * d)
	lay.QMu = next(m * l)
	if s.qFree != nil {
		lay.QSqrt = next(m * l)
	} else {
		lay.QSqrt = next(l * m * (m + 1) / 2)
	}
	lay.Kernel = next(s.kernel.NumHyper())
	lay.Likelihood = next(s.lik.NumHyper())
	lay.Mean = next(s.mean.NumParams())
	return lay
}

// NumParams returns the length of the flattened parameter vector.
func (s *SVGP) NumParams() int {
	return s.Layout().Mean.End
}

// Params stores the flattened parameters into dst and returns it. If dst is
// nil a new slice is allocated.
func (s *SVGP) Params(dst []float64) []float64 {
	lay := s.Layout()
	if dst == nil {
		dst = make([]float64, lay.Mean.End)
	}
	if len(dst) != lay.Mean.End {
		panic(badParamsLen)
	}
	flatten(lay.Z.of(dst), s.z)
	flatten(lay.QMu.of(dst), s.qMu)
	if s.qFree != nil {
		flatten(lay.QSqrt.of(dst), s.qFree)
	} else {
		flattenLower(lay.QSqrt.of(dst), s.qSqrt)
	}
	s.kernel.Hyper(lay.Kernel.of(dst))
	s.lik.Hyper(lay.Likelihood.of(dst))
	s.mean.Params(lay.Mean.of(dst))
	return dst
}

// SetParams sets the model parameters from the flattened vector p.
func (s *SVGP) SetParams(p []float64) {
	lay := s.Layout()
	if len(p) != lay.Mean.End {
		panic(badParamsLen)
	}
	unflatten(s.z, lay.Z.of(p))
	unflatten(s.qMu, lay.QMu.of(p))
	if s.qFree != nil {
		unflatten(s.qFree, lay.QSqrt.of(p))
	} else {
		src := lay.QSqrt.of(p)
		var k int
		for _, t := range s.qSqrt {
			n, _ := t.Triangle()
			for i := 0; i < n; i++ {
				for j := 0; j <= i; j++ {
					t.SetTri(i, j, src[k])
					k++
				}
			}
		}
	}
	s.kernel.SetHyper(lay.Kernel.of(p))
	s.lik.SetHyper(lay.Likelihood.of(p))
	s.mean.SetParams(lay.Mean.of(p))
}

func flatten(dst []float64, a mat.Matrix) {
	r, c := a.Dims()
	if len(dst) != r*c {
		panic(badParamsLen)
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst[i*c+j] = a.At(i, j)
		}
	}
}

func unflatten(a *mat.Dense, src []float64) {
	r, c := a.Dims()
	if len(src) != r*c {
		panic(badParamsLen)
	}
	for i := 0; i < r; i++ {
		copy(a.RawRowView(i), src[i*c:(i+1)*c])
	}
}

// flattenLower stores the lower triangles of the square matrices in ms into
// dst, one matrix after another.
func flattenLower[T mat.Matrix](dst []float64, ms []T) {
	var k int
	for _, a := range ms {
		n, _ := a.Dims()
		for i := 0; i < n; i++ {
			for j := 0; j <= i; j++ {
				dst[k] = a.At(i, j)
				k++
			}
		}
	}
	if k != len(dst) {
		panic(badParamsLen)
	}
}

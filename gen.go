package svgp

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// MeanStdMat returns the mean and standard deviations of the columns of the
// data matrix. If all of the elements of the column have the same value, a
// standard deviation of 1 is returned. If x == nil, MeanStdMat panics.
func MeanStdMat(x mat.Matrix) (mean, std []float64) {
	if x == nil {
		panic("svgp: nil input")
	}
	samp, dim := x.Dims()
	mean = make([]float64, dim)
	std = make([]float64, dim)
	col := make([]float64, samp)
	for j := 0; j < dim; j++ {
		mat.Col(col, j, x)
		m, s := stat.MeanStdDev(col, nil)
		mean[j] = m
		if s == 0 || samp < 2 {
			s = 1
		}
		std[j] = s
	}
	return mean, std
}

// ScaleMat stores (x - mean) / std column-wise into dst and returns it. If
// dst is nil a new matrix is allocated.
func ScaleMat(dst *mat.Dense, x mat.Matrix, mean, std []float64) *mat.Dense {
	checkScaling(x, mean, std)
	if dst == nil {
		dst = &mat.Dense{}
	}
	dst.Apply(func(_, j int, v float64) float64 {
		return (v - mean[j]) / std[j]
	}, x)
	return dst
}

// UnscaleMat stores x*std + mean column-wise into dst and returns it. If dst
// is nil a new matrix is allocated.
func UnscaleMat(dst *mat.Dense, x mat.Matrix, mean, std []float64) *mat.Dense {
	checkScaling(x, mean, std)
	if dst == nil {
		dst = &mat.Dense{}
	}
	dst.Apply(func(_, j int, v float64) float64 {
		return v*std[j] + mean[j]
	}, x)
	return dst
}

// UnscaleVar stores v*std² column-wise into dst and returns it, mapping
// variances of scaled data back to the original units. If dst is nil a new
// matrix is allocated.
func UnscaleVar(dst *mat.Dense, v mat.Matrix, std []float64) *mat.Dense {
	checkScaling(v, std, std)
	if dst == nil {
		dst = &mat.Dense{}
	}
	dst.Apply(func(_, j int, v float64) float64 {
		return v * std[j] * std[j]
	}, v)
	return dst
}

func checkScaling(x mat.Matrix, mean, std []float64) {
	_, c := x.Dims()
	if len(mean) != c || len(std) != c {
		panic("svgp: bad size")
	}
}

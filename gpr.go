package svgp

import (
	"errors"
	"math"

	"github.com/btracey/svgp/kernel"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	badInputLength  = "svgp: input length mismatch"
	badOutputLength = "svgp: output length mismatch"
	badInOut        = "svgp: inequal number of input and output samples"
	badStorage      = "svgp: bad storage length"
)

var ErrSingular = errors.New("svgp: kernel matrix singular or near singular")

// GPR is exact Gaussian process regression with a zero prior mean and
// Gaussian observation noise. It is the model a sparse GP with Gaussian
// likelihood approximates, and costs O(N³) in the number of observations.
type GPR struct {
	kernel kernel.Kernel
	noise  float64 // variance added to the diagonal of the kernel matrix

	inputDim int

	inputs  *mat.Dense
	outputs []float64

	k     *mat.SymDense // kernel matrix between inputs, with noise
	chol  *mat.Cholesky
	alpha *mat.VecDense // K⁻¹ y
}

// NewGPR returns an exact GP with the given input dimension, kernel and
// observation noise variance.
func NewGPR(inputDim int, ker kernel.Kernel, noise float64) *GPR {
	if inputDim <= 0 {
		panic("svgp: non-positive inputDim")
	}
	if ker == nil {
		panic("svgp: nil kernel")
	}
	if !(noise >= 0) {
		panic("svgp: negative noise") // also handles NaN.
	}
	return &GPR{
		kernel:   ker,
		noise:    noise,
		inputDim: inputDim,
		chol:     &mat.Cholesky{},
	}
}

// NumData returns the number of observations.
func (g *GPR) NumData() int { return len(g.outputs) }

// AddBatch adds a set of observations to the GP. This call refactors the
// kernel matrix, so it is more efficient to add samples as a batch. If the
// grown kernel matrix cannot be factorised, ErrSingular is returned and the
// GP is left unchanged.
func (g *GPR) AddBatch(x mat.Matrix, y []float64) error {
	rx, cx := x.Dims()
	if rx != len(y) {
		panic(badInOut)
	}
	if cx != g.inputDim {
		panic(badInputLength)
	}
	if rx == 0 {
		return nil
	}
	nSamples := len(g.outputs)
	n := rx + nSamples

	inputs := mat.NewDense(n, g.inputDim, nil)
	if nSamples > 0 {
		inputs.Slice(0, nSamples, 0, g.inputDim).(*mat.Dense).Copy(g.inputs)
	}
	inputs.Slice(nSamples, n, 0, g.inputDim).(*mat.Dense).Copy(x)
	outputs := make([]float64, 0, n)
	outputs = append(append(outputs, g.outputs...), y...)

	// Grow the kernel matrix, keeping the block between the old points.
	k := mat.NewSymDense(n, nil)
	for i := 0; i < nSamples; i++ {
		for j := i; j < nSamples; j++ {
			k.SetSym(i, j, g.k.At(i, j))
		}
	}
	for i := 0; i < n; i++ {
		for j := max(i, nSamples); j < n; j++ {
			v := g.kernel.Distance(inputs.RawRowView(i), inputs.RawRowView(j))
			if i == j {
				v += g.noise
			}
			k.SetSym(i, j, v)
		}
	}

	chol := &mat.Cholesky{}
	if ok := chol.Factorize(k); !ok {
		return ErrSingular
	}
	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, mat.NewVecDense(n, outputs)); err != nil {
		var c mat.Condition
		if !errors.As(err, &c) || math.IsInf(float64(c), 1) {
			return ErrSingular
		}
	}

	g.inputs = inputs
	g.outputs = outputs
	g.k = k
	g.chol = chol
	g.alpha = alpha
	return nil
}

// Mean returns the predictive mean at the location x,
//
//	k_*ᵀ K⁻¹ y .
func (g *GPR) Mean(x []float64) float64 {
	if len(x) != g.inputDim {
		panic(badInputLength)
	}
	covariance := make([]float64, len(g.outputs))
	for i := range covariance {
		covariance[i] = g.kernel.Distance(x, g.inputs.RawRowView(i))
	}
	return floats.Dot(g.alpha.RawVector().Data, covariance)
}

// MeanBatch predicts the mean at the rows of x, storing in-place into yPred.
// If yPred is nil new memory is allocated.
func (g *GPR) MeanBatch(yPred []float64, x mat.Matrix) []float64 {
	rx, cx := x.Dims()
	if cx != g.inputDim {
		panic(badInputLength)
	}
	if yPred == nil {
		yPred = make([]float64, rx)
	}
	if len(yPred) != rx {
		panic(badOutputLength)
	}
	kStar := g.formKStar(x)
	mat.NewVecDense(rx, yPred).MulVec(kStar.T(), g.alpha)
	return yPred
}

// VarianceBatch predicts the variance of the latent function at the rows of
// x, storing in-place into v. If v is nil new memory is allocated. The
// observation noise is not included.
func (g *GPR) VarianceBatch(v []float64, x mat.Matrix) []float64 {
	r, c := x.Dims()
	if c != g.inputDim {
		panic(badInputLength)
	}
	if v == nil {
		v = make([]float64, r)
	}
	if len(v) != r {
		panic(badStorage)
	}
	// Only the diagonal of
	//  K(x_*, x_*) - k_*ᵀ K⁻¹ k_*
	// is needed, so compute it one column at a time.
	kStar := g.formKStar(x)
	var tmp mat.Dense
	if err := g.chol.SolveTo(&tmp, kStar); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			panic(err)
		}
	}
	row := make([]float64, c)
	for i := range v {
		mat.Row(row, i, x)
		v[i] = g.kernel.Distance(row, row) - mat.Dot(kStar.ColView(i), tmp.ColView(i))
	}
	return v
}

// Cov returns the joint covariance of the latent function at the rows of x.
func (g *GPR) Cov(x mat.Matrix) *mat.SymDense {
	nSamp, nDim := x.Dims()
	if nDim != g.inputDim {
		panic(badInputLength)
	}
	// K(x_*, x_*) - K(x_*, x) K(x, x)⁻¹ K(x, x_*)
	kStar := g.formKStar(x)
	var tmp, tmp2 mat.Dense
	if err := g.chol.SolveTo(&tmp, kStar); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			panic(err)
		}
	}
	tmp2.Mul(kStar.T(), &tmp)

	cov := kernel.Gram(nil, g.kernel, x)
	for i := 0; i < nSamp; i++ {
		for j := i; j < nSamp; j++ {
			cov.SetSym(i, j, cov.At(i, j)-tmp2.At(i, j))
		}
	}
	return cov
}

// LogLikelihood returns the log marginal likelihood of the observations,
//
//	-½ yᵀ K⁻¹ y - ½ log |K| - n/2 log 2π .
func (g *GPR) LogLikelihood() float64 {
	n := len(g.outputs)
	y := mat.NewVecDense(n, g.outputs)
	return -0.5*mat.Dot(y, g.alpha) - 0.5*g.chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi)
}

// formKStar forms the covariance matrix between the inputs and new points.
func (g *GPR) formKStar(x mat.Matrix) *mat.Dense {
	return kernel.Cross(nil, g.kernel, g.inputs, x)
}

// Package train fits the parameters of a sparse variational GP by maximising
// its evidence lower bound with a quasi-Newton method.
package train

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/btracey/svgp"
	"github.com/btracey/svgp/kernel"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// barrierPow is the power of the penalty applied outside the kernel bounds.
const barrierPow = 4

// Settings control the optimisation.
type Settings struct {
	// Iterations is the maximum number of major iterations. Zero means no
	// limit.
	Iterations int `yaml:"iterations"`

	// GradientThreshold stops the optimisation once the infinity norm of the
	// gradient of the per-observation objective drops below it.
	GradientThreshold float64 `yaml:"gradient_threshold"`

	// Priors turn the fit into a maximum a posteriori estimate of the
	// hyperparameters.
	Priors Priors `yaml:"-"`

	// Logger receives a record at each major iteration.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultSettings returns the default optimisation settings.
func DefaultSettings() Settings {
	return Settings{
		Iterations:        500,
		GradientThreshold: 1e-5,
	}
}

// Result summarises a finished optimisation.
type Result struct {
	ELBO       float64
	LogPrior   float64
	Iterations int
	Status     optimize.Status
}

// Minimize minimises -(ELBO + log prior)/N over the flattened parameters of
// m, with a quartic penalty on kernel hyperparameters outside their bounds,
// and leaves m at the best parameters found.
func Minimize(m *svgp.SVGP, settings Settings) (*Result, error) {
	logger := settings.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := settings.Priors.check(m); err != nil {
		return nil, err
	}
	obj := newObjective(m, settings.Priors)
	x0 := m.Params(nil)

	problem := optimize.Problem{
		Func: obj.F,
		Grad: obj.Grad,
	}
	opt := &optimize.Settings{
		GradientThreshold: settings.GradientThreshold,
		MajorIterations:   settings.Iterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-10,
			Iterations: 50,
		},
		Recorder: &recorder{logger: logger, n: obj.n},
	}
	result, err := optimize.Minimize(problem, x0, opt, &optimize.LBFGS{})
	if result == nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	m.SetParams(result.X)
	elbo, evalErr := m.ELBO()
	if evalErr != nil {
		return nil, fmt.Errorf("train: final parameters: %w", evalErr)
	}
	res := &Result{
		ELBO:       elbo,
		LogPrior:   settings.Priors.logProb(make([]float64, len(result.X)), result.X, m.Layout()),
		Iterations: result.MajorIterations,
		Status:     result.Status,
	}
	logger.Info("optimisation finished", "status", result.Status, "iterations", result.MajorIterations, "elbo", elbo)
	if err != nil {
		return res, fmt.Errorf("train: %w", err)
	}
	return res, nil
}

// objective is -(ELBO + log prior)/N plus the kernel barrier. The last evaluation is
// cached since the optimiser asks for the value and gradient separately.
type objective struct {
	model  *svgp.SVGP
	priors Priors
	layout svgp.Layout
	bounds []kernel.Bound
	n      float64

	lastX []float64
	f     float64
	grad  []float64
	valid bool
	err   error
}

func newObjective(m *svgp.SVGP, priors Priors) *objective {
	np := m.NumParams()
	return &objective{
		model:  m,
		priors: priors,
		layout: m.Layout(),
		bounds: m.Kernel().Bounds(),
		n:      float64(m.NumData()),
		lastX:  make([]float64, np),
		grad:   make([]float64, np),
	}
}

func (o *objective) eval(x []float64) {
	if o.valid && floats.Equal(o.lastX, x) {
		return
	}
	copy(o.lastX, x)
	o.valid = true
	o.model.SetParams(x)
	elbo, err := o.model.ELBOGrad(o.grad)
	if err != nil {
		// Steer the line search away from parameters the model cannot
		// evaluate.
		o.err = err
		o.f = math.Inf(1)
		for i := range o.grad {
			o.grad[i] = 0
		}
		return
	}
	o.err = nil
	lp := o.priors.logProb(o.grad, x, o.layout)
	floats.Scale(-1/o.n, o.grad)
	k := o.layout.Kernel
	o.f = -(elbo+lp)/o.n + barrier(o.grad[k.Start:k.End], x[k.Start:k.End], o.bounds)
}

func (o *objective) F(x []float64) float64 {
	o.eval(x)
	return o.f
}

func (o *objective) Grad(grad, x []float64) {
	o.eval(x)
	copy(grad, o.grad)
}

// barrier returns the penalty for hyperparameters outside their bounds and
// adds its derivative into grad.
func barrier(grad, x []float64, bounds []kernel.Bound) float64 {
	if len(x) != len(bounds) || len(grad) != len(x) {
		panic("train: bounds length mismatch")
	}
	var b float64
	for i, v := range x {
		if v < bounds[i].Min {
			diff := bounds[i].Min - v
			b += math.Pow(diff, barrierPow)
			grad[i] -= barrierPow * math.Pow(diff, barrierPow-1)
		}
		if v > bounds[i].Max {
			diff := v - bounds[i].Max
			b += math.Pow(diff, barrierPow)
			grad[i] += barrierPow * math.Pow(diff, barrierPow-1)
		}
	}
	return b
}

// recorder logs the optimiser's progress at each major iteration.
type recorder struct {
	logger *slog.Logger
	n      float64
	iter   int
}

func (r *recorder) Init() error {
	r.iter = 0
	return nil
}

func (r *recorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op != optimize.MajorIteration {
		return nil
	}
	r.iter++
	if math.IsInf(loc.F, 1) {
		return errors.New("train: no evaluable parameters")
	}
	r.logger.Debug("major iteration", "iter", r.iter, "elbo", -loc.F*r.n, "grad_norm", floats.Norm(loc.Gradient, math.Inf(1)))
	return nil
}

package train

import (
	"fmt"
	"math"

	"github.com/btracey/svgp"
	"gonum.org/v1/gonum/stat/distuv"
)

// Prior is a log density over a single parameter with its derivative.
type Prior interface {
	LogProb(x float64) float64
	DLogProb(x float64) float64
}

var (
	_ Prior = Gamma{}
	_ Prior = Normal{}
	_ Prior = Log{}
)

// Gamma is a gamma prior on a positive parameter.
type Gamma struct {
	distuv.Gamma
}

// NewGamma returns a gamma prior with shape alpha and rate beta.
func NewGamma(alpha, beta float64) Gamma {
	return Gamma{distuv.Gamma{Alpha: alpha, Beta: beta}}
}

func (g Gamma) DLogProb(x float64) float64 {
	if x < 0 {
		return 0
	}
	return (g.Alpha-1)/x - g.Beta
}

// Normal is a Gaussian prior.
type Normal struct {
	distuv.Normal
}

// NewNormal returns a Gaussian prior with mean mu and variance v.
func NewNormal(mu, v float64) Normal {
	return Normal{distuv.Normal{Mu: mu, Sigma: math.Sqrt(v)}}
}

func (n Normal) DLogProb(x float64) float64 {
	return -(x - n.Mu) / (n.Sigma * n.Sigma)
}

// Log places Prior on eˣ for a parameter x stored as a logarithm, as kernel
// and likelihood hyperparameters are. The log Jacobian x is included, so
//
//	log p(x) = log Prior(eˣ) + x .
type Log struct {
	Prior Prior
}

func (l Log) LogProb(x float64) float64 {
	return l.Prior.LogProb(math.Exp(x)) + x
}

func (l Log) DLogProb(x float64) float64 {
	e := math.Exp(x)
	return l.Prior.DLogProb(e)*e + 1
}

// Priors assigns priors to the hyperparameters of a model. A nil slice, or
// a nil entry, leaves the corresponding parameters without a prior.
type Priors struct {
	Kernel     []Prior // one per kernel hyperparameter
	Likelihood []Prior // one per likelihood hyperparameter
	Mean       Prior   // shared by every mean function parameter
}

// LogGammas returns n gamma(alpha, beta) priors on log-stored parameters.
func LogGammas(n int, alpha, beta float64) []Prior {
	p := make([]Prior, n)
	for i := range p {
		p[i] = Log{NewGamma(alpha, beta)}
	}
	return p
}

func (p Priors) check(m *svgp.SVGP) error {
	if p.Kernel != nil && len(p.Kernel) != m.Kernel().NumHyper() {
		return fmt.Errorf("train: %d kernel priors for %d hyperparameters", len(p.Kernel), m.Kernel().NumHyper())
	}
	if p.Likelihood != nil && len(p.Likelihood) != m.Likelihood().NumHyper() {
		return fmt.Errorf("train: %d likelihood priors for %d hyperparameters", len(p.Likelihood), m.Likelihood().NumHyper())
	}
	return nil
}

// logProb returns the log prior density of the flattened parameters x and
// adds its derivative into grad.
func (p Priors) logProb(grad, x []float64, lay svgp.Layout) float64 {
	var lp float64
	add := func(r svgp.Range, prior func(i int) Prior) {
		for i := r.Start; i < r.End; i++ {
			pr := prior(i - r.Start)
			if pr == nil {
				continue
			}
			lp += pr.LogProb(x[i])
			grad[i] += pr.DLogProb(x[i])
		}
	}
	if p.Kernel != nil {
		add(lay.Kernel, func(i int) Prior { return p.Kernel[i] })
	}
	if p.Likelihood != nil {
		add(lay.Likelihood, func(i int) Prior { return p.Likelihood[i] })
	}
	if p.Mean != nil {
		add(lay.Mean, func(int) Prior { return p.Mean })
	}
	return lp
}

package main

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/btracey/svgp"
	"github.com/btracey/svgp/kernel"
	"github.com/btracey/svgp/likelihood"
	"github.com/btracey/svgp/meanfunc"
	"github.com/btracey/svgp/train"
	"gopkg.in/yaml.v3"
)

// fitConfig is the YAML description of a model and how to fit it.
type fitConfig struct {
	svgp.Config `yaml:",inline"`

	Kernel     string         `yaml:"kernel"`
	Variance   float64        `yaml:"variance"`
	Length     float64        `yaml:"length"`
	Likelihood string         `yaml:"likelihood"`
	Noise      float64        `yaml:"noise"`
	Nu         float64        `yaml:"nu"`
	Quadrature int            `yaml:"quadrature"`
	Mean       string         `yaml:"mean"`
	Inducing   int            `yaml:"inducing"`
	Outputs    int            `yaml:"outputs"`
	Normalize  bool           `yaml:"normalize"`
	Seed       uint64         `yaml:"seed"`
	Priors     bool           `yaml:"priors"`
	Train      train.Settings `yaml:"train"`
}

func defaultFitConfig() fitConfig {
	return fitConfig{
		Config:     svgp.DefaultConfig(),
		Kernel:     "sqexp",
		Variance:   1,
		Length:     1,
		Likelihood: "gaussian",
		Noise:      0.1,
		Nu:         4,
		Quadrature: likelihood.DefaultQuadrature,
		Mean:       "zero",
		Inducing:   20,
		Outputs:    1,
		Normalize:  true,
		Seed:       1,
		Train:      train.DefaultSettings(),
	}
}

func readFitConfig(r io.Reader) (fitConfig, error) {
	cfg := defaultFitConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return fitConfig{}, fmt.Errorf("read config: %w", err)
	}
	if cfg.Inducing <= 0 {
		return fitConfig{}, fmt.Errorf("non-positive number of inducing points %d", cfg.Inducing)
	}
	if cfg.Outputs <= 0 {
		return fitConfig{}, fmt.Errorf("non-positive number of outputs %d", cfg.Outputs)
	}
	if !(cfg.Variance > 0) || !(cfg.Length > 0) {
		return fitConfig{}, errors.New("kernel variance and length must be positive")
	}
	return cfg, nil
}

func (c fitConfig) kernel() (kernel.Kernel, error) {
	lv, ll := math.Log(c.Variance), math.Log(c.Length)
	switch c.Kernel {
	case "sqexp":
		return &kernel.SqExpIso{LogVariance: lv, LogLength: ll}, nil
	case "matern52":
		return &kernel.Matern52{LogVariance: lv, LogLength: ll}, nil
	}
	return nil, fmt.Errorf("unknown kernel %q", c.Kernel)
}

func (c fitConfig) likelihood() (likelihood.Likelihood, error) {
	switch c.Likelihood {
	case "gaussian":
		if !(c.Noise > 0) {
			return nil, fmt.Errorf("non-positive noise %v", c.Noise)
		}
		return likelihood.NewGaussian(c.Noise), nil
	case "bernoulli":
		return likelihood.NewBernoulli(c.Quadrature), nil
	case "poisson":
		return likelihood.Poisson{}, nil
	case "studentst":
		if !(c.Noise > 0) || !(c.Nu > 0) {
			return nil, errors.New("studentst needs positive noise and nu")
		}
		return likelihood.NewStudentsT(c.Nu, math.Sqrt(c.Noise), c.Quadrature), nil
	}
	return nil, fmt.Errorf("unknown likelihood %q", c.Likelihood)
}

func (c fitConfig) meanFunction(dim int) (meanfunc.MeanFunction, error) {
	switch c.Mean {
	case "zero":
		return meanfunc.Zero{}, nil
	case "constant":
		return &meanfunc.Constant{C: make([]float64, c.Outputs)}, nil
	case "linear":
		return meanfunc.NewLinear(dim, c.Outputs), nil
	}
	return nil, fmt.Errorf("unknown mean function %q", c.Mean)
}

// priors returns Gamma(1, 1) priors on the positive hyperparameters and a
// N(0, 10) prior on the mean function parameters.
func (c fitConfig) priors(ker kernel.Kernel, lik likelihood.Likelihood) train.Priors {
	return train.Priors{
		Kernel:     train.LogGammas(ker.NumHyper(), 1, 1),
		Likelihood: train.LogGammas(lik.NumHyper(), 1, 1),
		Mean:       train.NewNormal(0, 10),
	}
}

// scaleTargets reports whether the targets are standardised before fitting.
// Labels and counts keep their units.
func (c fitConfig) scaleTargets() bool {
	return c.Normalize && (c.Likelihood == "gaussian" || c.Likelihood == "studentst")
}

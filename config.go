package svgp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/btracey/svgp/transform"
	"gopkg.in/yaml.v3"
)

var (
	ErrShape               = errors.New("svgp: dimension mismatch")
	ErrNotPositiveDefinite = errors.New("svgp: inducing kernel matrix not positive definite")
	ErrNegativeVariance    = errors.New("svgp: negative predictive variance")
	ErrDegenerateScale     = errors.New("svgp: variational covariance factor has a zero diagonal")
	ErrNoPredictor         = errors.New("svgp: likelihood cannot predict observations")
)

// degenerateScale is the magnitude below which a diagonal entry of a full
// variational factor is treated as zero.
const degenerateScale = 1e-12

// Config holds the construction-time settings of an SVGP. Start from
// DefaultConfig: the zero Config has no jitter and a zero variance
// tolerance. New fills in only an unset Transform and Logger.
type Config struct {
	// Whiten selects the whitened parameterisation u = Lk v with
	// v ~ N(qMu, S) and prior N(0, I).
	Whiten bool `yaml:"whiten"`

	// QDiag restricts the variational covariance to be diagonal.
	QDiag bool `yaml:"q_diag"`

	// Jitter is added to the diagonal of K(Z, Z) before factorisation. Zero
	// factorises K(Z, Z) as is.
	Jitter float64 `yaml:"jitter"`

	// NumLatent is the number of latent functions. Zero means the number of
	// columns of Y.
	NumLatent int `yaml:"num_latent"`

	// VarianceTolerance is how far below zero a predictive variance may be
	// before it is reported as an error instead of clipped to zero.
	VarianceTolerance float64 `yaml:"variance_tolerance"`

	// Transform maps the free diagonal scale parameters to positive values.
	Transform transform.Transform `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the default configuration: whitened, full
// covariance, jitter 1e-6.
func DefaultConfig() Config {
	return Config{
		Whiten:            true,
		QDiag:             false,
		Jitter:            1e-6,
		VarianceTolerance: 1e-6,
		Transform:         transform.Positive,
	}
}

// ReadConfig decodes a YAML configuration on top of DefaultConfig. Unknown
// keys are an error.
func ReadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("svgp: read config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if !(c.Jitter >= 0) {
		return fmt.Errorf("svgp: negative jitter %v", c.Jitter)
	}
	if !(c.VarianceTolerance >= 0) {
		return fmt.Errorf("svgp: negative variance tolerance %v", c.VarianceTolerance)
	}
	if c.NumLatent < 0 {
		return fmt.Errorf("svgp: negative number of latent functions %d", c.NumLatent)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Transform == nil {
		c.Transform = transform.Positive
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

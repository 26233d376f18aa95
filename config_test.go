package svgp

import (
	"strings"
	"testing"

	"github.com/btracey/svgp/kernel"
	"github.com/btracey/svgp/likelihood"
	"github.com/btracey/svgp/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestReadConfig(t *testing.T) {
	cfg, err := ReadConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = ReadConfig(strings.NewReader(`
whiten: false
q_diag: true
jitter: 1.0e-4
num_latent: 2
`))
	require.NoError(t, err)
	assert.False(t, cfg.Whiten)
	assert.True(t, cfg.QDiag)
	assert.Equal(t, 1e-4, cfg.Jitter)
	assert.Equal(t, 2, cfg.NumLatent)
	assert.Equal(t, 1e-6, cfg.VarianceTolerance)
	assert.Equal(t, transform.Positive, cfg.Transform)

	_, err = ReadConfig(strings.NewReader("whitten: true\n"))
	assert.Error(t, err)
	_, err = ReadConfig(strings.NewReader("jitter: -1\n"))
	assert.Error(t, err)
	_, err = ReadConfig(strings.NewReader("num_latent: -1\n"))
	assert.Error(t, err)
}

func TestZeroConfigJitter(t *testing.T) {
	// Only DefaultConfig carries the default jitter; a literal Config
	// factorises K(Z, Z) as is.
	x := mat.NewDense(3, 1, []float64{0, 1, 2})
	y := mat.NewDense(3, 1, []float64{0, 1, 0})
	z := mat.NewDense(2, 1, []float64{0.5, 0.5})
	ker := &kernel.SqExpIso{}

	s, err := New(x, y, z, ker, likelihood.NewGaussian(0.1), nil, Config{Whiten: true})
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Config().Jitter)
	assert.Equal(t, transform.Positive, s.Config().Transform)
	assert.NotNil(t, s.Config().Logger)
	_, err = s.ELBO()
	assert.ErrorIs(t, err, ErrNotPositiveDefinite)

	s, err = New(x, y, z, ker, likelihood.NewGaussian(0.1), nil, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 1e-6, s.Config().Jitter)
	_, err = s.ELBO()
	assert.NoError(t, err)
}

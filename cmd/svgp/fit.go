package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"

	"github.com/btracey/svgp"
	"github.com/btracey/svgp/train"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"
)

var (
	fitConfigPath string
	fitTrainPath  string
	fitTestPath   string
	fitVerbose    bool
)

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Fit a model to training data and predict at test inputs",
	Long: `Fit a sparse variational GP to a CSV of training data and write the
predictive mean and variance of the observations at each test input as CSV.

The last "outputs" columns of the training file are targets and the rest are
inputs. The test file holds inputs only.

Examples:
  svgp fit --train train.csv --test test.csv
  svgp fit --config model.yaml --train train.csv --test test.csv -v`,
	RunE: runFit,
}

func init() {
	rootCmd.AddCommand(fitCmd)

	fitCmd.Flags().StringVarP(&fitConfigPath, "config", "c", "", "YAML model configuration")
	fitCmd.Flags().StringVar(&fitTrainPath, "train", "", "CSV of training inputs and targets")
	fitCmd.Flags().StringVar(&fitTestPath, "test", "", "CSV of test inputs")
	fitCmd.Flags().BoolVarP(&fitVerbose, "verbose", "v", false, "Log optimisation progress")
	_ = fitCmd.MarkFlagRequired("train")
	_ = fitCmd.MarkFlagRequired("test")
}

func runFit(cmd *cobra.Command, _ []string) error {
	level := slog.LevelWarn
	if fitVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	cfg := defaultFitConfig()
	if fitConfigPath != "" {
		f, err := os.Open(fitConfigPath)
		if err != nil {
			return err
		}
		cfg, err = readFitConfig(f)
		f.Close()
		if err != nil {
			return err
		}
	}
	cfg.Logger = logger
	cfg.Train.Logger = logger

	data, err := readCSVFile(fitTrainPath)
	if err != nil {
		return err
	}
	test, err := readCSVFile(fitTestPath)
	if err != nil {
		return err
	}
	pred, err := fit(cfg, data, test)
	if err != nil {
		return err
	}
	return writeCSV(cmd.OutOrStdout(), pred)
}

// fit trains a model on data, whose last cfg.Outputs columns are targets, and
// returns the predictive means followed by the predictive variances at the
// rows of test.
func fit(cfg fitConfig, data, test *mat.Dense) (*mat.Dense, error) {
	n, c := data.Dims()
	dim := c - cfg.Outputs
	if dim <= 0 {
		return nil, fmt.Errorf("training data has %d columns, need more than %d", c, cfg.Outputs)
	}
	if _, tc := test.Dims(); tc != dim {
		return nil, fmt.Errorf("test data has %d columns, want %d", tc, dim)
	}
	x := mat.DenseCopyOf(data.Slice(0, n, 0, dim))
	y := mat.DenseCopyOf(data.Slice(0, n, dim, c))
	xTest := mat.DenseCopyOf(test)

	var yMean, yStd []float64
	if cfg.Normalize {
		mean, std := svgp.MeanStdMat(x)
		svgp.ScaleMat(x, x, mean, std)
		svgp.ScaleMat(xTest, xTest, mean, std)
	}
	if cfg.scaleTargets() {
		yMean, yStd = svgp.MeanStdMat(y)
		svgp.ScaleMat(y, y, yMean, yStd)
	}

	ker, err := cfg.kernel()
	if err != nil {
		return nil, err
	}
	lik, err := cfg.likelihood()
	if err != nil {
		return nil, err
	}
	mf, err := cfg.meanFunction(dim)
	if err != nil {
		return nil, err
	}
	z := inducingInputs(x, cfg.Inducing, cfg.Seed)
	model, err := svgp.New(x, y, z, ker, lik, mf, cfg.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Priors {
		cfg.Train.Priors = cfg.priors(ker, lik)
	}
	res, err := train.Minimize(model, cfg.Train)
	if err != nil {
		if res == nil {
			return nil, err
		}
		model.Config().Logger.Warn("optimisation did not converge", "err", err)
	}

	mean, variance, err := model.PredictY(xTest)
	if err != nil {
		return nil, err
	}
	if yStd != nil {
		svgp.UnscaleMat(mean, mean, yMean, yStd)
		svgp.UnscaleVar(variance, variance, yStd)
	}
	out := &mat.Dense{}
	out.Augment(mean, variance)
	return out, nil
}

// inducingInputs returns m distinct rows of x chosen at random, or all of x
// if it has no more than m rows.
func inducingInputs(x *mat.Dense, m int, seed uint64) *mat.Dense {
	n, d := x.Dims()
	if m >= n {
		return mat.DenseCopyOf(x)
	}
	rnd := rand.New(rand.NewPCG(seed, seed))
	perm := rnd.Perm(n)
	z := mat.NewDense(m, d, nil)
	for i := 0; i < m; i++ {
		z.SetRow(i, x.RawRowView(perm[i]))
	}
	return z
}

func readCSVFile(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := readCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// readCSV parses a headerless CSV of numbers into a matrix.
func readCSV(r io.Reader) (*mat.Dense, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || len(records[0]) == 0 {
		return nil, errors.New("no data")
	}
	rows, cols := len(records), len(records[0])
	data := make([]float64, 0, rows*cols)
	for i, rec := range records {
		for j, s := range rec {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", i+1, j+1, err)
			}
			data = append(data, v)
		}
	}
	return mat.NewDense(rows, cols, data), nil
}

func writeCSV(w io.Writer, m mat.Matrix) error {
	r, c := m.Dims()
	cw := csv.NewWriter(w)
	rec := make([]string, c)
	for i := 0; i < r; i++ {
		for j := range rec {
			rec[j] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

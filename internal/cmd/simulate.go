package cmd

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"dtifit/pkg/dti"
	"dtifit/pkg/gradients"
	"dtifit/pkg/signals"
	"dtifit/pkg/sphere"
)

// simulateOptions holds the simulate command flags.
type simulateOptions struct {
	outputDir  string
	directions int
	b0Volumes  int
	bvalue     float64
	width      int
	height     int
	depth      int
	evals      []float64
	s0         float64
	sigma      float64
	seed       int64
}

func (a *app) newSimulateCmd() *cobra.Command {
	opts := simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate a synthetic gradient table and signal grid",
		Long: `Generate a gradient table on a Fibonacci hemisphere and the signals of a
voxel grid whose tensors rotate about z from voxel to voxel.

Writes grad.bvec, grad.bval and signals.txt into the output directory.`,
		Example: `  dtifit simulate -o phantom --width 8 --height 8 --depth 2 --sigma 15
  dtifit fit --bvec phantom/grad.bvec --signals phantom/signals.txt -o phantom/fit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := simulate(opts, a.log)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", f)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.outputDir, "output", "o", "phantom", "output directory")
	flags.IntVar(&opts.directions, "directions", 30, "number of diffusion-weighted directions")
	flags.IntVar(&opts.b0Volumes, "b0", 1, "number of unweighted volumes")
	flags.Float64Var(&opts.bvalue, "bvalue", 1000, "b-value of the weighted volumes in s/mm^2")
	flags.IntVar(&opts.width, "width", 4, "grid width in voxels")
	flags.IntVar(&opts.height, "height", 4, "grid height in voxels")
	flags.IntVar(&opts.depth, "depth", 1, "grid depth in voxels")
	flags.Float64SliceVar(&opts.evals, "evals", []float64{1.7e-3, 0.3e-3, 0.3e-3}, "tensor eigenvalues in mm^2/s")
	flags.Float64Var(&opts.s0, "s0", 1000, "unweighted signal")
	flags.Float64Var(&opts.sigma, "sigma", 0, "Rician noise standard deviation")
	flags.Int64Var(&opts.seed, "seed", 1, "random seed for the noise")
	return cmd
}

// simulate writes the phantom and returns the written paths.
func simulate(opts simulateOptions, log *logrus.Logger) ([]string, error) {
	if opts.directions < 6 {
		return nil, fmt.Errorf("need at least 6 directions, got %d", opts.directions)
	}
	if opts.width < 1 || opts.height < 1 || opts.depth < 1 {
		return nil, fmt.Errorf("invalid grid %dx%dx%d", opts.width, opts.height, opts.depth)
	}
	if len(opts.evals) != 3 {
		return nil, fmt.Errorf("need 3 eigenvalues, got %d", len(opts.evals))
	}

	dirs := make([][3]float64, 0, opts.b0Volumes+opts.directions)
	bvals := make([]float64, 0, cap(dirs))
	for i := 0; i < opts.b0Volumes; i++ {
		dirs = append(dirs, [3]float64{})
		bvals = append(bvals, 0)
	}
	for _, g := range sphere.Fibonacci(opts.directions, true) {
		dirs = append(dirs, g)
		bvals = append(bvals, opts.bvalue)
	}
	table, err := gradients.New(dirs, bvals, gradients.DefaultTolerance)
	if err != nil {
		return nil, err
	}

	n := opts.width * opts.height * opts.depth
	coeffs := make([][]float64, n)
	for i := range coeffs {
		angle := float64(i) * math.Pi / float64(n)
		c, s := math.Cos(angle), math.Sin(angle)
		evecs := mat.NewDense(3, 3, []float64{
			c, -s, 0,
			s, c, 0,
			0, 0, 1,
		})
		tensor, err := dti.NewTensor(opts.evals, evecs)
		if err != nil {
			return nil, err
		}
		d := tensor.Coefficients()
		coeffs[i] = append(d[:], math.Log(opts.s0))
	}

	voxels, err := signals.Simulate(table, coeffs, opts.sigma, rand.NewSource(uint64(opts.seed)))
	if err != nil {
		return nil, err
	}

	base := filepath.Join(opts.outputDir, "grad")
	if err := gradients.WriteBvecFile(base, table); err != nil {
		return nil, err
	}
	sigPath := filepath.Join(opts.outputDir, "signals.txt")
	err = signals.WriteFile(sigPath, &signals.Table{
		Width:  opts.width,
		Height: opts.height,
		Depth:  opts.depth,
		Voxels: voxels,
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"volumes": table.Len(),
		"voxels":  n,
		"sigma":   opts.sigma,
	}).Info("simulated phantom")

	bvecPath, bvalPath := gradients.BvecBvalPaths(base)
	return []string{bvecPath, bvalPath, sigPath}, nil
}

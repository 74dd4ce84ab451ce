package pipeline

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dtifit/internal/models"
	"dtifit/pkg/config"
	"dtifit/pkg/dti"
	"dtifit/pkg/gradients"
	"dtifit/pkg/signals"
	"dtifit/pkg/sphere"
)

// prolate is a tensor elongated along x with S0 = 1000.
var prolate = []float64{1.7e-3, 0.3e-3, 0.3e-3, 0, 0, 0, math.Log(1000)}

// writeInputs creates a gradient table and a 3x2x2 signal grid whose first
// voxel is background. It returns the bvec path and the signal path.
func writeInputs(t *testing.T, dir string) (string, string) {
	t.Helper()

	dirs := [][3]float64{{0, 0, 0}}
	bvals := []float64{0}
	for _, g := range sphere.Fibonacci(30, true) {
		dirs = append(dirs, g)
		bvals = append(bvals, 1000)
	}
	table, err := gradients.New(dirs, bvals, gradients.DefaultTolerance)
	require.NoError(t, err)

	bvecPath := filepath.Join(dir, "in", "grad.bvec")
	require.NoError(t, gradients.WriteBvecFile(bvecPath, table))

	coeffs := make([][]float64, 12)
	for i := range coeffs {
		coeffs[i] = prolate
	}
	coeffs[0] = []float64{1e-3, 1e-3, 1e-3, 0, 0, 0, math.Log(5)}

	sig, err := signals.Simulate(table, coeffs, 0, nil)
	require.NoError(t, err)

	sigPath := filepath.Join(dir, "in", "signals.txt")
	require.NoError(t, signals.WriteFile(sigPath, &signals.Table{
		Width: 3, Height: 2, Depth: 2, Voxels: sig,
	}))
	return bvecPath, sigPath
}

func testParams(t *testing.T) *Params {
	t.Helper()
	dir := t.TempDir()
	bvecPath, sigPath := writeInputs(t, dir)
	return &Params{
		BvecPath:      bvecPath,
		SignalsPath:   sigPath,
		OutputDir:     filepath.Join(dir, "out"),
		Workers:       2,
		Method:        dti.WLS,
		MinSignal:     dti.DefaultMinSignal,
		MaskThreshold: 50,
		Metrics:       []dti.Metric{dti.MetricMD, dti.MetricFA, dti.MetricS0},
		DirectionBins: DefaultDirectionBins,
	}
}

func summaryOf(t *testing.T, r models.Report, name string) models.Summary {
	t.Helper()
	for _, s := range r.Summaries {
		if s.Metric == name {
			return s
		}
	}
	t.Fatalf("no summary for %s", name)
	return models.Summary{}
}

// TestProcess runs the full pipeline on simulated signals
func TestProcess(t *testing.T) {
	params := testParams(t)
	params.ExportMaps = true
	params.Verbose = true
	var stdout bytes.Buffer
	params.Stdout = &stdout
	var progress atomic.Int64
	params.Progress = func(completed, total int) {
		progress.Add(1)
		assert.Equal(t, 11, total)
	}

	fitter := NewFitter(params)
	require.NoError(t, fitter.Process(context.Background()))

	report := fitter.GetReport()
	assert.Equal(t, [3]int{3, 2, 2}, report.Grid)
	assert.Equal(t, 31, report.Gradients.Volumes)
	assert.Equal(t, 1, report.Gradients.B0Volumes)
	assert.Equal(t, []float64{0, 1000}, report.Gradients.BValues)
	assert.Equal(t, "wls", report.Method)
	assert.Equal(t, 12, report.Voxels)
	assert.Equal(t, 11, report.MaskedVoxels)
	assert.Equal(t, 0, report.NonPhysical)
	assert.EqualValues(t, 11, progress.Load())

	want, err := dti.TensorFromCoefficients(prolate[:6])
	require.NoError(t, err)

	fa := summaryOf(t, report, "fa")
	assert.Equal(t, 11, fa.Count)
	assert.InDelta(t, want.FA(), fa.Mean, 1e-6)
	assert.InDelta(t, want.FA(), fa.Median, 1e-6)
	assert.InDelta(t, 0, fa.StdDev, 1e-6)
	assert.InDelta(t, 2.3e-3/3, summaryOf(t, report, "md").Mean, 1e-9)
	assert.InDelta(t, 1000, summaryOf(t, report, "s0").Max, 1e-6)

	// FA is always reported first
	assert.Equal(t, "fa", report.Summaries[0].Metric)

	require.NotEmpty(t, report.Directions)
	assert.Equal(t, 11, report.Directions[0].Voxels)
	assert.Greater(t, math.Abs(report.Directions[0].Direction[0]), 0.9)

	// background voxel is left out of the maps
	assert.Equal(t, 0.0, fitter.Map(dti.MetricFA).Data[0])
	assert.Nil(t, fitter.Map(dti.MetricRD))
	assert.False(t, fitter.Field().InMask(0))

	out := params.OutputDir
	table, err := os.ReadFile(filepath.Join(out, MetricsFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(table)), "\n")
	assert.Len(t, lines, 12)
	assert.Equal(t, "x\ty\tz\tfa\tmd\ts0", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1\t0\t0\t"))

	tensors, err := signals.ReadFile(filepath.Join(out, TensorsFile))
	require.NoError(t, err)
	assert.Equal(t, dti.NumCoefficients, tensors.NumVolumes())
	assert.InDeltaSlice(t, prolate, tensors.Voxels[5], 1e-6)

	info, err := os.Stat(filepath.Join(out, MapsDir, "fa.bin"))
	require.NoError(t, err)
	assert.EqualValues(t, 12*8, info.Size())

	for _, name := range []string{"fa_z_000.jpg", "md_z_001.jpg", "colorfa_z_001.jpg"} {
		_, err := os.Stat(filepath.Join(out, MapsDir, name))
		assert.NoError(t, err, name)
	}
	assert.Contains(t, report.Outputs, filepath.Join(MapsDir, "colorfa_z_000.jpg"))

	saved, err := ReadReport(filepath.Join(out, ReportFile))
	require.NoError(t, err)
	assert.Equal(t, report.MaskedVoxels, saved.MaskedVoxels)
	assert.Equal(t, report.Summaries, saved.Summaries)
	assert.Equal(t, report.Directions, saved.Directions)

	assert.Contains(t, stdout.String(), "Step 1: Loading gradient table...")
	assert.Contains(t, stdout.String(), "Step 7: Exporting map slices...")
}

func TestProcessReorient(t *testing.T) {
	params := testParams(t)
	params.Orientation = "LPS"
	params.Method = dti.OLS

	fitter := NewFitter(params)
	require.NoError(t, fitter.Process(context.Background()))

	report := fitter.GetReport()
	assert.Equal(t, "LPS->RAS", report.Gradients.Orientation)
	assert.Equal(t, "ols", report.Method)
	// flipping x and y leaves a tensor along x along x
	assert.Greater(t, math.Abs(report.Directions[0].Direction[0]), 0.9)
}

func TestProcessRepeated(t *testing.T) {
	params := testParams(t)
	fitter := NewFitter(params)
	require.NoError(t, fitter.Process(context.Background()))
	first := fitter.GetReport()

	params.Orientation = "LPS"
	require.NoError(t, fitter.Process(context.Background()))
	second := fitter.GetReport()

	assert.Len(t, second.Summaries, len(params.Metrics))
	assert.Equal(t, first.Outputs, second.Outputs)
	assert.Equal(t, first.MaskedVoxels, second.MaskedVoxels)
	assert.Equal(t, "LPS->RAS", second.Gradients.Orientation)

	saved, err := ReadReport(filepath.Join(params.OutputDir, ReportFile))
	require.NoError(t, err)
	assert.Len(t, saved.Summaries, len(params.Metrics))
	assert.Equal(t, second.Outputs, saved.Outputs)
}

func TestProcessExplicitBval(t *testing.T) {
	params := testParams(t)
	bvec, bval := gradients.BvecBvalPaths(params.BvecPath)

	renamed := filepath.Join(filepath.Dir(bval), "values.txt")
	require.NoError(t, os.Rename(bval, renamed))
	params.BvecPath, params.BvalPath = bvec, renamed

	require.NoError(t, NewFitter(params).Process(context.Background()))
}

func TestProcessErrors(t *testing.T) {
	t.Run("MissingGradients", func(t *testing.T) {
		params := testParams(t)
		params.BvecPath = filepath.Join(t.TempDir(), "absent.bvec")
		err := NewFitter(params).Process(context.Background())
		assert.ErrorContains(t, err, "failed to load gradients")
	})

	t.Run("VolumeMismatch", func(t *testing.T) {
		params := testParams(t)
		path := filepath.Join(t.TempDir(), "short.txt")
		require.NoError(t, signals.WriteFile(path, &signals.Table{
			Width: 1, Height: 1, Depth: 1, Voxels: [][]float64{{1000, 500}},
		}))
		params.SignalsPath = path
		err := NewFitter(params).Process(context.Background())
		assert.ErrorIs(t, err, dti.ErrShape)
	})

	t.Run("Cancelled", func(t *testing.T) {
		params := testParams(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := NewFitter(params).Process(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSummarize(t *testing.T) {
	m := &models.ScalarMap{Name: "md", Data: []float64{5, 1, math.NaN(), 3, 100}}
	s := summarize(m, []bool{true, true, true, true, false})

	assert.Equal(t, 3, s.Count)
	assert.InDelta(t, 3, s.Mean, 1e-12)
	assert.InDelta(t, 2, s.StdDev, 1e-12)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 3.0, s.Median)
	assert.Equal(t, 5.0, s.Max)

	one := summarize(&models.ScalarMap{Name: "fa", Data: []float64{0.4}}, nil)
	assert.Equal(t, 0.0, one.StdDev)

	empty := summarize(&models.ScalarMap{Name: "fa", Data: []float64{0.4}}, []bool{false})
	assert.Equal(t, 0, empty.Count)
}

func TestNewParams(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Processing.Method = "ols"
	cfg.Output.Metrics = []string{"md", "trace"}

	params, err := NewParams(cfg)
	require.NoError(t, err)
	assert.Equal(t, dti.OLS, params.Method)
	assert.Equal(t, []dti.Metric{dti.MetricMD, dti.MetricTrace}, params.Metrics)
	assert.Equal(t, cfg.Output.Dir, params.OutputDir)
	assert.Equal(t, DefaultDirectionBins, params.DirectionBins)

	cfg.Output.Metrics = []string{"bogus"}
	_, err = NewParams(cfg)
	assert.Error(t, err)
}

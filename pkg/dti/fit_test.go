package dti

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"dtifit/pkg/gradients"
	"dtifit/pkg/sphere"
)

// testCoefficients is D = [Dxx,Dyy,Dzz,Dxy,Dxz,Dyz,log(S0)] with D in units
// of 10^-4 mm^2/s and S0 = 1000.
var testCoefficients = []float64{1e-4, 1e-4, 1e-4, 1e-4, 0, 0, math.Log(1000)}

func loadTable(t *testing.T) *gradients.Table {
	t.Helper()
	table, err := gradients.ReadBvecFile(filepath.Join("testdata", "55dir_grad.bvec"), gradients.DefaultTolerance)
	require.NoError(t, err)
	return table
}

// synthesize returns exp(X . D) for the given coefficients.
func synthesize(x *mat.Dense, coeffs []float64) []float64 {
	var y mat.VecDense
	y.MulVec(x, mat.NewVecDense(len(coeffs), coeffs))
	out := make([]float64, y.Len())
	for i := range out {
		out[i] = math.Exp(y.AtVec(i))
	}
	return out
}

func TestDesignMatrix(t *testing.T) {
	table, err := gradients.New(
		[][3]float64{{0, 0, 0}, {1, 0, 0}, {0, 0.6, 0.8}},
		[]float64{0, 1000, 500},
		gradients.DefaultTolerance,
	)
	require.NoError(t, err)

	x := DesignMatrix(table)
	rows, cols := x.Dims()
	require.Equal(t, 3, rows)
	require.Equal(t, NumCoefficients, cols)

	assert.Equal(t, []float64{0, 0, 0, 0, 0, 0, 1}, mat.Row(nil, 0, x))
	assert.Equal(t, []float64{-1000, 0, 0, 0, 0, 0, 1}, mat.Row(nil, 1, x))
	assert.InDeltaSlice(t, []float64{0, -180, -320, 0, 0, -480, 1}, mat.Row(nil, 2, x), 1e-9)
}

// TestWLSFit recovers the analytical tensor from noise-free synthetic signal
// on the 55-direction gradient table
func TestWLSFit(t *testing.T) {
	table := loadTable(t)
	x := DesignMatrix(table)
	y := synthesize(x, testCoefficients)

	fit, err := FitWLS(x, y, DefaultMinSignal)
	require.NoError(t, err)

	assert.InDeltaSlice(t, testCoefficients, fit.Coefficients[:], 1e-6,
		"Calculation of tensor from sample data Y does not compare to analytical solution")
	assert.InDelta(t, 1000, fit.S0(), 1e-6)

	// D = [[1,1,0],[1,1,0],[0,0,1]] * 1e-4 has eigenvalues (2, 1, 0) * 1e-4
	assert.InDelta(t, 2e-4, fit.Evals[0], 1e-10)
	assert.InDelta(t, 1e-4, fit.Evals[1], 1e-10)
	assert.InDelta(t, 0, fit.Evals[2], 1e-10)
	assert.InDelta(t, math.Sqrt(0.5*6/5), fit.FA(), 1e-6)
	assert.InDelta(t, 1e-4, fit.MD(), 1e-10)

	pd := fit.PrincipalDirection()
	assert.InDelta(t, 1/math.Sqrt(2), math.Abs(pd[0]), 1e-6)
	assert.InDelta(t, 1/math.Sqrt(2), math.Abs(pd[1]), 1e-6)
}

func TestOLSFit(t *testing.T) {
	table := loadTable(t)
	x := DesignMatrix(table)
	y := synthesize(x, testCoefficients)

	fit, err := FitOLS(x, y, DefaultMinSignal)
	require.NoError(t, err)
	assert.InDeltaSlice(t, testCoefficients, fit.Coefficients[:], 1e-6)
}

func TestPredictSignalMatchesDesign(t *testing.T) {
	table := loadTable(t)
	x := DesignMatrix(table)
	tensor, err := TensorFromCoefficients(testCoefficients)
	require.NoError(t, err)

	got := PredictSignal(tensor, table, 1000)
	want := synthesize(x, testCoefficients)
	assert.InDeltaSlice(t, want, got, 1e-8)
}

// A direction inside the norm tolerance is used unnormalised, as in the design matrix
func TestPredictSignalNearUnitDirection(t *testing.T) {
	table, err := gradients.New([][3]float64{{0, 0, 0}, {1.0005, 0, 0}}, []float64{0, 1000}, gradients.DefaultTolerance)
	require.NoError(t, err)
	coeffs := []float64{1e-3, 0, 0, 0, 0, 0, math.Log(1000)}
	tensor, err := TensorFromCoefficients(coeffs)
	require.NoError(t, err)

	got := PredictSignal(tensor, table, 1000)
	want := synthesize(DesignMatrix(table), coeffs)
	assert.InDeltaSlice(t, want, got, 1e-8)
	assert.InDelta(t, 1000*math.Exp(-1000*1e-3*1.0005*1.0005), got[1], 1e-9)
}

// TestWLSWithNoise checks that a noisy fit stays close to the truth and that
// weighting does not do worse than the plain fit on average
func TestWLSWithNoise(t *testing.T) {
	table := loadTable(t)
	x := DesignMatrix(table)
	coeffs := []float64{1.5e-3, 0.4e-3, 0.4e-3, 0, 0, 0, math.Log(1000)}
	clean := synthesize(x, coeffs)
	truth, err := TensorFromCoefficients(coeffs)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	var wlsErr, olsErr float64
	const trials = 50
	for k := 0; k < trials; k++ {
		noisy := make([]float64, len(clean))
		for i, s := range clean {
			noisy[i] = s + rng.NormFloat64()*10
		}

		wls, err := FitWLS(x, noisy, DefaultMinSignal)
		require.NoError(t, err)
		ols, err := FitOLS(x, noisy, DefaultMinSignal)
		require.NoError(t, err)

		wlsErr += math.Abs(wls.FA() - truth.FA())
		olsErr += math.Abs(ols.FA() - truth.FA())
	}
	wlsErr /= trials
	olsErr /= trials

	assert.Less(t, wlsErr, 0.05)
	assert.LessOrEqual(t, wlsErr, olsErr*1.5)
}

func TestFitMinSignalClamp(t *testing.T) {
	table := loadTable(t)
	x := DesignMatrix(table)
	y := synthesize(x, testCoefficients)
	y[3] = 0
	y[4] = -5
	y[5] = math.NaN()

	fit, err := FitWLS(x, y, DefaultMinSignal)
	require.NoError(t, err)
	for _, c := range fit.Coefficients {
		assert.False(t, math.IsNaN(c) || math.IsInf(c, 0))
	}
}

func TestFitErrors(t *testing.T) {
	table := loadTable(t)
	x := DesignMatrix(table)

	t.Run("SignalLength", func(t *testing.T) {
		_, err := FitWLS(x, make([]float64, 3), DefaultMinSignal)
		assert.ErrorIs(t, err, ErrShape)
	})

	t.Run("TooFewAcquisitions", func(t *testing.T) {
		small, err := table.Subset([]int{0, 1, 2, 3})
		require.NoError(t, err)
		xs := DesignMatrix(small)
		_, err = FitOLS(xs, synthesize(xs, testCoefficients), DefaultMinSignal)
		assert.ErrorIs(t, err, ErrSingular)
	})

	t.Run("RepeatedDirection", func(t *testing.T) {
		dirs := make([][3]float64, 10)
		bvals := make([]float64, 10)
		for i := range dirs {
			dirs[i] = [3]float64{1, 0, 0}
			bvals[i] = 1000
		}
		bvals[0] = 0
		rep, err := gradients.New(dirs, bvals, gradients.DefaultTolerance)
		require.NoError(t, err)
		xr := DesignMatrix(rep)
		_, err = FitWLS(xr, synthesize(xr, testCoefficients), DefaultMinSignal)
		assert.ErrorIs(t, err, ErrSingular)
	})
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("OLS")
	require.NoError(t, err)
	assert.Equal(t, OLS, m)

	m, err = ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, WLS, m)
	assert.Equal(t, "wls", m.String())

	_, err = ParseMethod("nnls")
	assert.Error(t, err)
}

// volumeSignals builds a 4x3x2 grid whose voxels rotate a prolate tensor
// around z, so every voxel has a different principal direction.
func volumeSignals(t *testing.T, x *mat.Dense) ([][]float64, []Tensor) {
	t.Helper()
	const n = 4 * 3 * 2
	signals := make([][]float64, n)
	truths := make([]Tensor, n)
	for i := 0; i < n; i++ {
		angle := float64(i) * math.Pi / n
		c, s := math.Cos(angle), math.Sin(angle)
		evecs := mat.NewDense(3, 3, []float64{
			c, -s, 0,
			s, c, 0,
			0, 0, 1,
		})
		tensor, err := NewTensor([]float64{1.7e-3, 0.3e-3, 0.2e-3}, evecs)
		require.NoError(t, err)
		coeffs := tensor.Coefficients()
		signals[i] = synthesize(x, append(coeffs[:], math.Log(800)))
		truths[i] = tensor
	}
	return signals, truths
}

func TestFitVolume(t *testing.T) {
	table := loadTable(t)
	x := DesignMatrix(table)
	signals, truths := volumeSignals(t, x)

	var calls atomic.Int64
	opts := DefaultFitOptions()
	opts.Workers = 3
	opts.Progress = func(completed, total int) {
		calls.Add(1)
		assert.LessOrEqual(t, completed, total)
	}

	field, err := FitVolume(context.Background(), x, signals, nil, 4, 3, 2, opts)
	require.NoError(t, err)
	require.Equal(t, len(signals), field.Len())
	assert.Equal(t, int64(len(signals)), calls.Load())

	fa := field.Map(MetricFA)
	for i, truth := range truths {
		assert.InDelta(t, truth.FA(), fa[i], 1e-6, "voxel %d", i)
		assert.InDelta(t, 800, field.At(i).S0(), 1e-6)

		got := field.At(i).PrincipalDirection()
		want := truth.PrincipalDirection()
		dot := got[0]*want[0] + got[1]*want[1] + got[2]*want[2]
		assert.InDelta(t, 1, math.Abs(dot), 1e-6, "voxel %d", i)
	}
}

func TestFitVolumeMask(t *testing.T) {
	table := loadTable(t)
	x := DesignMatrix(table)
	signals, _ := volumeSignals(t, x)

	mask := make([]bool, len(signals))
	for i := range mask {
		mask[i] = i%2 == 0
	}
	// masked-out voxels are never read
	signals[1] = nil

	field, err := FitVolume(context.Background(), x, signals, mask, 4, 3, 2, DefaultFitOptions())
	require.NoError(t, err)

	md := field.Map(MetricMD)
	for i := range mask {
		if mask[i] {
			assert.InDelta(t, 2.2e-3/3, md[i], 1e-9)
		} else {
			assert.Equal(t, 0.0, md[i])
		}
	}

	s, err := sphere.New(sphere.Fibonacci(100, true))
	require.NoError(t, err)
	idx := QuantizeEvecs(field, s)
	for i := range mask {
		if !mask[i] {
			assert.Equal(t, -1, idx[i])
			continue
		}
		pd := field.At(i).PrincipalDirection()
		v := s.Vertex(idx[i])
		assert.Greater(t, math.Abs(pd[0]*v[0]+pd[1]*v[1]+pd[2]*v[2]), 0.9)
	}
}

func TestFitVolumeErrors(t *testing.T) {
	table := loadTable(t)
	x := DesignMatrix(table)
	signals, _ := volumeSignals(t, x)

	t.Run("GridMismatch", func(t *testing.T) {
		_, err := FitVolume(context.Background(), x, signals, nil, 2, 2, 2, DefaultFitOptions())
		assert.ErrorIs(t, err, ErrShape)
	})

	t.Run("MaskMismatch", func(t *testing.T) {
		_, err := FitVolume(context.Background(), x, signals, make([]bool, 3), 4, 3, 2, DefaultFitOptions())
		assert.ErrorIs(t, err, ErrShape)
	})

	t.Run("BadVoxel", func(t *testing.T) {
		bad := make([][]float64, len(signals))
		copy(bad, signals)
		bad[5] = []float64{1, 2}
		_, err := FitVolume(context.Background(), x, bad, nil, 4, 3, 2, DefaultFitOptions())
		assert.ErrorIs(t, err, ErrShape)
		assert.Contains(t, err.Error(), "voxel 5")
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := FitVolume(ctx, x, signals, nil, 4, 3, 2, DefaultFitOptions())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMetricNames(t *testing.T) {
	for _, m := range AllMetrics() {
		parsed, err := ParseMetric(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}
	m, err := ParseMetric(" FA ")
	require.NoError(t, err)
	assert.Equal(t, MetricFA, m)

	_, err = ParseMetric("kurtosis")
	assert.Error(t, err)
}

package dti

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"dtifit/pkg/gradients"
)

// NumCoefficients is the number of parameters of the log-signal model:
// six diffusion coefficients plus log(S0).
const NumCoefficients = 7

// DefaultMinSignal is the floor applied to signal intensities before the
// logarithm is taken.
const DefaultMinSignal = 1.0

// ErrSingular is returned when the design matrix cannot be inverted in the
// least squares sense, for example with fewer than seven independent
// acquisitions.
var ErrSingular = errors.New("dti: design matrix is rank deficient")

// Method selects the regression used to recover tensor coefficients.
type Method int

const (
	// WLS is weighted least squares seeded by an ordinary least squares fit.
	WLS Method = iota
	// OLS is ordinary least squares on the log signal.
	OLS
)

// String returns the method name.
func (m Method) String() string {
	switch m {
	case WLS:
		return "wls"
	case OLS:
		return "ols"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod converts "wls" or "ols" (any case) to a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wls", "":
		return WLS, nil
	case "ols":
		return OLS, nil
	default:
		return 0, fmt.Errorf("dti: unknown fit method %q", s)
	}
}

// Fit is the tensor recovered for one voxel.
type Fit struct {
	// Coefficients are Dxx, Dyy, Dzz, Dxy, Dxz, Dyz, log(S0).
	Coefficients [NumCoefficients]float64

	Tensor
}

// S0 returns the fitted unweighted signal.
func (f Fit) S0() float64 {
	return math.Exp(f.Coefficients[6])
}

// DesignMatrix builds the log-signal design matrix of a gradient table.
// Row i is
//
//	[-b gx^2, -b gy^2, -b gz^2, -2b gx gy, -2b gx gz, -2b gy gz, 1]
//
// so that log(S_i) = X_i . [Dxx, Dyy, Dzz, Dxy, Dxz, Dyz, log(S0)].
func DesignMatrix(t *gradients.Table) *mat.Dense {
	x := mat.NewDense(t.Len(), NumCoefficients, nil)
	for i, g := range t.Directions {
		b := t.BValues[i]
		x.SetRow(i, []float64{
			-b * g[0] * g[0],
			-b * g[1] * g[1],
			-b * g[2] * g[2],
			-2 * b * g[0] * g[1],
			-2 * b * g[0] * g[2],
			-2 * b * g[1] * g[2],
			1,
		})
	}
	return x
}

// PredictSignal returns the signal the tensor model gives for every
// volume of the table: s0 * exp(-b g^T D g). The directions are used as
// stored, matching DesignMatrix.
func PredictSignal(t Tensor, table *gradients.Table, s0 float64) []float64 {
	d := t.D()
	out := make([]float64, table.Len())
	for i, g := range table.Directions {
		v := mat.NewVecDense(3, []float64{g[0], g[1], g[2]})
		out[i] = s0 * math.Exp(-table.BValues[i]*mat.Inner(v, d, v))
	}
	return out
}

// FitOLS fits the log signal with ordinary least squares.
func FitOLS(x *mat.Dense, signal []float64, minSignal float64) (Fit, error) {
	logS, err := logSignal(x, signal, minSignal)
	if err != nil {
		return Fit{}, err
	}
	beta, err := solveLeastSquares(x, logS)
	if err != nil {
		return Fit{}, err
	}
	return newFit(beta)
}

// FitWLS fits the log signal with weighted least squares. The weights are
// the signals predicted by an initial OLS fit, so that
//
//	beta = (X^T W^2 X)^-1 X^T W^2 log(S),  W = diag(exp(X beta_ols))
//
// which compensates for the noise amplification of the logarithm at low
// signal.
func FitWLS(x *mat.Dense, signal []float64, minSignal float64) (Fit, error) {
	logS, err := logSignal(x, signal, minSignal)
	if err != nil {
		return Fit{}, err
	}
	olsBeta, err := solveLeastSquares(x, logS)
	if err != nil {
		return Fit{}, err
	}

	rows, cols := x.Dims()
	var pred mat.VecDense
	pred.MulVec(x, olsBeta)

	// Scaling each row by w turns the weighted problem into an ordinary one.
	xw := mat.NewDense(rows, cols, nil)
	yw := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		w := math.Exp(pred.AtVec(i))
		for j := 0; j < cols; j++ {
			xw.Set(i, j, w*x.At(i, j))
		}
		yw.SetVec(i, w*logS.AtVec(i))
	}

	beta, err := solveLeastSquares(xw, yw)
	if err != nil {
		return Fit{}, err
	}
	return newFit(beta)
}

// FitVoxel fits a single voxel with the method selected in opts.
func FitVoxel(x *mat.Dense, signal []float64, opts FitOptions) (Fit, error) {
	switch opts.Method {
	case OLS:
		return FitOLS(x, signal, opts.MinSignal)
	case WLS:
		return FitWLS(x, signal, opts.MinSignal)
	default:
		return Fit{}, fmt.Errorf("dti: unsupported fit method %v", opts.Method)
	}
}

func logSignal(x *mat.Dense, signal []float64, minSignal float64) (*mat.VecDense, error) {
	rows, cols := x.Dims()
	if cols != NumCoefficients {
		return nil, fmt.Errorf("%w: design matrix has %d columns, want %d", ErrShape, cols, NumCoefficients)
	}
	if len(signal) != rows {
		return nil, fmt.Errorf("%w: %d signal values for %d design rows", ErrShape, len(signal), rows)
	}
	if rows < NumCoefficients {
		return nil, fmt.Errorf("%w: %d acquisitions, need at least %d", ErrSingular, rows, NumCoefficients)
	}

	out := mat.NewVecDense(rows, nil)
	for i, s := range signal {
		if s < minSignal || math.IsNaN(s) {
			s = minSignal
		}
		out.SetVec(i, math.Log(s))
	}
	return out, nil
}

func solveLeastSquares(a mat.Matrix, b mat.Vector) (*mat.VecDense, error) {
	var qr mat.QR
	qr.Factorize(a)

	_, cols := a.Dims()
	beta := mat.NewVecDense(cols, nil)
	if err := qr.SolveVecTo(beta, false, b); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: condition number %.3g", ErrSingular, float64(cond))
		}
		return nil, err
	}
	return beta, nil
}

func newFit(beta *mat.VecDense) (Fit, error) {
	var f Fit
	for i := 0; i < NumCoefficients; i++ {
		f.Coefficients[i] = beta.AtVec(i)
	}
	t, err := TensorFromCoefficients(f.Coefficients[:6])
	if err != nil {
		return Fit{}, err
	}
	f.Tensor = t
	return f, nil
}

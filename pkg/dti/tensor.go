// Package dti implements the single diffusion tensor model: the log-signal
// design matrix, ordinary and weighted least squares tensor fitting, and
// the scalar maps derived from the tensor eigen system.
package dti

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShape is returned for inputs with the wrong dimensions.
	ErrShape = errors.New("dti: wrong shape")

	// ErrNotOrthonormal is returned when eigenvectors are not an orthonormal basis.
	ErrNotOrthonormal = errors.New("dti: eigenvectors are not orthonormal")

	// ErrEigen is returned when the eigen decomposition does not converge.
	ErrEigen = errors.New("dti: eigen decomposition failed")
)

// orthoTol bounds |V^T V - I| for eigenvectors handed to NewTensor.
const orthoTol = 1e-6

// Tensor is a diffusion tensor stored as its eigen system.
//
// Evals are sorted in descending order and column j of Evecs is the unit
// eigenvector paired with Evals[j].
type Tensor struct {
	Evals [3]float64
	Evecs *mat.Dense
}

// ZeroTensor returns the tensor of a voxel without diffusion, used for
// voxels outside the fitting mask.
func ZeroTensor() Tensor {
	return Tensor{Evecs: identity3()}
}

// NewTensor builds a tensor from eigenvalues and eigenvectors, where column
// j of evecs pairs with evals[j]. The pairs are re-sorted so that the
// eigenvalues are descending.
func NewTensor(evals []float64, evecs mat.Matrix) (Tensor, error) {
	if len(evals) != 3 {
		return Tensor{}, fmt.Errorf("%w: need 3 eigenvalues, got %d", ErrShape, len(evals))
	}
	r, c := evecs.Dims()
	if r != 3 || c != 3 {
		return Tensor{}, fmt.Errorf("%w: eigenvectors must be 3x3, got %dx%d", ErrShape, r, c)
	}

	var vtv mat.Dense
	vtv.Mul(evecs.T(), evecs)
	if !mat.EqualApprox(&vtv, identity3(), orthoTol) {
		return Tensor{}, ErrNotOrthonormal
	}

	return sortedTensor(evals, evecs), nil
}

// TensorFromMatrix eigen-decomposes a symmetric 3x3 diffusion matrix.
func TensorFromMatrix(d mat.Symmetric) (Tensor, error) {
	if d.SymmetricDim() != 3 {
		return Tensor{}, fmt.Errorf("%w: diffusion matrix must be 3x3, got %d", ErrShape, d.SymmetricDim())
	}

	var es mat.EigenSym
	if ok := es.Factorize(d, true); !ok {
		return Tensor{}, ErrEigen
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	return sortedTensor(vals, &vecs), nil
}

// TensorFromCoefficients builds the tensor from the six unique diffusion
// coefficients ordered Dxx, Dyy, Dzz, Dxy, Dxz, Dyz.
func TensorFromCoefficients(c []float64) (Tensor, error) {
	if len(c) < 6 {
		return Tensor{}, fmt.Errorf("%w: need 6 coefficients, got %d", ErrShape, len(c))
	}
	d := mat.NewSymDense(3, []float64{
		c[0], c[3], c[4],
		c[3], c[1], c[5],
		c[4], c[5], c[2],
	})
	return TensorFromMatrix(d)
}

// sortedTensor orders the eigen pairs by decreasing eigenvalue.
func sortedTensor(evals []float64, evecs mat.Matrix) Tensor {
	order := []int{0, 1, 2}
	sort.SliceStable(order, func(i, j int) bool {
		return evals[order[i]] > evals[order[j]]
	})

	t := Tensor{Evecs: mat.NewDense(3, 3, nil)}
	for j, src := range order {
		t.Evals[j] = evals[src]
		for i := 0; i < 3; i++ {
			t.Evecs.Set(i, j, evecs.At(i, src))
		}
	}
	return t
}

// D reconstructs the symmetric diffusion matrix V diag(evals) V^T.
func (t Tensor) D() *mat.SymDense {
	d := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			var v float64
			for k := 0; k < 3; k++ {
				v += t.Evecs.At(i, k) * t.Evals[k] * t.Evecs.At(j, k)
			}
			d.SetSym(i, j, v)
		}
	}
	return d
}

// Coefficients returns the six unique entries of D ordered
// Dxx, Dyy, Dzz, Dxy, Dxz, Dyz.
func (t Tensor) Coefficients() [6]float64 {
	d := t.D()
	return [6]float64{d.At(0, 0), d.At(1, 1), d.At(2, 2), d.At(0, 1), d.At(0, 2), d.At(1, 2)}
}

// Trace returns the sum of the eigenvalues.
func (t Tensor) Trace() float64 {
	return t.Evals[0] + t.Evals[1] + t.Evals[2]
}

// MD returns the mean diffusivity, the mean of the eigenvalues.
func (t Tensor) MD() float64 {
	return t.Trace() / 3
}

// ADC returns the apparent diffusion coefficient averaged over all
// gradient directions. Averaging g^T D g over the unit sphere gives
// trace(D)/3, so it equals MD for a single tensor.
func (t Tensor) ADC() float64 {
	return t.Trace() / 3
}

// ADCAlong returns the apparent diffusion coefficient g^T D g along the
// direction g. The direction is normalised first; a zero direction gives 0.
func (t Tensor) ADCAlong(g [3]float64) float64 {
	n := math.Sqrt(g[0]*g[0] + g[1]*g[1] + g[2]*g[2])
	if n == 0 {
		return 0
	}
	u := []float64{g[0] / n, g[1] / n, g[2] / n}

	var adc float64
	col := make([]float64, 3)
	for k := 0; k < 3; k++ {
		mat.Col(col, k, t.Evecs)
		p := floats.Dot(u, col)
		adc += t.Evals[k] * p * p
	}
	return adc
}

// FA returns the fractional anisotropy
//
//	sqrt(1/2 * ((l1-l2)^2 + (l2-l3)^2 + (l3-l1)^2) / (l1^2 + l2^2 + l3^2))
//
// which is 0 for isotropic diffusion and 1 for diffusion along one axis.
// A tensor with all eigenvalues zero has FA 0.
func (t Tensor) FA() float64 {
	l1, l2, l3 := t.Evals[0], t.Evals[1], t.Evals[2]
	denom := l1*l1 + l2*l2 + l3*l3
	if denom == 0 {
		return 0
	}
	num := (l1-l2)*(l1-l2) + (l2-l3)*(l2-l3) + (l3-l1)*(l3-l1)
	return math.Sqrt(0.5 * num / denom)
}

// AxialDiffusivity returns the largest eigenvalue.
func (t Tensor) AxialDiffusivity() float64 {
	return t.Evals[0]
}

// RadialDiffusivity returns the mean of the two smaller eigenvalues.
func (t Tensor) RadialDiffusivity() float64 {
	return (t.Evals[1] + t.Evals[2]) / 2
}

// PrincipalDirection returns the eigenvector of the largest eigenvalue.
func (t Tensor) PrincipalDirection() [3]float64 {
	return [3]float64{t.Evecs.At(0, 0), t.Evecs.At(1, 0), t.Evecs.At(2, 0)}
}

// IsPhysical reports whether all eigenvalues are non-negative.
func (t Tensor) IsPhysical() bool {
	return t.Evals[2] >= 0
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

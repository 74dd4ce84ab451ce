// Package gradients holds diffusion gradient tables and reads/writes them
// from the bvec/bval text layout used by most diffusion pipelines.
package gradients

import (
	"errors"
	"fmt"
	"math"
)

// DefaultTolerance is the allowed deviation from unit norm for gradient
// directions acquired with a non-zero b-value.
const DefaultTolerance = 1e-3

// DefaultB0Threshold is the b-value at or below which a volume is treated
// as an unweighted (b0) acquisition.
const DefaultB0Threshold = 0.0

var (
	// ErrLengthMismatch is returned when directions and b-values differ in count.
	ErrLengthMismatch = errors.New("gradients: direction and b-value counts differ")

	// ErrDirectionNorm is returned when a diffusion-weighted direction is not unit length.
	ErrDirectionNorm = errors.New("gradients: diffusion direction is not unit length")

	// ErrEmpty is returned for a table with no acquisitions.
	ErrEmpty = errors.New("gradients: empty gradient table")
)

// Table pairs each acquired volume with its gradient direction and b-value.
type Table struct {
	// Directions holds one (x, y, z) gradient direction per volume.
	// Directions of b0 volumes may be zero.
	Directions [][3]float64

	// BValues holds the diffusion weighting of each volume in s/mm^2.
	BValues []float64
}

// New builds a gradient table and validates it. Every direction whose
// b-value is positive must have unit norm within atol.
func New(directions [][3]float64, bvalues []float64, atol float64) (*Table, error) {
	t := &Table{
		Directions: make([][3]float64, len(directions)),
		BValues:    make([]float64, len(bvalues)),
	}
	copy(t.Directions, directions)
	copy(t.BValues, bvalues)

	if err := t.Validate(atol); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the table invariants.
func (t *Table) Validate(atol float64) error {
	if len(t.BValues) == 0 {
		return ErrEmpty
	}
	if len(t.Directions) != len(t.BValues) {
		return fmt.Errorf("%w: %d directions, %d b-values", ErrLengthMismatch, len(t.Directions), len(t.BValues))
	}
	for i, g := range t.Directions {
		b := t.BValues[i]
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return fmt.Errorf("%w: volume %d has b-value %v", ErrFormat, i, b)
		}
		// zero b-values still multiply the direction in the design matrix
		for _, c := range g {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return fmt.Errorf("%w: volume %d has direction %v", ErrDirectionNorm, i, g)
			}
		}
		if b <= 0 {
			continue
		}
		norm := math.Sqrt(g[0]*g[0] + g[1]*g[1] + g[2]*g[2])
		if !(math.Abs(norm-1) < atol) {
			return fmt.Errorf("%w: volume %d has norm %.6f", ErrDirectionNorm, i, norm)
		}
	}
	return nil
}

// Len returns the number of acquired volumes.
func (t *Table) Len() int {
	return len(t.BValues)
}

// B0Indices returns the indices of volumes with b-value at or below threshold.
func (t *Table) B0Indices(threshold float64) []int {
	var idx []int
	for i, b := range t.BValues {
		if b <= threshold {
			idx = append(idx, i)
		}
	}
	return idx
}

// DiffusionIndices returns the indices of diffusion-weighted volumes.
func (t *Table) DiffusionIndices(threshold float64) []int {
	var idx []int
	for i, b := range t.BValues {
		if b > threshold {
			idx = append(idx, i)
		}
	}
	return idx
}

// Subset returns a new table with only the listed volumes.
func (t *Table) Subset(indices []int) (*Table, error) {
	sub := &Table{
		Directions: make([][3]float64, 0, len(indices)),
		BValues:    make([]float64, 0, len(indices)),
	}
	for _, i := range indices {
		if i < 0 || i >= t.Len() {
			return nil, fmt.Errorf("gradients: index %d out of range [0, %d)", i, t.Len())
		}
		sub.Directions = append(sub.Directions, t.Directions[i])
		sub.BValues = append(sub.BValues, t.BValues[i])
	}
	return sub, nil
}

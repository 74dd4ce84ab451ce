package gradients

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOrientation is returned for an invalid orientation code.
var ErrOrientation = errors.New("gradients: invalid orientation code")

// axisOf maps an orientation letter to its anatomical axis and direction.
// The axis is 0 for left/right, 1 for anterior/posterior and 2 for
// superior/inferior.
var axisOf = map[byte]struct {
	axis int
	sign float64
}{
	'R': {0, 1}, 'L': {0, -1},
	'A': {1, 1}, 'P': {1, -1},
	'S': {2, 1}, 'I': {2, -1},
}

// AxisMapping describes how to move a vector from one orientation to another:
// component j of the new vector is Sign[j] times component Source[j] of the
// old vector.
type AxisMapping struct {
	Source [3]int
	Sign   [3]float64
}

// OrientationMapping computes the axis permutation and flips that take
// vectors expressed in the current orientation code (for example "LPS") to
// the target code (for example "RAS").
func OrientationMapping(current, target string) (AxisMapping, error) {
	var m AxisMapping

	cur, err := parseOrientation(current)
	if err != nil {
		return m, err
	}
	tgt, err := parseOrientation(target)
	if err != nil {
		return m, err
	}

	for j := 0; j < 3; j++ {
		for i := 0; i < 3; i++ {
			if cur[i].axis == tgt[j].axis {
				m.Source[j] = i
				m.Sign[j] = cur[i].sign * tgt[j].sign
			}
		}
	}
	return m, nil
}

// Apply maps one vector.
func (m AxisMapping) Apply(v [3]float64) [3]float64 {
	var out [3]float64
	for j := 0; j < 3; j++ {
		out[j] = m.Sign[j] * v[m.Source[j]]
	}
	return out
}

// Reorient returns a copy of the table with every direction moved from the
// current orientation code to the target one. B-values are unchanged.
func Reorient(t *Table, current, target string) (*Table, error) {
	m, err := OrientationMapping(current, target)
	if err != nil {
		return nil, err
	}

	out := &Table{
		Directions: make([][3]float64, len(t.Directions)),
		BValues:    make([]float64, len(t.BValues)),
	}
	copy(out.BValues, t.BValues)
	for i, g := range t.Directions {
		out.Directions[i] = m.Apply(g)
	}
	return out, nil
}

func parseOrientation(code string) ([3]struct {
	axis int
	sign float64
}, error) {
	var out [3]struct {
		axis int
		sign float64
	}

	code = strings.ToUpper(code)
	if len(code) != 3 {
		return out, fmt.Errorf("%w: %q must have three letters", ErrOrientation, code)
	}

	var seen [3]bool
	for i := 0; i < 3; i++ {
		a, ok := axisOf[code[i]]
		if !ok {
			return out, fmt.Errorf("%w: %q has unknown letter %q", ErrOrientation, code, code[i])
		}
		if seen[a.axis] {
			return out, fmt.Errorf("%w: %q repeats an axis", ErrOrientation, code)
		}
		seen[a.axis] = true
		out[i].axis = a.axis
		out[i].sign = a.sign
	}
	return out, nil
}

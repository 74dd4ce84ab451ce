package gradients

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrFormat is returned when a bvec or bval file does not have the expected layout.
var ErrFormat = errors.New("gradients: malformed gradient file")

// BvecBvalPaths resolves the partner files of a gradient table.
//
// A path ending in .bvec pairs with the same base name ending in .bval and
// vice versa. A path without extension gets both suffixes appended.
func BvecBvalPaths(path string) (bvecPath, bvalPath string) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	switch ext {
	case ".bvec", ".bval":
		return base + ".bvec", base + ".bval"
	default:
		return path + ".bvec", path + ".bval"
	}
}

// ReadBvecFile reads the gradient table stored in a .bvec/.bval pair.
//
// The .bvec file holds three rows (x, y and z components) with one column
// per acquired volume. The .bval file holds a single row of b-values with
// the same number of columns. Directions of diffusion-weighted volumes must
// be unit length within atol.
func ReadBvecFile(path string, atol float64) (*Table, error) {
	bvecPath, bvalPath := BvecBvalPaths(path)
	return ReadPair(bvecPath, bvalPath, atol)
}

// ReadPair reads a gradient table from explicitly named direction and
// b-value files with the layout described at ReadBvecFile.
func ReadPair(bvecPath, bvalPath string, atol float64) (*Table, error) {
	bvecRows, err := readMatrixFile(bvecPath)
	if err != nil {
		return nil, err
	}
	if len(bvecRows) != 3 {
		return nil, fmt.Errorf("%w: %s should have three rows, found %d", ErrFormat, bvecPath, len(bvecRows))
	}

	bvalRows, err := readMatrixFile(bvalPath)
	if err != nil {
		return nil, err
	}
	bvals, err := flattenRows(bvalRows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", bvalPath, err)
	}

	n := len(bvecRows[0])
	if len(bvals) != n {
		return nil, fmt.Errorf("%w: %s has %d columns but %s has %d values",
			ErrFormat, bvecPath, n, bvalPath, len(bvals))
	}

	dirs := make([][3]float64, n)
	for i := 0; i < n; i++ {
		dirs[i] = [3]float64{bvecRows[0][i], bvecRows[1][i], bvecRows[2][i]}
	}

	table, err := New(dirs, bvals, atol)
	if err != nil {
		return nil, fmt.Errorf("invalid gradient table %s: %w", bvecPath, err)
	}
	return table, nil
}

// WriteBvecFile writes the table as a .bvec/.bval pair resolved from path.
func WriteBvecFile(path string, t *Table) error {
	bvecPath, bvalPath := BvecBvalPaths(path)

	if dir := filepath.Dir(bvecPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating gradient directory: %w", err)
		}
	}

	var sb strings.Builder
	for axis := 0; axis < 3; axis++ {
		for i, g := range t.Directions {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strconv.FormatFloat(g[axis], 'g', -1, 64))
		}
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(bvecPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("error writing bvec file: %w", err)
	}

	sb.Reset()
	for i, b := range t.BValues {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.FormatFloat(b, 'g', -1, 64))
	}
	sb.WriteByte('\n')
	if err := os.WriteFile(bvalPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("error writing bval file: %w", err)
	}
	return nil
}

func readMatrixFile(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening gradient file: %w", err)
	}
	defer f.Close()

	rows, err := parseMatrix(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// parseMatrix reads whitespace or comma separated numbers, one row per
// non-empty line. All rows must have the same number of columns.
func parseMatrix(r io.Reader) ([][]float64, error) {
	var rows [][]float64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ','
		})
		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, lineNo, err)
			}
			row[i] = v
		}
		if len(rows) > 0 && len(row) != len(rows[0]) {
			return nil, fmt.Errorf("%w: line %d has %d columns, expected %d", ErrFormat, lineNo, len(row), len(rows[0]))
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no data", ErrFormat)
	}
	return rows, nil
}

// flattenRows accepts b-values written either as one row or one column.
func flattenRows(rows [][]float64) ([]float64, error) {
	if len(rows) == 1 {
		return rows[0], nil
	}
	if len(rows[0]) != 1 {
		return nil, fmt.Errorf("%w: b-values should be a single row, found %dx%d", ErrFormat, len(rows), len(rows[0]))
	}
	out := make([]float64, len(rows))
	for i, row := range rows {
		out[i] = row[0]
	}
	return out, nil
}

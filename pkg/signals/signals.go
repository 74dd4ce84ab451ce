// Package signals reads, writes and synthesises per-voxel diffusion signal
// tables.
//
// A signal table is plain text with one voxel per line and one
// whitespace-separated intensity per acquired volume. Lines starting with
// '#' are comments, except for an optional "# dims W H D" header giving the
// voxel grid. Without the header the voxels form a W x 1 x 1 row.
package signals

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"dtifit/pkg/dti"
	"dtifit/pkg/gradients"
)

var (
	// ErrFormat is returned for malformed signal tables.
	ErrFormat = errors.New("signals: malformed signal table")

	// ErrDims is returned when the dims header does not match the voxel count.
	ErrDims = errors.New("signals: grid dimensions do not match voxel count")
)

// Table holds the signal of every voxel on a Width x Height x Depth grid in
// x-fastest order.
type Table struct {
	Width, Height, Depth int
	Voxels               [][]float64
}

// NumVolumes returns the number of intensities per voxel.
func (t *Table) NumVolumes() int {
	if len(t.Voxels) == 0 {
		return 0
	}
	return len(t.Voxels[0])
}

// Mask returns true for voxels whose mean intensity over the b0 volumes
// is above threshold. With no b0 volumes every voxel is kept.
func (t *Table) Mask(b0 []int, threshold float64) []bool {
	mask := make([]bool, len(t.Voxels))
	for i, v := range t.Voxels {
		if len(b0) == 0 {
			mask[i] = true
			continue
		}
		var sum float64
		for _, j := range b0 {
			sum += v[j]
		}
		mask[i] = sum/float64(len(b0)) > threshold
	}
	return mask
}

// Read parses a signal table.
func Read(r io.Reader) (*Table, error) {
	t := &Table{}
	var dims []int

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			fields := strings.Fields(strings.TrimPrefix(line, "#"))
			if len(fields) == 4 && fields[0] == "dims" {
				d, err := parseDims(fields[1:])
				if err != nil {
					return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, lineNo, err)
				}
				dims = d
			}
			continue
		}

		fields := strings.Fields(line)
		voxel := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, lineNo, err)
			}
			voxel[i] = v
		}
		if len(t.Voxels) > 0 && len(voxel) != len(t.Voxels[0]) {
			return nil, fmt.Errorf("%w: line %d has %d values, expected %d",
				ErrFormat, lineNo, len(voxel), len(t.Voxels[0]))
		}
		t.Voxels = append(t.Voxels, voxel)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(t.Voxels) == 0 {
		return nil, fmt.Errorf("%w: no voxels", ErrFormat)
	}

	if dims == nil {
		dims = []int{len(t.Voxels), 1, 1}
	}
	t.Width, t.Height, t.Depth = dims[0], dims[1], dims[2]
	if t.Width*t.Height*t.Depth != len(t.Voxels) {
		return nil, fmt.Errorf("%w: %dx%dx%d grid, %d voxels", ErrDims, t.Width, t.Height, t.Depth, len(t.Voxels))
	}
	return t, nil
}

// ReadFile reads a signal table from disk.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening signal table: %w", err)
	}
	defer f.Close()

	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Write serialises a signal table including its dims header.
func Write(w io.Writer, t *Table) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# dims %d %d %d\n", t.Width, t.Height, t.Depth)
	for _, voxel := range t.Voxels {
		for i, v := range voxel {
			if i > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(strconv.FormatFloat(v, 'g', 10, 64))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// WriteFile writes a signal table to disk, creating parent directories.
func WriteFile(path string, t *Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating signal directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating signal table: %w", err)
	}
	if err := Write(f, t); err != nil {
		f.Close()
		return fmt.Errorf("error writing signal table: %w", err)
	}
	return f.Close()
}

// Simulate produces the signal of every voxel from its model coefficients
// [Dxx, Dyy, Dzz, Dxy, Dxz, Dyz, log(S0)] as exp(X . coeffs). With sigma > 0
// Rician noise of that standard deviation is drawn from src.
func Simulate(table *gradients.Table, coeffs [][]float64, sigma float64, src rand.Source) ([][]float64, error) {
	x := dti.DesignMatrix(table)
	rows, _ := x.Dims()
	noisy := sigma > 0 && src != nil
	noise := distuv.Normal{Mu: 0, Sigma: sigma, Src: src}

	out := make([][]float64, len(coeffs))
	for v, c := range coeffs {
		if len(c) != dti.NumCoefficients {
			return nil, fmt.Errorf("voxel %d: %w: need %d coefficients, got %d",
				v, dti.ErrShape, dti.NumCoefficients, len(c))
		}
		var logS mat.VecDense
		logS.MulVec(x, mat.NewVecDense(len(c), c))

		signal := make([]float64, rows)
		for i := range signal {
			s := math.Exp(logS.AtVec(i))
			if noisy {
				s = math.Hypot(s+noise.Rand(), noise.Rand())
			}
			signal[i] = s
		}
		out[v] = signal
	}
	return out, nil
}

func parseDims(fields []string) ([]int, error) {
	dims := make([]int, 3)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		if v <= 0 {
			return nil, fmt.Errorf("dimension %d must be positive", v)
		}
		dims[i] = v
	}
	return dims, nil
}

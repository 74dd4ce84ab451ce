package dti

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"dtifit/pkg/sphere"
)

// ProgressCallback reports how many voxels have been fitted so far.
type ProgressCallback func(completed, total int)

// FitOptions controls a volume fit.
type FitOptions struct {
	// Method selects WLS (default) or OLS.
	Method Method

	// MinSignal is the floor applied to intensities before the logarithm.
	MinSignal float64

	// Workers bounds the number of voxels fitted concurrently.
	// Zero uses every available CPU.
	Workers int

	// Progress, when set, is called after every fitted voxel. It may be
	// called from several goroutines at once.
	Progress ProgressCallback
}

// DefaultFitOptions returns WLS fitting on all CPUs.
func DefaultFitOptions() FitOptions {
	return FitOptions{
		Method:    WLS,
		MinSignal: DefaultMinSignal,
		Workers:   runtime.NumCPU(),
	}
}

// Field holds one fitted tensor per voxel of a Width x Height x Depth grid
// stored in x-fastest order.
type Field struct {
	Width, Height, Depth int

	// Fits holds the per-voxel result. Voxels outside Mask hold a zero tensor.
	Fits []Fit

	// Mask marks the voxels that were fitted. A nil mask means all of them.
	Mask []bool
}

// NewField allocates a field of zero tensors.
func NewField(width, height, depth int) *Field {
	n := width * height * depth
	f := &Field{
		Width:  width,
		Height: height,
		Depth:  depth,
		Fits:   make([]Fit, n),
	}
	for i := range f.Fits {
		f.Fits[i].Tensor = ZeroTensor()
	}
	return f
}

// Len returns the number of voxels.
func (f *Field) Len() int {
	return len(f.Fits)
}

// At returns the fit of voxel i.
func (f *Field) At(i int) Fit {
	return f.Fits[i]
}

// Set stores a tensor for voxel i, deriving the coefficients from it.
// The log(S0) coefficient is kept.
func (f *Field) Set(i int, t Tensor) {
	c := t.Coefficients()
	copy(f.Fits[i].Coefficients[:6], c[:])
	f.Fits[i].Tensor = t
}

// InMask reports whether voxel i was fitted.
func (f *Field) InMask(i int) bool {
	return f.Mask == nil || f.Mask[i]
}

// Metric names a scalar derived from a tensor.
type Metric int

const (
	MetricFA Metric = iota
	MetricMD
	MetricADC
	MetricAD
	MetricRD
	MetricTrace
	MetricS0
)

var metricNames = map[Metric]string{
	MetricFA:    "fa",
	MetricMD:    "md",
	MetricADC:   "adc",
	MetricAD:    "ad",
	MetricRD:    "rd",
	MetricTrace: "trace",
	MetricS0:    "s0",
}

// AllMetrics lists every metric in a stable order.
func AllMetrics() []Metric {
	return []Metric{MetricFA, MetricMD, MetricADC, MetricAD, MetricRD, MetricTrace, MetricS0}
}

func (m Metric) String() string {
	if name, ok := metricNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Metric(%d)", int(m))
}

// ParseMetric converts a metric name such as "fa" or "MD" to a Metric.
func ParseMetric(s string) (Metric, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range metricNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("dti: unknown metric %q", s)
}

// Value evaluates the metric for one fit.
func (m Metric) Value(f Fit) float64 {
	switch m {
	case MetricFA:
		return f.FA()
	case MetricMD:
		return f.MD()
	case MetricADC:
		return f.ADC()
	case MetricAD:
		return f.AxialDiffusivity()
	case MetricRD:
		return f.RadialDiffusivity()
	case MetricTrace:
		return f.Trace()
	case MetricS0:
		return f.S0()
	default:
		return 0
	}
}

// Map evaluates a metric over every voxel. Voxels outside the mask are 0.
func (f *Field) Map(m Metric) []float64 {
	out := make([]float64, len(f.Fits))
	for i, fit := range f.Fits {
		if f.InMask(i) {
			out[i] = m.Value(fit)
		}
	}
	return out
}

// FitVolume fits a tensor for every voxel of signals, where signals[i]
// holds the intensities of voxel i in the row order of the design matrix.
// Voxels whose mask entry is false are skipped. Fitting stops at the first
// voxel error or when ctx is cancelled.
func FitVolume(ctx context.Context, x *mat.Dense, signals [][]float64, mask []bool, width, height, depth int, opts FitOptions) (*Field, error) {
	n := width * height * depth
	if n != len(signals) {
		return nil, fmt.Errorf("%w: grid %dx%dx%d holds %d voxels, got %d signals",
			ErrShape, width, height, depth, n, len(signals))
	}
	if mask != nil && len(mask) != n {
		return nil, fmt.Errorf("%w: mask has %d entries for %d voxels", ErrShape, len(mask), n)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	field := NewField(width, height, depth)
	if mask != nil {
		field.Mask = make([]bool, n)
		copy(field.Mask, mask)
	}

	total := n
	if mask != nil {
		total = 0
		for _, in := range mask {
			if in {
				total++
			}
		}
	}

	var completed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := 0; i < n; i++ {
		if !field.InMask(i) {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		i := i // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fit, err := FitVoxel(x, signals[i], opts)
			if err != nil {
				return fmt.Errorf("voxel %d: %w", i, err)
			}
			field.Fits[i] = fit
			done := completed.Add(1)
			if opts.Progress != nil {
				opts.Progress(int(done), total)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return field, nil
}

// QuantizeEvecs maps the principal eigenvector of every voxel to the index
// of the nearest sphere vertex, ignoring the sign of the eigenvector.
// Voxels outside the mask get -1.
func QuantizeEvecs(f *Field, s *sphere.Sphere) []int {
	out := make([]int, len(f.Fits))
	for i, fit := range f.Fits {
		if !f.InMask(i) {
			out[i] = -1
			continue
		}
		out[i] = s.Nearest(fit.PrincipalDirection())
	}
	return out
}

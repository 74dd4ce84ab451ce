// Package pipeline runs a complete tensor fit from gradient and signal files
// to metric maps, summary statistics and a YAML report.
package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"dtifit/internal/logging"
	"dtifit/internal/models"
	"dtifit/pkg/config"
	"dtifit/pkg/dti"
	"dtifit/pkg/gradients"
	"dtifit/pkg/signals"
	"dtifit/pkg/sphere"
	"dtifit/pkg/visualization"
)

// Output file names inside Params.OutputDir
const (
	ReportFile  = "report.yaml"
	MetricsFile = "metrics.tsv"
	TensorsFile = "tensors.txt"
	MapsDir     = "maps"
)

// Params holds the fitting parameters.
type Params struct {
	// BvecPath is the gradient direction file. The b-value file is found
	// next to it (see gradients.BvecBvalPaths) unless BvalPath is set.
	BvecPath string
	BvalPath string

	// SignalsPath is the voxel signal table (see package signals).
	SignalsPath string

	// OutputDir receives the report, metric table, tensors and maps.
	OutputDir string

	// Workers bounds the number of voxels fitted concurrently.
	Workers int

	// Method and MinSignal are passed to dti.FitVolume.
	Method    dti.Method
	MinSignal float64

	// MaskThreshold drops voxels whose mean b0 signal is at or below it.
	MaskThreshold float64

	// B0Threshold is the largest b-value treated as unweighted.
	B0Threshold float64

	// Tolerance on the unit norm of weighted gradient directions.
	Tolerance float64

	// Orientation and TargetOrientation reorient the gradient directions,
	// e.g. from "LPS" to "RAS". An empty Orientation keeps them as stored.
	Orientation       string
	TargetOrientation string

	// Metrics selects the maps written to the metric table and exported.
	Metrics []dti.Metric

	// DirectionBins is the number of hemisphere vertices principal
	// directions are quantised to. Zero disables the direction histogram.
	DirectionBins int

	// ExportMaps writes every metric map as JPEG slices along z, plus a
	// direction-encoded colour FA map.
	ExportMaps bool

	// Verbose prints numbered progress steps to Stdout.
	Verbose bool
	Stdout  io.Writer

	// Logger receives structured progress. Nil discards it.
	Logger *logrus.Logger

	// Progress, when set, is forwarded to the volume fit.
	Progress dti.ProgressCallback
}

// DefaultDirectionBins is the direction histogram resolution used by NewParams.
const DefaultDirectionBins = 64

// NewParams builds fitting parameters from a validated configuration.
func NewParams(cfg *config.Config) (*Params, error) {
	method, err := dti.ParseMethod(cfg.Processing.Method)
	if err != nil {
		return nil, err
	}
	metrics, err := cfg.Metrics()
	if err != nil {
		return nil, err
	}
	return &Params{
		OutputDir:         cfg.Output.Dir,
		Workers:           cfg.Processing.Workers,
		Method:            method,
		MinSignal:         cfg.Processing.MinSignal,
		MaskThreshold:     cfg.Processing.MaskThreshold,
		B0Threshold:       cfg.Processing.B0Threshold,
		Tolerance:         cfg.Gradients.Tolerance,
		Orientation:       cfg.Gradients.Orientation,
		TargetOrientation: cfg.Gradients.TargetOrientation,
		Metrics:           metrics,
		DirectionBins:     DefaultDirectionBins,
		ExportMaps:        cfg.Output.ExportMaps,
		Verbose:           cfg.Output.Verbose,
		Stdout:            os.Stdout,
	}, nil
}

// Fitter runs the tensor fitting pipeline.
//
// The process consists of several steps:
// 1. Loading (and optionally reorienting) the gradient table
// 2. Loading the voxel signals
// 3. Building the brain mask from the b0 volumes
// 4. Fitting one tensor per masked voxel in parallel
// 5. Computing metric maps and their summary statistics
// 6. Writing the report, metric table and tensor coefficients
// 7. Exporting map slices as images (optional)
type Fitter struct {
	// params stores the run configuration
	params *Params

	log *logrus.Logger

	// inputs
	table   *gradients.Table
	signals *signals.Table
	mask    []bool

	// results
	field  *dti.Field
	maps   map[dti.Metric]*models.ScalarMap
	report models.Report
}

// NewFitter creates a fitter for the provided parameters.
func NewFitter(params *Params) *Fitter {
	log := params.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Fitter{
		params: params,
		log:    log,
		maps:   make(map[dti.Metric]*models.ScalarMap),
	}
}

func (f *Fitter) reset() {
	f.table, f.signals, f.mask = nil, nil, nil
	f.field = nil
	f.maps = make(map[dti.Metric]*models.ScalarMap)
	f.report = models.Report{}
}

// Process runs the complete fitting pipeline.
func (f *Fitter) Process(ctx context.Context) error {
	start := time.Now()

	// a fitter may be run again on changed inputs
	f.reset()

	if err := os.MkdirAll(f.params.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f.step(1, "Loading gradient table")
	if err := f.loadGradients(); err != nil {
		return fmt.Errorf("failed to load gradients: %w", err)
	}

	f.step(2, "Loading voxel signals")
	if err := f.loadSignals(); err != nil {
		return fmt.Errorf("failed to load signals: %w", err)
	}

	f.step(3, "Building mask")
	f.buildMask()

	f.step(4, "Fitting diffusion tensors")
	if err := f.fitTensors(ctx); err != nil {
		return fmt.Errorf("failed to fit tensors: %w", err)
	}

	f.step(5, "Computing metric maps")
	if err := f.computeMaps(); err != nil {
		return fmt.Errorf("failed to compute maps: %w", err)
	}

	f.step(6, "Writing results")
	if err := f.writeMetricsTable(); err != nil {
		return fmt.Errorf("failed to write metric table: %w", err)
	}
	if err := f.writeTensors(); err != nil {
		return fmt.Errorf("failed to write tensors: %w", err)
	}
	if err := f.writeMapBinaries(); err != nil {
		return fmt.Errorf("failed to write maps: %w", err)
	}

	if f.params.ExportMaps {
		f.step(7, "Exporting map slices")
		if err := f.exportMaps(); err != nil {
			return fmt.Errorf("failed to export maps: %w", err)
		}
	}

	f.report.ElapsedSeconds = time.Since(start).Seconds()
	f.report.Outputs = append(f.report.Outputs, ReportFile)
	if err := f.writeReport(); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	f.log.WithFields(logrus.Fields{
		"voxels":  f.report.MaskedVoxels,
		"elapsed": time.Since(start).Round(time.Millisecond).String(),
	}).Info("fit complete")
	return nil
}

func (f *Fitter) step(n int, msg string) {
	if f.params.Verbose && f.params.Stdout != nil {
		fmt.Fprintf(f.params.Stdout, "Step %d: %s...\n", n, msg)
	}
	f.log.WithField("step", n).Debug(msg)
}

func (f *Fitter) loadGradients() error {
	bvecPath, bvalPath := gradients.BvecBvalPaths(f.params.BvecPath)
	if f.params.BvalPath != "" {
		bvecPath, bvalPath = f.params.BvecPath, f.params.BvalPath
	}

	tol := f.params.Tolerance
	if tol <= 0 {
		tol = gradients.DefaultTolerance
	}

	table, err := gradients.ReadPair(bvecPath, bvalPath, tol)
	if err != nil {
		return err
	}

	if f.params.Orientation != "" {
		target := f.params.TargetOrientation
		if target == "" {
			target = "RAS"
		}
		table, err = gradients.Reorient(table, f.params.Orientation, target)
		if err != nil {
			return err
		}
		f.report.Gradients.Orientation = strings.ToUpper(f.params.Orientation) + "->" + strings.ToUpper(target)
	}

	f.table = table
	f.report.Gradients.Volumes = table.Len()
	f.report.Gradients.B0Volumes = len(table.B0Indices(f.params.B0Threshold))
	f.report.Gradients.BValues = uniqueSorted(table.BValues)

	f.log.WithFields(logrus.Fields{
		"bvec":    bvecPath,
		"bval":    bvalPath,
		"volumes": table.Len(),
		"b0":      f.report.Gradients.B0Volumes,
	}).Info("loaded gradient table")
	return nil
}

func (f *Fitter) loadSignals() error {
	sig, err := signals.ReadFile(f.params.SignalsPath)
	if err != nil {
		return err
	}
	if sig.NumVolumes() != f.table.Len() {
		return fmt.Errorf("%w: signals have %d volumes, gradient table has %d",
			dti.ErrShape, sig.NumVolumes(), f.table.Len())
	}

	f.signals = sig
	f.report.Grid = [3]int{sig.Width, sig.Height, sig.Depth}
	f.report.Voxels = len(sig.Voxels)

	f.log.WithFields(logrus.Fields{
		"path": f.params.SignalsPath,
		"grid": fmt.Sprintf("%dx%dx%d", sig.Width, sig.Height, sig.Depth),
	}).Info("loaded signals")
	return nil
}

func (f *Fitter) buildMask() {
	b0 := f.table.B0Indices(f.params.B0Threshold)
	f.mask = f.signals.Mask(b0, f.params.MaskThreshold)

	count := 0
	for _, in := range f.mask {
		if in {
			count++
		}
	}
	f.report.MaskedVoxels = count

	f.log.WithFields(logrus.Fields{
		"masked":    count,
		"voxels":    len(f.mask),
		"threshold": f.params.MaskThreshold,
	}).Info("built mask")
}

func (f *Fitter) fitTensors(ctx context.Context) error {
	x := dti.DesignMatrix(f.table)

	opts := dti.DefaultFitOptions()
	opts.Method = f.params.Method
	if f.params.MinSignal > 0 {
		opts.MinSignal = f.params.MinSignal
	}
	if f.params.Workers > 0 {
		opts.Workers = f.params.Workers
	}
	opts.Progress = f.params.Progress

	f.report.Method = opts.Method.String()
	f.report.MinSignal = opts.MinSignal

	field, err := dti.FitVolume(ctx, x, f.signals.Voxels, f.mask,
		f.signals.Width, f.signals.Height, f.signals.Depth, opts)
	if err != nil {
		return err
	}
	f.field = field

	for i, fit := range field.Fits {
		if field.InMask(i) && !fit.IsPhysical() {
			f.report.NonPhysical++
		}
	}
	if f.report.NonPhysical > 0 {
		f.log.WithField("voxels", f.report.NonPhysical).Warn("tensors with negative eigenvalues")
	}
	return nil
}

func (f *Fitter) computeMaps() error {
	for _, m := range f.metrics() {
		sm := &models.ScalarMap{
			Name:   m.String(),
			Data:   f.field.Map(m),
			Width:  f.field.Width,
			Height: f.field.Height,
			Depth:  f.field.Depth,
		}
		f.maps[m] = sm
		f.report.Summaries = append(f.report.Summaries, summarize(sm, f.mask))
	}

	if f.params.DirectionBins > 0 {
		s, err := sphere.New(sphere.Fibonacci(f.params.DirectionBins, true))
		if err != nil {
			return err
		}
		f.report.Directions = directionHistogram(dti.QuantizeEvecs(f.field, s), s)
	}
	return nil
}

// metrics returns the requested metrics, always including FA.
func (f *Fitter) metrics() []dti.Metric {
	out := []dti.Metric{dti.MetricFA}
	for _, m := range f.params.Metrics {
		if m != dti.MetricFA {
			out = append(out, m)
		}
	}
	return out
}

// summarize computes statistics of a map over the masked, finite voxels.
func summarize(m *models.ScalarMap, mask []bool) models.Summary {
	values := make([]float64, 0, len(m.Data))
	for i, v := range m.Data {
		if (mask == nil || mask[i]) && !math.IsNaN(v) && !math.IsInf(v, 0) {
			values = append(values, v)
		}
	}

	s := models.Summary{Metric: m.Name, Count: len(values)}
	if len(values) == 0 {
		return s
	}

	sort.Float64s(values)
	s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		s.StdDev = 0
	}
	s.Min = floats.Min(values)
	s.Max = floats.Max(values)
	s.Median = stat.Quantile(0.5, stat.Empirical, values, nil)
	return s
}

// directionHistogram counts voxels per sphere vertex, most populated first.
func directionHistogram(bins []int, s *sphere.Sphere) []models.DirectionBin {
	counts := make(map[int]int)
	for _, b := range bins {
		if b >= 0 {
			counts[b]++
		}
	}

	out := make([]models.DirectionBin, 0, len(counts))
	for idx, n := range counts {
		out = append(out, models.DirectionBin{Vertex: idx, Direction: s.Vertex(idx), Voxels: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Voxels != out[j].Voxels {
			return out[i].Voxels > out[j].Voxels
		}
		return out[i].Vertex < out[j].Vertex
	})
	return out
}

// writeMetricsTable writes one tab-separated row per masked voxel.
func (f *Fitter) writeMetricsTable() error {
	metrics := f.metrics()

	var sb strings.Builder
	sb.WriteString("x\ty\tz")
	for _, m := range metrics {
		sb.WriteString("\t" + m.String())
	}
	sb.WriteByte('\n')

	ref := f.maps[dti.MetricFA]
	for i := range f.field.Fits {
		if !f.field.InMask(i) {
			continue
		}
		x, y, z := ref.Coords(i)
		fmt.Fprintf(&sb, "%d\t%d\t%d", x, y, z)
		for _, m := range metrics {
			sb.WriteString("\t" + strconv.FormatFloat(f.maps[m].Data[i], 'g', 8, 64))
		}
		sb.WriteByte('\n')
	}

	if err := os.WriteFile(filepath.Join(f.params.OutputDir, MetricsFile), []byte(sb.String()), 0644); err != nil {
		return err
	}
	f.report.Outputs = append(f.report.Outputs, MetricsFile)
	return nil
}

// writeTensors stores the model coefficients of every voxel in the signal
// table format so they can be read back with signals.ReadFile.
func (f *Fitter) writeTensors() error {
	coeffs := &signals.Table{
		Width:  f.field.Width,
		Height: f.field.Height,
		Depth:  f.field.Depth,
		Voxels: make([][]float64, len(f.field.Fits)),
	}
	for i, fit := range f.field.Fits {
		c := fit.Coefficients
		coeffs.Voxels[i] = c[:]
	}

	if err := signals.WriteFile(filepath.Join(f.params.OutputDir, TensorsFile), coeffs); err != nil {
		return err
	}
	f.report.Outputs = append(f.report.Outputs, TensorsFile)
	return nil
}

// writeMapBinaries saves each map as little-endian float64 values.
func (f *Fitter) writeMapBinaries() error {
	dir := filepath.Join(f.params.OutputDir, MapsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	for _, m := range f.metrics() {
		name := filepath.Join(MapsDir, m.String()+".bin")
		file, err := os.Create(filepath.Join(f.params.OutputDir, name))
		if err != nil {
			return err
		}
		if err := binary.Write(file, binary.LittleEndian, f.maps[m].Data); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
		f.report.Outputs = append(f.report.Outputs, name)
	}
	return nil
}

func (f *Fitter) exportMaps() error {
	dir := filepath.Join(f.params.OutputDir, MapsDir)

	for _, m := range f.metrics() {
		sm := f.maps[m]
		viewer := visualization.NewViewer(sm.Data, sm.Width, sm.Height, sm.Depth)
		if m == dti.MetricFA {
			if err := viewer.SetWindow(0, 1); err != nil {
				return err
			}
		}
		files, err := viewer.SaveSliceSequence("z", dir, sm.Name)
		if err != nil {
			return err
		}
		f.addOutputs(files)
	}

	// direction-encoded colour FA
	fa := f.maps[dti.MetricFA]
	dirs := make([][3]float64, len(f.field.Fits))
	for i, fit := range f.field.Fits {
		dirs[i] = fit.PrincipalDirection()
	}
	viewer := visualization.NewViewer(fa.Data, fa.Width, fa.Height, fa.Depth)
	if err := viewer.SetWindow(0, 1); err != nil {
		return err
	}
	if err := viewer.SetDirections(dirs); err != nil {
		return err
	}
	files, err := viewer.SaveSliceSequence("z", dir, "colorfa")
	if err != nil {
		return err
	}
	f.addOutputs(files)

	f.log.WithField("dir", dir).Info("exported map slices")
	return nil
}

func (f *Fitter) addOutputs(files []string) {
	for _, file := range files {
		rel, err := filepath.Rel(f.params.OutputDir, file)
		if err != nil {
			rel = file
		}
		f.report.Outputs = append(f.report.Outputs, rel)
	}
}

func (f *Fitter) writeReport() error {
	data, err := yaml.Marshal(&f.report)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(f.params.OutputDir, ReportFile), data, 0644)
}

// GetReport returns the report of the last run.
func (f *Fitter) GetReport() models.Report {
	return f.report
}

// Field returns the fitted tensor field, or nil before Process succeeds.
func (f *Fitter) Field() *dti.Field {
	return f.field
}

// Map returns a computed metric map, or nil if it was not requested.
func (f *Fitter) Map(m dti.Metric) *models.ScalarMap {
	return f.maps[m]
}

// ReadReport loads a report written by Process.
func ReadReport(path string) (*models.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r models.Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("error parsing report: %w", err)
	}
	return &r, nil
}

func uniqueSorted(values []float64) []float64 {
	out := append([]float64(nil), values...)
	sort.Float64s(out)
	n := 0
	for i, v := range out {
		if i == 0 || v != out[n-1] {
			out[n] = v
			n++
		}
	}
	return out[:n]
}

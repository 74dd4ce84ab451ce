// Package visualization renders scalar diffusion maps (FA, MD, ...) as
// image slices along the three grid axes.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
)

// Viewer extracts 2D slices from a scalar map defined on a
// width x height x depth voxel grid stored in x-fastest order.
type Viewer struct {
	// mapData holds one scalar per voxel
	mapData []float64

	// dimensions of the grid
	width  int
	height int
	depth  int

	// display window; values are scaled from [low, high] to full intensity
	low  float64
	high float64

	// directions, when set, colour each voxel by its principal eigenvector
	// (red = x, green = y, blue = z) weighted by the map value
	directions [][3]float64
}

// NewViewer creates a viewer whose display window spans the finite range of
// the map.
func NewViewer(mapData []float64, width, height, depth int) *Viewer {
	v := &Viewer{
		mapData: mapData,
		width:   width,
		height:  height,
		depth:   depth,
	}
	v.low, v.high = finiteRange(mapData)
	return v
}

// SetWindow fixes the display window, for example [0, 1] for FA.
func (v *Viewer) SetWindow(low, high float64) error {
	if !(high > low) {
		return fmt.Errorf("invalid display window [%g, %g]", low, high)
	}
	v.low, v.high = low, high
	return nil
}

// Window returns the current display window.
func (v *Viewer) Window() (low, high float64) {
	return v.low, v.high
}

// SetDirections enables direction-encoded colour output.
func (v *Viewer) SetDirections(dirs [][3]float64) error {
	if len(dirs) != len(v.mapData) {
		return fmt.Errorf("got %d directions for %d voxels", len(dirs), len(v.mapData))
	}
	v.directions = dirs
	return nil
}

// scaled maps a voxel value into [0, 1] using the display window.
func (v *Viewer) scaled(idx int) float64 {
	if idx >= len(v.mapData) {
		return 0
	}
	val := v.mapData[idx]
	if math.IsNaN(val) || v.high <= v.low {
		return 0
	}
	return math.Max(0, math.Min(1, (val-v.low)/(v.high-v.low)))
}

func (v *Viewer) pixel(idx int) color.Color {
	s := v.scaled(idx)
	if v.directions == nil {
		return color.Gray16{Y: uint16(s * 65535)}
	}
	d := v.directions[idx]
	return color.RGBA64{
		R: uint16(math.Min(1, math.Abs(d[0])) * s * 65535),
		G: uint16(math.Min(1, math.Abs(d[1])) * s * 65535),
		B: uint16(math.Min(1, math.Abs(d[2])) * s * 65535),
		A: 65535,
	}
}

// ExtractSlice extracts a 2D slice from the map along the specified axis.
// Axis "x" gives a depth x height image, "y" gives width x depth and "z"
// gives width x height.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var (
		w, h  int
		index func(i, j int) int
	)

	switch axis {
	case "x", "X":
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		w, h = v.depth, v.height
		index = func(z, y int) int { return z*v.width*v.height + y*v.width + position }

	case "y", "Y":
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		w, h = v.width, v.depth
		index = func(x, z int) int { return z*v.width*v.height + position*v.width + x }

	case "z", "Z":
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		w, h = v.width, v.height
		index = func(x, y int) int { return position*v.width*v.height + y*v.width + x }

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	rect := image.Rect(0, 0, w, h)
	if v.directions == nil {
		img := image.NewGray16(rect)
		for j := 0; j < h; j++ {
			for i := 0; i < w; i++ {
				img.Set(i, j, v.pixel(index(i, j)))
			}
		}
		return img, nil
	}

	img := image.NewRGBA64(rect)
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			img.Set(i, j, v.pixel(index(i, j)))
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
// as <prefix>_<axis>_<NNN>.jpg in outputDir.
func (v *Viewer) SaveSliceSequence(axis, outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	files := make([]string, 0, maxPos)
	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return files, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.jpg", prefix, axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}

	return files, nil
}

// finiteRange returns the minimum and maximum of the finite values.
func finiteRange(data []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, x := range data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

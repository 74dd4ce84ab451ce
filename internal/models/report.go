package models

// ScalarMap is one scalar per voxel on a Width x Height x Depth grid,
// stored x-fastest.
type ScalarMap struct {
	// Name is the metric the map holds, e.g. "fa"
	Name string

	// Data is the map as a 1D array in x-fastest order
	Data []float64

	// Dimensions of the grid in voxels
	Width, Height, Depth int
}

// Index returns the position of voxel (x, y, z) in Data.
func (m *ScalarMap) Index(x, y, z int) int {
	return z*m.Width*m.Height + y*m.Width + x
}

// Coords is the inverse of Index.
func (m *ScalarMap) Coords(i int) (x, y, z int) {
	plane := m.Width * m.Height
	return i % m.Width, (i % plane) / m.Width, i / plane
}

// Summary holds descriptive statistics of a metric over the masked voxels.
type Summary struct {
	Metric string  `yaml:"metric"`
	Count  int     `yaml:"count"`
	Mean   float64 `yaml:"mean"`
	StdDev float64 `yaml:"stdDev"`
	Min    float64 `yaml:"min"`
	Median float64 `yaml:"median"`
	Max    float64 `yaml:"max"`
}

// GradientInfo describes the acquisition scheme a fit used.
type GradientInfo struct {
	Volumes     int       `yaml:"volumes"`
	B0Volumes   int       `yaml:"b0Volumes"`
	BValues     []float64 `yaml:"bValues"`
	Orientation string    `yaml:"orientation,omitempty"`
}

// DirectionBin counts the voxels whose principal direction is closest to
// one sphere vertex.
type DirectionBin struct {
	Vertex    int        `yaml:"vertex"`
	Direction [3]float64 `yaml:"direction,flow"`
	Voxels    int        `yaml:"voxels"`
}

// Report is the record of one fitting run written next to its outputs.
type Report struct {
	Gradients GradientInfo `yaml:"gradients"`

	// Grid is the voxel grid as [width, height, depth]
	Grid [3]int `yaml:"grid,flow"`

	Method       string  `yaml:"method"`
	MinSignal    float64 `yaml:"minSignal"`
	Voxels       int     `yaml:"voxels"`
	MaskedVoxels int     `yaml:"maskedVoxels"`

	// NonPhysical counts masked voxels with a negative eigenvalue
	NonPhysical int `yaml:"nonPhysical"`

	Summaries []Summary `yaml:"summaries"`

	// Directions is the principal direction histogram, most populated first
	Directions []DirectionBin `yaml:"directions,omitempty"`

	// Outputs lists every file the run wrote, relative to the output dir
	Outputs []string `yaml:"outputs"`

	ElapsedSeconds float64 `yaml:"elapsedSeconds"`
}

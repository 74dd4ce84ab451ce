// Package sphere provides unit-sphere vertex sets and nearest-vertex lookup
// for direction vectors such as principal diffusion eigenvectors.
package sphere

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// ErrEmpty is returned when a sphere is built without vertices.
var ErrEmpty = errors.New("sphere: no vertices")

// Point is a vertex on the unit sphere that remembers its position in the
// original vertex list.
type Point struct {
	X, Y, Z float64
	Index   int
}

// Compare implements the kdtree.Comparable interface
func (p Point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point) Distance(c kdtree.Comparable) float64 {
	q := c.(Point)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Points is a collection of Point that satisfies kdtree.Interface
type Points []Point

func (p Points) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points) Len() int                              { return len(p) }
func (p Points) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{Points: p, Dim: d}, kdtree.MedianOfRandoms(plane{Points: p, Dim: d}, 100))
}

// plane implements sort.Interface and kdtree.SortSlicer for Points
type plane struct {
	Points
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points[i].X < p.Points[j].X
	case 1:
		return p.Points[i].Y < p.Points[j].Y
	case 2:
		return p.Points[i].Z < p.Points[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{Points: p.Points[start:end], Dim: p.Dim}
}

func (p plane) Swap(i, j int) {
	p.Points[i], p.Points[j] = p.Points[j], p.Points[i]
}

// Sphere is a set of unit vertices indexed by a KD-tree.
type Sphere struct {
	vertices [][3]float64
	tree     *kdtree.Tree
}

// New normalises the vertices and builds the lookup tree.
func New(vertices [][3]float64) (*Sphere, error) {
	if len(vertices) == 0 {
		return nil, ErrEmpty
	}

	s := &Sphere{vertices: make([][3]float64, len(vertices))}
	pts := make(Points, len(vertices))
	for i, v := range vertices {
		u := normalize(v)
		s.vertices[i] = u
		pts[i] = Point{X: u[0], Y: u[1], Z: u[2], Index: i}
	}
	s.tree = kdtree.New(pts, false)
	return s, nil
}

// Fibonacci returns n vertices spread evenly over the sphere with a golden
// angle spiral. With hemisphere set, all vertices have z >= 0.
func Fibonacci(n int, hemisphere bool) [][3]float64 {
	out := make([][3]float64, n)
	golden := math.Pi * (3 - math.Sqrt(5))
	for i := 0; i < n; i++ {
		var z float64
		if hemisphere {
			z = 1 - (float64(i)+0.5)/float64(n)
		} else {
			z = 1 - 2*(float64(i)+0.5)/float64(n)
		}
		r := math.Sqrt(1 - z*z)
		theta := golden * float64(i)
		out[i] = [3]float64{r * math.Cos(theta), r * math.Sin(theta), z}
	}
	return out
}

// Len returns the vertex count.
func (s *Sphere) Len() int {
	return len(s.vertices)
}

// Vertex returns vertex i.
func (s *Sphere) Vertex(i int) [3]float64 {
	return s.vertices[i]
}

// Vertices returns a copy of all vertices.
func (s *Sphere) Vertices() [][3]float64 {
	out := make([][3]float64, len(s.vertices))
	copy(out, s.vertices)
	return out
}

// Nearest returns the index of the vertex closest to v, treating v and -v
// as the same axis. Diffusion directions carry no sign so both
// hemispheres are searched.
func (s *Sphere) Nearest(v [3]float64) int {
	u := normalize(v)

	pos, dPos := s.tree.Nearest(Point{X: u[0], Y: u[1], Z: u[2]})
	neg, dNeg := s.tree.Nearest(Point{X: -u[0], Y: -u[1], Z: -u[2]})
	if dNeg < dPos {
		return neg.(Point).Index
	}
	return pos.(Point).Index
}

// Spherical converts a unit vector to (theta, phi) with theta the azimuth in
// the x-y plane and phi the polar angle from +z.
func Spherical(v [3]float64) (theta, phi float64) {
	u := normalize(v)
	theta = math.Atan2(u[1], u[0])
	phi = math.Acos(math.Max(-1, math.Min(1, u[2])))
	return theta, phi
}

func normalize(v [3]float64) [3]float64 {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n == 0 {
		return v
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}

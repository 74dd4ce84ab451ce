// Package shm evaluates real spherical harmonics and builds spherical
// harmonic basis matrices over sets of directions.
//
// The real harmonic of degree n and order m is defined from the complex
// harmonic Y^m_n (with the Condon-Shortley phase) as
//
//	sqrt(2) * Re(Y^m_n)   if m > 0
//	Y^0_n                 if m == 0
//	sqrt(2) * Im(Y^m_n)   if m < 0
//
// theta is the azimuth in the x-y plane and phi is the polar angle
// measured from +z.
package shm

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidDegree is returned when |m| > n or n < 0.
	ErrInvalidDegree = errors.New("shm: invalid degree/order pair")

	// ErrOddOrder is returned when a symmetric basis is requested with an odd order.
	ErrOddOrder = errors.New("shm: basis order must be even")

	// ErrShape is returned when angle slices have different lengths.
	ErrShape = errors.New("shm: mismatched input lengths")
)

// RealSphHarm evaluates the real spherical harmonic of order m and degree n
// at azimuth theta and polar angle phi.
func RealSphHarm(m, n int, theta, phi float64) (float64, error) {
	if n < 0 || m > n || -m > n {
		return 0, fmt.Errorf("%w: m=%d n=%d", ErrInvalidDegree, m, n)
	}
	return realSphHarm(m, n, theta, phi), nil
}

// realSphHarm assumes a valid (m, n) pair.
func realSphHarm(m, n int, theta, phi float64) float64 {
	am := m
	if am < 0 {
		am = -am
	}

	// K * P^|m|_n(cos phi) is the real amplitude of Y^|m|_n.
	amp := normalization(am, n) * legendre(am, n, math.Cos(phi))

	switch {
	case m == 0:
		return amp
	case m > 0:
		return math.Sqrt2 * amp * math.Cos(float64(am)*theta)
	default:
		// Y^-|m| = (-1)^|m| conj(Y^|m|), whose imaginary part is
		// -(-1)^|m| * amp * sin(|m| theta).
		sign := 1.0
		if am%2 == 1 {
			sign = -1.0
		}
		return -sign * math.Sqrt2 * amp * math.Sin(float64(am)*theta)
	}
}

// normalization returns sqrt((2n+1)/(4pi) * (n-m)!/(n+m)!) for m >= 0.
func normalization(m, n int) float64 {
	lnum, _ := math.Lgamma(float64(n - m + 1))
	lden, _ := math.Lgamma(float64(n + m + 1))
	return math.Sqrt((2*float64(n) + 1) / (4 * math.Pi) * math.Exp(lnum-lden))
}

// legendre evaluates the associated Legendre function P^m_n(x) for m >= 0,
// including the Condon-Shortley phase (-1)^m.
func legendre(m, n int, x float64) float64 {
	// P^m_m = (-1)^m (2m-1)!! (1-x^2)^(m/2)
	pmm := 1.0
	if m > 0 {
		somx2 := math.Sqrt((1 - x) * (1 + x))
		fact := 1.0
		for i := 1; i <= m; i++ {
			pmm *= -fact * somx2
			fact += 2
		}
	}
	if n == m {
		return pmm
	}

	// P^m_{m+1} = x (2m+1) P^m_m
	pmmp1 := x * float64(2*m+1) * pmm
	if n == m+1 {
		return pmmp1
	}

	// (l-m) P^m_l = x (2l-1) P^m_{l-1} - (l+m-1) P^m_{l-2}
	var pll float64
	for l := m + 2; l <= n; l++ {
		pll = (x*float64(2*l-1)*pmmp1 - float64(l+m-1)*pmm) / float64(l-m)
		pmm = pmmp1
		pmmp1 = pll
	}
	return pll
}

// SphHarmIndList returns the orders m and degrees n of the even-degree
// real harmonics up to order, ordered by degree and then by m from -n to n.
// The list has (order+1)(order+2)/2 entries.
func SphHarmIndList(order int) (ms, ns []int, err error) {
	if order < 0 || order%2 != 0 {
		return nil, nil, fmt.Errorf("%w: got %d", ErrOddOrder, order)
	}

	size := (order + 1) * (order + 2) / 2
	ms = make([]int, 0, size)
	ns = make([]int, 0, size)
	for n := 0; n <= order; n += 2 {
		for m := -n; m <= n; m++ {
			ms = append(ms, m)
			ns = append(ns, n)
		}
	}
	return ms, ns, nil
}

// Basis evaluates the symmetric real harmonic basis up to order at every
// (theta, phi) point. Row i holds the harmonics of point i; columns follow
// SphHarmIndList.
func Basis(order int, thetas, phis []float64) (*mat.Dense, error) {
	if len(thetas) != len(phis) {
		return nil, fmt.Errorf("%w: %d azimuths, %d polar angles", ErrShape, len(thetas), len(phis))
	}
	if len(thetas) == 0 {
		return nil, fmt.Errorf("%w: no points", ErrShape)
	}
	ms, ns, err := SphHarmIndList(order)
	if err != nil {
		return nil, err
	}

	b := mat.NewDense(len(thetas), len(ms), nil)
	for i := range thetas {
		for j := range ms {
			b.Set(i, j, realSphHarm(ms[j], ns[j], thetas[i], phis[i]))
		}
	}
	return b, nil
}

// Grid holds real harmonics evaluated over the outer product of order,
// degree, azimuth and polar inputs.
type Grid struct {
	Shape [4]int
	Data  []float64
}

// At returns the value for order index i, degree index j, azimuth index k
// and polar index l.
func (g *Grid) At(i, j, k, l int) float64 {
	return g.Data[((i*g.Shape[1]+j)*g.Shape[2]+k)*g.Shape[3]+l]
}

// RealSphHarmGrid evaluates every combination of the inputs. Combinations
// with |m| > n are defined as zero.
func RealSphHarmGrid(ms, ns []int, thetas, phis []float64) *Grid {
	g := &Grid{Shape: [4]int{len(ms), len(ns), len(thetas), len(phis)}}
	g.Data = make([]float64, len(ms)*len(ns)*len(thetas)*len(phis))

	idx := 0
	for _, m := range ms {
		for _, n := range ns {
			valid := n >= 0 && m <= n && -m <= n
			for _, theta := range thetas {
				for _, phi := range phis {
					if valid {
						g.Data[idx] = realSphHarm(m, n, theta, phi)
					}
					idx++
				}
			}
		}
	}
	return g
}

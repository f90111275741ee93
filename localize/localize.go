package localize

import (
	"fmt"
	"math"
)

// GaspariCohn evaluates the Gaspari-Cohn 5th order piecewise rational
// function at distance d with localization radius c. It is a smooth
// correlation-shaped taper: 1 at zero distance, monotonically decreasing
// and exactly 0 beyond 2c.
func GaspariCohn(d, c float64) float64 {
	if c <= 0 {
		return 0
	}

	z := math.Abs(d) / c
	switch {
	case z < 1:
		return -z*z*z*z*z/4.0 + z*z*z*z/2.0 + 5.0*z*z*z/8.0 - 5.0*z*z/3.0 + 1.0
	case z < 2:
		return z*z*z*z*z/12.0 - z*z*z*z/2.0 + 5.0*z*z*z/8.0 + 5.0*z*z/3.0 - 5.0*z + 4.0 - 2.0/(3.0*z)
	}

	return 0
}

// CyclicDist returns the distance between grid indices i and j on a cyclic
// one dimensional grid of n points.
func CyclicDist(i, j, n int) float64 {
	d := math.Abs(float64(i - j))
	if n > 0 {
		d = math.Min(d, float64(n)-d)
	}

	return d
}

// Dist returns the distance between grid indices i and j on a bounded
// one dimensional grid.
func Dist(i, j int) float64 {
	return math.Abs(float64(i - j))
}

// Taper returns the Gaspari-Cohn taper weights of all observation positions
// relative to the state position pos. Positions are grid indices; cyclic
// selects the cyclic grid metric with period n.
// It returns error if radius is not positive or if obsPos is empty.
func Taper(pos float64, obsPos []float64, radius float64, cyclic bool, n int) ([]float64, error) {
	if radius <= 0 {
		return nil, fmt.Errorf("invalid localization radius: %v", radius)
	}

	if len(obsPos) == 0 {
		return nil, fmt.Errorf("no observation positions given")
	}

	w := make([]float64, len(obsPos))
	for j, op := range obsPos {
		d := math.Abs(pos - op)
		if cyclic && n > 0 {
			d = math.Min(d, float64(n)-d)
		}
		w[j] = GaspariCohn(d, radius)
	}

	return w, nil
}

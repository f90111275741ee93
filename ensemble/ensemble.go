package ensemble

import (
	"fmt"
	"math"

	"github.com/milosgajdos/matrix"
	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	da "github.com/milosgajdos/go-ensemble"
	"github.com/milosgajdos/go-ensemble/linalg"
	"github.com/milosgajdos/go-ensemble/rand"
)

// Ensembles are stored as Nx x N dense matrices: one member state per column.
// All functions in this package follow that convention.

// Mean returns the ensemble mean state.
func Mean(ens *mat.Dense) *mat.VecDense {
	means := linalg.RowMeans(ens)
	return mat.NewVecDense(len(means), means)
}

// WeightedMean returns the ensemble mean state under the member weights w.
// The weights must sum up to 1.
// It panics if the number of weights does not match the ensemble size.
func WeightedMean(ens *mat.Dense, w []float64) *mat.VecDense {
	rows, cols := ens.Dims()
	if len(w) != cols {
		panic("ensemble: invalid number of weights")
	}

	mean := mat.NewVecDense(rows, nil)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			mean.SetVec(r, mean.AtVec(r)+w[c]*ens.At(r, c))
		}
	}

	return mean
}

// Center returns the ensemble mean and the anomalies: each member minus the mean.
// The anomaly columns sum up to the zero vector exactly.
func Center(ens *mat.Dense) (*mat.VecDense, *mat.Dense) {
	rows, cols := ens.Dims()
	mean := Mean(ens)

	anom := mat.NewDense(rows, cols, nil)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			anom.Set(r, c, ens.At(r, c)-mean.AtVec(r))
		}
	}

	return mean, anom
}

// Anomalies returns the ensemble anomalies.
func Anomalies(ens *mat.Dense) *mat.Dense {
	_, anom := Center(ens)
	return anom
}

// FromMeanAnom assembles an ensemble from a mean state and anomalies.
func FromMeanAnom(mean mat.Vector, anom *mat.Dense) *mat.Dense {
	rows, cols := anom.Dims()
	ens := mat.NewDense(rows, cols, nil)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			ens.Set(r, c, mean.AtVec(r)+anom.At(r, c))
		}
	}

	return ens
}

// Cov returns the sample covariance of the ensemble members.
// It fails with error if the covariance fails to be computed.
func Cov(ens *mat.Dense) (mat.Symmetric, error) {
	return matrix.Cov(ens, "cols")
}

// Spread returns the ensemble spread: the root mean of the per-variable
// sample variances.
func Spread(ens *mat.Dense) float64 {
	rows, cols := ens.Dims()
	if cols < 2 {
		return 0
	}

	_, anom := Center(ens)

	var sum float64
	for r := 0; r < rows; r++ {
		row := anom.RawRowView(r)
		var s float64
		for _, v := range row {
			s += v * v
		}
		sum += s / float64(cols-1)
	}

	return math.Sqrt(sum / float64(rows))
}

// Inflate scales the ensemble anomalies by factor in place, leaving the mean
// untouched. Factors above 1 widen the spread, a factor of exactly 1 is a no-op.
// It returns error if factor is not positive.
func Inflate(ens *mat.Dense, factor float64) error {
	if factor <= 0 || math.IsNaN(factor) {
		return fmt.Errorf("invalid inflation factor: %v", factor)
	}

	if factor == 1.0 {
		return nil
	}

	rows, cols := ens.Dims()
	mean, anom := Center(ens)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			ens.Set(r, c, mean.AtVec(r)+factor*anom.At(r, c))
		}
	}

	return nil
}

// Rotate applies a random mean-preserving orthogonal transform to the
// ensemble anomalies in place. The ensemble mean and sample covariance are
// unchanged; repeated rotations guard against systematic rank deficiency
// across analysis cycles.
// It returns error if the transform fails to be generated.
func Rotate(ens *mat.Dense, src xrand.Source) error {
	_, cols := ens.Dims()

	u, err := rand.MeanPreservingOrthogonal(cols, src)
	if err != nil {
		return fmt.Errorf("failed to generate rotation: %v", err)
	}

	out := new(mat.Dense)
	out.Mul(ens, u)
	ens.Copy(out)

	return nil
}

// FromInitCond draws an n member ensemble from the initial distribution ic
// using the random stream src.
// It returns error if the ensemble fails to be drawn.
func FromInitCond(ic da.InitCond, n int, src xrand.Source) (*mat.Dense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid ensemble size: %d", n)
	}

	ens, err := rand.WithCovN(ic.Cov(), n, src)
	if err != nil {
		return nil, fmt.Errorf("failed to draw initial ensemble: %v", err)
	}

	rows, cols := ens.Dims()
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			ens.Set(r, c, ens.At(r, c)+ic.State().AtVec(r))
		}
	}

	return ens, nil
}

// InitCond is an initial state distribution given by its mean and covariance.
// It implements da.InitCond.
type InitCond struct {
	state *mat.VecDense
	cov   *mat.SymDense
}

// NewInitCond creates new InitCond and returns it.
func NewInitCond(state mat.Vector, cov mat.Symmetric) *InitCond {
	s := &mat.VecDense{}
	s.CloneFromVec(state)

	c := mat.NewSymDense(cov.SymmetricDim(), nil)
	c.CopySym(cov)

	return &InitCond{
		state: s,
		cov:   c,
	}
}

// State returns initial state
func (c *InitCond) State() mat.Vector {
	state := mat.NewVecDense(c.state.Len(), nil)
	state.CloneFromVec(c.state)

	return state
}

// Cov returns initial covariance
func (c *InitCond) Cov() mat.Symmetric {
	cov := mat.NewSymDense(c.cov.SymmetricDim(), nil)
	cov.CopySym(c.cov)

	return cov
}

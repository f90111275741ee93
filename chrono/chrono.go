package chrono

import (
	"fmt"
	"math"
)

// Chronology is the discrete time grid of a run. It spans the time points
// t_0..t_K with a fixed step size and marks every obsEvery-th step as an
// observation/analysis step. The same chronology is shared by the truth,
// the observations and every method in a run.
type Chronology struct {
	// dt is the step size
	dt float64
	// numSteps is the number of steps K; the grid has K+1 points
	numSteps int
	// obsEvery marks every obsEvery-th step as observation step
	obsEvery int
}

// New creates new Chronology with K numSteps of size dt where every
// obsEvery-th step is an observation step.
// It returns error if dt is not positive or if numSteps or obsEvery are invalid.
func New(dt float64, numSteps, obsEvery int) (*Chronology, error) {
	if dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		return nil, fmt.Errorf("invalid step size: %v", dt)
	}

	if numSteps <= 0 {
		return nil, fmt.Errorf("invalid number of steps: %d", numSteps)
	}

	if obsEvery < 1 || obsEvery > numSteps {
		return nil, fmt.Errorf("invalid observation interval: %d", obsEvery)
	}

	return &Chronology{
		dt:       dt,
		numSteps: numSteps,
		obsEvery: obsEvery,
	}, nil
}

// NewDuration creates new Chronology spanning total time T with step size dt
// and observations every dtObs time units.
// It returns error if T or dtObs are not (near) integer multiples of dt.
func NewDuration(dt, total, dtObs float64) (*Chronology, error) {
	if dt <= 0 {
		return nil, fmt.Errorf("invalid step size: %v", dt)
	}

	numSteps, err := ratio(total, dt)
	if err != nil {
		return nil, fmt.Errorf("invalid duration: %v", err)
	}

	obsEvery, err := ratio(dtObs, dt)
	if err != nil {
		return nil, fmt.Errorf("invalid observation interval: %v", err)
	}

	return New(dt, numSteps, obsEvery)
}

// ratio returns a/b as an integer or error if a is not a multiple of b.
func ratio(a, b float64) (int, error) {
	r := a / b
	n := math.Round(r)
	if n < 1 || math.Abs(r-n) > 1e-9*math.Max(1, math.Abs(r)) {
		return 0, fmt.Errorf("%v is not a positive multiple of %v", a, b)
	}

	return int(n), nil
}

// DT returns the step size.
func (c *Chronology) DT() float64 {
	return c.dt
}

// NumSteps returns the number of steps K.
func (c *Chronology) NumSteps() int {
	return c.numSteps
}

// Time returns the time of the k-th grid point.
func (c *Chronology) Time(k int) float64 {
	return float64(k) * c.dt
}

// IsObs returns true if step k is an observation step.
func (c *Chronology) IsObs(k int) bool {
	return k > 0 && k <= c.numSteps && k%c.obsEvery == 0
}

// NumObs returns the number of observation steps.
func (c *Chronology) NumObs() int {
	return c.numSteps / c.obsEvery
}

// ObsIndices returns the strictly increasing indices of the observation steps.
func (c *Chronology) ObsIndices() []int {
	kk := make([]int, 0, c.NumObs())
	for k := c.obsEvery; k <= c.numSteps; k += c.obsEvery {
		kk = append(kk, k)
	}

	return kk
}

// ObsIndex returns the ordinal of observation step k, i.e. the index into
// the observation series, or -1 if k is not an observation step.
func (c *Chronology) ObsIndex(k int) int {
	if !c.IsObs(k) {
		return -1
	}

	return k/c.obsEvery - 1
}

// String implements the Stringer interface.
func (c *Chronology) String() string {
	return fmt.Sprintf("Chronology{dt=%v, K=%d, obsEvery=%d}", c.dt, c.numSteps, c.obsEvery)
}

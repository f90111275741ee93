package da

import "gonum.org/v1/gonum/mat"

// Propagator propagates an ensemble of system states to the next time step.
// Ensembles are stored as dense matrices with one ensemble member per column.
type Propagator interface {
	// Propagate propagates every column of ens from time t over the step dt
	Propagate(ens *mat.Dense, t, dt float64) (*mat.Dense, error)
}

// Observer maps system states into observation space.
type Observer interface {
	// Observe observes every column of ens at time t
	Observe(ens *mat.Dense, t float64) (*mat.Dense, error)
}

// Model is a model of a dynamical system observed through noisy measurements.
type Model interface {
	// Propagator is system propagator
	Propagator
	// Observer is system observer
	Observer
	// SystemDims returns state and observation dimensions of the model
	SystemDims() (nx, ny int)
}

// InitCond is the initial state distribution of a run.
type InitCond interface {
	// State returns the mean of the initial distribution
	State() mat.Vector
	// Cov returns the covariance of the initial distribution
	Cov() mat.Symmetric
}

// Noise is dynamical system noise.
type Noise interface {
	// Mean returns noise mean
	Mean() []float64
	// Cov returns covariance matrix of the noise
	Cov() mat.Symmetric
	// Sample returns a sample of the noise
	Sample() mat.Vector
	// SampleN returns n independent samples of the noise stored in columns
	SampleN(n int) *mat.Dense
	// Reset reseeds the noise stream
	Reset(seed uint64)
}

// Method is an ensemble analysis update algorithm.
// Given the forecast ensemble and a measurement it returns the analysis ensemble.
type Method interface {
	// Update assimilates the measurement y taken at time t into ens
	Update(ens *mat.Dense, y mat.Vector, t float64) (*mat.Dense, error)
}

// Weighter is implemented by methods which attach importance weights
// to ensemble members, such as particle filters. The returned weights
// sum up to 1 and must be used when computing the ensemble mean.
type Weighter interface {
	// Weights returns member importance weights
	Weights() []float64
}

// Iterator is implemented by iterative methods. It reports the iteration
// count of the most recent analysis together with its convergence status.
// Hitting the iteration cap is normal termination, not an error.
type Iterator interface {
	// Iterations returns the iteration count and convergence flag of the last update
	Iterations() (int, bool)
}

// Inflator is implemented by methods which adapt their inflation factor,
// such as the finite-size EnKF.
type Inflator interface {
	// InflationFactor returns the inflation factor of the last update
	InflationFactor() float64
}

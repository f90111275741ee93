package hmm

import (
	"fmt"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	da "github.com/milosgajdos/go-ensemble"
	"github.com/milosgajdos/go-ensemble/chrono"
	"github.com/milosgajdos/go-ensemble/noise"
	"github.com/milosgajdos/go-ensemble/rand"
)

// HMM is a hidden Markov model description of a twin experiment: the
// chronology, the dynamical model, the initial state distribution and the
// state (Q) and observation (R) noises. It is immutable once created and is
// shared by the truth, the observations and every method in a run.
type HMM struct {
	// chron is the time grid of the experiment
	chron *chrono.Chronology
	// model is the dynamical system model
	model da.Model
	// ic is the initial state distribution
	ic da.InitCond
	// q is state noise a.k.a. process noise
	q da.Noise
	// r is output noise a.k.a. measurement noise
	r da.Noise
}

// New creates new HMM and returns it.
// A nil state noise q means a perfect model: zero noise is substituted.
// It returns error if the model, initial condition and noise dimensions
// do not match each other.
func New(c *chrono.Chronology, m da.Model, ic da.InitCond, q, r da.Noise) (*HMM, error) {
	if c == nil {
		return nil, fmt.Errorf("invalid chronology: %v", c)
	}

	nx, ny := m.SystemDims()
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("invalid model dimensions: [%d x %d]", nx, ny)
	}

	if ic.Cov().SymmetricDim() != nx {
		return nil, fmt.Errorf("invalid initial condition dimension: %d", ic.Cov().SymmetricDim())
	}

	if q != nil {
		if q.Cov().SymmetricDim() != nx {
			return nil, fmt.Errorf("invalid state noise dimension: %d", q.Cov().SymmetricDim())
		}
	} else {
		q, _ = noise.NewZero(nx)
	}

	if r == nil {
		return nil, fmt.Errorf("missing observation noise")
	}

	if r.Cov().SymmetricDim() != ny {
		return nil, fmt.Errorf("invalid output noise dimension: %d", r.Cov().SymmetricDim())
	}

	return &HMM{
		chron: c,
		model: m,
		ic:    ic,
		q:     q,
		r:     r,
	}, nil
}

// Chronology returns the experiment time grid.
func (h *HMM) Chronology() *chrono.Chronology {
	return h.chron
}

// Model returns the dynamical system model.
func (h *HMM) Model() da.Model {
	return h.model
}

// InitCond returns the initial state distribution.
func (h *HMM) InitCond() da.InitCond {
	return h.ic
}

// StateNoise returns the state a.k.a. process noise.
func (h *HMM) StateNoise() da.Noise {
	return h.q
}

// OutputNoise returns the output a.k.a. measurement noise.
func (h *HMM) OutputNoise() da.Noise {
	return h.r
}

// Simulate draws one realization of the truth trajectory and the matching
// noisy observation series from the model. The truth has one column per time
// point t_0..t_K; the observations have one column per observation step.
// All noise is drawn from a stream derived from seed only, so a fixed seed
// reproduces the identical (truth, observations) pair bit for bit, regardless
// of the state of the noises held by the HMM.
// It returns error if the model propagation or observation fails.
func (h *HMM) Simulate(seed uint64) (truth, obs *mat.Dense, err error) {
	src := xrand.NewSource(seed)

	nx, ny := h.model.SystemDims()
	numSteps := h.chron.NumSteps()

	truth = mat.NewDense(nx, numSteps+1, nil)
	obs = mat.NewDense(ny, h.chron.NumObs(), nil)

	// draw the initial truth state
	x, err := rand.WithCovN(h.ic.Cov(), 1, src)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to draw initial state: %v", err)
	}
	for r := 0; r < nx; r++ {
		x.Set(r, 0, x.At(r, 0)+h.ic.State().AtVec(r))
	}
	truth.Slice(0, nx, 0, 1).(*mat.Dense).Copy(x)

	qZero := isZero(h.q.Cov())

	for k := 1; k <= numSteps; k++ {
		x, err = h.model.Propagate(x, h.chron.Time(k-1), h.chron.DT())
		if err != nil {
			return nil, nil, fmt.Errorf("truth propagation failed at step %d: %v", k, err)
		}

		if !qZero {
			w, err := rand.WithCovN(h.q.Cov(), 1, src)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to draw state noise: %v", err)
			}
			x.Add(x, w)
		}
		truth.Slice(0, nx, k, k+1).(*mat.Dense).Copy(x)

		if h.chron.IsObs(k) {
			y, err := h.model.Observe(x, h.chron.Time(k))
			if err != nil {
				return nil, nil, fmt.Errorf("truth observation failed at step %d: %v", k, err)
			}

			v, err := rand.WithCovN(h.r.Cov(), 1, src)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to draw output noise: %v", err)
			}
			y.Add(y, v)

			i := h.chron.ObsIndex(k)
			obs.Slice(0, ny, i, i+1).(*mat.Dense).Copy(y)
		}
	}

	return truth, obs, nil
}

// isZero returns true if all entries of s are zero.
func isZero(s mat.Symmetric) bool {
	n := s.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if s.At(i, j) != 0 {
				return false
			}
		}
	}

	return true
}

package netf

import (
	"fmt"
	"math"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	da "github.com/milosgajdos/go-ensemble"
	"github.com/milosgajdos/go-ensemble/ensemble"
	"github.com/milosgajdos/go-ensemble/linalg"
)

// LogProber scores a measurement residual with its log density.
type LogProber interface {
	// LogProb returns the log density of v
	LogProb(v mat.Vector) float64
}

// Config is NETF configuration.
type Config struct {
	// Infl is the multiplicative forecast inflation factor; 0 means 1 i.e. none
	Infl float64
	// Rotate applies a random mean-preserving rotation to the analysis anomalies
	Rotate bool
	// Seed seeds the filter random stream
	Seed uint64
}

// NETF is the nonlinear ensemble transform filter: it scores members with the
// full measurement likelihood the way a particle filter does, but instead of
// resampling it rebuilds the ensemble deterministically so that its mean and
// covariance match the weighted posterior moments. It implements da.Method
// and da.Weighter.
type NETF struct {
	// obs observes the ensemble
	obs da.Observer
	// r is output noise a.k.a. measurement noise
	r da.Noise
	// score gives the measurement log likelihood
	score LogProber
	// cfg is the filter configuration
	cfg Config
	// src is the filter random stream
	src xrand.Source
	// w are the normalized weights of the last update
	w []float64
}

// New creates new NETF with observer obs, output noise r and configuration c.
// The output noise must be able to score residuals i.e. implement LogProber.
// It returns error if obs or r are missing or if c is invalid.
func New(obs da.Observer, r da.Noise, c *Config) (*NETF, error) {
	if obs == nil {
		return nil, fmt.Errorf("missing observer")
	}

	if r == nil {
		return nil, fmt.Errorf("missing output noise")
	}

	score, ok := r.(LogProber)
	if !ok {
		return nil, fmt.Errorf("output noise cannot score residuals: %T", r)
	}

	cfg := Config{}
	if c != nil {
		cfg = *c
	}

	if cfg.Infl == 0 {
		cfg.Infl = 1.0
	}
	if cfg.Infl < 1.0 {
		return nil, fmt.Errorf("invalid inflation factor: %v", cfg.Infl)
	}

	return &NETF{
		obs:   obs,
		r:     r,
		score: score,
		cfg:   cfg,
		src:   xrand.NewSource(cfg.Seed),
	}, nil
}

// Weights returns the normalized member weights of the last update.
func (f *NETF) Weights() []float64 {
	out := make([]float64, len(f.w))
	copy(out, f.w)

	return out
}

// Update assimilates the measurement y taken at time t and returns the
// analysis ensemble. It returns error if the ensemble is too small, the
// observation fails or the weights degenerate.
func (f *NETF) Update(ens *mat.Dense, y mat.Vector, t float64) (*mat.Dense, error) {
	_, n := ens.Dims()
	if n < 2 {
		return nil, fmt.Errorf("invalid ensemble size: %d", n)
	}

	e := mat.DenseCopyOf(ens)
	if err := ensemble.Inflate(e, f.cfg.Infl); err != nil {
		return nil, err
	}

	yEns, err := f.obs.Observe(e, t)
	if err != nil {
		return nil, fmt.Errorf("ensemble observation failed: %v", err)
	}

	ny, _ := yEns.Dims()
	if y.Len() != ny {
		return nil, fmt.Errorf("invalid measurement size: %d", y.Len())
	}

	logw := make([]float64, n)
	d := mat.NewVecDense(ny, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < ny; j++ {
			d.SetVec(j, y.AtVec(j)-yEns.At(j, i))
		}
		logw[i] = f.score.LogProb(d)
	}

	lse := floats.LogSumExp(logw)
	if math.IsInf(lse, -1) || math.IsNaN(lse) {
		return nil, fmt.Errorf("degenerate member weights")
	}

	f.w = make([]float64, n)
	for i := range logw {
		f.w[i] = math.Exp(logw[i] - lse)
	}

	// posterior mean is the weighted ensemble mean
	xa := ensemble.WeightedMean(e, f.w)

	// transform T = sqrt(n) * (diag(w) - w w')^1/2 satisfies T*1 = 0 and
	// E*T*T'*E' = n * weighted covariance, so E*T are posterior anomalies
	ww := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := -f.w[i] * f.w[j]
			if i == j {
				v += f.w[i]
			}
			ww.SetSym(i, j, v)
		}
	}

	tr, err := linalg.SymSqrt(ww)
	if err != nil {
		return nil, fmt.Errorf("failed to factorize weight matrix: %v", err)
	}
	tr.Scale(math.Sqrt(float64(n)), tr)

	anom := new(mat.Dense)
	anom.Mul(e, tr)

	out := ensemble.FromMeanAnom(xa, anom)

	if f.cfg.Rotate {
		if err := ensemble.Rotate(out, f.src); err != nil {
			return nil, err
		}
	}

	return out, nil
}

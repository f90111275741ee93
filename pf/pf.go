package pf

import (
	"fmt"
	"math"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/milosgajdos/matrix"

	da "github.com/milosgajdos/go-ensemble"
	"github.com/milosgajdos/go-ensemble/rand"
)

// Resampling selects the particle resampling scheme.
type Resampling int

const (
	// Multinomial draws each particle index independently from the weights
	Multinomial Resampling = iota
	// Systematic draws all indices from a single uniform offset on a comb
	Systematic
	// Residual keeps the integer parts of n*w and draws the remainder
	Residual
)

// String implements the Stringer interface.
func (r Resampling) String() string {
	switch r {
	case Multinomial:
		return "multinomial"
	case Systematic:
		return "systematic"
	case Residual:
		return "residual"
	}

	return "unknown"
}

// LogProber scores a measurement residual with its log density.
type LogProber interface {
	// LogProb returns the log density of v
	LogProb(v mat.Vector) float64
}

// Config is particle filter configuration.
type Config struct {
	// Resampling selects the resampling scheme
	Resampling Resampling
	// Threshold is the effective sample size fraction below which the
	// particles are resampled; 0 means the default of 0.5
	Threshold float64
	// NoJitter disables the post-resampling regularization jitter
	NoJitter bool
	// Seed seeds the filter random stream
	Seed uint64
}

// PF is a bootstrap particle filter: it scores each ensemble member with the
// measurement likelihood, tracks the importance weights across cycles and
// resamples with regularization jitter when the effective sample size
// collapses. It implements da.Method and da.Weighter.
type PF struct {
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
	// logw are unnormalized particle log weights
	logw []float64
	// w are the normalized weights of the last update
	w []float64
}

// New creates new PF with observer obs, output noise r and configuration c.
// The output noise must be able to score residuals i.e. implement LogProber.
// It returns error if obs or r are missing or if c is invalid.
func New(obs da.Observer, r da.Noise, c *Config) (*PF, error) {
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

	if cfg.Resampling != Multinomial && cfg.Resampling != Systematic && cfg.Resampling != Residual {
		return nil, fmt.Errorf("invalid resampling scheme: %v", cfg.Resampling)
	}

	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("invalid resampling threshold: %v", cfg.Threshold)
	}

	return &PF{
		obs:   obs,
		r:     r,
		score: score,
		cfg:   cfg,
		src:   xrand.NewSource(cfg.Seed),
	}, nil
}

// Weights returns the normalized particle weights of the last update.
func (f *PF) Weights() []float64 {
	out := make([]float64, len(f.w))
	copy(out, f.w)

	return out
}

// Update assimilates the measurement y taken at time t and returns the
// posterior particle ensemble. The importance weights carry over between
// updates until a resampling resets them to uniform.
// It returns error if the ensemble is too small or the observation fails.
func (f *PF) Update(ens *mat.Dense, y mat.Vector, t float64) (*mat.Dense, error) {
	nx, n := ens.Dims()
	if n < 2 {
		return nil, fmt.Errorf("invalid ensemble size: %d", n)
	}

	if len(f.logw) != n {
		f.logw = make([]float64, n)
	}

	yEns, err := f.obs.Observe(ens, t)
	if err != nil {
		return nil, fmt.Errorf("ensemble observation failed: %v", err)
	}

	ny, _ := yEns.Dims()
	if y.Len() != ny {
		return nil, fmt.Errorf("invalid measurement size: %d", y.Len())
	}

	// score each particle with the likelihood of its residual
	d := mat.NewVecDense(ny, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < ny; j++ {
			d.SetVec(j, y.AtVec(j)-yEns.At(j, i))
		}
		f.logw[i] += f.score.LogProb(d)
	}

	// normalize in log space to avoid weight underflow
	lse := floats.LogSumExp(f.logw)
	if math.IsInf(lse, -1) || math.IsNaN(lse) {
		return nil, fmt.Errorf("degenerate particle weights")
	}

	f.w = make([]float64, n)
	var sumSq float64
	for i := range f.logw {
		f.logw[i] -= lse
		f.w[i] = math.Exp(f.logw[i])
		sumSq += f.w[i] * f.w[i]
	}

	out := mat.DenseCopyOf(ens)

	// resample only when the effective sample size collapses
	if 1/sumSq >= f.cfg.Threshold*float64(n) {
		return out, nil
	}

	idx, err := f.resample(n)
	if err != nil {
		return nil, err
	}

	resampled := mat.NewDense(nx, n, nil)
	for i, ix := range idx {
		for j := 0; j < nx; j++ {
			resampled.Set(j, i, out.At(j, ix))
		}
	}

	if !f.cfg.NoJitter {
		if err := f.jitter(resampled); err != nil {
			return nil, err
		}
	}

	for i := range f.logw {
		f.logw[i] = 0
		f.w[i] = 1 / float64(n)
	}

	return resampled, nil
}

// resample draws n particle indices from the current weights.
func (f *PF) resample(n int) ([]int, error) {
	var idx []int
	var err error

	switch f.cfg.Resampling {
	case Multinomial:
		idx, err = rand.RouletteDrawN(f.w, n, f.src)
	case Systematic:
		idx, err = rand.SystematicDrawN(f.w, n, f.src)
	case Residual:
		idx, err = rand.ResidualDrawN(f.w, n, f.src)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to resample particles: %v", err)
	}

	return idx, nil
}

// jitter perturbs the resampled particles with draws from the particle
// covariance shrunk by the Gaussian kernel bandwidth, which breaks up the
// duplicates resampling leaves behind.
func (f *PF) jitter(ens *mat.Dense) error {
	nx, n := ens.Dims()

	cov, err := matrix.Cov(ens, "cols")
	if err != nil {
		return fmt.Errorf("failed to compute particle covariance: %v", err)
	}

	h := alphaGauss(float64(nx), float64(n))
	scaled := mat.NewSymDense(nx, nil)
	for i := 0; i < nx; i++ {
		for j := i; j < nx; j++ {
			scaled.SetSym(i, j, h*h*cov.At(i, j))
		}
	}

	noise, err := rand.WithCovN(scaled, n, f.src)
	if err != nil {
		return fmt.Errorf("failed to draw jitter: %v", err)
	}
	ens.Add(ens, noise)

	return nil
}

// alphaGauss is the Silverman rule of thumb bandwidth of a Gaussian kernel
// over r-dimensional samples of size c.
func alphaGauss(r, c float64) float64 {
	return math.Pow(4/(c*(r+2)), 1/(r+4))
}

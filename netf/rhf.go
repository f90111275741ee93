package netf

import (
	"fmt"
	"math"
	"sort"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	da "github.com/milosgajdos/go-ensemble"
	"github.com/milosgajdos/go-ensemble/ensemble"
)

// varFloor guards the scalar observed variances against exact collapse.
const varFloor = 1e-12

// RHF is the rank histogram filter: it assimilates scalar observations one at
// a time, represents the prior as a rank histogram over the sorted observed
// members, multiplies it with the likelihood box by box and remaps each member
// to its posterior quantile. State variables are updated by linear regression
// onto the observed increments. The output noise covariance is treated as
// diagonal. It implements da.Method.
type RHF struct {
	// obs observes the ensemble
	obs da.Observer
	// r is output noise a.k.a. measurement noise
	r da.Noise
	// cfg is the filter configuration
	cfg Config
	// src is the filter random stream
	src xrand.Source
}

// NewRHF creates new RHF with observer obs, output noise r and configuration c.
// It returns error if obs or r are missing or if c is invalid.
func NewRHF(obs da.Observer, r da.Noise, c *Config) (*RHF, error) {
	if obs == nil {
		return nil, fmt.Errorf("missing observer")
	}

	if r == nil {
		return nil, fmt.Errorf("missing output noise")
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

	return &RHF{
		obs: obs,
		r:   r,
		cfg: cfg,
		src: xrand.NewSource(cfg.Seed),
	}, nil
}

// Update assimilates the measurement y taken at time t and returns the
// analysis ensemble. It returns error if the ensemble is too small, the
// observation fails or the likelihood underflows on every histogram box.
func (f *RHF) Update(ens *mat.Dense, y mat.Vector, t float64) (*mat.Dense, error) {
	nx, n := ens.Dims()
	if n < 2 {
		return nil, fmt.Errorf("invalid ensemble size: %d", n)
	}

	e := mat.DenseCopyOf(ens)
	if err := ensemble.Inflate(e, f.cfg.Infl); err != nil {
		return nil, err
	}

	rcov := f.r.Cov()
	if y.Len() != rcov.SymmetricDim() {
		return nil, fmt.Errorf("invalid measurement size: %d", y.Len())
	}

	for j := 0; j < y.Len(); j++ {
		// re-observe so later scalars see the already updated state
		yEns, err := f.obs.Observe(e, t)
		if err != nil {
			return nil, fmt.Errorf("ensemble observation failed: %v", err)
		}

		yj := make([]float64, n)
		mat.Row(yj, j, yEns)

		rj := rcov.At(j, j)
		if rj < varFloor {
			rj = varFloor
		}

		dy, err := rhfIncrements(yj, y.AtVec(j), rj)
		if err != nil {
			return nil, err
		}

		yjMean := stat.Mean(yj, nil)
		var denom float64
		for i := 0; i < n; i++ {
			denom += (yj[i] - yjMean) * (yj[i] - yjMean)
		}
		denom /= float64(n - 1)
		if denom < varFloor {
			continue
		}

		// regress observed increments onto every state variable
		for i := 0; i < nx; i++ {
			xiMean := stat.Mean(mat.Row(nil, i, e), nil)
			var cov float64
			for c := 0; c < n; c++ {
				cov += (e.At(i, c) - xiMean) * (yj[c] - yjMean)
			}
			cov /= float64(n - 1)

			gain := cov / denom
			for c := 0; c < n; c++ {
				e.Set(i, c, e.At(i, c)+gain*dy[c])
			}
		}
	}

	if f.cfg.Rotate {
		if err := ensemble.Rotate(e, f.src); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// rhfIncrements returns per member increments of the scalar observed variable:
// the sorted members split the line into equal mass histogram boxes with
// uniform tails one sample deviation wide; each box mass is reweighted with
// the trapezoid average of the likelihood at its edges and every member moves
// to the posterior quantile matching its prior rank.
func rhfIncrements(y []float64, obsVal, r float64) ([]float64, error) {
	n := len(y)
	dy := make([]float64, n)

	s := math.Sqrt(stat.Variance(y, nil))
	if s < math.Sqrt(varFloor) {
		return dy, nil
	}

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sort.Slice(perm, func(a, b int) bool { return y[perm[a]] < y[perm[b]] })

	// box edges: both tails are one deviation wide
	edges := make([]float64, n+2)
	edges[0] = y[perm[0]] - s
	for i := 0; i < n; i++ {
		edges[i+1] = y[perm[i]]
	}
	edges[n+1] = y[perm[n-1]] + s

	lik := func(v float64) float64 {
		return math.Exp(-(obsVal - v) * (obsVal - v) / (2 * r))
	}

	// posterior box masses: equal prior mass times the likelihood
	mass := make([]float64, n+1)
	var total float64
	for k := 0; k <= n; k++ {
		mass[k] = (lik(edges[k]) + lik(edges[k+1])) / 2
		total += mass[k]
	}
	if total <= 0 {
		return nil, fmt.Errorf("likelihood underflow: measurement too far from the ensemble")
	}
	for k := range mass {
		mass[k] /= total
	}

	// posterior CDF at the edges
	cdf := make([]float64, n+2)
	for k := 0; k <= n; k++ {
		cdf[k+1] = cdf[k] + mass[k]
	}

	// remap each sorted member to its posterior quantile
	for i := 0; i < n; i++ {
		u := float64(i+1) / float64(n+1)

		k := sort.SearchFloat64s(cdf, u)
		if k > 0 {
			k--
		}
		for k < n && (mass[k] == 0 || cdf[k+1] < u) {
			k++
		}

		pos := edges[k]
		if mass[k] > 0 {
			pos += (u - cdf[k]) / mass[k] * (edges[k+1] - edges[k])
		}

		dy[perm[i]] = pos - y[perm[i]]
	}

	return dy, nil
}

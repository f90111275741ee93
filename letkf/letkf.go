package letkf

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	da "github.com/milosgajdos/go-ensemble"
	"github.com/milosgajdos/go-ensemble/ensemble"
	"github.com/milosgajdos/go-ensemble/linalg"
	"github.com/milosgajdos/go-ensemble/localize"
)

// Config is local filter configuration.
type Config struct {
	// Radius is the localization radius in grid units
	Radius float64
	// Infl is the multiplicative forecast inflation factor; 0 means 1 i.e. none
	Infl float64
	// Cyclic selects the cyclic grid metric
	Cyclic bool
	// StatePos are the grid positions of the state variables; nil means
	// the variable indices
	StatePos []float64
	// ObsPos are the grid positions of the observations; nil means the
	// observation indices
	ObsPos []float64
	// Reg is the eigenvalue floor used when whitening observations; 0 means
	// the default of 1e-9
	Reg float64
	// Workers caps the number of concurrent local domains; 0 means GOMAXPROCS
	Workers int
}

// LETKF is the local ensemble transform Kalman filter: every state variable
// is updated in its own local domain using only nearby observations, tapered
// by the Gaspari-Cohn function. Domains share no mutable state and are
// processed concurrently. It implements da.Method.
type LETKF struct {
	// obs observes the ensemble
	obs da.Observer
	// r is output noise a.k.a. measurement noise
	r da.Noise
	// cfg is the filter configuration
	cfg Config
}

// New creates new LETKF with observer obs, output noise r and configuration c.
// It returns error if obs or r are missing or if the configuration is invalid.
func New(obs da.Observer, r da.Noise, c *Config) (*LETKF, error) {
	if obs == nil {
		return nil, fmt.Errorf("missing observer")
	}

	if r == nil {
		return nil, fmt.Errorf("missing output noise")
	}

	cfg, err := sanitize(c)
	if err != nil {
		return nil, err
	}

	return &LETKF{
		obs: obs,
		r:   r,
		cfg: *cfg,
	}, nil
}

func sanitize(c *Config) (*Config, error) {
	if c == nil {
		return nil, fmt.Errorf("missing configuration")
	}

	cfg := *c
	if cfg.Radius <= 0 || math.IsNaN(cfg.Radius) {
		return nil, fmt.Errorf("invalid localization radius: %v", cfg.Radius)
	}

	if cfg.Infl == 0 {
		cfg.Infl = 1.0
	}
	if cfg.Infl < 1.0 || math.IsNaN(cfg.Infl) {
		return nil, fmt.Errorf("invalid inflation factor: %v", cfg.Infl)
	}

	if cfg.Reg == 0 {
		cfg.Reg = 1e-9
	}
	if cfg.Reg < 0 {
		return nil, fmt.Errorf("invalid regularization: %v", cfg.Reg)
	}

	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	return &cfg, nil
}

// positions returns pos if set, otherwise the indices 0..n-1.
func positions(pos []float64, n int) []float64 {
	if pos != nil {
		return pos
	}

	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}

	return out
}

// Update assimilates the measurement y taken at time t into the forecast
// ensemble ens and returns the analysis ensemble.
// It returns error if the ensemble is too small, the observation fails or a
// local eigendecomposition fails.
func (f *LETKF) Update(ens *mat.Dense, y mat.Vector, t float64) (*mat.Dense, error) {
	nx, n := ens.Dims()
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

	yMean, yAnom := ensemble.Center(yEns)
	xMean, xAnom := ensemble.Center(e)

	d := mat.NewVecDense(ny, nil)
	d.SubVec(y, yMean)

	statePos := positions(f.cfg.StatePos, nx)
	obsPos := positions(f.cfg.ObsPos, ny)
	if len(statePos) != nx {
		return nil, fmt.Errorf("invalid number of state positions: %d", len(statePos))
	}
	if len(obsPos) != ny {
		return nil, fmt.Errorf("invalid number of observation positions: %d", len(obsPos))
	}

	// diagonal of R; local analyses assume uncorrelated observation errors
	rv := make([]float64, ny)
	for j := 0; j < ny; j++ {
		rv[j] = math.Max(f.r.Cov().At(j, j), f.cfg.Reg)
	}

	out := mat.NewDense(nx, n, nil)
	errs := make([]error, f.cfg.Workers)

	var wg sync.WaitGroup
	for w := 0; w < f.cfg.Workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < nx; i += f.cfg.Workers {
				if err := f.updateDomain(i, statePos, obsPos, rv, xMean, xAnom, yAnom, d, out); err != nil {
					errs[w] = err
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// updateDomain performs the local ETKF analysis of state variable i and
// writes its analysis row into out. No two domains write the same row.
func (f *LETKF) updateDomain(i int, statePos, obsPos, rv []float64, xMean *mat.VecDense, xAnom, yAnom *mat.Dense, d *mat.VecDense, out *mat.Dense) error {
	_, n := xAnom.Dims()

	taper, err := localize.Taper(statePos[i], obsPos, f.cfg.Radius, f.cfg.Cyclic, len(statePos))
	if err != nil {
		return err
	}

	// local observation selection: strictly positive taper weights
	sel := make([]int, 0, len(taper))
	for j, w := range taper {
		if w > 0 {
			sel = append(sel, j)
		}
	}

	// no observations in reach: the forecast row passes through unchanged
	if len(sel) == 0 {
		for c := 0; c < n; c++ {
			out.Set(i, c, xMean.AtVec(i)+xAnom.At(i, c))
		}
		return nil
	}

	// whitened, tapered local observation anomalies and innovation
	scale := 1 / math.Sqrt(float64(n-1))
	s := mat.NewDense(len(sel), n, nil)
	delta := mat.NewVecDense(len(sel), nil)
	for k, j := range sel {
		wj := math.Sqrt(taper[j] / rv[j])
		for c := 0; c < n; c++ {
			s.Set(k, c, yAnom.At(j, c)*wj*scale)
		}
		delta.SetVec(k, d.AtVec(j)*wj*scale)
	}

	g := new(mat.Dense)
	g.Mul(s.T(), s)

	var eig mat.EigenSym
	if ok := eig.Factorize(linalg.ToSym(g), true); !ok {
		return fmt.Errorf("local eigendecomposition failed for domain %d", i)
	}
	vals := eig.Values(nil)
	vecs := new(mat.Dense)
	eig.VectorsTo(vecs)

	for k := range vals {
		if vals[k] < 0 {
			vals[k] = 0
		}
	}

	// mean weights w = V (I+L)^-1 V' S' delta
	sd := mat.NewVecDense(n, nil)
	sd.MulVec(s.T(), delta)

	inv := make([]float64, len(vals))
	invSqrt := make([]float64, len(vals))
	for k, l := range vals {
		inv[k] = 1 / (1 + l)
		invSqrt[k] = 1 / math.Sqrt(1+l)
	}

	w := applyEig(vecs, inv, sd)

	// transform T = V (I+L)^-1/2 V'
	tm := new(mat.Dense)
	tm.Mul(vecs, mat.NewDiagDense(len(invSqrt), invSqrt))
	tm.Mul(tm, vecs.T())

	// local analysis of row i
	var xaMean float64
	row := mat.NewVecDense(n, nil)
	for c := 0; c < n; c++ {
		xaMean += xAnom.At(i, c) * w.AtVec(c)
		row.SetVec(c, xAnom.At(i, c))
	}
	xaMean += xMean.AtVec(i)

	anomRow := mat.NewVecDense(n, nil)
	anomRow.MulVec(tm.T(), row)

	for c := 0; c < n; c++ {
		out.Set(i, c, xaMean+anomRow.AtVec(c))
	}

	return nil
}

// applyEig applies V diag(coef) V' to v.
func applyEig(vecs *mat.Dense, coef []float64, v *mat.VecDense) *mat.VecDense {
	m := new(mat.Dense)
	m.Mul(vecs, mat.NewDiagDense(len(coef), coef))
	m.Mul(m, vecs.T())

	out := mat.NewVecDense(v.Len(), nil)
	out.MulVec(m, v)

	return out
}

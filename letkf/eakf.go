package letkf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	da "github.com/milosgajdos/go-ensemble"
	"github.com/milosgajdos/go-ensemble/ensemble"
	"github.com/milosgajdos/go-ensemble/localize"
)

// SerialEAKF is a serial ensemble adjustment Kalman filter: observations are
// assimilated one at a time as scalars, each updating the whole state through
// tapered linear regression onto the observed quantity. The deterministic
// anomaly adjustment avoids measurement perturbations.
// It assumes uncorrelated observation errors and implements da.Method.
type SerialEAKF struct {
	// obs observes the ensemble
	obs da.Observer
	// r is output noise a.k.a. measurement noise
	r da.Noise
	// cfg is the filter configuration
	cfg Config
}

// NewSerialEAKF creates new SerialEAKF with observer obs, output noise r and
// configuration c.
// It returns error if obs or r are missing or if the configuration is invalid.
func NewSerialEAKF(obs da.Observer, r da.Noise, c *Config) (*SerialEAKF, error) {
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

	return &SerialEAKF{
		obs: obs,
		r:   r,
		cfg: *cfg,
	}, nil
}

// Update assimilates the measurement y taken at time t into the forecast
// ensemble ens, one scalar observation at a time, and returns the analysis
// ensemble.
// It returns error if the ensemble is too small or the observation fails.
func (f *SerialEAKF) Update(ens *mat.Dense, y mat.Vector, t float64) (*mat.Dense, error) {
	nx, n := ens.Dims()
	if n < 2 {
		return nil, fmt.Errorf("invalid ensemble size: %d", n)
	}

	e := mat.DenseCopyOf(ens)
	if err := ensemble.Inflate(e, f.cfg.Infl); err != nil {
		return nil, err
	}

	yProbe, err := f.obs.Observe(e, t)
	if err != nil {
		return nil, fmt.Errorf("ensemble observation failed: %v", err)
	}

	ny, _ := yProbe.Dims()
	if y.Len() != ny {
		return nil, fmt.Errorf("invalid measurement size: %d", y.Len())
	}

	statePos := positions(f.cfg.StatePos, nx)
	obsPos := positions(f.cfg.ObsPos, ny)

	for j := 0; j < ny; j++ {
		// re-observe: earlier scalar updates shift the observed quantities
		yEns, err := f.obs.Observe(e, t)
		if err != nil {
			return nil, fmt.Errorf("ensemble observation failed: %v", err)
		}

		var yjMean float64
		for c := 0; c < n; c++ {
			yjMean += yEns.At(j, c)
		}
		yjMean /= float64(n)

		yjAnom := make([]float64, n)
		var s2 float64
		for c := 0; c < n; c++ {
			yjAnom[c] = yEns.At(j, c) - yjMean
			s2 += yjAnom[c] * yjAnom[c]
		}
		s2 /= float64(n - 1)

		rj := math.Max(f.r.Cov().At(j, j), f.cfg.Reg)
		denom := s2 + rj
		dj := y.AtVec(j) - yjMean

		// deterministic anomaly adjustment factor of the EnSRF
		alpha := 1 / (1 + math.Sqrt(rj/denom))

		xMean, xAnom := ensemble.Center(e)
		for i := 0; i < nx; i++ {
			d := math.Abs(statePos[i] - obsPos[j])
			if f.cfg.Cyclic && nx > 0 {
				d = math.Min(d, float64(nx)-d)
			}
			taper := localize.GaspariCohn(d, f.cfg.Radius)
			if taper == 0 {
				continue
			}

			var cov float64
			for c := 0; c < n; c++ {
				cov += xAnom.At(i, c) * yjAnom[c]
			}
			cov /= float64(n - 1)

			gain := taper * cov / denom

			mi := xMean.AtVec(i) + gain*dj
			for c := 0; c < n; c++ {
				e.Set(i, c, mi+xAnom.At(i, c)-alpha*gain*yjAnom[c])
			}
		}
	}

	return e, nil
}

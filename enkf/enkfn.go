package enkf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	da "github.com/milosgajdos/go-ensemble"
	"github.com/milosgajdos/go-ensemble/ensemble"
	"github.com/milosgajdos/go-ensemble/linalg"
)

// inflation search interval and golden-section tolerance
const (
	inflMin = 1.0
	inflMax = 5.0
	inflTol = 1e-6
)

// EnKFN is the finite-size ensemble Kalman filter: instead of a fixed
// inflation factor it infers one at every analysis step by a scalar
// minimization of the innovation negative log-likelihood
//
//	J(l) = d' C(l)^-1 d + log det C(l),  C(l) = l^2*Y*Y'/(n-1) + R
//
// and then performs the ETKF analysis with the prior anomalies scaled by the
// minimizer. It implements da.Method.
type EnKFN struct {
	// f is the underlying square-root filter
	f *EnKF
	// lastInfl is the inflation factor inferred by the last update
	lastInfl float64
}

// NewN creates new EnKFN with observer obs, output noise r and configuration c.
// The Variant and Infl fields of c are ignored: the variant is always Sqrt and
// the inflation factor is inferred adaptively.
// It returns error if obs or r are missing or if the configuration is invalid.
func NewN(obs da.Observer, r da.Noise, c *Config) (*EnKFN, error) {
	cfg := Config{}
	if c != nil {
		cfg = *c
	}
	cfg.Variant = Sqrt
	cfg.Infl = 1.0

	f, err := New(obs, r, &cfg)
	if err != nil {
		return nil, err
	}

	return &EnKFN{f: f, lastInfl: 1.0}, nil
}

// Update assimilates the measurement y taken at time t into the forecast
// ensemble ens and returns the analysis ensemble.
// It returns error if the ensemble is too small, the observation fails or a
// required factorization fails even after regularization.
func (f *EnKFN) Update(ens *mat.Dense, y mat.Vector, t float64) (*mat.Dense, error) {
	_, n := ens.Dims()
	if n < 2 {
		return nil, fmt.Errorf("invalid ensemble size: %d", n)
	}

	yEns, err := f.f.obs.Observe(ens, t)
	if err != nil {
		return nil, fmt.Errorf("ensemble observation failed: %v", err)
	}

	if y.Len() != rowsOf(yEns) {
		return nil, fmt.Errorf("invalid measurement size: %d", y.Len())
	}

	yMean, yAnom := ensemble.Center(yEns)

	d := mat.NewVecDense(y.Len(), nil)
	d.SubVec(y, yMean)

	infl, err := inferInflation(yAnom, d, f.f.r.Cov(), f.f.cfg.Reg)
	if err != nil {
		return nil, err
	}
	f.lastInfl = infl

	e := mat.DenseCopyOf(ens)
	if err := ensemble.Inflate(e, infl); err != nil {
		return nil, err
	}

	yEns, err = f.f.obs.Observe(e, t)
	if err != nil {
		return nil, fmt.Errorf("ensemble observation failed: %v", err)
	}
	yMean, yAnom = ensemble.Center(yEns)
	xMean, xAnom := ensemble.Center(e)
	d.SubVec(y, yMean)

	e, err = f.f.sqrtUpdate(xMean, xAnom, yAnom, d)
	if err != nil {
		return nil, err
	}

	if f.f.cfg.Rotate {
		if err := ensemble.Rotate(e, f.f.src); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// InflationFactor returns the inflation factor inferred by the last update.
func (f *EnKFN) InflationFactor() float64 {
	return f.lastInfl
}

// inferInflation minimizes the innovation negative log-likelihood over the
// scalar inflation factor by golden-section search. The whitened form
//
//	J(l) = sum_i du_i^2/(l^2*e_i + 1) + sum_i log(l^2*e_i + 1)
//
// uses the eigendecomposition of W = R^-1/2 Y Y' R^-1/2 / (n-1), so every
// evaluation of J costs O(ny).
func inferInflation(yAnom *mat.Dense, d *mat.VecDense, rcov mat.Symmetric, reg float64) (float64, error) {
	rInvSqrt, err := linalg.SymSqrtInv(rcov, reg)
	if err != nil {
		return 0, fmt.Errorf("failed to whiten observations: %v", err)
	}

	_, n := yAnom.Dims()

	s := new(mat.Dense)
	s.Mul(rInvSqrt, yAnom)
	s.Scale(1/math.Sqrt(float64(n-1)), s)

	w := new(mat.Dense)
	w.Mul(s, s.T())

	var eig mat.EigenSym
	if ok := eig.Factorize(linalg.ToSym(w), true); !ok {
		return 0, fmt.Errorf("eigendecomposition failed")
	}
	vals := eig.Values(nil)
	vecs := new(mat.Dense)
	eig.VectorsTo(vecs)

	delta := mat.NewVecDense(d.Len(), nil)
	delta.MulVec(rInvSqrt, d)
	du := mat.NewVecDense(d.Len(), nil)
	du.MulVec(vecs.T(), delta)

	cost := func(l float64) float64 {
		l2 := l * l
		var j float64
		for i, e := range vals {
			if e < 0 {
				e = 0
			}
			c := l2*e + 1
			v := du.AtVec(i)
			j += v*v/c + math.Log(c)
		}
		return j
	}

	return goldenSection(cost, inflMin, inflMax, inflTol), nil
}

// goldenSection minimizes f over [a, b] to within tol and returns the minimizer.
func goldenSection(f func(float64) float64, a, b, tol float64) float64 {
	phi := (math.Sqrt(5) - 1) / 2

	c := b - phi*(b-a)
	d := a + phi*(b-a)
	fc, fd := f(c), f(d)

	for b-a > tol {
		if fc < fd {
			b, d, fd = d, c, fc
			c = b - phi*(b-a)
			fc = f(c)
		} else {
			a, c, fc = c, d, fd
			d = a + phi*(b-a)
			fd = f(d)
		}
	}

	return (a + b) / 2
}

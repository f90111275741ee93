package enkf

import (
	"fmt"
	"math"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	da "github.com/milosgajdos/go-ensemble"
	"github.com/milosgajdos/go-ensemble/ensemble"
	"github.com/milosgajdos/go-ensemble/linalg"
)

// Variant selects the analysis update flavour of the ensemble Kalman filter.
type Variant int

const (
	// PertObs is the stochastic EnKF: every member is updated against its
	// own perturbed copy of the measurement so that the analysis sample
	// covariance matches the theoretical one in expectation.
	PertObs Variant = iota
	// Sqrt is the deterministic ensemble transform Kalman filter (ETKF):
	// the anomalies are updated by a symmetric transform, no measurement
	// perturbations are needed and the mean-zero anomaly invariant holds
	// exactly.
	Sqrt
	// DEnKF is the deterministic EnKF of Sakov & Oke: the mean is updated
	// with the standard gain and the anomalies with half the gain.
	DEnKF
)

// String implements the Stringer interface.
func (v Variant) String() string {
	switch v {
	case PertObs:
		return "EnKF"
	case Sqrt:
		return "ETKF"
	case DEnKF:
		return "DEnKF"
	}

	return "unknown"
}

// Config is ensemble Kalman filter configuration.
type Config struct {
	// Variant selects the analysis update flavour
	Variant Variant
	// Infl is the multiplicative forecast inflation factor; 0 means 1 i.e. none
	Infl float64
	// Rotate applies a random mean-preserving rotation to the analysis anomalies
	Rotate bool
	// Reg is the identity multiple added to (near) singular matrices before
	// inversion; 0 means the default of 1e-9
	Reg float64
	// Seed seeds the stream used for measurement perturbations and rotations
	Seed uint64
}

// EnKF is an ensemble Kalman filter. It implements da.Method.
type EnKF struct {
	// obs observes the ensemble
	obs da.Observer
	// r is output noise a.k.a. measurement noise
	r da.Noise
	// cfg is the filter configuration
	cfg Config
	// src is the filter random stream
	src xrand.Source
}

// New creates new EnKF with observer obs, output noise r and configuration c
// and returns it.
// It returns error if obs or r are missing or if the configuration is invalid.
func New(obs da.Observer, r da.Noise, c *Config) (*EnKF, error) {
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

	return &EnKF{
		obs: obs,
		r:   r,
		cfg: *cfg,
		src: xrand.NewSource(cfg.Seed),
	}, nil
}

// sanitize validates c and fills in the defaults.
func sanitize(c *Config) (*Config, error) {
	cfg := Config{}
	if c != nil {
		cfg = *c
	}

	if cfg.Variant != PertObs && cfg.Variant != Sqrt && cfg.Variant != DEnKF {
		return nil, fmt.Errorf("invalid variant: %v", cfg.Variant)
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

	return &cfg, nil
}

// Update assimilates the measurement y taken at time t into the forecast
// ensemble ens and returns the analysis ensemble. The forecast ensemble is
// left untouched.
// It returns error if the ensemble is too small, the observation fails or a
// required factorization fails even after regularization.
func (f *EnKF) Update(ens *mat.Dense, y mat.Vector, t float64) (*mat.Dense, error) {
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

	if y.Len() != rowsOf(yEns) {
		return nil, fmt.Errorf("invalid measurement size: %d", y.Len())
	}

	yMean, yAnom := ensemble.Center(yEns)
	xMean, xAnom := ensemble.Center(e)

	// innovation of the ensemble mean
	d := mat.NewVecDense(y.Len(), nil)
	d.SubVec(y, yMean)

	switch f.cfg.Variant {
	case PertObs:
		e, err = f.pertObsUpdate(e, yEns, xAnom, yAnom, y)
	case Sqrt:
		e, err = f.sqrtUpdate(xMean, xAnom, yAnom, d)
	case DEnKF:
		e, err = f.denkfUpdate(xMean, xAnom, yAnom, d)
	}
	if err != nil {
		return nil, err
	}

	if f.cfg.Rotate {
		if err := ensemble.Rotate(e, f.src); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// pertObsUpdate updates every member against its own perturbed measurement.
func (f *EnKF) pertObsUpdate(e, yEns, xAnom, yAnom *mat.Dense, y mat.Vector) (*mat.Dense, error) {
	gain, err := f.gain(xAnom, yAnom)
	if err != nil {
		return nil, err
	}

	ny, n := yEns.Dims()

	// centered measurement perturbations keep the mean update exact
	pert := f.r.SampleN(n)
	means := linalg.RowMeans(pert)
	for c := 0; c < n; c++ {
		for r := 0; r < ny; r++ {
			pert.Set(r, c, pert.At(r, c)-means[r])
		}
	}

	// innovations D = y*1' + E - HX
	d := mat.NewDense(ny, n, nil)
	for c := 0; c < n; c++ {
		for r := 0; r < ny; r++ {
			d.Set(r, c, y.AtVec(r)+pert.At(r, c)-yEns.At(r, c))
		}
	}

	upd := new(mat.Dense)
	upd.Mul(gain, d)

	out := mat.DenseCopyOf(e)
	out.Add(out, upd)

	return out, nil
}

// sqrtUpdate performs the ETKF analysis in the ensemble subspace.
func (f *EnKF) sqrtUpdate(xMean *mat.VecDense, xAnom, yAnom *mat.Dense, d *mat.VecDense) (*mat.Dense, error) {
	_, n := xAnom.Dims()

	s, delta, err := whiten(yAnom, d, f.r.Cov(), f.cfg.Reg)
	if err != nil {
		return nil, err
	}

	// G = S'S is n x n symmetric positive semi-definite
	g := new(mat.Dense)
	g.Mul(s.T(), s)

	var eig mat.EigenSym
	if ok := eig.Factorize(linalg.ToSym(g), true); !ok {
		return nil, fmt.Errorf("eigendecomposition failed")
	}
	vals := eig.Values(nil)
	vecs := new(mat.Dense)
	eig.VectorsTo(vecs)

	// mean update weights w = V (I+L)^-1 V' S' delta
	sd := mat.NewVecDense(n, nil)
	sd.MulVec(s.T(), delta)
	w := solveInEig(vecs, vals, sd, -1.0)

	xa := mat.NewVecDense(xMean.Len(), nil)
	xa.MulVec(xAnom, w)
	xa.AddVec(xa, xMean)

	// transform T = V (I+L)^-1/2 V' keeps the anomalies mean-zero exactly
	tm := powInEig(vecs, vals, -0.5)
	anom := new(mat.Dense)
	anom.Mul(xAnom, tm)

	return ensemble.FromMeanAnom(xa, anom), nil
}

// denkfUpdate updates the mean with the full gain and the anomalies with half of it.
func (f *EnKF) denkfUpdate(xMean *mat.VecDense, xAnom, yAnom *mat.Dense, d *mat.VecDense) (*mat.Dense, error) {
	gain, err := f.gain(xAnom, yAnom)
	if err != nil {
		return nil, err
	}

	xa := mat.NewVecDense(xMean.Len(), nil)
	xa.MulVec(gain, d)
	xa.AddVec(xa, xMean)

	half := new(mat.Dense)
	half.Mul(gain, yAnom)
	half.Scale(0.5, half)

	anom := mat.DenseCopyOf(xAnom)
	anom.Sub(anom, half)

	return ensemble.FromMeanAnom(xa, anom), nil
}

// gain computes the ensemble Kalman gain K = Pxy * (Pyy + R)^-1 with the
// innovation covariance regularized if it is (near) singular.
func (f *EnKF) gain(xAnom, yAnom *mat.Dense) (*mat.Dense, error) {
	_, n := xAnom.Dims()

	pyy := new(mat.Dense)
	pyy.Mul(yAnom, yAnom.T())
	pyy.Scale(1/float64(n-1), pyy)
	pyy.Add(pyy, f.r.Cov())

	pyyInv := new(mat.Dense)
	if err := pyyInv.Inverse(pyy); err != nil {
		linalg.AddScaledIdentity(pyy, f.cfg.Reg)
		if err := pyyInv.Inverse(pyy); err != nil {
			return nil, fmt.Errorf("failed to invert innovation covariance: %v", err)
		}
	}

	gain := new(mat.Dense)
	gain.Mul(xAnom, yAnom.T())
	gain.Scale(1/float64(n-1), gain)
	gain.Mul(gain, pyyInv)

	return gain, nil
}

// whiten returns S = R^-1/2 * Y / sqrt(n-1) and delta = R^-1/2 * d / sqrt(n-1).
func whiten(yAnom *mat.Dense, d *mat.VecDense, rcov mat.Symmetric, reg float64) (*mat.Dense, *mat.VecDense, error) {
	rInvSqrt, err := linalg.SymSqrtInv(rcov, reg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to whiten observations: %v", err)
	}

	_, n := yAnom.Dims()
	scale := 1 / math.Sqrt(float64(n-1))

	s := new(mat.Dense)
	s.Mul(rInvSqrt, yAnom)
	s.Scale(scale, s)

	delta := mat.NewVecDense(d.Len(), nil)
	delta.MulVec(rInvSqrt, d)
	delta.ScaleVec(scale, delta)

	return s, delta, nil
}

// solveInEig applies V (I+L)^p V' to v given the eigenpairs (vecs, vals).
func solveInEig(vecs *mat.Dense, vals []float64, v *mat.VecDense, p float64) *mat.VecDense {
	m := powInEig(vecs, vals, p)
	out := mat.NewVecDense(v.Len(), nil)
	out.MulVec(m, v)

	return out
}

// powInEig builds V (I+L)^p V' given the eigenpairs (vecs, vals).
// Negative eigenvalues due to roundoff are clamped to zero.
func powInEig(vecs *mat.Dense, vals []float64, p float64) *mat.Dense {
	pv := make([]float64, len(vals))
	for i, l := range vals {
		if l < 0 {
			l = 0
		}
		pv[i] = math.Pow(1+l, p)
	}

	diag := mat.NewDiagDense(len(pv), pv)
	out := new(mat.Dense)
	out.Mul(vecs, diag)
	out.Mul(out, vecs.T())

	return out
}

func rowsOf(m *mat.Dense) int {
	r, _ := m.Dims()
	return r
}

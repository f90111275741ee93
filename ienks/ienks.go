package ienks

import (
	"fmt"
	"math"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	da "github.com/milosgajdos/go-ensemble"
	"github.com/milosgajdos/go-ensemble/ensemble"
	"github.com/milosgajdos/go-ensemble/linalg"
	"github.com/milosgajdos/go-ensemble/rand"
)

// Linearization selects how the observation sensitivity is estimated inside
// the Gauss-Newton iterations.
type Linearization int

const (
	// Bundle estimates the sensitivity by finite differences across members
	// scaled down by a small epsilon
	Bundle Linearization = iota
	// Transform estimates the sensitivity from the full ensemble spread
	// mapped through the inverse of the current anomaly transform
	Transform
)

// String implements the Stringer interface.
func (l Linearization) String() string {
	switch l {
	case Bundle:
		return "bundle"
	case Transform:
		return "transform"
	}

	return "unknown"
}

// Config is iterative ensemble smoother configuration.
type Config struct {
	// Linearization selects the sensitivity estimate
	Linearization Linearization
	// MaxIter caps the Gauss-Newton iterations; reaching the cap is normal
	// termination, not an error; 0 means the default of 10
	MaxIter int
	// Tol is the update norm below which the iteration stops; 0 means 1e-4
	Tol float64
	// Eps is the bundle finite difference scaling; 0 means 1e-4
	Eps float64
	// MDA selects multiple data assimilation: the likelihood is split
	// uniformly across MDA stochastic sweeps instead of Gauss-Newton
	// iterations; 0 disables it
	MDA int
	// Infl is the multiplicative prior inflation factor; 0 means 1 i.e. none
	Infl float64
	// Rotate applies a random mean-preserving rotation to the analysis anomalies
	Rotate bool
	// Reg is the eigenvalue floor used in regularized inversions; 0 means 1e-9
	Reg float64
	// Seed seeds the smoother random stream
	Seed uint64
	// Steps is the number of model steps between consecutive analyses
	Steps int
	// DT is the model step size
	DT float64
}

// IEnKS is the iterative ensemble Kalman smoother over a lag-1 window: at
// every analysis time it revisits the ensemble of the previous analysis,
// minimizes the window cost function by Gauss-Newton iterations in the
// ensemble subspace and propagates the re-analyzed ensemble to the current
// time. With MDA configured it runs ES-MDA sweeps instead. It implements
// da.Method and da.Iterator.
type IEnKS struct {
	// model propagates and observes the ensemble
	model da.Model
	// r is output noise a.k.a. measurement noise
	r da.Noise
	// cfg is the smoother configuration
	cfg Config
	// src is the smoother random stream
	src xrand.Source
	// prev is the analysis ensemble of the previous analysis time
	prev *mat.Dense
	// iters is the iteration count of the last update
	iters int
	// converged reports whether the last update converged before the cap
	converged bool
}

// New creates new IEnKS with model m, output noise r and configuration c.
// It returns error if m or r are missing or if the configuration is invalid.
func New(m da.Model, r da.Noise, c *Config) (*IEnKS, error) {
	if m == nil {
		return nil, fmt.Errorf("missing model")
	}

	if r == nil {
		return nil, fmt.Errorf("missing output noise")
	}

	if c == nil {
		return nil, fmt.Errorf("missing configuration")
	}

	cfg := *c
	if cfg.Linearization != Bundle && cfg.Linearization != Transform {
		return nil, fmt.Errorf("invalid linearization: %v", cfg.Linearization)
	}

	if cfg.Steps < 1 {
		return nil, fmt.Errorf("invalid number of steps: %d", cfg.Steps)
	}

	if cfg.DT <= 0 {
		return nil, fmt.Errorf("invalid step size: %v", cfg.DT)
	}

	if cfg.MaxIter == 0 {
		cfg.MaxIter = 10
	}
	if cfg.MaxIter < 0 {
		return nil, fmt.Errorf("invalid iteration cap: %d", cfg.MaxIter)
	}

	if cfg.Tol == 0 {
		cfg.Tol = 1e-4
	}
	if cfg.Tol < 0 {
		return nil, fmt.Errorf("invalid tolerance: %v", cfg.Tol)
	}

	if cfg.Eps == 0 {
		cfg.Eps = 1e-4
	}
	if cfg.Eps < 0 {
		return nil, fmt.Errorf("invalid bundle epsilon: %v", cfg.Eps)
	}

	if cfg.MDA < 0 {
		return nil, fmt.Errorf("invalid number of MDA sweeps: %d", cfg.MDA)
	}

	if cfg.Infl == 0 {
		cfg.Infl = 1.0
	}
	if cfg.Infl < 1.0 {
		return nil, fmt.Errorf("invalid inflation factor: %v", cfg.Infl)
	}

	if cfg.Reg == 0 {
		cfg.Reg = 1e-9
	}

	return &IEnKS{
		model: m,
		r:     r,
		cfg:   cfg,
		src:   xrand.NewSource(cfg.Seed),
	}, nil
}

// Iterations returns the iteration count and convergence flag of the last update.
func (f *IEnKS) Iterations() (int, bool) {
	return f.iters, f.converged
}

// Update assimilates the measurement y taken at time t and returns the
// analysis ensemble at t. On the first call there is no window yet, so the
// forecast ensemble itself is the window start; afterwards the window spans
// from the previous analysis to t.
// It returns error if the ensemble is too small or the model fails.
func (f *IEnKS) Update(ens *mat.Dense, y mat.Vector, t float64) (*mat.Dense, error) {
	_, n := ens.Dims()
	if n < 2 {
		return nil, fmt.Errorf("invalid ensemble size: %d", n)
	}

	if f.cfg.MDA > 0 {
		return f.mdaUpdate(ens, y, t)
	}

	e0 := f.prev
	steps := f.cfg.Steps
	t0 := t - float64(steps)*f.cfg.DT
	if e0 == nil {
		e0 = ens
		steps = 0
		t0 = t
	}

	e0 = mat.DenseCopyOf(e0)
	if err := ensemble.Inflate(e0, f.cfg.Infl); err != nil {
		return nil, err
	}

	e0a, err := f.gaussNewton(e0, y, t0, t, steps)
	if err != nil {
		return nil, err
	}

	// the analysis at t seeds the next window
	ea, err := f.forecast(e0a, t0, steps)
	if err != nil {
		return nil, err
	}

	if f.cfg.Rotate {
		if err := ensemble.Rotate(ea, f.src); err != nil {
			return nil, err
		}
	}

	f.prev = mat.DenseCopyOf(ea)

	return ea, nil
}

// gaussNewton minimizes the window cost function over the ensemble subspace
// weights and returns the re-analyzed window start ensemble.
func (f *IEnKS) gaussNewton(e0 *mat.Dense, y mat.Vector, t0, t float64, steps int) (*mat.Dense, error) {
	_, n := e0.Dims()
	n1 := float64(n - 1)

	x0, a0 := ensemble.Center(e0)

	rInv, err := linalg.SymPow(f.r.Cov(), -1, f.cfg.Reg)
	if err != nil {
		return nil, fmt.Errorf("failed to invert output noise covariance: %v", err)
	}

	w := mat.NewVecDense(n, nil)
	hess := identityScaled(n, n1)
	f.iters = 0
	f.converged = false

	// anomaly transform carried across transform-linearization iterations
	tm := identityScaled(n, 1)
	tmInv := identityScaled(n, 1)

	for it := 0; it < f.cfg.MaxIter; it++ {
		f.iters = it + 1

		// control state x(w) = x0 + A0*w
		xw := mat.NewVecDense(x0.Len(), nil)
		xw.MulVec(a0, w)
		xw.AddVec(xw, x0)

		// working ensemble around the control state
		var work *mat.Dense
		switch f.cfg.Linearization {
		case Bundle:
			anom := mat.DenseCopyOf(a0)
			anom.Scale(f.cfg.Eps, anom)
			work = ensemble.FromMeanAnom(xw, anom)
		case Transform:
			anom := new(mat.Dense)
			anom.Mul(a0, tm)
			work = ensemble.FromMeanAnom(xw, anom)
		}

		work, err = f.forecast(work, t0, steps)
		if err != nil {
			return nil, err
		}

		yEns, err := f.model.Observe(work, t)
		if err != nil {
			return nil, fmt.Errorf("ensemble observation failed: %v", err)
		}

		if y.Len() != rowsOf(yEns) {
			return nil, fmt.Errorf("invalid measurement size: %d", y.Len())
		}

		yMean, yAnom := ensemble.Center(yEns)

		// sensitivity of the observed window w.r.t. the subspace weights
		sens := new(mat.Dense)
		switch f.cfg.Linearization {
		case Bundle:
			sens.Scale(1/f.cfg.Eps, yAnom)
		case Transform:
			sens.Mul(yAnom, tmInv)
		}

		// innovation of the control trajectory
		d := mat.NewVecDense(y.Len(), nil)
		d.SubVec(y, yMean)

		// grad = (n-1)*w - S' R^-1 d,  hess = (n-1)*I + S' R^-1 S
		rd := mat.NewVecDense(d.Len(), nil)
		rd.MulVec(rInv, d)

		grad := mat.NewVecDense(n, nil)
		grad.MulVec(sens.T(), rd)
		grad.ScaleVec(-1, grad)
		grad.AddVec(grad, scaledVec(w, n1))

		rs := new(mat.Dense)
		rs.Mul(rInv, sens)
		hess = identityScaled(n, n1)
		sts := new(mat.Dense)
		sts.Mul(sens.T(), rs)
		hess.Add(hess, sts)

		// dw = -hess^-1 grad
		hessInv, hessInvSqrt, err := invAndSqrtInv(hess, f.cfg.Reg)
		if err != nil {
			return nil, err
		}

		dw := mat.NewVecDense(n, nil)
		dw.MulVec(hessInv, grad)
		dw.ScaleVec(-1, dw)
		w.AddVec(w, dw)

		if f.cfg.Linearization == Transform {
			// T = sqrt(n-1) * hess^-1/2 and its inverse
			tm = mat.DenseCopyOf(hessInvSqrt)
			tm.Scale(math.Sqrt(n1), tm)
			tmInv = new(mat.Dense)
			if err := tmInv.Inverse(tm); err != nil {
				linalg.AddScaledIdentity(tm, f.cfg.Reg)
				if err := tmInv.Inverse(tm); err != nil {
					return nil, fmt.Errorf("failed to invert anomaly transform: %v", err)
				}
			}
		}

		if mat.Norm(dw, 2) < f.cfg.Tol {
			f.converged = true
			break
		}
	}

	// final transform from the last Hessian
	_, hessInvSqrt, err := invAndSqrtInv(hess, f.cfg.Reg)
	if err != nil {
		return nil, err
	}
	tFinal := mat.DenseCopyOf(hessInvSqrt)
	tFinal.Scale(math.Sqrt(n1), tFinal)

	xa := mat.NewVecDense(x0.Len(), nil)
	xa.MulVec(a0, w)
	xa.AddVec(xa, x0)

	anom := new(mat.Dense)
	anom.Mul(a0, tFinal)

	return ensemble.FromMeanAnom(xa, anom), nil
}

// mdaUpdate runs ES-MDA: the likelihood is split uniformly across cfg.MDA
// stochastic sweeps, each assimilating y with the output noise covariance
// inflated by the number of sweeps.
func (f *IEnKS) mdaUpdate(ens *mat.Dense, y mat.Vector, t float64) (*mat.Dense, error) {
	e := mat.DenseCopyOf(ens)
	if err := ensemble.Inflate(e, f.cfg.Infl); err != nil {
		return nil, err
	}

	alpha := float64(f.cfg.MDA)

	for s := 0; s < f.cfg.MDA; s++ {
		yEns, err := f.model.Observe(e, t)
		if err != nil {
			return nil, fmt.Errorf("ensemble observation failed: %v", err)
		}

		ny, n := yEns.Dims()
		if y.Len() != ny {
			return nil, fmt.Errorf("invalid measurement size: %d", y.Len())
		}

		_, xAnom := ensemble.Center(e)
		_, yAnom := ensemble.Center(yEns)

		// K = Pxy (Pyy + alpha*R)^-1
		pyy := new(mat.Dense)
		pyy.Mul(yAnom, yAnom.T())
		pyy.Scale(1/float64(n-1), pyy)
		scaledR := mat.NewDense(ny, ny, nil)
		scaledR.Scale(alpha, f.r.Cov())
		pyy.Add(pyy, scaledR)

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

		// perturbed observations with the inflated covariance
		pert, err := rand.WithCovN(f.r.Cov(), n, f.src)
		if err != nil {
			return nil, fmt.Errorf("failed to draw measurement perturbations: %v", err)
		}
		pert.Scale(math.Sqrt(alpha), pert)

		d := mat.NewDense(ny, n, nil)
		for c := 0; c < n; c++ {
			for r := 0; r < ny; r++ {
				d.Set(r, c, y.AtVec(r)+pert.At(r, c)-yEns.At(r, c))
			}
		}

		upd := new(mat.Dense)
		upd.Mul(gain, d)
		e.Add(e, upd)
	}

	f.iters = f.cfg.MDA
	f.converged = true
	f.prev = mat.DenseCopyOf(e)

	return e, nil
}

// forecast propagates the ensemble from t0 over the given number of steps.
func (f *IEnKS) forecast(e *mat.Dense, t0 float64, steps int) (*mat.Dense, error) {
	out := mat.DenseCopyOf(e)
	for s := 0; s < steps; s++ {
		var err error
		out, err = f.model.Propagate(out, t0+float64(s)*f.cfg.DT, f.cfg.DT)
		if err != nil {
			return nil, fmt.Errorf("window propagation failed: %v", err)
		}
	}

	return out, nil
}

// invAndSqrtInv returns the inverse and the symmetric inverse square root of
// the symmetric positive definite matrix m.
func invAndSqrtInv(m *mat.Dense, reg float64) (*mat.Dense, *mat.Dense, error) {
	sym := linalg.ToSym(m)

	inv, err := linalg.SymPow(sym, -1, reg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to invert Hessian: %v", err)
	}

	sqrtInv, err := linalg.SymPow(sym, -0.5, reg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to factorize Hessian: %v", err)
	}

	return inv, sqrtInv, nil
}

// identityScaled returns a*I of size n.
func identityScaled(n int, a float64) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, a)
	}

	return m
}

// scaledVec returns a*v as a new vector.
func scaledVec(v *mat.VecDense, a float64) *mat.VecDense {
	out := mat.NewVecDense(v.Len(), nil)
	out.ScaleVec(a, v)

	return out
}

func rowsOf(m *mat.Dense) int {
	r, _ := m.Dims()
	return r
}

package kalman

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	da "github.com/milosgajdos/go-ensemble"
	"github.com/milosgajdos/go-ensemble/linalg"
)

// System is a linear system described by its state propagation and
// observation matrices. models.Linear implements it.
type System interface {
	// SystemMatrix returns state propagation matrix
	SystemMatrix() mat.Matrix
	// OutputMatrix returns observation matrix
	OutputMatrix() mat.Matrix
}

// KF is the exact linear Kalman Filter. It serves as the closed-form
// baseline which ensemble methods approach as the ensemble size grows.
type KF struct {
	// a is state propagation matrix
	a *mat.Dense
	// h is observation matrix
	h *mat.Dense
	// q is state noise covariance
	q mat.Symmetric
	// r is output noise covariance
	r mat.Symmetric
	// x is the state estimate
	x *mat.VecDense
	// p is the state covariance estimate
	p *mat.Dense
}

// New creates new KF for the linear system sys with initial condition ic,
// state noise covariance q (nil for a perfect model) and output noise
// covariance r.
// It returns error if the system and noise dimensions do not match.
func New(sys System, ic da.InitCond, q, r mat.Symmetric) (*KF, error) {
	a := mat.DenseCopyOf(sys.SystemMatrix())
	h := mat.DenseCopyOf(sys.OutputMatrix())

	nx, cols := a.Dims()
	if nx != cols {
		return nil, fmt.Errorf("invalid propagation matrix dimensions: [%d x %d]", nx, cols)
	}

	ny, cols := h.Dims()
	if cols != nx {
		return nil, fmt.Errorf("invalid observation matrix dimensions: [%d x %d]", ny, cols)
	}

	if ic.Cov().SymmetricDim() != nx {
		return nil, fmt.Errorf("invalid initial condition dimension: %d", ic.Cov().SymmetricDim())
	}

	if q == nil {
		q = mat.NewSymDense(nx, nil)
	}
	if q.SymmetricDim() != nx {
		return nil, fmt.Errorf("invalid state noise dimension: %d", q.SymmetricDim())
	}

	if r == nil || r.SymmetricDim() != ny {
		return nil, fmt.Errorf("invalid output noise covariance")
	}

	x := mat.NewVecDense(nx, nil)
	x.CloneFromVec(ic.State())

	p := mat.NewDense(nx, nx, nil)
	for i := 0; i < nx; i++ {
		for j := 0; j < nx; j++ {
			p.Set(i, j, ic.Cov().At(i, j))
		}
	}

	return &KF{a: a, h: h, q: q, r: r, x: x, p: p}, nil
}

// Predict propagates the state estimate and its covariance to the next step:
// x = A*x, P = A*P*A' + Q.
func (k *KF) Predict() {
	x := mat.NewVecDense(k.x.Len(), nil)
	x.MulVec(k.a, k.x)
	k.x.CopyVec(x)

	p := new(mat.Dense)
	p.Mul(k.a, k.p)
	p.Mul(p, k.a.T())
	p.Add(p, k.q)
	k.p.Copy(p)
}

// Update corrects the state estimate with the measurement y using the
// Joseph form covariance update.
// It returns error if y has an invalid size or the innovation covariance
// fails to be inverted.
func (k *KF) Update(y mat.Vector) error {
	ny, nx := k.h.Dims()
	if y.Len() != ny {
		return fmt.Errorf("invalid measurement size: %d", y.Len())
	}

	// innovation covariance S = H*P*H' + R
	pht := new(mat.Dense)
	pht.Mul(k.p, k.h.T())
	s := new(mat.Dense)
	s.Mul(k.h, pht)
	s.Add(s, k.r)

	sInv := new(mat.Dense)
	if err := sInv.Inverse(s); err != nil {
		// regularize and retry rather than fail
		linalg.AddScaledIdentity(s, 1e-9)
		if err := sInv.Inverse(s); err != nil {
			return fmt.Errorf("failed to invert innovation covariance: %v", err)
		}
	}

	gain := new(mat.Dense)
	gain.Mul(pht, sInv)

	// innovation
	hx := mat.NewVecDense(ny, nil)
	hx.MulVec(k.h, k.x)
	inn := mat.NewVecDense(ny, nil)
	inn.SubVec(y, hx)

	corr := mat.NewVecDense(nx, nil)
	corr.MulVec(gain, inn)
	k.x.AddVec(k.x, corr)

	// Joseph form: P = (I-K*H)*P*(I-K*H)' + K*R*K'
	kh := new(mat.Dense)
	kh.Mul(gain, k.h)
	ikh := mat.NewDense(nx, nx, nil)
	for i := 0; i < nx; i++ {
		ikh.Set(i, i, 1.0)
	}
	ikh.Sub(ikh, kh)

	p := new(mat.Dense)
	p.Mul(ikh, k.p)
	p.Mul(p, ikh.T())

	krk := new(mat.Dense)
	kr := new(mat.Dense)
	kr.Mul(gain, k.r)
	krk.Mul(kr, gain.T())
	p.Add(p, krk)

	k.p.Copy(p)

	return nil
}

// State returns a copy of the current state estimate.
func (k *KF) State() mat.Vector {
	x := mat.NewVecDense(k.x.Len(), nil)
	x.CloneFromVec(k.x)

	return x
}

// Cov returns a copy of the current state covariance estimate.
func (k *KF) Cov() mat.Matrix {
	p := new(mat.Dense)
	p.CloneFrom(k.p)

	return p
}

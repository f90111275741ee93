package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Linear is a linear time-invariant model of a dynamical system:
// x_{k+1} = A*x_k, y_k = C*x_k. It propagates whole ensembles at once:
// every member stored in a column is advanced by the same dynamics.
// It implements da.Model.
type Linear struct {
	// A is internal state matrix
	A *mat.Dense
	// C is output state matrix
	C *mat.Dense
}

// NewLinear creates a new linear model with state matrix A and output matrix C.
// It returns error if A is not square or if the dimensions of C do not match A.
func NewLinear(A, C *mat.Dense) (*Linear, error) {
	ar, ac := A.Dims()
	if ar != ac {
		return nil, fmt.Errorf("invalid state matrix dimensions: [%d x %d]", ar, ac)
	}

	_, cc := C.Dims()
	if cc != ar {
		return nil, fmt.Errorf("invalid output matrix dimensions: [%d x %d]", cc, ar)
	}

	return &Linear{A: A, C: C}, nil
}

// NewRandomWalk creates a new nx dimensional random walk model observed
// directly: A and C are both identity matrices.
func NewRandomWalk(nx int) (*Linear, error) {
	if nx <= 0 {
		return nil, fmt.Errorf("invalid state dimension: %d", nx)
	}

	a := mat.NewDense(nx, nx, nil)
	c := mat.NewDense(nx, nx, nil)
	for i := 0; i < nx; i++ {
		a.Set(i, i, 1.0)
		c.Set(i, i, 1.0)
	}

	return &Linear{A: a, C: c}, nil
}

// Propagate advances every member of ens from time t over the step dt.
// It returns error if the state dimension of ens does not match the model.
func (l *Linear) Propagate(ens *mat.Dense, t, dt float64) (*mat.Dense, error) {
	nx, _ := l.SystemDims()
	rows, _ := ens.Dims()
	if rows != nx {
		return nil, fmt.Errorf("invalid ensemble state dimension: %d", rows)
	}

	out := new(mat.Dense)
	out.Mul(l.A, ens)

	return out, nil
}

// Observe maps every member of ens into observation space at time t.
// It returns error if the state dimension of ens does not match the model.
func (l *Linear) Observe(ens *mat.Dense, t float64) (*mat.Dense, error) {
	nx, _ := l.SystemDims()
	rows, _ := ens.Dims()
	if rows != nx {
		return nil, fmt.Errorf("invalid ensemble state dimension: %d", rows)
	}

	out := new(mat.Dense)
	out.Mul(l.C, ens)

	return out, nil
}

// SystemDims returns the state and observation dimensions of the model.
func (l *Linear) SystemDims() (nx, ny int) {
	nx, _ = l.A.Dims()
	ny, _ = l.C.Dims()

	return nx, ny
}

// SystemMatrix returns a copy of the state propagation matrix.
func (l *Linear) SystemMatrix() mat.Matrix {
	m := &mat.Dense{}
	m.CloneFrom(l.A)

	return m
}

// OutputMatrix returns a copy of the observation matrix.
func (l *Linear) OutputMatrix() mat.Matrix {
	m := &mat.Dense{}
	m.CloneFrom(l.C)

	return m
}

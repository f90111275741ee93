package linalg

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// RowMeans returns a slice containing the means of the rows of m.
// It panics if m is nil.
func RowMeans(m *mat.Dense) []float64 {
	rows, cols := m.Dims()
	means := make([]float64, rows)

	for i := 0; i < rows; i++ {
		means[i] = floats.Sum(m.RawRowView(i)) / float64(cols)
	}

	return means
}

// ColSums returns a slice containing the column sums of m.
// It panics if m is nil.
func ColSums(m *mat.Dense) []float64 {
	_, cols := m.Dims()
	sum := make([]float64, cols)

	for i := 0; i < cols; i++ {
		sum[i] = mat.Sum(m.ColView(i))
	}

	return sum
}

// AddScaledIdentity adds a*I to the square matrix m in place.
// It is used to regularize (near) singular matrices before inversion.
// It panics if m is not square.
func AddScaledIdentity(m *mat.Dense, a float64) {
	rows, cols := m.Dims()
	if rows != cols {
		panic("linalg: matrix is not square")
	}

	for i := 0; i < rows; i++ {
		m.Set(i, i, m.At(i, i)+a)
	}
}

// ToSym returns the symmetric part (m + m')/2 of the square matrix m.
// It panics if m is not square.
func ToSym(m mat.Matrix) *mat.SymDense {
	rows, cols := m.Dims()
	if rows != cols {
		panic("linalg: matrix is not square")
	}

	s := mat.NewSymDense(rows, nil)
	for i := 0; i < rows; i++ {
		for j := i; j < cols; j++ {
			s.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}

	return s
}

// SymPow returns s raised to the power p computed via eigendecomposition.
// Eigenvalues smaller than floor are clamped to floor before the power is
// applied, which regularizes (near) singular matrices for negative powers.
// It fails with error if the eigendecomposition of s fails.
func SymPow(s mat.Symmetric, p, floor float64) (*mat.Dense, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(s, true); !ok {
		return nil, fmt.Errorf("eigendecomposition failed")
	}

	vals := eig.Values(nil)
	vecs := new(mat.Dense)
	eig.VectorsTo(vecs)

	for i := range vals {
		if vals[i] < floor {
			vals[i] = floor
		}
		vals[i] = math.Pow(vals[i], p)
	}

	diag := mat.NewDiagDense(len(vals), vals)
	out := new(mat.Dense)
	out.Mul(vecs, diag)
	out.Mul(out, vecs.T())

	return out, nil
}

// SymSqrt returns the symmetric square root of s.
// Negative eigenvalues due to roundoff are clamped to zero.
// It fails with error if the eigendecomposition of s fails.
func SymSqrt(s mat.Symmetric) (*mat.Dense, error) {
	return SymPow(s, 0.5, 0)
}

// SymSqrtInv returns the symmetric inverse square root of s.
// Eigenvalues below floor are clamped to floor so that (near) singular
// matrices are regularized rather than rejected.
// It fails with error if the eigendecomposition of s fails.
func SymSqrtInv(s mat.Symmetric, floor float64) (*mat.Dense, error) {
	if floor <= 0 {
		floor = 1e-12
	}

	return SymPow(s, -0.5, floor)
}

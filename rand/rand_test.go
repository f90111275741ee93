package rand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

func TestWithCovN(t *testing.T) {
	assert := assert.New(t)

	cov := mat.NewSymDense(2, []float64{1.0, 0.0, 0.0, 1.0})
	src := xrand.NewSource(1)

	// n must be positive
	res, err := WithCovN(cov, -3, src)
	assert.Error(err)
	assert.Nil(res)

	res, err = WithCovN(cov, 5, src)
	assert.NoError(err)
	assert.NotNil(res)
	r, c := res.Dims()
	assert.Equal(2, r)
	assert.Equal(5, c)

	// fixed seed reproduces identical samples
	a, err := WithCovN(cov, 10, xrand.NewSource(42))
	assert.NoError(err)
	b, err := WithCovN(cov, 10, xrand.NewSource(42))
	assert.NoError(err)
	assert.True(mat.Equal(a, b))

	// singular covariance is fine: zero cov yields zero samples
	zero := mat.NewSymDense(2, nil)
	res, err = WithCovN(zero, 3, src)
	assert.NoError(err)
	assert.InDelta(0.0, mat.Norm(res, 2), 1e-12)
}

func TestRouletteDrawN(t *testing.T) {
	assert := assert.New(t)

	src := xrand.NewSource(1)

	indices, err := RouletteDrawN(nil, 10, src)
	assert.Error(err)
	assert.Nil(indices)

	p := []float64{0.1, 0.7, 0.1, 0.1}
	indices, err = RouletteDrawN(p, 10, src)
	assert.NoError(err)
	assert.Equal(10, len(indices))
	for _, i := range indices {
		assert.True(i >= 0 && i < len(p))
	}
}

func TestSystematicDrawN(t *testing.T) {
	assert := assert.New(t)

	src := xrand.NewSource(1)

	indices, err := SystematicDrawN(nil, 10, src)
	assert.Error(err)
	assert.Nil(indices)

	// a dominant weight must occupy most slots
	p := []float64{0.05, 0.9, 0.05}
	indices, err = SystematicDrawN(p, 100, src)
	assert.NoError(err)
	assert.Equal(100, len(indices))

	cnt := 0
	for _, i := range indices {
		if i == 1 {
			cnt++
		}
	}
	assert.True(cnt >= 89 && cnt <= 91)
}

func TestResidualDrawN(t *testing.T) {
	assert := assert.New(t)

	src := xrand.NewSource(1)

	indices, err := ResidualDrawN(nil, 10, src)
	assert.Error(err)
	assert.Nil(indices)

	indices, err = ResidualDrawN([]float64{0, 0}, 10, src)
	assert.Error(err)
	assert.Nil(indices)

	// deterministic part: floor(n*p_i) copies guaranteed
	p := []float64{0.5, 0.25, 0.25}
	indices, err = ResidualDrawN(p, 8, src)
	assert.NoError(err)
	assert.Equal(8, len(indices))

	counts := make([]int, len(p))
	for _, i := range indices {
		counts[i]++
	}
	assert.True(counts[0] >= 4)
	assert.True(counts[1] >= 2)
	assert.True(counts[2] >= 2)
}

func TestOrthogonal(t *testing.T) {
	assert := assert.New(t)

	q, err := Orthogonal(-1, xrand.NewSource(1))
	assert.Error(err)
	assert.Nil(q)

	q, err = Orthogonal(5, xrand.NewSource(7))
	assert.NoError(err)

	// Q'Q = I
	qtq := new(mat.Dense)
	qtq.Mul(q.T(), q)
	eye := mat.NewDiagDense(5, []float64{1, 1, 1, 1, 1})
	assert.True(mat.EqualApprox(qtq, eye, 1e-10))
}

func TestMeanPreservingOrthogonal(t *testing.T) {
	assert := assert.New(t)

	u, err := MeanPreservingOrthogonal(0, xrand.NewSource(1))
	assert.Error(err)
	assert.Nil(u)

	u, err = MeanPreservingOrthogonal(1, xrand.NewSource(1))
	assert.NoError(err)
	assert.InDelta(1.0, u.At(0, 0), 1e-12)

	n := 6
	u, err = MeanPreservingOrthogonal(n, xrand.NewSource(7))
	assert.NoError(err)

	// U'U = I
	utu := new(mat.Dense)
	utu.Mul(u.T(), u)
	eye := mat.NewDiagDense(n, []float64{1, 1, 1, 1, 1, 1})
	assert.True(mat.EqualApprox(utu, eye, 1e-10))

	// U*1 = 1
	ones := mat.NewVecDense(n, []float64{1, 1, 1, 1, 1, 1})
	res := mat.NewVecDense(n, nil)
	res.MulVec(u, ones)
	assert.True(mat.EqualApprox(res, ones, 1e-10))
}

package letkf

import (
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/milosgajdos/go-ensemble/enkf"
	"github.com/milosgajdos/go-ensemble/ensemble"
	"github.com/milosgajdos/go-ensemble/models"
	"github.com/milosgajdos/go-ensemble/noise"
)

const nx = 8

var (
	model *models.Linear
	ic    *ensemble.InitCond
	r     *noise.Gaussian
)

func setup() {
	model, _ = models.NewRandomWalk(nx)

	mean := mat.NewVecDense(nx, nil)
	cov := mat.NewSymDense(nx, nil)
	rcov := mat.NewSymDense(nx, nil)
	zeros := make([]float64, nx)
	for i := 0; i < nx; i++ {
		cov.SetSym(i, i, 1.0)
		rcov.SetSym(i, i, 0.5)
	}

	ic = ensemble.NewInitCond(mean, cov)
	r, _ = noise.NewGaussian(zeros, rcov, 200)
}

func TestMain(m *testing.M) {
	setup()
	os.Exit(m.Run())
}

func testObs() *mat.VecDense {
	y := mat.NewVecDense(nx, nil)
	for i := 0; i < nx; i++ {
		y.SetVec(i, 1.0)
	}

	return y
}

func TestNew(t *testing.T) {
	assert := assert.New(t)

	f, err := New(model, r, &Config{Radius: 2.0})
	assert.NoError(err)
	assert.NotNil(f)

	f, err = New(nil, r, &Config{Radius: 2.0})
	assert.Nil(f)
	assert.Error(err)

	f, err = New(model, nil, &Config{Radius: 2.0})
	assert.Nil(f)
	assert.Error(err)

	// missing configuration
	f, err = New(model, r, nil)
	assert.Nil(f)
	assert.Error(err)

	// invalid radius
	f, err = New(model, r, &Config{Radius: 0})
	assert.Nil(f)
	assert.Error(err)

	// deflation is not allowed
	f, err = New(model, r, &Config{Radius: 1.0, Infl: 0.5})
	assert.Nil(f)
	assert.Error(err)
}

func TestUpdateMatchesGlobalETKFForLargeRadius(t *testing.T) {
	assert := assert.New(t)

	// with the taper saturated at 1 everywhere the local analyses
	// coincide with the global square-root analysis
	f, err := New(model, r, &Config{Radius: 1e6, Workers: 2})
	assert.NoError(err)

	g, err := enkf.New(model, r, &enkf.Config{Variant: enkf.Sqrt})
	assert.NoError(err)

	ens, err := ensemble.FromInitCond(ic, 20, xrand.NewSource(1))
	assert.NoError(err)
	y := testObs()

	local, err := f.Update(ens, y, 0)
	assert.NoError(err)
	global, err := g.Update(ens, y, 0)
	assert.NoError(err)

	assert.True(mat.EqualApprox(local, global, 1e-6))
}

func TestUpdateLocalizes(t *testing.T) {
	assert := assert.New(t)

	// single observation of the first state variable
	c := mat.NewDense(1, nx, nil)
	c.Set(0, 0, 1.0)
	a := mat.NewDense(nx, nx, nil)
	for i := 0; i < nx; i++ {
		a.Set(i, i, 1.0)
	}
	obsModel, err := models.NewLinear(a, c)
	assert.NoError(err)

	rScalar, err := noise.NewGaussian([]float64{0.0}, mat.NewSymDense(1, []float64{0.5}), 201)
	assert.NoError(err)

	f, err := New(obsModel, rScalar, &Config{Radius: 1.0})
	assert.NoError(err)

	ens, err := ensemble.FromInitCond(ic, 20, xrand.NewSource(2))
	assert.NoError(err)

	out, err := f.Update(ens, mat.NewVecDense(1, []float64{2.0}), 0)
	assert.NoError(err)

	// the observed variable moves towards the measurement
	before := ensemble.Mean(ens)
	after := ensemble.Mean(out)
	assert.True(math.Abs(2.0-after.AtVec(0)) < math.Abs(2.0-before.AtVec(0)))

	// variables beyond twice the radius are untouched
	for i := 3; i < nx; i++ {
		for c := 0; c < 20; c++ {
			assert.InDelta(ens.At(i, c), out.At(i, c), 1e-12)
		}
	}
}

func TestUpdateValidation(t *testing.T) {
	assert := assert.New(t)

	f, err := New(model, r, &Config{Radius: 2.0})
	assert.NoError(err)

	// single member
	_, err = f.Update(mat.NewDense(nx, 1, nil), testObs(), 0)
	assert.Error(err)

	// measurement size mismatch
	ens, _ := ensemble.FromInitCond(ic, 10, xrand.NewSource(3))
	_, err = f.Update(ens, mat.NewVecDense(2, nil), 0)
	assert.Error(err)
}

func TestSerialEAKF(t *testing.T) {
	assert := assert.New(t)

	f, err := NewSerialEAKF(model, r, &Config{Radius: 1e6})
	assert.NoError(err)
	assert.NotNil(f)

	_, err = NewSerialEAKF(nil, r, &Config{Radius: 1.0})
	assert.Error(err)
	_, err = NewSerialEAKF(model, nil, &Config{Radius: 1.0})
	assert.Error(err)

	ens, err := ensemble.FromInitCond(ic, 30, xrand.NewSource(4))
	assert.NoError(err)
	y := testObs()

	out, err := f.Update(ens, y, 0)
	assert.NoError(err)

	// the mean moves towards the measurement and the spread contracts
	before := ensemble.Mean(ens)
	after := ensemble.Mean(out)
	for i := 0; i < nx; i++ {
		assert.True(math.Abs(y.AtVec(i)-after.AtVec(i)) < math.Abs(y.AtVec(i)-before.AtVec(i)))
	}
	assert.True(ensemble.Spread(out) < ensemble.Spread(ens))

	// forecast ensemble untouched
	assert.True(mat.EqualApprox(before, ensemble.Mean(ens), 1e-12))
}

func TestSerialEAKFLocalizes(t *testing.T) {
	assert := assert.New(t)

	c := mat.NewDense(1, nx, nil)
	c.Set(0, 0, 1.0)
	a := mat.NewDense(nx, nx, nil)
	for i := 0; i < nx; i++ {
		a.Set(i, i, 1.0)
	}
	obsModel, err := models.NewLinear(a, c)
	assert.NoError(err)

	rScalar, err := noise.NewGaussian([]float64{0.0}, mat.NewSymDense(1, []float64{0.5}), 202)
	assert.NoError(err)

	f, err := NewSerialEAKF(obsModel, rScalar, &Config{Radius: 1.0})
	assert.NoError(err)

	ens, err := ensemble.FromInitCond(ic, 20, xrand.NewSource(5))
	assert.NoError(err)

	out, err := f.Update(ens, mat.NewVecDense(1, []float64{1.5}), 0)
	assert.NoError(err)

	for i := 3; i < nx; i++ {
		for c := 0; c < 20; c++ {
			assert.InDelta(ens.At(i, c), out.At(i, c), 1e-12)
		}
	}
}

package kalman

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"

	"github.com/milosgajdos/go-ensemble/ensemble"
	"github.com/milosgajdos/go-ensemble/models"
)

func TestNew(t *testing.T) {
	assert := assert.New(t)

	m, err := models.NewRandomWalk(1)
	assert.NoError(err)

	ic := ensemble.NewInitCond(
		mat.NewVecDense(1, []float64{0.0}),
		mat.NewSymDense(1, []float64{1.0}),
	)
	r := mat.NewSymDense(1, []float64{1.0})

	kf, err := New(m, ic, nil, r)
	assert.NoError(err)
	assert.NotNil(kf)

	// missing output noise
	kf, err = New(m, ic, nil, nil)
	assert.Nil(kf)
	assert.Error(err)

	// mismatched initial condition
	badIC := ensemble.NewInitCond(mat.NewVecDense(2, nil), mat.NewSymDense(2, nil))
	kf, err = New(m, badIC, nil, r)
	assert.Nil(kf)
	assert.Error(err)

	// mismatched state noise
	kf, err = New(m, ic, mat.NewSymDense(2, nil), r)
	assert.Nil(kf)
	assert.Error(err)
}

func TestPredictUpdateScalar(t *testing.T) {
	assert := assert.New(t)

	// scalar random walk with Q=0.1, R=1
	m, _ := models.NewRandomWalk(1)
	ic := ensemble.NewInitCond(
		mat.NewVecDense(1, []float64{0.0}),
		mat.NewSymDense(1, []float64{1.0}),
	)
	q := mat.NewSymDense(1, []float64{0.1})
	r := mat.NewSymDense(1, []float64{1.0})

	kf, err := New(m, ic, q, r)
	assert.NoError(err)

	kf.Predict()
	// P = 1 + 0.1
	assert.InDelta(1.1, kf.Cov().At(0, 0), 1e-12)

	err = kf.Update(mat.NewVecDense(1, []float64{1.0}))
	assert.NoError(err)

	// closed form scalar update: K = P/(P+R), x = K*y, P = (1-K)*P
	kGain := 1.1 / 2.1
	assert.InDelta(kGain*1.0, kf.State().AtVec(0), 1e-12)
	assert.InDelta((1-kGain)*1.1, kf.Cov().At(0, 0), 1e-12)

	// invalid measurement size
	assert.Error(kf.Update(mat.NewVecDense(2, nil)))
}

func TestConstantSignalVarianceDecay(t *testing.T) {
	assert := assert.New(t)

	// estimating a constant: P_n = 1/(1+n) after n unit-variance observations
	m, _ := models.NewRandomWalk(1)
	ic := ensemble.NewInitCond(
		mat.NewVecDense(1, []float64{0.0}),
		mat.NewSymDense(1, []float64{1.0}),
	)
	r := mat.NewSymDense(1, []float64{1.0})

	kf, err := New(m, ic, nil, r)
	assert.NoError(err)

	n := 50
	for i := 0; i < n; i++ {
		kf.Predict()
		assert.NoError(kf.Update(mat.NewVecDense(1, []float64{0.0})))
	}

	assert.InDelta(1.0/float64(1+n), kf.Cov().At(0, 0), 1e-10)
	assert.InDelta(math.Sqrt(1.0/51.0), math.Sqrt(kf.Cov().At(0, 0)), 1e-6)
}

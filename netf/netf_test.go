package netf

import (
	"math"
	"os"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/milosgajdos/go-ensemble/ensemble"
	"github.com/milosgajdos/go-ensemble/models"
	"github.com/milosgajdos/go-ensemble/noise"
)

var (
	model *models.Linear
	ic    *ensemble.InitCond
	r     *noise.Gaussian
)

func setup() {
	model, _ = models.NewRandomWalk(1)
	ic = ensemble.NewInitCond(
		mat.NewVecDense(1, []float64{0.0}),
		mat.NewSymDense(1, []float64{1.0}),
	)
	r, _ = noise.NewGaussian([]float64{0.0}, mat.NewSymDense(1, []float64{0.5}), 100)
}

func TestMain(m *testing.M) {
	setup()
	os.Exit(m.Run())
}

func TestNew(t *testing.T) {
	assert := assert.New(t)

	f, err := New(model, r, nil)
	assert.NoError(err)
	assert.NotNil(f)

	// missing observer
	f, err = New(nil, r, nil)
	assert.Nil(f)
	assert.Error(err)

	// missing output noise
	f, err = New(model, nil, nil)
	assert.Nil(f)
	assert.Error(err)

	// zero noise cannot score residuals
	z, err2 := noise.NewZero(1)
	assert.NoError(err2)
	f, err = New(model, z, nil)
	assert.Nil(f)
	assert.Error(err)

	// deflation is not allowed
	f, err = New(model, r, &Config{Infl: 0.5})
	assert.Nil(f)
	assert.Error(err)
}

func TestUpdateMatchesWeightedMoments(t *testing.T) {
	assert := assert.New(t)

	f, err := New(model, r, nil)
	assert.NoError(err)

	ens, _ := ensemble.FromInitCond(ic, 100, xrand.NewSource(2))
	y := mat.NewVecDense(1, []float64{1.0})

	out, err := f.Update(ens, y, 0)
	assert.NoError(err)

	// the analysis mean is the likelihood weighted forecast mean
	w := f.Weights()
	assert.Len(w, 100)
	want := ensemble.WeightedMean(ens, w).AtVec(0)
	assert.InDelta(want, ensemble.Mean(out).AtVec(0), 1e-9)

	// weights sum to one
	var sum float64
	for _, wi := range w {
		sum += wi
	}
	assert.InDelta(1.0, sum, 1e-12)

	// moving towards the measurement contracts the spread
	before := ensemble.Mean(ens).AtVec(0)
	after := ensemble.Mean(out).AtVec(0)
	assert.True(math.Abs(y.AtVec(0)-after) < math.Abs(y.AtVec(0)-before))
	assert.True(ensemble.Spread(out) < ensemble.Spread(ens))
}

func TestUpdateAnomaliesMeanZero(t *testing.T) {
	assert := assert.New(t)

	f, err := New(model, r, nil)
	assert.NoError(err)

	ens, _ := ensemble.FromInitCond(ic, 30, xrand.NewSource(3))
	out, err := f.Update(ens, mat.NewVecDense(1, []float64{0.5}), 0)
	assert.NoError(err)

	_, anom := ensemble.Center(out)
	rows, cols := anom.Dims()
	for i := 0; i < rows; i++ {
		var sum float64
		for j := 0; j < cols; j++ {
			sum += anom.At(i, j)
		}
		assert.InDelta(0.0, sum, 1e-9)
	}
}

func TestUpdateValidation(t *testing.T) {
	assert := assert.New(t)

	f, err := New(model, r, nil)
	assert.NoError(err)

	// single member ensemble
	_, err = f.Update(mat.NewDense(1, 1, nil), mat.NewVecDense(1, nil), 0)
	assert.Error(err)

	// measurement size mismatch
	ens, _ := ensemble.FromInitCond(ic, 10, xrand.NewSource(1))
	_, err = f.Update(ens, mat.NewVecDense(2, nil), 0)
	assert.Error(err)
}

func TestRHFUpdate(t *testing.T) {
	assert := assert.New(t)

	f, err := NewRHF(model, r, nil)
	assert.NoError(err)

	ens, _ := ensemble.FromInitCond(ic, 50, xrand.NewSource(4))
	y := mat.NewVecDense(1, []float64{1.5})

	before := ensemble.Mean(ens).AtVec(0)
	out, err := f.Update(ens, y, 0)
	assert.NoError(err)

	after := ensemble.Mean(out).AtVec(0)
	assert.True(math.Abs(y.AtVec(0)-after) < math.Abs(y.AtVec(0)-before))
	assert.True(ensemble.Spread(out) < ensemble.Spread(ens))

	// forecast is left untouched
	assert.InDelta(before, ensemble.Mean(ens).AtVec(0), 1e-12)
}

func TestRHFIncrementsFlatLikelihood(t *testing.T) {
	assert := assert.New(t)

	// an uninformative likelihood leaves the members in place
	y := []float64{-1.2, 0.3, 0.9, 2.1, -0.4}
	dy, err := rhfIncrements(y, 0.0, 1e12)
	assert.NoError(err)
	for _, d := range dy {
		assert.InDelta(0.0, d, 1e-3)
	}
}

func TestRHFIncrementsKeepOrder(t *testing.T) {
	assert := assert.New(t)

	y := []float64{0.7, -0.5, 1.3, 0.1, -1.1, 2.0}
	dy, err := rhfIncrements(y, 1.0, 0.25)
	assert.NoError(err)

	// quantile remapping is monotone: the member order is preserved
	updated := make([]float64, len(y))
	for i := range y {
		updated[i] = y[i] + dy[i]
	}

	perm := make([]int, len(y))
	for i := range perm {
		perm[i] = i
	}
	sort.Slice(perm, func(a, b int) bool { return y[perm[a]] < y[perm[b]] })
	for i := 1; i < len(perm); i++ {
		assert.True(updated[perm[i-1]] <= updated[perm[i]])
	}
}

func TestRHFIncrementsDegenerate(t *testing.T) {
	assert := assert.New(t)

	// collapsed ensemble yields no increments
	dy, err := rhfIncrements([]float64{1.0, 1.0, 1.0}, 0.0, 1.0)
	assert.NoError(err)
	for _, d := range dy {
		assert.InDelta(0.0, d, 1e-12)
	}

	// measurement far outside the histogram underflows the likelihood
	_, err = rhfIncrements([]float64{0.0, 0.1, 0.2}, 1e6, 1e-6)
	assert.Error(err)
}

package enkf

import (
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	da "github.com/milosgajdos/go-ensemble"
	"github.com/milosgajdos/go-ensemble/chrono"
	"github.com/milosgajdos/go-ensemble/ensemble"
	"github.com/milosgajdos/go-ensemble/hmm"
	"github.com/milosgajdos/go-ensemble/kalman"
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
	r, _ = noise.NewGaussian([]float64{0.0}, mat.NewSymDense(1, []float64{1.0}), 100)
}

func TestMain(m *testing.M) {
	setup()
	os.Exit(m.Run())
}

func TestNew(t *testing.T) {
	assert := assert.New(t)

	f, err := New(model, r, &Config{Variant: Sqrt})
	assert.NoError(err)
	assert.NotNil(f)

	// nil config uses defaults
	f, err = New(model, r, nil)
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

	// invalid variant
	f, err = New(model, r, &Config{Variant: Variant(99)})
	assert.Nil(f)
	assert.Error(err)

	// deflation is not allowed
	f, err = New(model, r, &Config{Infl: 0.8})
	assert.Nil(f)
	assert.Error(err)

	// negative regularization is not allowed
	f, err = New(model, r, &Config{Reg: -1.0})
	assert.Nil(f)
	assert.Error(err)
}

func TestUpdateValidation(t *testing.T) {
	assert := assert.New(t)

	f, err := New(model, r, nil)
	assert.NoError(err)

	// single member ensemble has no anomalies to update
	_, err = f.Update(mat.NewDense(1, 1, []float64{0.0}), mat.NewVecDense(1, []float64{0.0}), 0)
	assert.Error(err)

	// measurement size mismatch
	ens, _ := ensemble.FromInitCond(ic, 10, xrand.NewSource(1))
	_, err = f.Update(ens, mat.NewVecDense(2, nil), 0)
	assert.Error(err)
}

func TestUpdateMovesTowardsMeasurement(t *testing.T) {
	assert := assert.New(t)

	y := mat.NewVecDense(1, []float64{2.0})

	for _, v := range []Variant{PertObs, Sqrt, DEnKF} {
		f, err := New(model, r, &Config{Variant: v, Seed: 5})
		assert.NoError(err)

		ens, _ := ensemble.FromInitCond(ic, 200, xrand.NewSource(2))
		before := ensemble.Mean(ens).AtVec(0)

		out, err := f.Update(ens, y, 0)
		assert.NoError(err)

		after := ensemble.Mean(out).AtVec(0)
		assert.True(math.Abs(y.AtVec(0)-after) < math.Abs(y.AtVec(0)-before), "variant %v did not move towards the measurement", v)

		// analysis contracts the spread
		assert.True(ensemble.Spread(out) < ensemble.Spread(ens), "variant %v did not contract the spread", v)

		// forecast ensemble is left untouched
		assert.InDelta(before, ensemble.Mean(ens).AtVec(0), 1e-12)
	}
}

func TestSqrtAnomaliesMeanZero(t *testing.T) {
	assert := assert.New(t)

	for _, n := range []int{2, 3, 10, 40} {
		f, err := New(model, r, &Config{Variant: Sqrt})
		assert.NoError(err)

		ens, _ := ensemble.FromInitCond(ic, n, xrand.NewSource(uint64(n)))
		out, err := f.Update(ens, mat.NewVecDense(1, []float64{0.5}), 0)
		assert.NoError(err)

		// mean(analysis ensemble) equals the analysis mean exactly:
		// the anomaly rows must sum to zero to floating point tolerance
		_, anom := ensemble.Center(out)
		rows, cols := anom.Dims()
		for i := 0; i < rows; i++ {
			var sum float64
			for j := 0; j < cols; j++ {
				sum += anom.At(i, j)
			}
			assert.InDelta(0.0, sum, 1e-10)
		}
	}
}

func TestInflationWidensForecast(t *testing.T) {
	assert := assert.New(t)

	ens, _ := ensemble.FromInitCond(ic, 50, xrand.NewSource(3))
	spread := ensemble.Spread(ens)

	e := mat.DenseCopyOf(ens)
	assert.NoError(ensemble.Inflate(e, 1.2))
	assert.InDelta(1.2*spread, ensemble.Spread(e), 1e-12)
	assert.True(ensemble.Spread(e) >= spread)
}

func TestRotationKeepsMoments(t *testing.T) {
	assert := assert.New(t)

	f, err := New(model, r, &Config{Variant: Sqrt, Rotate: true, Seed: 9})
	assert.NoError(err)

	g, err := New(model, r, &Config{Variant: Sqrt})
	assert.NoError(err)

	ens, _ := ensemble.FromInitCond(ic, 30, xrand.NewSource(4))
	y := mat.NewVecDense(1, []float64{1.0})

	a, err := f.Update(ens, y, 0)
	assert.NoError(err)
	b, err := g.Update(ens, y, 0)
	assert.NoError(err)

	// rotation shuffles members but keeps mean and spread
	assert.InDelta(ensemble.Mean(b).AtVec(0), ensemble.Mean(a).AtVec(0), 1e-9)
	assert.InDelta(ensemble.Spread(b), ensemble.Spread(a), 1e-9)
}

// runCycles runs numCycles forecast/analysis cycles of the scalar random walk
// twin experiment and returns the final ensemble mean together with the final
// exact Kalman filter mean computed from the same observations.
func runCycles(t *testing.T, method da.Method, n, numCycles int, seed uint64) (float64, float64) {
	c, err := chrono.New(1.0, numCycles, 1)
	assert.NoError(t, err)

	qCov := mat.NewSymDense(1, []float64{0.1})
	rCov := mat.NewSymDense(1, []float64{1.0})

	q, err := noise.NewGaussian([]float64{0.0}, qCov, seed+1)
	assert.NoError(t, err)
	rSim, err := noise.NewGaussian([]float64{0.0}, rCov, seed+2)
	assert.NoError(t, err)

	h, err := hmm.New(c, model, ic, q, rSim)
	assert.NoError(t, err)

	_, obs, err := h.Simulate(seed)
	assert.NoError(t, err)

	kf, err := kalman.New(model, ic, qCov, rCov)
	assert.NoError(t, err)

	ens, err := ensemble.FromInitCond(ic, n, xrand.NewSource(seed+3))
	assert.NoError(t, err)

	fq, err := noise.NewGaussian([]float64{0.0}, qCov, seed+4)
	assert.NoError(t, err)

	for k := 1; k <= numCycles; k++ {
		// forecast: propagate members and add independent model noise draws
		ens, err = model.Propagate(ens, c.Time(k-1), c.DT())
		assert.NoError(t, err)
		ens.Add(ens, fq.SampleN(n))

		kf.Predict()

		// analysis
		y := mat.NewVecDense(1, []float64{obs.At(0, c.ObsIndex(k))})
		ens, err = method.Update(ens, y, c.Time(k))
		assert.NoError(t, err)
		assert.NoError(t, kf.Update(y))
	}

	return ensemble.Mean(ens).AtVec(0), kf.State().AtVec(0)
}

func TestConvergesToKalmanFilter(t *testing.T) {
	assert := assert.New(t)

	// with a large ensemble the EnKF mean approaches the exact KF mean
	// to within O(1/sqrt(N)) sampling error
	for _, v := range []Variant{PertObs, Sqrt, DEnKF} {
		f, err := New(model, r, &Config{Variant: v, Seed: 77})
		assert.NoError(err)

		enkfMean, kfMean := runCycles(t, f, 1000, 20, 123)
		assert.InDelta(kfMean, enkfMean, 0.05, "variant %v drifted from the Kalman filter mean", v)
	}
}

func TestNewN(t *testing.T) {
	assert := assert.New(t)

	f, err := NewN(model, r, nil)
	assert.NoError(err)
	assert.NotNil(f)
	assert.InDelta(1.0, f.InflationFactor(), 1e-12)

	f, err = NewN(nil, r, nil)
	assert.Nil(f)
	assert.Error(err)
}

func TestEnKFNUpdate(t *testing.T) {
	assert := assert.New(t)

	f, err := NewN(model, r, nil)
	assert.NoError(err)

	ens, _ := ensemble.FromInitCond(ic, 20, xrand.NewSource(6))
	out, err := f.Update(ens, mat.NewVecDense(1, []float64{1.0}), 0)
	assert.NoError(err)
	assert.NotNil(out)

	// the inferred factor stays within the documented search interval
	assert.True(f.InflationFactor() >= 1.0)
	assert.True(f.InflationFactor() <= 5.0)

	// it also tracks the Kalman filter on the linear problem
	g, err := NewN(model, r, nil)
	assert.NoError(err)
	enkfnMean, kfMean := runCycles(t, g, 400, 20, 321)
	assert.InDelta(kfMean, enkfnMean, 0.5)
}

func TestGoldenSection(t *testing.T) {
	assert := assert.New(t)

	// quadratic with minimum at 2.5
	min := goldenSection(func(x float64) float64 { return (x - 2.5) * (x - 2.5) }, 1.0, 5.0, 1e-8)
	assert.InDelta(2.5, min, 1e-6)
}

package run

import (
	"context"
	"fmt"
	"math"
	"sync"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	da "github.com/milosgajdos/go-ensemble"
	"github.com/milosgajdos/go-ensemble/ensemble"
	"github.com/milosgajdos/go-ensemble/hmm"
	"github.com/milosgajdos/go-ensemble/noise"
	"github.com/milosgajdos/go-ensemble/stats"
)

// Config is twin experiment configuration.
type Config struct {
	// N is the ensemble size
	N int
	// Seed seeds the experiment: the truth uses Seed, the initial ensemble
	// Seed+1 and the forecast noise Seed+2
	Seed uint64
	// Bound is the analysis RMSE above which the run is declared diverged;
	// 0 means the default of 1e5
	Bound float64
}

// Run performs a twin experiment: it simulates the truth and its observations
// from h, then runs method through the forecast/analysis cycle of the
// chronology, collecting forecast and analysis records into st. A method
// failure or a blown up analysis marks the run diverged and stops it early
// rather than returning an error: a diverged experiment is a valid result.
// It returns error on invalid inputs, model failures or context cancellation.
func Run(ctx context.Context, h *hmm.HMM, method da.Method, cfg *Config, st *stats.Stats) error {
	if h == nil {
		return fmt.Errorf("missing HMM")
	}

	if method == nil {
		return fmt.Errorf("missing method")
	}

	if st == nil {
		return fmt.Errorf("missing stats collector")
	}

	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.N < 2 {
		return fmt.Errorf("invalid ensemble size: %d", c.N)
	}
	if c.Bound == 0 {
		c.Bound = 1e5
	}
	if c.Bound < 0 {
		return fmt.Errorf("invalid divergence bound: %v", c.Bound)
	}

	chron := h.Chronology()
	model := h.Model()

	truth, obs, err := h.Simulate(c.Seed)
	if err != nil {
		return fmt.Errorf("truth simulation failed: %v", err)
	}

	ens, err := ensemble.FromInitCond(h.InitCond(), c.N, xrand.NewSource(c.Seed+1))
	if err != nil {
		return fmt.Errorf("failed to sample initial ensemble: %v", err)
	}

	// forecast noise draws come from a private stream independent of the
	// truth: the HMM noise objects stay untouched so experiments can share
	// the same HMM
	q, err := forecastNoise(h.StateNoise(), c.Seed+2)
	if err != nil {
		return err
	}

	nx, _ := ens.Dims()
	ny, _ := obs.Dims()
	truthAt := func(k int) mat.Vector {
		v := mat.NewVecDense(nx, nil)
		for i := 0; i < nx; i++ {
			v.SetVec(i, truth.At(i, k))
		}
		return v
	}

	for k := 1; k <= chron.NumSteps(); k++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ens, err = model.Propagate(ens, chron.Time(k-1), chron.DT())
		if err != nil {
			return fmt.Errorf("forecast propagation failed: %v", err)
		}
		ens.Add(ens, q.SampleN(c.N))

		if !chron.IsObs(k) {
			continue
		}

		t := chron.Time(k)

		y := mat.NewVecDense(ny, nil)
		for i := 0; i < y.Len(); i++ {
			y.SetVec(i, obs.At(i, chron.ObsIndex(k)))
		}

		logLik := math.NaN()
		if yEns, err := model.Observe(ens, t); err == nil {
			logLik = stats.InnovationLogLik(yEns, y, h.OutputNoise().Cov())
		}

		rmse, spread := stats.Measure(ens, weightsOf(method), truthAt(k))
		st.Record(stats.Record{K: k, T: t, Phase: stats.Forecast, RMSE: rmse, Spread: spread, LogLik: logLik})

		out, err := method.Update(ens, y, t)
		if err != nil {
			st.MarkDiverged(k, t)
			return nil
		}
		ens = out

		rmse, spread = stats.Measure(ens, weightsOf(method), truthAt(k))
		if math.IsInf(rmse, 0) || rmse > c.Bound {
			st.MarkDiverged(k, t)
			return nil
		}

		rec := stats.Record{K: k, T: t, Phase: stats.Analysis, RMSE: rmse, Spread: spread, LogLik: logLik}
		if it, ok := method.(da.Iterator); ok {
			rec.Iters, rec.Converged = it.Iterations()
		}
		if inf, ok := method.(da.Inflator); ok {
			rec.Infl = inf.InflationFactor()
		}
		st.Record(rec)
	}

	return nil
}

// forecastNoise builds a reseeded copy of the state noise for forecast draws.
// Zero covariance noise stays zero.
func forecastNoise(q da.Noise, seed uint64) (da.Noise, error) {
	cov := q.Cov()

	zero := true
	for i := 0; i < cov.SymmetricDim() && zero; i++ {
		for j := 0; j < cov.SymmetricDim(); j++ {
			if cov.At(i, j) != 0 {
				zero = false
				break
			}
		}
	}

	if zero {
		return noise.NewZero(cov.SymmetricDim())
	}

	g, err := noise.NewGaussian(q.Mean(), cov, seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create forecast noise: %v", err)
	}

	return g, nil
}

// weightsOf returns the member weights of weighted methods and nil otherwise.
func weightsOf(method da.Method) []float64 {
	if w, ok := method.(da.Weighter); ok {
		return w.Weights()
	}

	return nil
}

// Experiment is a single named twin experiment.
type Experiment struct {
	// Name identifies the experiment
	Name string
	// HMM generates the truth and the observations
	HMM *hmm.HMM
	// Method is the assimilation method under test
	Method da.Method
	// Config is the experiment configuration
	Config *Config
	// Stats collects the experiment records
	Stats *stats.Stats
}

// Batch runs the experiments concurrently on a pool of workers; workers of 0
// means one worker per experiment. Methods keep state between updates, so
// each experiment must bring its own method instance.
// It returns the first error encountered.
func Batch(ctx context.Context, exps []Experiment, workers int) error {
	if workers <= 0 || workers > len(exps) {
		workers = len(exps)
	}
	if workers == 0 {
		return nil
	}

	jobs := make(chan int)
	errs := make([]error, len(exps))

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := Run(ctx, exps[i].HMM, exps[i].Method, exps[i].Config, exps[i].Stats); err != nil {
					errs[i] = fmt.Errorf("experiment %q: %v", exps[i].Name, err)
				}
			}
		}()
	}

	for i := range exps {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

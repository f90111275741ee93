package stats

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/milosgajdos/go-ensemble/ensemble"
)

// Phase tells which half of the assimilation cycle a record belongs to.
type Phase int

const (
	// Forecast records are taken before the measurement update
	Forecast Phase = iota
	// Analysis records are taken after the measurement update
	Analysis
)

// String implements the Stringer interface.
func (p Phase) String() string {
	switch p {
	case Forecast:
		return "forecast"
	case Analysis:
		return "analysis"
	}

	return "unknown"
}

// Record is a single assimilation cycle measurement.
type Record struct {
	// K is the chronology step index
	K int
	// T is the chronology time
	T float64
	// Phase tells whether this is a forecast or an analysis record
	Phase Phase
	// RMSE is the root mean square error of the ensemble mean against the truth
	RMSE float64
	// Spread is the ensemble spread
	Spread float64
	// LogLik is the innovation log likelihood of the cycle's measurement
	LogLik float64
	// Infl is the inflation factor applied by adaptive methods
	Infl float64
	// Iters is the iteration count reported by iterative methods
	Iters int
	// Converged is the convergence flag reported by iterative methods
	Converged bool
	// Diverged marks the cycle in which the experiment blew up
	Diverged bool
}

// Sink consumes records as they are collected. Push must not block.
type Sink interface {
	// Push hands over a record
	Push(Record)
}

// ChanSink is a Sink backed by a buffered channel: records pushed while the
// channel is full are dropped rather than blocking the experiment.
type ChanSink struct {
	c chan Record
}

// NewChanSink creates new ChanSink with the given buffer size.
func NewChanSink(size int) *ChanSink {
	if size < 1 {
		size = 1
	}

	return &ChanSink{c: make(chan Record, size)}
}

// Push implements the Sink interface.
func (s *ChanSink) Push(rec Record) {
	select {
	case s.c <- rec:
	default:
	}
}

// C returns the record channel.
func (s *ChanSink) C() <-chan Record {
	return s.c
}

// Close closes the record channel.
func (s *ChanSink) Close() {
	close(s.c)
}

// Stats is an append only collector of experiment records. It is safe for
// concurrent use.
type Stats struct {
	mu       sync.Mutex
	records  []Record
	sink     Sink
	diverged bool
}

// New creates new Stats with an optional sink for streaming records.
func New(sink Sink) *Stats {
	return &Stats{sink: sink}
}

// Record appends rec and forwards it to the sink if one is configured.
func (s *Stats) Record(rec Record) {
	s.mu.Lock()
	s.records = append(s.records, rec)
	if rec.Diverged {
		s.diverged = true
	}
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.Push(rec)
	}
}

// MarkDiverged appends a divergence record for step k at time t.
func (s *Stats) MarkDiverged(k int, t float64) {
	s.Record(Record{
		K:        k,
		T:        t,
		Phase:    Analysis,
		RMSE:     math.NaN(),
		Spread:   math.NaN(),
		LogLik:   math.NaN(),
		Diverged: true,
	})
}

// Diverged reports whether the experiment has diverged.
func (s *Stats) Diverged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.diverged
}

// Records returns a copy of all collected records.
func (s *Stats) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)

	return out
}

// Summary is an aggregate over a window of analysis records.
type Summary struct {
	// Cycles is the number of analysis records in the window
	Cycles int
	// RMSE is the mean analysis RMSE over the window, NaN records excluded
	RMSE float64
	// Spread is the mean analysis spread over the window, NaN records excluded
	Spread float64
	// LogLik is the mean innovation log likelihood over the window
	LogLik float64
	// Diverged reports whether the experiment diverged
	Diverged bool
}

// Summarize aggregates the last lastN analysis records; lastN of 0 means all
// of them. NaN values are excluded from the averages, which makes the summary
// usable even for partially diverged runs.
func (s *Stats) Summarize(lastN int) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var analysis []Record
	for _, rec := range s.records {
		if rec.Phase == Analysis {
			analysis = append(analysis, rec)
		}
	}

	if lastN > 0 && len(analysis) > lastN {
		analysis = analysis[len(analysis)-lastN:]
	}

	return Summary{
		Cycles:   len(analysis),
		RMSE:     nanMean(analysis, func(r Record) float64 { return r.RMSE }),
		Spread:   nanMean(analysis, func(r Record) float64 { return r.Spread }),
		LogLik:   nanMean(analysis, func(r Record) float64 { return r.LogLik }),
		Diverged: s.diverged,
	}
}

// Measure computes the RMSE of the (optionally weighted) ensemble mean
// against the truth together with the ensemble spread. NaN entries of the
// truth are skipped, so partially undefined reference states still measure
// over their defined variables.
func Measure(ens *mat.Dense, w []float64, truth mat.Vector) (rmse, spread float64) {
	var mean *mat.VecDense
	if len(w) > 0 {
		mean = ensemble.WeightedMean(ens, w)
	} else {
		mean = ensemble.Mean(ens)
	}

	var sum float64
	var count int
	for i := 0; i < truth.Len(); i++ {
		v := truth.AtVec(i)
		if math.IsNaN(v) {
			continue
		}
		d := mean.AtVec(i) - v
		sum += d * d
		count++
	}

	if count == 0 {
		return math.NaN(), ensemble.Spread(ens)
	}

	return math.Sqrt(sum / float64(count)), ensemble.Spread(ens)
}

// InnovationLogLik scores the measurement y against the observed forecast
// ensemble: the log density of y under a Gaussian with the observed ensemble
// mean and the observed ensemble covariance plus the output noise covariance.
// It returns NaN if the innovation covariance cannot be factorized.
func InnovationLogLik(yEns *mat.Dense, y mat.Vector, rcov mat.Symmetric) float64 {
	ny, n := yEns.Dims()
	if y.Len() != ny || n < 2 {
		return math.NaN()
	}

	mean := ensemble.Mean(yEns)
	cov, err := ensemble.Cov(yEns)
	if err != nil {
		return math.NaN()
	}

	s := mat.NewSymDense(ny, nil)
	for i := 0; i < ny; i++ {
		for j := i; j < ny; j++ {
			s.SetSym(i, j, cov.At(i, j)+rcov.At(i, j))
		}
	}

	dist, ok := distmv.NewNormal(vecToSlice(mean), s, nil)
	if !ok {
		return math.NaN()
	}

	return dist.LogProb(vecToSlice(y))
}

func vecToSlice(v mat.Vector) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}

	return out
}

// nanMean averages f over recs skipping NaNs.
func nanMean(recs []Record, f func(Record) float64) float64 {
	var sum float64
	var count int
	for _, rec := range recs {
		v := f(rec)
		if math.IsNaN(v) {
			continue
		}
		sum += v
		count++
	}

	if count == 0 {
		return math.NaN()
	}

	return sum / float64(count)
}

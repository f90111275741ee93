package noise

import (
	"fmt"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Gaussian is gaussian noise
type Gaussian struct {
	// dist is a multivariate normal distribution
	dist *distmv.Normal
	// mean is Gaussian mean
	mean []float64
	// cov is Gaussian covariance
	cov mat.Symmetric
}

// NewGaussian creates new Gaussian noise with given mean and covariance whose
// samples are drawn from the stream seeded with seed. Samples drawn in sequence
// are independent; distinct seeds yield independent, non-correlated streams.
// It returns error if it fails to create Gaussian.
func NewGaussian(mean []float64, cov mat.Symmetric, seed uint64) (*Gaussian, error) {
	if len(mean) != cov.SymmetricDim() {
		return nil, fmt.Errorf("invalid noise dimensions: mean %d, cov %d", len(mean), cov.SymmetricDim())
	}

	dist, ok := newGaussianDist(mean, cov, seed)
	if !ok {
		return nil, fmt.Errorf("failed to create new Gaussian noise")
	}

	return &Gaussian{
		dist: dist,
		mean: mean,
		cov:  cov,
	}, nil
}

// Sample generates a sample from Gaussian noise and returns it.
func (g *Gaussian) Sample() mat.Vector {
	r := g.dist.Rand(nil)
	return mat.NewVecDense(len(r), r)
}

// SampleN generates n independent samples from Gaussian noise and returns
// them stored in the columns of the returned matrix.
func (g *Gaussian) SampleN(n int) *mat.Dense {
	dim := len(g.mean)
	out := mat.NewDense(dim, n, nil)

	buf := make([]float64, dim)
	for c := 0; c < n; c++ {
		g.dist.Rand(buf)
		for r := 0; r < dim; r++ {
			out.Set(r, c, buf[r])
		}
	}

	return out
}

// LogProb returns the log-probability density of the sample v.
func (g *Gaussian) LogProb(v mat.Vector) float64 {
	buf := make([]float64, v.Len())
	for i := range buf {
		buf[i] = v.AtVec(i)
	}

	return g.dist.LogProb(buf)
}

// Cov returns covariance matrix of Gaussian noise.
func (g *Gaussian) Cov() mat.Symmetric {
	return g.cov
}

// Mean returns Gaussian mean.
func (g *Gaussian) Mean() []float64 {
	return g.mean
}

// Reset reseeds the Gaussian noise stream with seed.
func (g *Gaussian) Reset(seed uint64) {
	if dist, ok := newGaussianDist(g.mean, g.cov, seed); ok {
		g.dist = dist
	}
}

func newGaussianDist(mean []float64, cov mat.Symmetric, seed uint64) (*distmv.Normal, bool) {
	src := xrand.New(xrand.NewSource(seed))
	return distmv.NewNormal(mean, cov, src)
}

// String implements the Stringer interface.
func (g *Gaussian) String() string {
	return fmt.Sprintf("Gaussian{\nMean=%v\nCov=%v\n}", g.mean, mat.Formatted(g.cov, mat.Prefix("    "), mat.Squeeze()))
}

package rand

import (
	"fmt"
	"math"
	"sort"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// WithCovN draws n random samples from a zero-mean Normal (aka Gaussian)
// distribution with covariance cov using the random stream src.
// It returns a matrix which contains the samples stored in its columns.
// SVD is used instead of Cholesky as Cholesky can be numerically unstable
// when cov is (almost) singular.
// It fails with error if n is not positive or if the SVD factorization of cov fails.
func WithCovN(cov mat.Symmetric, n int, src xrand.Source) (*mat.Dense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid number of samples requested: %d", n)
	}

	var svd mat.SVD
	ok := svd.Factorize(cov, mat.SVDFull)
	if !ok {
		return nil, fmt.Errorf("SVD factorization failed")
	}

	U := new(mat.Dense)
	svd.UTo(U)
	vals := svd.Values(nil)
	for i := range vals {
		vals[i] = math.Sqrt(vals[i])
	}
	diag := mat.NewDiagDense(len(vals), vals)
	U.Mul(U, diag)

	rnd := xrand.New(src)
	rows := cov.SymmetricDim()
	data := make([]float64, rows*n)
	for i := range data {
		data[i] = rnd.NormFloat64()
	}
	samples := mat.NewDense(rows, n, data)
	samples.Mul(U, samples)

	return samples, nil
}

// RouletteDrawN draws n indices randomly from a probability mass function (PMF)
// defined by the weights in p, using the random stream src.
// RouletteDrawN implements the Roulette Wheel Draw a.k.a. Fitness Proportionate
// Selection, i.e. multinomial resampling:
// - https://en.wikipedia.org/wiki/Fitness_proportionate_selection
// It returns a slice of n indices into p.
// It fails with error if p is empty or nil.
func RouletteDrawN(p []float64, n int, src xrand.Source) ([]int, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("invalid probability weights: %v", p)
	}

	// create the discrete CDF; cdf is sorted in ascending order
	cdf := make([]float64, len(p))
	floats.CumSum(cdf, p)

	rnd := xrand.New(src)
	indices := make([]int, n)
	for i := range indices {
		// multiply the sample with the largest CDF value; easier than normalizing to [0,1)
		val := rnd.Float64() * cdf[len(cdf)-1]
		indices[i] = sort.Search(len(cdf), func(j int) bool { return cdf[j] > val })
	}

	return indices, nil
}

// SystematicDrawN draws n indices from the PMF defined by p using systematic
// resampling: a single uniform offset followed by n evenly spaced pointers
// swept through the CDF. It has lower variance than multinomial resampling.
// It fails with error if p is empty or nil.
func SystematicDrawN(p []float64, n int, src xrand.Source) ([]int, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("invalid probability weights: %v", p)
	}

	cdf := make([]float64, len(p))
	floats.CumSum(cdf, p)
	total := cdf[len(cdf)-1]

	rnd := xrand.New(src)
	offset := rnd.Float64() / float64(n)

	indices := make([]int, n)
	j := 0
	for i := range indices {
		val := (offset + float64(i)/float64(n)) * total
		for j < len(cdf)-1 && cdf[j] <= val {
			j++
		}
		indices[i] = j
	}

	return indices, nil
}

// ResidualDrawN draws n indices from the PMF defined by p using residual
// resampling: index i is drawn deterministically floor(n*p_i) times and the
// remaining slots are filled by a multinomial draw from the residual weights.
// It fails with error if p is empty, nil or sums up to zero.
func ResidualDrawN(p []float64, n int, src xrand.Source) ([]int, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("invalid probability weights: %v", p)
	}

	total := floats.Sum(p)
	if total <= 0 {
		return nil, fmt.Errorf("invalid probability weights: %v", p)
	}

	indices := make([]int, 0, n)
	resid := make([]float64, len(p))
	for i, w := range p {
		exp := float64(n) * w / total
		cnt := int(math.Floor(exp))
		for j := 0; j < cnt; j++ {
			indices = append(indices, i)
		}
		resid[i] = exp - float64(cnt)
	}

	if rest := n - len(indices); rest > 0 {
		drawn, err := RouletteDrawN(resid, rest, src)
		if err != nil {
			return nil, err
		}
		indices = append(indices, drawn...)
	}

	return indices[:n], nil
}

// Orthogonal returns a random n x n orthogonal matrix drawn from the Haar
// distribution: the Q factor of a Gaussian matrix with the signs fixed by
// the diagonal of R.
// It fails with error if n is not positive.
func Orthogonal(n int, src xrand.Source) (*mat.Dense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid matrix dimension: %d", n)
	}

	rnd := xrand.New(src)
	data := make([]float64, n*n)
	for i := range data {
		data[i] = rnd.NormFloat64()
	}
	g := mat.NewDense(n, n, data)

	var qr mat.QR
	qr.Factorize(g)

	q := new(mat.Dense)
	qr.QTo(q)
	r := new(mat.Dense)
	qr.RTo(r)

	// fix the signs so the draw is uniform over the orthogonal group
	for j := 0; j < n; j++ {
		if r.At(j, j) < 0 {
			for i := 0; i < n; i++ {
				q.Set(i, j, -q.At(i, j))
			}
		}
	}

	return q, nil
}

// MeanPreservingOrthogonal returns a random n x n orthogonal matrix U which
// keeps the vector of ones invariant: U*1 = 1. Applying U to the member axis
// of an ensemble rotates its anomalies without altering the ensemble mean.
// It fails with error if n is not positive.
func MeanPreservingOrthogonal(n int, src xrand.Source) (*mat.Dense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid matrix dimension: %d", n)
	}

	if n == 1 {
		return mat.NewDense(1, 1, []float64{1.0}), nil
	}

	// orthonormal basis whose first column spans the ones vector
	rnd := xrand.New(src)
	data := make([]float64, n*n)
	for i := range data {
		data[i] = rnd.NormFloat64()
	}
	g := mat.NewDense(n, n, data)
	for i := 0; i < n; i++ {
		g.Set(i, 0, 1.0)
	}

	var qr mat.QR
	qr.Factorize(g)
	q := new(mat.Dense)
	qr.QTo(q)

	// random rotation in the (n-1)-dim complement of the ones vector
	rot, err := Orthogonal(n-1, src)
	if err != nil {
		return nil, err
	}

	blk := mat.NewDense(n, n, nil)
	blk.Set(0, 0, 1.0)
	blk.Slice(1, n, 1, n).(*mat.Dense).Copy(rot)

	u := new(mat.Dense)
	u.Mul(q, blk)
	u.Mul(u, q.T())

	return u, nil
}

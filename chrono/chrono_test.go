package chrono

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	assert := assert.New(t)

	c, err := New(0.05, 200, 4)
	assert.NoError(err)
	assert.NotNil(c)
	assert.Equal(200, c.NumSteps())
	assert.Equal(50, c.NumObs())
	assert.InDelta(0.05, c.DT(), 1e-12)

	// invalid step size
	c, err = New(0.0, 10, 1)
	assert.Nil(c)
	assert.Error(err)

	c, err = New(-0.1, 10, 1)
	assert.Nil(c)
	assert.Error(err)

	// invalid number of steps
	c, err = New(0.1, 0, 1)
	assert.Nil(c)
	assert.Error(err)

	// invalid observation interval
	c, err = New(0.1, 10, 0)
	assert.Nil(c)
	assert.Error(err)

	c, err = New(0.1, 10, 11)
	assert.Nil(c)
	assert.Error(err)
}

func TestNewDuration(t *testing.T) {
	assert := assert.New(t)

	c, err := NewDuration(0.05, 10.0, 0.2)
	assert.NoError(err)
	assert.Equal(200, c.NumSteps())
	assert.Equal(50, c.NumObs())

	// dtObs not a multiple of dt
	c, err = NewDuration(0.05, 10.0, 0.13)
	assert.Nil(c)
	assert.Error(err)

	// T not a multiple of dt
	c, err = NewDuration(0.05, 0.07, 0.05)
	assert.Nil(c)
	assert.Error(err)
}

func TestObsIndices(t *testing.T) {
	assert := assert.New(t)

	c, err := New(0.1, 10, 3)
	assert.NoError(err)

	kk := c.ObsIndices()
	assert.Equal([]int{3, 6, 9}, kk)

	// strictly increasing subsequence of the grid
	for i := 1; i < len(kk); i++ {
		assert.True(kk[i] > kk[i-1])
		assert.True(kk[i] <= c.NumSteps())
	}

	assert.False(c.IsObs(0))
	assert.False(c.IsObs(1))
	assert.True(c.IsObs(3))
	assert.True(c.IsObs(9))
	assert.False(c.IsObs(10))

	assert.Equal(0, c.ObsIndex(3))
	assert.Equal(2, c.ObsIndex(9))
	assert.Equal(-1, c.ObsIndex(4))
}

func TestTime(t *testing.T) {
	assert := assert.New(t)

	c, err := New(0.5, 4, 2)
	assert.NoError(err)

	assert.InDelta(0.0, c.Time(0), 1e-12)
	assert.InDelta(2.0, c.Time(4), 1e-12)
}

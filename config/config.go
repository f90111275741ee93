package config

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	da "github.com/milosgajdos/go-ensemble"
	"github.com/milosgajdos/go-ensemble/chrono"
	"github.com/milosgajdos/go-ensemble/enkf"
	"github.com/milosgajdos/go-ensemble/ensemble"
	"github.com/milosgajdos/go-ensemble/hmm"
	"github.com/milosgajdos/go-ensemble/ienks"
	"github.com/milosgajdos/go-ensemble/letkf"
	"github.com/milosgajdos/go-ensemble/models"
	"github.com/milosgajdos/go-ensemble/netf"
	"github.com/milosgajdos/go-ensemble/noise"
	"github.com/milosgajdos/go-ensemble/pf"
	"github.com/milosgajdos/go-ensemble/run"
)

// Defaults applied when the experiment file leaves them out.
const (
	DefaultDt       = 1.0
	DefaultSteps    = 100
	DefaultObsEvery = 1
	DefaultEnsSize  = 20
)

// Config describes a complete twin experiment.
type Config struct {
	Chronology ChronologyConfig `yaml:"chronology"`
	Model      ModelConfig      `yaml:"model"`
	Init       InitConfig       `yaml:"init"`
	Noise      NoiseConfig      `yaml:"noise"`
	Method     MethodConfig     `yaml:"method"`
	Run        RunConfig        `yaml:"run"`
}

// ChronologyConfig describes the experiment time grid.
type ChronologyConfig struct {
	Dt       float64 `yaml:"dt"`
	Steps    int     `yaml:"steps"`
	ObsEvery int     `yaml:"obs_every"`
}

// ModelConfig describes the dynamics and the observation operator. A linear
// model takes row major system and output matrices; a random walk only needs
// the state dimension.
type ModelConfig struct {
	Type   string    `yaml:"type"`
	Dim    int       `yaml:"dim"`
	ObsDim int       `yaml:"obs_dim"`
	A      []float64 `yaml:"a,omitempty"`
	C      []float64 `yaml:"c,omitempty"`
}

// InitConfig describes the initial condition: mean and diagonal covariance.
type InitConfig struct {
	Mean []float64 `yaml:"mean"`
	Var  []float64 `yaml:"var"`
}

// NoiseConfig describes diagonal state and output noise covariances.
type NoiseConfig struct {
	Q []float64 `yaml:"q"`
	R []float64 `yaml:"r"`
}

// MethodConfig selects and tunes the assimilation method.
type MethodConfig struct {
	Name          string    `yaml:"name"`
	Infl          float64   `yaml:"infl"`
	Rotate        bool      `yaml:"rotate"`
	Seed          uint64    `yaml:"seed"`
	Radius        float64   `yaml:"radius"`
	Cyclic        bool      `yaml:"cyclic"`
	Resampling    string    `yaml:"resampling"`
	Threshold     float64   `yaml:"threshold"`
	Linearization string    `yaml:"linearization"`
	MaxIter       int       `yaml:"max_iter"`
	Tol           float64   `yaml:"tol"`
	MDA           int       `yaml:"mda"`
	StatePos      []float64 `yaml:"state_pos,omitempty"`
	ObsPos        []float64 `yaml:"obs_pos,omitempty"`
}

// RunConfig tunes the experiment harness.
type RunConfig struct {
	N     int     `yaml:"n"`
	Seed  uint64  `yaml:"seed"`
	Bound float64 `yaml:"bound"`
	LastN int     `yaml:"last_n"`
}

// DefaultConfig returns a runnable scalar random walk experiment.
func DefaultConfig() *Config {
	return &Config{
		Chronology: ChronologyConfig{Dt: DefaultDt, Steps: DefaultSteps, ObsEvery: DefaultObsEvery},
		Model:      ModelConfig{Type: "randomwalk", Dim: 1},
		Init:       InitConfig{Mean: []float64{0.0}, Var: []float64{1.0}},
		Noise:      NoiseConfig{Q: []float64{0.1}, R: []float64{1.0}},
		Method:     MethodConfig{Name: "etkf"},
		Run:        RunConfig{N: DefaultEnsSize},
	}
}

// Load reads the experiment file at path on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %v", path, err)
	}

	return cfg, nil
}

// Save writes the experiment file to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Build assembles the HMM, the assimilation method and the run configuration
// the experiment file describes.
func (c *Config) Build() (*hmm.HMM, da.Method, *run.Config, error) {
	chron, err := chrono.New(c.Chronology.Dt, c.Chronology.Steps, c.Chronology.ObsEvery)
	if err != nil {
		return nil, nil, nil, err
	}

	model, err := c.buildModel()
	if err != nil {
		return nil, nil, nil, err
	}

	nx, _ := model.SystemDims()
	if len(c.Init.Mean) != nx || len(c.Init.Var) != nx {
		return nil, nil, nil, fmt.Errorf("invalid initial condition dimensions: mean %d, var %d", len(c.Init.Mean), len(c.Init.Var))
	}
	ic := ensemble.NewInitCond(
		mat.NewVecDense(nx, c.Init.Mean),
		diagonal(c.Init.Var),
	)

	q, err := c.buildStateNoise(nx)
	if err != nil {
		return nil, nil, nil, err
	}

	r, err := noise.NewGaussian(make([]float64, len(c.Noise.R)), diagonal(c.Noise.R), c.Method.Seed+1)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create output noise: %v", err)
	}

	h, err := hmm.New(chron, model, ic, q, r)
	if err != nil {
		return nil, nil, nil, err
	}

	method, err := c.buildMethod(h)
	if err != nil {
		return nil, nil, nil, err
	}

	runCfg := &run.Config{N: c.Run.N, Seed: c.Run.Seed, Bound: c.Run.Bound}

	return h, method, runCfg, nil
}

func (c *Config) buildModel() (*models.Linear, error) {
	switch c.Model.Type {
	case "randomwalk", "":
		return models.NewRandomWalk(c.Model.Dim)
	case "linear":
		nx, ny := c.Model.Dim, c.Model.ObsDim
		if ny == 0 {
			ny = nx
		}
		if len(c.Model.A) != nx*nx {
			return nil, fmt.Errorf("invalid system matrix size: %d", len(c.Model.A))
		}
		if len(c.Model.C) != ny*nx {
			return nil, fmt.Errorf("invalid output matrix size: %d", len(c.Model.C))
		}
		return models.NewLinear(mat.NewDense(nx, nx, c.Model.A), mat.NewDense(ny, nx, c.Model.C))
	}

	return nil, fmt.Errorf("unknown model: %q", c.Model.Type)
}

func (c *Config) buildStateNoise(nx int) (da.Noise, error) {
	if len(c.Noise.Q) == 0 || allZero(c.Noise.Q) {
		return noise.NewZero(nx)
	}

	if len(c.Noise.Q) != nx {
		return nil, fmt.Errorf("invalid state noise dimension: %d", len(c.Noise.Q))
	}

	g, err := noise.NewGaussian(make([]float64, nx), diagonal(c.Noise.Q), c.Method.Seed+2)
	if err != nil {
		return nil, fmt.Errorf("failed to create state noise: %v", err)
	}

	return g, nil
}

func (c *Config) buildMethod(h *hmm.HMM) (da.Method, error) {
	m := c.Method
	model := h.Model()
	r := h.OutputNoise()

	switch m.Name {
	case "enkf":
		return enkf.New(model, r, &enkf.Config{Variant: enkf.PertObs, Infl: m.Infl, Rotate: m.Rotate, Seed: m.Seed})
	case "etkf", "":
		return enkf.New(model, r, &enkf.Config{Variant: enkf.Sqrt, Infl: m.Infl, Rotate: m.Rotate, Seed: m.Seed})
	case "denkf":
		return enkf.New(model, r, &enkf.Config{Variant: enkf.DEnKF, Infl: m.Infl, Rotate: m.Rotate, Seed: m.Seed})
	case "enkf-n":
		return enkf.NewN(model, r, &enkf.Config{Rotate: m.Rotate, Seed: m.Seed})
	case "letkf":
		return letkf.New(model, r, &letkf.Config{
			Radius:   m.Radius,
			Infl:     m.Infl,
			Cyclic:   m.Cyclic,
			StatePos: m.StatePos,
			ObsPos:   m.ObsPos,
		})
	case "eakf":
		return letkf.NewSerialEAKF(model, r, &letkf.Config{
			Radius:   m.Radius,
			Infl:     m.Infl,
			Cyclic:   m.Cyclic,
			StatePos: m.StatePos,
			ObsPos:   m.ObsPos,
		})
	case "ienks":
		lin, err := linearization(m.Linearization)
		if err != nil {
			return nil, err
		}
		return ienks.New(model, r, &ienks.Config{
			Linearization: lin,
			MaxIter:       m.MaxIter,
			Tol:           m.Tol,
			Infl:          m.Infl,
			Rotate:        m.Rotate,
			Seed:          m.Seed,
			Steps:         c.Chronology.ObsEvery,
			DT:            c.Chronology.Dt,
		})
	case "esmda":
		mda := m.MDA
		if mda == 0 {
			mda = 4
		}
		return ienks.New(model, r, &ienks.Config{
			MDA:   mda,
			Infl:  m.Infl,
			Seed:  m.Seed,
			Steps: c.Chronology.ObsEvery,
			DT:    c.Chronology.Dt,
		})
	case "pf":
		scheme, err := resampling(m.Resampling)
		if err != nil {
			return nil, err
		}
		return pf.New(model, r, &pf.Config{Resampling: scheme, Threshold: m.Threshold, Seed: m.Seed})
	case "netf":
		return netf.New(model, r, &netf.Config{Infl: m.Infl, Rotate: m.Rotate, Seed: m.Seed})
	case "rhf":
		return netf.NewRHF(model, r, &netf.Config{Infl: m.Infl, Seed: m.Seed})
	}

	return nil, fmt.Errorf("unknown method: %q", m.Name)
}

func linearization(name string) (ienks.Linearization, error) {
	switch name {
	case "bundle", "":
		return ienks.Bundle, nil
	case "transform":
		return ienks.Transform, nil
	}

	return 0, fmt.Errorf("unknown linearization: %q", name)
}

func resampling(name string) (pf.Resampling, error) {
	switch name {
	case "multinomial", "":
		return pf.Multinomial, nil
	case "systematic":
		return pf.Systematic, nil
	case "residual":
		return pf.Residual, nil
	}

	return 0, fmt.Errorf("unknown resampling scheme: %q", name)
}

func diagonal(d []float64) *mat.SymDense {
	s := mat.NewSymDense(len(d), nil)
	for i, v := range d {
		s.SetSym(i, i, v)
	}

	return s
}

func allZero(d []float64) bool {
	for _, v := range d {
		if v != 0 {
			return false
		}
	}

	return true
}

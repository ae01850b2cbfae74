// Package engine provides the execution context that solvers, nets and
// layers run under.
//
// A Context replaces process-wide device state: every solver is built with
// its own Context, so solvers with different modes, seeds or worker limits
// can live in the same process without affecting one another.
//
// Example:
//
//	ctx, err := engine.NewContext(engine.WithSeed(1701), engine.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	s, err := solver.Load(ctx, "solver.prototxt")
package engine

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// Mode selects the device computations run on.
type Mode int

// Modes.
const (
	CPU Mode = iota
	GPU
)

// String returns the prototxt spelling of the mode.
func (m Mode) String() string {
	switch m {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts a solver_mode value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "CPU":
		return CPU, nil
	case "GPU":
		return GPU, nil
	}
	return CPU, errors.Errorf("unknown mode %q", s)
}

// ErrGPUUnavailable is returned when a GPU context is requested.
// Layers only ship CPU kernels.
var ErrGPUUnavailable = errors.New("engine: GPU mode is not available in this build")

// Context carries the execution settings for one solver and its nets.
type Context struct {
	mode     Mode
	deviceID int
	seed     uint64
	rng      *rand.Rand
	parallel ParallelConfig
	logger   *slog.Logger
}

// Option configures a Context.
type Option func(*Context)

// WithMode sets the device mode.
func WithMode(m Mode) Option {
	return func(c *Context) { c.mode = m }
}

// WithDevice sets the device ordinal for GPU mode.
func WithDevice(id int) Option {
	return func(c *Context) { c.deviceID = id }
}

// WithSeed seeds the context RNG. Fillers draw from it, so two contexts with
// the same seed initialize identical nets.
func WithSeed(seed uint64) Option {
	return func(c *Context) { c.seed = seed }
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) { c.logger = l }
}

// WithParallel overrides the worker configuration.
func WithParallel(p ParallelConfig) Option {
	return func(c *Context) { c.parallel = p }
}

// NewContext builds a Context. Without WithSeed the seed is taken from the clock.
func NewContext(opts ...Option) (*Context, error) {
	c := &Context{
		mode:     CPU,
		seed:     uint64(time.Now().UnixNano()),
		parallel: DefaultParallelConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.mode == GPU {
		return nil, errors.Wrapf(ErrGPUUnavailable, "device %d", c.deviceID)
	}
	if c.deviceID < 0 {
		return nil, errors.Errorf("engine: invalid device id %d", c.deviceID)
	}
	c.rng = rand.New(rand.NewPCG(c.seed, c.seed^0x9e3779b97f4a7c15))
	return c, nil
}

// Mode returns the device mode.
func (c *Context) Mode() Mode { return c.mode }

// DeviceID returns the device ordinal.
func (c *Context) DeviceID() int { return c.deviceID }

// Seed returns the RNG seed.
func (c *Context) Seed() uint64 { return c.seed }

// Rand returns the context RNG. It is not safe for concurrent use.
func (c *Context) Rand() *rand.Rand { return c.rng }

// Reseed resets the RNG, e.g. when a solver's random_seed is applied.
func (c *Context) Reseed(seed uint64) {
	c.seed = seed
	c.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Fork returns a copy of the context with its own RNG seeded with seed.
// Settings are shared; random state is not.
func (c *Context) Fork(seed uint64) *Context {
	forked := *c
	forked.Reseed(seed)
	return &forked
}

// Logger returns the context logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Parallel returns the worker configuration.
func (c *Context) Parallel() ParallelConfig { return c.parallel }

// Describe returns a one-line description of the execution target.
func (c *Context) Describe() string {
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = "unknown CPU"
	}
	return fmt.Sprintf("%s mode on %s (%d logical cores, %d workers)",
		c.mode, brand, cpuid.CPU.LogicalCores, c.parallel.NumWorkers)
}

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package solver provides the public API for training nets.
//
// # Overview
//
// A Solver is configured by a solver prototxt naming the net, the learning
// rate schedule and the update algorithm:
//   - Algorithms: SGD, Nesterov, AdaGrad, RMSProp, AdaDelta, Adam
//   - Policies: fixed, step, exp, inv, multistep, poly, sigmoid
//
// Every solver runs in an explicit Context carrying the device mode, RNG
// seed, worker pool and logger. Solvers never share random state.
//
// # Basic Usage
//
//	ctx, err := solver.NewContext(solver.WithSeed(1701))
//	if err != nil {
//	    return err
//	}
//	s, err := solver.Load(ctx, "lenet_solver.prototxt")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	if err := s.Solve(context.Background(), ""); err != nil {
//	    return err
//	}
//
// # Manual Updates
//
//	for _, p := range s.Net().Params() {
//	    p.FillDiff(1)
//	}
//	s.ApplyUpdate() // data -= rate * diff for plain SGD at iteration 0
package solver

import (
	"log/slog"

	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
	"github.com/born-ml/solver/internal/solver"
)

// Solver trains one net and evaluates its test nets.
type Solver = solver.Solver

// Parameter is a parsed solver prototxt.
type Parameter = config.SolverParameter

// Callback hooks into the training loop.
type Callback = solver.Callback

// Score is one averaged test net output element.
type Score = solver.Score

// Algorithm computes the update step of one solver type.
type Algorithm = solver.Algorithm

// AlgorithmFactory builds an Algorithm from a configuration.
type AlgorithmFactory = solver.AlgorithmFactory

// ErrClosed is returned by operations on a closed solver.
var ErrClosed = solver.ErrClosed

// New builds the solver type named by sp.Type.
func New(ctx *Context, sp *Parameter) (*Solver, error) {
	return solver.New(ctx, sp)
}

// NewWithType builds a solver of the given type, overriding sp.Type.
func NewWithType(ctx *Context, sp *Parameter, typ string) (*Solver, error) {
	return solver.NewWithType(ctx, sp, typ)
}

// NewSGD builds a plain SGD solver.
func NewSGD(ctx *Context, sp *Parameter) (*Solver, error) {
	return solver.NewSGD(ctx, sp)
}

// Load reads a solver prototxt and builds the solver it describes.
func Load(ctx *Context, path string) (*Solver, error) {
	return solver.Load(ctx, path)
}

// Parse parses solver prototxt text. Relative net paths resolve against
// baseDir.
func Parse(text, baseDir string) (*Parameter, error) {
	return config.ParseSolver(text, baseDir)
}

// Register adds a solver type.
func Register(typ string, factory AlgorithmFactory) {
	solver.Register(typ, factory)
}

// Types lists the registered solver types.
func Types() []string {
	return solver.Types()
}

// LRPolicies lists the supported learning rate policies.
func LRPolicies() []string {
	return solver.LRPolicies()
}

// SnapshotPaths returns the files Snapshot writes for an iteration.
func SnapshotPaths(prefix string, iter int) (params, state string) {
	return solver.SnapshotPaths(prefix, iter)
}

// Execution context

// Context carries the execution settings shared by a solver and its nets.
type Context = engine.Context

// Option configures a Context.
type Option = engine.Option

// ErrGPUUnavailable is returned when GPU mode is requested.
var ErrGPUUnavailable = engine.ErrGPUUnavailable

// NewContext creates an execution context. CPU mode is the default.
func NewContext(opts ...Option) (*Context, error) {
	return engine.NewContext(opts...)
}

// WithSeed seeds the context RNG.
func WithSeed(seed uint64) Option {
	return engine.WithSeed(seed)
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return engine.WithLogger(l)
}

// WithSequential disables parallel kernels.
func WithSequential() Option {
	return engine.WithParallel(engine.Sequential())
}

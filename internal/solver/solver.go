// Package solver trains a net by repeated forward/backward passes and
// parameter updates under a learning rate schedule.
//
// A Solver owns the training loop, the update history (momentum and
// similar buffers) and the snapshot files. It only references its nets:
// they stay usable after the solver is closed or dropped.
//
// Example:
//
//	ctx, err := engine.NewContext()
//	if err != nil {
//	    return err
//	}
//	s, err := solver.Load(ctx, "solver.prototxt")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//	if err := s.Solve(context.Background(), ""); err != nil {
//	    return err
//	}
package solver

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
	"github.com/born-ml/solver/internal/net"
)

// ErrClosed is returned by operations on a closed solver.
var ErrClosed = errors.New("solver is closed")

// Callback hooks into the training loop. Either field may be nil.
type Callback struct {
	// OnStart runs at the start of each iteration, before the forward pass.
	OnStart func(iter int)
	// OnGradientsReady runs after the backward passes, before the update.
	OnGradientsReady func(iter int)
}

// Solver drives training of one net.
type Solver struct {
	ctx    *engine.Context
	param  *config.SolverParameter
	algo   Algorithm
	policy lrPolicy
	log    *slog.Logger
	runID  string

	net      *net.Net
	testNets []*net.Net

	iter        int
	currentStep int
	history     [][]*blob.Blob

	losses       []float64
	smoothedLoss float64

	callbacks []Callback
	closed    bool
}

// New builds the solver type named by sp.Type.
func New(ctx *engine.Context, sp *config.SolverParameter) (*Solver, error) {
	algo, err := newAlgorithm(sp)
	if err != nil {
		return nil, err
	}
	return newSolver(ctx, sp, algo)
}

// NewWithType builds a solver of the given type, overriding sp.Type.
func NewWithType(ctx *engine.Context, sp *config.SolverParameter, typ string) (*Solver, error) {
	cp := *sp
	cp.Type = typ
	return New(ctx, &cp)
}

// NewSGD builds a plain SGD solver regardless of sp.Type.
func NewSGD(ctx *engine.Context, sp *config.SolverParameter) (*Solver, error) {
	return NewWithType(ctx, sp, "SGD")
}

// Load reads a solver configuration file and builds the solver it names.
func Load(ctx *engine.Context, path string) (*Solver, error) {
	sp, err := config.LoadSolver(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, sp)
}

func newSolver(ctx *engine.Context, sp *config.SolverParameter, algo Algorithm) (*Solver, error) {
	if err := sp.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid solver configuration")
	}
	policy, err := lookupPolicy(sp)
	if err != nil {
		return nil, err
	}
	mode, err := engine.ParseMode(sp.SolverMode)
	if err != nil {
		return nil, err
	}
	if mode == engine.GPU {
		return nil, errors.Wrapf(engine.ErrGPUUnavailable, "solver_mode GPU (device %d)", sp.DeviceID)
	}

	// Each solver draws from its own RNG so solvers sharing a context do
	// not perturb each other's initialization.
	seed := uint64(sp.RandomSeed)
	if sp.RandomSeed < 0 {
		seed = ctx.Rand().Uint64()
	}
	s := &Solver{
		ctx:    ctx.Fork(seed),
		param:  sp,
		algo:   algo,
		policy: policy,
		runID:  uuid.NewString(),
	}
	s.log = ctx.Logger().With(slog.String("solver", algo.Type()), slog.String("run", s.runID))
	s.log.Info("initializing solver",
		slog.String("lr_policy", sp.LRPolicy), slog.Float64("base_lr", sp.BaseLR),
		slog.Int("max_iter", sp.MaxIter), slog.String("target", s.ctx.Describe()))

	if err := s.initTrainNet(); err != nil {
		return nil, err
	}
	if err := s.initTestNets(); err != nil {
		return nil, err
	}
	for _, p := range s.net.Params() {
		hs := make([]*blob.Blob, algo.HistorySize())
		for k := range hs {
			hs[k] = blob.New(p.Shape())
		}
		s.history = append(s.history, hs)
	}
	s.log.Info("solver scaffolding done")
	return s, nil
}

func (s *Solver) initTrainNet() error {
	sp := s.param
	var (
		np  *config.NetParameter
		err error
	)
	switch {
	case sp.TrainNetParam != nil:
		np = sp.TrainNetParam
	case sp.TrainNet != "":
		np, err = config.LoadNet(sp.TrainNet)
	case sp.NetParam != nil:
		np = sp.NetParam
	default:
		np, err = config.LoadNet(sp.Net)
	}
	if err != nil {
		return errors.Wrap(err, "train net")
	}
	s.net, err = net.New(s.ctx, np, config.Train)
	if err != nil {
		return errors.Wrap(err, "train net")
	}
	return nil
}

func (s *Solver) initTestNets() error {
	sp := s.param
	defs := append([]*config.NetParameter(nil), sp.TestNetParam...)
	for _, path := range sp.TestNet {
		np, err := config.LoadNet(path)
		if err != nil {
			return errors.Wrap(err, "test net")
		}
		defs = append(defs, np)
	}
	if generic := sp.Net != "" || sp.NetParam != nil; generic && len(defs) < len(sp.TestIter) {
		np := sp.NetParam
		if np == nil {
			var err error
			if np, err = config.LoadNet(sp.Net); err != nil {
				return errors.Wrap(err, "test net")
			}
		}
		for len(defs) < len(sp.TestIter) {
			defs = append(defs, np)
		}
	}
	for i, np := range defs {
		tn, err := net.New(s.ctx, np, config.Test)
		if err != nil {
			return errors.Wrapf(err, "test net %d", i)
		}
		s.testNets = append(s.testNets, tn)
	}
	return nil
}

// Iter returns the number of completed iterations.
func (s *Solver) Iter() int { return s.iter }

// Net returns the training net.
func (s *Solver) Net() *net.Net { return s.net }

// TestNets returns the evaluation nets in test_iter order.
func (s *Solver) TestNets() []*net.Net { return s.testNets }

// Param returns the solver configuration.
func (s *Solver) Param() *config.SolverParameter { return s.param }

// Type returns the solver type, e.g. "SGD".
func (s *Solver) Type() string { return s.algo.Type() }

// Context returns the solver's execution context.
func (s *Solver) Context() *engine.Context { return s.ctx }

// RunID identifies the training run in snapshot files. Restore adopts the
// run ID of the restored state.
func (s *Solver) RunID() string { return s.runID }

// SmoothedLoss returns the training loss averaged over the last
// average_loss iterations.
func (s *Solver) SmoothedLoss() float64 { return s.smoothedLoss }

// History returns the update history blobs of learnable parameter i, or nil
// once the solver is closed or when i names no parameter.
func (s *Solver) History(i int) []*blob.Blob {
	if i < 0 || i >= len(s.history) {
		return nil
	}
	return s.history[i]
}

// AddCallback registers a training loop hook.
func (s *Solver) AddCallback(cb Callback) {
	s.callbacks = append(s.callbacks, cb)
}

// Close releases the solver's own state. The nets are not touched and stay
// valid. Further training calls return ErrClosed.
func (s *Solver) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.history = nil
	s.callbacks = nil
	s.losses = nil
	return nil
}

package solver

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
	"github.com/born-ml/solver/internal/serialization"
)

const testNet = `
name: 'testnet'
force_backward: true
layer {
  type: 'DummyData' name: 'data' top: 'data' top: 'label'
  dummy_data_param {
    num: 5 channels: 2 height: 3 width: 4
    num: 5 channels: 1 height: 1 width: 1
    data_filler { type: 'gaussian' std: 1 }
    data_filler { type: 'constant' }
  }
}
layer {
  type: 'Convolution' name: 'conv' bottom: 'data' top: 'conv'
  convolution_param {
    num_output: 11 kernel_size: 2 pad: 3
    weight_filler { type: 'gaussian' std: 1 }
    bias_filler { type: 'constant' value: 2 }
  }
  param { decay_mult: 1 }
  param { decay_mult: 0 }
}
layer {
  type: 'InnerProduct' name: 'ip' bottom: 'conv' top: 'ip'
  inner_product_param {
    num_output: 13
    weight_filler { type: 'gaussian' std: 2.5 }
    bias_filler { type: 'constant' value: -3 }
  }
}
layer {
  type: 'SoftmaxWithLoss' name: 'loss' bottom: 'ip' bottom: 'label' top: 'loss'
}
layer {
  type: 'Accuracy' name: 'accuracy' bottom: 'ip' bottom: 'label' top: 'accuracy'
  include { phase: TEST }
}
`

const baseSolver = `
net: "net.prototxt"
test_iter: 2
test_interval: 10
base_lr: 0.01
momentum: 0.9
weight_decay: 0.0005
lr_policy: "inv"
gamma: 0.0001
power: 0.75
display: 100
max_iter: 10
random_seed: 1701
snapshot_after_train: false
snapshot_prefix: "%s"
`

// solverParam writes testNet into a fresh directory and parses baseSolver
// against it. Callers adjust fields before building a solver.
func solverParam(t *testing.T) *config.SolverParameter {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net.prototxt"), []byte(testNet), 0o600))
	sp, err := config.ParseSolver(fmt.Sprintf(baseSolver, filepath.Join(dir, "model")), dir)
	require.NoError(t, err)
	return sp
}

func testContext(t *testing.T) *engine.Context {
	t.Helper()
	ctx, err := engine.NewContext(engine.WithSeed(7), engine.WithLogger(nil))
	require.NoError(t, err)
	return ctx
}

func newTestSolver(t *testing.T, sp *config.SolverParameter) *Solver {
	t.Helper()
	s, err := New(testContext(t), sp)
	require.NoError(t, err)
	return s
}

func netSums(s *Solver) []float64 {
	var sums []float64
	for _, n := range append(s.TestNets(), s.Net()) {
		for _, b := range n.Blobs() {
			sums = append(sums, b.SumData(), b.SumDiff())
		}
		for _, p := range n.Params() {
			sums = append(sums, p.SumData(), p.SumDiff())
		}
	}
	return sums
}

func TestNew_StartsAtIterationZero(t *testing.T) {
	s := newTestSolver(t, solverParam(t))

	assert.Equal(t, 0, s.Iter())
	assert.Equal(t, "SGD", s.Type())
	require.Len(t, s.TestNets(), 1)
	assert.Equal(t, config.Test, s.TestNets()[0].Phase())
	assert.Equal(t, config.Train, s.Net().Phase())
	assert.False(t, s.Net().HasBlob("accuracy"))
	assert.True(t, s.TestNets()[0].HasBlob("accuracy"))
	require.Len(t, s.history, len(s.Net().Params()))
	for i, hs := range s.history {
		require.Len(t, hs, 1)
		assert.Equal(t, s.Net().Params()[i].Shape(), hs[0].Shape())
	}
}

func TestSolve_RunsToMaxIter(t *testing.T) {
	sp := solverParam(t)
	sp.Display = 1
	sp.TestInterval = 4
	sp.SnapshotAfterTrain = true
	s := newTestSolver(t, sp)

	require.NoError(t, s.Solve(context.Background(), ""))
	assert.Equal(t, 10, s.Iter())

	params, state := SnapshotPaths(sp.SnapshotPrefix, 10)
	assert.FileExists(t, params)
	assert.FileExists(t, state)

	// Already at max_iter: nothing left to run.
	require.NoError(t, s.Solve(context.Background(), ""))
	assert.Equal(t, 10, s.Iter())
}

func TestApplyUpdate_InvAtIterationZero(t *testing.T) {
	s := newTestSolver(t, solverParam(t))

	for _, p := range s.Net().Params() {
		p.FillData(0)
		p.FillDiff(1)
	}
	require.NoError(t, s.ApplyUpdate())

	assert.Equal(t, 0, s.Iter())
	for _, p := range s.Net().Params() {
		for _, v := range p.Data() {
			require.InDelta(t, -0.01, v, 1e-7)
		}
	}
}

func TestApplyUpdate_MomentumCarriesOver(t *testing.T) {
	sp := solverParam(t)
	sp.WeightDecay = 0
	s := newTestSolver(t, sp)

	w := s.Net().Params()[0]
	w.FillData(0)
	w.FillDiff(1)
	require.NoError(t, s.ApplyUpdate())
	assert.InDelta(t, -0.01, w.Data()[0], 1e-12)
	assert.InDelta(t, 0.01, s.History(0)[0].Data()[0], 1e-12)

	w.FillDiff(1)
	require.NoError(t, s.ApplyUpdate())
	// history = 0.9*0.01 + 0.01
	assert.InDelta(t, 0.019, s.History(0)[0].Data()[0], 1e-12)
	assert.InDelta(t, -0.029, w.Data()[0], 1e-12)
}

func TestApplyUpdate_Regularization(t *testing.T) {
	tests := []struct {
		name    string
		regType string
		data    float64
		want    float64
	}{
		{"L2 positive", config.RegularizationL2, 2, 2 - 0.1*2},
		{"L2 negative", config.RegularizationL2, -3, -3 + 0.1*3},
		{"L1 positive", config.RegularizationL1, 2, 2 - 0.1},
		{"L1 negative", config.RegularizationL1, -3, -3 + 0.1},
		{"L1 zero", config.RegularizationL1, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := solverParam(t)
			sp.LRPolicy = "fixed"
			sp.BaseLR = 1
			sp.Momentum = 0
			sp.WeightDecay = 0.1
			sp.RegularizationType = tt.regType
			s := newTestSolver(t, sp)

			params := s.Net().Params()
			for _, p := range params {
				p.FillData(tt.data)
				p.FillDiff(0)
			}
			require.NoError(t, s.ApplyUpdate())

			assert.InDelta(t, tt.want, params[0].Data()[0], 1e-12)
			// conv bias has decay_mult 0.
			assert.InDelta(t, tt.data, params[1].Data()[0], 1e-12)
		})
	}
}

func TestApplyUpdate_ClipGradients(t *testing.T) {
	sp := solverParam(t)
	sp.LRPolicy = "fixed"
	sp.BaseLR = 1
	sp.Momentum = 0
	sp.WeightDecay = 0
	sp.ClipGradients = 1
	s := newTestSolver(t, sp)

	count := 0
	for _, p := range s.Net().Params() {
		p.FillData(0)
		p.FillDiff(1)
		count += p.Count()
	}
	require.NoError(t, s.ApplyUpdate())

	want := -1 / math.Sqrt(float64(count))
	var sumsq float64
	for _, p := range s.Net().Params() {
		assert.InDelta(t, want, p.Data()[0], 1e-12)
		sumsq += p.SumsqData()
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumsq), 1e-9)
}

func TestApplyUpdate_NormalizesByIterSize(t *testing.T) {
	sp := solverParam(t)
	sp.LRPolicy = "fixed"
	sp.BaseLR = 1
	sp.Momentum = 0
	sp.WeightDecay = 0
	sp.IterSize = 4
	s := newTestSolver(t, sp)

	w := s.Net().Params()[2]
	w.FillData(0)
	w.FillDiff(1)
	require.NoError(t, s.ApplyUpdate())
	assert.InDelta(t, -0.25, w.Data()[0], 1e-12)
}

func TestApplyUpdate_LRMult(t *testing.T) {
	dir := t.TempDir()
	netText := `
name: 'lrmult'
layer {
  type: 'DummyData' name: 'data' top: 'data' top: 'target'
  dummy_data_param {
    shape { dim: 2 dim: 3 }
    shape { dim: 2 dim: 4 }
    data_filler { type: 'constant' value: 1 }
  }
}
layer {
  type: 'InnerProduct' name: 'ip' bottom: 'data' top: 'ip'
  inner_product_param { num_output: 4 }
  param { lr_mult: 2 }
  param { lr_mult: 0 }
}
layer { type: 'EuclideanLoss' name: 'loss' bottom: 'ip' bottom: 'target' top: 'loss' }
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net.prototxt"), []byte(netText), 0o600))
	sp, err := config.ParseSolver(`
net: "net.prototxt"
base_lr: 0.5
lr_policy: "fixed"
max_iter: 1
snapshot_after_train: false
`, dir)
	require.NoError(t, err)
	s := newTestSolver(t, sp)

	params := s.Net().Params()
	require.Len(t, params, 2)
	for _, p := range params {
		p.FillData(0)
		p.FillDiff(1)
	}
	require.NoError(t, s.ApplyUpdate())
	assert.InDelta(t, -1.0, params[0].Data()[0], 1e-12)
	assert.InDelta(t, 0.0, params[1].Data()[0], 1e-12)
}

func TestClose_NetsOutliveSolver(t *testing.T) {
	s := newTestSolver(t, solverParam(t))
	require.NoError(t, s.Step(2))
	_, err := s.TestAll()
	require.NoError(t, err)

	trainNet, testNets := s.Net(), s.TestNets()
	before := netSums(s)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	after := netSums(&Solver{net: trainNet, testNets: testNets})
	assert.Equal(t, before, after)
	for _, p := range trainNet.Params() {
		assert.Len(t, p.Data(), p.Count())
		assert.Len(t, p.Diff(), p.Count())
	}
	_, err = trainNet.Forward()
	assert.NoError(t, err)
}

func TestClose_RejectsTraining(t *testing.T) {
	s := newTestSolver(t, solverParam(t))
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Step(1), ErrClosed)
	assert.ErrorIs(t, s.ApplyUpdate(), ErrClosed)
	assert.ErrorIs(t, s.Solve(context.Background(), ""), ErrClosed)
	_, _, err := s.Snapshot()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Test(0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NotPanics(t, func() { assert.Nil(t, s.History(0)) })
}

func TestHistory_OutOfRange(t *testing.T) {
	s := newTestSolver(t, solverParam(t))
	assert.NotNil(t, s.History(0))
	assert.Nil(t, s.History(-1))
	assert.Nil(t, s.History(len(s.Net().Params())))
}

func TestSnapshot_AtIterationZero(t *testing.T) {
	sp := solverParam(t)
	s := newTestSolver(t, sp)

	params, state, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, sp.SnapshotPrefix+"_iter_0.caffemodel", params)
	assert.Equal(t, sp.SnapshotPrefix+"_iter_0.solverstate", state)
	assert.FileExists(t, params)
	assert.FileExists(t, state)

	r, err := serialization.Open(state)
	require.NoError(t, err)
	assert.Equal(t, serialization.KindSolverState, r.Kind())
	require.NotNil(t, r.Header().SolverState)
	assert.Equal(t, "model_iter_0.caffemodel", r.Header().SolverState.LearnedNet)
	assert.Len(t, r.TensorNames(), len(s.Net().Params()))

	// A second snapshot at the same iteration overwrites both files.
	_, _, err = s.Snapshot()
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Dir(params))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"net.prototxt", "model_iter_0.caffemodel", "model_iter_0.solverstate"}, names)
}

func TestSnapshot_Periodic(t *testing.T) {
	sp := solverParam(t)
	sp.MaxIter = 4
	sp.Snapshot = 2
	sp.SnapshotAfterTrain = true
	s := newTestSolver(t, sp)

	require.NoError(t, s.Solve(context.Background(), ""))
	for _, iter := range []int{2, 4} {
		params, state := SnapshotPaths(sp.SnapshotPrefix, iter)
		assert.FileExists(t, params)
		assert.FileExists(t, state)
	}
	params, _ := SnapshotPaths(sp.SnapshotPrefix, 3)
	assert.NoFileExists(t, params)
}

func TestRestore_ResumesTraining(t *testing.T) {
	sp := solverParam(t)
	first := newTestSolver(t, sp)
	require.NoError(t, first.Step(5))
	_, state, err := first.Snapshot()
	require.NoError(t, err)

	second := newTestSolver(t, sp)
	assert.NotEqual(t, first.RunID(), second.RunID())
	require.NoError(t, second.Restore(state))
	assert.Equal(t, 5, second.Iter())
	assert.Equal(t, first.RunID(), second.RunID())
	for i, p := range first.Net().Params() {
		assert.Equal(t, p.Data(), second.Net().Params()[i].Data())
		assert.Equal(t, first.History(i)[0].Data(), second.History(i)[0].Data())
	}

	third := newTestSolver(t, sp)
	var started []int
	third.AddCallback(Callback{OnStart: func(iter int) { started = append(started, iter) }})
	require.NoError(t, third.Solve(context.Background(), state))
	assert.Equal(t, 10, third.Iter())
	assert.Equal(t, []int{5, 6, 7, 8, 9}, started)
}

func TestRestore_Errors(t *testing.T) {
	sp := solverParam(t)
	s := newTestSolver(t, sp)
	params, state, err := s.Snapshot()
	require.NoError(t, err)

	t.Run("params file", func(t *testing.T) {
		err := newTestSolver(t, sp).Restore(params)
		assert.ErrorContains(t, err, "not solver state")
	})
	t.Run("other solver type", func(t *testing.T) {
		nesterov, err := NewWithType(testContext(t), sp, "Nesterov")
		require.NoError(t, err)
		assert.ErrorContains(t, nesterov.Restore(state), "SGD solver")
	})
	t.Run("history count", func(t *testing.T) {
		adamParam := *sp
		adamParam.Type = "Adam"
		adam := newTestSolver(t, &adamParam)
		_, adamState, err := adam.Snapshot()
		require.NoError(t, err)
		r, err := serialization.Open(adamState)
		require.NoError(t, err)
		tensors, err := r.Tensors()
		require.NoError(t, err)
		h := r.Header()
		broken := filepath.Join(t.TempDir(), "broken.solverstate")
		require.NoError(t, serialization.WriteFile(broken, h, tensors[:len(tensors)-1]))
		assert.ErrorContains(t, newTestSolver(t, &adamParam).Restore(broken), "history blobs")
	})
	t.Run("history slot given twice", func(t *testing.T) {
		r, err := serialization.Open(state)
		require.NoError(t, err)
		tensors, err := r.Tensors()
		require.NoError(t, err)
		require.Greater(t, len(tensors), 1)
		tensors[1].Name = "history/00"
		broken := filepath.Join(t.TempDir(), "alias.solverstate")
		require.NoError(t, serialization.WriteFile(broken, r.Header(), tensors))

		fresh := newTestSolver(t, sp)
		fresh.History(1)[0].FillData(7)
		assert.ErrorContains(t, fresh.Restore(broken), `"history/00"`)
		assert.Equal(t, 0, fresh.Iter())
		for _, v := range fresh.History(1)[0].Data() {
			assert.Equal(t, 7.0, v, "history untouched after a failed restore")
		}
	})
	t.Run("parameters from another run", func(t *testing.T) {
		otherParam := solverParam(t)
		_, otherState, err := newTestSolver(t, otherParam).Snapshot()
		require.NoError(t, err)
		raw, err := os.ReadFile(state)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(otherState, raw, 0o600))
		assert.ErrorContains(t, newTestSolver(t, otherParam).Restore(otherState), "belongs to run")
	})
	t.Run("missing file", func(t *testing.T) {
		err := newTestSolver(t, sp).Restore(filepath.Join(t.TempDir(), "nope.solverstate"))
		assert.Error(t, err)
	})
}

func TestNew_TwiceFromSameConfig(t *testing.T) {
	sp := solverParam(t)
	ctx := testContext(t)
	seed := ctx.Seed()

	direct, err := NewSGD(ctx, sp)
	require.NoError(t, err)
	generic, err := New(ctx, sp)
	require.NoError(t, err)

	assert.Equal(t, seed, ctx.Seed())
	assert.Equal(t, "SGD", sp.Type)
	for i, p := range direct.Net().Params() {
		q := generic.Net().Params()[i]
		assert.Equal(t, p.Data(), q.Data())
		assert.False(t, p.SharesDataWith(q))
	}

	require.NoError(t, direct.Step(2))
	assert.Equal(t, 2, direct.Iter())
	assert.Equal(t, 0, generic.Iter())
	require.NoError(t, direct.Close())
	require.NoError(t, generic.Step(1))
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(sp *config.SolverParameter)
		want   string
	}{
		{"unknown policy", func(sp *config.SolverParameter) { sp.LRPolicy = "cosine" }, "unknown lr_policy"},
		{"unknown type", func(sp *config.SolverParameter) { sp.Type = "LBFGS" }, "unknown solver type"},
		{"step without stepsize", func(sp *config.SolverParameter) { sp.LRPolicy = "step" }, "stepsize"},
		{"adagrad with momentum", func(sp *config.SolverParameter) { sp.Type = "AdaGrad" }, "momentum cannot be used"},
		{"missing net", func(sp *config.SolverParameter) { sp.Net = filepath.Join(sp.Dir, "missing.prototxt") }, "train net"},
		{"invalid", func(sp *config.SolverParameter) { sp.IterSize = 0 }, "iter_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := solverParam(t)
			tt.modify(sp)
			_, err := New(testContext(t), sp)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestNew_GPUUnavailable(t *testing.T) {
	sp := solverParam(t)
	sp.SolverMode = config.ModeGPU
	_, err := New(testContext(t), sp)
	assert.ErrorIs(t, err, engine.ErrGPUUnavailable)
}

func TestLoad(t *testing.T) {
	sp := solverParam(t)
	path := filepath.Join(sp.Dir, "solver.prototxt")
	text := fmt.Sprintf(baseSolver, sp.SnapshotPrefix) + "type: 'Adam'\n"
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))

	s, err := Load(testContext(t), path)
	require.NoError(t, err)
	assert.Equal(t, "Adam", s.Type())
	require.Len(t, s.History(0), 2)

	_, err = Load(testContext(t), filepath.Join(sp.Dir, "nope.prototxt"))
	assert.Error(t, err)
}

func TestTest_Scores(t *testing.T) {
	s := newTestSolver(t, solverParam(t))

	scores, err := s.Test(0)
	require.NoError(t, err)
	require.Len(t, scores, 2)

	byBlob := map[string]Score{}
	for _, sc := range scores {
		byBlob[sc.Blob] = sc
	}
	acc, loss := byBlob["accuracy"], byBlob["loss"]
	assert.Equal(t, 0.0, acc.LossWeight)
	assert.GreaterOrEqual(t, acc.Value, 0.0)
	assert.LessOrEqual(t, acc.Value, 1.0)
	assert.Equal(t, 1.0, loss.LossWeight)
	assert.Greater(t, loss.Value, 0.0)

	testParams, err := s.TestNets()[0].LayerParams("ip")
	require.NoError(t, err)
	trainParams, err := s.Net().LayerParams("ip")
	require.NoError(t, err)
	assert.True(t, testParams[0].SharesDataWith(trainParams[0]))

	_, err = s.Test(1)
	assert.Error(t, err)
	all, err := s.TestAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStep_Callbacks(t *testing.T) {
	s := newTestSolver(t, solverParam(t))
	var events []string
	s.AddCallback(Callback{
		OnStart:          func(iter int) { events = append(events, fmt.Sprintf("start %d", iter)) },
		OnGradientsReady: func(iter int) { events = append(events, fmt.Sprintf("ready %d", iter)) },
	})
	s.AddCallback(Callback{})

	require.NoError(t, s.Step(2))
	assert.Equal(t, []string{"start 0", "ready 0", "start 1", "ready 1"}, events)
}

func TestStep_UpdatesParameters(t *testing.T) {
	sp := solverParam(t)
	sp.IterSize = 2
	sp.Display = 1
	s := newTestSolver(t, sp)
	before := append([]float64(nil), s.Net().Params()[2].Data()...)

	require.NoError(t, s.Step(3))
	assert.Equal(t, 3, s.Iter())
	assert.NotEqual(t, before, s.Net().Params()[2].Data())
	assert.Greater(t, s.SmoothedLoss(), 0.0)
	assert.False(t, math.IsNaN(s.SmoothedLoss()))
}

func TestSolve_Canceled(t *testing.T) {
	s := newTestSolver(t, solverParam(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Solve(ctx, "")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, s.Iter())
}

func TestUpdateSmoothedLoss(t *testing.T) {
	s := &Solver{param: &config.SolverParameter{AverageLoss: 2}}
	for i, loss := range []float64{4, 2, 6, 10} {
		s.iter = i
		s.updateSmoothedLoss(loss, 0)
	}
	// Window holds the last two losses.
	assert.InDelta(t, 8.0, s.SmoothedLoss(), 1e-12)
}

func TestLearningRate_Policies(t *testing.T) {
	base := config.SolverParameter{BaseLR: 0.1, Gamma: 0.5, Power: 2, StepSize: 10, MaxIter: 100}
	tests := []struct {
		policy string
		iter   int
		modify func(sp *config.SolverParameter)
		want   float64
	}{
		{"fixed", 50, nil, 0.1},
		{"step", 9, nil, 0.1},
		{"step", 25, nil, 0.1 * 0.25},
		{"exp", 3, nil, 0.1 * 0.125},
		{"inv", 0, nil, 0.1},
		{"inv", 2, nil, 0.1 * math.Pow(2, -2)},
		{"multistep", 5, func(sp *config.SolverParameter) { sp.StepValue = []int{10, 20} }, 0.1},
		{"multistep", 15, func(sp *config.SolverParameter) { sp.StepValue = []int{10, 20} }, 0.05},
		{"multistep", 20, func(sp *config.SolverParameter) { sp.StepValue = []int{10, 20} }, 0.025},
		{"poly", 50, nil, 0.1 * 0.25},
		{"poly", 100, nil, 0},
		{"sigmoid", 10, nil, 0.05},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s@%d", tt.policy, tt.iter), func(t *testing.T) {
			sp := base
			sp.LRPolicy = tt.policy
			if tt.modify != nil {
				tt.modify(&sp)
			}
			p, err := lookupPolicy(&sp)
			require.NoError(t, err)
			step := 0
			assert.InDelta(t, tt.want, p.rate(&sp, tt.iter, &step), 1e-12)
		})
	}
}

func TestLearningRate_MultistepKeepsPosition(t *testing.T) {
	sp := &config.SolverParameter{LRPolicy: "multistep", BaseLR: 1, Gamma: 0.1, StepValue: []int{2, 4}}
	p, err := lookupPolicy(sp)
	require.NoError(t, err)

	step := 0
	var rates []float64
	for iter := 0; iter < 6; iter++ {
		rates = append(rates, p.rate(sp, iter, &step))
	}
	assert.InDeltaSlice(t, []float64{1, 1, 0.1, 0.1, 0.01, 0.01}, rates, 1e-12)
	assert.Equal(t, 2, step)
}

func TestLookupPolicy_Errors(t *testing.T) {
	tests := []struct {
		name string
		sp   config.SolverParameter
	}{
		{"unknown", config.SolverParameter{LRPolicy: "warmup"}},
		{"step no stepsize", config.SolverParameter{LRPolicy: "step"}},
		{"sigmoid no stepsize", config.SolverParameter{LRPolicy: "sigmoid"}},
		{"poly no max_iter", config.SolverParameter{LRPolicy: "poly"}},
		{"multistep unsorted", config.SolverParameter{LRPolicy: "multistep", StepValue: []int{20, 10}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lookupPolicy(&tt.sp)
			assert.Error(t, err)
		})
	}
	assert.Equal(t, []string{"exp", "fixed", "inv", "multistep", "poly", "sigmoid", "step"}, LRPolicies())
}

func TestAlgorithms_Registry(t *testing.T) {
	assert.Equal(t, []string{"AdaDelta", "AdaGrad", "Adam", "Nesterov", "RMSProp", "SGD"}, Types())
	assert.Panics(t, func() { Register("SGD", newSGD) })

	_, err := newAlgorithm(&config.SolverParameter{Type: "RMSProp", RMSDecay: 1.5})
	assert.ErrorContains(t, err, "rms_decay")
	_, err = newAlgorithm(&config.SolverParameter{Type: "RMSProp", Momentum: 0.9, RMSDecay: 0.9})
	assert.ErrorContains(t, err, "momentum")
}

// oneParam returns a single-element parameter with gradient g and the
// history blobs algo needs.
func oneParam(algo Algorithm, g float64) (*blob.Blob, []*blob.Blob) {
	p := blob.New(blob.Shape{1})
	p.Diff()[0] = g
	hs := make([]*blob.Blob, algo.HistorySize())
	for i := range hs {
		hs[i] = blob.New(blob.Shape{1})
	}
	return p, hs
}

func TestAlgorithms_ComputeUpdateValue(t *testing.T) {
	const lr = 0.1
	adadeltaUpdate := 2 * math.Sqrt(1e-6/(0.05*4+1e-6))
	tests := []struct {
		name        string
		sp          config.SolverParameter
		wantDiff    float64
		wantHistory []float64
	}{
		{"SGD", config.SolverParameter{Type: "SGD", Momentum: 0.9}, 0.2, []float64{0.2}},
		{"Nesterov", config.SolverParameter{Type: "Nesterov", Momentum: 0.9}, 1.9 * 0.2, []float64{0.2}},
		{"AdaGrad", config.SolverParameter{Type: "AdaGrad", Delta: 1e-8}, lr * 2 / (2 + 1e-8), []float64{4}},
		{"RMSProp", config.SolverParameter{Type: "RMSProp", RMSDecay: 0.9, Delta: 1e-8},
			lr * 2 / (math.Sqrt(0.4) + 1e-8), []float64{0.4}},
		{"AdaDelta", config.SolverParameter{Type: "AdaDelta", Momentum: 0.95, Delta: 1e-6},
			lr * adadeltaUpdate, []float64{0.2, 0.05 * adadeltaUpdate * adadeltaUpdate}},
		{"Adam", config.SolverParameter{Type: "Adam", Momentum: 0.9, Momentum2: 0.999, Delta: 1e-8},
			lr * math.Sqrt(0.001) / 0.1 * 0.2 / (math.Sqrt(0.004) + 1e-8), []float64{0.2, 0.004}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			algo, err := newAlgorithm(&tt.sp)
			require.NoError(t, err)
			assert.Equal(t, tt.name, algo.Type())

			p, hs := oneParam(algo, 2)
			algo.ComputeUpdateValue(p, hs, lr, 0)
			assert.InDelta(t, tt.wantDiff, p.Diff()[0], 1e-9)
			for i, want := range tt.wantHistory {
				assert.InDelta(t, want, hs[i].Data()[0], 1e-9, "history %d", i)
			}
		})
	}
}

func TestAlgorithms_SecondStep(t *testing.T) {
	sgd, err := newAlgorithm(&config.SolverParameter{Type: "SGD", Momentum: 0.9})
	require.NoError(t, err)
	p, hs := oneParam(sgd, 1)
	sgd.ComputeUpdateValue(p, hs, 0.1, 0)
	p.Diff()[0] = 1
	sgd.ComputeUpdateValue(p, hs, 0.1, 1)
	assert.InDelta(t, 0.19, p.Diff()[0], 1e-12)

	nesterov, err := newAlgorithm(&config.SolverParameter{Type: "Nesterov", Momentum: 0.9})
	require.NoError(t, err)
	p, hs = oneParam(nesterov, 1)
	nesterov.ComputeUpdateValue(p, hs, 0.1, 0)
	p.Diff()[0] = 1
	nesterov.ComputeUpdateValue(p, hs, 0.1, 1)
	// prev 0.1, history 0.19: 1.9*0.19 - 0.9*0.1
	assert.InDelta(t, 1.9*0.19-0.09, p.Diff()[0], 1e-12)
}

package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/prototxt"
)

// Solver modes.
const (
	ModeCPU = "CPU"
	ModeGPU = "GPU"
)

// Regularization types.
const (
	RegularizationL1 = "L1"
	RegularizationL2 = "L2"
)

// SolverParameter is a parsed solver configuration.
//
// Field names follow the prototxt keys. Defaults are applied by ParseSolver.
type SolverParameter struct {
	// Net sources. Exactly one of Net, NetParam, TrainNet, TrainNetParam is set.
	Net           string
	NetParam      *NetParameter
	TrainNet      string
	TrainNetParam *NetParameter
	TestNet       []string
	TestNetParam  []*NetParameter

	TestIter           []int
	TestInterval       int
	TestComputeLoss    bool
	TestInitialization bool

	BaseLR      float64
	Display     int
	AverageLoss int
	MaxIter     int
	IterSize    int

	LRPolicy  string
	Gamma     float64
	Power     float64
	StepSize  int
	StepValue []int

	Momentum           float64
	Momentum2          float64
	Delta              float64
	RMSDecay           float64
	WeightDecay        float64
	RegularizationType string
	ClipGradients      float64

	Snapshot           int
	SnapshotPrefix     string
	SnapshotAfterTrain bool

	RandomSeed int64
	Type       string // Update algorithm: SGD, Nesterov, AdaGrad, RMSProp, AdaDelta, Adam
	SolverMode string
	DeviceID   int

	// Dir is the directory relative net paths were resolved against.
	Dir string
}

// legacySolverTypes maps the deprecated solver_type enum to type names.
var legacySolverTypes = map[string]string{
	"SGD":      "SGD",
	"NESTEROV": "Nesterov",
	"ADAGRAD":  "AdaGrad",
	"RMSPROP":  "RMSProp",
	"ADADELTA": "AdaDelta",
	"ADAM":     "Adam",
}

// ignoredSolverFields are accepted for compatibility and have no effect.
// Snapshots always use the native container format.
var ignoredSolverFields = []string{"snapshot_format", "snapshot_diff", "debug_info", "layer_wise_reduce"}

// LoadSolver reads and parses a solver configuration file.
//
// Relative net paths inside the file are resolved against the file's
// directory. A missing snapshot_prefix defaults to the file path without its
// extension.
func LoadSolver(path string) (*SolverParameter, error) {
	//nolint:gosec // G304: solver files are user-supplied paths
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read solver configuration %q", path)
	}
	msg, err := prototxt.Parse(string(text))
	if err != nil {
		return nil, errors.Wrapf(err, "parse solver configuration %q", path)
	}
	sp, err := decodeSolver(msg, filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrapf(err, "parse solver configuration %q", path)
	}
	// Snapshots default to living next to the solver file.
	if sp.SnapshotPrefix == "" {
		sp.SnapshotPrefix = strings.TrimSuffix(path, filepath.Ext(path))
	}
	if err := sp.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid solver configuration %q", path)
	}
	return sp, nil
}

// ParseSolver parses a solver configuration from text.
//
// baseDir is used to resolve relative net paths; pass "" to use them as given.
func ParseSolver(text, baseDir string) (*SolverParameter, error) {
	msg, err := prototxt.Parse(text)
	if err != nil {
		return nil, err
	}
	sp, err := decodeSolver(msg, baseDir)
	if err != nil {
		return nil, err
	}
	if err := sp.Validate(); err != nil {
		return nil, err
	}
	return sp, nil
}

func decodeSolver(msg *prototxt.Message, baseDir string) (*SolverParameter, error) {
	d := NewDecoder(msg)
	sp := &SolverParameter{
		Net:      resolve(baseDir, d.String("net", "")),
		TrainNet: resolve(baseDir, d.String("train_net", "")),

		TestIter:           d.Ints("test_iter"),
		TestInterval:       d.Int("test_interval", 0),
		TestComputeLoss:    d.Bool("test_compute_loss", false),
		TestInitialization: d.Bool("test_initialization", true),

		BaseLR:      d.Float("base_lr", 0),
		Display:     d.Int("display", 0),
		AverageLoss: d.Int("average_loss", 1),
		MaxIter:     d.Int("max_iter", 0),
		IterSize:    d.Int("iter_size", 1),

		LRPolicy:  d.String("lr_policy", ""),
		Gamma:     d.Float("gamma", 0),
		Power:     d.Float("power", 0),
		StepSize:  d.Int("stepsize", 0),
		StepValue: d.Ints("stepvalue"),

		Momentum:           d.Float("momentum", 0),
		Momentum2:          d.Float("momentum2", 0.999),
		Delta:              d.Float("delta", 1e-8),
		RMSDecay:           d.Float("rms_decay", 0.99),
		WeightDecay:        d.Float("weight_decay", 0),
		RegularizationType: d.String("regularization_type", RegularizationL2),
		ClipGradients:      d.Float("clip_gradients", -1),

		Snapshot:           d.Int("snapshot", 0),
		SnapshotPrefix:     d.String("snapshot_prefix", ""),
		SnapshotAfterTrain: d.Bool("snapshot_after_train", true),

		RandomSeed: int64(d.Int("random_seed", -1)),
		Type:       d.String("type", "SGD"),
		SolverMode: d.String("solver_mode", ModeCPU),
		DeviceID:   d.Int("device_id", 0),

		Dir: baseDir,
	}
	for _, p := range d.Strings("test_net") {
		sp.TestNet = append(sp.TestNet, resolve(baseDir, p))
	}
	if legacy := d.String("solver_type", ""); legacy != "" {
		name, ok := legacySolverTypes[legacy]
		if !ok {
			return nil, errors.Errorf("unknown solver_type %q", legacy)
		}
		sp.Type = name
	}
	if err := d.Err(); err != nil {
		return nil, err
	}

	var err error
	if sp.NetParam, err = inlineNet(d, "net_param"); err != nil {
		return nil, err
	}
	if sp.TrainNetParam, err = inlineNet(d, "train_net_param"); err != nil {
		return nil, err
	}
	for i, tm := range d.Messages("test_net_param") {
		np, err := decodeNet(tm)
		if err != nil {
			return nil, errors.Wrapf(err, "test_net_param %d", i)
		}
		sp.TestNetParam = append(sp.TestNetParam, np)
	}
	d.Skip(ignoredSolverFields...)
	if err := d.Done(); err != nil {
		return nil, err
	}
	return sp, nil
}

func inlineNet(d *Decoder, field string) (*NetParameter, error) {
	m := d.Message(field)
	if m == nil {
		return nil, d.Err()
	}
	np, err := decodeNet(m)
	if err != nil {
		return nil, errors.Wrap(err, field)
	}
	return np, nil
}

func resolve(baseDir, path string) string {
	if path == "" || baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate checks the configuration for values that cannot be trained with.
func (sp *SolverParameter) Validate() error {
	sources := 0
	for _, set := range []bool{sp.Net != "", sp.NetParam != nil, sp.TrainNet != "", sp.TrainNetParam != nil} {
		if set {
			sources++
		}
	}
	switch {
	case sources == 0:
		return errors.New("one of net, net_param, train_net or train_net_param is required")
	case sources > 1:
		return errors.New("only one of net, net_param, train_net or train_net_param may be set")
	}

	explicitTests := len(sp.TestNet) + len(sp.TestNetParam)
	generic := sp.Net != "" || sp.NetParam != nil
	if explicitTests > 0 && !generic && len(sp.TestIter) != explicitTests {
		return errors.Errorf("test_iter must be specified for each test network: %d test nets, %d test_iter", explicitTests, len(sp.TestIter))
	}
	if generic && len(sp.TestIter) < explicitTests {
		return errors.Errorf("test_iter must be specified for each test network: %d test nets, %d test_iter", explicitTests, len(sp.TestIter))
	}
	if explicitTests == 0 && !generic && len(sp.TestIter) > 0 {
		return errors.New("test_iter given but no test network is defined")
	}
	if len(sp.TestIter) > 0 && sp.TestInterval <= 0 {
		return errors.New("test_interval must be positive when test_iter is set")
	}
	for i, n := range sp.TestIter {
		if n <= 0 {
			return errors.Errorf("test_iter[%d] must be positive, got %d", i, n)
		}
	}

	if sp.LRPolicy == "" {
		return errors.New("lr_policy is required")
	}
	if sp.MaxIter < 0 {
		return errors.Errorf("max_iter must be non-negative, got %d", sp.MaxIter)
	}
	if sp.Display < 0 {
		return errors.Errorf("display must be non-negative, got %d", sp.Display)
	}
	if sp.AverageLoss < 1 {
		return errors.Errorf("average_loss must be at least 1, got %d", sp.AverageLoss)
	}
	if sp.IterSize < 1 {
		return errors.Errorf("iter_size must be at least 1, got %d", sp.IterSize)
	}
	if sp.Snapshot < 0 {
		return errors.Errorf("snapshot must be non-negative, got %d", sp.Snapshot)
	}
	if (sp.Snapshot > 0 || sp.SnapshotAfterTrain) && sp.SnapshotPrefix == "" {
		return errors.New("snapshot_prefix is required when snapshotting is enabled")
	}
	switch sp.RegularizationType {
	case RegularizationL1, RegularizationL2:
	default:
		return errors.Errorf("unknown regularization_type %q", sp.RegularizationType)
	}
	switch sp.SolverMode {
	case ModeCPU, ModeGPU:
	default:
		return errors.Errorf("unknown solver_mode %q", sp.SolverMode)
	}
	return nil
}

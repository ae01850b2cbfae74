package solver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
)

// Algorithm is the part of a solver that differs between solver types: how
// a parameter's regularized gradient becomes the step subtracted from it.
//
// ComputeUpdateValue reads param's diff, updates the parameter's history
// blobs and leaves the step in param's diff. localRate already includes the
// parameter's lr_mult.
type Algorithm interface {
	Type() string
	HistorySize() int
	ComputeUpdateValue(param *blob.Blob, history []*blob.Blob, localRate float64, iter int)
}

// AlgorithmFactory builds an Algorithm from the solver configuration,
// rejecting settings the algorithm cannot honor.
type AlgorithmFactory func(sp *config.SolverParameter) (Algorithm, error)

var (
	algorithmsMu sync.RWMutex
	algorithms   = map[string]AlgorithmFactory{}
)

func init() {
	Register("SGD", newSGD)
	Register("Nesterov", newNesterov)
	Register("AdaGrad", newAdaGrad)
	Register("RMSProp", newRMSProp)
	Register("AdaDelta", newAdaDelta)
	Register("Adam", newAdam)
}

// Register adds a solver type. It panics on duplicate registration.
func Register(typ string, factory AlgorithmFactory) {
	algorithmsMu.Lock()
	defer algorithmsMu.Unlock()
	if _, dup := algorithms[typ]; dup {
		panic(fmt.Sprintf("solver: type %q registered twice", typ))
	}
	algorithms[typ] = factory
}

// Types lists the registered solver types.
func Types() []string {
	algorithmsMu.RLock()
	defer algorithmsMu.RUnlock()
	types := make([]string, 0, len(algorithms))
	for t := range algorithms {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func newAlgorithm(sp *config.SolverParameter) (Algorithm, error) {
	algorithmsMu.RLock()
	factory, ok := algorithms[sp.Type]
	algorithmsMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown solver type %q (known: %v)", sp.Type, Types())
	}
	a, err := factory(sp)
	if err != nil {
		return nil, errors.Wrapf(err, "%s solver", sp.Type)
	}
	return a, nil
}

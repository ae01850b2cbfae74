package solver

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/config"
)

// lrPolicy maps an iteration to a learning rate. currentStep carries the
// position in a multistep schedule across calls.
type lrPolicy struct {
	rate     func(sp *config.SolverParameter, iter int, currentStep *int) float64
	validate func(sp *config.SolverParameter) error
}

var lrPolicies = map[string]lrPolicy{
	"fixed": {
		rate: func(sp *config.SolverParameter, _ int, _ *int) float64 { return sp.BaseLR },
	},
	"step": {
		rate: func(sp *config.SolverParameter, iter int, _ *int) float64 {
			return sp.BaseLR * math.Pow(sp.Gamma, float64(iter/sp.StepSize))
		},
		validate: needStepSize,
	},
	"exp": {
		rate: func(sp *config.SolverParameter, iter int, _ *int) float64 {
			return sp.BaseLR * math.Pow(sp.Gamma, float64(iter))
		},
	},
	"inv": {
		rate: func(sp *config.SolverParameter, iter int, _ *int) float64 {
			return sp.BaseLR * math.Pow(1+sp.Gamma*float64(iter), -sp.Power)
		},
	},
	"multistep": {
		rate: func(sp *config.SolverParameter, iter int, currentStep *int) float64 {
			for *currentStep < len(sp.StepValue) && iter >= sp.StepValue[*currentStep] {
				*currentStep++
			}
			return sp.BaseLR * math.Pow(sp.Gamma, float64(*currentStep))
		},
		validate: func(sp *config.SolverParameter) error {
			if !sort.IntsAreSorted(sp.StepValue) {
				return errors.Errorf("stepvalue must be non-decreasing, got %v", sp.StepValue)
			}
			return nil
		},
	},
	"poly": {
		rate: func(sp *config.SolverParameter, iter int, _ *int) float64 {
			return sp.BaseLR * math.Pow(1-float64(iter)/float64(sp.MaxIter), sp.Power)
		},
		validate: func(sp *config.SolverParameter) error {
			if sp.MaxIter <= 0 {
				return errors.New("poly learning rate policy needs a positive max_iter")
			}
			return nil
		},
	},
	"sigmoid": {
		rate: func(sp *config.SolverParameter, iter int, _ *int) float64 {
			return sp.BaseLR / (1 + math.Exp(-sp.Gamma*float64(iter-sp.StepSize)))
		},
		validate: needStepSize,
	},
}

func needStepSize(sp *config.SolverParameter) error {
	if sp.StepSize <= 0 {
		return errors.Errorf("%s learning rate policy needs a positive stepsize, got %d", sp.LRPolicy, sp.StepSize)
	}
	return nil
}

// LRPolicies lists the supported lr_policy names.
func LRPolicies() []string {
	names := make([]string, 0, len(lrPolicies))
	for name := range lrPolicies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupPolicy(sp *config.SolverParameter) (lrPolicy, error) {
	p, ok := lrPolicies[sp.LRPolicy]
	if !ok {
		return lrPolicy{}, errors.Errorf("unknown lr_policy %q (known: %v)", sp.LRPolicy, LRPolicies())
	}
	if p.validate != nil {
		if err := p.validate(sp); err != nil {
			return lrPolicy{}, err
		}
	}
	return p, nil
}

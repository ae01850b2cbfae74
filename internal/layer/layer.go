// Package layer implements the computational layers a net is built from.
//
// Each layer reads its bottom blobs and writes its top blobs in Forward, and
// in Backward turns top diffs into bottom diffs and parameter diffs.
//
// Conventions:
//   - Backward overwrites bottom diffs and accumulates into parameter diffs,
//     so several forward/backward passes can be summed before an update.
//   - Layers are constructed by type name through the registry:
//     layer.New(ctx, param) looks up param.Type.
//   - Loss layers emit a scalar in top[0] and read their loss weight from
//     top[0].Diff()[0] during Backward.
package layer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
)

// Layer is a single computation in a net.
type Layer interface {
	// Type returns the registered type name, e.g. "Convolution".
	Type() string

	// Name returns the layer name from the definition.
	Name() string

	// Param returns the layer definition.
	Param() *config.LayerParameter

	// SetUp validates blob counts, allocates parameters and shapes tops.
	// It is called once, before the first Forward.
	SetUp(bottom, top []*blob.Blob) error

	// Reshape adapts top shapes to the current bottom shapes.
	Reshape(bottom, top []*blob.Blob) error

	// Forward computes top data from bottom data.
	Forward(bottom, top []*blob.Blob) error

	// Backward computes bottom diffs (where propagateDown is set) and
	// accumulates parameter diffs.
	Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error

	// Blobs returns the learnable parameter blobs in definition order.
	Blobs() []*blob.Blob
}

// Loss is implemented by layers whose first top is a loss by default.
type Loss interface {
	Layer
	isLoss()
}

// ForceBackwardAllower is implemented by layers that refuse gradients for
// some bottoms even when the net sets force_backward (e.g. labels).
type ForceBackwardAllower interface {
	AllowForceBackward(bottomIndex int) bool
}

// DefaultLossWeight returns the loss weight a top gets when the definition
// does not specify loss_weight.
func DefaultLossWeight(l Layer, topIndex int) float64 {
	if _, ok := l.(Loss); ok && topIndex == 0 {
		return 1
	}
	return 0
}

// AllowForceBackward reports whether force_backward applies to a bottom.
func AllowForceBackward(l Layer, bottomIndex int) bool {
	if a, ok := l.(ForceBackwardAllower); ok {
		return a.AllowForceBackward(bottomIndex)
	}
	return true
}

// Constructor builds a layer from its definition.
type Constructor func(ctx *engine.Context, param *config.LayerParameter) (Layer, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register adds a layer type. It panics on duplicate registration.
func Register(typ string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[typ]; dup {
		panic(fmt.Sprintf("layer: type %q registered twice", typ))
	}
	registry[typ] = ctor
}

// New constructs a layer of param.Type.
func New(ctx *engine.Context, param *config.LayerParameter) (Layer, error) {
	registryMu.RLock()
	ctor, ok := registry[param.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown layer type %q (known: %v)", param.Type, Types())
	}
	l, err := ctor(ctx, param)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s layer %q", param.Type, param.Name)
	}
	return l, nil
}

// Types lists every registered layer type.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// base carries the definition and parameter blobs shared by every layer.
type base struct {
	param *config.LayerParameter
	blobs []*blob.Blob
}

func (b *base) Type() string                  { return b.param.Type }
func (b *base) Name() string                  { return b.param.Name }
func (b *base) Param() *config.LayerParameter { return b.param }
func (b *base) Blobs() []*blob.Blob           { return b.blobs }

// checkCounts validates bottom and top counts. A max of -1 means unbounded.
func (b *base) checkCounts(bottom, top []*blob.Blob, minBottom, maxBottom, minTop, maxTop int) error {
	if len(bottom) < minBottom || (maxBottom >= 0 && len(bottom) > maxBottom) {
		return errors.Errorf("%s layer %q takes %s bottom blob(s), got %d",
			b.param.Type, b.param.Name, countRange(minBottom, maxBottom), len(bottom))
	}
	if len(top) < minTop || (maxTop >= 0 && len(top) > maxTop) {
		return errors.Errorf("%s layer %q produces %s top blob(s), got %d",
			b.param.Type, b.param.Name, countRange(minTop, maxTop), len(top))
	}
	return nil
}

func countRange(lo, hi int) string {
	switch {
	case lo == hi:
		return fmt.Sprint(lo)
	case hi < 0:
		return fmt.Sprintf("at least %d", lo)
	default:
		return fmt.Sprintf("%d to %d", lo, hi)
	}
}

// scalarShape is the shape of a loss or accuracy output.
var scalarShape = blob.Shape{}

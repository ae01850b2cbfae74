// Package net assembles layers into a directed acyclic graph of blobs and
// runs forward and backward passes over it.
//
// A Net is built from a NetParameter for one phase. Layers whose
// include/exclude rules do not match the phase are dropped, blobs consumed
// by several layers are routed through automatically inserted Split layers,
// and layers that cannot influence the loss skip Backward.
//
// Blobs returned by a Net are the net's own storage. Callers may read and
// write their data and diff between passes; the next pass observes the
// writes.
package net

import (
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
	"github.com/born-ml/solver/internal/layer"
	"github.com/born-ml/solver/internal/prototxt"
)

// ErrNotFound is returned by lookups of unknown blobs or layers.
var ErrNotFound = errors.New("not found")

// Net is a built network.
type Net struct {
	ctx   *engine.Context
	name  string
	phase config.Phase

	layers     []layer.Layer
	layerIndex map[string]int
	bottoms    [][]*blob.Blob
	tops       [][]*blob.Blob
	bottomIDs  [][]int
	topIDs     [][]int

	layerNeedBackward  []bool
	bottomNeedBackward [][]bool

	blobs       []*blob.Blob
	blobNames   []string
	blobIndex   map[string]int
	lossWeights map[int]float64
	lossIDs     []int

	inputIDs  []int
	outputIDs []int

	// Learnable parameters are the owners of every shared group.
	params     []*blob.Blob
	paramNames []string
	lrMults    []float64
	decayMults []float64
}

// New builds a net for the given phase.
func New(ctx *engine.Context, np *config.NetParameter, phase config.Phase) (*Net, error) {
	n := &Net{
		ctx:         ctx,
		name:        np.Name,
		phase:       phase,
		layerIndex:  make(map[string]int),
		blobIndex:   make(map[string]int),
		lossWeights: make(map[int]float64),
	}
	if err := n.init(np); err != nil {
		if np.Name != "" {
			return nil, errors.Wrapf(err, "net %q", np.Name)
		}
		return nil, err
	}
	return n, nil
}

// Load reads a net definition file and builds it for phase.
func Load(ctx *engine.Context, path string, phase config.Phase) (*Net, error) {
	np, err := config.LoadNet(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, np, phase)
}

func (n *Net) logger() *slog.Logger {
	return n.ctx.Logger().With(slog.String("net", n.name), slog.String("phase", n.phase.String()))
}

// inputLayerName names the Input layer synthesized for net-level inputs.
const inputLayerName = "input"

//nolint:gocognit,gocyclo,cyclop // graph construction is one pass over the layers
func (n *Net) init(np *config.NetParameter) error {
	log := n.logger()

	defs := make([]*config.LayerParameter, 0, len(np.Layers)+1)
	var inputLayer *layer.Input
	if len(np.Inputs) > 0 {
		if len(np.InputShapes) != len(np.Inputs) {
			return errors.Errorf("%d net inputs need %d input shapes, got %d",
				len(np.Inputs), len(np.Inputs), len(np.InputShapes))
		}
		lp := &config.LayerParameter{Name: inputLayerName, Type: "Input", Top: np.Inputs, Raw: &prototxt.Message{}}
		shapes := make([]blob.Shape, len(np.InputShapes))
		for i, s := range np.InputShapes {
			shapes[i] = blob.Shape(s)
			if err := shapes[i].Validate(); err != nil {
				return errors.Wrapf(err, "input %q", np.Inputs[i])
			}
		}
		inputLayer = layer.NewInputFromShapes(lp, shapes)
		defs = append(defs, lp)
	}
	for _, lp := range np.Layers {
		if !lp.IncludedIn(n.phase) {
			log.Debug("skipping layer", slog.String("layer", lp.Name))
			continue
		}
		cp := *lp
		cp.Bottom = append([]string(nil), lp.Bottom...)
		cp.LossWeight = append([]float64(nil), lp.LossWeight...)
		defs = append(defs, &cp)
	}

	// Layers are built ahead of split insertion, which needs every top's loss
	// weight, including the defaults loss layers pick.
	built := make(map[*config.LayerParameter]layer.Layer, len(defs))
	weights := make([][]float64, len(defs))
	for i, lp := range defs {
		var l layer.Layer
		if i == 0 && inputLayer != nil {
			l = inputLayer
		} else {
			var err error
			if l, err = layer.New(n.ctx, lp); err != nil {
				return err
			}
		}
		if len(lp.LossWeight) != 0 && len(lp.LossWeight) != len(lp.Top) {
			return errors.Errorf("layer %q: loss_weight must be given once per top (%d), got %d",
				lp.Name, len(lp.Top), len(lp.LossWeight))
		}
		w := make([]float64, len(lp.Top))
		for j := range w {
			w[j] = layer.DefaultLossWeight(l, j)
			if len(lp.LossWeight) > 0 {
				w[j] = lp.LossWeight[j]
			}
		}
		built[lp] = l
		weights[i] = w
	}
	defs, weights = insertSplits(defs, weights)

	available := make(map[string]bool)
	paramIndex := make(map[string]int)
	blobNeedBackward := make(map[int]bool)

	for i, lp := range defs {
		if lp.Name == "" {
			return errors.Errorf("layer %d (%s) has no name", i, lp.Type)
		}
		if _, dup := n.layerIndex[lp.Name]; dup {
			return errors.Errorf("duplicate layer name %q", lp.Name)
		}

		l, ok := built[lp]
		if !ok {
			var err error
			if l, err = layer.New(n.ctx, lp); err != nil {
				return err
			}
		}
		n.layerIndex[lp.Name] = i
		n.layers = append(n.layers, l)

		var bottom []*blob.Blob
		var bottomIDs []int
		var bottomNeed []bool
		needBackward := false
		for _, name := range lp.Bottom {
			id, ok := n.blobIndex[name]
			if !ok || !available[name] {
				return errors.Errorf("layer %q: unknown bottom blob %q", lp.Name, name)
			}
			delete(available, name)
			bottom = append(bottom, n.blobs[id])
			bottomIDs = append(bottomIDs, id)
			bottomNeed = append(bottomNeed, blobNeedBackward[id])
			needBackward = needBackward || blobNeedBackward[id]
		}

		var top []*blob.Blob
		var topIDs []int
		for j, name := range lp.Top {
			inPlace := j < len(lp.Bottom) && lp.Bottom[j] == name
			if inPlace {
				id := bottomIDs[j]
				top = append(top, n.blobs[id])
				topIDs = append(topIDs, id)
				available[name] = true
				continue
			}
			if _, exists := n.blobIndex[name]; exists {
				return errors.Errorf("layer %q: top blob %q produced by multiple sources", lp.Name, name)
			}
			b := blob.Named(name, nil)
			id := len(n.blobs)
			n.blobs = append(n.blobs, b)
			n.blobNames = append(n.blobNames, name)
			n.blobIndex[name] = id
			if i == 0 && inputLayer != nil {
				n.inputIDs = append(n.inputIDs, id)
			}
			top = append(top, b)
			topIDs = append(topIDs, id)
			available[name] = true
		}

		if err := l.SetUp(bottom, top); err != nil {
			return errors.Wrapf(err, "set up layer %q", lp.Name)
		}
		for j, t := range top {
			log.Debug("top shape", slog.String("layer", lp.Name), slog.String("blob", lp.Top[j]),
				slog.String("shape", t.Shape().String()))
		}

		for j, t := range top {
			w := weights[i][j]
			if w == 0 {
				continue
			}
			n.lossWeights[topIDs[j]] = w
			n.lossIDs = append(n.lossIDs, topIDs[j])
			t.FillDiff(w)
			log.Debug("loss weight", slog.String("layer", lp.Name), slog.Float64("weight", w))
		}

		layerBlobs := l.Blobs()
		if len(lp.Params) > len(layerBlobs) {
			return errors.Errorf("layer %q has %d parameter blobs but %d param specs",
				lp.Name, len(layerBlobs), len(lp.Params))
		}
		for k, b := range layerBlobs {
			spec := config.ParamSpec{LRMult: 1, DecayMult: 1}
			if k < len(lp.Params) {
				spec = lp.Params[k]
			}
			if spec.Name != "" {
				if owner, shared := paramIndex[spec.Name]; shared {
					if err := n.shareParam(b, owner, spec.Name, lp.Name); err != nil {
						return err
					}
					needBackward = needBackward || n.lrMults[owner] != 0
					continue
				}
			}
			name := spec.Name
			if name == "" {
				name = fmt.Sprintf("%s/%d", lp.Name, k)
			} else {
				paramIndex[spec.Name] = len(n.params)
			}
			n.params = append(n.params, b)
			n.paramNames = append(n.paramNames, name)
			n.lrMults = append(n.lrMults, spec.LRMult)
			n.decayMults = append(n.decayMults, spec.DecayMult)
			needBackward = needBackward || spec.LRMult != 0
		}

		for _, id := range topIDs {
			blobNeedBackward[id] = needBackward
		}
		n.bottoms = append(n.bottoms, bottom)
		n.tops = append(n.tops, top)
		n.bottomIDs = append(n.bottomIDs, bottomIDs)
		n.topIDs = append(n.topIDs, topIDs)
		n.bottomNeedBackward = append(n.bottomNeedBackward, bottomNeed)
		n.layerNeedBackward = append(n.layerNeedBackward, needBackward)
	}

	n.pruneBackward()
	if np.ForceBackward {
		n.forceBackward()
	}

	for id, name := range n.blobNames {
		if available[name] && n.blobIndex[name] == id {
			n.outputIDs = append(n.outputIDs, id)
		}
	}
	for i, l := range n.layers {
		if n.layerNeedBackward[i] {
			log.Debug("needs backward", slog.String("layer", l.Name()))
		}
	}
	log.Info("network initialized",
		slog.Int("layers", len(n.layers)), slog.Int("blobs", len(n.blobs)), slog.Int("params", len(n.params)))
	return nil
}

func (n *Net) shareParam(b *blob.Blob, owner int, key, layerName string) error {
	src := n.params[owner]
	if !b.Shape().Equal(src.Shape()) {
		return errors.Errorf("layer %q: shared param %q has shape %v, owner has %v",
			layerName, key, b.Shape(), src.Shape())
	}
	if err := b.ShareData(src); err != nil {
		return err
	}
	return b.ShareDiff(src)
}

// pruneBackward turns off Backward for layers whose outputs never reach a
// loss and for bottoms no gradient flows into.
func (n *Net) pruneBackward() {
	underLoss := make(map[int]bool)
	skip := make(map[int]bool)
	for i := len(n.layers) - 1; i >= 0; i-- {
		contributes := false
		allSkipped := true
		for _, id := range n.topIDs[i] {
			if n.lossWeights[id] != 0 || underLoss[id] {
				contributes = true
			}
			if !skip[id] {
				allSkipped = false
			}
		}
		if n.layerNeedBackward[i] && allSkipped {
			n.layerNeedBackward[i] = false
			for j := range n.bottomNeedBackward[i] {
				n.bottomNeedBackward[i][j] = false
			}
		}
		if !contributes {
			n.layerNeedBackward[i] = false
		}
		for j, id := range n.bottomIDs[i] {
			if contributes {
				underLoss[id] = true
			} else {
				n.bottomNeedBackward[i][j] = false
			}
			if !n.bottomNeedBackward[i][j] {
				skip[id] = true
			}
		}
	}
}

func (n *Net) forceBackward() {
	for i, l := range n.layers {
		n.layerNeedBackward[i] = true
		for j := range n.bottomNeedBackward[i] {
			n.bottomNeedBackward[i][j] = n.bottomNeedBackward[i][j] || layer.AllowForceBackward(l, j)
		}
	}
}

// Name returns the net name from the definition.
func (n *Net) Name() string { return n.name }

// Phase returns the phase the net was built for.
func (n *Net) Phase() config.Phase { return n.phase }

// Forward runs every layer in order and returns the weighted sum of all
// loss outputs.
func (n *Net) Forward() (float64, error) {
	return n.ForwardFromTo(0, len(n.layers)-1)
}

// ForwardFromTo runs layers start through end inclusive.
func (n *Net) ForwardFromTo(start, end int) (float64, error) {
	if start < 0 || end >= len(n.layers) || start > end+1 {
		return 0, errors.Errorf("invalid forward range [%d, %d] for %d layers", start, end, len(n.layers))
	}
	for i := start; i <= end; i++ {
		l := n.layers[i]
		if err := l.Reshape(n.bottoms[i], n.tops[i]); err != nil {
			return 0, errors.Wrapf(err, "reshape layer %q", l.Name())
		}
		if err := l.Forward(n.bottoms[i], n.tops[i]); err != nil {
			return 0, errors.Wrapf(err, "forward layer %q", l.Name())
		}
	}
	return n.loss(), nil
}

func (n *Net) loss() float64 {
	var loss float64
	for _, id := range n.lossIDs {
		loss += n.lossWeights[id] * n.blobs[id].SumData()
	}
	return loss
}

// Backward propagates the loss gradient through every layer that needs it.
// Parameter diffs accumulate; bottom diffs are overwritten.
func (n *Net) Backward() error {
	for _, id := range n.lossIDs {
		n.blobs[id].FillDiff(n.lossWeights[id])
	}
	for i := len(n.layers) - 1; i >= 0; i-- {
		if !n.layerNeedBackward[i] {
			continue
		}
		l := n.layers[i]
		if err := l.Backward(n.tops[i], n.bottomNeedBackward[i], n.bottoms[i]); err != nil {
			return errors.Wrapf(err, "backward layer %q", l.Name())
		}
	}
	return nil
}

// ForwardBackward runs Forward then Backward and returns the loss.
func (n *Net) ForwardBackward() (float64, error) {
	loss, err := n.Forward()
	if err != nil {
		return 0, err
	}
	return loss, n.Backward()
}

// Reshape propagates input shape changes through every layer.
func (n *Net) Reshape() error {
	for i, l := range n.layers {
		if err := l.Reshape(n.bottoms[i], n.tops[i]); err != nil {
			return errors.Wrapf(err, "reshape layer %q", l.Name())
		}
	}
	return nil
}

// ClearParamDiffs zeroes the diff of every learnable parameter.
func (n *Net) ClearParamDiffs() {
	for _, p := range n.params {
		p.FillDiff(0)
	}
}

// Update applies data -= diff to every learnable parameter. Shared
// parameters are updated once through their owner.
func (n *Net) Update() {
	for _, p := range n.params {
		p.Update()
	}
}

// Params returns the learnable parameter blobs. Shared parameters appear
// once.
func (n *Net) Params() []*blob.Blob { return n.params }

// ParamNames returns a display name per learnable parameter: the param
// sharing name when given, otherwise "<layer>/<index>".
func (n *Net) ParamNames() []string { return n.paramNames }

// ParamLRMult returns the learning rate multiplier of learnable parameter i.
func (n *Net) ParamLRMult(i int) float64 { return n.lrMults[i] }

// ParamDecayMult returns the weight decay multiplier of learnable parameter i.
func (n *Net) ParamDecayMult(i int) float64 { return n.decayMults[i] }

// ParamBlob returns parameter blob blobIndex of layer layerIndex.
func (n *Net) ParamBlob(layerIndex, blobIndex int) (*blob.Blob, error) {
	if layerIndex < 0 || layerIndex >= len(n.layers) {
		return nil, errors.Wrapf(ErrNotFound, "layer index %d (net has %d layers)", layerIndex, len(n.layers))
	}
	blobs := n.layers[layerIndex].Blobs()
	if blobIndex < 0 || blobIndex >= len(blobs) {
		return nil, errors.Wrapf(ErrNotFound, "param %d of layer %q (has %d)",
			blobIndex, n.layers[layerIndex].Name(), len(blobs))
	}
	return blobs[blobIndex], nil
}

// LayerParams returns the parameter blobs of the named layer.
func (n *Net) LayerParams(name string) ([]*blob.Blob, error) {
	l, err := n.Layer(name)
	if err != nil {
		return nil, err
	}
	return l.Blobs(), nil
}

// Blob returns the named blob.
func (n *Net) Blob(name string) (*blob.Blob, error) {
	id, ok := n.blobIndex[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "blob %q", name)
	}
	return n.blobs[id], nil
}

// HasBlob reports whether the net has a blob with the given name.
func (n *Net) HasBlob(name string) bool {
	_, ok := n.blobIndex[name]
	return ok
}

// BlobNames returns blob names in creation order.
func (n *Net) BlobNames() []string { return n.blobNames }

// Blobs returns every blob in creation order.
func (n *Net) Blobs() []*blob.Blob { return n.blobs }

// Layers returns the layers in execution order, including inserted splits.
func (n *Net) Layers() []layer.Layer { return n.layers }

// LayerNames returns layer names in execution order.
func (n *Net) LayerNames() []string {
	names := make([]string, len(n.layers))
	for i, l := range n.layers {
		names[i] = l.Name()
	}
	return names
}

// Layer returns the named layer.
func (n *Net) Layer(name string) (layer.Layer, error) {
	i, ok := n.layerIndex[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "layer %q", name)
	}
	return n.layers[i], nil
}

// Inputs returns the net-level input blobs.
func (n *Net) Inputs() []*blob.Blob { return n.pick(n.inputIDs) }

// Outputs returns blobs produced but never consumed, in creation order.
func (n *Net) Outputs() []*blob.Blob { return n.pick(n.outputIDs) }

// OutputNames returns the names of Outputs.
func (n *Net) OutputNames() []string {
	names := make([]string, len(n.outputIDs))
	for i, id := range n.outputIDs {
		names[i] = n.blobNames[id]
	}
	return names
}

// LossWeight returns the loss weight of a blob, zero for non-loss blobs.
func (n *Net) LossWeight(name string) float64 {
	id, ok := n.blobIndex[name]
	if !ok {
		return 0
	}
	return n.lossWeights[id]
}

// LayerNeedsBackward reports whether Backward runs layer i.
func (n *Net) LayerNeedsBackward(i int) bool { return n.layerNeedBackward[i] }

// BottomNeedsBackward reports whether layer i propagates into its bottoms.
func (n *Net) BottomNeedsBackward(i int) []bool { return n.bottomNeedBackward[i] }

func (n *Net) pick(ids []int) []*blob.Blob {
	out := make([]*blob.Blob, len(ids))
	for i, id := range ids {
		out[i] = n.blobs[id]
	}
	return out
}

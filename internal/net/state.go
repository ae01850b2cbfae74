package net

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/serialization"
)

// ParamKey returns the state dict key of parameter index of a layer.
func ParamKey(layerName string, index int) string {
	return fmt.Sprintf("%s/%d", layerName, index)
}

func splitParamKey(key string) (string, int, error) {
	i := strings.LastIndexByte(key, '/')
	if i <= 0 {
		return "", 0, errors.Errorf("malformed parameter name %q", key)
	}
	index, err := strconv.Atoi(key[i+1:])
	if err != nil || index < 0 {
		return "", 0, errors.Errorf("malformed parameter name %q", key)
	}
	return key[:i], index, nil
}

// StateDict returns a copy of every layer's parameter blobs keyed by
// "<layer>/<index>". Shared parameters are written under each layer that
// uses them.
func (n *Net) StateDict() []serialization.Tensor {
	var out []serialization.Tensor
	for _, l := range n.layers {
		for k, b := range l.Blobs() {
			out = append(out, serialization.Tensor{
				Name:  ParamKey(l.Name(), k),
				Shape: b.Shape(),
				Data:  append([]float64(nil), b.Data()...),
			})
		}
	}
	return out
}

// LoadStateDict copies parameter values into layers with matching names.
//
// Tensors for layers this net does not have are ignored, so a net can be
// initialized from a model trained with extra layers. Layers without a
// tensor keep their current values. A shape mismatch is an error.
func (n *Net) LoadStateDict(tensors []serialization.Tensor) error {
	ignored := make(map[string]bool)
	for _, t := range tensors {
		layerName, index, err := splitParamKey(t.Name)
		if err != nil {
			return err
		}
		li, ok := n.layerIndex[layerName]
		if !ok {
			ignored[layerName] = true
			continue
		}
		target := n.layers[li].Blobs()
		if index >= len(target) {
			return errors.Errorf("layer %q has %d parameter blobs, snapshot has index %d",
				layerName, len(target), index)
		}
		b := target[index]
		if !b.Shape().Equal(t.Shape) {
			return errors.Errorf("cannot copy param %d of layer %q: shape %v in snapshot, %v in net",
				index, layerName, blob.Shape(t.Shape), b.Shape())
		}
		if err := b.SetData(t.Data); err != nil {
			return errors.Wrapf(err, "layer %q param %d", layerName, index)
		}
	}
	for name := range ignored {
		n.logger().Debug("ignoring source layer", slog.String("layer", name))
	}
	return nil
}

// CopyTrainedLayersFrom loads parameters from a .caffemodel snapshot.
func (n *Net) CopyTrainedLayersFrom(path string) error {
	r, err := serialization.Open(path)
	if err != nil {
		return errors.Wrap(err, "copy trained layers")
	}
	return errors.Wrapf(n.CopyTrainedLayers(r), "load %s", path)
}

// CopyTrainedLayers loads parameters from an opened .caffemodel.
func (n *Net) CopyTrainedLayers(r *serialization.Reader) error {
	if r.Kind() != serialization.KindParams {
		return errors.Errorf("file holds %s, not parameters", r.Kind())
	}
	tensors, err := r.Tensors()
	if err != nil {
		return err
	}
	return n.LoadStateDict(tensors)
}

// WriteParams atomically writes the parameters to path in .caffemodel form.
// metadata may be nil.
func (n *Net) WriteParams(path string, metadata map[string]string) error {
	h := serialization.Header{Kind: serialization.KindParams, NetName: n.name, Metadata: metadata}
	return serialization.WriteFile(path, h, n.StateDict())
}

// ShareTrainedLayersWith makes every layer of n that has a same-named layer
// in other use other's parameter data. Diffs stay separate, so n can run
// Backward without disturbing other's gradients.
func (n *Net) ShareTrainedLayersWith(other *Net) error {
	for _, l := range n.layers {
		src, err := other.Layer(l.Name())
		if err != nil {
			continue
		}
		target, source := l.Blobs(), src.Blobs()
		if len(target) != len(source) {
			return errors.Errorf("layer %q: %d parameter blobs, source has %d",
				l.Name(), len(target), len(source))
		}
		for k := range target {
			if !target[k].Shape().Equal(source[k].Shape()) {
				return errors.Errorf("cannot share param %d of layer %q: shape %v, source %v",
					k, l.Name(), target[k].Shape(), source[k].Shape())
			}
			if err := target[k].ShareData(source[k]); err != nil {
				return err
			}
		}
	}
	return nil
}

package config

import (
	"os"

	"github.com/pkg/errors"

	"github.com/born-ml/solver/internal/prototxt"
)

// Phase selects which layers of a net definition are instantiated.
type Phase int

// Phases.
const (
	Train Phase = iota
	Test
)

// String returns the prototxt spelling of the phase.
func (p Phase) String() string {
	if p == Test {
		return "TEST"
	}
	return "TRAIN"
}

func parsePhase(s string) (Phase, error) {
	switch s {
	case "TRAIN":
		return Train, nil
	case "TEST":
		return Test, nil
	}
	return Train, errors.Errorf("unknown phase %q", s)
}

// ParamSpec configures one learnable blob of a layer.
type ParamSpec struct {
	Name      string  // Sharing key; layers with the same name share the blob
	LRMult    float64 // Multiplier on the global learning rate
	DecayMult float64 // Multiplier on the global weight decay
}

// NetStateRule restricts a layer to a phase.
type NetStateRule struct {
	Phase    Phase
	HasPhase bool
}

// LayerParameter describes one layer of a net definition.
type LayerParameter struct {
	Name       string
	Type       string
	Bottom     []string
	Top        []string
	Params     []ParamSpec
	LossWeight []float64
	Include    []NetStateRule
	Exclude    []NetStateRule

	// Raw holds the whole layer message so each layer type can decode its
	// own *_param sub-message.
	Raw *prototxt.Message
}

// layerParams lists the type-specific sub-messages a layer may carry. Each
// layer type decodes its own and rejects unknown fields inside it.
var layerParams = []string{
	"accuracy_param",
	"bilinear_interpolate_param",
	"convolution_param",
	"dummy_data_param",
	"hardsigmoid_param",
	"inner_product_param",
	"input_param",
	"loss_param",
	"max_unpool_param",
	"pad_param",
	"pixelshuffle_param",
	"relu6_param",
	"relu_param",
	"softmax_param",
	"unsqueeze_param",
	"upsample_param",
}

// Sub returns the named type-specific sub-message, or an empty message.
func (lp *LayerParameter) Sub(name string) (*prototxt.Message, error) {
	m, err := lp.Raw.Message(name)
	if err != nil {
		return nil, errors.Wrapf(err, "layer %q", lp.Name)
	}
	if m == nil {
		return &prototxt.Message{}, nil
	}
	return m, nil
}

// IncludedIn reports whether the layer participates in the given phase.
func (lp *LayerParameter) IncludedIn(phase Phase) bool {
	if len(lp.Include) > 0 {
		for _, rule := range lp.Include {
			if !rule.HasPhase || rule.Phase == phase {
				return true
			}
		}
		return false
	}
	for _, rule := range lp.Exclude {
		if !rule.HasPhase || rule.Phase == phase {
			return false
		}
	}
	return true
}

// NetParameter is a parsed net definition.
type NetParameter struct {
	Name          string
	ForceBackward bool
	Inputs        []string
	InputShapes   [][]int
	Layers        []*LayerParameter
	Phase         Phase // State phase, overridden by the solver for test nets
	HasPhase      bool
}

// LoadNet reads and parses a net definition file.
func LoadNet(path string) (*NetParameter, error) {
	//nolint:gosec // G304: net definitions are user-supplied paths
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read net definition %q", path)
	}
	np, err := ParseNet(string(text))
	if err != nil {
		return nil, errors.Wrapf(err, "parse net definition %q", path)
	}
	return np, nil
}

// ParseNet parses a net definition from text.
func ParseNet(text string) (*NetParameter, error) {
	msg, err := prototxt.Parse(text)
	if err != nil {
		return nil, err
	}
	return decodeNet(msg)
}

func decodeNet(msg *prototxt.Message) (*NetParameter, error) {
	d := NewDecoder(msg)
	np := &NetParameter{
		Name:          d.String("name", ""),
		ForceBackward: d.Bool("force_backward", false),
		Inputs:        d.Strings("input"),
	}

	for _, s := range d.Messages("input_shape") {
		sd := NewDecoder(s)
		dims := sd.Ints("dim")
		if err := sd.Done(); err != nil {
			return nil, err
		}
		np.InputShapes = append(np.InputShapes, dims)
	}
	// Legacy input_dim: four per input.
	if dims := d.Ints("input_dim"); len(dims) > 0 {
		if len(dims)%4 != 0 {
			return nil, errors.Errorf("input_dim must be specified in groups of 4, got %d values", len(dims))
		}
		for i := 0; i < len(dims); i += 4 {
			np.InputShapes = append(np.InputShapes, dims[i:i+4])
		}
	}
	if len(np.InputShapes) > 0 && len(np.InputShapes) != len(np.Inputs) {
		return nil, errors.Errorf("%d inputs but %d input shapes", len(np.Inputs), len(np.InputShapes))
	}

	if state := d.Message("state"); state != nil {
		sd := NewDecoder(state)
		hasPhase, phaseText := sd.Has("phase"), sd.String("phase", "")
		if err := sd.Done(); err != nil {
			return nil, errors.Wrap(err, "state")
		}
		if hasPhase {
			phase, err := parsePhase(phaseText)
			if err != nil {
				return nil, err
			}
			np.Phase, np.HasPhase = phase, true
		}
	}

	if d.Has("layers") {
		return nil, errors.New("V1 'layers' definitions are not supported, use 'layer'")
	}
	layers := d.Messages("layer")
	if err := d.Done(); err != nil {
		return nil, err
	}
	for i, lm := range layers {
		lp, err := decodeLayer(lm)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		np.Layers = append(np.Layers, lp)
	}
	return np, nil
}

func decodeLayer(msg *prototxt.Message) (*LayerParameter, error) {
	d := NewDecoder(msg)
	lp := &LayerParameter{
		Name:       d.String("name", ""),
		Type:       d.String("type", ""),
		Bottom:     d.Strings("bottom"),
		Top:        d.Strings("top"),
		LossWeight: d.Floats("loss_weight"),
		Raw:        msg,
	}
	params := d.Messages("param")
	include, exclude := d.Messages("include"), d.Messages("exclude")
	d.Skip(layerParams...)
	if err := d.Done(); err != nil {
		return nil, errors.Wrapf(err, "layer %q", lp.Name)
	}
	if lp.Type == "" {
		return nil, errors.Errorf("layer %q has no type", lp.Name)
	}

	for _, pm := range params {
		pd := NewDecoder(pm)
		spec := ParamSpec{
			Name:      pd.String("name", ""),
			LRMult:    pd.Float("lr_mult", 1),
			DecayMult: pd.Float("decay_mult", 1),
		}
		if err := pd.Done(); err != nil {
			return nil, errors.Wrapf(err, "layer %q param", lp.Name)
		}
		lp.Params = append(lp.Params, spec)
	}

	var err error
	if lp.Include, err = decodeRules(include); err != nil {
		return nil, errors.Wrapf(err, "layer %q include", lp.Name)
	}
	if lp.Exclude, err = decodeRules(exclude); err != nil {
		return nil, errors.Wrapf(err, "layer %q exclude", lp.Name)
	}
	if len(lp.Include) > 0 && len(lp.Exclude) > 0 {
		return nil, errors.Errorf("layer %q specifies both include and exclude rules", lp.Name)
	}
	return lp, nil
}

func decodeRules(msgs []*prototxt.Message) ([]NetStateRule, error) {
	var rules []NetStateRule
	for _, m := range msgs {
		d := NewDecoder(m)
		hasPhase, text := d.Has("phase"), d.String("phase", "")
		if err := d.Done(); err != nil {
			return nil, err
		}
		var rule NetStateRule
		if hasPhase {
			phase, err := parsePhase(text)
			if err != nil {
				return nil, err
			}
			rule = NetStateRule{Phase: phase, HasPhase: true}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Package filler initializes blob contents from a filler definition such
// as `weight_filler { type: 'gaussian' std: 0.01 }`.
package filler

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/prototxt"
)

// VarianceNorm selects the fan used by the xavier and msra fillers.
type VarianceNorm int

// Variance normalizations.
const (
	FanIn VarianceNorm = iota
	FanOut
	Average
)

// Param is a decoded filler definition.
type Param struct {
	Type         string
	Value        float64
	Min, Max     float64
	Mean, Std    float64
	Sparse       int
	VarianceNorm VarianceNorm
}

// Decode reads a filler message. A nil message is a constant-zero filler.
func Decode(msg *prototxt.Message) (Param, error) {
	d := config.NewDecoder(msg)
	p := Param{
		Type:   d.String("type", "constant"),
		Value:  d.Float("value", 0),
		Min:    d.Float("min", 0),
		Max:    d.Float("max", 1),
		Mean:   d.Float("mean", 0),
		Std:    d.Float("std", 1),
		Sparse: d.Int("sparse", -1),
	}
	switch norm := d.String("variance_norm", "FAN_IN"); norm {
	case "FAN_IN":
		p.VarianceNorm = FanIn
	case "FAN_OUT":
		p.VarianceNorm = FanOut
	case "AVERAGE":
		p.VarianceNorm = Average
	default:
		return p, errors.Errorf("unknown variance_norm %q", norm)
	}
	if err := d.Done(); err != nil {
		return p, err
	}
	if _, ok := fillers[p.Type]; !ok {
		return p, errors.Errorf("unknown filler type %q", p.Type)
	}
	if p.Type == "uniform" && p.Min > p.Max {
		return p, errors.Errorf("uniform filler min %v exceeds max %v", p.Min, p.Max)
	}
	return p, nil
}

type fillFunc func(p Param, b *blob.Blob, rng *rand.Rand) error

var fillers = map[string]fillFunc{
	"constant":          fillConstant,
	"uniform":           fillUniform,
	"gaussian":          fillGaussian,
	"positive_unitball": fillPositiveUnitball,
	"xavier":            fillXavier,
	"msra":              fillMSRA,
}

// Fill writes initial values into b.data.
func Fill(p Param, b *blob.Blob, rng *rand.Rand) error {
	f, ok := fillers[p.Type]
	if !ok {
		return errors.Errorf("unknown filler type %q", p.Type)
	}
	if b.Count() == 0 {
		return nil
	}
	return f(p, b, rng)
}

func fillConstant(p Param, b *blob.Blob, _ *rand.Rand) error {
	b.FillData(p.Value)
	return nil
}

func fillUniform(p Param, b *blob.Blob, rng *rand.Rand) error {
	sampleUniform(b.Data(), p.Min, p.Max, rng)
	return nil
}

func sampleUniform(dst []float64, lo, hi float64, rng *rand.Rand) {
	if lo == hi {
		for i := range dst {
			dst[i] = lo
		}
		return
	}
	u := distuv.Uniform{Min: lo, Max: hi, Src: rng}
	for i := range dst {
		dst[i] = u.Rand()
	}
}

func sampleGaussian(dst []float64, mean, std float64, rng *rand.Rand) {
	if std == 0 {
		for i := range dst {
			dst[i] = mean
		}
		return
	}
	n := distuv.Normal{Mu: mean, Sigma: std, Src: rng}
	for i := range dst {
		dst[i] = n.Rand()
	}
}

func fillGaussian(p Param, b *blob.Blob, rng *rand.Rand) error {
	data := b.Data()
	sampleGaussian(data, p.Mean, p.Std, rng)
	if p.Sparse < 0 {
		return nil
	}
	if b.NumAxes() < 2 {
		return errors.New("sparse gaussian filler needs a blob with at least 2 axes")
	}
	// Keep each weight with probability sparse / num_outputs.
	keep := float64(p.Sparse) / float64(b.ShapeAt(0))
	for i := range data {
		if rng.Float64() >= keep {
			data[i] = 0
		}
	}
	return nil
}

func fillPositiveUnitball(_ Param, b *blob.Blob, rng *rand.Rand) error {
	data := b.Data()
	sampleUniform(data, 0, 1, rng)
	num := b.ShapeAt(0)
	dim := b.Count() / num
	for i := 0; i < num; i++ {
		row := data[i*dim : (i+1)*dim]
		if sum := floats.Sum(row); sum > 0 {
			floats.Scale(1/sum, row)
		}
	}
	return nil
}

func fan(p Param, b *blob.Blob) float64 {
	count := b.Count()
	fanIn := float64(count) / float64(b.ShapeAt(0))
	fanOut := float64(count)
	if b.NumAxes() > 1 {
		fanOut = float64(count) / float64(b.ShapeAt(1))
	}
	switch p.VarianceNorm {
	case FanOut:
		return fanOut
	case Average:
		return (fanIn + fanOut) / 2
	default:
		return fanIn
	}
}

func fillXavier(p Param, b *blob.Blob, rng *rand.Rand) error {
	scale := math.Sqrt(3 / fan(p, b))
	sampleUniform(b.Data(), -scale, scale, rng)
	return nil
}

func fillMSRA(p Param, b *blob.Blob, rng *rand.Rand) error {
	std := math.Sqrt(2 / fan(p, b))
	sampleGaussian(b.Data(), 0, std, rng)
	return nil
}

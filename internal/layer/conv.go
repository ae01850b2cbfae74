package layer

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/solver/internal/blob"
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
	"github.com/born-ml/solver/internal/filler"
)

func init() {
	Register("Convolution", newConvolution)
}

// geometry describes a 2-D sliding window.
type geometry struct {
	kernelH, kernelW     int
	padH, padW           int
	strideH, strideW     int
	dilationH, dilationW int
}

func (g geometry) outputSize(height, width int) (int, int) {
	extH := g.dilationH*(g.kernelH-1) + 1
	extW := g.dilationW*(g.kernelW-1) + 1
	return (height+2*g.padH-extH)/g.strideH + 1, (width+2*g.padW-extW)/g.strideW + 1
}

// pair reads a `name: v` / `name_h, name_w` pair; the _h/_w
// forms win over the shared one.
func pair(d *config.Decoder, name string, def int) (int, int, error) {
	hName, wName := name+"_h", name+"_w"
	if d.Has(hName) || d.Has(wName) {
		if d.Has(name) {
			return 0, 0, errors.Errorf("either %s or %s/%s may be given, not both", name, hName, wName)
		}
		return d.Int(hName, def), d.Int(wName, def), nil
	}
	vals := d.Ints(name)
	switch len(vals) {
	case 0:
		return def, def, nil
	case 1:
		return vals[0], vals[0], nil
	case 2:
		return vals[0], vals[1], nil
	}
	return 0, 0, errors.Errorf("%s must be given once or twice for 2-D layers, got %d values", name, len(vals))
}

func decodeGeometry(d *config.Decoder) (geometry, error) {
	var g geometry
	var err error
	if g.kernelH, g.kernelW, err = pair(d, "kernel_size", 0); err != nil {
		return g, err
	}
	// kernel_h/kernel_w are spelled without "_size".
	if d.Has("kernel_h") || d.Has("kernel_w") {
		g.kernelH, g.kernelW = d.Int("kernel_h", 0), d.Int("kernel_w", 0)
	}
	if g.padH, g.padW, err = pair(d, "pad", 0); err != nil {
		return g, err
	}
	if g.strideH, g.strideW, err = pair(d, "stride", 1); err != nil {
		return g, err
	}
	if g.dilationH, g.dilationW, err = pair(d, "dilation", 1); err != nil {
		return g, err
	}
	if err := d.Err(); err != nil {
		return g, err
	}
	switch {
	case g.kernelH <= 0 || g.kernelW <= 0:
		return g, errors.Errorf("kernel size must be positive, got %dx%d", g.kernelH, g.kernelW)
	case g.strideH <= 0 || g.strideW <= 0:
		return g, errors.Errorf("stride must be positive, got %dx%d", g.strideH, g.strideW)
	case g.padH < 0 || g.padW < 0:
		return g, errors.Errorf("pad must be non-negative, got %dx%d", g.padH, g.padW)
	case g.dilationH <= 0 || g.dilationW <= 0:
		return g, errors.Errorf("dilation must be positive, got %dx%d", g.dilationH, g.dilationW)
	}
	return g, nil
}

// im2col unrolls one image (channels x height x width) into col, a
// (channels*kh*kw) x (outH*outW) row-major matrix.
func im2col(img []float64, channels, height, width int, g geometry, col []float64) {
	outH, outW := g.outputSize(height, width)
	idx := 0
	for c := 0; c < channels; c++ {
		plane := img[c*height*width : (c+1)*height*width]
		for kh := 0; kh < g.kernelH; kh++ {
			for kw := 0; kw < g.kernelW; kw++ {
				row := -g.padH + kh*g.dilationH
				for oh := 0; oh < outH; oh++ {
					if row < 0 || row >= height {
						for ow := 0; ow < outW; ow++ {
							col[idx] = 0
							idx++
						}
					} else {
						column := -g.padW + kw*g.dilationW
						for ow := 0; ow < outW; ow++ {
							if column >= 0 && column < width {
								col[idx] = plane[row*width+column]
							} else {
								col[idx] = 0
							}
							column += g.strideW
							idx++
						}
					}
					row += g.strideH
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it sums col entries back into img.
// img is zeroed first.
func col2im(col []float64, channels, height, width int, g geometry, img []float64) {
	for i := range img {
		img[i] = 0
	}
	outH, outW := g.outputSize(height, width)
	idx := 0
	for c := 0; c < channels; c++ {
		plane := img[c*height*width : (c+1)*height*width]
		for kh := 0; kh < g.kernelH; kh++ {
			for kw := 0; kw < g.kernelW; kw++ {
				row := -g.padH + kh*g.dilationH
				for oh := 0; oh < outH; oh++ {
					if row < 0 || row >= height {
						idx += outW
					} else {
						column := -g.padW + kw*g.dilationW
						for ow := 0; ow < outW; ow++ {
							if column >= 0 && column < width {
								plane[row*width+column] += col[idx]
							}
							column += g.strideW
							idx++
						}
					}
					row += g.strideH
				}
			}
		}
	}
}

// Convolution is a 2-D convolution over NCHW blobs, computed as im2col
// followed by a GEMM per image and group.
type Convolution struct {
	base
	ctx          *engine.Context
	geom         geometry
	numOutput    int
	group        int
	biasTerm     bool
	weightFiller filler.Param
	biasFiller   filler.Param

	channels, height, width int
	outH, outW              int
	cols                    [][]float64 // One im2col buffer per image
}

func newConvolution(ctx *engine.Context, param *config.LayerParameter) (Layer, error) {
	sub, err := param.Sub("convolution_param")
	if err != nil {
		return nil, err
	}
	d := config.NewDecoder(sub)
	geom, err := decodeGeometry(d)
	if err != nil {
		return nil, err
	}
	l := &Convolution{
		base:      base{param: param},
		ctx:       ctx,
		geom:      geom,
		numOutput: d.Int("num_output", 0),
		group:     d.Int("group", 1),
		biasTerm:  d.Bool("bias_term", true),
	}
	weightMsg, biasMsg := d.Message("weight_filler"), d.Message("bias_filler")
	if err := d.Done(); err != nil {
		return nil, err
	}
	if l.numOutput <= 0 {
		return nil, errors.Errorf("num_output must be positive, got %d", l.numOutput)
	}
	if l.group <= 0 || l.numOutput%l.group != 0 {
		return nil, errors.Errorf("num_output %d must be divisible by group %d", l.numOutput, l.group)
	}
	if l.weightFiller, err = filler.Decode(weightMsg); err != nil {
		return nil, errors.Wrap(err, "weight_filler")
	}
	if l.biasFiller, err = filler.Decode(biasMsg); err != nil {
		return nil, errors.Wrap(err, "bias_filler")
	}
	return l, nil
}

// SetUp allocates and fills the weight (and bias) blobs.
func (l *Convolution) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, -1, 1, -1); err != nil {
		return err
	}
	if len(bottom) != len(top) {
		return errors.Errorf("convolution layer %q needs one top per bottom, got %d bottoms and %d tops", l.Name(), len(bottom), len(top))
	}
	if bottom[0].NumAxes() != 4 {
		return errors.Errorf("convolution input must be 4-D (N, C, H, W), got shape %v", bottom[0].Shape())
	}
	l.channels = bottom[0].ShapeAt(1)
	if l.channels%l.group != 0 {
		return errors.Errorf("input channels %d must be divisible by group %d", l.channels, l.group)
	}

	weight := blob.Named(l.Name()+".weight", blob.Shape{l.numOutput, l.channels / l.group, l.geom.kernelH, l.geom.kernelW})
	if err := filler.Fill(l.weightFiller, weight, l.ctx.Rand()); err != nil {
		return err
	}
	l.blobs = []*blob.Blob{weight}
	if l.biasTerm {
		bias := blob.Named(l.Name()+".bias", blob.Shape{l.numOutput})
		if err := filler.Fill(l.biasFiller, bias, l.ctx.Rand()); err != nil {
			return err
		}
		l.blobs = append(l.blobs, bias)
	}
	return l.Reshape(bottom, top)
}

// Reshape computes output sizes and resizes the im2col buffers.
func (l *Convolution) Reshape(bottom, top []*blob.Blob) error {
	first := bottom[0].Shape()
	if len(first) != 4 || first[1] != l.channels {
		return errors.Errorf("convolution layer %q expects (N, %d, H, W), got %v", l.Name(), l.channels, first)
	}
	for i, b := range bottom {
		if !b.Shape().Equal(first) {
			return errors.Errorf("convolution bottom %d shape %v differs from bottom 0 shape %v", i, b.Shape(), first)
		}
	}
	l.height, l.width = first[2], first[3]
	l.outH, l.outW = l.geom.outputSize(l.height, l.width)
	if l.outH <= 0 || l.outW <= 0 {
		return errors.Errorf("convolution layer %q output would be empty for input %dx%d", l.Name(), l.height, l.width)
	}
	for _, t := range top {
		t.Reshape(blob.Shape{first[0], l.numOutput, l.outH, l.outW})
	}
	colSize := l.channels * l.geom.kernelH * l.geom.kernelW * l.outH * l.outW
	if len(l.cols) != first[0] || (len(l.cols) > 0 && len(l.cols[0]) != colSize) {
		l.cols = make([][]float64, first[0])
		for n := range l.cols {
			l.cols[n] = make([]float64, colSize)
		}
	}
	return nil
}

// Forward computes top = W * im2col(bottom) + b for each image.
func (l *Convolution) Forward(bottom, top []*blob.Blob) error {
	weight := l.blobs[0].Data()
	kdim := l.channels / l.group * l.geom.kernelH * l.geom.kernelW
	spatial := l.outH * l.outW
	outPerGroup := l.numOutput / l.group
	inDim := l.channels * l.height * l.width
	outDim := l.numOutput * spatial

	for i := range bottom {
		in, out := bottom[i].Data(), top[i].Data()
		l.ctx.Parallel().For(bottom[i].ShapeAt(0), func(n int) {
			col := l.cols[n]
			im2col(in[n*inDim:(n+1)*inDim], l.channels, l.height, l.width, l.geom, col)
			for g := 0; g < l.group; g++ {
				w := mat.NewDense(outPerGroup, kdim, weight[g*outPerGroup*kdim:(g+1)*outPerGroup*kdim])
				c := mat.NewDense(kdim, spatial, col[g*kdim*spatial:(g+1)*kdim*spatial])
				dst := out[n*outDim+g*outPerGroup*spatial : n*outDim+(g+1)*outPerGroup*spatial]
				mat.NewDense(outPerGroup, spatial, dst).Mul(w, c)
			}
			if l.biasTerm {
				bias := l.blobs[1].Data()
				for o := 0; o < l.numOutput; o++ {
					row := out[n*outDim+o*spatial : n*outDim+(o+1)*spatial]
					floats.AddConst(bias[o], row)
				}
			}
		})
	}
	return nil
}

// Backward accumulates weight and bias diffs and computes bottom diffs.
func (l *Convolution) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	weight := l.blobs[0].Data()
	weightDiff := l.blobs[0].Diff()
	kdim := l.channels / l.group * l.geom.kernelH * l.geom.kernelW
	spatial := l.outH * l.outW
	outPerGroup := l.numOutput / l.group
	inDim := l.channels * l.height * l.width
	outDim := l.numOutput * spatial
	grad := mat.NewDense(outPerGroup, kdim, nil)
	colDiff := make([]float64, l.channels*l.geom.kernelH*l.geom.kernelW*spatial)

	for i := range top {
		topDiff, in := top[i].Diff(), bottom[i].Data()
		num := top[i].ShapeAt(0)
		for n := 0; n < num; n++ {
			tdiff := topDiff[n*outDim : (n+1)*outDim]
			if l.biasTerm {
				biasDiff := l.blobs[1].Diff()
				for o := 0; o < l.numOutput; o++ {
					biasDiff[o] += floats.Sum(tdiff[o*spatial : (o+1)*spatial])
				}
			}

			col := l.cols[n]
			// Forward may have run with a different bottom; recompute the columns.
			im2col(in[n*inDim:(n+1)*inDim], l.channels, l.height, l.width, l.geom, col)
			for g := 0; g < l.group; g++ {
				td := mat.NewDense(outPerGroup, spatial, tdiff[g*outPerGroup*spatial:(g+1)*outPerGroup*spatial])
				c := mat.NewDense(kdim, spatial, col[g*kdim*spatial:(g+1)*kdim*spatial])
				grad.Mul(td, c.T())
				wd := weightDiff[g*outPerGroup*kdim : (g+1)*outPerGroup*kdim]
				floats.Add(wd, grad.RawMatrix().Data)

				if propagateDown[i] {
					w := mat.NewDense(outPerGroup, kdim, weight[g*outPerGroup*kdim:(g+1)*outPerGroup*kdim])
					cd := mat.NewDense(kdim, spatial, colDiff[g*kdim*spatial:(g+1)*kdim*spatial])
					cd.Mul(w.T(), td)
				}
			}
			if propagateDown[i] {
				col2im(colDiff, l.channels, l.height, l.width, l.geom, bottom[i].Diff()[n*inDim:(n+1)*inDim])
			}
		}
	}
	return nil
}

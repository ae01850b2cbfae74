package layer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/solver/internal/blob"
)

func TestConvolution_OutputShape(t *testing.T) {
	l := build(t, `layer {
		name: 'conv' type: 'Convolution' bottom: 'data' top: 'conv'
		convolution_param {
			num_output: 11 kernel_size: 2 pad: 3
			weight_filler { type: 'gaussian' std: 1 }
			bias_filler { type: 'constant' value: 2 }
		}
	}`)
	bottom := []*blob.Blob{randomBlob(blob.Shape{5, 2, 3, 4}, -1, 1, 1)}
	top := tops(1)
	require.NoError(t, l.SetUp(bottom, top))

	assert.Equal(t, blob.Shape{5, 11, 8, 9}, top[0].Shape())
	require.Len(t, l.Blobs(), 2)
	assert.Equal(t, blob.Shape{11, 2, 2, 2}, l.Blobs()[0].Shape())
	assert.Equal(t, blob.Shape{11}, l.Blobs()[1].Shape())
	assert.Equal(t, 22.0, l.Blobs()[1].SumData())
}

func TestConvolution_KnownValues(t *testing.T) {
	l := build(t, `layer {
		name: 'conv' type: 'Convolution' bottom: 'x' top: 'y'
		convolution_param {
			num_output: 1 kernel_size: 2
			weight_filler { type: 'constant' value: 1 }
			bias_filler { type: 'constant' value: 0.5 }
		}
	}`)
	bottom := []*blob.Blob{blobWith(blob.Shape{1, 1, 3, 3}, 1, 2, 3, 4, 5, 6, 7, 8, 9)}
	top := tops(1)
	require.NoError(t, l.SetUp(bottom, top))
	require.NoError(t, l.Forward(bottom, top))
	assert.Equal(t, []float64{12.5, 16.5, 24.5, 28.5}, top[0].Data())
}

func TestConvolution_PadKeepsSize(t *testing.T) {
	l := build(t, `layer {
		name: 'conv' type: 'Convolution' bottom: 'x' top: 'y'
		convolution_param { num_output: 1 kernel_size: 3 pad: 1 bias_term: false weight_filler { type: 'constant' value: 1 } }
	}`)
	bottom := []*blob.Blob{blobWith(blob.Shape{1, 1, 3, 3}, 1, 2, 3, 4, 5, 6, 7, 8, 9)}
	top := tops(1)
	require.NoError(t, l.SetUp(bottom, top))
	require.NoError(t, l.Forward(bottom, top))
	assert.Len(t, l.Blobs(), 1)
	assert.Equal(t, blob.Shape{1, 1, 3, 3}, top[0].Shape())
	assert.Equal(t, []float64{12, 21, 16, 27, 45, 33, 24, 39, 28}, top[0].Data())
}

func TestConvolution_Gradient(t *testing.T) {
	l := build(t, `layer {
		name: 'conv' type: 'Convolution' bottom: 'x' top: 'y'
		convolution_param {
			num_output: 4 group: 2 kernel_h: 2 kernel_w: 3 stride: 2 pad_h: 1 pad_w: 0
			weight_filler { type: 'gaussian' std: 0.5 }
			bias_filler { type: 'uniform' min: -1 max: 1 }
		}
	}`)
	bottom := []*blob.Blob{randomBlob(blob.Shape{2, 4, 5, 6}, -1, 1, 3)}
	top := tops(1)
	require.NoError(t, l.SetUp(bottom, top))
	assert.Equal(t, blob.Shape{2, 4, 3, 2}, top[0].Shape())
	checkGradients(t, l, bottom, top, 0)
}

func TestConvolution_EmptyBatch(t *testing.T) {
	l := build(t, `layer {
		name: 'conv' type: 'Convolution' bottom: 'x' top: 'y'
		convolution_param { num_output: 2 kernel_size: 2 weight_filler { type: 'constant' value: 1 } }
	}`)
	bottom := []*blob.Blob{blob.New(blob.Shape{0, 1, 3, 3})}
	top := tops(1)
	require.NoError(t, l.SetUp(bottom, top))
	assert.Equal(t, blob.Shape{0, 2, 2, 2}, top[0].Shape())

	require.NoError(t, l.Forward(bottom, top))
	assert.NotPanics(t, func() {
		require.NoError(t, l.Backward(top, []bool{true}, bottom))
	})
	assert.Zero(t, l.Blobs()[0].SumDiff())
}

func TestConvolution_Errors(t *testing.T) {
	for name, text := range map[string]string{
		"no num_output": `convolution_param { kernel_size: 2 }`,
		"no kernel":     `convolution_param { num_output: 2 }`,
		"bad group":     `convolution_param { num_output: 3 group: 2 kernel_size: 1 }`,
		"pad twice":     `convolution_param { num_output: 2 kernel_size: 1 pad: 1 pad_h: 1 }`,
		"zero stride":   `convolution_param { num_output: 2 kernel_size: 1 stride: 0 }`,
	} {
		t.Run(name, func(t *testing.T) {
			np := mustLayer(t, `layer { name: 'c' type: 'Convolution' `+text+` }`)
			_, err := New(testContext(t), np)
			assert.Error(t, err)
		})
	}
}

func TestConvolution_RejectsNon4D(t *testing.T) {
	l := build(t, `layer { name: 'c' type: 'Convolution' convolution_param { num_output: 1 kernel_size: 1 } }`)
	err := l.SetUp([]*blob.Blob{blob.New(blob.Shape{2, 3})}, tops(1))
	assert.Error(t, err)
}

func TestIm2colRoundTrip(t *testing.T) {
	// col2im(im2col(x)) multiplies each pixel by the number of windows covering it.
	g := geometry{kernelH: 2, kernelW: 2, strideH: 1, strideW: 1, dilationH: 1, dilationW: 1}
	img := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1}
	col := make([]float64, 4*4)
	im2col(img, 1, 3, 3, g, col)
	out := make([]float64, 9)
	col2im(col, 1, 3, 3, g, out)
	assert.Equal(t, []float64{1, 2, 1, 2, 4, 2, 1, 2, 1}, out)
}

func TestInnerProduct_KnownValues(t *testing.T) {
	l := build(t, `layer {
		name: 'ip' type: 'InnerProduct' bottom: 'x' top: 'y'
		inner_product_param { num_output: 2 weight_filler { type: 'constant' value: 1 } bias_filler { type: 'constant' value: -3 } }
	}`)
	bottom := []*blob.Blob{blobWith(blob.Shape{2, 1, 1, 3}, 1, 2, 3, 4, 5, 6)}
	top := tops(1)
	require.NoError(t, l.SetUp(bottom, top))
	require.NoError(t, l.Forward(bottom, top))
	assert.Equal(t, blob.Shape{2, 2}, top[0].Shape())
	assert.Equal(t, []float64{3, 3, 12, 12}, top[0].Data())
	assert.Equal(t, blob.Shape{2, 3}, l.Blobs()[0].Shape())
}

func TestInnerProduct_Gradient(t *testing.T) {
	l := build(t, `layer {
		name: 'ip' type: 'InnerProduct' bottom: 'x' top: 'y'
		inner_product_param { num_output: 13 weight_filler { type: 'gaussian' std: 2.5 } bias_filler { type: 'constant' value: -3 } }
	}`)
	bottom := []*blob.Blob{randomBlob(blob.Shape{5, 11, 2, 2}, -1, 1, 5)}
	top := tops(1)
	require.NoError(t, l.SetUp(bottom, top))
	checkGradients(t, l, bottom, top, 0)
}

func TestInnerProduct_ReshapeRejectsNewWidth(t *testing.T) {
	l := build(t, `layer { name: 'ip' type: 'InnerProduct' inner_product_param { num_output: 2 } }`)
	bottom := []*blob.Blob{blob.New(blob.Shape{2, 3})}
	top := tops(1)
	require.NoError(t, l.SetUp(bottom, top))

	bottom[0].Reshape(blob.Shape{4, 3})
	require.NoError(t, l.Reshape(bottom, top))
	assert.Equal(t, blob.Shape{4, 2}, top[0].Shape())

	bottom[0].Reshape(blob.Shape{2, 4})
	assert.Error(t, l.Reshape(bottom, top))
}

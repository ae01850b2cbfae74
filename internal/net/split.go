package net

import (
	"fmt"

	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/prototxt"
)

// producer identifies one top of one layer.
type producer struct {
	layer, top int
}

func splitLayerName(blobName, layerName string, top int) string {
	return fmt.Sprintf("%s_%s_%d_split", blobName, layerName, top)
}

func splitBlobName(blobName, layerName string, top, index int) string {
	return fmt.Sprintf("%s_%s_%d_split_%d", blobName, layerName, top, index)
}

// insertSplits routes every top consumed more than once through a Split
// layer, one split output per consumer. Without it each consumer's Backward
// would overwrite the diff the previous one wrote. A top with a loss weight
// counts as one more consumer: split output 0 takes over the weight and the
// producer's own weight for that top drops to zero.
//
// layers must be owned by the caller; bottoms and loss weights are rewritten
// in place. weights holds the loss weight of every top of every layer. The
// returned weights line up with the returned layers.
func insertSplits(layers []*config.LayerParameter, weights [][]float64) ([]*config.LayerParameter, [][]float64) {
	latest := make(map[string]producer)
	consumers := make(map[producer]int)
	for i, lp := range layers {
		for _, b := range lp.Bottom {
			if p, ok := latest[b]; ok {
				consumers[p]++
			}
		}
		for j, t := range lp.Top {
			p := producer{i, j}
			latest[t] = p
			if weights[i][j] != 0 {
				consumers[p]++
			}
		}
	}

	out := make([]*config.LayerParameter, 0, len(layers))
	outWeights := make([][]float64, 0, len(layers))
	handed := make(map[producer]int)
	latest = make(map[string]producer)
	for i, lp := range layers {
		for k, b := range lp.Bottom {
			p, ok := latest[b]
			if !ok || consumers[p] < 2 {
				continue
			}
			lp.Bottom[k] = splitBlobName(b, layers[p.layer].Name, p.top, handed[p])
			handed[p]++
		}
		out = append(out, lp)
		outWeights = append(outWeights, weights[i])

		for j, t := range lp.Top {
			p := producer{i, j}
			latest[t] = p
			n := consumers[p]
			if n < 2 {
				continue
			}
			split := &config.LayerParameter{
				Name:   splitLayerName(t, lp.Name, j),
				Type:   "Split",
				Bottom: []string{t},
				Raw:    &prototxt.Message{},
			}
			for k := 0; k < n; k++ {
				split.Top = append(split.Top, splitBlobName(t, lp.Name, j, k))
			}
			splitWeights := make([]float64, n)
			if w := weights[i][j]; w != 0 {
				splitWeights[0] = w
				split.LossWeight = append([]float64(nil), splitWeights...)
				weights[i][j] = 0
				if len(lp.LossWeight) > j {
					lp.LossWeight[j] = 0
				}
				handed[p] = 1
			}
			out = append(out, split)
			outWeights = append(outWeights, splitWeights)
		}
	}
	return out, outWeights
}

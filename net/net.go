// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package net provides the public API for layered networks built from
// prototxt definitions.
//
// Example:
//
//	ctx, _ := solver.NewContext(solver.WithSeed(1))
//	n, err := net.Load(ctx, "deploy.prototxt", net.Test)
//	if err != nil {
//	    return err
//	}
//	if err := n.CopyTrainedLayersFrom("model_iter_1000.caffemodel"); err != nil {
//	    return err
//	}
//	loss, err := n.Forward()
package net

import (
	"github.com/born-ml/solver/internal/config"
	"github.com/born-ml/solver/internal/engine"
	"github.com/born-ml/solver/internal/layer"
	"github.com/born-ml/solver/internal/net"
)

// Net is an ordered set of layers wired by named blobs.
type Net = net.Net

// Definition is a parsed net prototxt.
type Definition = config.NetParameter

// Layer is one computation step of a net.
type Layer = layer.Layer

// Phase selects which layers of a definition are instantiated.
type Phase = config.Phase

// Phases.
const (
	Train Phase = config.Train
	Test  Phase = config.Test
)

// ErrNotFound is returned by lookups of unknown layers and blobs.
var ErrNotFound = net.ErrNotFound

// New builds a net from a parsed definition.
func New(ctx *engine.Context, def *Definition, phase Phase) (*Net, error) {
	return net.New(ctx, def, phase)
}

// Load builds a net from a prototxt file.
func Load(ctx *engine.Context, path string, phase Phase) (*Net, error) {
	return net.Load(ctx, path, phase)
}

// Parse parses a net definition from prototxt text.
func Parse(text string) (*Definition, error) {
	return config.ParseNet(text)
}

// LayerTypes lists the registered layer types.
func LayerTypes() []string {
	return layer.Types()
}

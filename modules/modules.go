/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package modules implements module descriptions: pure values describing a computation
// over tensors plus its declared parameter schema.
//
// A module never owns weights. Weights live in a separate weights.Weights tree, passed
// explicitly to every Apply call and produced by Init -- so a module value extracted
// from a composite carries no hidden reference to the weights it was trained with, and a
// composite built from it uses exactly the weight tree it is given.
package modules

import (
	"math/rand/v2"

	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Interface implemented by module descriptions.
//
// All three methods are given the input shape (or an input tensor): a module infers its
// parameter shapes from it, so the same Dense value can be reused over inputs with
// different feature sizes -- each use gets its own weights.
type Interface interface {
	// Schema returns the parameter schema of the module for the given input shape, and
	// the output shape of the computation. The schema is a tree of shapes with the same
	// structure the weight trees returned by Init will have.
	Schema(input shapes.Shape) (schema *weights.Schema, output shapes.Shape)

	// Init creates a freshly initialized weight tree for the given input shape, drawing
	// from the given random number generator. Deterministic given the generator state.
	Init(rng *rand.Rand, input shapes.Shape) *weights.Weights

	// Apply runs the computation over the input, using the given weights. The weights
	// must match the module's schema for the input's shape.
	Apply(w *weights.Weights, x *tensors.Tensor) *tensors.Tensor
}

// InitSeeded creates the weight tree for the module deterministically from the given
// seed: the same seed, module, and input shape always produce the same values.
func InitSeeded(m Interface, seed uint64, input shapes.Shape) *weights.Weights {
	return m.Init(rand.New(rand.NewPCG(seed, 0x646e)), input)
}

// Validate checks that the weight tree matches the module's declared parameter schema
// for the given input shape: every leaf path present, every shape equal. It must pass
// before the module can be applied.
func Validate(m Interface, w *weights.Weights, input shapes.Shape) error {
	schema, _ := m.Schema(input)
	if err := weights.CheckSchema(w, schema); err != nil {
		return errors.WithMessagef(err, "weights do not fit the module (for input %s)", input)
	}
	return nil
}

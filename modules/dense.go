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

package modules

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/finetune/internal/tmath"
	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Parameter names used by Dense, following the naming of GoMLX dense layers.
const (
	WeightsName = "weights"
	BiasesName  = "biases"
)

// Dense is a single dense linear layer: x@W (+ bias) (+ activation). A pure
// description: create it with NewDense, configure with the setters, and it is ready to
// be used as a module -- weights are created separately with Init.
type Dense struct {
	features   int
	useBias    bool
	activation string
}

// NewDense creates a dense layer description with the given number of output features.
// By default it has a bias term and no activation.
func NewDense(features int) *Dense {
	return &Dense{features: features, useBias: true}
}

// UseBias configures whether the layer adds a learned bias. Default is true.
func (d *Dense) UseBias(useBias bool) *Dense {
	d.useBias = useBias
	return d
}

// WithActivation sets the activation applied after the linear transformation: "relu",
// "tanh" or "" for none (the default).
func (d *Dense) WithActivation(activation string) *Dense {
	switch activation {
	case "", "relu", "tanh":
	default:
		exceptions.Panicf("Dense: unknown activation %q, valid values are \"relu\", \"tanh\" or \"\"", activation)
	}
	d.activation = activation
	return d
}

// Features returns the configured number of output features.
func (d *Dense) Features() int { return d.features }

func (d *Dense) inputFeatures(input shapes.Shape) int {
	if input.Rank() != 2 {
		exceptions.Panicf("Dense requires rank-2 [batch, features] inputs, got %s", input)
	}
	return input.Dim(1)
}

// Schema implements modules.Interface.
func (d *Dense) Schema(input shapes.Shape) (*weights.Schema, shapes.Shape) {
	in := d.inputFeatures(input)
	schema := weights.Branch[shapes.Shape]()
	_ = schema.Set(WeightsName, shapes.Make(input.DType, in, d.features))
	if d.useBias {
		_ = schema.Set(BiasesName, shapes.Make(input.DType, d.features))
	}
	return schema, shapes.Make(input.DType, input.Dim(0), d.features)
}

// Init implements modules.Interface: Glorot-uniform weights, zero biases.
func (d *Dense) Init(rng *rand.Rand, input shapes.Shape) *weights.Weights {
	in := d.inputFeatures(input)
	w := weights.Branch[*tensors.Tensor]()
	kernel := tensors.FromShape(shapes.Make(input.DType, in, d.features))
	limit := math.Sqrt(6.0 / float64(in+d.features))
	tmath.UnaryFloat(kernel,
		func(flat []float32) { glorotFill(flat, rng, limit) },
		func(flat []float64) { glorotFill(flat, rng, limit) })
	_ = w.Set(WeightsName, kernel)
	if d.useBias {
		_ = w.Set(BiasesName, tensors.FromShape(shapes.Make(input.DType, d.features)))
	}
	return w
}

func glorotFill[T tmath.Float](flat []T, rng *rand.Rand, limit float64) {
	for i := range flat {
		flat[i] = T((rng.Float64()*2 - 1) * limit)
	}
}

// Apply implements modules.Interface.
func (d *Dense) Apply(w *weights.Weights, x *tensors.Tensor) *tensors.Tensor {
	in := d.inputFeatures(x.Shape())
	batch := x.Shape().Dim(0)
	kernel, err := w.Get(WeightsName)
	if err != nil {
		exceptions.Panicf("Dense.Apply: weight tree has no %q parameter: %v", WeightsName, err)
	}
	wantKernel := shapes.Make(x.DType(), in, d.features)
	if !kernel.Shape().Equal(wantKernel) {
		exceptions.Panicf("Dense.Apply: %q has shape %s, want %s for input %s",
			WeightsName, kernel.Shape(), wantKernel, x.Shape())
	}

	output := tensors.FromShape(shapes.Make(x.DType(), batch, d.features))
	tmath.UnaryFloat(output,
		func(dst []float32) { denseApplyFlat(dst, d, x, kernel, w, batch, in) },
		func(dst []float64) { denseApplyFlat(dst, d, x, kernel, w, batch, in) })
	return output
}

func denseApplyFlat[T tmath.Float](dst []T, d *Dense, x, kernel *tensors.Tensor, w *weights.Weights, batch, in int) {
	tensors.ConstFlatData(x, func(xFlat []T) {
		tensors.ConstFlatData(kernel, func(kFlat []T) {
			tmath.MatMul(dst, xFlat, kFlat, batch, in, d.features)
		})
	})
	if d.useBias {
		bias, err := w.Get(BiasesName)
		if err != nil {
			exceptions.Panicf("Dense.Apply: weight tree has no %q parameter: %v", BiasesName, err)
		}
		tensors.ConstFlatData(bias, func(bFlat []T) {
			tmath.AddBias(dst, bFlat, batch, d.features)
		})
	}
	switch d.activation {
	case "relu":
		tmath.ReluInPlace(dst)
	case "tanh":
		for i, v := range dst {
			dst[i] = T(math.Tanh(float64(v)))
		}
	}
}

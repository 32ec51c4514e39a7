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

// Package optimizers implements a collection of optimizer transforms over weight trees.
// They all implement optimizers.Interface.
//
// A transform is a pure update rule: given the current weights, the gradients, and the
// optimizer state, it returns new weights and a new state -- input trees are never
// mutated. Transforms can be composed per partition with Partitioned, so that different
// subsets of the parameters follow different update policies (see the partition
// package).
package optimizers

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/finetune/internal/tmath"
	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"golang.org/x/exp/maps"
)

// Interface implemented by optimizer transforms.
type Interface interface {
	// Init creates the optimizer state for the given weight tree. The state holds the
	// step counter and whatever per-parameter slots the transform needs (e.g. Adam's
	// moment estimates).
	Init(w *weights.Weights) *State

	// Update computes one training step: it returns the updated weights and the updated
	// state. It never mutates its inputs. The gradient tree must have the exact
	// structure and shapes of the weight tree -- a mismatch is a fatal configuration
	// error and panics.
	Update(w, grads *weights.Weights, state *State) (*weights.Weights, *State)
}

// KnownOptimizers is a map of known optimizers by name to their default constructors.
// This provides an easy quick start point for flags -- one can tune the transforms for
// usually slightly better results.
var KnownOptimizers = map[string]func() Interface{
	"sgd":   func() Interface { return StochasticGradientDescent() },
	"adam":  func() Interface { return Adam().Done() },
	"adamw": func() Interface { return Adam().WeightDecay(0.004).Done() },
	"null":  func() Interface { return Null() },
}

// ByName returns an optimizer transform given the name, or panics if one does not
// exist -- see KnownOptimizers in case one wants to better handle invalid values.
func ByName(name string) Interface {
	builder, found := KnownOptimizers[name]
	if !found {
		exceptions.Panicf("unknown optimizer %q, valid values are %v", name, maps.Keys(KnownOptimizers))
	}
	return builder()
}

// State holds the mutable part of an optimizer transform across steps: the step counter
// and the per-parameter slot tensors, keyed by parameter path. Update returns a new
// State value rather than mutating the previous one.
type State struct {
	// Step counts how many updates were applied. The first Update sees Step == 0 and
	// returns a state with Step == 1.
	Step int64

	// Slots are the per-parameter auxiliary tensors, keyed by parameter path (e.g.
	// Adam's first and second moments). Nil for stateless transforms.
	Slots map[string][]*tensors.Tensor

	// Partitions are the per-label sub-states, used only by Partitioned transforms.
	Partitions map[string]*State
}

// next returns a copy of the state with the step incremented and a fresh Slots map
// (sharing the slot tensors until they are individually replaced).
func (s *State) next() *State {
	newState := &State{Step: s.Step + 1}
	if s.Slots != nil {
		newState.Slots = make(map[string][]*tensors.Tensor, len(s.Slots))
		for p, slots := range s.Slots {
			newState.Slots[p] = slots
		}
	}
	return newState
}

// checkTrees panics if the gradient tree doesn't match the weight tree: same leaves,
// same shapes. Transforms call it before touching any value.
func checkTrees(w, grads *weights.Weights) {
	if diff := weights.FirstStructureDiff(w, grads); diff != "" {
		exceptions.Panicf("optimizers: gradient tree does not match weight tree: structure differs at %q", diff)
	}
	_ = w.EnumerateLeaves(func(p string, t *tensors.Tensor) error {
		g, _ := grads.Get(p)
		if !g.Shape().Equal(t.Shape()) {
			exceptions.Panicf("optimizers: gradient for %q has shape %s, but the parameter has shape %s",
				p, g.Shape(), t.Shape())
		}
		return nil
	})
}

// SgdDefaultLearningRate is the default learning rate used by the
// StochasticGradientDescent transform.
const SgdDefaultLearningRate = 0.1

// sgd implements Interface for plain gradient descent.
type sgd struct {
	learningRate float64
}

// StochasticGradientDescent creates a transform that performs SGD with the default
// learning rate. It has a decay of learning rate given by:
// `learning_rate = initial_learning_rate / Sqrt(step)`.
func StochasticGradientDescent() Interface {
	return &sgd{learningRate: SgdDefaultLearningRate}
}

// StochasticGradientDescentWithLearningRate is like StochasticGradientDescent with a
// custom initial learning rate.
func StochasticGradientDescentWithLearningRate(learningRate float64) Interface {
	return &sgd{learningRate: learningRate}
}

// Init implements optimizers.Interface. SGD needs no slots.
func (o *sgd) Init(_ *weights.Weights) *State {
	return &State{}
}

// Update implements optimizers.Interface.
func (o *sgd) Update(w, grads *weights.Weights, state *State) (*weights.Weights, *State) {
	checkTrees(w, grads)
	newState := state.next()
	lr := o.learningRate / math.Sqrt(float64(newState.Step)) // Factor step into the learning rate.
	newW := weights.Map(w, func(p string, t *tensors.Tensor) *tensors.Tensor {
		g, _ := grads.Get(p)
		updated := tensors.FromShape(t.Shape())
		tmath.UnaryFloat(updated,
			func(dst []float32) { sgdStepFlat(dst, t, g, float32(lr)) },
			func(dst []float64) { sgdStepFlat(dst, t, g, lr) })
		return updated
	})
	return newW, newState
}

func sgdStepFlat[T tmath.Float](dst []T, w, g *tensors.Tensor, lr T) {
	tensors.ConstFlatData(w, func(wFlat []T) {
		tensors.ConstFlatData(g, func(gFlat []T) {
			for i := range dst {
				dst[i] = wFlat[i] - lr*gFlat[i]
			}
		})
	})
}

// null is the zero-update transform: weights pass through unchanged.
type null struct{}

// Null creates a transform that never changes the weights, whatever the gradients. It is
// the transform used for frozen partitions.
func Null() Interface {
	return null{}
}

// Init implements optimizers.Interface.
func (null) Init(_ *weights.Weights) *State {
	return &State{}
}

// Update implements optimizers.Interface. The returned weight tree is the input one:
// no copy is needed since no value changes.
func (null) Update(w, grads *weights.Weights, state *State) (*weights.Weights, *State) {
	checkTrees(w, grads)
	return w, state.next()
}

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

// Package train bundles everything one training step needs: the module to apply, the
// current weight tree, and the composed optimizer transform with its state.
//
// The training loop itself stays outside: callers compute gradients however they like and
// hand them to State.Step, which applies the optimizer transform and swaps in the new
// weight tree and optimizer state.
package train

import (
	"github.com/gomlx/finetune/modules"
	"github.com/gomlx/finetune/optimizers"
	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// State is a training-state bundle: module, weights, optimizer and optimizer state.
// Create it with NewState (or the Transfer builder), then alternate gradient computation
// with State.Step.
type State struct {
	// Module describes the computation. It is a pure description: all its parameters live
	// in Weights.
	Module modules.Interface

	// Input is the input shape the weights were validated against.
	Input shapes.Shape

	// Weights is the current weight tree. Replaced (not mutated) by each Step.
	Weights *weights.Weights

	// Optimizer is the composed optimizer transform.
	Optimizer optimizers.Interface

	// OptState is the optimizer's current state. Replaced by each Step.
	OptState *optimizers.State
}

// NewState creates a training state for the module over the given weights. The weight
// tree is validated against the module's parameter schema for the input shape, and the
// optimizer state is freshly initialized.
func NewState(m modules.Interface, w *weights.Weights, opt optimizers.Interface, input shapes.Shape) (*State, error) {
	if err := modules.Validate(m, w, input); err != nil {
		return nil, errors.WithMessagef(err, "cannot create training state")
	}
	return &State{
		Module:    m,
		Input:     input,
		Weights:   w,
		Optimizer: opt,
		OptState:  opt.Init(w),
	}, nil
}

// Apply runs the module over x with the current weights.
func (s *State) Apply(x *tensors.Tensor) *tensors.Tensor {
	return s.Module.Apply(s.Weights, x)
}

// Step applies one optimizer update with the given gradients, replacing the weight tree
// and the optimizer state. The gradient tree must have the exact structure and shapes of
// the weight tree; a mismatch panics, as for any optimizer transform.
func (s *State) Step(grads *weights.Weights) {
	s.Weights, s.OptState = s.Optimizer.Update(s.Weights, grads, s.OptState)
}

// GlobalStep returns the number of optimizer updates applied so far.
func (s *State) GlobalStep() int64 {
	return s.OptState.Step
}

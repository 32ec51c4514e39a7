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

package optimizers

import (
	"math"

	"github.com/gomlx/finetune/internal/tmath"
	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// AdamDefaultLearningRate is used by Adam if no learning rate is set.
const AdamDefaultLearningRate = 0.001

// Adam optimization is a stochastic gradient descent method that is based on adaptive
// estimation of first-order and second-order moments. According to
// [Kingma et al., 2014](http://arxiv.org/abs/1412.6980), the method is
// "*computationally efficient, has little memory requirement, invariant to diagonal
// rescaling of gradients, and is well suited for problems that are large in terms of
// data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once
// configured, call Done, and it will return an optimizers.Interface.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamConfig holds the configuration for an Adam transform, created using Adam(), and
// once configured call Done to create the optimizers.Interface.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
}

// LearningRate sets the base learning rate. It defaults to AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (exponential decays). They default to
// 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configures Adam to use a L-infinity (== max, which gives the name) for the
// second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configures the transform to work as AdamW, with the given static weight
// decay. This is because L2 regularization doesn't work well with Adam.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done will finish the configuration and construct an optimizers.Interface that
// implements Adam to specification.
func (c *AdamConfig) Done() Interface {
	return &adam{config: c}
}

// adam implements the Adam algorithm as an optimizers.Interface.
type adam struct {
	config *AdamConfig
}

// Slot indices for Adam's per-parameter state.
const (
	adamSlotMoment1 = iota
	adamSlotMoment2
	adamNumSlots
)

// Init implements optimizers.Interface: zero-initialized 1st and 2nd moment estimates,
// one pair per parameter.
func (o *adam) Init(w *weights.Weights) *State {
	state := &State{Slots: make(map[string][]*tensors.Tensor, w.NumLeaves())}
	_ = w.EnumerateLeaves(func(p string, t *tensors.Tensor) error {
		slots := make([]*tensors.Tensor, adamNumSlots)
		for i := range slots {
			slots[i] = tensors.FromShape(t.Shape())
		}
		state.Slots[p] = slots
		return nil
	})
	return state
}

// Update implements optimizers.Interface.
func (o *adam) Update(w, grads *weights.Weights, state *State) (*weights.Weights, *State) {
	checkTrees(w, grads)
	newState := state.next()
	step := float64(newState.Step)
	// Bias corrections for the moment estimates.
	debias1 := 1.0 / (1.0 - math.Pow(o.config.beta1, step))
	debias2 := 1.0 / (1.0 - math.Pow(o.config.beta2, step))

	newW := weights.Map(w, func(p string, t *tensors.Tensor) *tensors.Tensor {
		g, _ := grads.Get(p)
		oldSlots := state.Slots[p]
		newSlots := make([]*tensors.Tensor, adamNumSlots)
		for i := range newSlots {
			newSlots[i] = tensors.FromShape(t.Shape())
		}
		updated := tensors.FromShape(t.Shape())
		tmath.UnaryFloat(updated,
			func(dst []float32) {
				adamStepFlat(dst, t, g, oldSlots, newSlots, o.config, float32(debias1), float32(debias2))
			},
			func(dst []float64) {
				adamStepFlat(dst, t, g, oldSlots, newSlots, o.config, debias1, debias2)
			})
		newState.Slots[p] = newSlots
		return updated
	})
	return newW, newState
}

func adamStepFlat[T tmath.Float](dst []T, w, g *tensors.Tensor, oldSlots, newSlots []*tensors.Tensor,
	config *AdamConfig, debias1, debias2 T) {
	beta1, beta2 := T(config.beta1), T(config.beta2)
	lr, epsilon := T(config.learningRate), T(config.epsilon)
	weightDecay := T(config.weightDecay)
	tensors.ConstFlatData(w, func(wFlat []T) {
		tensors.ConstFlatData(g, func(gFlat []T) {
			tensors.ConstFlatData(oldSlots[adamSlotMoment1], func(m1Old []T) {
				tensors.ConstFlatData(oldSlots[adamSlotMoment2], func(m2Old []T) {
					tensors.MutableFlatData(newSlots[adamSlotMoment1], func(m1 []T) {
						tensors.MutableFlatData(newSlots[adamSlotMoment2], func(m2 []T) {
							for i := range dst {
								m1[i] = beta1*m1Old[i] + (1-beta1)*gFlat[i]
								var denominator T
								if config.adamax {
									// L-infinity norm of the gradients, no debiasing.
									m2[i] = max(beta2*m2Old[i], abs(gFlat[i]))
									denominator = m2[i] + epsilon
								} else {
									m2[i] = beta2*m2Old[i] + (1-beta2)*gFlat[i]*gFlat[i]
									denominator = T(math.Sqrt(float64(m2[i]*debias2))) + epsilon
								}
								step := lr * (m1[i] * debias1) / denominator
								if weightDecay > 0 {
									step += lr * weightDecay * wFlat[i]
								}
								dst[i] = wFlat[i] - step
							}
						})
					})
				})
			})
		})
	})
}

func abs[T tmath.Float](v T) T {
	if v < 0 {
		return -v
	}
	return v
}

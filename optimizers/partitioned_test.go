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
	"testing"

	"github.com/gomlx/finetune/partition"
	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferWeights(t *testing.T) (w, grads *weights.Weights) {
	w = weights.Branch[*tensors.Tensor]()
	require.NoError(t, w.Set("/backbone/embeddings/kernel", tensors.FromValue([]float64{1, 2})))
	require.NoError(t, w.Set("/head/kernel", tensors.FromValue([]float64{3, 4})))
	grads = weights.Branch[*tensors.Tensor]()
	// Nonzero gradients everywhere, frozen partition included.
	require.NoError(t, grads.Set("/backbone/embeddings/kernel", tensors.FromValue([]float64{5, -5})))
	require.NoError(t, grads.Set("/head/kernel", tensors.FromValue([]float64{0.5, -0.5})))
	return
}

func TestPartitionedFreezesBackbone(t *testing.T) {
	w, grads := transferWeights(t)
	labels := partition.Tag(w, partition.FreezeBackbone())
	opt := Partitioned(map[string]Interface{
		partition.Frozen:    Null(),
		partition.Trainable: Adam().Done(),
	}, labels)
	state := opt.Init(w)
	require.NotNil(t, state.Partitions[partition.Frozen])
	require.NotNil(t, state.Partitions[partition.Trainable])

	newW, newState := opt.Update(w, grads, state)
	assert.EqualValues(t, 1, newState.Step)
	assert.True(t, weights.EqualStructure(w, newW))

	// Frozen parameters keep their exact values despite the nonzero gradient.
	assert.Equal(t, []float64{1, 2}, leafValues(t, newW, "/backbone/embeddings/kernel"))

	// Trainable parameters moved against the gradient, per the Adam update rule.
	head := leafValues(t, newW, "/head/kernel")
	assert.Less(t, head[0], 3.0)
	assert.Greater(t, head[1], 4.0)

	// Adam slots exist only for the trainable slice.
	assert.Contains(t, newState.Partitions[partition.Trainable].Slots, "/head/kernel")
	assert.Empty(t, newState.Partitions[partition.Frozen].Slots)
}

func TestPartitionedSeveralSteps(t *testing.T) {
	w, grads := transferWeights(t)
	labels := partition.Tag(w, partition.FreezeBackbone())
	opt := Partitioned(map[string]Interface{
		partition.Frozen:    Null(),
		partition.Trainable: StochasticGradientDescentWithLearningRate(0.1),
	}, labels)
	state := opt.Init(w)
	for range 3 {
		w, state = opt.Update(w, grads, state)
	}
	assert.EqualValues(t, 3, state.Step)
	assert.Equal(t, []float64{1, 2}, leafValues(t, w, "/backbone/embeddings/kernel"))
	assert.NotEqual(t, []float64{3, 4}, leafValues(t, w, "/head/kernel"))
}

func TestPartitionedUnregisteredLabelPanics(t *testing.T) {
	w, _ := transferWeights(t)
	labels := partition.Tag(w, partition.FreezeBackbone())
	// "frozen" appears in the label tree but only "trainable" is registered: this must
	// fail at composition time, before any update runs.
	assert.Panics(t, func() {
		Partitioned(map[string]Interface{partition.Trainable: Adam().Done()}, labels)
	})
}

func TestPartitionedExtraRegisteredLabelIsFine(t *testing.T) {
	w, grads := transferWeights(t)
	labels := partition.Tag(w, partition.FreezeBackbone())
	opt := Partitioned(map[string]Interface{
		partition.Frozen:    Null(),
		partition.Trainable: StochasticGradientDescent(),
		"unused":            Adam().Done(),
	}, labels)
	state := opt.Init(w)
	_, newState := opt.Update(w, grads, state)
	// No sub-state is created for labels that never appear in the tree.
	assert.NotContains(t, newState.Partitions, "unused")
}

func TestPartitionedLabelStructureMismatchPanics(t *testing.T) {
	w, grads := transferWeights(t)
	otherW := weights.Branch[*tensors.Tensor]()
	require.NoError(t, otherW.Set("/elsewhere/kernel", tensors.FromValue([]float64{1})))
	labels := partition.Tag(otherW, partition.FreezeBackbone())
	opt := Partitioned(map[string]Interface{
		partition.Frozen:    Null(),
		partition.Trainable: Null(),
	}, labels)
	assert.Panics(t, func() { opt.Init(w) })
	assert.Panics(t, func() {
		opt.Update(w, grads, &State{Partitions: map[string]*State{}})
	})
}

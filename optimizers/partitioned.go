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
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"golang.org/x/exp/maps"
)

// partitioned dispatches the update of each parameter to the transform registered for
// its partition label.
type partitioned struct {
	transforms map[string]Interface
	labels     *weights.Labels

	// usedLabels are the distinct labels present in the label tree, sorted.
	usedLabels []string
}

// Partitioned combines one transform per partition label into a single transform: when
// applied to a (weights, gradients) pair, each parameter's update uses the transform
// registered for its label in the label tree.
//
// Every label appearing in the label tree must have a registered transform: an
// unregistered label is a fatal configuration error and panics immediately, before any
// update runs. Labels registered but unused are fine.
//
// The label tree must have the identical structure as the weight trees later passed to
// Init and Update: one label per parameter.
func Partitioned(transforms map[string]Interface, labels *weights.Labels) Interface {
	seen := make(map[string]bool)
	_ = labels.EnumerateLeaves(func(p string, label string) error {
		if _, registered := transforms[label]; !registered {
			known := maps.Keys(transforms)
			sort.Strings(known)
			exceptions.Panicf("optimizers.Partitioned: parameter %q is labeled %q, but no transform is "+
				"registered for that label -- registered labels are %v", p, label, known)
		}
		seen[label] = true
		return nil
	})
	usedLabels := maps.Keys(seen)
	sort.Strings(usedLabels)
	return &partitioned{
		transforms: transforms,
		labels:     labels,
		usedLabels: usedLabels,
	}
}

// checkLabels panics if the weight tree doesn't have the exact structure of the label
// tree.
func (o *partitioned) checkLabels(w *weights.Weights) {
	if diff := weights.FirstStructureDiff(w, o.labels); diff != "" {
		exceptions.Panicf("optimizers.Partitioned: weight tree does not match the label tree: structure "+
			"differs at %q", diff)
	}
}

// filterByLabel returns the sub-tree of w with only the parameters carrying the given
// label.
func (o *partitioned) filterByLabel(w *weights.Weights, label string) *weights.Weights {
	return weights.Filter(w, func(p string, _ *tensors.Tensor) bool {
		leafLabel, _ := o.labels.Get(p)
		return leafLabel == label
	})
}

// Init implements optimizers.Interface: one sub-state per partition, each created by the
// partition's transform over its slice of the parameters.
func (o *partitioned) Init(w *weights.Weights) *State {
	o.checkLabels(w)
	state := &State{Partitions: make(map[string]*State, len(o.usedLabels))}
	for _, label := range o.usedLabels {
		state.Partitions[label] = o.transforms[label].Init(o.filterByLabel(w, label))
	}
	return state
}

// Update implements optimizers.Interface: it splits weights and gradients by label,
// lets each partition's transform update its own slice, and merges the slices back into
// a full tree.
func (o *partitioned) Update(w, grads *weights.Weights, state *State) (*weights.Weights, *State) {
	checkTrees(w, grads)
	o.checkLabels(w)
	newState := &State{
		Step:       state.Step + 1,
		Partitions: make(map[string]*State, len(o.usedLabels)),
	}
	var newW *weights.Weights
	for _, label := range o.usedLabels {
		partW := o.filterByLabel(w, label)
		partGrads := o.filterByLabel(grads, label)
		updatedPart, updatedState := o.transforms[label].Update(partW, partGrads, state.Partitions[label])
		newState.Partitions[label] = updatedState
		// Partitions are disjoint slices of the same tree, merging cannot conflict.
		newW = must.M1(weights.Merge(newW, updatedPart))
	}
	return newW, newState
}

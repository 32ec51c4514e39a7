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

// Package partition labels the parameters of a weight tree, so that different subsets
// ("partitions") can be given different update policies -- typically freezing a
// pretrained backbone while training a fresh head.
//
// A Rule maps a parameter path to a partition label. Tag evaluates the rule once per
// leaf and produces a label tree with the identical structure as the weights: exactly
// one label per parameter.
package partition

import (
	"sort"
	"strings"

	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Conventional partition labels. Any label string works, these are just the names used
// throughout this module's helpers and demos.
const (
	Frozen    = "frozen"
	Trainable = "trainable"
)

// Rule is a pure function from a parameter path (e.g. "/backbone/embeddings/kernel") to
// a partition label. It must be side effect free: the order of evaluation over the tree
// is unspecified.
type Rule func(p string) string

// Tag builds the label tree for the given weights: the same structure, with every
// parameter replaced by rule(path).
func Tag(w *weights.Weights, rule Rule) *weights.Labels {
	return weights.Map(w, func(p string, _ *tensors.Tensor) string {
		return rule(p)
	})
}

// PathPrefix returns a Rule that labels a parameter insideLabel if its path starts with
// any of the given prefixes, and elsewhereLabel otherwise.
//
// Matching is on whole path elements, never on substrings: prefix "/backbone" matches
// "/backbone/kernel" but not "/backbone2/kernel", nor "/head/backbone" (a parameter that
// merely contains the word "backbone" somewhere in its path is not matched).
func PathPrefix(insideLabel, elsewhereLabel string, prefixes ...string) Rule {
	normalized := make([]string, len(prefixes))
	for ii, prefix := range prefixes {
		if !strings.HasPrefix(prefix, weights.Separator) {
			prefix = weights.Separator + prefix
		}
		normalized[ii] = strings.TrimSuffix(prefix, weights.Separator)
	}
	return func(p string) string {
		for _, prefix := range normalized {
			if p == prefix || strings.HasPrefix(p, prefix+weights.Separator) {
				return insideLabel
			}
		}
		return elsewhereLabel
	}
}

// FreezeBackbone is the usual transfer-learning rule: everything under "/backbone" is
// Frozen, everything else is Trainable.
func FreezeBackbone() Rule {
	return PathPrefix(Frozen, Trainable, "backbone")
}

// Labels returns the sorted set of distinct labels present in the label tree.
func Labels(labels *weights.Labels) []string {
	seen := make(map[string]bool)
	_ = labels.EnumerateLeaves(func(_ string, label string) error {
		seen[label] = true
		return nil
	})
	result := make([]string, 0, len(seen))
	for label := range seen {
		result = append(result, label)
	}
	sort.Strings(result)
	return result
}

// Count returns how many parameters (leaves) carry each label.
func Count(labels *weights.Labels) map[string]int {
	counts := make(map[string]int)
	_ = labels.EnumerateLeaves(func(_ string, label string) error {
		counts[label]++
		return nil
	})
	return counts
}

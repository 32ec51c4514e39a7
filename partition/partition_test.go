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

package partition

import (
	"testing"

	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildWeights(t *testing.T, paths ...string) *weights.Weights {
	w := weights.Branch[*tensors.Tensor]()
	for _, p := range paths {
		require.NoError(t, w.Set(p, tensors.FromShape(shapes.Make(dtypes.Float32, 2, 2))))
	}
	return w
}

func TestTagFreezeBackbone(t *testing.T) {
	w := buildWeights(t, "/backbone/embeddings/kernel", "/head/kernel")
	labels := Tag(w, FreezeBackbone())

	// Same structure: one label per parameter.
	assert.True(t, weights.EqualStructure(w, labels))

	label, err := labels.Get("/backbone/embeddings/kernel")
	require.NoError(t, err)
	assert.Equal(t, Frozen, label)
	label, err = labels.Get("/head/kernel")
	require.NoError(t, err)
	assert.Equal(t, Trainable, label)

	assert.Equal(t, []string{Frozen, Trainable}, Labels(labels))
	assert.Equal(t, map[string]int{Frozen: 1, Trainable: 1}, Count(labels))
}

func TestPathPrefixMatchesElementsNotSubstrings(t *testing.T) {
	rule := PathPrefix(Frozen, Trainable, "backbone")

	assert.Equal(t, Frozen, rule("/backbone/kernel"))
	assert.Equal(t, Frozen, rule("/backbone"))
	// Prefix matching is per path element, never substring matching.
	assert.Equal(t, Trainable, rule("/backbone2/kernel"))
	// A parameter named "backbone" outside the backbone is not matched either.
	assert.Equal(t, Trainable, rule("/head/backbone"))
}

func TestPathPrefixMultiplePrefixes(t *testing.T) {
	rule := PathPrefix("a", "rest", "/encoder", "decoder/embeddings")
	assert.Equal(t, "a", rule("/encoder/layer0/kernel"))
	assert.Equal(t, "a", rule("/decoder/embeddings/kernel"))
	assert.Equal(t, "rest", rule("/decoder/layer0/kernel"))
}

func TestTagIsTotal(t *testing.T) {
	w := buildWeights(t,
		"/backbone/a/kernel", "/backbone/a/bias", "/backbone/b/kernel",
		"/head/kernel", "/head/bias")
	labels := Tag(w, FreezeBackbone())
	assert.Equal(t, w.NumLeaves(), labels.NumLeaves())
	total := 0
	for _, n := range Count(labels) {
		total += n
	}
	assert.Equal(t, w.NumLeaves(), total)
}

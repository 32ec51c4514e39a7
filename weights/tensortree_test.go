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

package weights

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildWeights(t *testing.T, leaves map[string][]int) *Weights {
	w := Branch[*tensors.Tensor]()
	for p, dims := range leaves {
		require.NoError(t, w.Set(p, tensors.FromShape(shapes.Make(dtypes.Float32, dims...))))
	}
	return w
}

func TestSchemaOfAndCheckSchema(t *testing.T) {
	w := buildWeights(t, map[string][]int{
		"/backbone/embeddings/kernel": {4, 8},
		"/head/kernel":                {8, 2},
	})
	schema := SchemaOf(w)
	require.NoError(t, CheckSchema(w, schema))

	got, err := schema.Get("/head/kernel")
	require.NoError(t, err)
	assert.True(t, got.Equal(shapes.Make(dtypes.Float32, 8, 2)))

	// Wrong shape fails.
	w2 := buildWeights(t, map[string][]int{
		"/backbone/embeddings/kernel": {4, 8},
		"/head/kernel":                {8, 3},
	})
	err = CheckSchema(w2, schema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/head/kernel")

	// Missing leaf fails.
	w3 := buildWeights(t, map[string][]int{
		"/backbone/embeddings/kernel": {4, 8},
	})
	assert.Error(t, CheckSchema(w3, schema))
}

func TestTransplant(t *testing.T) {
	full := buildWeights(t, map[string][]int{
		"/backbone/embeddings/kernel": {4, 8},
		"/head/kernel":                {8, 2},
	})
	pretrained := Branch[*tensors.Tensor]()
	require.NoError(t, pretrained.Set("/embeddings/kernel",
		tensors.FromScalarAndDimensions(float32(1), 4, 8)))

	result, err := Transplant(full, "/backbone", pretrained)
	require.NoError(t, err)

	// Same structure as before, but with the backbone values replaced.
	assert.True(t, EqualStructure(full, result))
	moved, err := result.Get("/backbone/embeddings/kernel")
	require.NoError(t, err)
	tensors.ConstFlatData(moved, func(flat []float32) {
		assert.Equal(t, float32(1), flat[0])
	})

	// Head untouched and shared with the original tree.
	origHead, err := full.SubTree("/head")
	require.NoError(t, err)
	newHead, err := result.SubTree("/head")
	require.NoError(t, err)
	assert.Same(t, origHead, newHead)

	// Original backbone values are untouched (still zero initialized).
	orig, err := full.Get("/backbone/embeddings/kernel")
	require.NoError(t, err)
	tensors.ConstFlatData(orig, func(flat []float32) {
		assert.Equal(t, float32(0), flat[0])
	})
}

func TestTransplantShapeMismatchFails(t *testing.T) {
	full := buildWeights(t, map[string][]int{
		"/backbone/kernel": {5, 5},
		"/head/kernel":     {5, 2},
	})
	wrongShape := buildWeights(t, map[string][]int{"/kernel": {3, 3}})
	_, err := Transplant(full, "/backbone", wrongShape)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(Float32)[3 3]")

	wrongStructure := buildWeights(t, map[string][]int{"/other": {5, 5}})
	_, err = Transplant(full, "/backbone", wrongStructure)
	assert.Error(t, err)
}

func TestExtractTransplantRoundTrip(t *testing.T) {
	full := buildWeights(t, map[string][]int{
		"/backbone/a/kernel": {3, 3},
		"/backbone/b/kernel": {3, 4},
		"/head/kernel":       {4, 2},
	})
	extracted, err := full.SubTree("/backbone")
	require.NoError(t, err)

	fresh := buildWeights(t, map[string][]int{
		"/backbone/a/kernel": {3, 3},
		"/backbone/b/kernel": {3, 4},
		"/head/kernel":       {4, 2},
	})
	result, err := Transplant(fresh, "/backbone", extracted)
	require.NoError(t, err)
	assert.True(t, EqualStructure(full, result))
}

func TestCloneAndDeepEqual(t *testing.T) {
	w := Branch[*tensors.Tensor]()
	require.NoError(t, w.Set("/a", tensors.FromValue([][]float32{{1, 2}, {3, 4}})))
	require.NoError(t, w.Set("/b/c", tensors.FromValue([]float64{1, 2, 3})))

	c := Clone(w)
	assert.True(t, DeepEqual(w, c))

	// Mutating the clone must not affect the original.
	leaf, err := c.Get("/a")
	require.NoError(t, err)
	tensors.MutableFlatData(leaf, func(flat []float32) {
		flat[0] = 100
	})
	assert.False(t, DeepEqual(w, c))
	orig, err := w.Get("/a")
	require.NoError(t, err)
	tensors.ConstFlatData(orig, func(flat []float32) {
		assert.Equal(t, float32(1), flat[0])
	})
}

func TestNumParametersAndMemory(t *testing.T) {
	w := buildWeights(t, map[string][]int{
		"/a": {2, 3},
		"/b": {5},
	})
	assert.Equal(t, 11, NumParameters(w))
	assert.Equal(t, uintptr(11*4), Memory(w))
}

func TestGobRoundTrip(t *testing.T) {
	w := Branch[*tensors.Tensor]()
	require.NoError(t, w.Set("/backbone/kernel", tensors.FromValue([][]float32{{1, 2}, {3, 4}})))
	require.NoError(t, w.Set("/head/bias", tensors.FromValue([]float64{0.5})))

	filePath := filepath.Join(t.TempDir(), "weights.bin")
	require.NoError(t, Save(w, filePath))
	loaded, err := Load(filePath)
	require.NoError(t, err)
	assert.True(t, DeepEqual(w, loaded))
}

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildIntTree(t *testing.T, leaves map[string]int) *Tree[int] {
	tree := Branch[int]()
	for p, v := range leaves {
		require.NoError(t, tree.Set(p, v))
	}
	return tree
}

func TestSetGet(t *testing.T) {
	tree := buildIntTree(t, map[string]int{
		"/backbone/embeddings/kernel": 1,
		"/backbone/embeddings/bias":   2,
		"/head/kernel":                3,
	})
	v, err := tree.Get("/backbone/embeddings/bias")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	// Path without leading separator also works.
	v, err = tree.Get("head/kernel")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err = tree.Get("/backbone/missing")
	assert.Error(t, err)
	_, err = tree.Get("/backbone/embeddings")
	assert.Error(t, err, "branch is not a leaf")

	// Setting across a leaf fails.
	assert.Error(t, tree.Set("/head/kernel/sub", 4))
}

func TestEnumerationIsSorted(t *testing.T) {
	tree := buildIntTree(t, map[string]int{
		"/b/z": 1,
		"/b/a": 2,
		"/a":   3,
		"/c/m": 4,
	})
	paths, values := tree.Flatten()
	assert.Equal(t, []string{"/a", "/b/a", "/b/z", "/c/m"}, paths)
	assert.Equal(t, []int{3, 2, 1, 4}, values)
	assert.Equal(t, 4, tree.NumLeaves())
}

func TestUnflatten(t *testing.T) {
	tree := buildIntTree(t, map[string]int{"/a": 1, "/b/c": 2})
	strTree := Unflatten(tree, []string{"one", "two"})
	paths, values := strTree.Flatten()
	assert.Equal(t, []string{"/a", "/b/c"}, paths)
	assert.Equal(t, []string{"one", "two"}, values)
	assert.Panics(t, func() { Unflatten(tree, []string{"only one"}) })
}

func TestMapKeepsStructure(t *testing.T) {
	tree := buildIntTree(t, map[string]int{"/a": 1, "/b/c": 2})
	doubled := Map(tree, func(_ string, v int) int { return 2 * v })
	assert.True(t, EqualStructure(tree, doubled))
	v, err := doubled.Get("/b/c")
	require.NoError(t, err)
	assert.Equal(t, 4, v)
	// Original untouched.
	v, err = tree.Get("/b/c")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestStructureDiff(t *testing.T) {
	a := buildIntTree(t, map[string]int{"/a": 1, "/b/c": 2})
	b := buildIntTree(t, map[string]int{"/a": 10, "/b/c": 20})
	assert.Equal(t, "", FirstStructureDiff(a, b))

	c := buildIntTree(t, map[string]int{"/a": 1, "/b/d": 2})
	assert.Equal(t, "/b/c", FirstStructureDiff(a, c))

	d := buildIntTree(t, map[string]int{"/a": 1, "/b/c": 2, "/extra": 3})
	assert.Equal(t, "/extra", FirstStructureDiff(a, d))
	assert.False(t, EqualStructure(a, d))
}

func TestReplacedSharesUntouchedSubtrees(t *testing.T) {
	tree := buildIntTree(t, map[string]int{
		"/backbone/kernel": 1,
		"/head/kernel":     2,
	})
	sub := buildIntTree(t, map[string]int{"/kernel": 100})
	replaced, err := tree.Replaced("/backbone", sub)
	require.NoError(t, err)

	v, err := replaced.Get("/backbone/kernel")
	require.NoError(t, err)
	assert.Equal(t, 100, v)

	// Original untouched.
	v, err = tree.Get("/backbone/kernel")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// The untouched "head" sub-tree is shared, not copied.
	origHead, err := tree.SubTree("/head")
	require.NoError(t, err)
	newHead, err := replaced.SubTree("/head")
	require.NoError(t, err)
	assert.Same(t, origHead, newHead)

	_, err = tree.Replaced("/nowhere", sub)
	assert.Error(t, err)
}

func TestFilterAndMerge(t *testing.T) {
	tree := buildIntTree(t, map[string]int{
		"/backbone/a": 1,
		"/backbone/b": 2,
		"/head/c":     3,
	})
	backboneOnly := Filter(tree, func(p string, _ int) bool {
		return p != "/head/c"
	})
	require.NotNil(t, backboneOnly)
	paths, _ := backboneOnly.Flatten()
	assert.Equal(t, []string{"/backbone/a", "/backbone/b"}, paths)

	headOnly := Filter(tree, func(p string, _ int) bool { return p == "/head/c" })
	require.NotNil(t, headOnly)

	nothing := Filter(tree, func(string, int) bool { return false })
	assert.Nil(t, nothing)

	merged, err := Merge(backboneOnly, headOnly)
	require.NoError(t, err)
	assert.True(t, EqualStructure(tree, merged))

	// Merging overlapping leaves is an error.
	_, err = Merge(tree, headOnly)
	assert.Error(t, err)
}

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

// Package weights implements the Tree generic container used to hold model parameters:
// an ordered, recursively nested mapping of names to values, where leaves are usually
// tensors (see the Weights alias), but can be any type -- label trees (Labels) and shape
// trees (Schema) share the same structure.
//
// Paths are "/"-separated sequences of names, always starting at the root: the parameter
// of a dense layer under the child "head" lives at "/head/weights". Enumeration order is
// deterministic: children are always visited in sorted name order.
//
// Trees are treated as immutable values: operations that change a tree (Transplant,
// Filter, Merge, Map) build a new tree, sharing the unchanged subtrees with the input.
package weights

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Separator is used between levels of a path. Names of tree branches cannot use this character.
const Separator = "/"

// Tree is a container that is either a leaf holding a value T, or a branch with named
// children, themselves sub-trees. The zero value is not valid: use Leaf or Branch to
// create one.
type Tree[T any] struct {
	leaf     T
	isLeaf   bool
	children map[string]*Tree[T]
}

// Leaf creates a new Tree that holds the single given value.
func Leaf[T any](value T) *Tree[T] {
	return &Tree[T]{leaf: value, isLeaf: true}
}

// Branch creates a new empty branch Tree.
func Branch[T any]() *Tree[T] {
	return &Tree[T]{children: make(map[string]*Tree[T])}
}

// IsLeaf returns whether the Tree is a leaf node.
func (t *Tree[T]) IsLeaf() bool { return t.isLeaf }

// Value returns the value stored in a leaf. It panics if the Tree is a branch.
func (t *Tree[T]) Value() T {
	if !t.isLeaf {
		panic(errors.Errorf("Tree[%T].Value() called on a branch with %d children", t.leaf, len(t.children)))
	}
	return t.leaf
}

// Children returns the sorted names of the children of a branch. It returns nil for a leaf.
func (t *Tree[T]) Children() []string {
	if t.isLeaf {
		return nil
	}
	names := make([]string, 0, len(t.children))
	for name := range t.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Child returns the child sub-tree with the given name, or nil if there is none (or if
// the Tree is a leaf).
func (t *Tree[T]) Child(name string) *Tree[T] {
	if t.isLeaf {
		return nil
	}
	return t.children[name]
}

// splitPath breaks a "/"-separated path into its elements. The leading separator is
// optional, and the empty path ("" or "/") refers to the root.
func splitPath(p string) ([]string, error) {
	p = strings.TrimPrefix(p, Separator)
	if p == "" {
		return nil, nil
	}
	parts := strings.Split(p, Separator)
	for _, part := range parts {
		if part == "" {
			return nil, errors.Errorf("invalid path %q: empty element", p)
		}
	}
	return parts, nil
}

// JoinPath creates a path from the given elements, prefixed with the Separator.
func JoinPath(elements ...string) string {
	return Separator + strings.Join(elements, Separator)
}

// Set stores a leaf value at the given path, creating intermediary branches as needed.
// It returns an error if the path crosses an existing leaf, or if the root itself is a
// leaf.
func (t *Tree[T]) Set(p string, value T) error {
	parts, err := splitPath(p)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return errors.Errorf("cannot Set() the root of a Tree, use Leaf() instead")
	}
	node := t
	for _, part := range parts[:len(parts)-1] {
		if node.isLeaf {
			return errors.Errorf("path %q crosses a leaf node at %q", p, part)
		}
		next := node.children[part]
		if next == nil {
			next = Branch[T]()
			node.children[part] = next
		}
		node = next
	}
	if node.isLeaf {
		return errors.Errorf("path %q crosses a leaf node", p)
	}
	node.children[parts[len(parts)-1]] = Leaf(value)
	return nil
}

// AttachSubTree stores the given sub-tree at the given path, creating intermediary
// branches as needed. The sub-tree is attached by reference, not copied. It returns an
// error if the path crosses an existing leaf or is already taken.
func (t *Tree[T]) AttachSubTree(p string, sub *Tree[T]) error {
	parts, err := splitPath(p)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return errors.Errorf("cannot AttachSubTree() at the root of a Tree")
	}
	node := t
	for _, part := range parts[:len(parts)-1] {
		if node.isLeaf {
			return errors.Errorf("path %q crosses a leaf node at %q", p, part)
		}
		next := node.children[part]
		if next == nil {
			next = Branch[T]()
			node.children[part] = next
		}
		node = next
	}
	if node.isLeaf {
		return errors.Errorf("path %q crosses a leaf node", p)
	}
	name := parts[len(parts)-1]
	if node.children[name] != nil {
		return errors.Errorf("path %q is already taken", p)
	}
	node.children[name] = sub
	return nil
}

// Get returns the leaf value at the given path. It returns an error if the path does not
// exist or points to a branch.
func (t *Tree[T]) Get(p string) (value T, err error) {
	sub := t.find(p)
	if sub == nil {
		err = errors.Errorf("path %q not found in tree", p)
		return
	}
	if !sub.isLeaf {
		err = errors.Errorf("path %q is a branch, not a leaf", p)
		return
	}
	return sub.leaf, nil
}

// SubTree returns the sub-tree rooted at the given path, or an error if the path does
// not exist. The returned sub-tree is shared with the original, not copied.
func (t *Tree[T]) SubTree(p string) (*Tree[T], error) {
	sub := t.find(p)
	if sub == nil {
		return nil, errors.Errorf("path %q not found in tree", p)
	}
	return sub, nil
}

func (t *Tree[T]) find(p string) *Tree[T] {
	parts, err := splitPath(p)
	if err != nil {
		return nil
	}
	node := t
	for _, part := range parts {
		if node.isLeaf {
			return nil
		}
		node = node.children[part]
		if node == nil {
			return nil
		}
	}
	return node
}

// EnumerateLeaves calls fn for every leaf of the tree, with its full path, in
// deterministic (sorted) order. If fn returns an error, enumeration stops immediately,
// and the error is returned.
func (t *Tree[T]) EnumerateLeaves(fn func(p string, value T) error) error {
	return t.enumerate(nil, fn)
}

func (t *Tree[T]) enumerate(prefix []string, fn func(p string, value T) error) error {
	if t.isLeaf {
		return fn(JoinPath(prefix...), t.leaf)
	}
	for _, name := range t.Children() {
		if err := t.children[name].enumerate(append(prefix, name), fn); err != nil {
			return err
		}
	}
	return nil
}

// NumLeaves returns the number of leaves of the tree.
func (t *Tree[T]) NumLeaves() int {
	if t.isLeaf {
		return 1
	}
	count := 0
	for _, child := range t.children {
		count += child.NumLeaves()
	}
	return count
}

// Flatten returns the leaf paths and values, in the deterministic enumeration order.
// The returned slices are newly allocated, but the values are shared with the tree.
func (t *Tree[T]) Flatten() (paths []string, values []T) {
	_ = t.EnumerateLeaves(func(p string, value T) error {
		paths = append(paths, p)
		values = append(values, value)
		return nil
	})
	return
}

// Unflatten builds a new Tree with the same structure as the given one, but with the
// leaves replaced, in enumeration order, by the given flat values. It panics if the
// number of values doesn't match the number of leaves.
func Unflatten[T1, T2 any](structure *Tree[T1], flat []T2) *Tree[T2] {
	if n := structure.NumLeaves(); n != len(flat) {
		panic(errors.Errorf("Unflatten: tree has %d leaves, but %d values were given", n, len(flat)))
	}
	idx := 0
	return unflattenRecursive(structure, flat, &idx)
}

func unflattenRecursive[T1, T2 any](structure *Tree[T1], flat []T2, idx *int) *Tree[T2] {
	if structure.isLeaf {
		leaf := Leaf(flat[*idx])
		*idx++
		return leaf
	}
	branch := Branch[T2]()
	for _, name := range structure.Children() {
		branch.children[name] = unflattenRecursive(structure.children[name], flat, idx)
	}
	return branch
}

// Map builds a new Tree with the same structure, with every leaf replaced by
// fn(path, leaf).
func Map[T1, T2 any](t *Tree[T1], fn func(p string, value T1) T2) *Tree[T2] {
	return mapRecursive(t, nil, fn)
}

func mapRecursive[T1, T2 any](t *Tree[T1], prefix []string, fn func(p string, value T1) T2) *Tree[T2] {
	if t.isLeaf {
		return Leaf(fn(JoinPath(prefix...), t.leaf))
	}
	branch := Branch[T2]()
	for _, name := range t.Children() {
		branch.children[name] = mapRecursive(t.children[name], append(prefix, name), fn)
	}
	return branch
}

// EqualStructure returns whether the two trees have the same set of leaf paths,
// regardless of leaf values.
func EqualStructure[T1, T2 any](a *Tree[T1], b *Tree[T2]) bool {
	return FirstStructureDiff(a, b) == ""
}

// FirstStructureDiff returns the path of the first structural difference between the two
// trees, or "" if they have the same structure. Useful for error reporting.
func FirstStructureDiff[T1, T2 any](a *Tree[T1], b *Tree[T2]) string {
	return structureDiffRecursive(a, b, nil)
}

func structureDiffRecursive[T1, T2 any](a *Tree[T1], b *Tree[T2], prefix []string) string {
	if a.isLeaf != b.isLeaf {
		return JoinPath(prefix...)
	}
	if a.isLeaf {
		return ""
	}
	namesA, namesB := a.Children(), b.Children()
	seen := make(map[string]bool, len(namesA))
	for _, name := range namesA {
		seen[name] = true
		other := b.children[name]
		if other == nil {
			return JoinPath(append(prefix, name)...)
		}
		if diff := structureDiffRecursive(a.children[name], other, append(prefix, name)); diff != "" {
			return diff
		}
	}
	for _, name := range namesB {
		if !seen[name] {
			return JoinPath(append(prefix, name)...)
		}
	}
	return ""
}

// Replaced returns a new tree with the sub-tree at the given path replaced by the given
// one. The new tree shares every unchanged sub-tree with the original (structural
// sharing); the original is left untouched.
//
// No structure check is performed here -- see Transplant for the checked version used to
// move pretrained weights.
func (t *Tree[T]) Replaced(p string, sub *Tree[T]) (*Tree[T], error) {
	parts, err := splitPath(p)
	if err != nil {
		return nil, err
	}
	return replaceRecursive(t, parts, sub)
}

func replaceRecursive[T any](t *Tree[T], parts []string, sub *Tree[T]) (*Tree[T], error) {
	if len(parts) == 0 {
		return sub, nil
	}
	if t.isLeaf {
		return nil, errors.Errorf("path element %q crosses a leaf node", parts[0])
	}
	child := t.children[parts[0]]
	if child == nil {
		return nil, errors.Errorf("path element %q not found in tree", parts[0])
	}
	newChild, err := replaceRecursive(child, parts[1:], sub)
	if err != nil {
		return nil, err
	}
	branch := Branch[T]()
	for name, c := range t.children {
		branch.children[name] = c
	}
	branch.children[parts[0]] = newChild
	return branch, nil
}

// Filter returns a new tree with only the leaves for which keep(path, value) is true.
// Branches left without any leaf are dropped. It returns nil if no leaf is kept.
// Kept leaves are shared with the original tree.
func Filter[T any](t *Tree[T], keep func(p string, value T) bool) *Tree[T] {
	return filterRecursive(t, nil, keep)
}

func filterRecursive[T any](t *Tree[T], prefix []string, keep func(p string, value T) bool) *Tree[T] {
	if t.isLeaf {
		if keep(JoinPath(prefix...), t.leaf) {
			return t
		}
		return nil
	}
	branch := Branch[T]()
	for _, name := range t.Children() {
		if kept := filterRecursive(t.children[name], append(prefix, name), keep); kept != nil {
			branch.children[name] = kept
		}
	}
	if len(branch.children) == 0 {
		return nil
	}
	return branch
}

// Merge returns a new tree with the union of the leaves of a and b. Leaves present in
// both must not conflict: b's leaves win only where a has none, otherwise it is an
// error. Either argument can be nil.
func Merge[T any](a, b *Tree[T]) (*Tree[T], error) {
	return mergeRecursive(a, b, nil)
}

func mergeRecursive[T any](a, b *Tree[T], prefix []string) (*Tree[T], error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	if a.isLeaf || b.isLeaf {
		return nil, errors.Errorf("Merge: conflicting leaf at %q", JoinPath(prefix...))
	}
	branch := Branch[T]()
	for name, child := range a.children {
		branch.children[name] = child
	}
	for name, child := range b.children {
		merged, err := mergeRecursive(branch.children[name], child, append(prefix, name))
		if err != nil {
			return nil, err
		}
		branch.children[name] = merged
	}
	return branch, nil
}

// String returns a multi-line human-readable listing of the tree leaves.
func (t *Tree[T]) String() string {
	var sb strings.Builder
	_ = t.EnumerateLeaves(func(p string, value T) error {
		_, _ = fmt.Fprintf(&sb, "%s: %v\n", p, value)
		return nil
	})
	return sb.String()
}

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
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Weights is a Tree whose leaves are tensors: the learnable parameters of a model.
type Weights = Tree[*tensors.Tensor]

// Labels is a Tree whose leaves are partition label strings. A Labels tree is only valid
// relative to a Weights tree of the identical structure -- one label per parameter.
type Labels = Tree[string]

// Schema is a Tree whose leaves are the expected shapes of the parameters of a module,
// independent of any actual values.
type Schema = Tree[shapes.Shape]

// SchemaOf returns the Schema of the given weights: same structure, with each leaf
// replaced by its tensor's shape.
func SchemaOf(w *Weights) *Schema {
	return Map(w, func(_ string, t *tensors.Tensor) shapes.Shape {
		return t.Shape()
	})
}

// CheckSchema verifies that the weights match the given schema exactly: same leaf paths
// and, per leaf, same shape (dtype included). It returns a descriptive error on the first
// mismatch found.
func CheckSchema(w *Weights, schema *Schema) error {
	if diff := FirstStructureDiff(w, schema); diff != "" {
		return errors.Errorf("weights do not match schema: structure differs at %q", diff)
	}
	var firstErr error
	_ = w.EnumerateLeaves(func(p string, t *tensors.Tensor) error {
		want, _ := schema.Get(p)
		if !t.Shape().Equal(want) {
			firstErr = errors.Errorf("weights do not match schema: %q has shape %s, want %s",
				p, t.Shape(), want)
			return firstErr
		}
		return nil
	})
	return firstErr
}

// Transplant returns a new weights tree with the sub-tree at the given path structurally
// replaced by the given pretrained sub-tree. The destination is left untouched, and
// unchanged sub-trees are shared.
//
// The pretrained sub-tree must match the shape of the sub-tree it replaces exactly: the
// same paths and, per parameter, the same tensor shape. A mismatch is a configuration
// error and fails immediately -- values are never coerced or partially copied.
func Transplant(dst *Weights, p string, pretrained *Weights) (*Weights, error) {
	target, err := dst.SubTree(p)
	if err != nil {
		return nil, errors.WithMessagef(err, "Transplant: destination %q", p)
	}
	if diff := FirstStructureDiff(target, pretrained); diff != "" {
		return nil, errors.Errorf("Transplant: pretrained tree does not match destination %q: structure differs at %q",
			p, diff)
	}
	var shapeErr error
	_ = target.EnumerateLeaves(func(leafPath string, t *tensors.Tensor) error {
		src, _ := pretrained.Get(leafPath)
		if !src.Shape().Equal(t.Shape()) {
			shapeErr = errors.Errorf("Transplant: parameter %q has shape %s, but destination %q expects %s",
				leafPath, src.Shape(), p, t.Shape())
			return shapeErr
		}
		return nil
	})
	if shapeErr != nil {
		return nil, shapeErr
	}
	return dst.Replaced(p, pretrained)
}

// NumParameters returns the total number of scalar values held by all leaves.
func NumParameters(w *Weights) int {
	total := 0
	_ = w.EnumerateLeaves(func(_ string, t *tensors.Tensor) error {
		total += t.Size()
		return nil
	})
	return total
}

// Memory returns an estimate of the bytes used by all leaves.
func Memory(w *Weights) uintptr {
	var total uintptr
	_ = w.EnumerateLeaves(func(_ string, t *tensors.Tensor) error {
		total += t.Memory()
		return nil
	})
	return total
}

// Clone returns a deep copy of the weights: same structure, with every tensor copied.
func Clone(w *Weights) *Weights {
	return Map(w, func(_ string, t *tensors.Tensor) *tensors.Tensor {
		return must.M1(t.LocalClone())
	})
}

// DeepEqual returns whether the two weight trees have the same structure and exactly
// equal tensor values.
func DeepEqual(a, b *Weights) bool {
	if !EqualStructure(a, b) {
		return false
	}
	equal := true
	_ = a.EnumerateLeaves(func(p string, t *tensors.Tensor) error {
		other, _ := b.Get(p)
		if !t.Equal(other) {
			equal = false
			return errors.New("differs")
		}
		return nil
	})
	return equal
}

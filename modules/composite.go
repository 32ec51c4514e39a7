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

package modules

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NamedModule pairs a child module with the name of the sub-tree that holds its
// parameters.
type NamedModule struct {
	Name   string
	Module Interface
}

// Named is a convenience constructor for NamedModule.
func Named(name string, m Interface) NamedModule {
	return NamedModule{Name: name, Module: m}
}

// Composite is a module made of named children applied in sequence: the output of one
// child is the input of the next. The parameters of each child live under the child's
// name in the weight tree, mirroring the nesting of the modules.
type Composite struct {
	children []NamedModule
}

// NewComposite creates a composite from the given children, applied in the given order.
// Names must be unique, non-empty and cannot contain the path separator.
func NewComposite(children ...NamedModule) *Composite {
	if len(children) == 0 {
		exceptions.Panicf("NewComposite requires at least one child module")
	}
	seen := make(map[string]bool, len(children))
	for _, child := range children {
		if child.Name == "" || strings.Contains(child.Name, weights.Separator) {
			exceptions.Panicf("NewComposite: invalid child name %q -- it cannot be empty nor contain %q",
				child.Name, weights.Separator)
		}
		if seen[child.Name] {
			exceptions.Panicf("NewComposite: duplicate child name %q", child.Name)
		}
		seen[child.Name] = true
	}
	return &Composite{children: children}
}

// NewSequential creates a composite with auto-generated child names "layer_0",
// "layer_1", etc.
func NewSequential(children ...Interface) *Composite {
	named := make([]NamedModule, len(children))
	for ii, child := range children {
		named[ii] = Named(layerName(ii), child)
	}
	return NewComposite(named...)
}

func layerName(ii int) string {
	// Zero-padded so that the sorted enumeration order of the weight tree matches the
	// application order.
	return fmt.Sprintf("layer_%03d", ii)
}

// ChildNames returns the children names, in application order.
func (c *Composite) ChildNames() []string {
	names := make([]string, len(c.children))
	for ii, child := range c.children {
		names[ii] = child.Name
	}
	return names
}

// Child returns the child module with the given name, or nil if there is none. The
// returned module is a plain description, sharing no weights with the composite: to
// reuse it with its trained parameters, separately extract the weight sub-tree (see
// Extract).
func (c *Composite) Child(name string) Interface {
	for _, child := range c.children {
		if child.Name == name {
			return child.Module
		}
	}
	return nil
}

// Schema implements modules.Interface.
func (c *Composite) Schema(input shapes.Shape) (*weights.Schema, shapes.Shape) {
	schema := weights.Branch[shapes.Shape]()
	current := input
	for _, child := range c.children {
		childSchema, output := child.Module.Schema(current)
		if err := schema.AttachSubTree(child.Name, childSchema); err != nil {
			exceptions.Panicf("Composite.Schema: %v", err)
		}
		current = output
	}
	return schema, current
}

// Init implements modules.Interface: children are initialized in application order, all
// drawing from the same generator, so the whole tree is deterministic given the seed.
func (c *Composite) Init(rng *rand.Rand, input shapes.Shape) *weights.Weights {
	w := weights.Branch[*tensors.Tensor]()
	current := input
	for _, child := range c.children {
		childW := child.Module.Init(rng, current)
		if err := w.AttachSubTree(child.Name, childW); err != nil {
			exceptions.Panicf("Composite.Init: %v", err)
		}
		_, current = child.Module.Schema(current)
	}
	return w
}

// Apply implements modules.Interface.
func (c *Composite) Apply(w *weights.Weights, x *tensors.Tensor) *tensors.Tensor {
	current := x
	for _, child := range c.children {
		childW, err := w.SubTree(weights.Separator + child.Name)
		if err != nil {
			exceptions.Panicf("Composite.Apply: weight tree has no sub-tree for child %q", child.Name)
		}
		current = child.Module.Apply(childW, current)
	}
	return current
}

// Extract returns the named child of the composite together with the weight sub-tree
// rooted at that child's path: the module value usable as a building block inside
// another composite, and the weights for explicit reattachment. The module carries no
// reference to the given weight tree.
func Extract(c *Composite, w *weights.Weights, name string) (Interface, *weights.Weights, error) {
	child := c.Child(name)
	if child == nil {
		return nil, nil, errors.Errorf("composite has no child named %q, children are %v", name, c.ChildNames())
	}
	sub, err := w.SubTree(weights.Separator + name)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "weight tree has no sub-tree for child %q", name)
	}
	return child, sub, nil
}

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

package train

import (
	"github.com/gomlx/finetune/modules"
	"github.com/gomlx/finetune/optimizers"
	"github.com/gomlx/finetune/partition"
	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// TransferConfig configures a transfer-learning setup. Create it with Transfer, set the
// required options, and call Done to get the training State.
type TransferConfig struct {
	backbone   modules.Interface
	pretrained *weights.Weights

	numClasses int
	input      shapes.Shape
	seed       uint64
	optimizer  optimizers.Interface

	trainBackbone bool
}

// Transfer starts the configuration of a transfer-learning training state: the given
// backbone module with pretrained weights, plus a freshly initialized classification
// head.
//
// Done runs the whole setup: it builds the classifier composite, initializes a new weight
// tree, transplants the pretrained weights into its backbone sub-tree, tags the tree into
// frozen/trainable partitions, and composes the per-partition optimizer.
//
// NumClasses and Input are required; the other options have defaults.
func Transfer(backbone modules.Interface, pretrained *weights.Weights) *TransferConfig {
	return &TransferConfig{
		backbone:   backbone,
		pretrained: pretrained,
	}
}

// NumClasses sets the number of output classes of the new classification head. Required.
func (c *TransferConfig) NumClasses(numClasses int) *TransferConfig {
	c.numClasses = numClasses
	return c
}

// Input sets the input shape the model will be applied to. Required.
func (c *TransferConfig) Input(input shapes.Shape) *TransferConfig {
	c.input = input
	return c
}

// Seed sets the seed used to initialize the new weight tree (in particular the head --
// the backbone values are replaced by the pretrained ones). Defaults to 0.
func (c *TransferConfig) Seed(seed uint64) *TransferConfig {
	c.seed = seed
	return c
}

// Optimizer sets the transform used for the trainable partition. Defaults to Adam.
func (c *TransferConfig) Optimizer(opt optimizers.Interface) *TransferConfig {
	c.optimizer = opt
	return c
}

// TrainBackbone makes the backbone trainable as well, instead of frozen (the default).
// The partition composition stays in place, with the same transform on both labels, so
// the partition summary still reports both groups.
func (c *TransferConfig) TrainBackbone() *TransferConfig {
	c.trainBackbone = true
	return c
}

// Done builds the training State. It returns an error if the configuration is incomplete
// or if the pretrained weights do not fit the backbone's parameter schema.
func (c *TransferConfig) Done() (*State, error) {
	if c.numClasses <= 0 {
		return nil, errors.Errorf("Transfer: NumClasses is required and must be positive, got %d", c.numClasses)
	}
	if !c.input.Ok() {
		return nil, errors.Errorf("Transfer: Input shape is required")
	}
	opt := c.optimizer
	if opt == nil {
		opt = optimizers.Adam().Done()
	}

	model := modules.NewClassifier(c.backbone, c.numClasses)
	w := modules.InitSeeded(model, c.seed, c.input)
	w, err := weights.Transplant(w, modules.BackboneName, c.pretrained)
	if err != nil {
		return nil, errors.WithMessagef(err, "Transfer: pretrained weights do not fit the backbone")
	}

	labels := partition.Tag(w, partition.FreezeBackbone())
	frozen := optimizers.Interface(optimizers.Null())
	if c.trainBackbone {
		frozen = opt
	}
	composed := optimizers.Partitioned(map[string]optimizers.Interface{
		partition.Frozen:    frozen,
		partition.Trainable: opt,
	}, labels)

	return NewState(model, w, composed, c.input)
}

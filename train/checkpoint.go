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
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/gomlx/finetune/modules"
	"github.com/gomlx/finetune/optimizers"
	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// CheckpointFileName is the name of the checkpoint file created by State.Save inside the
// given directory.
const CheckpointFileName = "checkpoint.bin"

// Save writes the weight tree and the optimizer state to dir (created if needed). The
// module and optimizer themselves are descriptions, not data: they are rebuilt by the
// caller and handed back to Load.
func (s *State) Save(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %q", dir)
	}
	filePath := filepath.Join(dir, CheckpointFileName)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint file %q", filePath)
	}
	encoder := gob.NewEncoder(f)
	if err = weights.GobSerialize(s.Weights, encoder); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "failed to write weights to checkpoint %q", filePath)
	}
	if err = s.OptState.GobSerialize(encoder); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "failed to write optimizer state to checkpoint %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close checkpoint file %q", filePath)
	}
	return nil
}

// Load reads a checkpoint written by State.Save and rebuilds the training state around
// it. The module and optimizer must be configured the same way they were when the
// checkpoint was saved -- the weight tree is validated against the module's schema.
func Load(dir string, m modules.Interface, opt optimizers.Interface, input shapes.Shape) (*State, error) {
	filePath := filepath.Join(dir, CheckpointFileName)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	decoder := gob.NewDecoder(f)
	w, err := weights.GobDeserialize(decoder)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read weights from checkpoint %q", filePath)
	}
	optState, err := optimizers.GobDeserializeState(decoder)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read optimizer state from checkpoint %q", filePath)
	}
	if err = modules.Validate(m, w, input); err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q does not fit the module", filePath)
	}
	return &State{
		Module:    m,
		Input:     input,
		Weights:   w,
		Optimizer: opt,
		OptState:  optState,
	}, nil
}

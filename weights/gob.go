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
	"encoding/gob"
	"os"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// GobSerialize writes the weights to the encoder: the flat list of leaf paths followed by
// the tensors, in enumeration order. The structure is fully recoverable from the paths.
func GobSerialize(w *Weights, encoder *gob.Encoder) error {
	paths, values := w.Flatten()
	if err := encoder.Encode(paths); err != nil {
		return errors.Wrapf(err, "failed to serialize weight tree paths")
	}
	for ii, t := range values {
		if err := t.GobSerialize(encoder); err != nil {
			return errors.WithMessagef(err, "failed to serialize parameter %q", paths[ii])
		}
	}
	return nil
}

// GobDeserialize reads a weights tree written by GobSerialize.
func GobDeserialize(decoder *gob.Decoder) (*Weights, error) {
	var paths []string
	if err := decoder.Decode(&paths); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize weight tree paths")
	}
	w := Branch[*tensors.Tensor]()
	for _, p := range paths {
		t, err := tensors.GobDeserialize(decoder)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to deserialize parameter %q", p)
		}
		if err = w.Set(p, t); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Save serializes the weights to the given file path, overwriting it if it exists.
func Save(w *Weights, filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed creating file %q to save weights", filePath)
	}
	if err = GobSerialize(w, gob.NewEncoder(f)); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed closing file %q", filePath)
	}
	return nil
}

// Load reads a weights tree saved with Save.
func Load(filePath string) (*Weights, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed opening file %q to load weights", filePath)
	}
	defer func() {
		_ = f.Close() // Discard reading error on Close.
	}()
	w, err := GobDeserialize(gob.NewDecoder(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed loading weights from %q", filePath)
	}
	return w, nil
}

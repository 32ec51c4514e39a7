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

package hub

import (
	"encoding/binary"
	"io"
	"iter"
	"slices"

	"github.com/goccy/go-json"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// NamedTensor represents a tensor and its name in a ".safetensors" file.
type NamedTensor struct {
	Name   string
	Tensor *tensors.Tensor
}

const safetensorsMetadataKey = "__metadata__"

type tensorMetadata struct {
	// Format is only present for the safetensorsMetadataKey ("__metadata__").
	Format string `json:"format"`

	DTypeName  string   `json:"dtype"`
	Dimensions []int    `json:"shape"`
	Offsets    []uint64 `json:"data_offsets"`

	// Name is filled later, with the key to the tensor.
	Name string `json:"-"`
}

// DType parses the dtype name into an actual dtype.
func (t *tensorMetadata) DType() dtypes.DType {
	dtype, found := dtypes.MapOfNames[t.DTypeName]
	if !found {
		dtype = dtypes.InvalidDType
	}
	return dtype
}

func (t *tensorMetadata) Shape() shapes.Shape {
	return shapes.Make(t.DType(), t.Dimensions...)
}

// scanSafetensors yields the tensors stored in a ".safetensors" stream, in the order
// they are laid out: an 8-byte little-endian metadata length, the json metadata, and the
// tensors' raw data, contiguous.
func scanSafetensors(r io.Reader) iter.Seq2[*NamedTensor, error] {
	return func(yield func(*NamedTensor, error) bool) {
		var metadataLenBuf [8]byte
		if _, err := io.ReadFull(r, metadataLenBuf[:]); err != nil {
			yield(nil, errors.Wrapf(err, "failed to read metadata length"))
			return
		}
		metadataLen := binary.LittleEndian.Uint64(metadataLenBuf[:])
		metadataBuf := make([]byte, metadataLen)
		if _, err := io.ReadFull(r, metadataBuf); err != nil {
			yield(nil, errors.Wrapf(err, "failed to read metadata"))
			return
		}
		var metadata map[string]*tensorMetadata
		if err := json.Unmarshal(metadataBuf, &metadata); err != nil {
			yield(nil, errors.Wrapf(err, "failed to parse json from metadata"))
			return
		}

		globalMetadata, found := metadata[safetensorsMetadataKey]
		if !found {
			yield(nil, errors.Errorf("unknown tensor format, expected in metadata[%q][\"format\"]",
				safetensorsMetadataKey))
			return
		}
		if globalMetadata.Format != "pt" {
			yield(nil, errors.Errorf("unsupported tensor format %q set in metadata[%q][\"format\"], only "+
				"supported format is \"pt\" (PyTorch)", globalMetadata.Format, safetensorsMetadataKey))
			return
		}

		// Sort tensors by their offsets -- and strip the global metadata.
		sortedMetadata := make([]*tensorMetadata, 0, len(metadata)-1)
		for tName, tData := range metadata {
			if tName == safetensorsMetadataKey {
				continue
			}
			tData.Name = tName
			if len(tData.Offsets) != 2 || tData.Offsets[1] <= tData.Offsets[0] {
				yield(nil, errors.Errorf("offset metadata[%q][\"data_offsets\"] invalid, "+
					"expected [start, end] but got %v instead", tData.Name, tData.Offsets))
				return
			}
			if tData.DType() == dtypes.InvalidDType {
				yield(nil, errors.Errorf("unsupported dtype %q in metadata[%q][\"dtype\"]",
					tData.DTypeName, tData.Name))
				return
			}
			size := uintptr(tData.Offsets[1] - tData.Offsets[0])
			if size != tData.Shape().Memory() {
				yield(nil, errors.Errorf("tensor shape %s is expected to require %d bytes, but "+
					"metadata[%q][\"data_offsets\"] reserves %d bytes",
					tData.Shape(), tData.Shape().Memory(), tData.Name, size))
				return
			}
			sortedMetadata = append(sortedMetadata, tData)
		}
		slices.SortFunc(sortedMetadata, func(a, b *tensorMetadata) int {
			if a.Offsets[0] < b.Offsets[0] {
				return -1
			}
			return 1
		})
		if len(sortedMetadata) == 0 {
			yield(nil, errors.New(".safetensors file seems not to hold any tensors, metadata was empty"))
			return
		}

		// Makes sure data is contiguous.
		var lastOffset uint64
		for _, tData := range sortedMetadata {
			if tData.Offsets[0] != lastOffset {
				yield(nil, errors.Errorf("offset for metadata[%q][\"data_offsets\"] not starting at 0 "+
					"or not contiguous: expected %d, got %d", tData.Name, lastOffset, tData.Offsets[0]))
				return
			}
			lastOffset = tData.Offsets[1]
		}

		// Read and yield tensors.
		for _, tData := range sortedMetadata {
			t := tensors.FromShape(tData.Shape())
			var readErr error
			t.MutableBytes(func(data []byte) {
				_, readErr = io.ReadFull(r, data)
			})
			if readErr != nil {
				yield(nil, errors.Wrapf(readErr, "tensor %q: failed to read data from .safetensors file",
					tData.Name))
				return
			}
			if !yield(&NamedTensor{tData.Name, t}, nil) {
				// Caller interrupted iterator.
				return
			}
		}
	}
}

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
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// NameSeparator separates the levels of a tensor name inside ".safetensors" files
// ("a.b.kernel"); LoadTree converts them to tree paths ("/a/b/kernel").
const NameSeparator = "."

// TensorPath converts a ".safetensors" tensor name to its weight tree path.
func TensorPath(name string) string {
	return weights.JoinPath(strings.Split(name, NameSeparator)...)
}

// LoadTree downloads the model files (if not yet local) and assembles all tensors from
// its ".safetensors" files into a single weight tree, keyed by their dotted names:
// tensor "a.b.kernel" becomes the leaf at "/a/b/kernel".
func (m *Model) LoadTree() (*weights.Weights, error) {
	w := weights.Branch[*tensors.Tensor]()
	count := 0
	for nt, err := range m.EnumerateTensors() {
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load weight tree for model %q", m.ID)
		}
		p := TensorPath(nt.Name)
		if err = w.Set(p, nt.Tensor); err != nil {
			return nil, errors.WithMessagef(err, "tensor %q maps to an invalid tree path %q", nt.Name, p)
		}
		count++
	}
	if count == 0 {
		return nil, errors.Errorf("model %q has no tensors in \".safetensors\" files", m.ID)
	}
	klog.V(1).Infof("hub: loaded %d tensors (%s) for model %q",
		count, humanize.Bytes(uint64(weights.Memory(w))), m.ID)
	return w, nil
}

// ConvertToFloat32 returns a tree with every Float16 and BFloat16 leaf converted to
// Float32 -- pretrained checkpoints commonly ship in half precision, while the host-side
// math here runs on 32 or 64 bits. Leaves already in another dtype are kept as is
// (shared, not copied).
func ConvertToFloat32(w *weights.Weights) *weights.Weights {
	return weights.Map(w, func(p string, t *tensors.Tensor) *tensors.Tensor {
		switch t.DType() {
		case dtypes.Float16:
			converted := tensors.FromShape(shapes.Make(dtypes.Float32, t.Shape().Dimensions...))
			tensors.ConstFlatData(t, func(from []float16.Float16) {
				tensors.MutableFlatData(converted, func(to []float32) {
					for i, v := range from {
						to[i] = v.Float32()
					}
				})
			})
			return converted
		case dtypes.BFloat16:
			converted := tensors.FromShape(shapes.Make(dtypes.Float32, t.Shape().Dimensions...))
			tensors.ConstFlatData(t, func(from []bfloat16.BFloat16) {
				tensors.MutableFlatData(converted, func(to []float32) {
					for i, v := range from {
						to[i] = v.Float32()
					}
				})
			})
			return converted
		default:
			return t
		}
	})
}

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

// Package tmath implements the host-side (pure Go) flat-data kernels used to apply
// modules and optimizer updates: plain loops over the tensors' flat data, generic over
// the supported float types.
package tmath

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Float are the dtypes supported by the host-side kernels.
type Float interface {
	float32 | float64
}

// MatMul computes dst = x @ w, with x of shape [batch, in], w of shape [in, out] and
// dst of shape [batch, out], all stored flat in row-major order.
func MatMul[T Float](dst, x, w []T, batch, in, out int) {
	for b := 0; b < batch; b++ {
		xRow := x[b*in : (b+1)*in]
		dstRow := dst[b*out : (b+1)*out]
		for o := range dstRow {
			dstRow[o] = 0
		}
		for i, xv := range xRow {
			if xv == 0 {
				continue
			}
			wRow := w[i*out : (i+1)*out]
			for o, wv := range wRow {
				dstRow[o] += xv * wv
			}
		}
	}
}

// AddBias adds the bias vector (length out) to every row of x (shape [batch, out]).
func AddBias[T Float](x, bias []T, batch, out int) {
	for b := 0; b < batch; b++ {
		row := x[b*out : (b+1)*out]
		for o := range row {
			row[o] += bias[o]
		}
	}
}

// ReluInPlace applies max(0, v) to every element.
func ReluInPlace[T Float](x []T) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// UnaryFloat applies the generic function fn to the tensor t, dispatching on its dtype.
// Only Float32 and Float64 tensors are supported; anything else panics, since it is a
// configuration error for this package's modules.
func UnaryFloat(t *tensors.Tensor, fn32 func(flat []float32), fn64 func(flat []float64)) {
	switch t.DType() {
	case dtypes.Float32:
		tensors.MutableFlatData(t, fn32)
	case dtypes.Float64:
		tensors.MutableFlatData(t, fn64)
	default:
		exceptions.Panicf("tmath: unsupported dtype %s, only Float32 and Float64 are supported", t.DType())
	}
}

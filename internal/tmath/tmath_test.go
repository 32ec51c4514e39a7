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

package tmath

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
)

func TestMatMul(t *testing.T) {
	// [2, 3] @ [3, 2] -> [2, 2]
	x := []float32{1, 2, 3, 4, 5, 6}
	w := []float32{1, 0, 0, 1, 1, 1}
	dst := make([]float32, 4)
	MatMul(dst, x, w, 2, 3, 2)
	assert.Equal(t, []float32{4, 5, 10, 11}, dst)
}

func TestAddBiasAndRelu(t *testing.T) {
	x := []float64{1, -2, 3, -4}
	AddBias(x, []float64{1, 1}, 2, 2)
	assert.Equal(t, []float64{2, -1, 4, -3}, x)
	ReluInPlace(x)
	assert.Equal(t, []float64{2, 0, 4, 0}, x)
}

func TestUnaryFloatDispatch(t *testing.T) {
	t32 := tensors.FromValue([]float32{-1, 2})
	UnaryFloat(t32, func(flat []float32) { ReluInPlace(flat) }, func(flat []float64) { ReluInPlace(flat) })
	tensors.ConstFlatData(t32, func(flat []float32) {
		assert.Equal(t, []float32{0, 2}, flat)
	})

	tInt := tensors.FromValue([]int32{1, 2})
	assert.Panics(t, func() {
		UnaryFloat(tInt, func([]float32) {}, func([]float64) {})
	})
}

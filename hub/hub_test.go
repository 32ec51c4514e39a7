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
	"bytes"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gomlx/finetune/modules"
	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// Short dtype names used by the ".safetensors" format.
var safetensorsDTypeNames = map[dtypes.DType]string{
	dtypes.Float16:  "F16",
	dtypes.BFloat16: "BF16",
	dtypes.Float32:  "F32",
	dtypes.Float64:  "F64",
}

// buildSafetensors serializes the given named tensors in the ".safetensors" layout:
// 8-byte little-endian metadata length, json metadata, contiguous raw data.
func buildSafetensors(t *testing.T, named []*NamedTensor) []byte {
	metadata := make(map[string]any, len(named)+1)
	metadata[safetensorsMetadataKey] = map[string]string{"format": "pt"}
	var offset uint64
	var data bytes.Buffer
	for _, nt := range named {
		size := uint64(nt.Tensor.Shape().Memory())
		metadata[nt.Name] = map[string]any{
			"dtype":        safetensorsDTypeNames[nt.Tensor.DType()],
			"shape":        nt.Tensor.Shape().Dimensions,
			"data_offsets": []uint64{offset, offset + size},
		}
		offset += size
		nt.Tensor.ConstBytes(func(raw []byte) {
			data.Write(raw)
		})
	}
	metadataJson, err := json.Marshal(metadata)
	require.NoError(t, err)

	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(metadataJson)))
	buf.Write(lenBuf[:])
	buf.Write(metadataJson)
	buf.Write(data.Bytes())
	return buf.Bytes()
}

func TestScanSafetensors(t *testing.T) {
	kernel := tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	bias := tensors.FromValue([]float32{-1, 0, 1})
	raw := buildSafetensors(t, []*NamedTensor{
		{Name: "backbone.weights", Tensor: kernel},
		{Name: "backbone.biases", Tensor: bias},
	})

	seen := make(map[string]*tensors.Tensor)
	for nt, err := range scanSafetensors(bytes.NewReader(raw)) {
		require.NoError(t, err)
		seen[nt.Name] = nt.Tensor
	}
	require.Len(t, seen, 2)
	assert.True(t, seen["backbone.weights"].Equal(kernel))
	assert.True(t, seen["backbone.biases"].Equal(bias))
}

func TestScanSafetensorsRejectsUnknownFormat(t *testing.T) {
	metadataJson, err := json.Marshal(map[string]any{
		safetensorsMetadataKey: map[string]string{"format": "npz"},
	})
	require.NoError(t, err)
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(metadataJson)))
	buf.Write(lenBuf[:])
	buf.Write(metadataJson)

	for _, err := range scanSafetensors(bytes.NewReader(buf.Bytes())) {
		require.ErrorContains(t, err, "unsupported tensor format")
		return
	}
	t.Fatal("scan of an unsupported format should have yielded an error")
}

func TestTensorPath(t *testing.T) {
	assert.Equal(t, "/a/b/kernel", TensorPath("a.b.kernel"))
	assert.Equal(t, "/weights", TensorPath("weights"))
}

// newTestHub serves a single model with the given files, checking the auth token when
// one is expected.
func newTestHub(t *testing.T, modelID, wantToken string, files map[string][]byte) *httptest.Server {
	names := make([]map[string]string, 0, len(files))
	for name := range files {
		names = append(names, map[string]string{"rfilename": name})
	}
	infoJson, err := json.Marshal(map[string]any{"id": modelID, "siblings": names})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/"+modelID, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(infoJson)
	})
	mux.HandleFunc("/"+modelID+"/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
		if wantToken != "" && r.Header.Get("Authorization") != "Bearer "+wantToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		name := r.URL.Path[len("/"+modelID+"/resolve/main/"):]
		content, found := files[name]
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(content)
	})
	return httptest.NewServer(mux)
}

func TestModelLoadTree(t *testing.T) {
	input := shapes.Make(dtypes.Float32, 2, 8)
	dense := modules.NewDense(4).UseBias(true)
	pretrained := modules.InitSeeded(dense, 17, input)
	kernel, err := pretrained.Get("/weights")
	require.NoError(t, err)
	bias, err := pretrained.Get("/biases")
	require.NoError(t, err)

	configJson, err := json.Marshal(map[string]any{
		"model_type":   "dense",
		"hidden_sizes": []int{4},
		"activation":   "",
	})
	require.NoError(t, err)

	const modelID = "testing/tiny-dense"
	const authToken = "hub-test-token"
	server := newTestHub(t, modelID, authToken, map[string][]byte{
		"model.safetensors": buildSafetensors(t, []*NamedTensor{
			{Name: "weights", Tensor: kernel},
			{Name: "biases", Tensor: bias},
		}),
		ConfigFile: configJson,
	})
	defer server.Close()

	model, err := New(modelID, authToken, t.TempDir())
	require.NoError(t, err)
	model.WithBaseURL(server.URL)
	model.Verbosity = 0

	tree, err := model.LoadTree()
	require.NoError(t, err)
	assert.True(t, weights.DeepEqual(tree, pretrained))

	// The architecture rebuilt from config.json accepts the downloaded tree.
	config, err := model.LoadConfig()
	require.NoError(t, err)
	module, err := config.Build()
	require.NoError(t, err)
	require.NoError(t, modules.Validate(module, tree, input))

	// A second load is served purely from the local copy.
	server.Close()
	model2, err := New(modelID, authToken, path.Dir(model.BaseDir))
	require.NoError(t, err)
	model2.WithBaseURL(server.URL)
	model2.Verbosity = 0
	tree2, err := model2.LoadTree()
	require.NoError(t, err)
	assert.True(t, weights.DeepEqual(tree2, pretrained))
}

func TestModelUnknownIDIsTerminal(t *testing.T) {
	server := newTestHub(t, "testing/exists", "", nil)
	defer server.Close()

	model, err := New("testing/no-such-model", "", t.TempDir())
	require.NoError(t, err)
	model.WithBaseURL(server.URL)
	model.Verbosity = 0

	err = model.DownloadInfo()
	require.Error(t, err)
	assert.Nil(t, model.Info)
}

func TestConfigBuild(t *testing.T) {
	config := &Config{ModelType: "mlp", HiddenSizes: []int{16, 8}, Activation: "relu"}
	module, err := config.Build()
	require.NoError(t, err)
	_, output := module.Schema(shapes.Make(dtypes.Float32, 1, 32))
	assert.True(t, output.Equal(shapes.Make(dtypes.Float32, 1, 8)))

	_, err = (&Config{ModelType: "transformer"}).Build()
	assert.ErrorContains(t, err, "unsupported model_type")
	_, err = (&Config{ModelType: "mlp", HiddenSizes: []int{8}, Activation: "gelu"}).Build()
	assert.ErrorContains(t, err, "unsupported activation")
	_, err = (&Config{ModelType: "dense", HiddenSizes: []int{4, 4}}).Build()
	assert.Error(t, err)
}

func TestConvertToFloat32(t *testing.T) {
	half := tensors.FromShape(shapes.Make(dtypes.Float16, 3))
	tensors.MutableFlatData(half, func(flat []float16.Float16) {
		flat[0] = float16.Fromfloat32(0.5)
		flat[1] = float16.Fromfloat32(-2)
		flat[2] = float16.Fromfloat32(0)
	})
	full := tensors.FromValue([]float32{1, 2})

	w := weights.Branch[*tensors.Tensor]()
	require.NoError(t, w.Set("/half", half))
	require.NoError(t, w.Set("/full", full))

	converted := ConvertToFloat32(w)
	leaf, err := converted.Get("/half")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, leaf.DType())
	tensors.ConstFlatData(leaf, func(flat []float32) {
		assert.Equal(t, []float32{0.5, -2, 0}, flat)
	})
	// Leaves already in float32 are shared, not copied.
	same, err := converted.Get("/full")
	require.NoError(t, err)
	assert.Same(t, full, same)
}

func TestDownloadFileIfMissing(t *testing.T) {
	content := []byte("hello tensors")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer server.Close()

	filePath := fmt.Sprintf("%s/sub/dir/file.bin", t.TempDir())
	require.NoError(t, DownloadFileIfMissing(server.URL, filePath, ""))
	assert.True(t, FileExists(filePath))

	// Wrong hash removes the file.
	err := ValidateChecksum(filePath, "0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
	assert.False(t, FileExists(filePath))
}

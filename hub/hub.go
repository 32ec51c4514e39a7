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

// Package hub provides a client to download pretrained models from a HuggingFace-style
// model hub, and to assemble their ".safetensors" files into weight trees.
//
// Example: download (only the first time) and load the weight tree of a model:
//
//	model := must.M1(hub.New("owner/model", authToken, "~/work/finetune"))
//	pretrained := must.M1(model.LoadTree())
//
// Network and model-identity failures are terminal: they are returned as errors and the
// caller is expected to give up on the model, not retry.
package hub

import (
	"fmt"
	"iter"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/gomlx/finetune/hub/downloader"
	"github.com/gomlx/gomlx/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultBaseURL is the hub every Model talks to unless overridden with WithBaseURL.
const DefaultBaseURL = "https://huggingface.co"

// Model is a reference to a model in the hub, and to its local copy under BaseDir.
type Model struct {
	// ID may include owner/model. E.g.: google/gemma-2-2b-it
	ID string

	// AuthToken is the authentication token to be used when downloading the files.
	AuthToken string

	// BaseDir is where the local copy of the model is stored.
	BaseDir string

	// BaseURL is the address of the hub. Defaults to DefaultBaseURL.
	BaseURL string

	// Verbosity: 0 for quiet operation; 1 for information about progress; 2 and higher
	// for debugging.
	Verbosity int

	// MaxParallelDownload indicates how many files to download at the same time.
	// Default is 20. If set to <= 0 it will download all files in parallel.
	// Set to 1 to make downloads sequential.
	MaxParallelDownload int

	// Info downloaded from the hub. It is only available after DownloadInfo is called.
	Info *Info
}

// New creates a reference to a hub model given its id.
//
// The id typically includes owner/model. E.g.: "google/gemma-2-2b-it".
//
// The authToken can be created in the hub site, in the profile settings page. A
// "read-only" token will do for most models. Leave empty if not using one (but some
// models can't be downloaded without it).
//
// The baseDir is suffixed with the model's id (after converting "/" to "_"), so the same
// baseDir can be used to hold different models. A leading "~" is expanded.
func New(id, authToken, baseDir string) (*Model, error) {
	baseDir = ReplaceTildeInDir(baseDir)
	if !path.IsAbs(baseDir) {
		workingDir, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrapf(err, "cannot find current working dir for hub.New() baseDir")
		}
		baseDir = path.Join(workingDir, baseDir)
	}
	baseDir = path.Join(baseDir, strings.Replace(id, "/", "_", -1))
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create base directory for model %q in %q", id, baseDir)
	}
	return &Model{
		ID:                  id,
		AuthToken:           authToken,
		BaseDir:             baseDir,
		BaseURL:             DefaultBaseURL,
		Verbosity:           1,
		MaxParallelDownload: 20,
	}, nil
}

// WithBaseURL points the model at a different hub address. Returns the model for
// chaining.
func (m *Model) WithBaseURL(baseURL string) *Model {
	m.BaseURL = strings.TrimSuffix(baseURL, "/")
	return m
}

// InfoFile is the file with the information about the model.
// The info about a model is fetched once and cached on this file, to prevent going to
// the network.
const InfoFile = "_info_.json"

// Info holds information about a hub model: the json served when hitting the URL
// <base>/api/models/<model_id>.
type Info struct {
	ID          string          `json:"id"`
	ModelID     string          `json:"model_id"`
	Author      string          `json:"author"`
	SHA         string          `json:"sha"`
	Tags        []string        `json:"tags"`
	Siblings    []*FileInfo     `json:"siblings"`
	SafeTensors SafeTensorsInfo `json:"safetensors"`
}

// FileInfo represents one of the model files, in the Info structure.
type FileInfo struct {
	Name string `json:"rfilename"`
}

// SafeTensorsInfo holds counts on the number of parameters of various dtypes.
type SafeTensorsInfo struct {
	Total int

	// Parameters maps dtype name to count.
	Parameters map[string]int
}

// DownloadInfo fetches the info structure about the model -- or reads it from disk if it
// is cached locally already. It sets Model.Info with the downloaded information if
// successful.
//
// An unknown model id or an unreachable hub is terminal: the error is returned and the
// model can't be used.
func (m *Model) DownloadInfo() error {
	if m.Info != nil {
		return nil
	}
	infoFilePath := path.Join(m.BaseDir, InfoFile)
	if !FileExists(infoFilePath) {
		klog.V(1).Infof("hub: downloading info for model %q from %s", m.ID, m.infoURL())
		if _, err := DownloadFile(m.infoURL(), infoFilePath, false); err != nil {
			return errors.WithMessagef(err, "failed to download info for model from %q", m.infoURL())
		}
	}
	infoJson, err := os.ReadFile(infoFilePath)
	if err != nil {
		return errors.Wrapf(err,
			"failed to read info for model from disk in %q -- remove the file if you want to have it re-downloaded",
			infoFilePath)
	}
	if err = json.Unmarshal(infoJson, &m.Info); err != nil {
		return errors.Wrapf(err, "failed to parse info for model in %q (downloaded from %q)",
			infoFilePath, m.infoURL())
	}
	return nil
}

// FileNameAndPath of a model file. Name is stored in the info "Siblings" field, and Path
// is the path in the local storage.
type FileNameAndPath struct {
	Name, Path string
}

// EnumerateFileNames loads the model info and lists the file names stored for the model.
// It doesn't download the files, only lists their relative name, and their local storage
// path.
//
// See Model.Download to actually download the files.
func (m *Model) EnumerateFileNames() iter.Seq2[FileNameAndPath, error] {
	err := m.DownloadInfo()
	if err != nil {
		return func(yield func(FileNameAndPath, error) bool) {
			yield(FileNameAndPath{}, err)
		}
	}
	return func(yield func(FileNameAndPath, error) bool) {
		for _, si := range m.Info.Siblings {
			fileName := si.Name
			if path.IsAbs(fileName) || strings.Contains(fileName, "..") {
				yield(FileNameAndPath{}, errors.Errorf(
					"model %q contains illegal file name %q -- it cannot be an absolute path, nor contain \"..\"",
					m.ID, fileName))
				return
			}
			filePath := path.Join(m.BaseDir, fileName)
			if !yield(FileNameAndPath{Name: fileName, Path: filePath}, nil) {
				return
			}
		}
	}
}

// Download first fetches the info about the model, with the list of files associated
// with the model, and then downloads any files not available locally yet -- files are
// downloaded to a ".downloading" suffix, and moved to the final destination once they
// finish downloading.
func (m *Model) Download() error {
	requireDownload := make([]string, 0, 10)
	for f, err := range m.EnumerateFileNames() {
		if err != nil {
			return err
		}
		if !FileExists(f.Path) {
			requireDownload = append(requireDownload, f.Name)
		}
	}
	if len(requireDownload) == 0 {
		return nil
	}

	mgr := downloader.New().WithAuthToken(m.AuthToken).MaxParallel(m.MaxParallelDownload)
	type downloadInfo struct {
		cancel *xsync.Latch
		bytes  int64
	}
	downloading := make(map[string]*downloadInfo, len(requireDownload))
	var downloadingMu sync.Mutex
	var wg sync.WaitGroup
	var allFilesBytes uint64
	numDownloadedFiles := 0
	var firstError error
	busyLoop := `-\|/`
	busyLoopPos := 0
	lastPrintTime := time.Now()

	for _, fileName := range requireDownload {
		wg.Add(1)
		filePath := path.Join(m.BaseDir, fileName)
		fileName := fileName
		downloadingMu.Lock()
		canceller := mgr.Download(m.fileURL(fileName), filePath+".downloading",
			func(downloadedBytes, totalBytes int64, finished bool, err error) {
				downloadingMu.Lock()
				defer downloadingMu.Unlock()

				if err == nil {
					if di := downloading[fileName]; di != nil {
						allFilesBytes += uint64(downloadedBytes - di.bytes)
						di.bytes = downloadedBytes
					}
				} else {
					if firstError == nil {
						firstError = err
					}
					for _, di := range downloading {
						di.cancel.Trigger()
					}
				}
				if finished {
					delete(downloading, fileName)
					numDownloadedFiles++
				}
				if m.Verbosity >= 1 && (finished || time.Since(lastPrintTime) > time.Second) {
					if firstError == nil {
						fmt.Printf("\rDownloaded %d/%d files %c %s downloaded    ",
							numDownloadedFiles, len(requireDownload), busyLoop[busyLoopPos],
							humanize.Bytes(allFilesBytes))
					} else {
						fmt.Printf("\rDownloaded %d/%d files: error - %v     ",
							numDownloadedFiles, len(requireDownload), firstError)
					}
					busyLoopPos = (busyLoopPos + 1) % len(busyLoop)
					lastPrintTime = time.Now()
				}
				if finished {
					if err == nil {
						if err = os.Rename(filePath+".downloading", filePath); err != nil && firstError == nil {
							firstError = errors.Wrapf(err, "failed to rename file %q", filePath)
							for _, di := range downloading {
								di.cancel.Trigger()
							}
						}
					}
					wg.Done()
				}
			})
		downloading[fileName] = &downloadInfo{cancel: canceller}
		downloadingMu.Unlock()
	}
	wg.Wait()
	if m.Verbosity >= 1 {
		fmt.Println()
	}
	return firstError
}

// EnumerateTensors returns an iterator over all the tensors stored in ".safetensors"
// files, with their associated names.
//
// It calls Download first, to make sure the files are already there.
func (m *Model) EnumerateTensors() iter.Seq2[*NamedTensor, error] {
	err := m.Download()
	if err != nil {
		return func(yield func(*NamedTensor, error) bool) {
			yield(nil, err)
		}
	}
	return func(yield func(*NamedTensor, error) bool) {
		for fInfo, err := range m.EnumerateFileNames() {
			if err != nil {
				yield(nil, err)
				return
			}
			if path.Ext(fInfo.Name) != ".safetensors" {
				continue
			}
			klog.V(2).Infof("hub: scanning tensors from %q", fInfo.Path)
			f, err := os.Open(fInfo.Path)
			if err != nil {
				yield(nil, errors.Wrapf(err, "failed to open %q", fInfo.Path))
				return
			}
			for tInfo, err := range scanSafetensors(f) {
				if err != nil {
					_ = f.Close()
					yield(nil, err)
					return
				}
				if !yield(tInfo, nil) {
					_ = f.Close()
					return
				}
			}
			_ = f.Close()
		}
	}
}

func (m *Model) infoURL() string {
	return fmt.Sprintf("%s/api/models/%s", m.BaseURL, m.ID)
}

func (m *Model) fileURL(fileName string) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", m.BaseURL, m.ID, fileName)
}

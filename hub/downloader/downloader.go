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

// Package downloader implements download in parallel of various URLs, with progress
// report callbacks.
package downloader

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/support/xsync"
	"github.com/pkg/errors"
)

// ProgressCallback is called as a download progresses.
//
// Args:
//   - totalBytes may be set to 0 if the total size is not yet known.
//   - finished is set to true when the download is finished. Indicates task is finished.
//   - err if there was an error, in which case the transfer was cancelled. In this case
//     finished is also set to true.
type ProgressCallback func(downloadedBytes, totalBytes int64, finished bool, err error)

// Manager handles parallel downloads, reporting back progress and errors.
type Manager struct {
	semaphore            *xsync.Semaphore
	authToken, userAgent string
}

// New creates a Manager that downloads files in parallel -- by default at most 20 at the
// same time.
func New() *Manager {
	return &Manager{semaphore: xsync.NewSemaphore(20)}
}

// MaxParallel indicates how many files to download at the same time. Default is 20.
// If set to <= 0 it will download all files in parallel.
// Set to 1 to make downloads sequential.
func (m *Manager) MaxParallel(n int) *Manager {
	m.semaphore.Resize(n)
	return m
}

// WithAuthToken sets the authentication token to use in the requests.
// It is passed in the header "Authorization" and prefixed with "Bearer ".
func (m *Manager) WithAuthToken(authToken string) *Manager {
	m.authToken = authToken
	return m
}

// WithUserAgent sets the user agent to use in the requests.
func (m *Manager) WithUserAgent(userAgent string) *Manager {
	m.userAgent = userAgent
	return m
}

// CancellationError is reported to the callback of downloads cancelled through their
// latch.
var CancellationError = errors.New("download cancelled")

// Download enqueues the given url to be downloaded to the given filePath.
// Progress is reported back by the given callback.
//
// The returned latch can be used to cancel the download, in which case the callback is
// called with a CancellationError.
func (m *Manager) Download(url string, filePath string, callback ProgressCallback) *xsync.Latch {
	canceller := xsync.NewLatch()
	go func() {
		m.semaphore.Acquire()
		defer m.semaphore.Release()

		err := os.MkdirAll(path.Dir(filePath), 0777)
		if err != nil && !os.IsExist(err) {
			callback(0, 0, true, errors.Wrapf(err, "failed to create directory %q", path.Dir(filePath)))
			return
		}
		file, err := os.Create(filePath)
		if err != nil {
			callback(0, 0, true, errors.Wrapf(err, "failed creating file %q", filePath))
			return
		}
		defer func() {
			if file != nil {
				_ = file.Close()
			}
		}()

		client := http.Client{
			CheckRedirect: func(r *http.Request, via []*http.Request) error {
				r.URL.Opaque = r.URL.Path
				return nil
			},
		}
		req, err := http.NewRequest("GET", url, nil)
		if err != nil {
			callback(0, 0, true, errors.Wrapf(err, "failed creating request for %q", url))
			return
		}
		if m.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+m.authToken)
		}
		if m.userAgent != "" {
			req.Header.Set("user-agent", m.userAgent)
		}
		resp, err := client.Do(req)
		if err != nil {
			callback(0, 0, true, errors.Wrapf(err, "failed downloading %q", url))
			return
		}
		if resp.StatusCode != http.StatusOK {
			callback(0, 0, true, fmt.Errorf("bad status code %d: %q", resp.StatusCode,
				resp.Header.Get("X-Error-Message")))
			return
		}

		contentLength := resp.ContentLength
		callback(0, contentLength, false, nil)
		const maxBufferSize = 1 * 1024 * 1024
		var buf [maxBufferSize]byte
		downloadedBytes := int64(0)
		for {
			if canceller.Test() {
				callback(downloadedBytes, contentLength, true, CancellationError)
				return
			}
			n, err := resp.Body.Read(buf[:])
			if err != nil && err != io.EOF {
				callback(downloadedBytes, contentLength, true, errors.Wrapf(err, "failed downloading %q", url))
				return
			}
			if err == io.EOF {
				break
			}
			wn, err := file.Write(buf[:n])
			if err != nil {
				callback(downloadedBytes, contentLength, true, errors.Wrapf(err, "failed writing %q to %q", url, filePath))
				return
			}
			if wn != n {
				callback(downloadedBytes, contentLength, true,
					errors.Errorf("failed writing %q to %q: not enough bytes written (wanted %d, wrote only %d)",
						url, filePath, n, wn))
				return
			}
			downloadedBytes += int64(n)
			callback(downloadedBytes, contentLength, false, nil)
		}
		err = file.Close()
		file = nil
		if err != nil {
			callback(downloadedBytes, contentLength, true, errors.Wrapf(err, "failed closing file %q", filePath))
			return
		}
		err = resp.Body.Close()
		if err != nil {
			callback(downloadedBytes, contentLength, true, errors.Wrapf(err, "failed closing connection to %q", url))
			return
		}
		callback(downloadedBytes, contentLength, true, nil)
	}()
	return canceller
}

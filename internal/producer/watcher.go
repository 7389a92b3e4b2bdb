// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package producer

import (
	"github.com/fsnotify/fsnotify"
)

// Watcher drives NotifySharedMemoryUpdate from filesystem write events on
// a producer's backing file, standing in for the explicit "shared memory
// changed" signal a real transport would deliver over IPC (out of scope
// here, see SPEC_FULL.md's External Interfaces section). fsnotify can
// only report that the file changed, not which pages, so every write
// event triggers a full-region scan; real-time precision is traded for
// not needing the transport at all.
type Watcher struct {
	fsw  *fsnotify.Watcher
	ep   *Endpoint
	done chan struct{}
}

// NewWatcher starts watching backingFilePath for writes.
func NewWatcher(ep *Endpoint, backingFilePath string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(backingFilePath); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{fsw: fsw, ep: ep, done: make(chan struct{})}, nil
}

// Run blocks, posting a full-region NotifySharedMemoryUpdate through
// post (the service task runner's Post) on every write event, until
// Close is called. Intended to run in its own goroutine; post is what
// keeps the actual registry mutation confined to the single task-runner
// goroutine per §5.
func (w *Watcher) Run(post func(func())) {
	pages := make([]int, w.ep.region.NumPages())
	for i := range pages {
		pages[i] = i
	}

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Write != 0 {
				post(func() { w.ep.NotifySharedMemoryUpdate(pages) })
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

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

package smb

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"
	"golang.org/x/exp/constraints"
	"golang.org/x/sys/unix"
)

// MinRegionPages and MaxRegionPages bound the number of pages a Region
// may carry: NewRegion rejects counts outside [16, 1024], and ClampPages
// clamps a hint into that range.
const (
	MinRegionPages = 16
	MaxRegionPages = 1024
)

// ClampPages rounds a hinted page count into [MinRegionPages,
// MaxRegionPages].
func ClampPages(hint int) int {
	return clamp(hint, MinRegionPages, MaxRegionPages)
}

// clamp bounds v into [lo, hi]. Generic over constraints.Integer so the
// same helper serves page counts here and byte sizes elsewhere, rather
// than hand-writing one min/max pair per integer type.
func clamp[T constraints.Integer](v, lo, hi T) T {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

// Region is a contiguous span of N*PageSize bytes, real shared memory
// backed by a file-descriptor mapping (mmap MAP_SHARED) so the same
// region could, in a full deployment, be mapped into a separate producer
// process. The backing file's path is guarded with an advisory lock while
// it is being created so two connecting producers can never race to
// initialize the same path.
type Region struct {
	path  string
	file  *os.File
	mem   []byte
	pages []*Page
}

// NewRegion creates (or attaches to) the backing file at path, sized to
// hold numPages pages, and maps it MAP_SHARED. numPages must already be
// within [MinRegionPages, MaxRegionPages]; see ClampPages.
func NewRegion(path string, numPages int) (*Region, error) {
	if numPages < MinRegionPages || numPages > MaxRegionPages {
		return nil, fmt.Errorf("smb: numPages %d out of bounds [%d, %d]", numPages, MinRegionPages, MaxRegionPages)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("smb: locking %s: %w", path+".lock", err)
	}
	defer lock.Unlock()

	size := int64(numPages) * PageSize
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("smb: opening backing file %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("smb: sizing backing file %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("smb: mmap %s: %w", path, err)
	}

	r := &Region{path: path, file: f, mem: mem}
	r.pages = make([]*Page, numPages)
	for i := 0; i < numPages; i++ {
		page := newPage(mem[i*PageSize : (i+1)*PageSize])
		if page.Layout() == 0 {
			// A freshly mmap'd (zero-filled) page reads as layout 0
			// (Layout1Chunk); reset it to uninitialized so the first
			// producer write claims it properly.
			atomic.StoreUint32(page.word(offLayout), uint32(LayoutUninitialized))
		}
		r.pages[i] = page
	}
	return r, nil
}

// NumPages returns the page count the region was created with.
func (r *Region) NumPages() int { return len(r.pages) }

// Page returns the page at idx, or nil if idx is out of range.
func (r *Region) Page(idx int) *Page {
	if idx < 0 || idx >= len(r.pages) {
		return nil
	}
	return r.pages[idx]
}

// Close unmaps and closes the backing file. The backing file itself is
// left on disk (as a real fd-passed shared-memory segment would be, for
// any in-flight mapping in another process); callers that own the whole
// lifecycle may remove it explicitly.
func (r *Region) Close() error {
	if err := unix.Munmap(r.mem); err != nil {
		r.file.Close()
		return fmt.Errorf("smb: munmap %s: %w", r.path, err)
	}
	return r.file.Close()
}

// Remove closes the region and deletes its backing files from disk.
func (r *Region) Remove() error {
	err := r.Close()
	os.Remove(r.path)
	os.Remove(r.path + ".lock")
	return err
}

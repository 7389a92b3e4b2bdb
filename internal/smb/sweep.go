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

import "time"

// DefaultStuckPageTimeout is how long a page may sit with chunks stuck in
// BeingWritten (producer crashed mid-write) before the service forces
// them free.
const DefaultStuckPageTimeout = 5 * time.Second

// Sweeper tracks, per page index, when a page was first observed
// incomplete (neither free nor fully readable) and forces stuck chunks
// free once that has persisted past timeout. It is only ever driven from
// the single service task-runner goroutine, so it needs no locking of its
// own.
type Sweeper struct {
	timeout    time.Duration
	firstSeen  map[int]time.Time
	nowFunc    func() time.Time
}

// NewSweeper returns a Sweeper using timeout as the stuck-page deadline.
func NewSweeper(timeout time.Duration) *Sweeper {
	return &Sweeper{
		timeout:   timeout,
		firstSeen: make(map[int]time.Time),
		nowFunc:   time.Now,
	}
}

// Observe records, for pageIdx, whether the page is currently free or
// complete (in which case any prior incomplete-since mark is cleared) or
// stuck (in which case a forced acquisition is attempted once the
// deadline has elapsed). Returns the number of chunks forced free, if
// any.
func (s *Sweeper) Observe(pageIdx int, page *Page) int {
	if page.IsPageFree() || page.IsPageComplete() {
		delete(s.firstSeen, pageIdx)
		return 0
	}

	first, tracked := s.firstSeen[pageIdx]
	now := s.nowFunc()
	if !tracked {
		s.firstSeen[pageIdx] = now
		return 0
	}
	if now.Sub(first) < s.timeout {
		return 0
	}

	forced := ForceFreePage(page)
	if forced > 0 {
		delete(s.firstSeen, pageIdx)
	}
	return forced
}

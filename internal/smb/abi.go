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

// Package smb implements the shared-memory ABI: a fixed-size region of
// pages, each subdivided into chunks that transition through a small
// state lattice via atomic compare-and-swap, with no locks held across
// the producer/service boundary.
package smb

import (
	"encoding/binary"
	"sync/atomic"
)

// WriteHandle is held by a producer between TryAcquireChunkForWriting and
// ReleaseChunkAsComplete. It must not be retained past the release call.
type WriteHandle struct {
	page     *Page
	layout   Layout
	index    int
	writerID uint16
	chunkID  uint16
	metaOff  []byte
	payload  []byte
}

// Payload returns the chunk's writable byte span.
func (h *WriteHandle) Payload() []byte { return h.payload }

// TryAcquireChunkForWriting attempts the Free->BeingWritten transition on
// one chunk. If the page has not yet been claimed, it is stamped with
// layout and targetBuffer; claiming a page already carrying a different
// layout fails. writerID/chunkID are stamped into the chunk's metadata
// immediately, before any payload bytes are written, matching the
// happens-before the service relies on when it later observes Complete.
func TryAcquireChunkForWriting(page *Page, layout Layout, chunkIdx int, writerID, chunkID, targetBuffer uint16) (*WriteHandle, bool) {
	n, ok := GetNumChunksForLayout(layout)
	if !ok || chunkIdx < 0 || chunkIdx >= n {
		return nil, false
	}

	if page.Layout() == LayoutUninitialized {
		page.claimLayout(layout, targetBuffer)
	}
	if page.Layout() != layout {
		return nil, false
	}

	word := page.word(offStateBitmap)
	for {
		old := atomic.LoadUint32(word)
		if stateAt(old, chunkIdx) != Free {
			return nil, false
		}
		new := setStateAt(old, chunkIdx, BeingWritten)
		if atomic.CompareAndSwapUint32(word, old, new) {
			break
		}
	}

	metaBytes, payload := page.chunkRegion(layout, chunkIdx)
	writeChunkMeta(metaBytes, chunkMeta{writerID: writerID, chunkID: chunkID})

	return &WriteHandle{
		page: page, layout: layout, index: chunkIdx,
		writerID: writerID, chunkID: chunkID,
		metaOff: metaBytes, payload: payload,
	}, true
}

// WriteVarintLengthPrefix encodes length as a varint into dst, returning
// the number of bytes written. dst must have room for up to
// binary.MaxVarintLen64 bytes.
func WriteVarintLengthPrefix(dst []byte, length uint64) int {
	return binary.PutUvarint(dst, length)
}

// ReleaseChunkAsComplete performs the BeingWritten->Complete
// release-store, stamping the final packet count and flags. h must not
// be used again afterward.
func ReleaseChunkAsComplete(h *WriteHandle, packetCount uint16, flags Flags) {
	m := readChunkMeta(h.metaOff)
	m.packetCount = packetCount
	m.flags = flags
	writeChunkMeta(h.metaOff, m)

	word := h.page.word(offStateBitmap)
	for {
		old := atomic.LoadUint32(word)
		new := setStateAt(old, h.index, Complete)
		if atomic.CompareAndSwapUint32(word, old, new) {
			return
		}
	}
}

// TryAcquireAllChunksForReading attempts, in one atomic observation of
// the page's state bitmap, to transition every Complete chunk to
// BeingRead. It fails without committing any change if any chunk is
// observed in a state other than Complete or Free.
func TryAcquireAllChunksForReading(page *Page) bool {
	layout := page.Layout()
	n, ok := GetNumChunksForLayout(layout)
	if !ok {
		return false
	}
	word := page.word(offStateBitmap)
	for {
		old := atomic.LoadUint32(word)
		new := old
		sawComplete := false
		for i := 0; i < n; i++ {
			switch stateAt(old, i) {
			case Complete:
				new = setStateAt(new, i, BeingRead)
				sawComplete = true
			case Free:
			default:
				return false
			}
		}
		if !sawComplete {
			return false
		}
		if atomic.CompareAndSwapUint32(word, old, new) {
			return true
		}
	}
}

// ReleaseAllChunksAsFree transitions every BeingRead chunk on the page
// back to Free. Called by the service once it has copied the page into
// the destination trace buffer.
func ReleaseAllChunksAsFree(page *Page) {
	layout := page.Layout()
	n, ok := GetNumChunksForLayout(layout)
	if !ok {
		return
	}
	word := page.word(offStateBitmap)
	for {
		old := atomic.LoadUint32(word)
		new := old
		for i := 0; i < n; i++ {
			if stateAt(old, i) == BeingRead {
				new = setStateAt(new, i, Free)
			}
		}
		if atomic.CompareAndSwapUint32(word, old, new) {
			return
		}
	}
}

// GetChunkUnchecked returns a view over chunk chunkIdx on page under
// layout, without re-validating that layout matches the page's current
// layout. Callers (the service's reassembly scan) must have already
// established that via TryAcquireAllChunksForReading/page.Layout().
func GetChunkUnchecked(page *Page, layout Layout, chunkIdx int) *Chunk {
	return page.Chunk(layout, chunkIdx)
}

// ForceFreePage demotes every BeingWritten chunk on page straight to
// Free, discarding partially-written content. Used by the deadline sweep
// (see sweep.go) to recover from a producer crash mid-write.
func ForceFreePage(page *Page) (forced int) {
	layout := page.Layout()
	n, ok := GetNumChunksForLayout(layout)
	if !ok {
		return 0
	}
	word := page.word(offStateBitmap)
	for {
		old := atomic.LoadUint32(word)
		new := old
		count := 0
		for i := 0; i < n; i++ {
			if stateAt(old, i) == BeingWritten {
				new = setStateAt(new, i, Free)
				count++
			}
		}
		if count == 0 {
			return 0
		}
		if atomic.CompareAndSwapUint32(word, old, new) {
			return count
		}
	}
}

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
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// PageSize is the fixed size of one shared-memory page.
const PageSize = 4096

// Layout names one of the closed set of chunk partitions a page can
// carry. All chunks on a page share the same layout.
type Layout uint8

const (
	LayoutUninitialized Layout = 0xFF
	Layout1Chunk        Layout = 0
	Layout2Chunks       Layout = 1
	Layout4Chunks       Layout = 2
	Layout7Chunks       Layout = 3
	Layout14Chunks      Layout = 4
)

// chunksForLayout maps a layout byte to its chunk count. Unknown layouts
// map to 0, meaning "skip this page" (§4.1 edge cases: defend against
// malicious producers).
var chunksForLayout = map[Layout]int{
	Layout1Chunk:   1,
	Layout2Chunks:  2,
	Layout4Chunks:  4,
	Layout7Chunks:  7,
	Layout14Chunks: 14,
}

// GetNumChunksForLayout returns the chunk count named by layout, or
// (0, false) if layout is not one of the closed set of valid layouts.
func GetNumChunksForLayout(layout Layout) (int, bool) {
	n, ok := chunksForLayout[layout]
	return n, ok
}

const (
	metaBytesPerChunk = 8 // writerID(2) chunkID(2) packetCount(2) flags(1) reserved(1)

	offLayout       = 0  // uint32, atomic
	offTargetBuffer = 4  // uint32, atomic
	offStateBitmap  = 8  // uint32, atomic bitmap, 2 bits per chunk
	headerSize      = 12
)

// Page is a view over one PageSize-byte span of a Region's backing
// memory. All cross-process synchronization goes through the three
// atomic header words at offsets 0, 4 and 8; chunk metadata is plain
// little-endian encoded bytes, safe to read only after observing the
// corresponding state transition (see chunkMeta doc).
type Page struct {
	bytes []byte // exactly PageSize bytes, from the Region's mapping
}

func newPage(b []byte) *Page {
	if len(b) != PageSize {
		panic("smb: page slice must be exactly PageSize bytes")
	}
	return &Page{bytes: b}
}

// NewPageView wraps an arbitrary PageSize-byte slice as a Page. Used by
// callers (e.g. internal/tracebuf) that hold their own page-shaped byte
// arrays, separate from a Region's mapping, and want to read/write them
// through the same chunk accessors.
func NewPageView(b []byte) *Page { return newPage(b) }

// Bytes returns the page's raw backing bytes, for whole-page copies.
func (p *Page) Bytes() []byte { return p.bytes }

func (p *Page) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&p.bytes[off]))
}

// Layout returns the page's current layout descriptor.
func (p *Page) Layout() Layout {
	return Layout(atomic.LoadUint32(p.word(offLayout)))
}

// IsPageFree reports whether the page has never been claimed by a
// producer (layout uninitialized) or every chunk on it is Free.
func (p *Page) IsPageFree() bool {
	layout := p.Layout()
	if layout == LayoutUninitialized {
		return true
	}
	n, ok := GetNumChunksForLayout(layout)
	if !ok {
		return true // unknown layout: treated as free, see edge cases
	}
	bitmap := atomic.LoadUint32(p.word(offStateBitmap))
	for i := 0; i < n; i++ {
		if stateAt(bitmap, i) != Free {
			return false
		}
	}
	return true
}

// IsPageComplete reports whether every chunk on the page is Complete or
// Free, and at least one is Complete (an all-Free page is not "complete",
// it is simply free).
func (p *Page) IsPageComplete() bool {
	layout := p.Layout()
	n, ok := GetNumChunksForLayout(layout)
	if !ok {
		return false
	}
	bitmap := atomic.LoadUint32(p.word(offStateBitmap))
	sawComplete := false
	for i := 0; i < n; i++ {
		switch stateAt(bitmap, i) {
		case Complete:
			sawComplete = true
		case Free:
		default:
			return false
		}
	}
	return sawComplete
}

// TargetBuffer returns the buffer id the producer is writing this page
// toward, or (0, false) if no chunk on the page has been claimed yet.
func (p *Page) TargetBuffer() (uint16, bool) {
	if p.Layout() == LayoutUninitialized {
		return 0, false
	}
	return uint16(atomic.LoadUint32(p.word(offTargetBuffer))), true
}

// claimLayout sets the page's layout and target buffer the first time a
// producer acquires a chunk on a previously-uninitialized page. No-op if
// the page already carries a layout (producers never change a page's
// partition after the first write).
func (p *Page) claimLayout(layout Layout, targetBuffer uint16) {
	atomic.CompareAndSwapUint32(p.word(offLayout), uint32(LayoutUninitialized), uint32(layout))
	atomic.CompareAndSwapUint32(p.word(offTargetBuffer), 0, uint32(targetBuffer))
}

func stateAt(bitmap uint32, chunkIdx int) State {
	shift := uint(chunkIdx) * stateBitsPerChunk
	return State((bitmap >> shift) & 0x3)
}

func setStateAt(bitmap uint32, chunkIdx int, s State) uint32 {
	shift := uint(chunkIdx) * stateBitsPerChunk
	mask := uint32(0x3) << shift
	return (bitmap &^ mask) | (uint32(s) << shift)
}

// chunkState reads one chunk's 2-bit state out of the page's bitmap.
func (p *Page) chunkState(chunkIdx int) State {
	bitmap := atomic.LoadUint32(p.word(offStateBitmap))
	return stateAt(bitmap, chunkIdx)
}

// chunkRegion returns the metadata slice and payload slice for chunk
// chunkIdx under the given layout.
func (p *Page) chunkRegion(layout Layout, chunkIdx int) (meta []byte, payload []byte) {
	n, _ := GetNumChunksForLayout(layout)
	metaBase := headerSize
	metaOff := metaBase + chunkIdx*metaBytesPerChunk
	meta = p.bytes[metaOff : metaOff+metaBytesPerChunk]

	payloadBase := metaBase + n*metaBytesPerChunk
	payloadLen := (PageSize - payloadBase) / n
	payloadOff := payloadBase + chunkIdx*payloadLen
	payload = p.bytes[payloadOff : payloadOff+payloadLen]
	return
}

func readChunkMeta(b []byte) chunkMeta {
	return chunkMeta{
		writerID:    binary.LittleEndian.Uint16(b[0:2]),
		chunkID:     binary.LittleEndian.Uint16(b[2:4]),
		packetCount: binary.LittleEndian.Uint16(b[4:6]),
		flags:       Flags(b[6]),
	}
}

func writeChunkMeta(b []byte, m chunkMeta) {
	binary.LittleEndian.PutUint16(b[0:2], m.writerID)
	binary.LittleEndian.PutUint16(b[2:4], m.chunkID)
	binary.LittleEndian.PutUint16(b[4:6], m.packetCount)
	b[6] = byte(m.flags)
	b[7] = 0
}

// Chunk returns a view over chunk chunkIdx on the page, re-reading its
// metadata from the backing bytes. Valid for any layout/index the caller
// already knows to be in range; out-of-range access panics, matching the
// "GetChunkUnchecked" contract in §4.1 (callers must have validated the
// layout and index first).
func (p *Page) Chunk(layout Layout, chunkIdx int) *Chunk {
	n, ok := GetNumChunksForLayout(layout)
	if !ok || chunkIdx < 0 || chunkIdx >= n {
		panic("smb: chunk index out of range for layout")
	}
	metaBytes, payload := p.chunkRegion(layout, chunkIdx)
	m := readChunkMeta(metaBytes)
	return &Chunk{page: p, index: chunkIdx, meta: &m, payload: payload}
}

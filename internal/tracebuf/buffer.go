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

// Package tracebuf implements the per-session, per-index ring of pages a
// tracing session drains producer pages into. Buffers are owned solely by
// the service; producers never see them.
package tracebuf

import (
	"fmt"

	"github.com/GoogleCloudPlatform/traced/internal/ids"
	"github.com/GoogleCloudPlatform/traced/internal/smb"
)

// Buffer is a ring of pages, each a whole-page copy of a producer page.
// It never signals "full": the cursor simply wraps and overwrites the
// oldest page. Overwritten pages are not reported to the caller and are
// not counted anywhere.
type Buffer struct {
	id           ids.BufferId
	pages        [][smb.PageSize]byte
	occupied     []bool          // whether pages[i] holds real data yet
	layoutsArr   []smb.Layout    // layout each occupied page was copied under
	producersArr []ids.ProducerId // producer that wrote each occupied page
	cursor       int             // next page index to overwrite
}

// Create allocates a zeroed Buffer of numPages pages for id. sizeBytes
// must already be a multiple of smb.PageSize; callers (session.Enable)
// are responsible for the size-kb-to-page-multiple rounding described in
// §6.
func Create(id ids.BufferId, sizeBytes int) (*Buffer, error) {
	if sizeBytes <= 0 || sizeBytes%smb.PageSize != 0 {
		return nil, fmt.Errorf("tracebuf: size %d is not a positive multiple of page size %d", sizeBytes, smb.PageSize)
	}
	numPages := sizeBytes / smb.PageSize
	return &Buffer{
		id:       id,
		pages:    make([][smb.PageSize]byte, numPages),
		occupied: make([]bool, numPages),
	}, nil
}

// ID returns the buffer's immutable BufferId.
func (b *Buffer) ID() ids.BufferId { return b.id }

// NumPages returns the number of pages the buffer holds.
func (b *Buffer) NumPages() int { return len(b.pages) }

// CopyPage records a whole-page copy of src, written by producerID, at
// the write cursor, advancing it cyclically. When the cursor laps an
// unread page, that page's old data is silently overwritten.
func (b *Buffer) CopyPage(src *smb.Page, layout smb.Layout, producerID ids.ProducerId) {
	slot := b.cursor
	b.cursor = (b.cursor + 1) % len(b.pages)

	dst := &b.pages[slot]
	copyPageBytes(dst, src)
	b.occupied[slot] = true
	b.layouts()[slot] = layout
	b.producers()[slot] = producerID
}

// layouts lazily allocates the parallel layout-per-slot array; kept
// separate from pages to avoid growing smb.Page's exported surface.
func (b *Buffer) layouts() []smb.Layout {
	if b.layoutsArr == nil {
		b.layoutsArr = make([]smb.Layout, len(b.pages))
	}
	return b.layoutsArr
}

func (b *Buffer) producers() []ids.ProducerId {
	if b.producersArr == nil {
		b.producersArr = make([]ids.ProducerId, len(b.pages))
	}
	return b.producersArr
}

// ChunkVisitor is called once per non-free chunk encountered by
// ForEachChunk, in cursor-relative (oldest first) page order. writerID
// and chunkID identify the chunk's place in its writer's monotonic
// sequence, as required by internal/reassembly.
type ChunkVisitor func(producerID ids.ProducerId, writerID, chunkID uint16, payload []byte, packetCount uint16, flags smb.Flags)

// ForEachChunk iterates occupied pages oldest-first, yielding every
// non-free chunk to fn. Pages never written to are skipped.
func (b *Buffer) ForEachChunk(fn ChunkVisitor) {
	n := len(b.pages)
	for i := 0; i < n; i++ {
		slot := (b.cursor + i) % n // oldest relative to the write cursor
		if !b.occupied[slot] {
			continue
		}
		layout := b.layouts()[slot]
		producerID := b.producers()[slot]
		numChunks, ok := smb.GetNumChunksForLayout(layout)
		if !ok {
			continue
		}
		view := newSnapshotPage(&b.pages[slot])
		for c := 0; c < numChunks; c++ {
			chunk := view.Chunk(layout, c)
			if chunk.State() == smb.Free {
				continue
			}
			fn(producerID, chunk.WriterID(), chunk.ChunkID(), chunk.Payload(), chunk.PacketCount(), chunk.ChunkFlags())
		}
	}
}

// Destroy releases the buffer's backing memory. The caller (session
// teardown) is responsible for returning the BufferId to the pool.
func (b *Buffer) Destroy() {
	b.pages = nil
	b.occupied = nil
	b.layoutsArr = nil
	b.producersArr = nil
}

func copyPageBytes(dst *[smb.PageSize]byte, src *smb.Page) {
	copy(dst[:], src.Bytes())
}

func newSnapshotPage(b *[smb.PageSize]byte) *smb.Page {
	return smb.NewPageView(b[:])
}

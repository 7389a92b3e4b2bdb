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

// State is the 2-bit chunk lifecycle state. The only legal transitions
// are Free->BeingWritten (producer), BeingWritten->Complete (producer),
// Complete->BeingRead (service), BeingRead->Free (service). Any other
// observed transition is a producer protocol violation.
type State uint8

const (
	Free State = iota
	BeingWritten
	Complete
	BeingRead
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case BeingWritten:
		return "being_written"
	case Complete:
		return "complete"
	case BeingRead:
		return "being_read"
	default:
		return "unknown"
	}
}

// Flags are the chunk's 8-bit flags field; only the low two bits are
// meaningful.
type Flags uint8

const (
	FirstPacketContinuesFromPreviousChunk Flags = 1 << 0
	LastPacketContinuesOnNextChunk        Flags = 1 << 1
)

const stateBitsPerChunk = 2

// chunkMeta holds the per-chunk fields that are NOT part of the atomic
// state bitmap: writer id, chunk id, packet count and flags. These are
// written with plain stores before the state-word CAS that publishes
// them (e.g. BeingWritten->Complete), and read only after observing that
// transition via an atomic load of the state word; the Go memory model
// guarantees that ordering is enough, exactly as the C++ original relies
// on acquire/release atomics around a non-atomic payload.
type chunkMeta struct {
	writerID    uint16
	chunkID     uint16
	packetCount uint16
	flags       Flags
}

// Chunk is a view over one chunk's storage within a mapped Page. It does
// not own memory: State() is always a page-wide atomic bitmap lookup, and
// Payload() addresses a slice of the page's backing bytes.
type Chunk struct {
	page  *Page
	index int // this chunk's slot, [0, numChunks)
	meta  *chunkMeta
	payload []byte
}

// Index returns this chunk's position within its page's layout.
func (c *Chunk) Index() int { return c.index }

// WriterID returns the producer-local writer id last stamped on this
// chunk. Only meaningful once the chunk has left Free.
func (c *Chunk) WriterID() uint16 { return c.meta.writerID }

// ChunkID returns the producer-assigned, per-writer monotonic chunk id.
func (c *Chunk) ChunkID() uint16 { return c.meta.chunkID }

// State returns the chunk's current state from the page's atomic bitmap.
func (c *Chunk) State() State {
	return c.page.chunkState(c.index)
}

// PacketCount returns the chunk's committed packet count. Meaningless
// before the chunk reaches Complete.
func (c *Chunk) PacketCount() uint16 { return c.meta.packetCount }

// ChunkFlags returns the chunk's committed flags.
func (c *Chunk) ChunkFlags() Flags { return c.meta.flags }

// Payload returns the chunk's writable/readable byte span.
func (c *Chunk) Payload() []byte { return c.payload }

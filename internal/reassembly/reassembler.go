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

// Package reassembly stitches varint-length-prefixed packets out of a
// stream of committed chunks, honouring the "first/last continues"
// flags that let one packet span a chunk boundary.
package reassembly

import (
	"encoding/binary"

	"github.com/alphadose/haxmap"
	"github.com/zhangyunhao116/skipmap"

	"github.com/GoogleCloudPlatform/traced/internal/ids"
	"github.com/GoogleCloudPlatform/traced/internal/smb"
)

// DefaultMaxPacketSize bounds a reconstructed packet's total length; a
// packet whose fragments sum past this is dropped (§4.3 edge cases).
const DefaultMaxPacketSize = 32 * 1024 * 1024 // 32 MiB

// Packet is an emitted, fully reassembled, opaque byte sequence. The
// reassembly core never interprets its contents.
type Packet struct {
	ProducerID ids.ProducerId
	WriterID   uint16
	Bytes      []byte
}

// Stats accumulates the class-3 protocol-violation counters the
// reassembly path can raise on its own (§7).
type Stats struct {
	GapsDetected     int
	ParseErrors      int
	PacketsTooLong   int
	PacketsEmitted   int
}

type chunkRecord struct {
	payload     []byte
	packetCount uint16
	flags       smb.Flags
}

type writerKey struct {
	producer ids.ProducerId
	writer   uint16
}

// Reassembler accumulates chunks for the span of one ReadBuffers scan and
// emits completed packets in writer order on Drain. It is not safe to
// reuse across scans that should be treated as logically independent
// reads: construct a fresh Reassembler per drain so that an in-progress
// fragment never silently carries over into a later, unrelated read (see
// DESIGN.md for why stitching state is scoped to one scan).
type Reassembler struct {
	maxPacketSize int
	byWriter      *haxmap.Map[writerKey, *skipmap.Uint32Map[chunkRecord]]
}

// New returns a Reassembler that drops any reconstructed packet longer
// than maxPacketSize bytes.
func New(maxPacketSize int) *Reassembler {
	if maxPacketSize <= 0 {
		maxPacketSize = DefaultMaxPacketSize
	}
	return &Reassembler{
		maxPacketSize: maxPacketSize,
		byWriter:      haxmap.New[writerKey, *skipmap.Uint32Map[chunkRecord]](),
	}
}

// Feed records one chunk's raw fields for later stitching. Chunks may be
// fed in any order; Drain processes each writer's chunks in ascending
// chunk-id order regardless of feed order.
func (r *Reassembler) Feed(producerID ids.ProducerId, writerID, chunkID uint16, payload []byte, packetCount uint16, flags smb.Flags) {
	key := writerKey{producerID, writerID}
	sm, ok := r.byWriter.Get(key)
	if !ok {
		sm = skipmap.NewUint32[chunkRecord]()
		r.byWriter.Set(key, sm)
	}
	// Duplicate chunk ids for one writer never legitimately occur; last
	// write wins rather than erroring, since that can only happen if a
	// page was scanned twice within one read.
	sm.Store(uint32(chunkID), chunkRecord{payload: payload, packetCount: packetCount, flags: flags})
}

// Drain stitches every writer's accumulated chunks in chunk-id order,
// invoking emit for each completed packet, and returns aggregate stats.
// After Drain, the Reassembler holds no further state and may be
// discarded.
func (r *Reassembler) Drain(emit func(Packet)) Stats {
	var stats Stats

	r.byWriter.ForEach(func(key writerKey, sm *skipmap.Uint32Map[chunkRecord]) bool {
		var (
			pending       []byte
			havePending   bool
			expectNext    uint16
			haveExpect    bool
		)

		discard := func() {
			pending = nil
			havePending = false
		}

		sm.Range(func(chunkID32 uint32, rec chunkRecord) bool {
			chunkID := uint16(chunkID32)
			if haveExpect && chunkID != expectNext {
				// Missing chunk_id: the in-progress packet for this
				// writer can never be completed correctly.
				stats.GapsDetected++
				discard()
			}
			expectNext = chunkID + 1
			haveExpect = true

			fragments, perr := splitPackets(rec.payload, rec.packetCount)
			if perr {
				stats.ParseErrors++
				discard()
				return true
			}
			if len(fragments) == 0 {
				return true
			}

			firstContinues := rec.flags&smb.FirstPacketContinuesFromPreviousChunk != 0
			lastContinues := rec.flags&smb.LastPacketContinuesOnNextChunk != 0

			for i, frag := range fragments {
				isFirst := i == 0
				isLast := i == len(fragments)-1

				if isFirst && firstContinues {
					if !havePending {
						// Declares a continuation but there is nothing
						// to continue (first chunk seen for this
						// writer, or a prior gap already discarded it):
						// the fragment cannot be attributed, drop it.
						continue
					}
					pending = append(pending, frag...)
				} else {
					pending = append([]byte(nil), frag...)
					havePending = true
				}

				if len(pending) > r.maxPacketSize {
					stats.PacketsTooLong++
					discard()
					continue
				}

				if isLast && lastContinues {
					// Carries forward into the next chunk for this
					// writer; pending/havePending stay set.
					continue
				}

				out := pending
				discard()
				stats.PacketsEmitted++
				emit(Packet{ProducerID: key.producer, WriterID: key.writer, Bytes: out})
			}
			return true
		})
		return true
	})

	r.byWriter = haxmap.New[writerKey, *skipmap.Uint32Map[chunkRecord]]()
	return stats
}

// splitPackets parses payload as packetCount varint-length-prefixed byte
// spans. Returns (nil, true) if a length would read past the end of
// payload.
func splitPackets(payload []byte, packetCount uint16) ([][]byte, bool) {
	if packetCount == 0 {
		return nil, false
	}
	fragments := make([][]byte, 0, packetCount)
	offset := 0
	for i := uint16(0); i < packetCount; i++ {
		length, n := binary.Uvarint(payload[offset:])
		if n <= 0 {
			return nil, true
		}
		offset += n
		end := offset + int(length)
		if end > len(payload) {
			return nil, true
		}
		fragments = append(fragments, payload[offset:end])
		offset = end
	}
	return fragments, false
}

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

package ids

import "fmt"

// maxBufferId is the highest allocatable BufferId; 0 is reserved invalid,
// so the pool spans [1, 65535].
const maxBufferId = 0xFFFF

// BufferIdPool is a bitmap allocator over [1, 65535]. It is not
// goroutine-safe by itself: the service core only ever touches it from
// the single task-runner goroutine (see internal/service).
type BufferIdPool struct {
	// one bit per id in [1, maxBufferId]; bit (id-1) set means allocated.
	bits []uint64
	next uint32 // low-water search cursor, wraps
}

// NewBufferIdPool returns an empty pool ready to allocate ids in
// [1, 65535].
func NewBufferIdPool() *BufferIdPool {
	return &BufferIdPool{
		bits: make([]uint64, (maxBufferId+63)/64),
		next: 1,
	}
}

// Allocate reserves and returns the first free BufferId at or after the
// search cursor (wrapping from 65535 back to 1), or
// (InvalidBufferId, false) if the pool is exhausted. A freed id is not
// handed out again until the cursor wraps around to it.
func (p *BufferIdPool) Allocate() (BufferId, bool) {
	for i := uint32(0); i < maxBufferId; i++ {
		candidate := p.next
		p.next++
		if p.next > maxBufferId {
			p.next = 1
		}
		word, bit := wordAndBit(candidate)
		if p.bits[word]&bit == 0 {
			p.bits[word] |= bit
			return BufferId(candidate), true
		}
	}
	return InvalidBufferId, false
}

// Free returns id to the pool. Freeing an id that was never allocated, or
// freeing InvalidBufferId, is a programmer error and panics.
func (p *BufferIdPool) Free(id BufferId) {
	if id == InvalidBufferId || uint32(id) > maxBufferId {
		panic(fmt.Sprintf("ids: Free called with invalid BufferId %d", id))
	}
	word, bit := wordAndBit(uint32(id))
	if p.bits[word]&bit == 0 {
		panic(fmt.Sprintf("ids: Free called on unallocated BufferId %d", id))
	}
	p.bits[word] &^= bit
}

// InUse reports whether id is currently allocated.
func (p *BufferIdPool) InUse(id BufferId) bool {
	if id == InvalidBufferId || uint32(id) > maxBufferId {
		return false
	}
	word, bit := wordAndBit(uint32(id))
	return p.bits[word]&bit != 0
}

func wordAndBit(id uint32) (word int, bit uint64) {
	idx := id - 1
	return int(idx / 64), uint64(1) << (idx % 64)
}

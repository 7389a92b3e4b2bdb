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

package tracebuf_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/traced/internal/ids"
	"github.com/GoogleCloudPlatform/traced/internal/smb"
	"github.com/GoogleCloudPlatform/traced/internal/tracebuf"
)

func TestBufferRingDiscipline(t *testing.T) {
	buf, err := tracebuf.Create(ids.BufferId(1), 2*smb.PageSize)
	require.NoError(t, err)
	require.Equal(t, 2, buf.NumPages())

	region, err := smb.NewRegion(filepath.Join(t.TempDir(), "r.smb"), smb.MinRegionPages)
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Remove() })

	write := func(pageIdx int, data string) {
		page := region.Page(pageIdx)
		h, ok := smb.TryAcquireChunkForWriting(page, smb.Layout1Chunk, 0, 1, uint16(pageIdx+1), 1)
		require.True(t, ok)
		n := smb.WriteVarintLengthPrefix(h.Payload(), uint64(len(data)))
		copy(h.Payload()[n:], data)
		smb.ReleaseChunkAsComplete(h, 1, 0)
		require.True(t, smb.TryAcquireAllChunksForReading(page))
		buf.CopyPage(page, smb.Layout1Chunk, ids.ProducerId(1))
		smb.ReleaseAllChunksAsFree(page)
	}

	write(0, "first")
	write(1, "second")

	var got []string
	buf.ForEachChunk(func(_ ids.ProducerId, _, _ uint16, payload []byte, packetCount uint16, flags smb.Flags) {
		n, sz := varintPeek(payload)
		got = append(got, string(payload[sz:sz+int(n)]))
	})
	require.Equal(t, []string{"first", "second"}, got)

	// A third write should wrap and overwrite "first".
	write(2, "third")
	got = nil
	buf.ForEachChunk(func(_ ids.ProducerId, _, _ uint16, payload []byte, packetCount uint16, flags smb.Flags) {
		n, sz := varintPeek(payload)
		got = append(got, string(payload[sz:sz+int(n)]))
	})
	require.Equal(t, []string{"second", "third"}, got)
}

func varintPeek(b []byte) (uint64, int) {
	var n uint64
	var shift uint
	for i, c := range b {
		n |= uint64(c&0x7f) << shift
		if c < 0x80 {
			return n, i + 1
		}
		shift += 7
	}
	return 0, 0
}

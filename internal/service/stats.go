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

package service

import "sync/atomic"

// Stats accumulates the error-class counters §7 calls out as the
// reserved pseudo-buffer readable alongside real trace data: nothing
// here is fatal to the service, but each count is a signal something
// upstream is misbehaving.
type Stats struct {
	UnknownTargetBuffer  atomic.Int64 // OnPageCommitted for a BufferId no live session owns
	GapsDetected         atomic.Int64
	ParseErrors          atomic.Int64
	PacketsTooLong       atomic.Int64
	PacketsEmitted       atomic.Int64
	DataSourceCreateFail atomic.Int64
}

// Snapshot is a point-in-time, non-atomic copy of Stats suitable for
// logging or exposing to a consumer.
type Snapshot struct {
	UnknownTargetBuffer  int64
	GapsDetected         int64
	ParseErrors          int64
	PacketsTooLong       int64
	PacketsEmitted       int64
	DataSourceCreateFail int64
}

// Snapshot reads every counter without synchronizing them against each
// other; callers that need an exact cross-field total should not rely on
// this being atomic as a whole.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UnknownTargetBuffer:  s.UnknownTargetBuffer.Load(),
		GapsDetected:         s.GapsDetected.Load(),
		ParseErrors:          s.ParseErrors.Load(),
		PacketsTooLong:       s.PacketsTooLong.Load(),
		PacketsEmitted:       s.PacketsEmitted.Load(),
		DataSourceCreateFail: s.DataSourceCreateFail.Load(),
	}
}

// addReassembly folds one reassembly.Stats snapshot into the
// service-wide running totals.
func (s *Stats) addReassembly(gaps, parseErrs, tooLong, emitted int) {
	s.GapsDetected.Add(int64(gaps))
	s.ParseErrors.Add(int64(parseErrs))
	s.PacketsTooLong.Add(int64(tooLong))
	s.PacketsEmitted.Add(int64(emitted))
}

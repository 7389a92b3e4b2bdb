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

// Package ids defines the identifier types shared across the tracing
// service and the monotonic allocators that mint them.
package ids

import "sync/atomic"

type (
	// ProducerId identifies a connected producer for the lifetime of its
	// connection. Assigned on connect, never reused.
	ProducerId uint32

	// DataSourceId identifies a data source registration; scoped to the
	// producer that registered it. In this implementation it is minted
	// from the same shared Sequence as every other id, so it is actually
	// unique service-wide too — a stronger guarantee than scoping requires,
	// not something callers should rely on.
	DataSourceId uint32

	// DataSourceInstanceId identifies one (session, producer, data source)
	// activation; unique service-wide.
	DataSourceInstanceId uint64

	// BufferId is a 16-bit service-wide handle for a trace buffer. 0 is
	// reserved to mean "invalid".
	BufferId uint16

	// TracingSessionId identifies a tracing session; unique service-wide.
	TracingSessionId uint64

	// FlushRequestId identifies one flush round; scoped to its session,
	// though (like DataSourceId above) it is actually minted service-wide
	// unique from the same shared Sequence.
	FlushRequestId uint64
)

// InvalidBufferId is the reserved zero value; never returned by Allocate.
const InvalidBufferId BufferId = 0

// Sequence mints monotonically increasing ids starting at 1 (0 is left
// free for callers that want to treat it as "unset").
type Sequence struct {
	next atomic.Uint64
}

// Next returns the next id in the sequence, starting at 1.
func (s *Sequence) Next() uint64 {
	return s.next.Add(1)
}

func (s *Sequence) NextProducerId() ProducerId {
	return ProducerId(s.Next())
}

func (s *Sequence) NextDataSourceId() DataSourceId {
	return DataSourceId(s.Next())
}

func (s *Sequence) NextDataSourceInstanceId() DataSourceInstanceId {
	return DataSourceInstanceId(s.Next())
}

func (s *Sequence) NextTracingSessionId() TracingSessionId {
	return TracingSessionId(s.Next())
}

func (s *Sequence) NextFlushRequestId() FlushRequestId {
	return FlushRequestId(s.Next())
}

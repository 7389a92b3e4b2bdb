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

package session

import (
	"github.com/alphadose/haxmap"

	"github.com/GoogleCloudPlatform/traced/internal/config"
	"github.com/GoogleCloudPlatform/traced/internal/ids"
	"github.com/GoogleCloudPlatform/traced/internal/tracebuf"
)

// Registry holds every tracing session the service core currently knows
// about, keyed by TracingSessionId. The service's single task-runner
// goroutine is the only caller, but haxmap is used anyway for the same
// reason the teacher uses it for its flow tables: a concurrent map is the
// idiom for an id-keyed registry in this codebase regardless of whether
// the particular call site happens to be single-threaded today.
type Registry struct {
	sessions *haxmap.Map[uint64, *Session]
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: haxmap.New[uint64, *Session]()}
}

// Get looks up a session by id.
func (r *Registry) Get(id ids.TracingSessionId) (*Session, bool) {
	return r.sessions.Get(uint64(id))
}

// Enable runs the full §4.6 Enable algorithm: validate the config,
// allocate buffers (rolling back on partial failure), fan out data
// source instances to every producer currently offering a named data
// source, and register the resulting session. nextInstanceID mints
// DataSourceInstanceIds from the service's shared sequence.
func (r *Registry) Enable(id ids.TracingSessionId, cfg config.Config, index DataSourceIndex, pool *ids.BufferIdPool, nextInstanceID func() ids.DataSourceInstanceId) (*Session, error) {
	s, err := enable(id, cfg, index, pool)
	if err != nil {
		return nil, err
	}
	s.activate(index, nextInstanceID)
	r.sessions.Set(uint64(id), s)
	return s, nil
}

// Disable tears down a session's instances and marks it Disabled. A
// missing id is a no-op, matching the weak-reference style of the
// duration-based auto-disable task: the session may already have been
// freed by the time the timer fires.
func (r *Registry) Disable(id ids.TracingSessionId) error {
	s, ok := r.sessions.Get(uint64(id))
	if !ok {
		return nil
	}
	return s.Disable()
}

// Free disables (if still Tracing) and releases a session's buffers back
// to the pool, then removes it from the registry.
func (r *Registry) Free(id ids.TracingSessionId, pool *ids.BufferIdPool) error {
	s, ok := r.sessions.Get(uint64(id))
	if !ok {
		return nil
	}
	err := s.Disable()
	for _, b := range s.buffers {
		pool.Free(b.ID())
		b.Destroy()
	}
	r.sessions.Del(uint64(id))
	return err
}

// RemoveProducer prunes producerID's instances from every session that
// references it, e.g. on producer disconnect.
func (r *Registry) RemoveProducer(producerID ids.ProducerId) {
	r.sessions.ForEach(func(_ uint64, s *Session) bool {
		s.RemoveProducer(producerID)
		return true
	})
}

// NotifyDataSourceRegistered fans a newly registered (producer, name)
// pair out to every Tracing session that names it, per §4.4's
// RegisterDataSource contract ("scans all active sessions").
func (r *Registry) NotifyDataSourceRegistered(host ProducerHost, name string, nextInstanceID func() ids.DataSourceInstanceId) {
	r.sessions.ForEach(func(_ uint64, s *Session) bool {
		s.notifyDataSourceRegistered(host, name, nextInstanceID)
		return true
	})
}

// FindBuffer scans every registered session for one owning BufferId id.
// Used by the service core to route a committed shared-memory page to
// its destination trace buffer without maintaining a second, redundant
// global buffer index.
func (r *Registry) FindBuffer(id ids.BufferId) (*tracebuf.Buffer, bool) {
	var found *tracebuf.Buffer
	r.sessions.ForEach(func(_ uint64, s *Session) bool {
		if b, ok := s.BufferByID(id); ok {
			found = b
			return false
		}
		return true
	})
	return found, found != nil
}

// Len reports how many sessions are currently registered.
func (r *Registry) Len() uintptr {
	return r.sessions.Len()
}

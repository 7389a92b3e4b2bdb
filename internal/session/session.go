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

// Package session implements the tracing-session state machine: config
// validation, buffer allocation, fan-out of data-source instances to
// producers, and teardown (§4.6).
package session

import (
	"errors"

	"go.uber.org/multierr"

	"github.com/GoogleCloudPlatform/traced/internal/config"
	"github.com/GoogleCloudPlatform/traced/internal/ids"
	"github.com/GoogleCloudPlatform/traced/internal/tracebuf"
)

// State is a session's position in the Configured -> Tracing -> Disabled
// lifecycle.
type State int

const (
	Configured State = iota
	Tracing
	Disabled
)

func (s State) String() string {
	switch s {
	case Configured:
		return "configured"
	case Tracing:
		return "tracing"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ProducerHost is the narrow view of a connected producer that the
// session state machine needs: enough to fan out and tear down
// data-source instances and to request flushes. internal/producer.Endpoint
// satisfies this interface.
type ProducerHost interface {
	ID() ids.ProducerId
	Name() string
	CreateDataSourceInstance(instanceID ids.DataSourceInstanceId, cfg config.DataSourceConfig, targetBuffer ids.BufferId) error
	TearDownDataSourceInstance(instanceID ids.DataSourceInstanceId) error
	Flush(reqID ids.FlushRequestId, instanceIDs []ids.DataSourceInstanceId) error
}

// matchesProducerFilter reports whether host passes ds's optional
// producer_name_filter (§6): an empty filter matches every producer, a
// non-empty one requires an exact match against the producer's
// self-reported name.
func matchesProducerFilter(ds config.DataSourceConfig, host ProducerHost) bool {
	return ds.ProducerNameFilter == "" || ds.ProducerNameFilter == host.Name()
}

// DataSourceIndex resolves a data-source name to every producer currently
// offering it. The service core owns the concrete index (a name-keyed
// multimap over connected producers); session only depends on this
// interface to avoid importing the service package.
type DataSourceIndex interface {
	Lookup(name string) []ProducerHost
}

type instanceRecord struct {
	id       ids.DataSourceInstanceId
	producer ProducerHost
	dsName   string
}

// Session is one enable-to-free lifecycle owned by a single consumer.
type Session struct {
	id     ids.TracingSessionId
	config config.Config
	state  State

	buffers     []*tracebuf.Buffer
	bufferIndex map[ids.BufferId]*tracebuf.Buffer

	instances         map[ids.DataSourceInstanceId]*instanceRecord
	producerInstances map[ids.ProducerId][]ids.DataSourceInstanceId
	producerHosts     map[ids.ProducerId]ProducerHost
}

var (
	ErrBufferPoolExhausted = errors.New("session: buffer id pool exhausted")
)

// ID returns the session's immutable id.
func (s *Session) ID() ids.TracingSessionId { return s.id }

// Config returns the exact configuration supplied to Enable, including
// any fields this core does not interpret.
func (s *Session) Config() config.Config { return s.config }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// Buffers returns the session's trace buffers, indexed session-locally as
// configured.
func (s *Session) Buffers() []*tracebuf.Buffer { return s.buffers }

// BufferByID looks up one of the session's buffers by its global
// BufferId.
func (s *Session) BufferByID(id ids.BufferId) (*tracebuf.Buffer, bool) {
	b, ok := s.bufferIndex[id]
	return b, ok
}

// InstanceCount returns |data_source_instances[producerID]|, the
// testable invariant from §8.
func (s *Session) InstanceCount(producerID ids.ProducerId) int {
	return len(s.producerInstances[producerID])
}

func (s *Session) addInstance(instID ids.DataSourceInstanceId, host ProducerHost, dsName string) {
	s.instances[instID] = &instanceRecord{id: instID, producer: host, dsName: dsName}
	pid := host.ID()
	s.producerInstances[pid] = append(s.producerInstances[pid], instID)
	if s.producerHosts == nil {
		s.producerHosts = make(map[ids.ProducerId]ProducerHost)
	}
	s.producerHosts[pid] = host
}

func (s *Session) hasInstanceFor(producerID ids.ProducerId, dsName string) bool {
	for _, instID := range s.producerInstances[producerID] {
		if s.instances[instID].dsName == dsName {
			return true
		}
	}
	return false
}

// enable runs the first half of the §4.6 Enable algorithm: validate the
// config and allocate its buffers, returning a Configured session.
// Buffer allocation failures roll back every buffer/id already acquired
// this call. Fan-out of data-source instances is done afterwards by
// activate.
func enable(id ids.TracingSessionId, cfg config.Config, index DataSourceIndex, pool *ids.BufferIdPool) (*Session, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	var allocated []ids.BufferId
	var buffers []*tracebuf.Buffer
	rollback := func() {
		for _, bid := range allocated {
			pool.Free(bid)
		}
		for _, b := range buffers {
			b.Destroy()
		}
	}

	for _, bc := range cfg.Buffers {
		bid, ok := pool.Allocate()
		if !ok {
			rollback()
			return nil, ErrBufferPoolExhausted
		}
		allocated = append(allocated, bid)

		buf, err := tracebuf.Create(bid, bc.PageRoundedSize())
		if err != nil {
			rollback()
			return nil, err
		}
		buffers = append(buffers, buf)
	}

	s := &Session{
		id:                id,
		config:            cfg,
		state:             Configured,
		buffers:           buffers,
		bufferIndex:       make(map[ids.BufferId]*tracebuf.Buffer, len(buffers)),
		instances:         make(map[ids.DataSourceInstanceId]*instanceRecord),
		producerInstances: make(map[ids.ProducerId][]ids.DataSourceInstanceId),
		producerHosts:     make(map[ids.ProducerId]ProducerHost),
	}
	for _, b := range buffers {
		s.bufferIndex[b.ID()] = b
	}
	return s, nil
}

// activate fans out data-source instances to every producer currently
// offering a configured data source name, and transitions to Tracing.
// Per-producer CreateDataSourceInstance failures do not abort it (a
// producer can reject one data source and still host others); the
// rejected instance is simply left out of the instance map.
// Split from enable() so the caller (Registry.Enable) can mint instance
// ids from its own sequence without session importing internal/ids'
// Sequence type into its construction path.
func (s *Session) activate(index DataSourceIndex, nextInstanceID func() ids.DataSourceInstanceId) {
	for _, ds := range s.config.DataSources {
		targetBufferID := s.buffers[ds.TargetBuffer].ID()
		for _, host := range index.Lookup(ds.Name) {
			if !matchesProducerFilter(ds, host) {
				continue
			}
			if s.hasInstanceFor(host.ID(), ds.Name) {
				continue
			}
			instID := nextInstanceID()
			if err := host.CreateDataSourceInstance(instID, ds, targetBufferID); err != nil {
				continue
			}
			s.addInstance(instID, host, ds.Name)
		}
	}
	s.state = Tracing
}

// Disable tears down every live instance and marks the session Disabled.
// Buffers are retained so ReadBuffers keeps working. Idempotent: disabling
// an already-Disabled session is a no-op.
func (s *Session) Disable() error {
	if s.state != Tracing {
		return nil
	}
	var errs error
	for _, inst := range s.instances {
		if err := inst.producer.TearDownDataSourceInstance(inst.id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	s.instances = make(map[ids.DataSourceInstanceId]*instanceRecord)
	s.producerInstances = make(map[ids.ProducerId][]ids.DataSourceInstanceId)
	s.producerHosts = make(map[ids.ProducerId]ProducerHost)
	s.state = Disabled
	return errs
}

// FlushTargets returns a snapshot of every producer currently hosting at
// least one live instance, and the instance ids to flush on each — the
// dispatch list the §4.6 Flush algorithm sends Flush(id, instance_ids)
// to. The caller (internal/consumer) owns ack/timeout bookkeeping, since
// that is per-request state a session has no reason to carry.
func (s *Session) FlushTargets() map[ids.ProducerId][]ids.DataSourceInstanceId {
	targets := make(map[ids.ProducerId][]ids.DataSourceInstanceId, len(s.producerInstances))
	for pid, instIDs := range s.producerInstances {
		if len(instIDs) == 0 {
			continue
		}
		cp := make([]ids.DataSourceInstanceId, len(instIDs))
		copy(cp, instIDs)
		targets[pid] = cp
	}
	return targets
}

// ProducerHost returns the registered host for producerID, if it is
// currently hosting at least one live instance of this session.
func (s *Session) ProducerHost(producerID ids.ProducerId) (ProducerHost, bool) {
	host, ok := s.producerHosts[producerID]
	return host, ok
}

// RemoveProducer prunes every instance hosted by producerID (called when
// that producer disconnects) and reports how many were removed. The
// session continues running with its remaining producers.
func (s *Session) RemoveProducer(producerID ids.ProducerId) int {
	instIDs := s.producerInstances[producerID]
	for _, instID := range instIDs {
		delete(s.instances, instID)
	}
	delete(s.producerInstances, producerID)
	delete(s.producerHosts, producerID)
	return len(instIDs)
}

// notifyDataSourceRegistered is called when a producer newly registers a
// data source; every Tracing session that names it gets a fresh instance
// on that producer, unless one already exists (re-registration after a
// transient unregister).
func (s *Session) notifyDataSourceRegistered(host ProducerHost, name string, nextInstanceID func() ids.DataSourceInstanceId) {
	if s.state != Tracing {
		return
	}
	for _, ds := range s.config.DataSources {
		if ds.Name != name || s.hasInstanceFor(host.ID(), name) {
			continue
		}
		if !matchesProducerFilter(ds, host) {
			continue
		}
		targetBufferID := s.buffers[ds.TargetBuffer].ID()
		instID := nextInstanceID()
		if err := host.CreateDataSourceInstance(instID, ds, targetBufferID); err == nil {
			s.addInstance(instID, host, name)
		}
	}
}

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

// Package service wires the producer, consumer, and session subsystems
// together into the tracing service core described in §4.7: the
// id-keyed registries, the data-source name index, the buffer id pool,
// and the single-threaded task runner everything else is dispatched
// through.
package service

import (
	"github.com/alphadose/haxmap"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/traced/internal/consumer"
	"github.com/GoogleCloudPlatform/traced/internal/ids"
	"github.com/GoogleCloudPlatform/traced/internal/producer"
	"github.com/GoogleCloudPlatform/traced/internal/reassembly"
	"github.com/GoogleCloudPlatform/traced/internal/session"
	"github.com/GoogleCloudPlatform/traced/internal/smb"
)

// Service is the tracing service core: a service handle passed to
// producer and consumer endpoints explicitly, rather than reaching for
// package-level globals (see DESIGN.md's notes on this choice).
type Service struct {
	Pool      *ids.BufferIdPool
	Seq       *ids.Sequence
	Sessions  *session.Registry
	Names     *NameIndex
	Producers *haxmap.Map[uint32, *producer.Endpoint]
	Runner    *TaskRunner
	Stats     *Stats
	Log       *zap.Logger
}

// New constructs a service core with its own task runner. Call
// Runner.Run in a dedicated goroutine before handling any IPC traffic,
// and Runner.Stop to shut down. log may be nil.
func New(log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Pool:      ids.NewBufferIdPool(),
		Seq:       &ids.Sequence{},
		Sessions:  session.NewRegistry(),
		Names:     NewNameIndex(),
		Producers: haxmap.New[uint32, *producer.Endpoint](),
		Runner:    NewTaskRunner(DefaultTaskQueueSize),
		Stats:     &Stats{},
		Log:       log,
	}
}

// RegisterProducer mmaps regionPath as a regionPages-page shared-memory
// region and constructs a producer endpoint bound to it, hooked back
// into this service for data-source registration and page delivery. name
// is the producer's self-reported identity, matched against a data
// source's producer_name_filter (§6); it may be empty.
func (s *Service) RegisterProducer(transport producer.Transport, name, regionPath string, regionPages int) (*producer.Endpoint, error) {
	region, err := smb.NewRegion(regionPath, regionPages)
	if err != nil {
		return nil, err
	}
	id := s.Seq.NextProducerId()
	ep := producer.New(id, name, transport, s, region, s.Seq, s.Log)
	s.Producers.Set(uint32(id), ep)
	return ep, nil
}

// UnregisterProducer tears down a producer's bookkeeping on disconnect:
// its name-index entries and its instances in every session that held
// one.
func (s *Service) UnregisterProducer(id ids.ProducerId) {
	ep, ok := s.Producers.Get(uint32(id))
	if !ok {
		return
	}
	s.Sessions.RemoveProducer(id)
	s.Names.RemoveAll(ep)
	s.Producers.Del(uint32(id))
}

// NewConsumer constructs a consumer endpoint bound to this service's
// shared session registry, buffer pool, sequence, and task runner.
func (s *Service) NewConsumer(transport consumer.Transport) *consumer.Endpoint {
	return consumer.New(transport, s.Sessions, s, s.Pool, s.Seq, s.Runner, s.Log)
}

// Lookup satisfies session.DataSourceIndex, backed by the service's
// name index.
func (s *Service) Lookup(name string) []session.ProducerHost {
	return s.Names.Lookup(name)
}

// OnDataSourceRegistered satisfies producer.Hooks: it records the new
// (producer, name) pair in the name index and fans it out to every
// tracing session that already names it.
func (s *Service) OnDataSourceRegistered(host *producer.Endpoint, name string) {
	s.Names.Add(host, name)
	s.Sessions.NotifyDataSourceRegistered(host, name, s.Seq.NextDataSourceInstanceId)
}

// OnPageCommitted satisfies producer.Hooks: it routes one
// acquired-for-reading page to its destination trace buffer, wherever
// that buffer's owning session lives. A BufferId with no live owner
// (the session was freed mid-flight) is counted, not treated as fatal.
func (s *Service) OnPageCommitted(producerID ids.ProducerId, targetBuffer ids.BufferId, page *smb.Page, layout smb.Layout) {
	buf, ok := s.Sessions.FindBuffer(targetBuffer)
	if !ok {
		s.Stats.UnknownTargetBuffer.Add(1)
		return
	}
	buf.CopyPage(page, layout, producerID)
}

// ReadBuffersFor drains ep's session and folds the resulting reassembly
// stats into the service-wide counters exposed via Stats.Snapshot, the
// "reserved pseudo-buffer" read §7 describes.
func (s *Service) ReadBuffersFor(ep *consumer.Endpoint) (reassembly.Stats, error) {
	stats, err := ep.ReadBuffers()
	s.Stats.addReassembly(stats.GapsDetected, stats.ParseErrors, stats.PacketsTooLong, stats.PacketsEmitted)
	return stats, err
}

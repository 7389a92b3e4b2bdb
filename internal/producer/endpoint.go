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

// Package producer implements the producer-facing half of the service
// core (§4.4): data source registration, shared-memory change
// notification, and patch commits, plus the service->producer callback
// surface (create/teardown/flush).
package producer

import (
	"errors"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/traced/internal/config"
	"github.com/GoogleCloudPlatform/traced/internal/ids"
	"github.com/GoogleCloudPlatform/traced/internal/smb"
)

// Transport delivers the service->producer callbacks (§4.4) over
// whatever IPC mechanism connects this process to the producer; that
// mechanism itself is out of scope (see SPEC_FULL.md's External
// Interfaces section). Tests and cmd/traced supply in-process fakes.
type Transport interface {
	CreateDataSourceInstance(instanceID ids.DataSourceInstanceId, cfg config.DataSourceConfig, targetBuffer ids.BufferId) error
	TearDownDataSourceInstance(instanceID ids.DataSourceInstanceId) error
	Flush(reqID ids.FlushRequestId, instanceIDs []ids.DataSourceInstanceId) error
}

// Hooks lets the service core react to producer-originated events
// without producer importing the service package (which owns the
// session registry and the name index).
type Hooks interface {
	// OnDataSourceRegistered fans the new (producer, name) pair out to
	// every tracing session that already names it.
	OnDataSourceRegistered(host *Endpoint, name string)
	// OnPageCommitted delivers one acquired-for-reading page to its
	// target trace buffer, identified by the global BufferId stamped
	// into the page at claim time. A BufferId with no live buffer (the
	// session was freed mid-flight) is handled silently.
	OnPageCommitted(producerID ids.ProducerId, targetBuffer ids.BufferId, page *smb.Page, layout smb.Layout)
}

type dataSource struct {
	id   ids.DataSourceId
	name string
}

type patchKey struct {
	writerID uint16
	chunkID  uint16
}

// Endpoint is the service's per-connection state for one producer: its
// registered data sources, the outstanding-patch bookkeeping that
// resolves §9's patch/read ordering question, and the region of shared
// memory it writes into.
type Endpoint struct {
	id        ids.ProducerId
	name      string
	transport Transport
	hooks     Hooks
	region    *smb.Region
	log       *zap.Logger
	seq       *ids.Sequence

	mu          sync.Mutex
	dataSources map[ids.DataSourceId]dataSource
	byName      map[string]ids.DataSourceId

	// outstanding counts in-flight CommitData patches per (writerID,
	// chunkID). A page is skipped by NotifySharedMemoryUpdate for as
	// long as any of its chunks has a nonzero count here: per
	// SPEC_FULL.md's resolution of the Open Question in §9, a chunk may
	// not transition Complete -> BeingRead while patches addressed to it
	// are still outstanding, even though the writer already released it
	// as Complete.
	outstanding map[patchKey]int
}

var (
	// ErrDataSourceNotFound is returned by UnregisterDataSource for an
	// unknown id.
	ErrDataSourceNotFound = errors.New("producer: data source not registered")
	// ErrPatchTooLate is returned by CommitData when the target chunk
	// has already been read and released back to Free; the patch is
	// dropped, matching the class-4 "stale handle" error family in §7.
	ErrPatchTooLate = errors.New("producer: chunk already read, patch dropped")
)

// New constructs a producer endpoint. log may be nil, in which case a
// no-op logger is used. name is the producer's self-reported identity
// (e.g. its process or binary name); it may be empty, in which case it
// never matches a data source's producer_name_filter.
func New(id ids.ProducerId, name string, transport Transport, hooks Hooks, region *smb.Region, seq *ids.Sequence, log *zap.Logger) *Endpoint {
	if log == nil {
		log = zap.NewNop()
	}
	return &Endpoint{
		id:          id,
		name:        name,
		transport:   transport,
		hooks:       hooks,
		region:      region,
		seq:         seq,
		log:         log.With(zap.Uint32("producer_id", uint32(id))),
		dataSources: make(map[ids.DataSourceId]dataSource),
		byName:      make(map[string]ids.DataSourceId),
		outstanding: make(map[patchKey]int),
	}
}

// ID returns this endpoint's producer id.
func (e *Endpoint) ID() ids.ProducerId { return e.id }

// Name returns this endpoint's self-reported producer name, used to
// match a data source's producer_name_filter (§6). May be empty.
func (e *Endpoint) Name() string { return e.name }

// Region returns the shared-memory region backing this producer. The
// actual write path (TryAcquireChunkForWriting / ReleaseChunkAsComplete)
// happens on the producer's side of the IPC boundary, which is out of
// scope here; this accessor is what that write path, wherever it lives,
// uses to reach its pages.
func (e *Endpoint) Region() *smb.Region { return e.region }

// RegisterDataSource adds name to this producer's advertised data
// sources and notifies every tracing session that already names it.
func (e *Endpoint) RegisterDataSource(name string) ids.DataSourceId {
	e.mu.Lock()
	dsID := e.seq.NextDataSourceId()
	e.dataSources[dsID] = dataSource{id: dsID, name: name}
	e.byName[name] = dsID
	e.mu.Unlock()

	e.log.Info("data source registered", zap.String("name", name), zap.Uint32("ds_id", uint32(dsID)))
	if e.hooks != nil {
		e.hooks.OnDataSourceRegistered(e, name)
	}
	return dsID
}

// UnregisterDataSource removes a previously registered data source.
func (e *Endpoint) UnregisterDataSource(dsID ids.DataSourceId) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, ok := e.dataSources[dsID]
	if !ok {
		return ErrDataSourceNotFound
	}
	delete(e.dataSources, dsID)
	delete(e.byName, ds.name)
	return nil
}

// HasDataSource reports whether name is currently registered.
func (e *Endpoint) HasDataSource(name string) (ids.DataSourceId, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byName[name]
	return id, ok
}

// CreateDataSourceInstance forwards to the transport with bounded retry,
// satisfying session.ProducerHost.
func (e *Endpoint) CreateDataSourceInstance(instanceID ids.DataSourceInstanceId, cfg config.DataSourceConfig, targetBuffer ids.BufferId) error {
	return retry.Do(
		func() error { return e.transport.CreateDataSourceInstance(instanceID, cfg, targetBuffer) },
		retry.Attempts(3),
	)
}

// TearDownDataSourceInstance forwards to the transport with bounded
// retry, satisfying session.ProducerHost.
func (e *Endpoint) TearDownDataSourceInstance(instanceID ids.DataSourceInstanceId) error {
	return retry.Do(
		func() error { return e.transport.TearDownDataSourceInstance(instanceID) },
		retry.Attempts(3),
	)
}

// Flush forwards to the transport with bounded retry, satisfying
// session.ProducerHost.
func (e *Endpoint) Flush(reqID ids.FlushRequestId, instanceIDs []ids.DataSourceInstanceId) error {
	return retry.Do(
		func() error { return e.transport.Flush(reqID, instanceIDs) },
		retry.Attempts(3),
	)
}

// NotifySharedMemoryUpdate is called when the producer signals that one
// or more pages changed. changedPages may contain duplicates (e.g. from
// coalesced fsnotify events); they're deduplicated via a set before any
// page is touched twice. Each page with no outstanding patches is
// acquired whole-page-atomically for reading, delivered to its target
// buffer, and released back to Free.
func (e *Endpoint) NotifySharedMemoryUpdate(changedPages []int) {
	pages := mapset.NewThreadUnsafeSet(changedPages...)
	pages.Each(func(idx int) bool {
		if idx < 0 || idx >= e.region.NumPages() {
			return false
		}
		page := e.region.Page(idx)
		if e.pageHasOutstandingPatches(page) {
			return false // retried on the next notification
		}
		if !smb.TryAcquireAllChunksForReading(page) {
			return false
		}
		layout := page.Layout()
		targetBuffer, _ := page.TargetBuffer()
		if e.hooks != nil {
			e.hooks.OnPageCommitted(e.id, ids.BufferId(targetBuffer), page, layout)
		}
		smb.ReleaseAllChunksAsFree(page)
		return false
	})
}

func (e *Endpoint) pageHasOutstandingPatches(page *smb.Page) bool {
	layout := page.Layout()
	n, ok := smb.GetNumChunksForLayout(layout)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < n; i++ {
		c := smb.GetChunkUnchecked(page, layout, i)
		if e.outstanding[patchKey{c.WriterID(), c.ChunkID()}] > 0 {
			return true
		}
	}
	return false
}

// Sweep runs one deadline-sweep pass over every page in this producer's
// region, forcing stuck BeingWritten chunks back to Free once a page has
// sat incomplete for longer than sweeper's timeout (a crashed producer
// mid-write). Intended to be posted as a recurring task by the service's
// task runner.
func (e *Endpoint) Sweep(sweeper *smb.Sweeper) int {
	total := 0
	for i := 0; i < e.region.NumPages(); i++ {
		total += sweeper.Observe(i, e.region.Page(i))
	}
	return total
}

// RegisterPendingPatch records that a patch addressed to (writerID,
// chunkID) is about to be applied, before the producer's patching thread
// actually writes the bytes. Call this first, then CommitData once the
// bytes are ready; this ordering is what lets
// NotifySharedMemoryUpdate observe the pending patch and defer the page.
func (e *Endpoint) RegisterPendingPatch(writerID, chunkID uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outstanding[patchKey{writerID, chunkID}]++
}

// CommitData writes patch into chunk's payload at offset and clears one
// outstanding-patch count for (writerID, chunkID). If the chunk has
// already been acquired for reading (its state is no longer Complete or
// BeingWritten, i.e. the service got there first), the patch is dropped
// and ErrPatchTooLate is returned: the data already left the SMB.
func (e *Endpoint) CommitData(page *smb.Page, layout smb.Layout, chunkIdx int, offset int, patch []byte) error {
	c := smb.GetChunkUnchecked(page, layout, chunkIdx)
	defer func() {
		e.mu.Lock()
		key := patchKey{c.WriterID(), c.ChunkID()}
		if e.outstanding[key] > 0 {
			e.outstanding[key]--
		}
		e.mu.Unlock()
	}()

	if c.State() == smb.BeingRead || c.State() == smb.Free {
		return ErrPatchTooLate
	}
	payload := c.Payload()
	if offset < 0 || offset+len(patch) > len(payload) {
		return ErrPatchTooLate
	}
	copy(payload[offset:offset+len(patch)], patch)
	return nil
}

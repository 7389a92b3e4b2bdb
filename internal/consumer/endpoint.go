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

// Package consumer implements the consumer-facing half of the service
// core (§4.5): EnableTracing/DisableTracing/ReadBuffers/FreeBuffers, and
// the one-session-per-consumer invariant.
package consumer

import (
	"errors"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/traced/internal/config"
	"github.com/GoogleCloudPlatform/traced/internal/ids"
	"github.com/GoogleCloudPlatform/traced/internal/reassembly"
	"github.com/GoogleCloudPlatform/traced/internal/session"
	"github.com/GoogleCloudPlatform/traced/internal/smb"
)

// Transport delivers reassembled trace data and flush completions back
// to the consumer over whatever IPC mechanism connects it to this
// process; out of scope, same as producer.Transport.
type Transport interface {
	OnTraceData(packets []reassembly.Packet, hasMore bool)
	// OnFlushComplete is invoked once every producer targeted by a Flush
	// call has acknowledged, or the flush's timeout elapsed first
	// (timedOut true); per §5's "invoke the consumer callback with
	// whatever has been committed" on expiry.
	OnFlushComplete(reqID ids.FlushRequestId, timedOut bool)
}

// DefaultFlushTimeoutMS bounds how long a Flush call waits for producer
// acknowledgement before declaring it timed out, per §5's "a Flush
// carries a timeout". Used for flushes the periodic flush_period_ms task
// issues; a caller driving Flush directly passes its own timeoutMS.
const DefaultFlushTimeoutMS = 5000

// ErrAlreadyTracing is the class-1 error returned by EnableTracing when
// this consumer already owns a session; §8 requires the second call to
// be rejected, not queued.
var ErrAlreadyTracing = errors.New("consumer: this connection already owns a tracing session")

// ErrNoSession is returned by operations that require an owned session
// when none has been enabled yet.
var ErrNoSession = errors.New("consumer: no tracing session enabled on this connection")

// Scheduler lets the service core arrange a delayed callback without
// consumer importing the service's task runner.
type Scheduler interface {
	PostDelayed(delayMS int64, fn func())
}

// pendingFlush tracks one in-flight Flush call until every targeted
// producer has acknowledged or the timeout fires, whichever is first.
type pendingFlush struct {
	remaining int
}

// Endpoint is the service's per-connection state for one consumer.
type Endpoint struct {
	transport Transport
	registry  *session.Registry
	index     session.DataSourceIndex
	pool      *ids.BufferIdPool
	seq       *ids.Sequence
	scheduler Scheduler
	log       *zap.Logger

	owned    ids.TracingSessionId
	hasOwned bool

	pendingFlushes map[ids.FlushRequestId]*pendingFlush
}

// New constructs a consumer endpoint. log may be nil.
func New(transport Transport, registry *session.Registry, index session.DataSourceIndex, pool *ids.BufferIdPool, seq *ids.Sequence, scheduler Scheduler, log *zap.Logger) *Endpoint {
	if log == nil {
		log = zap.NewNop()
	}
	return &Endpoint{
		transport:      transport,
		registry:       registry,
		index:          index,
		pool:           pool,
		seq:            seq,
		scheduler:      scheduler,
		log:            log,
		pendingFlushes: make(map[ids.FlushRequestId]*pendingFlush),
	}
}

// EnableTracing validates and activates cfg as a new tracing session
// owned by this consumer. Rejects if this consumer already owns a
// session (§8: "second EnableTracing call on the same consumer ->
// rejected").
func (e *Endpoint) EnableTracing(cfg config.Config) (ids.TracingSessionId, error) {
	if e.hasOwned {
		return 0, ErrAlreadyTracing
	}
	id := e.seq.NextTracingSessionId()
	_, err := e.registry.Enable(id, cfg, e.index, e.pool, func() ids.DataSourceInstanceId {
		return e.seq.NextDataSourceInstanceId()
	})
	if err != nil {
		return 0, err
	}
	e.owned = id
	e.hasOwned = true

	if cfg.DurationMS > 0 && e.scheduler != nil {
		e.scheduler.PostDelayed(cfg.DurationMS, func() {
			_ = e.registry.Disable(id)
		})
	}
	if cfg.FlushPeriodMS > 0 && e.scheduler != nil {
		e.scheduleNextPeriodicFlush(id, cfg.FlushPeriodMS)
	}
	e.log.Info("tracing session enabled", zap.Uint64("session_id", uint64(id)))
	return id, nil
}

// scheduleNextPeriodicFlush posts one flush_period_ms-delayed tick that
// issues a Flush and reschedules itself, mirroring the duration_ms
// delayed-disable task's weak-reference pattern: each tick re-checks the
// registry by id and stops the chain silently once the session is gone
// or no longer owned by this consumer, rather than requiring an explicit
// cancel path.
func (e *Endpoint) scheduleNextPeriodicFlush(id ids.TracingSessionId, periodMS int64) {
	e.scheduler.PostDelayed(periodMS, func() {
		if !e.hasOwned || e.owned != id {
			return
		}
		if _, ok := e.registry.Get(id); !ok {
			return
		}
		_, _ = e.Flush(DefaultFlushTimeoutMS)
		e.scheduleNextPeriodicFlush(id, periodMS)
	})
}

// DisableTracing tears down this consumer's session without releasing
// its buffers, so ReadBuffers can still drain whatever was captured.
func (e *Endpoint) DisableTracing() error {
	if !e.hasOwned {
		return ErrNoSession
	}
	return e.registry.Disable(e.owned)
}

// FreeBuffers releases this consumer's session entirely: disables it if
// still tracing, returns its buffer ids to the pool, and forgets it.
func (e *Endpoint) FreeBuffers() error {
	if !e.hasOwned {
		return ErrNoSession
	}
	err := e.registry.Free(e.owned, e.pool)
	e.hasOwned = false
	return err
}

// Flush runs the §4.6 Flush algorithm: allocates a FlushRequestId, sends
// Flush(id, instance_ids) to every producer hosting a live instance of
// this consumer's session, and completes by invoking the transport's
// OnFlushComplete once every producer has acknowledged or timeoutMS
// elapses first (§5's "a Flush carries a timeout"). A session with no
// live instances completes immediately with timedOut=false.
func (e *Endpoint) Flush(timeoutMS int64) (ids.FlushRequestId, error) {
	if !e.hasOwned {
		return 0, ErrNoSession
	}
	s, ok := e.registry.Get(e.owned)
	if !ok {
		return 0, ErrNoSession
	}

	reqID := e.seq.NextFlushRequestId()
	targets := s.FlushTargets()
	if len(targets) == 0 {
		e.completeFlush(reqID, false)
		return reqID, nil
	}

	e.pendingFlushes[reqID] = &pendingFlush{remaining: len(targets)}
	if e.scheduler != nil && timeoutMS > 0 {
		e.scheduler.PostDelayed(timeoutMS, func() { e.timeoutFlush(reqID) })
	}

	for pid, instIDs := range targets {
		host, ok := s.ProducerHost(pid)
		if !ok {
			e.ackFlush(reqID)
			continue
		}
		if err := host.Flush(reqID, instIDs); err != nil {
			e.log.Warn("producer flush failed", zap.Uint32("producer_id", uint32(pid)), zap.Error(err))
		}
		e.ackFlush(reqID)
	}
	return reqID, nil
}

// ackFlush records one producer's Flush acknowledgement (successful or
// not — an error means the producer responded, it just couldn't
// comply) and completes the flush once every target has acked.
func (e *Endpoint) ackFlush(reqID ids.FlushRequestId) {
	pf, ok := e.pendingFlushes[reqID]
	if !ok {
		return // already completed, e.g. by a prior timeout
	}
	pf.remaining--
	if pf.remaining <= 0 {
		delete(e.pendingFlushes, reqID)
		e.completeFlush(reqID, false)
	}
}

// timeoutFlush fires when a flush's timeout elapses before every
// producer acknowledged; per §5 the consumer callback still runs, with
// whatever was committed by then.
func (e *Endpoint) timeoutFlush(reqID ids.FlushRequestId) {
	if _, ok := e.pendingFlushes[reqID]; !ok {
		return // completed already
	}
	delete(e.pendingFlushes, reqID)
	e.completeFlush(reqID, true)
}

func (e *Endpoint) completeFlush(reqID ids.FlushRequestId, timedOut bool) {
	e.log.Info("flush complete", zap.Uint64("flush_request_id", uint64(reqID)), zap.Bool("timed_out", timedOut))
	e.transport.OnFlushComplete(reqID, timedOut)
}

// ReadBuffers drains every buffer in this consumer's session through a
// fresh reassembler (scoped to this one call, per
// internal/reassembly's documented lifetime) and delivers the results to
// the transport one batch per buffer, with hasMore true on every batch
// but the last.
func (e *Endpoint) ReadBuffers() (reassembly.Stats, error) {
	if !e.hasOwned {
		return reassembly.Stats{}, ErrNoSession
	}
	s, ok := e.registry.Get(e.owned)
	if !ok {
		return reassembly.Stats{}, ErrNoSession
	}

	var total reassembly.Stats
	buffers := s.Buffers()
	for i, buf := range buffers {
		r := reassembly.New(0)
		buf.ForEachChunk(func(producerID ids.ProducerId, writerID, chunkID uint16, payload []byte, packetCount uint16, flags smb.Flags) {
			r.Feed(producerID, writerID, chunkID, payload, packetCount, flags)
		})

		var batch []reassembly.Packet
		stats := r.Drain(func(p reassembly.Packet) { batch = append(batch, p) })
		total.GapsDetected += stats.GapsDetected
		total.ParseErrors += stats.ParseErrors
		total.PacketsTooLong += stats.PacketsTooLong
		total.PacketsEmitted += stats.PacketsEmitted

		hasMore := i < len(buffers)-1
		e.transport.OnTraceData(batch, hasMore)
	}
	return total, nil
}

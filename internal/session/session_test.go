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

package session_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/traced/internal/config"
	"github.com/GoogleCloudPlatform/traced/internal/ids"
	"github.com/GoogleCloudPlatform/traced/internal/session"
)

type fakeProducer struct {
	id          ids.ProducerId
	name        string
	rejectNames map[string]bool
	created     []ids.DataSourceInstanceId
	tornDown    []ids.DataSourceInstanceId
	flushed     []ids.FlushRequestId
}

func newFakeProducer(id ids.ProducerId) *fakeProducer {
	return &fakeProducer{id: id, rejectNames: map[string]bool{}}
}

func (p *fakeProducer) ID() ids.ProducerId { return p.id }

func (p *fakeProducer) Name() string { return p.name }

func (p *fakeProducer) CreateDataSourceInstance(instID ids.DataSourceInstanceId, cfg config.DataSourceConfig, _ ids.BufferId) error {
	if p.rejectNames[cfg.Name] {
		return errors.New("rejected")
	}
	p.created = append(p.created, instID)
	return nil
}

func (p *fakeProducer) TearDownDataSourceInstance(instID ids.DataSourceInstanceId) error {
	p.tornDown = append(p.tornDown, instID)
	return nil
}

func (p *fakeProducer) Flush(reqID ids.FlushRequestId, _ []ids.DataSourceInstanceId) error {
	p.flushed = append(p.flushed, reqID)
	return nil
}

type fakeIndex struct {
	byName map[string][]session.ProducerHost
}

func (idx *fakeIndex) Lookup(name string) []session.ProducerHost { return idx.byName[name] }

func oneBufferConfig(dsNames ...string) config.Config {
	var dss []config.DataSourceConfig
	for _, n := range dsNames {
		dss = append(dss, config.DataSourceConfig{Name: n, TargetBuffer: 0})
	}
	return config.Config{Buffers: []config.BufferConfig{{SizeKB: 4}}, DataSources: dss}
}

func TestEnableFansOutToEveryProducerOfferingName(t *testing.T) {
	pool := ids.NewBufferIdPool()
	reg := session.NewRegistry()
	seq := &ids.Sequence{}

	p1 := newFakeProducer(1)
	p2 := newFakeProducer(2)
	idx := &fakeIndex{byName: map[string][]session.ProducerHost{"cpu": {p1, p2}}}

	s, err := reg.Enable(ids.TracingSessionId(seq.Next()), oneBufferConfig("cpu"), idx, pool, func() ids.DataSourceInstanceId {
		return ids.DataSourceInstanceId(seq.Next())
	})
	require.NoError(t, err)
	require.Equal(t, session.Tracing, s.State())
	require.Equal(t, 1, s.InstanceCount(1))
	require.Equal(t, 1, s.InstanceCount(2))
	require.Len(t, p1.created, 1)
	require.Len(t, p2.created, 1)
}

func TestEnableRejectedByOneProducerStillTracesOthers(t *testing.T) {
	pool := ids.NewBufferIdPool()
	reg := session.NewRegistry()
	seq := &ids.Sequence{}

	p1 := newFakeProducer(1)
	p1.rejectNames["cpu"] = true
	p2 := newFakeProducer(2)
	idx := &fakeIndex{byName: map[string][]session.ProducerHost{"cpu": {p1, p2}}}

	s, err := reg.Enable(ids.TracingSessionId(seq.Next()), oneBufferConfig("cpu"), idx, pool, func() ids.DataSourceInstanceId {
		return ids.DataSourceInstanceId(seq.Next())
	})
	require.NoError(t, err)
	require.Equal(t, 0, s.InstanceCount(1))
	require.Equal(t, 1, s.InstanceCount(2))
}

func TestEnableRollsBackBuffersOnPoolExhaustion(t *testing.T) {
	pool := ids.NewBufferIdPool()
	reg := session.NewRegistry()
	seq := &ids.Sequence{}
	idx := &fakeIndex{byName: map[string][]session.ProducerHost{}}

	// Drain the pool down to exactly 2 remaining ids.
	for i := 0; i < 65533; i++ {
		_, ok := pool.Allocate()
		require.True(t, ok)
	}

	cfg := config.Config{Buffers: []config.BufferConfig{{SizeKB: 4}, {SizeKB: 4}, {SizeKB: 4}}}
	before := countAllocatable(pool)

	_, err := reg.Enable(ids.TracingSessionId(seq.Next()), cfg, idx, pool, func() ids.DataSourceInstanceId {
		return ids.DataSourceInstanceId(seq.Next())
	})
	require.Error(t, err)

	after := countAllocatable(pool)
	require.Equal(t, before, after, "rollback must return every id acquired this call")
}

func countAllocatable(pool *ids.BufferIdPool) int {
	n := 0
	var acquired []ids.BufferId
	for {
		id, ok := pool.Allocate()
		if !ok {
			break
		}
		acquired = append(acquired, id)
		n++
	}
	for _, id := range acquired {
		pool.Free(id)
	}
	return n
}

func TestDisableTearsDownAllInstancesAndRetainsBuffers(t *testing.T) {
	pool := ids.NewBufferIdPool()
	reg := session.NewRegistry()
	seq := &ids.Sequence{}

	p1 := newFakeProducer(1)
	idx := &fakeIndex{byName: map[string][]session.ProducerHost{"cpu": {p1}}}

	id := ids.TracingSessionId(seq.Next())
	s, err := reg.Enable(id, oneBufferConfig("cpu"), idx, pool, func() ids.DataSourceInstanceId {
		return ids.DataSourceInstanceId(seq.Next())
	})
	require.NoError(t, err)

	require.NoError(t, reg.Disable(id))
	require.Equal(t, session.Disabled, s.State())
	require.Len(t, p1.tornDown, 1)
	require.Equal(t, 0, s.InstanceCount(1))
	require.Len(t, s.Buffers(), 1, "buffers survive Disable")

	// Disabling again is a no-op, not a double teardown.
	require.NoError(t, reg.Disable(id))
	require.Len(t, p1.tornDown, 1)
}

func TestFreeReleasesBufferIdsBackToPool(t *testing.T) {
	pool := ids.NewBufferIdPool()
	reg := session.NewRegistry()
	seq := &ids.Sequence{}
	idx := &fakeIndex{byName: map[string][]session.ProducerHost{}}

	id := ids.TracingSessionId(seq.Next())
	s, err := reg.Enable(id, config.Config{Buffers: []config.BufferConfig{{SizeKB: 4}}}, idx, pool, func() ids.DataSourceInstanceId {
		return ids.DataSourceInstanceId(seq.Next())
	})
	require.NoError(t, err)
	bufID := s.Buffers()[0].ID()
	require.True(t, pool.InUse(bufID))

	require.NoError(t, reg.Free(id, pool))
	require.False(t, pool.InUse(bufID))
	_, ok := reg.Get(id)
	require.False(t, ok)
}

func TestNotifyDataSourceRegisteredCreatesInstanceOnLateProducer(t *testing.T) {
	pool := ids.NewBufferIdPool()
	reg := session.NewRegistry()
	seq := &ids.Sequence{}
	idx := &fakeIndex{byName: map[string][]session.ProducerHost{}}

	id := ids.TracingSessionId(seq.Next())
	s, err := reg.Enable(id, oneBufferConfig("cpu"), idx, pool, func() ids.DataSourceInstanceId {
		return ids.DataSourceInstanceId(seq.Next())
	})
	require.NoError(t, err)
	require.Equal(t, 0, s.InstanceCount(7))

	late := newFakeProducer(7)
	reg.NotifyDataSourceRegistered(late, "cpu", func() ids.DataSourceInstanceId {
		return ids.DataSourceInstanceId(seq.Next())
	})
	require.Equal(t, 1, s.InstanceCount(7))
	require.Len(t, late.created, 1)

	// Registering again must not create a second instance.
	reg.NotifyDataSourceRegistered(late, "cpu", func() ids.DataSourceInstanceId {
		return ids.DataSourceInstanceId(seq.Next())
	})
	require.Equal(t, 1, s.InstanceCount(7))
}

func TestOneBufferConfigHasZeroDuration(t *testing.T) {
	cfg := oneBufferConfig("cpu")
	require.EqualValues(t, 0, cfg.DurationMS, "a scheduler watching DurationMS must see 0 and skip scheduling entirely")
}

func TestEnableHonorsProducerNameFilter(t *testing.T) {
	pool := ids.NewBufferIdPool()
	reg := session.NewRegistry()
	seq := &ids.Sequence{}

	p1 := newFakeProducer(1)
	p1.name = "collector-a"
	p2 := newFakeProducer(2)
	p2.name = "collector-b"
	idx := &fakeIndex{byName: map[string][]session.ProducerHost{"cpu": {p1, p2}}}

	cfg := config.Config{
		Buffers: []config.BufferConfig{{SizeKB: 4}},
		DataSources: []config.DataSourceConfig{
			{Name: "cpu", TargetBuffer: 0, ProducerNameFilter: "collector-a"},
		},
	}
	s, err := reg.Enable(ids.TracingSessionId(seq.Next()), cfg, idx, pool, func() ids.DataSourceInstanceId {
		return ids.DataSourceInstanceId(seq.Next())
	})
	require.NoError(t, err)
	require.Equal(t, 1, s.InstanceCount(1), "filter names collector-a, which is p1")
	require.Equal(t, 0, s.InstanceCount(2), "p2 does not match the filter and must be skipped")
}

func TestFlushTargetsOnlyIncludesProducersWithLiveInstances(t *testing.T) {
	pool := ids.NewBufferIdPool()
	reg := session.NewRegistry()
	seq := &ids.Sequence{}

	p1 := newFakeProducer(1)
	idx := &fakeIndex{byName: map[string][]session.ProducerHost{"cpu": {p1}}}

	id := ids.TracingSessionId(seq.Next())
	s, err := reg.Enable(id, oneBufferConfig("cpu"), idx, pool, func() ids.DataSourceInstanceId {
		return ids.DataSourceInstanceId(seq.Next())
	})
	require.NoError(t, err)

	targets := s.FlushTargets()
	require.Len(t, targets, 1)
	instIDs, ok := targets[1]
	require.True(t, ok)
	require.Len(t, instIDs, 1)

	host, ok := s.ProducerHost(1)
	require.True(t, ok)
	require.Equal(t, ids.ProducerId(1), host.ID())

	_, ok = s.ProducerHost(99)
	require.False(t, ok)
}

func TestRemoveProducerPrunesOnlyThatProducersInstances(t *testing.T) {
	pool := ids.NewBufferIdPool()
	reg := session.NewRegistry()
	seq := &ids.Sequence{}

	p1 := newFakeProducer(1)
	p2 := newFakeProducer(2)
	idx := &fakeIndex{byName: map[string][]session.ProducerHost{"cpu": {p1, p2}}}

	id := ids.TracingSessionId(seq.Next())
	s, err := reg.Enable(id, oneBufferConfig("cpu"), idx, pool, func() ids.DataSourceInstanceId {
		return ids.DataSourceInstanceId(seq.Next())
	})
	require.NoError(t, err)

	reg.RemoveProducer(1)
	require.Equal(t, 0, s.InstanceCount(1))
	require.Equal(t, 1, s.InstanceCount(2))
}

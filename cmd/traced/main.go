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

// Command traced runs the tracing service core in-process: one producer
// and one consumer, wired together through a real shared-memory region,
// demonstrating the full Enable -> write -> notify -> read -> free path
// without any actual IPC transport (out of scope for this core; see
// SPEC_FULL.md's External Interfaces section).
package main

import (
	"flag"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/traced/internal/config"
	"github.com/GoogleCloudPlatform/traced/internal/consumer"
	"github.com/GoogleCloudPlatform/traced/internal/ids"
	"github.com/GoogleCloudPlatform/traced/internal/producer"
	"github.com/GoogleCloudPlatform/traced/internal/reassembly"
	"github.com/GoogleCloudPlatform/traced/internal/service"
	"github.com/GoogleCloudPlatform/traced/internal/smb"
)

var (
	regionDir  = flag.String("region_dir", "", "directory for the demo producer's shared-memory backing file (defaults to a temp dir)")
	pages      = flag.Int("pages", smb.MinRegionPages, "number of pages in the demo shared-memory region")
	durationMS = flag.Int64("duration_ms", 0, "tracing session duration in milliseconds, 0 for unbounded")
)

type noopProducerTransport struct{}

func (noopProducerTransport) CreateDataSourceInstance(ids.DataSourceInstanceId, config.DataSourceConfig, ids.BufferId) error {
	return nil
}
func (noopProducerTransport) TearDownDataSourceInstance(ids.DataSourceInstanceId) error { return nil }
func (noopProducerTransport) Flush(ids.FlushRequestId, []ids.DataSourceInstanceId) error { return nil }

type loggingConsumerTransport struct {
	log *zap.Logger
}

func (t loggingConsumerTransport) OnTraceData(packets []reassembly.Packet, hasMore bool) {
	for _, p := range packets {
		t.log.Info("trace packet",
			zap.Uint32("producer_id", uint32(p.ProducerID)),
			zap.Uint16("writer_id", p.WriterID),
			zap.Int("bytes", len(p.Bytes)))
	}
	t.log.Info("read buffers batch done", zap.Bool("has_more", hasMore))
}

func (t loggingConsumerTransport) OnFlushComplete(reqID ids.FlushRequestId, timedOut bool) {
	t.log.Info("flush complete", zap.Uint64("flush_request_id", uint64(reqID)), zap.Bool("timed_out", timedOut))
}

func main() {
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	dir := *regionDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "traced-demo")
		if err != nil {
			log.Fatal("creating region dir", zap.Error(err))
		}
		defer os.RemoveAll(dir)
	}

	svc := service.New(log)
	go svc.Runner.Run()
	defer svc.Runner.Stop()

	prod, err := svc.RegisterProducer(noopProducerTransport{}, "demo-producer", filepath.Join(dir, "producer.smb"), smb.ClampPages(*pages))
	if err != nil {
		log.Fatal("registering producer", zap.Error(err))
	}
	prod.RegisterDataSource("demo.cpu")

	cons := svc.NewConsumer(loggingConsumerTransport{log: log})
	sessionID, err := cons.EnableTracing(config.Config{
		Buffers:     []config.BufferConfig{{SizeKB: 4}},
		DataSources: []config.DataSourceConfig{{Name: "demo.cpu", TargetBuffer: 0}},
		DurationMS:  *durationMS,
	})
	if err != nil {
		log.Fatal("enabling tracing", zap.Error(err))
	}
	log.Info("tracing session enabled", zap.Uint64("session_id", uint64(sessionID)))

	s, ok := svc.Sessions.Get(sessionID)
	if !ok {
		log.Fatal("session vanished immediately after Enable")
	}
	targetBuffer := s.Buffers()[0].ID()

	page := prod.Region().Page(0)
	h, ok := smb.TryAcquireChunkForWriting(page, smb.Layout1Chunk, 0, 1, 1, uint16(targetBuffer))
	if !ok {
		log.Fatal("acquiring demo chunk for writing")
	}
	body := []byte("hello from the demo producer")
	n := smb.WriteVarintLengthPrefix(h.Payload(), uint64(len(body)))
	copy(h.Payload()[n:], body)
	smb.ReleaseChunkAsComplete(h, 1, 0)

	prod.NotifySharedMemoryUpdate([]int{0})

	if _, err := cons.Flush(consumer.DefaultFlushTimeoutMS); err != nil {
		log.Error("requesting flush", zap.Error(err))
	}

	if _, err := svc.ReadBuffersFor(cons); err != nil {
		log.Error("reading buffers", zap.Error(err))
	}

	if err := cons.FreeBuffers(); err != nil {
		log.Error("freeing buffers", zap.Error(err))
	}

	snap := svc.Stats.Snapshot()
	log.Info("final stats",
		zap.Int64("packets_emitted", snap.PacketsEmitted),
		zap.Int64("gaps_detected", snap.GapsDetected),
		zap.Int64("unknown_target_buffer", snap.UnknownTargetBuffer))

	time.Sleep(10 * time.Millisecond) // let the task runner drain before exit
}

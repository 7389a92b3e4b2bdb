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

// Package config validates the consumer-supplied TraceConfig accepted by
// EnableTracing, per §6.
package config

import (
	"fmt"

	"github.com/Jeffail/gabs/v2"
	"github.com/wissance/stringFormatter"

	"github.com/GoogleCloudPlatform/traced/internal/smb"
)

// MaxBuffers bounds the number of buffers one session may configure.
const MaxBuffers = 32

// BufferConfig describes one requested trace buffer.
type BufferConfig struct {
	SizeKB int
}

// PageRoundedSize returns the buffer's size rounded up to a page
// multiple, in bytes.
func (b BufferConfig) PageRoundedSize() int {
	bytes := b.SizeKB * 1024
	if bytes <= 0 {
		bytes = smb.PageSize
	}
	rem := bytes % smb.PageSize
	if rem != 0 {
		bytes += smb.PageSize - rem
	}
	return bytes
}

// DataSourceConfig names one data source to enable and the session-local
// buffer it should target.
type DataSourceConfig struct {
	Name               string
	TargetBuffer       int // index into Config.Buffers
	ProducerNameFilter string
	ConfigBlob         []byte // opaque JSON, interpreted by the data source itself
}

// Blob parses ConfigBlob as a dynamic JSON document. Returns an empty,
// non-nil container if ConfigBlob is empty, and an error if it is
// present but not valid JSON.
func (d DataSourceConfig) Blob() (*gabs.Container, error) {
	if len(d.ConfigBlob) == 0 {
		return gabs.New(), nil
	}
	return gabs.ParseJSON(d.ConfigBlob)
}

// Config is the full, consumer-supplied tracing session configuration.
type Config struct {
	Buffers       []BufferConfig
	DataSources   []DataSourceConfig
	DurationMS    int64
	FlushPeriodMS int64 // 0 disables periodic flushing; see consumer.Endpoint.EnableTracing
}

// Validate enforces the class-1 configuration errors from §7 that are
// independent of the data-source registry: the buffer count and each
// data source's target-buffer range. Data source names are not checked
// against the registry here or in internal/session; a session may name a
// data source no producer has registered yet, and a later registration
// creates the instance.
func Validate(c Config) error {
	if len(c.Buffers) > MaxBuffers {
		return fmt.Errorf("%w: %s", ErrTooManyBuffers,
			stringFormatter.Format("{0} buffers configured, max {1}", len(c.Buffers), MaxBuffers))
	}
	for _, ds := range c.DataSources {
		if ds.TargetBuffer < 0 || ds.TargetBuffer >= len(c.Buffers) {
			return fmt.Errorf("%w: %s", ErrTargetBufferOutOfRange,
				stringFormatter.Format("data source {0} targets buffer index {1}, have {2} buffers",
					ds.Name, ds.TargetBuffer, len(c.Buffers)))
		}
	}
	return nil
}

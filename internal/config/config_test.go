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

package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/traced/internal/config"
)

func buffers(n int) []config.BufferConfig {
	b := make([]config.BufferConfig, n)
	for i := range b {
		b[i] = config.BufferConfig{SizeKB: 4}
	}
	return b
}

func Test32BuffersAccepted33Rejected(t *testing.T) {
	require.NoError(t, config.Validate(config.Config{Buffers: buffers(32)}))

	err := config.Validate(config.Config{Buffers: buffers(33)})
	require.ErrorIs(t, err, config.ErrTooManyBuffers)
}

func TestTargetBufferOutOfRange(t *testing.T) {
	c := config.Config{
		Buffers: buffers(2),
		DataSources: []config.DataSourceConfig{
			{Name: "cpu", TargetBuffer: 2},
		},
	}
	err := config.Validate(c)
	require.ErrorIs(t, err, config.ErrTargetBufferOutOfRange)
}

func TestPageRoundedSize(t *testing.T) {
	require.Equal(t, 4096, config.BufferConfig{SizeKB: 1}.PageRoundedSize())
	require.Equal(t, 8192, config.BufferConfig{SizeKB: 5}.PageRoundedSize())
}

func TestBlobParsesOpaqueJSON(t *testing.T) {
	ds := config.DataSourceConfig{ConfigBlob: []byte(`{"interval_ms": 100}`)}
	blob, err := ds.Blob()
	require.NoError(t, err)
	v, ok := blob.Path("interval_ms").Data().(float64)
	require.True(t, ok)
	require.Equal(t, 100.0, v)
}

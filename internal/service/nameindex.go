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

package service

import (
	"sync"

	"github.com/GoogleCloudPlatform/traced/internal/producer"
	"github.com/GoogleCloudPlatform/traced/internal/session"
)

// NameIndex is the service core's multi-valued index from data source
// name to every producer currently offering it (§4.7: "Maintains ...
// data sources (by name, multi-valued)"). It is the concrete type
// backing session.DataSourceIndex.
type NameIndex struct {
	mu     sync.Mutex
	byName map[string][]*producer.Endpoint
}

// NewNameIndex constructs an empty index.
func NewNameIndex() *NameIndex {
	return &NameIndex{byName: make(map[string][]*producer.Endpoint)}
}

// Add registers host as an offerer of name. A second Add for the same
// (host, name) pair is a no-op.
func (n *NameIndex) Add(host *producer.Endpoint, name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, h := range n.byName[name] {
		if h.ID() == host.ID() {
			return
		}
	}
	n.byName[name] = append(n.byName[name], host)
}

// RemoveAll drops every (host, name) association for host, e.g. on
// producer disconnect.
func (n *NameIndex) RemoveAll(host *producer.Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for name, hosts := range n.byName {
		kept := hosts[:0]
		for _, h := range hosts {
			if h.ID() != host.ID() {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(n.byName, name)
		} else {
			n.byName[name] = kept
		}
	}
}

// Lookup returns every producer currently offering name, satisfying
// session.DataSourceIndex.
func (n *NameIndex) Lookup(name string) []session.ProducerHost {
	n.mu.Lock()
	defer n.mu.Unlock()
	hosts := n.byName[name]
	out := make([]session.ProducerHost, len(hosts))
	for i, h := range hosts {
		out[i] = h
	}
	return out
}

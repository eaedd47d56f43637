/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package store

import (
	"encoding/json"
	"fmt"

	current "github.com/containernetworking/cni/pkg/types/100"

	"github.com/cri-netd/cri-netd/pkg/cniorchestrator"
	"github.com/cri-netd/cri-netd/pkg/hostport"
)

const (
	networkStateBucket = "cni-network-state"
	hostportBucket     = "hostport-records"
)

// NetworkPluginRecord is one entry of a sandbox's persisted add
// sequence: the plugin that ran, the raw config it was given, and its
// typed add result, in invocation order.
type NetworkPluginRecord struct {
	BinaryName string          `json:"binaryName"`
	RawConfig  json.RawMessage `json:"rawConfig"`
	AddResult  *current.Result `json:"addResult"`
}

// NetworkStateStore persists the ordered NetworkPluginRecord sequence
// produced by a sandbox's network start, keyed by sandbox id.
type NetworkStateStore struct {
	kv KV
}

// NewNetworkStateStore wraps kv for network-state persistence.
func NewNetworkStateStore(kv KV) *NetworkStateStore {
	return &NetworkStateStore{kv: kv}
}

// Put persists records for id, overwriting any prior sequence.
func (s *NetworkStateStore) Put(id string, records []NetworkPluginRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode network state for %s: %w", id, err)
	}
	return s.kv.Put(networkStateBucket, id, data)
}

// Get returns the persisted sequence for id. ok is false if start was
// never recorded (or was already cleaned up by stop).
func (s *NetworkStateStore) Get(id string) ([]NetworkPluginRecord, bool, error) {
	data, ok, err := s.kv.Get(networkStateBucket, id)
	if err != nil {
		return nil, false, fmt.Errorf("read network state for %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	var records []NetworkPluginRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false, fmt.Errorf("decode network state for %s: %w", id, err)
	}
	return records, true, nil
}

// Delete removes the persisted sequence for id.
func (s *NetworkStateStore) Delete(id string) error {
	return s.kv.Delete(networkStateBucket, id)
}

// AsOrchestratorPersistence adapts s to cniorchestrator.Persistence, so
// C9 never needs to depend on this package's storage-specific types.
func (s *NetworkStateStore) AsOrchestratorPersistence() cniorchestrator.Persistence {
	return orchestratorPersistence{s}
}

type orchestratorPersistence struct {
	s *NetworkStateStore
}

func (o orchestratorPersistence) Put(id string, records []cniorchestrator.PersistedRecord) error {
	out := make([]NetworkPluginRecord, 0, len(records))
	for _, r := range records {
		out = append(out, NetworkPluginRecord{BinaryName: r.BinaryName, RawConfig: r.RawConfig, AddResult: r.AddResult})
	}
	return o.s.Put(id, out)
}

func (o orchestratorPersistence) Get(id string) ([]cniorchestrator.PersistedRecord, bool, error) {
	records, ok, err := o.s.Get(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	out := make([]cniorchestrator.PersistedRecord, 0, len(records))
	for _, r := range records {
		out = append(out, cniorchestrator.PersistedRecord{BinaryName: r.BinaryName, RawConfig: r.RawConfig, AddResult: r.AddResult})
	}
	return out, true, nil
}

func (o orchestratorPersistence) Delete(id string) error {
	return o.s.Delete(id)
}

// HostportRecordStore adapts a KV to hostport.Store, the port
// manager's persistence contract.
type HostportRecordStore struct {
	kv KV
}

// NewHostportRecordStore wraps kv for hostport.Record persistence.
func NewHostportRecordStore(kv KV) *HostportRecordStore {
	return &HostportRecordStore{kv: kv}
}

func (s *HostportRecordStore) Put(id string, rec hostport.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode hostport record for %s: %w", id, err)
	}
	return s.kv.Put(hostportBucket, id, data)
}

func (s *HostportRecordStore) Get(id string) (hostport.Record, bool, error) {
	data, ok, err := s.kv.Get(hostportBucket, id)
	if err != nil {
		return hostport.Record{}, false, fmt.Errorf("read hostport record for %s: %w", id, err)
	}
	if !ok {
		return hostport.Record{}, false, nil
	}
	var rec hostport.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return hostport.Record{}, false, fmt.Errorf("decode hostport record for %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *HostportRecordStore) Delete(id string) error {
	return s.kv.Delete(hostportBucket, id)
}

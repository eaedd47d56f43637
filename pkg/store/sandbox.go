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
)

const sandboxBucket = "cri-service-sandboxes"

// SandboxRecord is the durable projection of a dispatcher-owned
// sandbox: enough to rebuild status/list responses and to drive
// stop/remove after a daemon restart, without needing the sandbox to
// still be held in memory.
type SandboxRecord struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	Namespace            string            `json:"namespace"`
	Attempt              uint32            `json:"attempt"`
	Hostname             string            `json:"hostname"`
	LogDirectory         string            `json:"logDirectory"`
	Annotations          map[string]string `json:"annotations"`
	LinuxNamespaces      uint8             `json:"linuxNamespaces"`
	NetworkNamespacePath string            `json:"networkNamespacePath"`
	PinDir               string            `json:"pinDir"`
	Phase                int               `json:"phase"`
	CreatedAt            int64             `json:"createdAt"`
}

// SandboxRecordStore persists one SandboxRecord per sandbox id under
// the dispatcher's storage bucket.
type SandboxRecordStore struct {
	kv KV
}

// NewSandboxRecordStore wraps kv for sandbox-record persistence.
func NewSandboxRecordStore(kv KV) *SandboxRecordStore {
	return &SandboxRecordStore{kv: kv}
}

// Put persists rec, overwriting any prior record for rec.ID.
func (s *SandboxRecordStore) Put(rec SandboxRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode sandbox record for %s: %w", rec.ID, err)
	}
	return s.kv.Put(sandboxBucket, rec.ID, data)
}

// Get returns the persisted record for id.
func (s *SandboxRecordStore) Get(id string) (SandboxRecord, bool, error) {
	data, ok, err := s.kv.Get(sandboxBucket, id)
	if err != nil {
		return SandboxRecord{}, false, fmt.Errorf("read sandbox record for %s: %w", id, err)
	}
	if !ok {
		return SandboxRecord{}, false, nil
	}
	var rec SandboxRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SandboxRecord{}, false, fmt.Errorf("decode sandbox record for %s: %w", id, err)
	}
	return rec, true, nil
}

// Delete removes the persisted record for id.
func (s *SandboxRecordStore) Delete(id string) error {
	return s.kv.Delete(sandboxBucket, id)
}

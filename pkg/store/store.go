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

// Package store is the generic byte-map persistence abstraction the
// core depends on: per-sandbox network state, port-mapping records
// and sandbox records are all serialized JSON values keyed by sandbox
// id inside named buckets.
package store

import "errors"

// ErrNotFound reports a missing bucket/key. KV.Get does not return it:
// Get reports a missing value with ok == false and a nil error.
var ErrNotFound = errors.New("store: key not found")

// KV is a byte-map abstraction over one or more named buckets. The
// production backend is bbolt-based (BoltStore); tests use the
// in-memory MemoryStore.
type KV interface {
	// Put writes value under key in bucket, creating the bucket if it
	// doesn't exist.
	Put(bucket, key string, value []byte) error
	// Get reads the value stored under key in bucket. ok is false if
	// either the bucket or the key doesn't exist.
	Get(bucket, key string) (value []byte, ok bool, err error)
	// Delete removes key from bucket. It is not an error if the key
	// was already absent.
	Delete(bucket, key string) error
	// Close releases any resources held by the store.
	Close() error
}

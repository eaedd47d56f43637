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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cri-netd/cri-netd/pkg/hostport"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	m := NewMemory()

	_, ok, err := m.Get("b", "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Put("b", "k", []byte("v1")))
	v, ok, err := m.Get("b", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(v))

	require.NoError(t, m.Delete("b", "k"))
	_, ok, err = m.Get("b", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreCopiesOnWriteAndRead(t *testing.T) {
	m := NewMemory()
	value := []byte("original")
	require.NoError(t, m.Put("b", "k", value))
	value[0] = 'X'

	v, _, err := m.Get("b", "k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(v))
}

func TestNetworkStateStoreRoundTrip(t *testing.T) {
	s := NewNetworkStateStore(NewMemory())
	records := []NetworkPluginRecord{
		{BinaryName: "bridge", RawConfig: []byte(`{"type":"bridge"}`)},
	}
	require.NoError(t, s.Put("sandbox-1", records))

	got, ok, err := s.Get("sandbox-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "bridge", got[0].BinaryName)

	require.NoError(t, s.Delete("sandbox-1"))
	_, ok, err = s.Get("sandbox-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHostportRecordStoreRoundTrip(t *testing.T) {
	s := NewHostportRecordStore(NewMemory())
	require.NoError(t, s.Put("sandbox-1", hostport.Record{DNATChainName: "DN-CRI-abc", IsIPv6: true}))

	rec, ok, err := s.Get("sandbox-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "DN-CRI-abc", rec.DNATChainName)
	assert.True(t, rec.IsIPv6)
}

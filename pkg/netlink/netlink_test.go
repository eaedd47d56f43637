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

package netlink

import (
	"errors"
	"testing"

	vishnetlink "github.com/vishvananda/netlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromVishLinkMalformedResponse(t *testing.T) {
	link := &vishnetlink.Dummy{LinkAttrs: vishnetlink.LinkAttrs{Name: "", Index: 3}}
	_, err := fromVishLink(link)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestFromVishLinkOK(t *testing.T) {
	link := &vishnetlink.Dummy{LinkAttrs: vishnetlink.LinkAttrs{Name: "eth0", Index: 3}}
	l, err := fromVishLink(link)
	require.NoError(t, err)
	assert.Equal(t, "eth0", l.Name)
	assert.Equal(t, 3, l.Index)
}

func TestIsNotFoundErr(t *testing.T) {
	assert.True(t, isNotFoundErr(errors.New("Link not found")))
	assert.True(t, isNotFoundErr(errors.New("no such network interface")))
	assert.False(t, isNotFoundErr(errors.New("permission denied")))
}

func TestLinkEqualityByIndexNotName(t *testing.T) {
	a := Link{Index: 1, Name: "eth0"}
	b := Link{Index: 1, Name: "renamed0"}
	assert.Equal(t, a.Index, b.Index)
	assert.NotEqual(t, a.Name, b.Name)
}

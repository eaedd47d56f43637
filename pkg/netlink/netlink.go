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

// Package netlink is a typed wrapper over RTNL link and route lookups,
// narrow enough to be faked in tests.
package netlink

import (
	"errors"
	"fmt"
	"net"
	"strings"

	vishnetlink "github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Family selects an address family for route enumeration.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) toVishFamily() int {
	if f == FamilyV6 {
		return vishnetlink.FAMILY_V6
	}
	return vishnetlink.FAMILY_V4
}

// Sentinel error kinds. Wrap with fmt.Errorf("...: %w", ErrX) and unwrap
// with errors.Is.
var (
	// ErrNotFound is returned when the underlying RTNL socket reports no
	// matching object.
	ErrNotFound = errors.New("netlink: not found")
	// ErrMalformedResponse is returned when the kernel message is missing
	// an attribute callers depend on (e.g. IFNAME).
	ErrMalformedResponse = errors.New("netlink: malformed response")
	// ErrTransport is returned for any other RTNL protocol failure.
	ErrTransport = errors.New("netlink: transport error")
)

// Link is the narrow view of a network interface this package exposes.
// Equality for upper layers is by Index, never by Name.
type Link struct {
	Index int
	Name  string

	handle vishnetlink.Link
}

// Route is the narrow view of a route this package exposes.
type Route struct {
	Dst          string
	Gw           string
	LinkIndex    int
	HasLinkIndex bool
}

// Handle wraps the vishvananda/netlink API with the error taxonomy and
// link/route shapes this daemon's components depend on.
type Handle struct{}

// New returns a Handle bound to the calling goroutine's current network
// namespace at the time each method is invoked.
func New() *Handle {
	return &Handle{}
}

// Loopback returns the loopback link ("lo") of the current namespace.
func (h *Handle) Loopback() (*Link, error) {
	return h.LinkByName("lo")
}

// LinkByName resolves a link by its interface name.
func (h *Handle) LinkByName(name string) (*Link, error) {
	l, err := vishnetlink.LinkByName(name)
	if err != nil {
		if isNotFoundErr(err) {
			return nil, fmt.Errorf("link %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("link %q: %w: %v", name, ErrTransport, err)
	}
	return fromVishLink(l)
}

// LinkByIndex resolves a link by its kernel index. Fails with
// ErrMalformedResponse if the kernel message has no populated name.
func (h *Handle) LinkByIndex(index int) (*Link, error) {
	l, err := vishnetlink.LinkByIndex(index)
	if err != nil {
		if isNotFoundErr(err) {
			return nil, fmt.Errorf("link index %d: %w", index, ErrNotFound)
		}
		return nil, fmt.Errorf("link index %d: %w: %v", index, ErrTransport, err)
	}
	return fromVishLink(l)
}

func fromVishLink(l vishnetlink.Link) (*Link, error) {
	attrs := l.Attrs()
	if attrs == nil || attrs.Name == "" {
		idx := 0
		if attrs != nil {
			idx = attrs.Index
		}
		return nil, fmt.Errorf("no IFNAME attribute for index %d: %w", idx, ErrMalformedResponse)
	}
	return &Link{Index: attrs.Index, Name: attrs.Name, handle: l}, nil
}

// SetLinkUp brings the link up.
func (h *Handle) SetLinkUp(l *Link) error {
	if err := vishnetlink.LinkSetUp(l.handle); err != nil {
		return fmt.Errorf("set link %q up: %w: %v", l.Name, ErrTransport, err)
	}
	return nil
}

// SetLinkDown brings the link down.
func (h *Handle) SetLinkDown(l *Link) error {
	if err := vishnetlink.LinkSetDown(l.handle); err != nil {
		return fmt.Errorf("set link %q down: %w: %v", l.Name, ErrTransport, err)
	}
	return nil
}

// Routes enumerates all routes for the given address family.
func (h *Handle) Routes(family Family) ([]Route, error) {
	routes, err := vishnetlink.RouteList(nil, family.toVishFamily())
	if err != nil {
		return nil, fmt.Errorf("list routes: %w: %v", ErrTransport, err)
	}
	return fromVishRoutes(routes), nil
}

// RouteGet returns the routes the kernel would use to reach dst,
// grounding the port manager's "find the routable host interface" step.
func (h *Handle) RouteGet(dst string) ([]Route, error) {
	ip := net.ParseIP(dst)
	if ip == nil {
		return nil, fmt.Errorf("invalid destination %q: %w", dst, ErrTransport)
	}
	routes, err := vishnetlink.RouteGet(ip)
	if err != nil {
		if isNotFoundErr(err) {
			return nil, fmt.Errorf("route to %q: %w", dst, ErrNotFound)
		}
		return nil, fmt.Errorf("route to %q: %w: %v", dst, ErrTransport, err)
	}
	return fromVishRoutes(routes), nil
}

func fromVishRoutes(routes []vishnetlink.Route) []Route {
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		rt := Route{LinkIndex: r.LinkIndex, HasLinkIndex: r.LinkIndex > 0}
		if r.Dst != nil {
			rt.Dst = r.Dst.String()
		}
		if r.Gw != nil {
			rt.Gw = r.Gw.String()
		}
		out = append(out, rt)
	}
	return out
}

// isNotFoundErr recognizes ENODEV/ENOENT/ESRCH errnos and the
// plain-string "not found"/"no such" errors vishvananda/netlink returns
// for unmatched RTNL lookups; anything else is treated as a lower-layer
// transport failure.
func isNotFoundErr(err error) bool {
	var errno unix.Errno
	if errors.As(err, &errno) && (errno == unix.ENODEV || errno == unix.ENOENT || errno == unix.ESRCH) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no such")
}

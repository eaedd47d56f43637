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

// Package hostport builds and tears down the DNAT/SETMARK/MASQ chain
// graph that forwards host sockets to a sandbox's network namespace,
// including hairpin and localhost masquerade.
package hostport

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/cri-netd/cri-netd/pkg/iptables"
	cninet "github.com/cri-netd/cri-netd/pkg/netlink"
)

// Fixed chain names declared by the port manager; these must never
// change, or upgrading a running daemon would require manual
// intervention to reconcile stale rules.
const (
	TopLevelDNATChainName = "CRI-HOSTPORT-DNAT"
	SetMarkChainName      = "CRI-HOSTPORT-SETMARK"
	MarkMasqChainName     = "CRI-HOSTPORT-MASQ"

	markMasqBit = 0x2000
)

// PortMapping is a single host-to-container port forward.
type PortMapping struct {
	Protocol      string // "tcp", "udp" or "sctp"
	HostPort      int
	HostIP        string // empty or "0.0.0.0"/"::" means wildcard
	ContainerPort int
}

// Record is what the port manager persists per sandbox so that Remove
// can drive teardown without recomputing anything.
type Record struct {
	DNATChainName string
	IsIPv6        bool
}

// ErrNotFound is returned by Remove when no record is persisted for
// the given id.
var ErrNotFound = errors.New("hostport: no record found")

// Store is the narrow persistence contract the port manager depends
// on; a real deployment backs this with the bbolt-based key/value
// store, tests back it with an in-memory map.
type Store interface {
	Put(id string, rec Record) error
	Get(id string) (Record, bool, error)
	Delete(id string) error
}

// NetlinkRoutes is the subset of the netlink handle the port manager
// needs to find the host's outbound interface for a v4 container
// network.
type NetlinkRoutes interface {
	Routes(family cninet.Family) ([]cninet.Route, error)
	LinkByIndex(index int) (*cninet.Link, error)
}

// Sysctl sets a single sysctl key, abstracted so tests don't touch
// /proc.
type Sysctl func(key, value string) error

// ChainDriver is the subset of *iptables.Driver the port manager
// needs; satisfied by the real driver in production and a fake in
// tests that never touch the host's iptables binaries.
type ChainDriver interface {
	Ensure(c *iptables.Chain) error
	Setup(c *iptables.Chain) error
	Teardown(c *iptables.Chain) error
}

// Manager builds and tears down host-port forwarding chains.
type Manager struct {
	store  Store
	net    NetlinkRoutes
	sysctl Sysctl
	newIPT func(iptables.Mode) (ChainDriver, error)
}

// NewManager constructs a Manager. newIPT defaults to opening a real
// iptables.Driver when nil; tests override it with a fake.
func NewManager(store Store, net NetlinkRoutes, sysctl Sysctl, newIPT func(iptables.Mode) (ChainDriver, error)) *Manager {
	if newIPT == nil {
		newIPT = func(mode iptables.Mode) (ChainDriver, error) { return iptables.NewDriver(mode) }
	}
	return &Manager{store: store, net: net, sysctl: sysctl, newIPT: newIPT}
}

// Add programs the chain graph for a sandbox's container network and
// port mappings, then persists the chain name so Remove can find it
// again.
func (m *Manager) Add(id string, containerIP net.IP, mappings []PortMapping) error {
	isV6 := containerIP.To4() == nil
	mode := iptables.ModeIPv4
	if isV6 {
		mode = iptables.ModeIPv6
	}
	drv, err := m.newIPT(mode)
	if err != nil {
		return fmt.Errorf("open iptables driver: %w", err)
	}

	setMarkChain := genSetMarkChain()
	if err := drv.Setup(setMarkChain); err != nil {
		return fmt.Errorf("setup %s: %w", SetMarkChainName, err)
	}

	masqChain := genMarkMasqChain()
	if err := drv.Setup(masqChain); err != nil {
		return fmt.Errorf("setup %s: %w", MarkMasqChainName, err)
	}

	if !isV6 {
		if ifName, err := m.routableHostInterface(); err == nil && ifName != "" {
			if err := m.sysctl(fmt.Sprintf("net.ipv4.conf.%s.route_localnet", ifName), "1"); err != nil {
				return fmt.Errorf("enable route_localnet on %s: %w", ifName, err)
			}
		}
	}

	toplevel := genToplevelDnatChain()
	if err := drv.Setup(toplevel); err != nil {
		return fmt.Errorf("setup %s: %w", TopLevelDNATChainName, err)
	}

	chainName := dnatChainName(id, containerIP, mappings)
	dnatChain := &iptables.Chain{
		Table:       "nat",
		Name:        chainName,
		EntryChains: []string{TopLevelDNATChainName},
	}
	fillDnatRules(dnatChain, containerIP, mappings)
	if err := drv.Setup(dnatChain); err != nil {
		return fmt.Errorf("setup dnat chain %s: %w", chainName, err)
	}

	return m.store.Put(id, Record{DNATChainName: chainName, IsIPv6: isV6})
}

// Remove reads back the persisted record for id and tears down its
// DNAT chain, rooted in the top-level DNAT chain.
func (m *Manager) Remove(id string) error {
	rec, ok, err := m.store.Get(id)
	if err != nil {
		return fmt.Errorf("load hostport record for %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	mode := iptables.ModeIPv4
	if rec.IsIPv6 {
		mode = iptables.ModeIPv6
	}
	drv, err := m.newIPT(mode)
	if err != nil {
		return fmt.Errorf("open iptables driver: %w", err)
	}

	dnatChain := &iptables.Chain{
		Table:       "nat",
		Name:        rec.DNATChainName,
		EntryChains: []string{TopLevelDNATChainName},
	}
	if err := drv.Teardown(dnatChain); err != nil {
		return fmt.Errorf("teardown dnat chain %s: %w", rec.DNATChainName, err)
	}
	return m.store.Delete(id)
}

func (m *Manager) routableHostInterface() (string, error) {
	routes, err := m.net.Routes(cninet.FamilyV4)
	if err != nil {
		return "", err
	}
	for _, r := range routes {
		if !r.HasLinkIndex {
			continue
		}
		link, err := m.net.LinkByIndex(r.LinkIndex)
		if err != nil {
			continue
		}
		return link.Name, nil
	}
	return "", fmt.Errorf("no routable host interface found")
}

func genSetMarkChain() *iptables.Chain {
	markDef := markDefString()
	return &iptables.Chain{
		Table: "nat",
		Name:  SetMarkChainName,
		Rules: [][]string{{
			"-m", "comment", "--comment", "portforward-masquerade-mark",
			"-j", "MARK", "--set-xmark", markDef,
		}},
	}
}

func genMarkMasqChain() *iptables.Chain {
	markDef := markDefString()
	return &iptables.Chain{
		Table:       "nat",
		Name:        MarkMasqChainName,
		EntryChains: []string{"POSTROUTING"},
		Prepend:     true,
		EntryRules: [][]string{{
			"-m", "comment", "--comment", "portforward-requiring-masquerade",
		}},
		Rules: [][]string{{
			"-m", "mark", "--mark", markDef,
			"-j", "MASQUERADE",
		}},
	}
}

func markDefString() string {
	return fmt.Sprintf("%#x/%#x", markMasqBit, markMasqBit)
}

func genToplevelDnatChain() *iptables.Chain {
	return &iptables.Chain{
		Table: "nat",
		Name:  TopLevelDNATChainName,
		EntryRules: [][]string{{
			"-m", "addrtype", "--dst-type", "LOCAL",
		}},
		EntryChains: []string{"PREROUTING", "OUTPUT"},
	}
}

// dnatChainName derives "DN-CRI-<id>-<hash>" where hash covers the
// container network and port mappings, then truncates to 28 characters
// so it round-trips through the kernel's chain-name length limit.
func dnatChainName(id string, containerIP net.IP, mappings []PortMapping) string {
	h := sha256.New()
	h.Write([]byte(containerIP.String()))
	for _, pm := range mappings {
		fmt.Fprintf(h, "|%s:%d:%s:%d", pm.Protocol, pm.HostPort, pm.HostIP, pm.ContainerPort)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	name := fmt.Sprintf("DN-CRI-%s-%s", id, sum)
	if len(name) > 28 {
		name = name[:28]
	}
	return name
}

// fillDnatRules composes the chain's entry rules (multiport buckets,
// grouped by protocol, capped at 15 ports each) and its body rules
// (hairpin mark, localhost mark for v4, then the DNAT rule itself, in
// that order, one triad per mapping).
func fillDnatRules(c *iptables.Chain, containerIP net.IP, mappings []PortMapping) {
	isV6 := containerIP.To4() == nil
	comment := trimComment(fmt.Sprintf("%s", c.Name))

	protoPorts := groupByProto(mappings)
	protos := make([]string, 0, len(protoPorts))
	for proto := range protoPorts {
		protos = append(protos, proto)
	}
	sort.Strings(protos)

	for _, proto := range protos {
		for _, portSpec := range splitPortList(protoPorts[proto]) {
			c.EntryRules = append(c.EntryRules, []string{
				"-m", "comment", "--comment", comment,
				"-m", "multiport",
				"-p", proto,
				"--destination-ports", portSpec,
			})
		}
	}

	c.Rules = make([][]string, 0, 3*len(mappings))
	for _, pm := range mappings {
		base := []string{"-p", pm.Protocol, "--dport", strconv.Itoa(pm.HostPort)}
		if pm.HostIP != "" && !isWildcardIP(pm.HostIP) {
			base = append(base, "-d", pm.HostIP)
		}

		hairpin := cloneRule(base)
		hairpin = append(hairpin, "-s", containerIP.String(), "-j", SetMarkChainName)
		c.Rules = append(c.Rules, hairpin)

		if !isV6 {
			local := cloneRule(base)
			local = append(local, "-s", "127.0.0.1", "-j", SetMarkChainName)
			c.Rules = append(c.Rules, local)
		}

		dnat := cloneRule(base)
		dnat = append(dnat, "-j", "DNAT", "--to-destination", fmtIPPort(containerIP, pm.ContainerPort))
		c.Rules = append(c.Rules, dnat)
	}
}

func cloneRule(base []string) []string {
	out := make([]string, len(base), len(base)+4)
	copy(out, base)
	return out
}

func isWildcardIP(ip string) bool {
	return ip == "0.0.0.0" || ip == "::" || ip == ""
}

// fmtIPPort brackets v6 literals for iptables --to-destination syntax.
func fmtIPPort(ip net.IP, port int) string {
	if ip.To4() == nil {
		return fmt.Sprintf("[%s]:%d", ip.String(), port)
	}
	return fmt.Sprintf("%s:%d", ip.String(), port)
}

func groupByProto(mappings []PortMapping) map[string][]int {
	out := map[string][]int{}
	for _, pm := range mappings {
		out[pm.Protocol] = append(out[pm.Protocol], pm.HostPort)
	}
	return out
}

// splitPortList buckets port numbers into comma-separated groups of at
// most 15, the limit the multiport match extension accepts.
func splitPortList(ports []int) []string {
	var out []string
	var acc []string
	for _, p := range ports {
		acc = append(acc, strconv.Itoa(p))
		if len(acc) == 15 {
			out = append(out, strings.Join(acc, ","))
			acc = nil
		}
	}
	if len(acc) > 0 {
		out = append(out, strings.Join(acc, ","))
	}
	return out
}

func trimComment(val string) string {
	if len(val) <= 255 {
		return val
	}
	return val[:253] + "..."
}

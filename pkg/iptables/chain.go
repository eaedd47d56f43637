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

// Package iptables provides idempotent chain and rule management over
// dual v4/v6 iptables binaries, used by the port manager to build and
// tear down its DNAT/SETMARK/MASQ chain graph.
package iptables

import (
	"fmt"
	"strings"

	goiptables "github.com/coreos/go-iptables/iptables"
	shellwords "github.com/mattn/go-shellwords"
)

// Mode selects which binary (iptables or ip6tables) a Driver targets.
type Mode int

const (
	ModeIPv4 Mode = iota
	ModeIPv6
)

// Driver wraps a single protocol's go-iptables handle, constructed
// with --wait so concurrent invocations across the host serialize on
// the xtables lock instead of failing.
type Driver struct {
	ipt *goiptables.IPTables
}

// NewDriver opens the iptables (or ip6tables, per mode) binary.
func NewDriver(mode Mode) (*Driver, error) {
	proto := goiptables.ProtocolIPv4
	if mode == ModeIPv6 {
		proto = goiptables.ProtocolIPv6
	}
	// go-iptables probes the binary for --wait support itself and adds
	// the flag to every invocation when available; there is no separate
	// opt-in knob to pass here.
	ipt, err := goiptables.New(goiptables.IPFamily(proto), goiptables.Timeout(0))
	if err != nil {
		return nil, fmt.Errorf("open iptables driver: %w", err)
	}
	return &Driver{ipt: ipt}, nil
}

// Chain models a named chain plus the rules that belong inside it and
// the entry rules that route traffic into it from other chains.
type Chain struct {
	Table       string
	Name        string
	EntryChains []string   // chains that should jump into this one
	EntryRules  [][]string // rule prefixes; "-j <Name>" is appended by setup
	Rules       [][]string // rules installed inside this chain
	Prepend     bool       // whether entry rules are prepended rather than appended
}

// Ensure creates the chain in its table if it does not already exist.
func (d *Driver) Ensure(c *Chain) error {
	exists, err := d.chainExists(c.Table, c.Name)
	if err != nil {
		return err
	}
	if !exists {
		if err := d.ipt.NewChain(c.Table, c.Name); err != nil {
			return fmt.Errorf("create chain %s/%s: %w", c.Table, c.Name, err)
		}
	}
	return nil
}

// Setup ensures the chain exists, installs its body rules, then hooks
// it into each of its entry chains via InsertUnique.
func (d *Driver) Setup(c *Chain) error {
	if err := d.Ensure(c); err != nil {
		return err
	}

	for _, rule := range c.Rules {
		if err := d.insertUnique(c.Table, c.Name, false, rule); err != nil {
			return err
		}
	}

	for _, entryChain := range c.EntryChains {
		for _, rule := range c.EntryRules {
			r := make([]string, 0, len(rule)+2)
			r = append(r, rule...)
			r = append(r, "-j", c.Name)
			if err := d.insertUnique(c.Table, entryChain, c.Prepend, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// Teardown clears the chain's body, removes any rule in an entry chain
// that jumps to this chain, then deletes the chain itself. It is
// idempotent: tearing down an absent chain is not an error.
func (d *Driver) Teardown(c *Chain) error {
	if err := d.ipt.ClearChain(c.Table, c.Name); err != nil {
		return fmt.Errorf("flush chain %s/%s: %w", c.Table, c.Name, err)
	}

	for _, entryChain := range c.EntryChains {
		rules, err := d.ipt.List(c.Table, entryChain)
		if err != nil {
			// The entry chain most likely doesn't exist; if it does and we
			// miss something here, deleting this chain below will fail loudly.
			continue
		}
		for _, rule := range rules {
			tokens, matched, err := jumpRuleDeleteTokens(rule, c.Name)
			if err != nil {
				return fmt.Errorf("parse rule %q: %w", rule, err)
			}
			if !matched {
				continue
			}
			if err := d.ipt.Delete(c.Table, entryChain, tokens...); err != nil {
				return fmt.Errorf("delete referring rule %s/%s %q: %w", c.Table, entryChain, rule, err)
			}
		}
	}

	if err := d.ipt.DeleteChain(c.Table, c.Name); err != nil {
		return fmt.Errorf("delete chain %s/%s: %w", c.Table, c.Name, err)
	}
	return nil
}

// trimCounters strips a packet counter from a -S-style rule line,
// regardless of which of the two forms go-iptables hands back: a
// leading iptables-save-style bracket ("[12:345] -A ...") or, what
// go-iptables' own List() normalizes that bracket into for nftables
// hosts, a trailing "-c <pkts> <bytes>" suffix ("-A ... -c 12 345").
func trimCounters(rule string) string {
	rule = strings.TrimSpace(rule)
	if strings.HasPrefix(rule, "[") {
		if i := strings.Index(rule, "]"); i >= 0 {
			rule = strings.TrimSpace(rule[i+1:])
		}
	}
	fields := strings.Fields(rule)
	for i := 0; i < len(fields)-2; i++ {
		if fields[i] == "-c" {
			fields = append(fields[:i], fields[i+3:]...)
			break
		}
	}
	return strings.Join(fields, " ")
}

// jumpRuleDeleteTokens checks whether a -S-style rule line (as returned
// by List, with counters in either the leading-bracket or trailing
// "-c pkts bytes" form) is a plain jump to chainName, and if so returns
// the bare rulespec tokens Delete needs to remove it.
func jumpRuleDeleteTokens(rule, chainName string) (tokens []string, matched bool, err error) {
	normalized := trimCounters(rule)
	if !strings.HasSuffix(normalized, "-j "+chainName) {
		return nil, false, nil
	}
	tokens, err = shellwords.Parse(normalized)
	if err != nil {
		return nil, false, err
	}
	if len(tokens) < 2 {
		return nil, false, nil
	}
	// Every List() line is "-A <chain> <rulespec...>"; drop those first
	// two tokens to get back a bare rulespec for Delete.
	return tokens[2:], true, nil
}

func (d *Driver) insertUnique(table, chain string, prepend bool, rule []string) error {
	exists, err := d.ipt.Exists(table, chain, rule...)
	if err != nil {
		return fmt.Errorf("probe rule existence in %s/%s: %w", table, chain, err)
	}
	if exists {
		return nil
	}
	if prepend {
		if err := d.ipt.Insert(table, chain, 1, rule...); err != nil {
			return fmt.Errorf("prepend rule to %s/%s: %w", table, chain, err)
		}
		return nil
	}
	if err := d.ipt.Append(table, chain, rule...); err != nil {
		return fmt.Errorf("append rule to %s/%s: %w", table, chain, err)
	}
	return nil
}

func (d *Driver) chainExists(table, name string) (bool, error) {
	chains, err := d.ipt.ListChains(table)
	if err != nil {
		return false, fmt.Errorf("list chains in %s: %w", table, err)
	}
	for _, ch := range chains {
		if ch == name {
			return true, nil
		}
	}
	return false, nil
}

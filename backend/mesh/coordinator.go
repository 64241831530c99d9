// Package mesh tracks which peers a session is connected to and decides
// which new connections a viewer has to open.
package mesh

import (
	"sort"
	"sync"
)

// Coordinator is the authoritative connected-peer set on the host. Viewers
// use it for their own mesh neighbours.
type Coordinator struct {
	mu    sync.RWMutex
	peers map[string]struct{}
}

func NewCoordinator() *Coordinator {
	return &Coordinator{peers: make(map[string]struct{})}
}

// Add reports whether the peer was not known before.
func (c *Coordinator) Add(peer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peers[peer]; ok {
		return false
	}
	c.peers[peer] = struct{}{}
	return true
}

// Remove reports whether the peer was known.
func (c *Coordinator) Remove(peer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peers[peer]; !ok {
		return false
	}
	delete(c.peers, peer)
	return true
}

func (c *Coordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.peers)
}

// Peers returns the connected peers in address order.
func (c *Coordinator) Peers() []string {
	return c.Others("")
}

// Others is the peer list sent to a newly connected viewer: everyone else.
func (c *Coordinator) Others(except string) []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.peers))
	for p := range c.peers {
		if p != except {
			out = append(out, p)
		}
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (c *Coordinator) Clear() {
	c.mu.Lock()
	c.peers = make(map[string]struct{})
	c.mu.Unlock()
}

// Plan returns the addresses from a received peer list that a viewer must
// dial: not itself, not the host, and not already connected or dialing.
func Plan(list []string, self, host string, connected func(string) bool) []string {
	seen := make(map[string]struct{}, len(list))
	var out []string
	for _, p := range list {
		if p == "" || p == self || p == host {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if connected != nil && connected(p) {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

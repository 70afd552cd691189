// Package routing implements the server's virtual-IP to connection map:
// spec.md §4.6's registration, lookup, dead-entry deletion, and periodic
// reaping. A single sync.RWMutex guards both the forward and reverse
// indices — at the scale this tunnel operates at (hundreds of connections,
// not millions), fine-grained per-shard locking buys nothing a reader can
// observe and the pack's own QUIC transports (e.g. CG-8663-shadowmesh's
// connMux) make the same call.
package routing

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"qtun/transport"
	"qtun/utils"
)

// Table maps a virtual destination IP to the set of connections that have
// announced ownership of it (via Ping), plus the reverse index needed to
// remove a connection's entries in O(1) on teardown.
type Table struct {
	mu      sync.RWMutex
	forward map[string]map[string]*transport.ServerConn // virtIP -> connID -> conn
	reverse map[string]string                           // connID -> virtIP
}

// NewTable returns an empty routing table.
func NewTable() *Table {
	return &Table{
		forward: make(map[string]map[string]*transport.ServerConn),
		reverse: make(map[string]string),
	}
}

// Register ties connID/conn to virtIP, per spec.md §4.6: if no entry
// exists for connID under virtIP, insert it. If one exists and the prior
// registrant is closed, replace it with conn. Otherwise the prior live
// registrant is left in place and conn is dropped — the caller already has
// a working route, so the new candidate is redundant.
func (t *Table) Register(virtIP, connID string, conn *transport.ServerConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prevIP, ok := t.reverse[connID]; ok && prevIP != virtIP {
		if conns, ok := t.forward[prevIP]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(t.forward, prevIP)
			}
		}
		delete(t.reverse, connID)
	}

	conns, ok := t.forward[virtIP]
	if !ok {
		conns = make(map[string]*transport.ServerConn)
		t.forward[virtIP] = conns
	}

	if existing, ok := conns[connID]; ok && !existing.IsClosed() {
		return
	}

	conns[connID] = conn
	t.reverse[connID] = virtIP

	utils.Logger.Info("route registered", zap.String("virt_ip", virtIP), zap.String("conn", connID))
}

// Lookup returns a snapshot of the connections registered for virtIP. Closed
// connections are included until DeleteDead or Reap removes them.
func (t *Table) Lookup(virtIP string) []*transport.ServerConn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns, ok := t.forward[virtIP]
	if !ok || len(conns) == 0 {
		return nil
	}
	out := make([]*transport.ServerConn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// PickRandom returns one connection registered for virtIP, chosen uniformly
// at random among every registered one, and its connID. A closed connection
// can be picked; the caller checks IsClosed. spec.md §4.6 leaves the
// tie-break policy to the implementation; uniform random is the simplest
// choice that still satisfies every invariant (§9's open question).
func (t *Table) PickRandom(virtIP string) (connID string, conn *transport.ServerConn, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns, exists := t.forward[virtIP]
	if !exists || len(conns) == 0 {
		return "", nil, false
	}
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	id := ids[rand.Intn(len(ids))]
	return id, conns[id], true
}

// DeleteDead removes connID from every set it belongs to (here, just the
// one it's registered under) and drops it from the reverse index.
func (t *Table) DeleteDead(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleteLocked(connID)
}

func (t *Table) deleteLocked(connID string) {
	virtIP, ok := t.reverse[connID]
	if !ok {
		return
	}
	delete(t.reverse, connID)
	if conns, ok := t.forward[virtIP]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(t.forward, virtIP)
		}
	}
	utils.Logger.Warn("dead connection removed from routes", zap.String("conn", connID), zap.String("virt_ip", virtIP))
}

// Reap scans every (virtIP, connID) pair and removes any whose connection
// is closed. The whole pass holds the table's write lock, so no Register
// interleaves between the scan and the deletes.
func (t *Table) Reap() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dead []string
	for connID, conn := range t.allLocked() {
		if conn.IsClosed() {
			dead = append(dead, connID)
		}
	}
	for _, connID := range dead {
		t.deleteLocked(connID)
	}
	if len(dead) > 0 {
		utils.Logger.Info("reaper pass complete", zap.Int("removed", len(dead)))
	}
}

func (t *Table) allLocked() map[string]*transport.ServerConn {
	out := make(map[string]*transport.ServerConn)
	for _, conns := range t.forward {
		for id, c := range conns {
			out[id] = c
		}
	}
	return out
}

// Len returns the number of distinct virtual IPs with at least one
// registration, live or closed. Exposed for tests and diagnostics.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.forward)
}

// Package registry holds the balancer's in-memory topology: the set of
// registered prefill and decode workers, and the per-dp-rank load slots tied
// to each. Registration is append-only — workers are never removed — per the
// balancer's non-goal of dynamic worker removal.
package registry

import (
	"sync"

	"github.com/sgl-project/disagg-lb/internal/loadtracker"
)

// PrefillWorker identifies a registered prefill server. Equality is by
// (URL, BootstrapPort); DPSize is carried alongside because it is fixed at
// registration time and never varies for a given worker, so comparing the
// full struct coincides with comparing (URL, BootstrapPort) in practice.
// BootstrapPort of 0 means "absent" (no bootstrap port was supplied).
type PrefillWorker struct {
	URL           string
	BootstrapPort uint16
	DPSize        uint
}

// DecodeWorker identifies a registered decode server.
type DecodeWorker struct {
	URL    string
	DPSize uint
}

// DstProcess names a single routing unit: one dp-rank of one prefill worker.
type DstProcess struct {
	Worker PrefillWorker
	DPRank uint
}

// PrefillSnapshot pairs a registered prefill worker with its per-rank load
// slots, indexed by dp-rank.
type PrefillSnapshot struct {
	Worker PrefillWorker
	Slots  []*loadtracker.Counter
}

// DecodeSnapshot pairs a registered decode worker with its per-rank load
// slots, indexed by dp-rank.
type DecodeSnapshot struct {
	Worker DecodeWorker
	Slots  []*loadtracker.Counter
}

// Topology is the balancer's append-only worker registry. Safe for
// concurrent use: registration takes a write lock, reads take a read lock,
// and the two lists (prefills, decodes) are guarded independently so a
// /register call for one pool never blocks readers of the other.
type Topology struct {
	prefillMu sync.RWMutex
	prefills  []*PrefillSnapshot

	decodeMu sync.RWMutex
	decodes  []*DecodeSnapshot
}

// NewTopology returns an empty topology.
func NewTopology() *Topology {
	return &Topology{}
}

// RegisterPrefill appends a new prefill worker with fresh load slots, one
// per dp-rank. Duplicates are not deduplicated — the caller is responsible
// for not double-registering the same worker.
func (t *Topology) RegisterPrefill(w PrefillWorker) {
	slots := make([]*loadtracker.Counter, w.DPSize)
	for i := range slots {
		slots[i] = loadtracker.NewCounter()
	}
	t.prefillMu.Lock()
	defer t.prefillMu.Unlock()
	t.prefills = append(t.prefills, &PrefillSnapshot{Worker: w, Slots: slots})
}

// RegisterDecode appends a new decode worker with fresh load slots.
func (t *Topology) RegisterDecode(w DecodeWorker) {
	slots := make([]*loadtracker.Counter, w.DPSize)
	for i := range slots {
		slots[i] = loadtracker.NewCounter()
	}
	t.decodeMu.Lock()
	defer t.decodeMu.Unlock()
	t.decodes = append(t.decodes, &DecodeSnapshot{Worker: w, Slots: slots})
}

// Prefills returns the current prefill worker list. The returned slice is a
// shallow copy safe to range over without holding the topology's lock; the
// snapshots themselves share the live Counter pointers, so load observations
// through them are always current.
func (t *Topology) Prefills() []*PrefillSnapshot {
	t.prefillMu.RLock()
	defer t.prefillMu.RUnlock()
	out := make([]*PrefillSnapshot, len(t.prefills))
	copy(out, t.prefills)
	return out
}

// Decodes returns the current decode worker list, same copy semantics as
// Prefills.
func (t *Topology) Decodes() []*DecodeSnapshot {
	t.decodeMu.RLock()
	defer t.decodeMu.RUnlock()
	out := make([]*DecodeSnapshot, len(t.decodes))
	copy(out, t.decodes)
	return out
}

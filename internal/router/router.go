// Package router implements the prefix-router described in the balancer's
// pair-selection policy: a bounded index over recently seen tokenized
// prompts, answering "which destination processes have recently served a
// prefix of this prompt, and how long was the matched prefix?"
//
// The index is a token-keyed trie rather than a flat map so that Get can
// answer in time proportional to the query length plus the number of stored
// keys sharing a prefix with it, not the whole index (spec.md's O(len(S)·matching
// entries) bound is the loose worst case this achieves in the common case
// of a narrow trie).
package router

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sgl-project/disagg-lb/internal/registry"
)

// TokenID is the router's key alphabet element: one tokenizer output id.
type TokenID = int32

// DefaultMaxEntries is the default bound on the number of distinct prompt
// prefixes the router remembers.
const DefaultMaxEntries = 10000

// evictionBatchSize is the number of least-recently-used entries removed in
// one eviction pass, amortizing the cost of the sort across many inserts.
const evictionBatchSize = 10

type node struct {
	children  map[TokenID]*node
	parent    *node
	parentTok TokenID
	entry     *entry
}

type entry struct {
	key      []TokenID
	dst      registry.DstProcess
	lastUsed atomic.Int64 // unix nanoseconds
	node     *node
}

// Match is one router hit: the destination's longest matched prefix length,
// plus a handle that lets the caller touch the entry's last-used timestamp
// without acquiring the router's write lock.
type Match struct {
	Length int
	entry  *entry
}

// Touch advances the matched entry's last-used timestamp to now. Safe to
// call while only holding (or not holding) the router's read lock, since
// last_used is an atomic cell owned by the entry.
func (m Match) Touch() {
	storeForward(&m.entry.lastUsed, nowNano())
}

// Router is the prefix index described above. Safe for concurrent use: Get
// takes a read lock over the trie, Update takes a write lock, and Touch (via
// Match) touches only an atomic field owned by the entry, not the trie.
type Router struct {
	mu         sync.RWMutex
	root       *node
	maxEntries int
	byKey      map[string]*entry

	// nowNanoFunc is overridable in tests so last_used monotonicity can be
	// observed deterministically.
	nowNanoFunc func() int64
}

// New returns an empty router bounded to maxEntries distinct keys. A
// maxEntries <= 0 uses DefaultMaxEntries.
func New(maxEntries int) *Router {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Router{
		root:        &node{children: make(map[TokenID]*node)},
		maxEntries:  maxEntries,
		byKey:       make(map[string]*entry),
		nowNanoFunc: nowNano,
	}
}

// Size returns the current number of distinct stored keys.
func (r *Router) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Get returns, for every destination that has recently served a prefix of
// seq, the length of the longest such matched prefix. An empty or unmatched
// seq returns an empty map; Get never fails.
func (r *Router) Get(seq []TokenID) map[registry.DstProcess]Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[registry.DstProcess]Match)
	if len(seq) == 0 {
		return result
	}

	cur := r.root
	for i, tok := range seq {
		if i > 0 {
			// Every stored key below cur that does not continue with tok
			// diverges from seq here, sharing exactly the depth-i prefix
			// S[0..i], so its entry is recorded at that length.
			for t, child := range cur.children {
				if t != tok {
					collectSubtree(child, i, result)
				}
			}
		}
		next, ok := cur.children[tok]
		if !ok {
			return result
		}
		cur = next
		depth := i + 1
		if cur.entry != nil {
			recordMatch(result, cur.entry.dst, depth, cur.entry)
		}
		if depth == len(seq) {
			// The full query was consumed at this node: every descendant
			// key has seq as a prefix, so the longer stored key still
			// implies its destination holds the KV cache for this whole
			// query (spec.md §4.A rationale).
			collectSubtree(cur, depth, result)
		}
	}
	return result
}

func recordMatch(result map[registry.DstProcess]Match, dst registry.DstProcess, length int, e *entry) {
	if existing, ok := result[dst]; !ok || length > existing.Length {
		result[dst] = Match{Length: length, entry: e}
	}
}

func collectSubtree(n *node, length int, result map[registry.DstProcess]Match) {
	if n.entry != nil {
		recordMatch(result, n.entry.dst, length, n.entry)
	}
	for _, child := range n.children {
		collectSubtree(child, length, result)
	}
}

// Update records that dst has just served seq, overwriting any existing
// entry stored at that exact key. Evicts the evictionBatchSize
// least-recently-used entries first if the router is at capacity. Per
// spec.md §4.C, an empty seq is a documented no-op: callers should skip the
// update themselves, but Update guards against it too.
func (r *Router) Update(seq []TokenID, dst registry.DstProcess) {
	if len(seq) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := tokensKey(seq)
	if existing, ok := r.byKey[key]; ok {
		existing.dst = dst
		storeForward(&existing.lastUsed, r.nowNanoFunc())
		return
	}

	if len(r.byKey) >= r.maxEntries {
		r.evictLocked(evictionBatchSize)
	}

	cur := r.root
	for _, tok := range seq {
		next, ok := cur.children[tok]
		if !ok {
			next = &node{children: make(map[TokenID]*node), parent: cur, parentTok: tok}
			cur.children[tok] = next
		}
		cur = next
	}

	e := &entry{key: append([]TokenID(nil), seq...), dst: dst, node: cur}
	e.lastUsed.Store(r.nowNanoFunc())
	cur.entry = e
	r.byKey[key] = e
}

func (r *Router) evictLocked(n int) {
	type candidate struct {
		key string
		e   *entry
	}
	all := make([]candidate, 0, len(r.byKey))
	for k, e := range r.byKey {
		all = append(all, candidate{k, e})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].e.lastUsed.Load() < all[j].e.lastUsed.Load()
	})
	if n > len(all) {
		n = len(all)
	}
	for i := 0; i < n; i++ {
		r.removeLocked(all[i].key, all[i].e)
	}
}

// removeLocked deletes an entry and prunes any trie spine left with no
// children and no entry of its own.
func (r *Router) removeLocked(key string, e *entry) {
	delete(r.byKey, key)
	nd := e.node
	nd.entry = nil
	for nd != r.root && nd.entry == nil && len(nd.children) == 0 {
		p := nd.parent
		delete(p.children, nd.parentTok)
		nd = p
	}
}

func tokensKey(seq []TokenID) string {
	// 5 bytes/token is enough headroom for typical vocab sizes encoded as
	// decimal plus a separator; grown automatically if not.
	buf := make([]byte, 0, len(seq)*5)
	for i, t := range seq {
		if i > 0 {
			buf = append(buf, '|')
		}
		buf = appendInt32(buf, t)
	}
	return string(buf)
}

func appendInt32(buf []byte, v int32) []byte {
	if v < 0 {
		buf = append(buf, '-')
		v = -v
	}
	start := len(buf)
	if v == 0 {
		return append(buf, '0')
	}
	for v > 0 {
		buf = append(buf, byte('0'+v%10))
		v /= 10
	}
	// reverse the digits just appended
	end := len(buf) - 1
	for start < end {
		buf[start], buf[end] = buf[end], buf[start]
		start++
		end--
	}
	return buf
}

func nowNano() int64 { return time.Now().UnixNano() }

// storeForward stores v only if it is greater than the current value,
// preserving the invariant that last_used only ever advances.
func storeForward(cell *atomic.Int64, v int64) {
	for {
		cur := cell.Load()
		if v <= cur {
			return
		}
		if cell.CompareAndSwap(cur, v) {
			return
		}
	}
}

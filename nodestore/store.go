// Package nodestore implements the concurrent NodeId->Node map: an
// open-addressed hash table with double-hashing collision resolution and
// deferred reclamation of removed entries, so borrowed read references
// stay valid across a concurrent remove. Readers never block; writers
// serialize on striped locks.
package nodestore

import (
	"sync"
	"sync/atomic"

	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/node"
	"github.com/fenwick-automation/opcuacore/status"
)

// numStripes is the fixed writer-lock stripe count; a write to a NodeId
// serializes only with other writes whose home bucket maps to the same
// stripe.
const numStripes = 32

// entry is one occupied or tombstoned table slot.
type entry struct {
	id    ids.NodeId
	node  *node.Node
	alive int32 // 1 = live, 0 = tombstoned (removed, pending reclamation)
	refs  int32 // outstanding borrowed Refs
}

// table is one generation of the slot array; Store swaps this pointer
// wholesale on resize so readers never observe a half-resized table.
type table struct {
	slots []atomic.Pointer[entry]
	size  int
}

// Store is the concurrent NodeId->Node map.
type Store struct {
	tbl atomic.Pointer[table]

	resizeMu sync.RWMutex // writers RLock, resize takes Lock
	stripes  [numStripes]sync.Mutex

	count int64 // atomic count of live entries, used for load-factor checks
}

// New returns an empty Store with the minimum table size.
func New() *Store {
	s := &Store{}
	s.tbl.Store(newTable(minTableSize))
	return s
}

func newTable(size int) *table {
	return &table{slots: make([]atomic.Pointer[entry], size), size: size}
}

func probeSeq(hash uint32, size int) (idx0, h2 int) {
	idx0 = int(hash) % size
	h2 = 1 + int(hash)%(size-2)
	return
}

func stripeFor(idx0 int) int { return idx0 % numStripes }

// InsertOpts controls Insert's duplicate handling.
type InsertOpts struct {
	Unique        bool // reject if a live entry with this NodeId exists
	ReturnManaged bool // if true, Insert returns a borrowed Ref to the stored node
}

// Insert adds n, or replaces the live entry with the same NodeId if Unique
// is false. Returns a borrowed Ref when opts.ReturnManaged, which the
// caller must Release.
func (s *Store) Insert(n *node.Node, opts InsertOpts) (*Ref, status.Code) {
	s.maybeGrow()

	s.resizeMu.RLock()
	defer s.resizeMu.RUnlock()
	tb := s.tbl.Load()

	hash := hashNodeId(n.ID)
	idx0, h2 := probeSeq(hash, tb.size)
	stripe := &s.stripes[stripeFor(idx0)]
	stripe.Lock()
	defer stripe.Unlock()

	freeIdx := -1
	for i := 0; i < tb.size; i++ {
		idx := (idx0 + i*h2) % tb.size
		cur := tb.slots[idx].Load()
		if cur == nil {
			if freeIdx < 0 {
				freeIdx = idx
			}
			break // never-used slot: id cannot appear further along the chain
		}
		if cur.alive == 1 && cur.id == n.ID {
			if opts.Unique {
				return nil, status.BadNodeIDExists
			}
			replacement := &entry{id: n.ID, node: n, alive: 1}
			tb.slots[idx].Store(replacement)
			if opts.ReturnManaged {
				atomic.AddInt32(&replacement.refs, 1)
				return &Ref{store: s, e: replacement}, status.Good
			}
			return nil, status.Good
		}
		if cur.alive == 0 && atomic.LoadInt32(&cur.refs) == 0 && freeIdx < 0 {
			freeIdx = idx
		}
	}

	if freeIdx < 0 {
		return nil, status.BadOutOfMemory
	}

	fresh := &entry{id: n.ID, node: n, alive: 1}
	tb.slots[freeIdx].Store(fresh)
	atomic.AddInt64(&s.count, 1)
	if opts.ReturnManaged {
		atomic.AddInt32(&fresh.refs, 1)
		return &Ref{store: s, e: fresh}, status.Good
	}
	return nil, status.Good
}

// Get returns a borrowed Ref to the live node with the given id. Readers
// never block on other readers or on writers; the returned Ref must
// be Released.
func (s *Store) Get(id ids.NodeId) (*Ref, status.Code) {
	tb := s.tbl.Load()
	hash := hashNodeId(id)
	idx0, h2 := probeSeq(hash, tb.size)

	for i := 0; i < tb.size; i++ {
		idx := (idx0 + i*h2) % tb.size
		cur := tb.slots[idx].Load()
		if cur == nil {
			return nil, status.BadNodeIDUnknown
		}
		if cur.alive == 1 && cur.id == id {
			atomic.AddInt32(&cur.refs, 1)
			if atomic.LoadInt32(&cur.alive) == 0 {
				// lost race with a concurrent remove; release and report unknown
				atomic.AddInt32(&cur.refs, -1)
				return nil, status.BadNodeIDUnknown
			}
			return &Ref{store: s, e: cur}, status.Good
		}
	}
	return nil, status.BadNodeIDUnknown
}

// Replace overwrites the live node stored under n.ID, leaving outstanding
// Refs to the previous value valid until released.
func (s *Store) Replace(n *node.Node) status.Code {
	_, code := s.Insert(n, InsertOpts{Unique: false})
	return code
}

// Remove tombstones the entry for id. Physical slot reuse happens lazily,
// once the last outstanding Ref releases.
func (s *Store) Remove(id ids.NodeId) status.Code {
	code := s.remove(id)
	if code == status.Good {
		s.maybeShrink()
	}
	return code
}

// remove does Remove's work under the resize and stripe locks; the shrink
// check runs after they are released because it takes resizeMu for writing.
func (s *Store) remove(id ids.NodeId) status.Code {
	s.resizeMu.RLock()
	defer s.resizeMu.RUnlock()
	tb := s.tbl.Load()

	hash := hashNodeId(id)
	idx0, h2 := probeSeq(hash, tb.size)
	stripe := &s.stripes[stripeFor(idx0)]
	stripe.Lock()
	defer stripe.Unlock()

	for i := 0; i < tb.size; i++ {
		idx := (idx0 + i*h2) % tb.size
		cur := tb.slots[idx].Load()
		if cur == nil {
			return status.BadNodeIDUnknown
		}
		if cur.alive == 1 && cur.id == id {
			atomic.StoreInt32(&cur.alive, 0)
			atomic.AddInt64(&s.count, -1)
			return status.Good
		}
	}
	return status.BadNodeIDUnknown
}

// Iterate calls visit for every live node, in unspecified order. visit
// returning false stops iteration early.
func (s *Store) Iterate(visit func(*node.Node) bool) {
	tb := s.tbl.Load()
	for i := range tb.slots {
		cur := tb.slots[i].Load()
		if cur != nil && atomic.LoadInt32(&cur.alive) == 1 {
			if !visit(cur.node) {
				return
			}
		}
	}
}

func (s *Store) loadFactor() float64 {
	tb := s.tbl.Load()
	return float64(atomic.LoadInt64(&s.count)) / float64(tb.size)
}

func (s *Store) maybeGrow() {
	if s.loadFactor() <= 0.75 {
		return
	}
	s.resizeMu.Lock()
	defer s.resizeMu.Unlock()
	tb := s.tbl.Load()
	if float64(atomic.LoadInt64(&s.count))/float64(tb.size) <= 0.75 {
		return
	}
	s.rebuild(nextPrimeSize(tb.size * 2))
}

func (s *Store) maybeShrink() {
	if s.loadFactor() >= 0.125 {
		return
	}
	s.resizeMu.Lock()
	defer s.resizeMu.Unlock()
	tb := s.tbl.Load()
	if tb.size <= minTableSize {
		return
	}
	if float64(atomic.LoadInt64(&s.count))/float64(tb.size) >= 0.125 {
		return
	}
	s.rebuild(prevPrimeSize(tb.size / 2))
}

// rebuild must be called with resizeMu held for writing.
func (s *Store) rebuild(newSize int) {
	old := s.tbl.Load()
	next := newTable(newSize)
	for i := range old.slots {
		cur := old.slots[i].Load()
		if cur == nil || atomic.LoadInt32(&cur.alive) == 0 {
			continue
		}
		hash := hashNodeId(cur.id)
		idx0, h2 := probeSeq(hash, next.size)
		for j := 0; j < next.size; j++ {
			idx := (idx0 + j*h2) % next.size
			if next.slots[idx].Load() == nil {
				next.slots[idx].Store(cur)
				break
			}
		}
	}
	s.tbl.Store(next)
}

// Ref is a borrowed reference to a node obtained from Get or a
// ReturnManaged Insert. It remains valid across a concurrent Remove/Replace
// of the same NodeId until Released.
type Ref struct {
	store *Store
	e     *entry
}

// Node returns the borrowed node value.
func (r *Ref) Node() *node.Node { return r.e.node }

// Release drops this reference. It is not an error to Release more than
// once; subsequent calls are no-ops.
func (r *Ref) Release() {
	if r.e == nil {
		return
	}
	atomic.AddInt32(&r.e.refs, -1)
	r.e = nil
}

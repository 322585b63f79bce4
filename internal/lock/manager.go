package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDeadlock occurs when granting a wait would close a wait-for cycle
var ErrDeadlock = errors.New("deadlock detected")

// Owner identifies the transaction holding or waiting for a lock
type Owner string

// Held describes one granted lock
type Held struct {
	Tag  Tag
	Mode Mode
}

type waiter struct {
	owner   Owner
	tag     Tag
	mode    Mode
	ready   chan struct{}
	granted bool
}

type lockState struct {
	holders map[Owner]uint16 // mode bitmask per owner
	waiters []*waiter
}

// Manager is an in-process lock table
type Manager struct {
	mu      sync.Mutex
	locks   map[Tag]*lockState
	owned   map[Owner]map[Tag]struct{}
	waiting map[Owner]*waiter
}

// NewManager creates an empty lock table
func NewManager() *Manager {
	return &Manager{
		locks:   make(map[Tag]*lockState),
		owned:   make(map[Owner]map[Tag]struct{}),
		waiting: make(map[Owner]*waiter),
	}
}

// Acquire grants mode on tag to owner, blocking until no other owner holds
// a conflicting mode. Re-acquiring a held mode is a no-op. Waiting ends
// early when ctx is done or when waiting would deadlock.
func (m *Manager) Acquire(ctx context.Context, owner Owner, tag Tag, mode Mode) error {
	if mode == NoLock {
		return nil
	}

	m.mu.Lock()
	st := m.locks[tag]
	if st == nil {
		st = &lockState{holders: make(map[Owner]uint16)}
		m.locks[tag] = st
	}

	if st.holders[owner]&bit(mode) != 0 {
		m.mu.Unlock()
		return nil
	}

	_, holdsAny := st.holders[owner]
	if !m.conflictsWithHolders(st, owner, mode) && (holdsAny || !conflictsWithQueue(st.waiters, len(st.waiters), mode)) {
		m.grant(st, owner, tag, mode)
		m.mu.Unlock()
		return nil
	}

	w := &waiter{owner: owner, tag: tag, mode: mode, ready: make(chan struct{})}
	st.waiters = append(st.waiters, w)
	m.waiting[owner] = w
	if m.closesCycle(owner) {
		m.removeWaiter(st, w)
		m.mu.Unlock()
		return fmt.Errorf("%w: %s waiting for %s on %s", ErrDeadlock, owner, mode, tag)
	}
	m.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		defer m.mu.Unlock()
		if w.granted {
			// granted concurrently with cancellation; keep the lock, the
			// transaction releases it on abort
			return nil
		}
		m.removeWaiter(st, w)
		m.wake(st)
		return ctx.Err()
	}
}

// ReleaseAll drops every lock owned by owner and wakes waiters that can
// now proceed
func (m *Manager) ReleaseAll(owner Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for tag := range m.owned[owner] {
		st := m.locks[tag]
		if st == nil {
			continue
		}
		delete(st.holders, owner)
		m.wake(st)
		if len(st.holders) == 0 && len(st.waiters) == 0 {
			delete(m.locks, tag)
		}
	}
	delete(m.owned, owner)
}

// HeldBy lists the locks owned by owner, ordered by tag then mode
func (m *Manager) HeldBy(owner Owner) []Held {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Held
	for tag := range m.owned[owner] {
		mask := m.locks[tag].holders[owner]
		for mode := AccessShare; mode <= AccessExclusive; mode++ {
			if mask&bit(mode) != 0 {
				out = append(out, Held{Tag: tag, Mode: mode})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Tag, out[j].Tag
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.RelID != b.RelID {
			return a.RelID < b.RelID
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return out[i].Mode < out[j].Mode
	})
	return out
}

// Waiting reports whether owner is blocked on a lock
func (m *Manager) Waiting(owner Owner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.waiting[owner]
	return ok
}

func (m *Manager) grant(st *lockState, owner Owner, tag Tag, mode Mode) {
	st.holders[owner] |= bit(mode)
	tags := m.owned[owner]
	if tags == nil {
		tags = make(map[Tag]struct{})
		m.owned[owner] = tags
	}
	tags[tag] = struct{}{}
}

func (m *Manager) conflictsWithHolders(st *lockState, owner Owner, mode Mode) bool {
	for holder, mask := range st.holders {
		if holder != owner && mode.conflictsWithMask(mask) {
			return true
		}
	}
	return false
}

// conflictsWithQueue checks mode against the first n waiters
func conflictsWithQueue(waiters []*waiter, n int, mode Mode) bool {
	for _, w := range waiters[:n] {
		if mode.Conflicts(w.mode) {
			return true
		}
	}
	return false
}

// wake grants queued requests in FIFO order. A request behind a
// conflicting waiter stays queued so strong lockers are not starved.
func (m *Manager) wake(st *lockState) {
	remaining := st.waiters[:0]
	for _, w := range st.waiters {
		if !m.conflictsWithHolders(st, w.owner, w.mode) && !conflictsWithQueue(remaining, len(remaining), w.mode) {
			m.grant(st, w.owner, w.tag, w.mode)
			w.granted = true
			delete(m.waiting, w.owner)
			close(w.ready)
			continue
		}
		remaining = append(remaining, w)
	}
	for i := len(remaining); i < len(st.waiters); i++ {
		st.waiters[i] = nil
	}
	st.waiters = remaining
}

func (m *Manager) removeWaiter(st *lockState, w *waiter) {
	for i, q := range st.waiters {
		if q == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			break
		}
	}
	delete(m.waiting, w.owner)
}

// blockers returns the owners w is waiting on
func (m *Manager) blockers(w *waiter) []Owner {
	st := m.locks[w.tag]
	var out []Owner
	for holder, mask := range st.holders {
		if holder != w.owner && w.mode.conflictsWithMask(mask) {
			out = append(out, holder)
		}
	}
	for _, q := range st.waiters {
		if q == w {
			break
		}
		if q.owner != w.owner && w.mode.Conflicts(q.mode) {
			out = append(out, q.owner)
		}
	}
	return out
}

// closesCycle walks the wait-for graph from start looking for start
func (m *Manager) closesCycle(start Owner) bool {
	seen := make(map[Owner]bool)
	stack := []Owner{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		w := m.waiting[cur]
		if w == nil {
			continue
		}
		for _, b := range m.blockers(w) {
			if b == start {
				return true
			}
			if !seen[b] {
				seen[b] = true
				stack = append(stack, b)
			}
		}
	}
	return false
}

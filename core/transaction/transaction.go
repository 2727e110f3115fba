// Package transaction holds the 2PL transaction state the lock manager
// mutates: phase (growing/shrinking), isolation level, and the set of record
// identifiers currently locked in each mode. Everything outside of lock-set
// bookkeeping (undo logs, WAL records, commit/abort side effects) belongs to
// the transaction manager this package stands in for — out of scope here per
// SPEC_FULL.md.
package transaction

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rohanmehta/ridgedb/core/storage/page"
)

// ID identifies a transaction for the lifetime of a process. Ascending
// allocation order doubles as the deadlock detector's deterministic
// tie-breaker (see core/concurrency).
type ID int64

// State is a transaction's two-phase-locking phase, plus its two terminal
// outcomes.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsolationLevel selects which locking rules LockShared/LockExclusive
// enforce. See core/concurrency's isolation rules table.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

// Transaction is the lock manager's view of one in-flight unit of work: its
// phase, isolation level, and the RIDs it currently holds locked in each
// mode. The lock manager is the only writer of the lock sets, and of State
// apart from Manager.Commit; everyone else only reads them.
type Transaction struct {
	id        ID
	sessionID uuid.UUID
	isolation IsolationLevel

	mu         sync.Mutex
	state      State
	sharedSet  map[page.RID]struct{}
	exclusive  map[page.RID]struct{}
}

// New creates a Transaction in the GROWING state under the given isolation
// level. sessionID is an opaque correlation id for logging/tracing; it plays
// no role in locking semantics.
func New(id ID, isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:        id,
		sessionID: uuid.New(),
		isolation: isolation,
		state:     Growing,
		sharedSet: make(map[page.RID]struct{}),
		exclusive: make(map[page.RID]struct{}),
	}
}

func (t *Transaction) ID() ID                        { return t.id }
func (t *Transaction) SessionID() uuid.UUID           { return t.sessionID }
func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolation }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState is called by the lock manager (phase transitions on first unlock,
// protocol-violation aborts, deadlock-victim abort) and by Manager.Commit.
func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// HoldsShared/HoldsExclusive/grant/revoke below are called only by the lock
// manager under its own table latch; the mutex here guards against a
// concurrent read from the owning executor goroutine, not against the lock
// manager racing itself.

func (t *Transaction) HoldsShared(rid page.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sharedSet[rid]
	return ok
}

func (t *Transaction) HoldsExclusive(rid page.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exclusive[rid]
	return ok
}

func (t *Transaction) GrantShared(rid page.RID) {
	t.mu.Lock()
	t.sharedSet[rid] = struct{}{}
	t.mu.Unlock()
}

func (t *Transaction) GrantExclusive(rid page.RID) {
	t.mu.Lock()
	t.exclusive[rid] = struct{}{}
	t.mu.Unlock()
}

func (t *Transaction) RevokeShared(rid page.RID) {
	t.mu.Lock()
	delete(t.sharedSet, rid)
	t.mu.Unlock()
}

func (t *Transaction) RevokeExclusive(rid page.RID) {
	t.mu.Lock()
	delete(t.exclusive, rid)
	t.mu.Unlock()
}

// ExclusiveRIDs returns a snapshot of the RIDs held exclusively, for the
// lock manager to unlock in bulk on abort.
func (t *Transaction) ExclusiveRIDs() []page.RID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]page.RID, 0, len(t.exclusive))
	for rid := range t.exclusive {
		out = append(out, rid)
	}
	return out
}

// SharedRIDs is ExclusiveRIDs's shared-lock counterpart.
func (t *Transaction) SharedRIDs() []page.RID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]page.RID, 0, len(t.sharedSet))
	for rid := range t.sharedSet {
		out = append(out, rid)
	}
	return out
}

// Manager hands out Transaction handles by ID, standing in for the full
// transaction manager (undo logs, commit/abort, WAL coordination) that is
// out of scope here; see SPEC_FULL.md.
type Manager struct {
	mu      sync.Mutex
	next    ID
	running map[ID]*Transaction
}

// NewManager returns an empty Manager; transaction ids start at 1.
func NewManager() *Manager {
	return &Manager{running: make(map[ID]*Transaction)}
}

// Begin allocates a new Transaction under isolation and registers it.
func (m *Manager) Begin(isolation IsolationLevel) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	txn := New(m.next, isolation)
	m.running[txn.id] = txn
	return txn
}

// GetTransaction looks up a previously-begun transaction by id.
func (m *Manager) GetTransaction(id ID) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.running[id]
	return txn, ok
}

// Commit marks txn COMMITTED and forgets it. Callers must have already
// released its locks through the lock manager.
func (m *Manager) Commit(txn *Transaction) {
	txn.SetState(Committed)
	m.mu.Lock()
	delete(m.running, txn.id)
	m.mu.Unlock()
}

// Forget drops an aborted transaction's bookkeeping once its locks have
// been released.
func (m *Manager) Forget(txn *Transaction) {
	m.mu.Lock()
	delete(m.running, txn.id)
	m.mu.Unlock()
}

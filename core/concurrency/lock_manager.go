// Package concurrency implements the row-granularity lock manager: a
// per-record FIFO request queue with shared/exclusive modes honoring three
// isolation levels' 2PL rules, plus a background cycle detector that aborts
// the youngest-picked victim of any wait-for cycle. It is grounded on
// bustub's lock_manager.cpp, adapted to Go's goroutine/sync.Cond model in
// place of std::thread/std::condition_variable.
package concurrency

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rohanmehta/ridgedb/core/storage/page"
	"github.com/rohanmehta/ridgedb/core/transaction"
	"github.com/rohanmehta/ridgedb/pkg/logger"
)

type lockMode int

const (
	modeShared lockMode = iota
	modeExclusive
)

type lockRequest struct {
	txnID   transaction.ID
	mode    lockMode
	granted bool
}

// lockQueue is one RID's ordered wait list. Its condition variable shares
// Manager.mu as its lock, so a waiter's Wait() both releases and reacquires
// the single table-wide latch, mirroring bustub's unique_lock<mutex>+cv pair.
type lockQueue struct {
	requests  []*lockRequest
	upgrading bool
	cond      *sync.Cond
}

// Manager owns the lock table and the wait-for graph built from it. One
// background goroutine periodically rebuilds the graph and aborts cycles;
// every other caller is an executor goroutine blocking in LockShared,
// LockExclusive, or LockUpgrade.
type Manager struct {
	mu       sync.Mutex
	table    map[page.RID]*lockQueue
	waitsFor map[transaction.ID][]transaction.ID

	txns *transaction.Manager
	cfg  Config
	log  *zap.Logger
	m    *Metrics

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewManager builds a lock manager backed by txns (used by the cycle
// detector to look up and abort victims). log and m may be nil.
func NewManager(txns *transaction.Manager, cfg Config, log *zap.Logger, m *Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = &Metrics{}
	}
	return &Manager{
		table:    make(map[page.RID]*lockQueue),
		waitsFor: make(map[transaction.ID][]transaction.ID),
		txns:     txns,
		cfg:      cfg,
		log:      log,
		m:        m,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background deadlock detector. Call once.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.runCycleDetection()
}

// Stop halts the deadlock detector and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) queueFor(rid page.RID) *lockQueue {
	q, ok := m.table[rid]
	if !ok {
		q = &lockQueue{cond: sync.NewCond(&m.mu)}
		m.table[rid] = q
	}
	return q
}

func (q *lockQueue) sharedGrantable(txnID transaction.ID, aborted bool) bool {
	if aborted {
		return true
	}
	for _, r := range q.requests {
		if r.mode == modeExclusive {
			return false
		}
		if r.txnID == txnID {
			r.granted = true
			break
		}
	}
	return true
}

func (q *lockQueue) exclusiveGrantable(txnID transaction.ID, aborted bool) bool {
	if aborted {
		return true
	}
	front := q.requests[0]
	if front.txnID == txnID {
		front.granted = true
		return true
	}
	return false
}

func (q *lockQueue) erase(txnID transaction.ID) {
	for i, r := range q.requests {
		if r.txnID == txnID {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// LockShared acquires a shared lock on rid for txn, blocking until granted
// or the transaction is aborted (by the deadlock detector, while waiting).
func (m *Manager) LockShared(txn *transaction.Transaction, rid page.RID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.IsolationLevel() == transaction.ReadUncommitted {
		return m.abortLocked(txn, LockSharedOnReadUncommitted)
	}
	if txn.IsolationLevel() == transaction.RepeatableRead && txn.State() != transaction.Growing {
		return m.abortLocked(txn, LockOnShrinking)
	}
	if txn.HoldsExclusive(rid) || txn.HoldsShared(rid) {
		return m.abortLocked(txn, Deadlock)
	}

	q := m.queueFor(rid)
	txn.GrantShared(rid)
	req := &lockRequest{txnID: txn.ID(), mode: modeShared}
	q.requests = append(q.requests, req)
	for !q.sharedGrantable(txn.ID(), txn.State() == transaction.Aborted) {
		q.cond.Wait()
	}
	if txn.State() == transaction.Aborted {
		return &TransactionAbortError{TxnID: txn.ID(), Reason: Deadlock}
	}
	m.m.recordGrant(context.Background())
	m.log.Debug("lock manager: granted shared", logger.TxnID(txn.ID()), logger.RID(rid))
	return nil
}

// LockExclusive acquires an exclusive lock on rid for txn, blocking until
// granted or aborted.
func (m *Manager) LockExclusive(txn *transaction.Transaction, rid page.RID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.IsolationLevel() == transaction.RepeatableRead && txn.State() != transaction.Growing {
		return m.abortLocked(txn, LockOnShrinking)
	}
	if txn.HoldsExclusive(rid) || txn.HoldsShared(rid) {
		return m.abortLocked(txn, Deadlock)
	}

	q := m.queueFor(rid)
	txn.GrantExclusive(rid)
	req := &lockRequest{txnID: txn.ID(), mode: modeExclusive}
	q.requests = append(q.requests, req)
	for !q.exclusiveGrantable(txn.ID(), txn.State() == transaction.Aborted) {
		q.cond.Wait()
	}
	if txn.State() == transaction.Aborted {
		return &TransactionAbortError{TxnID: txn.ID(), Reason: Deadlock}
	}
	m.m.recordGrant(context.Background())
	m.log.Debug("lock manager: granted exclusive", logger.TxnID(txn.ID()), logger.RID(rid))
	return nil
}

// LockUpgrade converts txn's shared lock on rid into an exclusive one.
// Requires txn currently hold SHARED on rid and no other upgrade already in
// flight on the same queue; returns ErrNotLocked if txn holds no shared
// lock on rid.
func (m *Manager) LockUpgrade(txn *transaction.Transaction, rid page.RID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.IsolationLevel() == transaction.ReadUncommitted {
		return m.abortLocked(txn, LockSharedOnReadUncommitted)
	}
	if txn.IsolationLevel() == transaction.RepeatableRead && txn.State() != transaction.Growing {
		return m.abortLocked(txn, LockOnShrinking)
	}

	q, ok := m.table[rid]
	if !ok || !txn.HoldsShared(rid) {
		return ErrNotLocked
	}
	if q.upgrading {
		return m.abortLocked(txn, UpgradeConflict)
	}
	if txn.HoldsExclusive(rid) {
		return m.abortLocked(txn, Deadlock)
	}

	q.upgrading = true
	txn.RevokeShared(rid)
	txn.GrantExclusive(rid)
	q.erase(txn.ID())
	req := &lockRequest{txnID: txn.ID(), mode: modeExclusive}
	q.requests = append(q.requests, req)
	for !q.exclusiveGrantable(txn.ID(), txn.State() == transaction.Aborted) {
		q.cond.Wait()
	}
	q.upgrading = false
	if txn.State() == transaction.Aborted {
		return &TransactionAbortError{TxnID: txn.ID(), Reason: Deadlock}
	}
	m.m.recordGrant(context.Background())
	return nil
}

// Unlock releases txn's lock on rid. Under REPEATABLE_READ, or for an
// exclusive unlock under READ_COMMITTED, this transitions txn into
// SHRINKING per 2PL.
func (m *Manager) Unlock(txn *transaction.Transaction, rid page.RID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlockLocked(txn, rid)
}

func (m *Manager) unlockLocked(txn *transaction.Transaction, rid page.RID) error {
	if !txn.HoldsExclusive(rid) && !txn.HoldsShared(rid) {
		return ErrNotLocked
	}
	if txn.State() == transaction.Growing {
		readCommittedShrinking := txn.IsolationLevel() == transaction.ReadCommitted && txn.HoldsExclusive(rid)
		if readCommittedShrinking || txn.IsolationLevel() != transaction.ReadCommitted {
			txn.SetState(transaction.Shrinking)
		}
	}

	q := m.table[rid]
	txn.RevokeShared(rid)
	txn.RevokeExclusive(rid)
	if q == nil {
		return nil
	}
	q.erase(txn.ID())
	if len(q.requests) == 0 {
		delete(m.table, rid)
		return nil
	}
	q.cond.Broadcast()
	return nil
}

func (m *Manager) abortLocked(txn *transaction.Transaction, reason AbortReason) error {
	txn.SetState(transaction.Aborted)
	m.m.recordAbort(context.Background())
	return &TransactionAbortError{TxnID: txn.ID(), Reason: reason}
}

func (m *Manager) runCycleDetection() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.interval())
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.detectAndAbort()
		}
	}
}

// detectAndAbort rebuilds the wait-for graph from scratch and aborts
// victims until the graph is acyclic, matching bustub's RunCycleDetection
// tick except that the adjacency map is forward-only; see DESIGN.md.
func (m *Manager) detectAndAbort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuildWaitsForLocked()
	for {
		victim, found := m.findCycleLocked()
		if !found {
			return
		}
		m.abortVictimLocked(victim)
	}
}

func (m *Manager) rebuildWaitsForLocked() {
	m.waitsFor = make(map[transaction.ID][]transaction.ID)
	for _, q := range m.table {
		var granted []transaction.ID
		for _, r := range q.requests {
			if r.granted {
				granted = append(granted, r.txnID)
				continue
			}
			for _, g := range granted {
				m.waitsFor[r.txnID] = append(m.waitsFor[r.txnID], g)
			}
		}
	}
}

// findCycleLocked runs DFS from every source in ascending txn-id order,
// visiting each node's successors in ascending order, and reports the
// transaction at which the first back-edge closes: the deterministic
// youngest-in-cycle under this visitation order.
func (m *Manager) findCycleLocked() (transaction.ID, bool) {
	visited := make(map[transaction.ID]bool)
	noLoop := make(map[transaction.ID]bool)

	// dfs tracks fromID (the predecessor about to point into toID) alongside
	// toID itself: when toID is already visited, the back-edge that closes
	// the cycle is fromID -> toID, and fromID (not toID) is the victim,
	// matching bustub's HasCycle DFS (from_id/to_id kept separate).
	var dfs func(fromID, toID transaction.ID) (transaction.ID, bool)
	dfs = func(fromID, toID transaction.ID) (transaction.ID, bool) {
		if noLoop[toID] {
			return 0, false
		}
		if visited[toID] {
			return fromID, true
		}
		visited[toID] = true
		neighbors := append([]transaction.ID{}, m.waitsFor[toID]...)
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })
		for _, next := range neighbors {
			if v, found := dfs(toID, next); found {
				return v, true
			}
		}
		return 0, false
	}

	var sources []transaction.ID
	for id := range m.waitsFor {
		sources = append(sources, id)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	for _, from := range sources {
		if noLoop[from] {
			continue
		}
		if v, found := dfs(0, from); found {
			return v, true
		}
		for id := range visited {
			noLoop[id] = true
		}
		visited = make(map[transaction.ID]bool)
	}
	return 0, false
}

func (m *Manager) abortVictimLocked(id transaction.ID) {
	txn, ok := m.txns.GetTransaction(id)
	if !ok {
		delete(m.waitsFor, id)
		return
	}
	txn.SetState(transaction.Aborted)
	m.m.recordVictim(context.Background())
	m.log.Warn("lock manager: aborting deadlock victim", logger.TxnID(id))

	held := append(txn.ExclusiveRIDs(), txn.SharedRIDs()...)
	for _, rid := range held {
		_ = m.unlockLocked(txn, rid)
	}

	delete(m.waitsFor, id)
	for from, tos := range m.waitsFor {
		m.waitsFor[from] = removeID(tos, id)
	}
}

func removeID(ids []transaction.ID, target transaction.ID) []transaction.ID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

package concurrency

import (
	"fmt"

	"github.com/rohanmehta/ridgedb/core/transaction"
)

// AbortReason is why the lock manager unilaterally aborted a transaction,
// mirroring bustub's AbortReason enum.
type AbortReason int

const (
	LockSharedOnReadUncommitted AbortReason = iota
	LockOnShrinking
	UpgradeConflict
	Deadlock
)

func (r AbortReason) String() string {
	switch r {
	case LockSharedOnReadUncommitted:
		return "LOCKSHARED_ON_READ_UNCOMMITTED"
	case LockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case UpgradeConflict:
		return "UPGRADE_CONFLICT"
	case Deadlock:
		return "DEADLOCK"
	default:
		return "UNKNOWN"
	}
}

// TransactionAbortError reports that the lock manager aborted txnID, either
// as an immediate protocol violation or as a deadlock victim. The caller's
// in-flight lock acquisition returns this instead of granting the lock.
type TransactionAbortError struct {
	TxnID  transaction.ID
	Reason AbortReason
}

func (e *TransactionAbortError) Error() string {
	return fmt.Sprintf("concurrency: txn %d aborted: %s", e.TxnID, e.Reason)
}

// ErrNotLocked is returned by LockUpgrade when the caller does not hold a
// shared lock on rid to upgrade, and by Unlock when the caller holds no
// lock on rid at all.
var ErrNotLocked = fmt.Errorf("concurrency: no lock held on this record")

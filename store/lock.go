package store

import (
	"fmt"
	"time"

	"github.com/avosse/dovel/mailindex"
	"github.com/avosse/dovel/metrics"
)

// Minimum time between repeated lock-stall notifications of the same type.
const lockNotifyInterval = 30 * time.Second

// Lock brings the session's lock to at least the requested level, a no-op if
// the held lock is already as strong. LockNone releases: a pending
// cache-write transaction is committed and ended first, and both must
// succeed for the unlock to report success. Lock failures are mapped to the
// storage error taxonomy.
func (mb *Mailbox) Lock(lt mailindex.LockType) error {
	failed := false
	if lt == mailindex.LockNone {
		if mb.trans != nil {
			if err := mb.trans.Commit(); err != nil {
				mb.storage.log.Errorx("committing cache transaction on unlock", err)
				failed = true
			}
			if err := mb.trans.End(); err != nil {
				mb.storage.log.Errorx("ending cache transaction on unlock", err)
				failed = true
			}
			mb.trans = nil
		}
		if mb.lockType == mailindex.LockNone {
			if failed {
				return mb.indexError()
			}
			return nil
		}
	} else if mb.lockType >= lt {
		return nil
	}

	// The same index may be used by multiple sessions, so the notifier is
	// bound for the duration of this lock call only.
	mb.initLockNotify()
	mb.idx.SetLockNotify(mb.lockNotify)
	err := mb.idx.SetLock(lt)
	mb.idx.SetLockNotify(nil)
	if err == nil {
		mb.lockType = lt
	}
	if failed || err != nil {
		return mb.indexError()
	}
	return nil
}

// CacheTransaction returns the session's cache-write transaction, starting
// one if needed. It is committed and ended when the lock is released.
func (mb *Mailbox) CacheTransaction() *mailindex.Transaction {
	if mb.trans == nil {
		mb.trans = mb.idx.Cache().NewTransaction()
	}
	return mb.trans
}

func (mb *Mailbox) initLockNotify() {
	mb.haveNotified = false
	mb.nextLockNotify = time.Time{}
}

// lockNotify is called from inside a stalled lock attempt. The first
// notification of a session and every change of type are always shown;
// repeats of the same type are suppressed until the notify interval passed,
// except that an imminent abort or override (under 15 seconds) is always
// shown. Returns the delay until the next callback, aligned near a 15-second
// boundary.
func (mb *Mailbox) lockNotify(t mailindex.NotifyType, secsLeft int) time.Duration {
	period := time.Duration(secsLeft%15) * time.Second

	now := mb.now()
	if mb.haveNotified && t == mb.lastNotifyType {
		if now.Before(mb.nextLockNotify) && secsLeft >= 15 {
			return period
		}
	}
	mb.haveNotified = true
	mb.lastNotifyType = t
	mb.nextLockNotify = now.Add(lockNotifyInterval)

	switch t {
	case mailindex.NotifyMailboxAbort:
		mb.storage.notifyNo(mb, fmt.Sprintf("Mailbox is locked, will abort in %d seconds", secsLeft))
		metrics.LockNotifyInc("mailboxabort")
	case mailindex.NotifyMailboxOverride:
		mb.storage.notifyOK(mb, fmt.Sprintf("Stale mailbox lock file detected, will override in %d seconds", secsLeft))
		metrics.LockNotifyInc("mailboxoverride")
	case mailindex.NotifyIndexAbort:
		mb.storage.notifyNo(mb, fmt.Sprintf("Mailbox index is locked, will abort in %d seconds", secsLeft))
		metrics.LockNotifyInc("indexabort")
	}
	return period
}

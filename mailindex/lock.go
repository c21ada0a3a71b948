package mailindex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/avosse/dovel/metrics"
)

// SetLockNotify installs (or with nil removes) the callback invoked while a
// lock attempt is stalled. The same index is shared by multiple sessions, so
// the callback is typically set before and removed after each SetLock call.
func (idx *Index) SetLockNotify(fn NotifyFunc) {
	idx.notify = fn
}

// SetLock changes the held lock. Requesting the held type is a no-op. The
// mailbox dotlock is taken before upgrading the index lock to exclusive, and
// both are dropped on unlock.
func (idx *Index) SetLock(lt LockType) error {
	if lt == idx.lockType {
		return nil
	}
	t0 := time.Now()
	var err error
	switch lt {
	case LockNone:
		err = idx.unlock()
	case LockShared:
		err = idx.flockWait(syscall.LOCK_SH)
	case LockExclusive:
		if err = idx.dotlockWait(); err == nil {
			if err = idx.flockWait(syscall.LOCK_EX); err != nil {
				idx.dotlockDrop()
			}
		}
	}
	metrics.LockWaitObserve(lockKind(lt), time.Since(t0).Seconds())
	if err != nil {
		return err
	}
	idx.lockType = lt
	return nil
}

func lockKind(lt LockType) string {
	switch lt {
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	}
	return "unlock"
}

func (idx *Index) unlock() error {
	if idx.lockType == LockNone {
		return nil
	}
	if err := syscall.Flock(int(idx.lockFile.Fd()), syscall.LOCK_UN); err != nil {
		return idx.fail(ErrInternal, fmt.Errorf("releasing index lock: %w", err))
	}
	idx.dotlockDrop()
	return nil
}

func (idx *Index) flockWait(op int) error {
	deadline := time.Now().Add(idx.lockTimeout)
	for {
		err := syscall.Flock(int(idx.lockFile.Fd()), op|syscall.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != syscall.EWOULDBLOCK && err != syscall.EAGAIN {
			return idx.fail(ErrInternal, fmt.Errorf("locking index: %w", err))
		}
		left := time.Until(deadline)
		if left <= 0 {
			return idx.fail(ErrIndexLockTimeout, errors.New("timeout waiting for index lock"))
		}
		d := idx.notifyStall(NotifyIndexAbort, left)
		if d > left {
			d = left
		}
		time.Sleep(d)
	}
}

// dotlockWait takes the mailbox lock file, overriding it when it has gone
// stale. While waiting it distinguishes "held by a live process, we will
// abort" from "stale, we will override".
func (idx *Index) dotlockWait() error {
	p := filepath.Join(idx.Dir, dotlockFilename)
	deadline := time.Now().Add(idx.lockTimeout)
	for {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0660)
		if err == nil {
			_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
			idx.log.Check(err, "writing pid to mailbox lock file")
			err = f.Close()
			idx.log.Check(err, "closing mailbox lock file")
			idx.dotlocked = true
			return nil
		}
		if !os.IsExist(err) {
			return idx.fail(ErrInternal, fmt.Errorf("creating mailbox lock file: %w", err))
		}
		st, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				// Holder released it between our attempts.
				continue
			}
			return idx.fail(ErrInternal, fmt.Errorf("inspecting mailbox lock file: %w", err))
		}
		staleIn := idx.staleTimeout - time.Since(st.ModTime())
		if staleIn <= 0 {
			err := os.Remove(p)
			if err != nil && !os.IsNotExist(err) {
				return idx.fail(ErrInternal, fmt.Errorf("overriding stale mailbox lock file: %w", err))
			}
			continue
		}
		left := time.Until(deadline)
		if left <= 0 {
			return idx.fail(ErrMailboxLockTimeout, errors.New("timeout waiting for mailbox lock"))
		}
		var d time.Duration
		if staleIn < left {
			d = idx.notifyStall(NotifyMailboxOverride, staleIn)
		} else {
			d = idx.notifyStall(NotifyMailboxAbort, left)
		}
		if d > left {
			d = left
		}
		if d > staleIn {
			d = staleIn
		}
		time.Sleep(d)
	}
}

func (idx *Index) dotlockDrop() {
	if !idx.dotlocked {
		return
	}
	err := os.Remove(filepath.Join(idx.Dir, dotlockFilename))
	if err != nil && !os.IsNotExist(err) {
		idx.log.Errorx("removing mailbox lock file", err)
	}
	idx.dotlocked = false
}

func (idx *Index) notifyStall(t NotifyType, left time.Duration) time.Duration {
	secs := int((left + time.Second - 1) / time.Second)
	var d time.Duration
	if idx.notify != nil {
		d = idx.notify(t, secs)
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

package store

import (
	"sync"
	"time"

	"github.com/avosse/dovel/mailindex"
)

// OpenFlag modifies Open.
type OpenFlag int

const (
	// Do not allow modifications through this session.
	OpenReadonly OpenFlag = 1 << iota
	// Skip the index consistency check for faster opening.
	OpenFast
)

// Mailbox is one open mailbox session. Multiple sessions may share the same
// underlying index through the registry; per-session state like the lock
// level, the cache-write transaction and notification throttling lives here.
type Mailbox struct {
	Name string

	// Snapshot of the message count at open time, under a brief shared lock.
	SyncedMessageCount uint32

	storage  *Storage
	backend  Backend
	readonly bool

	idx      *mailindex.Index
	lockType mailindex.LockType
	trans    *mailindex.Transaction

	inconsistent bool

	// Lock-stall notification throttling.
	haveNotified   bool
	lastNotifyType mailindex.NotifyType
	nextLockNotify time.Time

	// Guards checkTimer: the timer callback runs on its own goroutine.
	checkMutex sync.Mutex
	checkTimer *time.Timer

	now func() time.Time // Overridden in tests.
}

// Open opens a mailbox session for the mailbox in dir, sharing an already
// open index when the registry has one, opening and registering a fresh one
// otherwise. The current message count is snapshotted under a brief shared
// lock. On failure the session is torn down and the index error mapped.
func Open(st *Storage, be Backend, name, dir string, flags OpenFlag) (*Mailbox, error) {
	idx := st.registry.LookupRef(dir)
	fresh := idx == nil
	if fresh {
		idx = mailindex.New(st.log, dir)
		if st.cfg.LockTimeout > 0 && st.cfg.StaleLockTimeout > 0 {
			idx.SetLockTimeouts(time.Duration(st.cfg.LockTimeout)*time.Second, time.Duration(st.cfg.StaleLockTimeout)*time.Second)
		}
	}

	mb := &Mailbox{
		Name:     name,
		storage:  st,
		backend:  be,
		readonly: flags&OpenReadonly != 0,
		idx:      idx,
		now:      time.Now,
	}

	if fresh {
		iflags := mailindex.OpenCreate
		if flags&OpenFast != 0 {
			iflags |= mailindex.OpenFast
		}
		if flags&OpenReadonly != 0 {
			iflags |= mailindex.OpenReadonly
		}
		if err := idx.Open(iflags); err != nil {
			merr := mb.indexError()
			idx.Free()
			return nil, merr
		}
		def, never := st.cacheMasks()
		idx.Cache().SetDefaults(def, never)
		st.registry.Register(idx)
	}
	if idx.MailboxReadonly {
		mb.readonly = true
	}

	// Brief shared lock solely to snapshot the message count.
	err := mb.Lock(mailindex.LockShared)
	var hdr mailindex.Header
	if err == nil {
		hdr, err = idx.ReadHeader()
		if err != nil {
			err = mb.indexError()
		}
	}
	if err == nil {
		mb.SyncedMessageCount = hdr.MessageCount
		err = mb.Lock(mailindex.LockNone)
	}
	if err != nil {
		xerr := mb.idx.SetLock(mailindex.LockNone)
		st.log.Check(xerr, "unlocking index of failed mailbox open")
		st.registry.Unref(idx)
		return nil, err
	}
	return mb, nil
}

// Close force-unlocks the session, stops pending mailbox checks and releases
// the index reference. The index stays cached in the registry for a while.
func (mb *Mailbox) Close() error {
	err := mb.Lock(mailindex.LockNone)
	mb.removeChangeChecks()
	mb.storage.registry.Unref(mb.idx)
	mb.idx = nil
	return err
}

// IsReadonly tells whether this session may modify the mailbox.
func (mb *Mailbox) IsReadonly() bool {
	return mb.readonly
}

// AllowsNewCustomFlags tells whether the custom flag table has room left.
func (mb *Mailbox) AllowsNewCustomFlags() bool {
	return mb.idx.AllowNewCustomFlags()
}

// IsInconsistent reports whether an operation found the index inconsistent
// with reality. The flag is sticky; the mailbox must be resynced externally.
func (mb *Mailbox) IsInconsistent() bool {
	return mb.inconsistent
}

// Index exposes the underlying index to the storage backend.
func (mb *Mailbox) Index() *mailindex.Index {
	return mb.idx
}

// Backend returns the storage backend this session was opened with.
func (mb *Mailbox) Backend() Backend {
	return mb.backend
}

// FetchInit opens a message iterator on the backend for this session.
func (mb *Mailbox) FetchInit(fields MailFieldSet, wantedHeaders []string, set string, byUID bool) (FetchIterator, error) {
	return mb.backend.FetchInit(mb, fields, wantedHeaders, set, byUID)
}

// FixCustomFlags ensures keywords exist in the custom flag table, mapping a
// full table onto a storage error.
func (mb *Mailbox) FixCustomFlags(keywords []string) error {
	err := mb.idx.FixCustomFlags(keywords)
	if err == mailindex.ErrTooManyCustomFlags {
		return err
	} else if err != nil {
		return mb.indexError()
	}
	return nil
}

// RecentCount returns how many messages are "recent": received since the
// mailbox was last opened by any session, per the first-recent-UID watermark.
func (mb *Mailbox) RecentCount() (uint32, error) {
	hdr, err := mb.idx.ReadHeader()
	if err != nil {
		return 0, mb.indexError()
	}
	if hdr.FirstRecentUID <= 1 {
		// All messages are recent.
		return hdr.MessageCount, nil
	}
	if hdr.FirstRecentUID >= hdr.NextUID {
		return 0, nil
	}
	_, seq, ok, err := mb.idx.LookupUIDRange(hdr.FirstRecentUID, hdr.NextUID-1)
	if err != nil {
		return 0, mb.indexError()
	}
	if !ok {
		return 0, nil
	}
	return hdr.MessageCount + 1 - seq, nil
}

// AddChangeCheck arranges fn to be called every interval, for backends that
// poll whether the backing mailbox was removed or changed externally. Close
// stops it.
func (mb *Mailbox) AddChangeCheck(interval time.Duration, fn func()) {
	mb.checkMutex.Lock()
	defer mb.checkMutex.Unlock()
	if mb.checkTimer != nil {
		mb.checkTimer.Stop()
	}
	mb.checkTimer = time.AfterFunc(interval, func() {
		fn()
		mb.checkMutex.Lock()
		defer mb.checkMutex.Unlock()
		if mb.checkTimer != nil {
			mb.checkTimer.Reset(interval)
		}
	})
}

func (mb *Mailbox) removeChangeChecks() {
	mb.checkMutex.Lock()
	defer mb.checkMutex.Unlock()
	if mb.checkTimer != nil {
		mb.checkTimer.Stop()
		mb.checkTimer = nil
	}
}

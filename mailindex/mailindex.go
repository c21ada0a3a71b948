// Package mailindex implements the per-mailbox message index: a small bstore
// database with per-message records, a field cache with write transactions,
// and advisory locking with stall notification.
//
// One Index is shared by all sessions that have the same mailbox directory
// open. The storage layer (package store) owns that sharing and the index
// lifetime; this package only implements a single handle.
package mailindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mjl-/bstore"

	"github.com/avosse/dovel/mlog"
)

const (
	indexFilename   = "dovel.index"
	lockFilename    = "dovel.index.lock"
	dotlockFilename = "dovel.mailbox.lock"
)

var background = context.Background()

// LockType is the advisory lock held on an index.
type LockType int

const (
	LockNone LockType = iota
	LockShared
	LockExclusive
)

// NotifyType tells a lock waiter what it is waiting for.
type NotifyType int

const (
	// The mailbox dotlock is held by someone else and we will give up soon.
	NotifyMailboxAbort NotifyType = iota
	// A stale mailbox dotlock was found and will be overridden.
	NotifyMailboxOverride
	// The index lock is held by someone else and we will give up soon.
	NotifyIndexAbort
)

// NotifyFunc is called periodically while a lock attempt is stalled. The
// returned duration is the delay until the next call; zero means the default
// of one second.
type NotifyFunc func(t NotifyType, secsLeft int) time.Duration

// ErrorCode classifies the last error of an index operation, for mapping to a
// user-visible storage error.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrInternal
	ErrInconsistent
	ErrDiskSpace
	ErrIndexLockTimeout
	ErrMailboxLockTimeout
)

// OpenFlags modify Index.Open.
type OpenFlags int

const (
	// Create the index database if it does not exist yet.
	OpenCreate OpenFlags = 1 << iota
	// Skip the startup consistency check of header against records.
	OpenFast
	// Mark the mailbox as read-only for all sessions using this index.
	OpenReadonly
)

var errCorrupted = errors.New("message count in header inconsistent with records")

// Index is an opened (or openable) index for one mailbox directory.
type Index struct {
	Dir             string // Mailbox directory the index lives in.
	Opened          bool
	MailboxReadonly bool

	log   mlog.Log
	db    *bstore.DB
	cache *Cache

	lockFile     *os.File
	lockType     LockType
	dotlocked    bool
	notify       NotifyFunc
	lockTimeout  time.Duration
	staleTimeout time.Duration

	lastError ErrorCode
}

// New returns an unopened index handle for a mailbox directory.
func New(log mlog.Log, dir string) *Index {
	idx := &Index{
		Dir:          dir,
		log:          log,
		lockTimeout:  2 * time.Minute,
		staleTimeout: 5 * time.Minute,
	}
	idx.cache = &Cache{idx: idx}
	return idx
}

// SetLockTimeouts overrides how long lock attempts wait and when a mailbox
// lock file is considered stale.
func (idx *Index) SetLockTimeouts(lock, stale time.Duration) {
	idx.lockTimeout = lock
	idx.staleTimeout = stale
}

// Open opens the index database, creating it if requested. Unless OpenFast,
// the header is checked against the records.
func (idx *Index) Open(flags OpenFlags) error {
	if idx.Opened {
		return nil
	}
	p := filepath.Join(idx.Dir, indexFilename)
	if flags&OpenCreate == 0 {
		if _, err := os.Stat(p); err != nil {
			return idx.fail(ErrInternal, fmt.Errorf("index does not exist: %w", err))
		}
	}
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660}
	db, err := bstore.Open(background, p, &opts, Header{}, Record{}, CacheRecord{}, CustomFlag{})
	if err != nil {
		return idx.fail(ErrInternal, fmt.Errorf("opening index database: %w", err))
	}
	err = db.Write(background, func(tx *bstore.Tx) error {
		hdr := Header{ID: 1}
		err := tx.Get(&hdr)
		if err == bstore.ErrAbsent {
			hdr = Header{ID: 1, UIDValidity: uint32(time.Now().Unix()), NextUID: 1, FirstRecentUID: 1}
			return tx.Insert(&hdr)
		} else if err != nil {
			return err
		}
		if flags&OpenFast == 0 {
			n, err := bstore.QueryTx[Record](tx).Count()
			if err != nil {
				return err
			}
			if uint32(n) != hdr.MessageCount {
				return errCorrupted
			}
		}
		return nil
	})
	if err != nil {
		xerr := db.Close()
		idx.log.Check(xerr, "closing index database after failed open")
		if errors.Is(err, errCorrupted) {
			return idx.fail(ErrInconsistent, err)
		}
		return idx.fail(ErrInternal, err)
	}

	lf, err := os.OpenFile(filepath.Join(idx.Dir, lockFilename), os.O_CREATE|os.O_RDWR, 0660)
	if err != nil {
		xerr := db.Close()
		idx.log.Check(xerr, "closing index database after failed open")
		return idx.fail(ErrInternal, fmt.Errorf("opening lock file: %w", err))
	}

	idx.db = db
	idx.lockFile = lf
	idx.Opened = true
	if flags&OpenReadonly != 0 {
		idx.MailboxReadonly = true
	}
	return nil
}

// Free releases the index: any held lock is dropped and the database closed.
// The handle must not be used afterwards.
func (idx *Index) Free() {
	if !idx.Opened {
		return
	}
	err := idx.SetLock(LockNone)
	idx.log.Check(err, "unlocking index before free")
	err = idx.db.Close()
	idx.log.Check(err, "closing index database")
	err = idx.lockFile.Close()
	idx.log.Check(err, "closing index lock file")
	idx.db = nil
	idx.lockFile = nil
	idx.Opened = false
}

// Cache returns the field cache of this index.
func (idx *Index) Cache() *Cache {
	return idx.cache
}

// LockType returns the lock currently held.
func (idx *Index) Lock() LockType {
	return idx.lockType
}

// LastError returns the classification of the most recent failed operation,
// ErrNone if the last operation succeeded.
func (idx *Index) LastError() ErrorCode {
	return idx.lastError
}

// ResetError clears the error state so a subsequent operation starts clean.
func (idx *Index) ResetError() {
	idx.lastError = ErrNone
}

func (idx *Index) fail(code ErrorCode, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		code = ErrDiskSpace
	}
	idx.lastError = code
	return fmt.Errorf("index %s: %w", idx.Dir, err)
}

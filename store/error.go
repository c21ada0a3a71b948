package store

import (
	"errors"
	"fmt"

	"github.com/avosse/dovel/mailindex"
)

// Storage-level errors an index failure maps onto. Lock timeouts and
// inconsistency are wrapped with the mailbox name.
var (
	ErrInternal           = errors.New("internal error")
	ErrInconsistent       = errors.New("mailbox is in inconsistent state")
	ErrDiskSpace          = errors.New("out of disk space")
	ErrIndexLockTimeout   = errors.New("timeout waiting for index lock")
	ErrMailboxLockTimeout = errors.New("timeout waiting for mailbox lock")
)

// IndexError is indexError for storage backends in other packages.
func (mb *Mailbox) IndexError() error {
	return mb.indexError()
}

// indexError translates the index handle's error state into a storage error
// and resets it so the next operation starts clean. An inconsistent index
// marks the session sticky-inconsistent; recovery requires an external
// resync, this layer never clears it.
func (mb *Mailbox) indexError() error {
	code := mb.idx.LastError()
	mb.idx.ResetError()
	switch code {
	case mailindex.ErrInconsistent:
		mb.inconsistent = true
		return fmt.Errorf("mailbox %s: %w", mb.Name, ErrInconsistent)
	case mailindex.ErrDiskSpace:
		return ErrDiskSpace
	case mailindex.ErrIndexLockTimeout:
		return fmt.Errorf("mailbox %s: %w", mb.Name, ErrIndexLockTimeout)
	case mailindex.ErrMailboxLockTimeout:
		return fmt.Errorf("mailbox %s: %w", mb.Name, ErrMailboxLockTimeout)
	}
	return fmt.Errorf("mailbox %s: %w", mb.Name, ErrInternal)
}

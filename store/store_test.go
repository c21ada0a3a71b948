package store

import (
	"errors"
	"testing"

	"github.com/avosse/dovel/config"
	"github.com/avosse/dovel/mlog"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// stubBackend is a storage backend for tests that only exercise the index and
// locking layers.
type stubBackend struct{}

func (stubBackend) FetchInit(mb *Mailbox, fields MailFieldSet, wantedHeaders []string, set string, byUID bool) (FetchIterator, error) {
	return nil, errors.New("fetch not implemented")
}

func (stubBackend) Sync(mb *Mailbox) error {
	return nil
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	log := mlog.New("store", nil)
	reg := NewRegistry(log, 0, 0)
	st := NewStorage(log, "test", reg, config.Defaults())
	t.Cleanup(st.Close)
	return st
}

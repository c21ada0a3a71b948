package mailindex

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/avosse/dovel/mlog"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx := New(mlog.New("mailindex", nil), t.TempDir())
	err := idx.Open(OpenCreate)
	tcheck(t, err, "open index")
	t.Cleanup(idx.Free)
	return idx
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	log := mlog.New("mailindex", nil)

	idx := New(log, dir)
	if err := idx.Open(0); err == nil {
		t.Fatalf("open without create flag of missing index succeeded")
	}
	err := idx.Open(OpenCreate)
	tcheck(t, err, "creating index")

	hdr, err := idx.ReadHeader()
	tcheck(t, err, "reading header")
	if hdr.UIDValidity == 0 || hdr.NextUID != 1 || hdr.MessageCount != 0 || hdr.FirstRecentUID != 1 {
		t.Fatalf("unexpected fresh header %+v", hdr)
	}
	idx.Free()

	// Existing index opens without the create flag.
	idx = New(log, dir)
	err = idx.Open(0)
	tcheck(t, err, "reopening index")
	idx.Free()
}

func TestOpenInconsistent(t *testing.T) {
	dir := t.TempDir()
	log := mlog.New("mailindex", nil)

	idx := New(log, dir)
	err := idx.Open(OpenCreate)
	tcheck(t, err, "creating index")
	err = idx.UpdateHeader(func(hdr *Header) {
		hdr.MessageCount = 5
	})
	tcheck(t, err, "updating header")
	idx.Free()

	idx = New(log, dir)
	if err := idx.Open(0); err == nil {
		t.Fatalf("open of index with bad message count succeeded")
	}
	if idx.LastError() != ErrInconsistent {
		t.Fatalf("got error code %v, expected ErrInconsistent", idx.LastError())
	}

	// The fast path skips the check.
	idx = New(log, dir)
	err = idx.Open(OpenFast)
	tcheck(t, err, "fast open of index with bad message count")
	idx.Free()
}

func TestRecords(t *testing.T) {
	idx := newTestIndex(t)

	now := time.Now().Round(time.Second)
	r1 := Record{Key: "msg1", Received: now, Size: 100}
	err := idx.AppendRecord(&r1)
	tcheck(t, err, "appending first record")
	r2 := Record{Key: "msg2", Flags: Flags{Seen: true}, Received: now, Size: 200}
	err = idx.AppendRecord(&r2)
	tcheck(t, err, "appending second record")
	if r1.UID != 1 || r2.UID != 2 {
		t.Fatalf("got uids %d and %d, expected 1 and 2", r1.UID, r2.UID)
	}

	hdr, err := idx.ReadHeader()
	tcheck(t, err, "reading header")
	if hdr.NextUID != 3 || hdr.MessageCount != 2 {
		t.Fatalf("unexpected header after appends %+v", hdr)
	}

	l, err := idx.Records()
	tcheck(t, err, "listing records")
	if len(l) != 2 || l[0].Key != "msg1" || l[1].Key != "msg2" {
		t.Fatalf("unexpected records %+v", l)
	}

	rec, err := idx.RecordByUID(2)
	tcheck(t, err, "record by uid")
	if rec.Key != "msg2" || !rec.Seen {
		t.Fatalf("unexpected record %+v", rec)
	}

	rec.Flags = rec.Flags.Apply(Flags{Answered: true}, FlagsAdd)
	err = idx.UpdateRecord(&rec)
	tcheck(t, err, "updating record")
	rec, err = idx.RecordByUID(2)
	tcheck(t, err, "record by uid after update")
	if !rec.Seen || !rec.Answered {
		t.Fatalf("flag update lost, record %+v", rec)
	}

	frec, seq, ok, err := idx.LookupUIDRange(2, 10)
	tcheck(t, err, "uid range lookup")
	if !ok || frec.UID != 2 || seq != 2 {
		t.Fatalf("got uid %d seq %d ok %v, expected uid 2 seq 2", frec.UID, seq, ok)
	}
	_, _, ok, err = idx.LookupUIDRange(3, 10)
	tcheck(t, err, "uid range lookup past end")
	if ok {
		t.Fatalf("lookup past highest uid found a record")
	}

	err = idx.DeleteRecord(l[0])
	tcheck(t, err, "deleting record")
	hdr, err = idx.ReadHeader()
	tcheck(t, err, "reading header after delete")
	if hdr.MessageCount != 1 {
		t.Fatalf("got message count %d after delete, expected 1", hdr.MessageCount)
	}
}

func TestFlagsApply(t *testing.T) {
	f := Flags{Seen: true, Draft: true}
	f = f.Apply(Flags{Answered: true}, FlagsAdd)
	if !f.Seen || !f.Draft || !f.Answered {
		t.Fatalf("add lost flags: %+v", f)
	}
	f = f.Apply(Flags{Draft: true}, FlagsRemove)
	if f.Draft || !f.Seen {
		t.Fatalf("remove wrong flags: %+v", f)
	}
	f = f.Apply(Flags{Flagged: true}, FlagsReplace)
	if !f.Flagged || f.Seen || f.Answered {
		t.Fatalf("replace wrong flags: %+v", f)
	}
}

func TestCustomFlags(t *testing.T) {
	idx := newTestIndex(t)

	err := idx.FixCustomFlags([]string{"work", "travel"})
	tcheck(t, err, "adding custom flags")
	err = idx.FixCustomFlags([]string{"work"})
	tcheck(t, err, "re-adding existing custom flag")
	names, err := idx.CustomFlags()
	tcheck(t, err, "listing custom flags")
	if len(names) != 2 || names[0] != "work" || names[1] != "travel" {
		t.Fatalf("unexpected custom flags %v", names)
	}

	for i := len(names); i < MaxCustomFlags; i++ {
		err := idx.FixCustomFlags([]string{fmt.Sprintf("kw%d", i)})
		tcheck(t, err, "filling custom flag table")
	}
	if idx.AllowNewCustomFlags() {
		t.Fatalf("full custom flag table claims to have room")
	}
	if err := idx.FixCustomFlags([]string{"onemore"}); err != ErrTooManyCustomFlags {
		t.Fatalf("got %v adding flag to full table, expected ErrTooManyCustomFlags", err)
	}
}

func TestCacheTransaction(t *testing.T) {
	idx := newTestIndex(t)
	idx.Cache().SetDefaults(MakeFieldSet(FieldVirtualSize, FieldBody), MakeFieldSet(FieldBody))

	rec := Record{Key: "msg1", Received: time.Now(), Size: 10}
	err := idx.AppendRecord(&rec)
	tcheck(t, err, "appending record")

	trans := idx.Cache().NewTransaction()
	trans.SetVirtualSize(rec.ID, 123)
	trans.SetBody(rec.ID, `"text" "plain"`)

	// Nothing visible before commit.
	if _, ok := idx.Cache().Lookup(rec.ID); ok {
		t.Fatalf("cache record visible before commit")
	}

	err = trans.Commit()
	tcheck(t, err, "committing cache transaction")
	cr, ok := idx.Cache().Lookup(rec.ID)
	if !ok || cr.VirtualSize != 123 {
		t.Fatalf("unexpected cache record %+v after commit", cr)
	}
	// Body is in the never set.
	if cr.Body != "" {
		t.Fatalf("never-cached field was persisted: %q", cr.Body)
	}

	err = trans.End()
	tcheck(t, err, "ending cache transaction")
	if err := trans.End(); err == nil {
		t.Fatalf("ending transaction twice succeeded")
	}
}

func TestLock(t *testing.T) {
	idx := newTestIndex(t)

	err := idx.SetLock(LockShared)
	tcheck(t, err, "shared lock")
	if idx.Lock() != LockShared {
		t.Fatalf("lock type %v, expected shared", idx.Lock())
	}
	// Same level again is a no-op.
	err = idx.SetLock(LockShared)
	tcheck(t, err, "shared lock again")

	err = idx.SetLock(LockExclusive)
	tcheck(t, err, "exclusive lock")
	if _, err := os.Stat(filepath.Join(idx.Dir, dotlockFilename)); err != nil {
		t.Fatalf("no mailbox lock file while exclusively locked: %s", err)
	}
	err = idx.SetLock(LockNone)
	tcheck(t, err, "unlock")
	if _, err := os.Stat(filepath.Join(idx.Dir, dotlockFilename)); !os.IsNotExist(err) {
		t.Fatalf("mailbox lock file still present after unlock")
	}
}

func TestLockStaleOverride(t *testing.T) {
	idx := newTestIndex(t)

	// A lock file older than the stale timeout is taken over silently.
	p := filepath.Join(idx.Dir, dotlockFilename)
	err := os.WriteFile(p, []byte("12345\n"), 0660)
	tcheck(t, err, "writing stale lock file")
	old := time.Now().Add(-10 * time.Minute)
	err = os.Chtimes(p, old, old)
	tcheck(t, err, "backdating stale lock file")

	err = idx.SetLock(LockExclusive)
	tcheck(t, err, "exclusive lock over stale lock file")
	err = idx.SetLock(LockNone)
	tcheck(t, err, "unlock")
}

func TestLockTimeout(t *testing.T) {
	idx := newTestIndex(t)

	// Fresh foreign lock file, holder presumed alive: we wait, notifying,
	// until the lock timeout.
	p := filepath.Join(idx.Dir, dotlockFilename)
	err := os.WriteFile(p, []byte("12345\n"), 0660)
	tcheck(t, err, "writing lock file")
	defer os.Remove(p)

	idx.SetLockTimeouts(300*time.Millisecond, 5*time.Minute)
	var notifications []NotifyType
	idx.SetLockNotify(func(nt NotifyType, secsLeft int) time.Duration {
		notifications = append(notifications, nt)
		return 50 * time.Millisecond
	})
	err = idx.SetLock(LockExclusive)
	if err == nil {
		t.Fatalf("exclusive lock with foreign lock file succeeded")
	}
	if idx.LastError() != ErrMailboxLockTimeout {
		t.Fatalf("got error code %v, expected ErrMailboxLockTimeout", idx.LastError())
	}
	if len(notifications) == 0 || notifications[0] != NotifyMailboxAbort {
		t.Fatalf("unexpected notifications %v", notifications)
	}
	if idx.Lock() != LockNone {
		t.Fatalf("lock type %v after failed lock, expected none", idx.Lock())
	}
}

func TestIndexLockContention(t *testing.T) {
	idx := newTestIndex(t)

	// Hold the index lock through a separate file descriptor, as another
	// process would.
	lf, err := os.OpenFile(filepath.Join(idx.Dir, lockFilename), os.O_RDWR, 0660)
	tcheck(t, err, "opening lock file")
	defer lf.Close()
	err = syscall.Flock(int(lf.Fd()), syscall.LOCK_EX)
	tcheck(t, err, "taking foreign index lock")

	idx.SetLockTimeouts(200*time.Millisecond, 5*time.Minute)
	var sawIndexAbort bool
	idx.SetLockNotify(func(nt NotifyType, secsLeft int) time.Duration {
		if nt == NotifyIndexAbort {
			sawIndexAbort = true
		}
		return 50 * time.Millisecond
	})
	err = idx.SetLock(LockShared)
	if err == nil {
		t.Fatalf("shared lock while exclusively locked elsewhere succeeded")
	}
	if idx.LastError() != ErrIndexLockTimeout {
		t.Fatalf("got error code %v, expected ErrIndexLockTimeout", idx.LastError())
	}
	if !sawIndexAbort {
		t.Fatalf("no index-abort notification during contention")
	}

	err = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN)
	tcheck(t, err, "releasing foreign index lock")
	idx.ResetError()
	err = idx.SetLock(LockShared)
	tcheck(t, err, "shared lock after release")
	err = idx.SetLock(LockNone)
	tcheck(t, err, "unlock")
}

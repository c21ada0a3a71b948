package store

import (
	"os"
	"testing"
	"time"

	"github.com/avosse/dovel/config"
	"github.com/avosse/dovel/mailindex"
	"github.com/avosse/dovel/mlog"
)

func newRegIndex(t *testing.T, log mlog.Log) *mailindex.Index {
	t.Helper()
	idx := mailindex.New(log, t.TempDir())
	err := idx.Open(mailindex.OpenCreate)
	tcheck(t, err, "opening index")
	return idx
}

func TestRegistryRefcount(t *testing.T) {
	log := mlog.New("store", nil)
	reg := NewRegistry(log, 10*time.Second, 3)
	now := time.Now()
	reg.now = func() time.Time { return now }
	reg.Start()
	defer reg.Stop()

	missDir := t.TempDir()
	if idx := reg.LookupRef(missDir); idx != nil {
		t.Fatalf("lookup of unknown directory returned an index")
	}

	idx := newRegIndex(t, log)
	reg.Register(idx)

	// Same directory resolves to the shared index.
	if got := reg.LookupRef(idx.Dir); got != idx {
		t.Fatalf("lookup of registered directory did not return the shared index")
	}

	reg.Unref(idx)
	reg.Unref(idx)

	// Unreferenced but not expired: still shared.
	if got := reg.LookupRef(idx.Dir); got != idx {
		t.Fatalf("lookup within cache timeout did not return the cached index")
	}
	reg.Unref(idx)

	// After the timeout a lookup destroys it.
	now = now.Add(11 * time.Second)
	if got := reg.LookupRef(missDir); got != nil {
		t.Fatalf("lookup of unknown directory returned an index")
	}
	if idx.Opened {
		t.Fatalf("expired index still open")
	}
	if got := reg.LookupRef(idx.Dir); got != nil {
		t.Fatalf("lookup returned a destroyed index")
	}
}

func TestRegistryCapacity(t *testing.T) {
	log := mlog.New("store", nil)
	reg := NewRegistry(log, 10*time.Second, 3)
	now := time.Now()
	reg.now = func() time.Time { return now }
	reg.Start()
	defer reg.Stop()

	var idxs []*mailindex.Index
	for i := 0; i < 4; i++ {
		idx := newRegIndex(t, log)
		reg.Register(idx)
		idxs = append(idxs, idx)
	}
	for _, idx := range idxs {
		reg.Unref(idx)
	}

	// None have expired, but only three unreferenced indexes are kept: the
	// most recently registered ones. The oldest is evicted, so rapid
	// close/reopen of a recently used mailbox still hits the cache.
	if got := reg.LookupRef(t.TempDir()); got != nil {
		t.Fatalf("lookup of unknown directory returned an index")
	}
	if idxs[0].Opened {
		t.Fatalf("oldest unreferenced index not evicted")
	}
	for i, idx := range idxs[1:] {
		if !idx.Opened {
			t.Fatalf("recently closed index %d evicted, expected the oldest to go first", i+1)
		}
	}

	reg.DestroyUnrefed()
	for _, idx := range idxs {
		if idx.Opened {
			t.Fatalf("index still open after DestroyUnrefed")
		}
	}
}

func TestRegistryFromSettings(t *testing.T) {
	cfg := config.Defaults()
	reg := RegistryFromSettings(mlog.New("store", nil), cfg)
	if reg.timeout != time.Duration(cfg.IndexCacheTimeout)*time.Second {
		t.Fatalf("got cache timeout %v, expected %ds from settings", reg.timeout, cfg.IndexCacheTimeout)
	}
	if reg.max != cfg.IndexCacheMax {
		t.Fatalf("got cache capacity %d, expected %d from settings", reg.max, cfg.IndexCacheMax)
	}
}

func TestRegistryUnrefPanics(t *testing.T) {
	log := mlog.New("store", nil)
	reg := NewRegistry(log, 0, 0)
	reg.Start()
	defer reg.Stop()

	idx := mailindex.New(log, os.TempDir())
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("unref of unregistered index did not panic")
			}
		}()
		reg.Unref(idx)
	}()
}

func TestRegistryStopDestroys(t *testing.T) {
	log := mlog.New("store", nil)
	reg := NewRegistry(log, time.Hour, 3)
	reg.Start()

	idx := newRegIndex(t, log)
	reg.Register(idx)
	reg.Unref(idx)

	// Long timeout, but the last storage user going away destroys everything.
	reg.Stop()
	if idx.Opened {
		t.Fatalf("cached index still open after last Stop")
	}
}

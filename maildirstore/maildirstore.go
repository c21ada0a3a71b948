/*
Package maildirstore implements the message storage backend for maildir
mailboxes: one message per file, new messages delivered into new/ and moved to
cur/ on first sight. Message metadata lives in the mailbox index; computed
fields like virtual sizes and body structures are served from and written to
the index cache.
*/
package maildirstore

import (
	"fmt"
	"os"
	"sort"

	"github.com/emersion/go-maildir"
	"golang.org/x/exp/slog"

	"github.com/avosse/dovel/mailindex"
	"github.com/avosse/dovel/mlog"
	"github.com/avosse/dovel/store"
)

// Backend implements store.Backend for one maildir.
type Backend struct {
	log  mlog.Log
	root string
	dir  maildir.Dir
}

// New returns a backend for the maildir at root. The mailbox index lives in
// the same directory, next to cur/, new/ and tmp/.
func New(log mlog.Log, root string) *Backend {
	return &Backend{log: log, root: root, dir: maildir.Dir(root)}
}

// Dir returns the maildir path, which is also the index directory.
func (b *Backend) Dir() string {
	return b.root
}

func maildirFlags(l []maildir.Flag) mailindex.Flags {
	var f mailindex.Flags
	for _, mf := range l {
		switch mf {
		case maildir.FlagSeen:
			f.Seen = true
		case maildir.FlagReplied:
			f.Answered = true
		case maildir.FlagFlagged:
			f.Flagged = true
		case maildir.FlagTrashed:
			f.Deleted = true
		case maildir.FlagDraft:
			f.Draft = true
		}
	}
	return f
}

// Sync brings the index up to date with the files in the maildir: messages in
// new/ are moved to cur/ and appended as recent, messages in cur/ the index
// does not know yet are appended, and records whose file disappeared are
// removed. Called with the mailbox exclusively locked.
func (b *Backend) Sync(mb *store.Mailbox) error {
	idx := mb.Index()

	// Moves new/ to cur/ and returns the keys that were moved.
	newKeys, err := b.dir.Unseen()
	if err != nil {
		return fmt.Errorf("listing new maildir messages: %v", err)
	}
	recent := map[string]bool{}
	for _, key := range newKeys {
		recent[key] = true
	}

	keys, err := b.dir.Keys()
	if err != nil {
		return fmt.Errorf("listing maildir messages: %v", err)
	}
	sort.Strings(keys)
	onDisk := map[string]bool{}
	for _, key := range keys {
		onDisk[key] = true
	}

	recs, err := idx.Records()
	if err != nil {
		return mb.IndexError()
	}
	known := map[string]bool{}
	for _, rec := range recs {
		known[rec.Key] = true
		if !onDisk[rec.Key] {
			b.log.Debug("removing index record for disappeared message", slog.String("key", rec.Key))
			if err := idx.DeleteRecord(rec); err != nil {
				return mb.IndexError()
			}
		}
	}

	append1 := func(key string, fresh bool) (mailindex.Record, error) {
		filename, err := b.dir.Filename(key)
		if err != nil {
			return mailindex.Record{}, fmt.Errorf("finding maildir message: %v", err)
		}
		fi, err := os.Stat(filename)
		if err != nil {
			return mailindex.Record{}, fmt.Errorf("stat maildir message: %v", err)
		}
		var flags mailindex.Flags
		if !fresh {
			// A fresh delivery starts without flags; any info suffix the
			// move out of new/ added is not message state.
			mflags, err := b.dir.Flags(key)
			if err != nil {
				return mailindex.Record{}, fmt.Errorf("reading maildir flags: %v", err)
			}
			flags = maildirFlags(mflags)
		}
		rec := mailindex.Record{
			Key:      key,
			Flags:    flags,
			Received: fi.ModTime(),
			Size:     fi.Size(),
		}
		if err := idx.AppendRecord(&rec); err != nil {
			return mailindex.Record{}, mb.IndexError()
		}
		return rec, nil
	}

	// Messages already in cur/ first, so the ones from new/ occupy the top of
	// the UID range and the first-recent watermark stays a single boundary.
	for _, key := range keys {
		if known[key] || recent[key] {
			continue
		}
		if _, err := append1(key, false); err != nil {
			return err
		}
	}
	var firstRecentUID uint32
	for _, key := range keys {
		if known[key] || !recent[key] {
			continue
		}
		rec, err := append1(key, true)
		if err != nil {
			return err
		}
		if firstRecentUID == 0 {
			firstRecentUID = rec.UID
		}
	}
	if firstRecentUID > 0 {
		err := idx.UpdateHeader(func(hdr *mailindex.Header) {
			hdr.FirstRecentUID = firstRecentUID
		})
		if err != nil {
			return mb.IndexError()
		}
	}
	return nil
}

// FetchInit resolves set against the current index records and returns an
// iterator over the matching messages.
func (b *Backend) FetchInit(mb *store.Mailbox, fields store.MailFieldSet, wantedHeaders []string, set string, byUID bool) (store.FetchIterator, error) {
	ranges, err := parseNumSet(set)
	if err != nil {
		return nil, err
	}

	recs, err := mb.Index().Records()
	if err != nil {
		return nil, mb.IndexError()
	}

	it := &iterator{
		b:             b,
		mb:            mb,
		fields:        fields,
		wantedHeaders: wantedHeaders,
		allFound:      true,
	}
	if byUID {
		var maxUID uint32
		if n := len(recs); n > 0 {
			maxUID = recs[n-1].UID
		}
		for i, rec := range recs {
			if ranges.contains(rec.UID, maxUID) {
				it.sel = append(it.sel, selEntry{seq: uint32(i + 1), rec: rec})
			}
		}
		// An expunged UID inside a requested range is normal, but a finite
		// range that matched nothing means the client fetched messages that
		// are gone.
		for _, r := range ranges {
			if r.star || r.first > maxUID {
				continue
			}
			found := false
			for _, rec := range recs {
				if rec.UID >= r.first && rec.UID <= r.last {
					found = true
					break
				}
			}
			if !found {
				it.allFound = false
			}
		}
	} else {
		count := uint32(len(recs))
		for i, rec := range recs {
			if ranges.contains(uint32(i+1), count) {
				it.sel = append(it.sel, selEntry{seq: uint32(i + 1), rec: rec})
			}
		}
		for _, r := range ranges {
			if r.first > count || !r.star && r.last > count {
				it.allFound = false
			}
		}
	}
	return it, nil
}

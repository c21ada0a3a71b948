package mailindex

import (
	"fmt"
	"time"

	"github.com/mjl-/bstore"
)

// Header is the single mailbox-wide record of an index, always with ID 1.
type Header struct {
	ID             int
	UIDValidity    uint32
	NextUID        uint32 // Next UID to assign, higher than all assigned UIDs.
	MessageCount   uint32
	FirstRecentUID uint32 // Messages with this UID or higher are "recent".
}

// Flags are the system flags of a message.
type Flags struct {
	Seen     bool
	Answered bool
	Flagged  bool
	Deleted  bool
	Draft    bool
	Recent   bool
}

// FlagMode tells how a flag update combines with the current flags.
type FlagMode int

const (
	FlagsAdd FlagMode = iota
	FlagsRemove
	FlagsReplace
)

// Record is the index entry for one message.
type Record struct {
	ID  int64
	UID uint32 `bstore:"unique"`
	Key string `bstore:"nonzero"` // Message key in the backing storage.
	Flags
	Keywords []string // Custom flags, from the index custom-flag table.
	Received time.Time
	Size     int64
	NoNuls   bool // Set if the message is known not to contain NUL bytes.
}

// Apply returns the flags after applying delta in the given mode.
func (f Flags) Apply(delta Flags, mode FlagMode) Flags {
	switch mode {
	case FlagsAdd:
		return Flags{
			Seen:     f.Seen || delta.Seen,
			Answered: f.Answered || delta.Answered,
			Flagged:  f.Flagged || delta.Flagged,
			Deleted:  f.Deleted || delta.Deleted,
			Draft:    f.Draft || delta.Draft,
			Recent:   f.Recent || delta.Recent,
		}
	case FlagsRemove:
		return Flags{
			Seen:     f.Seen && !delta.Seen,
			Answered: f.Answered && !delta.Answered,
			Flagged:  f.Flagged && !delta.Flagged,
			Deleted:  f.Deleted && !delta.Deleted,
			Draft:    f.Draft && !delta.Draft,
			Recent:   f.Recent && !delta.Recent,
		}
	default:
		return delta
	}
}

// ReadHeader returns the current index header.
func (idx *Index) ReadHeader() (Header, error) {
	hdr := Header{ID: 1}
	err := idx.db.Read(background, func(tx *bstore.Tx) error {
		return tx.Get(&hdr)
	})
	if err != nil {
		return Header{}, idx.fail(ErrInternal, fmt.Errorf("reading header: %w", err))
	}
	return hdr, nil
}

// UpdateHeader applies fn to the header inside a write transaction.
func (idx *Index) UpdateHeader(fn func(hdr *Header)) error {
	err := idx.db.Write(background, func(tx *bstore.Tx) error {
		hdr := Header{ID: 1}
		if err := tx.Get(&hdr); err != nil {
			return err
		}
		fn(&hdr)
		return tx.Update(&hdr)
	})
	if err != nil {
		return idx.fail(ErrInternal, fmt.Errorf("updating header: %w", err))
	}
	return nil
}

// AppendRecord assigns the next UID to rec, stores it and updates the header.
func (idx *Index) AppendRecord(rec *Record) error {
	err := idx.db.Write(background, func(tx *bstore.Tx) error {
		hdr := Header{ID: 1}
		if err := tx.Get(&hdr); err != nil {
			return err
		}
		rec.UID = hdr.NextUID
		hdr.NextUID++
		hdr.MessageCount++
		if err := tx.Insert(rec); err != nil {
			return err
		}
		return tx.Update(&hdr)
	})
	if err != nil {
		return idx.fail(ErrInternal, fmt.Errorf("appending record: %w", err))
	}
	return nil
}

// UpdateRecord stores modified fields of an existing record.
func (idx *Index) UpdateRecord(rec *Record) error {
	err := idx.db.Write(background, func(tx *bstore.Tx) error {
		return tx.Update(rec)
	})
	if err != nil {
		return idx.fail(ErrInternal, fmt.Errorf("updating record: %w", err))
	}
	return nil
}

// DeleteRecord removes a record and its cached fields, updating the header.
// Backends call this when a message disappeared from the backing storage.
func (idx *Index) DeleteRecord(rec Record) error {
	err := idx.db.Write(background, func(tx *bstore.Tx) error {
		hdr := Header{ID: 1}
		if err := tx.Get(&hdr); err != nil {
			return err
		}
		if err := tx.Delete(&Record{ID: rec.ID}); err != nil {
			return err
		}
		cr := CacheRecord{ID: rec.ID}
		if err := tx.Delete(&cr); err != nil && err != bstore.ErrAbsent {
			return err
		}
		if hdr.MessageCount > 0 {
			hdr.MessageCount--
		}
		return tx.Update(&hdr)
	})
	if err != nil {
		return idx.fail(ErrInternal, fmt.Errorf("deleting record: %w", err))
	}
	return nil
}

// Records returns all records ordered by UID, i.e. by sequence number.
func (idx *Index) Records() ([]Record, error) {
	var l []Record
	err := idx.db.Read(background, func(tx *bstore.Tx) error {
		var err error
		l, err = bstore.QueryTx[Record](tx).SortAsc("UID").List()
		return err
	})
	if err != nil {
		return nil, idx.fail(ErrInternal, fmt.Errorf("listing records: %w", err))
	}
	return l, nil
}

// RecordByUID returns the record with the given UID.
func (idx *Index) RecordByUID(uid uint32) (Record, error) {
	var rec Record
	err := idx.db.Read(background, func(tx *bstore.Tx) error {
		var err error
		rec, err = bstore.QueryTx[Record](tx).FilterNonzero(Record{UID: uid}).Get()
		return err
	})
	if err != nil {
		return Record{}, idx.fail(ErrInternal, fmt.Errorf("looking up uid %d: %w", uid, err))
	}
	return rec, nil
}

// LookupUIDRange returns the first record with low <= UID <= high and its
// 1-based sequence number. Ok is false if no message falls in the range.
func (idx *Index) LookupUIDRange(low, high uint32) (rec Record, seq uint32, ok bool, rerr error) {
	l, err := idx.Records()
	if err != nil {
		return Record{}, 0, false, err
	}
	for i, r := range l {
		if r.UID >= low && r.UID <= high {
			return r, uint32(i + 1), true, nil
		}
	}
	return Record{}, 0, false, nil
}

package mailindex

import (
	"errors"
	"fmt"
	"time"

	"github.com/mjl-/bstore"
)

// Field is a message metadata field the index cache can persist.
type Field int

const (
	FieldSentDate Field = iota
	FieldReceivedDate
	FieldVirtualSize
	FieldBody
	FieldBodyStructure
	FieldMessagePart
)

var fieldNames = map[Field]string{
	FieldSentDate:      "sent_date",
	FieldReceivedDate:  "received_date",
	FieldVirtualSize:   "virtual_size",
	FieldBody:          "body",
	FieldBodyStructure: "bodystructure",
	FieldMessagePart:   "messagepart",
}

func (f Field) String() string {
	return fieldNames[f]
}

// FieldByName returns the field with the given (lower-case) name.
func FieldByName(name string) (Field, bool) {
	for f, n := range fieldNames {
		if n == name {
			return f, true
		}
	}
	return 0, false
}

// FieldSet is a set of cacheable fields.
type FieldSet struct {
	bits uint
}

// MakeFieldSet returns a set holding the given fields.
func MakeFieldSet(fields ...Field) FieldSet {
	var s FieldSet
	for _, f := range fields {
		s.Add(f)
	}
	return s
}

func (s FieldSet) Has(f Field) bool {
	return s.bits&(1<<uint(f)) != 0
}

func (s *FieldSet) Add(f Field) {
	s.bits |= 1 << uint(f)
}

func (s FieldSet) Union(o FieldSet) FieldSet {
	return FieldSet{s.bits | o.bits}
}

func (s FieldSet) IsEmpty() bool {
	return s.bits == 0
}

// CacheRecord holds computed fields of one message, persisted so a later
// fetch does not parse the message again. Keyed by the Record ID.
type CacheRecord struct {
	ID            int64
	SentDate      time.Time
	VirtualSize   int64
	Body          string // IMAP BODY form.
	BodyStructure string // IMAP BODYSTRUCTURE form.
	MessagePart   []byte // Serialized MIME part layout.
}

// Cache is the field cache of an index. Writes go through a Transaction and
// are gated by the configured default and never sets.
type Cache struct {
	idx         *Index
	defaults    FieldSet
	never       FieldSet
	defaultsSet bool
}

// SetDefaults configures which fields may be persisted. Set when the index is
// first opened; later calls are ignored, the same index can back many
// sessions.
func (c *Cache) SetDefaults(def, never FieldSet) {
	if c.defaultsSet {
		return
	}
	c.defaults = def
	c.never = never
	c.defaultsSet = true
}

func (c *Cache) shouldCache(f Field) bool {
	return c.defaults.Has(f) && !c.never.Has(f)
}

// Lookup returns the cached fields for a record, with ok false if nothing was
// cached yet.
func (c *Cache) Lookup(recID int64) (CacheRecord, bool) {
	cr := CacheRecord{ID: recID}
	err := c.idx.db.Read(background, func(tx *bstore.Tx) error {
		return tx.Get(&cr)
	})
	if err != nil {
		return CacheRecord{}, false
	}
	return cr, true
}

type cacheUpdate struct {
	rec    CacheRecord
	exists bool
}

// Transaction accumulates cache writes. Nothing is persisted until Commit;
// End discards remaining state. The session layer commits and ends the
// transaction before releasing its lock.
type Transaction struct {
	c       *Cache
	pending map[int64]*cacheUpdate
	done    bool
}

// NewTransaction starts a cache write transaction.
func (c *Cache) NewTransaction() *Transaction {
	return &Transaction{c: c, pending: map[int64]*cacheUpdate{}}
}

func (t *Transaction) rec(recID int64) *CacheRecord {
	if u, ok := t.pending[recID]; ok {
		return &u.rec
	}
	u := &cacheUpdate{rec: CacheRecord{ID: recID}}
	if cr, ok := t.c.Lookup(recID); ok {
		u.rec = cr
		u.exists = true
	}
	t.pending[recID] = u
	return &u.rec
}

func (t *Transaction) SetSentDate(recID int64, v time.Time) {
	if t.done || !t.c.shouldCache(FieldSentDate) {
		return
	}
	t.rec(recID).SentDate = v
}

func (t *Transaction) SetVirtualSize(recID int64, v int64) {
	if t.done || !t.c.shouldCache(FieldVirtualSize) {
		return
	}
	t.rec(recID).VirtualSize = v
}

func (t *Transaction) SetBody(recID int64, v string) {
	if t.done || !t.c.shouldCache(FieldBody) {
		return
	}
	t.rec(recID).Body = v
}

func (t *Transaction) SetBodyStructure(recID int64, v string) {
	if t.done || !t.c.shouldCache(FieldBodyStructure) {
		return
	}
	t.rec(recID).BodyStructure = v
}

func (t *Transaction) SetMessagePart(recID int64, v []byte) {
	if t.done || !t.c.shouldCache(FieldMessagePart) {
		return
	}
	t.rec(recID).MessagePart = v
}

// Commit writes all accumulated cache records.
func (t *Transaction) Commit() error {
	if t.done {
		return errors.New("cache transaction already ended")
	}
	if len(t.pending) == 0 {
		return nil
	}
	err := t.c.idx.db.Write(background, func(tx *bstore.Tx) error {
		for _, u := range t.pending {
			var err error
			if u.exists {
				err = tx.Update(&u.rec)
			} else {
				err = tx.Insert(&u.rec)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return t.c.idx.fail(ErrInternal, fmt.Errorf("committing cache transaction: %w", err))
	}
	return nil
}

// End discards remaining transaction state. The transaction must not be used
// afterwards; ending twice is an error.
func (t *Transaction) End() error {
	if t.done {
		return errors.New("cache transaction already ended")
	}
	t.done = true
	t.pending = nil
	return nil
}

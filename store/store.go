/*
Package store is the session-facing resource layer of the mail server.

It keeps a process-wide cache of open mailbox indexes (Registry) shared by all
sessions that have the same mailbox open, arbitrates advisory locking over
those indexes with user-visible stall notifications, and defines the
interfaces a message storage backend implements so commands like fetch can
walk messages without knowing the on-disk mailbox format.
*/
package store

import (
	"io"
	"time"

	"github.com/avosse/dovel/config"
	"github.com/avosse/dovel/mailindex"
	"github.com/avosse/dovel/mlog"
)

// MailField is a simple metadata field a fetch can request from a Mail.
type MailField int

const (
	MailFlags MailField = iota
	MailReceivedDate
	MailSize
	MailBody
	MailBodyStructure
	MailEnvelope
)

// MailFieldSet is a set of requested mail fields.
type MailFieldSet struct {
	bits uint
}

func MakeMailFieldSet(fields ...MailField) MailFieldSet {
	var s MailFieldSet
	for _, f := range fields {
		s.Add(f)
	}
	return s
}

func (s MailFieldSet) Has(f MailField) bool {
	return s.bits&(1<<uint(f)) != 0
}

func (s *MailFieldSet) Add(f MailField) {
	s.bits |= 1 << uint(f)
}

func (s MailFieldSet) IsEmpty() bool {
	return s.bits == 0
}

// SpecialKind selects a precomputed textual representation of a message.
type SpecialKind int

const (
	SpecialBody SpecialKind = iota
	SpecialBodyStructure
	SpecialEnvelope
)

// MessageSize is the size of a message region: physical bytes as stored, and
// virtual bytes with CRLF line endings.
type MessageSize struct {
	Physical int64
	Virtual  int64
}

// Add adds o to m.
func (m *MessageSize) Add(o MessageSize) {
	m.Physical += o.Physical
	m.Virtual += o.Virtual
}

// Mail is one message yielded by a fetch iterator. Methods return an error
// when the underlying message disappeared or cannot be read; the caller
// treats that as fatal for the running command.
type Mail interface {
	Seq() uint32
	UID() uint32
	// Flags returns the system flags and custom keywords.
	Flags() (mailindex.Flags, []string, error)
	ReceivedDate() (time.Time, error)
	Size() (int64, error)
	// Special returns the parenthesized IMAP form of kind.
	Special(kind SpecialKind) (string, error)
	// Stream returns the raw message positioned at the header, with header
	// and body sizes.
	Stream() (r io.ReadSeeker, hdr, body MessageSize, rerr error)
	// BodySection resolves a section specification like "HEADER",
	// "HEADER.FIELDS (From To)", "TEXT" or "1.2" and returns its content.
	BodySection(section string) (r io.Reader, size int64, rerr error)
	UpdateFlags(delta mailindex.Flags, keywords []string, mode mailindex.FlagMode) error
	// HasNoNuls is true if the message is known to contain no NUL bytes.
	HasNoNuls() bool
}

// FetchIterator walks the messages selected for a fetch.
type FetchIterator interface {
	// Next returns the next message, or nil at the end of the selection.
	Next() (Mail, error)
	// Deinit releases the iterator and reports whether every selected
	// message existed.
	Deinit() (allFound bool, rerr error)
}

// Backend is implemented by a mailbox storage format (e.g. maildir).
type Backend interface {
	// FetchInit opens an iterator over the messages selected by set
	// ("1:4,7", "1:*", ...), by sequence number or by UID. wantedHeaders,
	// if not nil, hints that only those header fields will be needed.
	FetchInit(mb *Mailbox, fields MailFieldSet, wantedHeaders []string, set string, byUID bool) (FetchIterator, error)
	// Sync brings the index up to date with the backing message store.
	// Called with the mailbox exclusively locked.
	Sync(mb *Mailbox) error
}

// Callbacks deliver user-visible storage notifications to the protocol layer,
// e.g. as untagged OK/NO responses.
type Callbacks struct {
	NotifyOK func(mb *Mailbox, text string)
	NotifyNo func(mb *Mailbox, text string)
}

// Storage represents one user of the storage subsystem, e.g. one backend
// instance serving a connection. All storages of a process share a Registry.
type Storage struct {
	Name string

	log       mlog.Log
	registry  *Registry
	cfg       config.Settings
	callbacks Callbacks
}

// NewStorage registers a storage subsystem user with the registry.
func NewStorage(log mlog.Log, name string, reg *Registry, cfg config.Settings) *Storage {
	reg.Start()
	return &Storage{Name: name, log: log, registry: reg, cfg: cfg}
}

// Close unregisters this storage. When the last storage closes, all cached
// unreferenced indexes are destroyed.
func (st *Storage) Close() {
	st.registry.Stop()
}

// SetCallbacks stores the notification sink used during lock stalls.
func (st *Storage) SetCallbacks(cb Callbacks) {
	st.callbacks = cb
}

func (st *Storage) notifyOK(mb *Mailbox, text string) {
	if st.callbacks.NotifyOK != nil {
		st.callbacks.NotifyOK(mb, text)
	}
}

func (st *Storage) notifyNo(mb *Mailbox, text string) {
	if st.callbacks.NotifyNo != nil {
		st.callbacks.NotifyNo(mb, text)
	}
}

// cacheMasks returns the default and never cache field sets: from the
// environment (memoized), with the config file as fallback.
func (st *Storage) cacheMasks() (def, never mailindex.FieldSet) {
	def = DefaultFieldMask(st.log)
	if def.IsEmpty() && st.cfg.CacheFields != "" {
		def = ParseFieldMask(st.log, st.cfg.CacheFields)
	}
	never = NeverFieldMask(st.log)
	if never.IsEmpty() && st.cfg.NeverCacheFields != "" {
		never = ParseFieldMask(st.log, st.cfg.NeverCacheFields)
	}
	return
}

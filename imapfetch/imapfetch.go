/*
Package imapfetch builds FETCH responses: given the parsed field set of a
fetch command and an open mailbox session, it walks the selected messages and
writes one untagged FETCH line per message, streaming large payloads as IMAP
literals.
*/
package imapfetch

import (
	"bytes"
	"fmt"
	"io"

	"github.com/avosse/dovel/mailindex"
	"github.com/avosse/dovel/metrics"
	"github.com/avosse/dovel/mlog"
	"github.com/avosse/dovel/store"
)

// Mailbox is what a fetch needs from an open mailbox session.
type Mailbox interface {
	IsReadonly() bool
	Lock(lt mailindex.LockType) error
	FetchInit(fields store.MailFieldSet, wantedHeaders []string, set string, byUID bool) (store.FetchIterator, error)
}

// BodySection is one BODY[...] item of a fetch command.
type BodySection struct {
	// Section specification as sent by the client, e.g. "HEADER", "TEXT",
	// "HEADER.FIELDS (From To)" or "2.1".
	Section string
	// Peek suppresses the implicit setting of the seen flag.
	Peek bool
}

// Request is the parsed field set of one fetch command.
type Request struct {
	// Simple metadata fields, rendered into the accumulated part of the line.
	Fields store.MailFieldSet

	// Include "UID n" in the response. Always set for UID FETCH.
	UID bool

	// Large payloads, streamed as literals.
	RFC822       bool
	RFC822Header bool
	RFC822Text   bool
	Bodies       []BodySection
}

type fetcher struct {
	log mlog.Log
	out io.Writer
	req Request

	// Fetching a non-peek body marks messages seen, unless readonly.
	updateSeen bool

	// Simple fields of the current message accumulate here and are written in
	// one piece before any literal.
	buf bytes.Buffer
	// No token was written yet for the current message; the next token skips
	// its leading space.
	first bool
}

// Fetch runs one fetch command, writing an untagged FETCH response for each
// message selected by set to out. It reports whether every selected message
// was found. On error, output already written stays written: the line of the
// failing message may be left syntactically incomplete and the caller must
// fail the command so the client discards it.
func Fetch(log mlog.Log, box Mailbox, req Request, set string, byUID bool, out io.Writer) (allFound bool, rerr error) {
	f := &fetcher{log: log, out: out, req: req}

	if !box.IsReadonly() {
		if req.RFC822 || req.RFC822Text {
			f.updateSeen = true
		}
		for _, b := range req.Bodies {
			if !b.Peek {
				f.updateSeen = true
				break
			}
		}
	}

	// When every body section is a HEADER.FIELDS fetch, the union of the
	// requested header names is passed down so the backend can serve them
	// from the index cache instead of opening the message.
	wantedHeaders := headerFieldsHint(req.Bodies)

	if f.updateSeen {
		if err := box.Lock(mailindex.LockShared); err != nil {
			metrics.FetchInc("error")
			return false, err
		}
	}
	defer func() {
		// The shared lock also releases the session's cache transaction, so
		// always bring the lock back to none, also when nothing was locked
		// here.
		if err := box.Lock(mailindex.LockNone); err != nil {
			log.Errorx("unlocking mailbox after fetch", err)
			if rerr == nil {
				rerr = err
			}
		}
	}()

	it, err := box.FetchInit(req.Fields, wantedHeaders, set, byUID)
	if err != nil {
		metrics.FetchInc("error")
		return false, err
	}

	var failure error
	for {
		m, err := it.Next()
		if err != nil {
			failure = err
			break
		}
		if m == nil {
			break
		}
		if err := f.fetchMail(m); err != nil {
			failure = err
			break
		}
	}

	allFound, err = it.Deinit()
	if failure == nil {
		failure = err
	}
	if failure != nil {
		metrics.FetchInc("error")
		return false, failure
	}
	if !allFound {
		metrics.FetchInc("partial")
	} else {
		metrics.FetchInc("ok")
	}
	return allFound, nil
}

// fetchMail writes the FETCH response for one message. Once any output was
// written for the message, the closing ")\r\n" is written even when a later
// field failed, keeping the line parseable as far as it got.
func (f *fetcher) fetchMail(m store.Mail) error {
	var flags mailindex.Flags
	var keywords []string
	haveFlags := false
	seenUpdated := false
	if f.updateSeen {
		fl, kw, err := m.Flags()
		if err != nil {
			return err
		}
		if fl.Seen {
			flags, keywords, haveFlags = fl, kw, true
		} else {
			if err := m.UpdateFlags(mailindex.Flags{Seen: true}, nil, mailindex.FlagsAdd); err != nil {
				return err
			}
			// The new flags are read back below so the response shows them.
			seenUpdated = true
		}
	}

	f.buf.Reset()
	fmt.Fprintf(&f.buf, "* %d FETCH (", m.Seq())
	prefixLen := f.buf.Len()

	dataWritten := false
	err := func() error {
		if f.req.UID {
			fmt.Fprintf(&f.buf, "UID %d ", m.UID())
		}
		if f.req.Fields.Has(store.MailFlags) || seenUpdated {
			if !haveFlags {
				var err error
				flags, keywords, err = m.Flags()
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(&f.buf, "FLAGS (%s) ", flagList(flags, keywords))
		}
		if f.req.Fields.Has(store.MailReceivedDate) {
			t, err := m.ReceivedDate()
			if err != nil {
				return err
			}
			fmt.Fprintf(&f.buf, "INTERNALDATE \"%s\" ", t.Format("_2-Jan-2006 15:04:05 -0700"))
		}
		if f.req.Fields.Has(store.MailSize) {
			size, err := m.Size()
			if err != nil {
				return err
			}
			fmt.Fprintf(&f.buf, "RFC822.SIZE %d ", size)
		}
		if f.req.Fields.Has(store.MailBody) {
			s, err := m.Special(store.SpecialBody)
			if err != nil {
				return err
			}
			fmt.Fprintf(&f.buf, "BODY (%s) ", s)
		}
		if f.req.Fields.Has(store.MailBodyStructure) {
			s, err := m.Special(store.SpecialBodyStructure)
			if err != nil {
				return err
			}
			fmt.Fprintf(&f.buf, "BODYSTRUCTURE (%s) ", s)
		}
		if f.req.Fields.Has(store.MailEnvelope) {
			s, err := m.Special(store.SpecialEnvelope)
			if err != nil {
				return err
			}
			fmt.Fprintf(&f.buf, "ENVELOPE (%s) ", s)
		}

		// Flush the accumulated simple fields, dropping the trailing
		// separator space so a following literal supplies its own.
		b := f.buf.Bytes()
		f.first = len(b) == prefixLen
		if !f.first {
			b = b[:len(b)-1]
		}
		if _, err := f.out.Write(b); err != nil {
			return err
		}
		dataWritten = true

		if f.req.RFC822 {
			if err := f.sendFull(m); err != nil {
				return err
			}
		}
		if f.req.RFC822Header {
			if err := f.sendHeader(m); err != nil {
				return err
			}
		}
		if f.req.RFC822Text {
			if err := f.sendText(m); err != nil {
				return err
			}
		}
		for _, bs := range f.req.Bodies {
			if err := f.sendBodySection(m, bs); err != nil {
				return err
			}
		}
		return nil
	}()

	if dataWritten {
		if _, werr := io.WriteString(f.out, ")\r\n"); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// literal writes the " NAME {size}\r\n" opening of a literal token. The first
// token of a message omits the leading space.
func (f *fetcher) literal(name string, size int64) error {
	s := fmt.Sprintf(" %s {%d}\r\n", name, size)
	if f.first {
		s = s[1:]
		f.first = false
	}
	_, err := io.WriteString(f.out, s)
	return err
}

func (f *fetcher) sendFull(m store.Mail) error {
	r, hdr, body, err := m.Stream()
	if err != nil {
		return err
	}
	hdr.Add(body)
	if err := f.literal("RFC822", hdr.Virtual); err != nil {
		return err
	}
	return sendMessage(f.out, r, hdr.Virtual, m.HasNoNuls())
}

func (f *fetcher) sendHeader(m store.Mail) error {
	r, hdr, _, err := m.Stream()
	if err != nil {
		return err
	}
	if err := f.literal("RFC822.HEADER", hdr.Virtual); err != nil {
		return err
	}
	return sendMessage(f.out, r, hdr.Virtual, m.HasNoNuls())
}

func (f *fetcher) sendText(m store.Mail) error {
	r, hdr, body, err := m.Stream()
	if err != nil {
		return err
	}
	if _, err := r.Seek(hdr.Physical, io.SeekStart); err != nil {
		return err
	}
	if err := f.literal("RFC822.TEXT", body.Virtual); err != nil {
		return err
	}
	return sendMessage(f.out, r, body.Virtual, m.HasNoNuls())
}

func (f *fetcher) sendBodySection(m store.Mail, bs BodySection) error {
	r, size, err := m.BodySection(bs.Section)
	if err != nil {
		return err
	}
	if err := f.literal("BODY["+bs.Section+"]", size); err != nil {
		return err
	}
	return sendMessage(f.out, r, size, m.HasNoNuls())
}

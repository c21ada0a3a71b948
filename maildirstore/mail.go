package maildirstore

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/avosse/dovel/mailindex"
	"github.com/avosse/dovel/store"
)

type selEntry struct {
	seq uint32
	rec mailindex.Record
}

// iterator yields the selected messages in sequence order. The message file
// of the current message stays open until the next Next or Deinit.
type iterator struct {
	b             *Backend
	mb            *store.Mailbox
	fields        store.MailFieldSet
	wantedHeaders []string
	sel           []selEntry
	i             int
	cur           *msg
	allFound      bool
}

func (it *iterator) Next() (store.Mail, error) {
	it.closeCur()
	if it.i >= len(it.sel) {
		return nil, nil
	}
	e := it.sel[it.i]
	it.i++
	m := &msg{it: it, seq: e.seq, rec: e.rec}
	it.cur = m
	return m, nil
}

func (it *iterator) Deinit() (bool, error) {
	it.closeCur()
	return it.allFound, nil
}

func (it *iterator) closeCur() {
	if it.cur != nil {
		it.cur.close()
		it.cur = nil
	}
}

// msg is one message: an index record plus its maildir file, opened and
// scanned lazily.
type msg struct {
	it  *iterator
	seq uint32
	rec mailindex.Record

	file    *os.File
	rawData []byte

	scanned  bool
	hdrSize  store.MessageSize
	bodySize store.MessageSize
	hasNuls  bool
}

func (m *msg) Seq() uint32 {
	return m.seq
}

func (m *msg) UID() uint32 {
	return m.rec.UID
}

func (m *msg) Flags() (mailindex.Flags, []string, error) {
	return m.rec.Flags, m.rec.Keywords, nil
}

func (m *msg) ReceivedDate() (time.Time, error) {
	return m.rec.Received, nil
}

func (m *msg) HasNoNuls() bool {
	return m.rec.NoNuls || m.scanned && !m.hasNuls
}

// UpdateFlags applies a flag change to the index record. New keywords are
// added to the custom flag table first.
func (m *msg) UpdateFlags(delta mailindex.Flags, keywords []string, mode mailindex.FlagMode) error {
	if len(keywords) > 0 {
		if err := m.it.mb.FixCustomFlags(keywords); err != nil {
			return err
		}
	}
	m.rec.Flags = m.rec.Flags.Apply(delta, mode)
	switch mode {
	case mailindex.FlagsAdd:
		for _, kw := range keywords {
			if !contains(m.rec.Keywords, kw) {
				m.rec.Keywords = append(m.rec.Keywords, kw)
			}
		}
	case mailindex.FlagsRemove:
		var l []string
		for _, kw := range m.rec.Keywords {
			if !contains(keywords, kw) {
				l = append(l, kw)
			}
		}
		m.rec.Keywords = l
	case mailindex.FlagsReplace:
		m.rec.Keywords = keywords
	}
	if err := m.it.mb.Index().UpdateRecord(&m.rec); err != nil {
		return m.it.mb.IndexError()
	}
	return nil
}

func contains(l []string, s string) bool {
	for _, e := range l {
		if e == s {
			return true
		}
	}
	return false
}

func (m *msg) open() (*os.File, error) {
	if m.file != nil {
		return m.file, nil
	}
	filename, err := m.it.b.dir.Filename(m.rec.Key)
	if err != nil {
		return nil, fmt.Errorf("finding message file: %v", err)
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("opening message file: %v", err)
	}
	m.file = f
	return f, nil
}

func (m *msg) close() {
	if m.file != nil {
		err := m.file.Close()
		m.it.b.log.Check(err, "closing message file")
		m.file = nil
	}
	m.rawData = nil
}

// scan determines the header and body sizes and whether the message contains
// NUL bytes. NUL-freeness is remembered in the index record.
func (m *msg) scan() error {
	if m.scanned {
		return nil
	}
	f, err := m.open()
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking message file: %v", err)
	}
	hdr, body, hasNuls, err := scanMessage(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("scanning message: %v", err)
	}
	m.hdrSize, m.bodySize, m.hasNuls = hdr, body, hasNuls
	m.scanned = true
	if !hasNuls && !m.rec.NoNuls && !m.it.mb.IsReadonly() {
		m.rec.NoNuls = true
		err := m.it.mb.Index().UpdateRecord(&m.rec)
		m.it.b.log.Check(err, "storing nul-free marker")
	}
	return nil
}

// Size returns the virtual message size, from the index cache when present.
func (m *msg) Size() (int64, error) {
	cache := m.it.mb.Index().Cache()
	if cr, ok := cache.Lookup(m.rec.ID); ok && cr.VirtualSize > 0 {
		return cr.VirtualSize, nil
	}
	if err := m.scan(); err != nil {
		return 0, err
	}
	size := m.hdrSize.Virtual + m.bodySize.Virtual
	m.it.mb.CacheTransaction().SetVirtualSize(m.rec.ID, size)
	return size, nil
}

func (m *msg) Stream() (io.ReadSeeker, store.MessageSize, store.MessageSize, error) {
	if err := m.scan(); err != nil {
		return nil, store.MessageSize{}, store.MessageSize{}, err
	}
	if _, err := m.file.Seek(0, io.SeekStart); err != nil {
		return nil, store.MessageSize{}, store.MessageSize{}, fmt.Errorf("seeking message file: %v", err)
	}
	return m.file, m.hdrSize, m.bodySize, nil
}

// raw returns the full message bytes, read once per message.
func (m *msg) raw() ([]byte, error) {
	if m.rawData != nil {
		return m.rawData, nil
	}
	f, err := m.open()
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking message file: %v", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading message file: %v", err)
	}
	m.rawData = data
	return data, nil
}

// scanMessage walks the message once, counting physical and virtual (CRLF)
// sizes of header and body and looking for NUL bytes. The blank separator
// line counts as part of the header.
func scanMessage(br *bufio.Reader) (hdr, body store.MessageSize, hasNuls bool, rerr error) {
	inHeader := true
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			size := store.MessageSize{Physical: int64(len(line)), Virtual: int64(len(line))}
			if line[len(line)-1] == '\n' && (len(line) < 2 || line[len(line)-2] != '\r') {
				size.Virtual++
			}
			if bytes.IndexByte(line, 0) >= 0 {
				hasNuls = true
			}
			if inHeader {
				hdr.Add(size)
				if len(bytes.TrimRight(line, "\r\n")) == 0 {
					inHeader = false
				}
			} else {
				body.Add(size)
			}
		}
		if err == io.EOF {
			return hdr, body, hasNuls, nil
		} else if err != nil {
			return hdr, body, hasNuls, err
		}
	}
}

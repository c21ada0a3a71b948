package maildirstore

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/avosse/dovel/store"
)

var errNoSuchPart = fmt.Errorf("no such message part")

// Special returns the parenthesized IMAP form of the message's body,
// bodystructure or envelope. Body and bodystructure are served from the index
// cache when present, and written to the session's cache transaction after
// computing.
func (m *msg) Special(kind store.SpecialKind) (string, error) {
	cache := m.it.mb.Index().Cache()
	if cr, ok := cache.Lookup(m.rec.ID); ok {
		switch {
		case kind == store.SpecialBody && cr.Body != "":
			return cr.Body, nil
		case kind == store.SpecialBodyStructure && cr.BodyStructure != "":
			return cr.BodyStructure, nil
		}
	}

	raw, err := m.raw()
	if err != nil {
		return "", err
	}
	e, err := readEntity(crlf(raw))
	if err != nil {
		return "", fmt.Errorf("parsing message: %v", err)
	}

	switch kind {
	case store.SpecialEnvelope:
		return envelope(e.Header), nil
	case store.SpecialBody:
		s, err := bodyStructure(e, false)
		if err != nil {
			return "", err
		}
		m.it.mb.CacheTransaction().SetBody(m.rec.ID, s)
		return s, nil
	case store.SpecialBodyStructure:
		s, err := bodyStructure(e, true)
		if err != nil {
			return "", err
		}
		m.it.mb.CacheTransaction().SetBodyStructure(m.rec.ID, s)
		return s, nil
	}
	return "", fmt.Errorf("unknown special kind %d", kind)
}

// BodySection resolves a BODY[...] section specification and returns its
// content with CRLF line endings.
func (m *msg) BodySection(section string) (io.Reader, int64, error) {
	raw, err := m.raw()
	if err != nil {
		return nil, 0, err
	}
	data := crlf(raw)
	hdr, body := splitHeaderBody(data)

	var out []byte
	switch {
	case section == "":
		out = data
	case section == "HEADER":
		out = hdr
	case section == "TEXT":
		out = body
	case strings.HasPrefix(section, "HEADER.FIELDS.NOT "):
		out = filterHeader(hdr, headerNames(section[len("HEADER.FIELDS.NOT "):]), true)
	case strings.HasPrefix(section, "HEADER.FIELDS "):
		out = filterHeader(hdr, headerNames(section[len("HEADER.FIELDS "):]), false)
	default:
		out, err = partSection(data, section)
		if err != nil {
			return nil, 0, err
		}
	}
	return bytes.NewReader(out), int64(len(out)), nil
}

func headerNames(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '(' || r == ')' })
}

// crlf returns b with bare LF line endings replaced by CRLF.
func crlf(b []byte) []byte {
	n := 0
	for i, c := range b {
		if c == '\n' && (i == 0 || b[i-1] != '\r') {
			n++
		}
	}
	if n == 0 {
		return b
	}
	out := make([]byte, 0, len(b)+n)
	var prev byte
	for _, c := range b {
		if c == '\n' && prev != '\r' {
			out = append(out, '\r')
		}
		out = append(out, c)
		prev = c
	}
	return out
}

// splitHeaderBody splits a CRLF message at the blank line. The blank line
// belongs to the header.
func splitHeaderBody(data []byte) (hdr, body []byte) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[:i+4], data[i+4:]
	}
	return data, nil
}

// filterHeader returns the header lines whose field matches one of names, or
// the other lines if not is set. Continuation lines follow their field.
// Always ends with the blank separator line.
func filterHeader(hdr []byte, names []string, not bool) []byte {
	matches := func(line []byte) bool {
		k := bytes.TrimRight(bytes.SplitN(line, []byte(":"), 2)[0], " \t")
		for _, n := range names {
			if bytes.EqualFold(k, []byte(n)) {
				return true
			}
		}
		return false
	}

	var out bytes.Buffer
	var match bool
	rest := hdr
	for len(rest) > 0 {
		line := rest
		if i := bytes.Index(line, []byte("\r\n")); i >= 0 {
			line = line[:i+2]
		}
		rest = rest[len(line):]
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			break
		}
		cont := bytes.HasPrefix(line, []byte(" ")) || bytes.HasPrefix(line, []byte("\t"))
		if !cont {
			match = matches(line)
		}
		if match != not {
			out.Write(line)
		}
	}
	out.WriteString("\r\n")
	return out.Bytes()
}

// partSection resolves a numeric section like "2", "1.2", "2.HEADER" or
// "2.MIME" by descending into the MIME structure.
func partSection(data []byte, section string) ([]byte, error) {
	var path []int
	spec := ""
	for _, elem := range strings.Split(section, ".") {
		if spec != "" {
			spec += "." + elem
			continue
		}
		n := 0
		for _, c := range elem {
			if c < '0' || c > '9' {
				n = -1
				break
			}
			n = n*10 + int(c-'0')
		}
		if n <= 0 {
			spec = elem
			continue
		}
		path = append(path, n)
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("invalid body section %q", section)
	}

	e, err := readEntity(data)
	if err != nil {
		return nil, fmt.Errorf("parsing message: %v", err)
	}
	for _, n := range path {
		mr := e.MultipartReader()
		if mr == nil {
			// Part 1 of a non-multipart message is the message itself.
			if n == 1 {
				continue
			}
			return nil, errNoSuchPart
		}
		var p *message.Entity
		for j := 1; j <= n; j++ {
			p, err = mr.NextPart()
			if err == io.EOF {
				return nil, errNoSuchPart
			} else if err != nil {
				return nil, fmt.Errorf("reading message part: %v", err)
			}
		}
		e = p
	}

	switch spec {
	case "", "TEXT":
		b, err := io.ReadAll(e.Body)
		if err != nil {
			return nil, fmt.Errorf("reading message part: %v", err)
		}
		return crlf(b), nil
	case "HEADER", "MIME":
		var b bytes.Buffer
		if err := textproto.WriteHeader(&b, e.Header.Header); err != nil {
			return nil, fmt.Errorf("writing part header: %v", err)
		}
		return crlf(b.Bytes()), nil
	}
	return nil, fmt.Errorf("invalid body section %q", section)
}

func readEntity(data []byte) (*message.Entity, error) {
	e, err := message.Read(bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	return e, nil
}

// quoted returns s as an IMAP quoted string.
func quoted(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\r", "", "\n", "")
	return "\"" + r.Replace(s) + "\""
}

func nilOrQuoted(s string) string {
	if s == "" {
		return "NIL"
	}
	return quoted(s)
}

func paramList(params map[string]string) string {
	if len(params) == 0 {
		return "NIL"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var l []string
	for _, k := range keys {
		l = append(l, quoted(strings.ToUpper(k)), quoted(params[k]))
	}
	return "(" + strings.Join(l, " ") + ")"
}

// envelope renders the inner fields of an ENVELOPE item from the header:
// date, subject, from, sender, reply-to, to, cc, bcc, in-reply-to and
// message-id. Empty sender and reply-to fall back to from.
func envelope(h message.Header) string {
	mh := mail.Header{Header: h}

	dateField := "NIL"
	if date, err := mh.Date(); err == nil && !date.IsZero() {
		dateField = quoted(date.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}
	subject, _ := mh.Subject()

	from := addressList(mh, "From")
	sender := addressList(mh, "Sender")
	if sender == "NIL" {
		sender = from
	}
	replyTo := addressList(mh, "Reply-To")
	if replyTo == "NIL" {
		replyTo = from
	}

	fields := []string{
		dateField,
		nilOrQuoted(subject),
		from,
		sender,
		replyTo,
		addressList(mh, "To"),
		addressList(mh, "Cc"),
		addressList(mh, "Bcc"),
		nilOrQuoted(h.Get("In-Reply-To")),
		nilOrQuoted(h.Get("Message-Id")),
	}
	return strings.Join(fields, " ")
}

func addressList(mh mail.Header, key string) string {
	l, err := mh.AddressList(key)
	if err != nil || len(l) == 0 {
		return "NIL"
	}
	var parts []string
	for _, a := range l {
		user, host, _ := strings.Cut(a.Address, "@")
		parts = append(parts, "("+nilOrQuoted(a.Name)+" NIL "+quoted(user)+" "+nilOrQuoted(host)+")")
	}
	return "(" + strings.Join(parts, "") + ")"
}

// bodyStructure renders the inner fields of a BODY or BODYSTRUCTURE item.
// Extended adds the disposition and placeholder extension fields.
func bodyStructure(e *message.Entity, extended bool) (string, error) {
	mediaType, params, _ := e.Header.ContentType()
	typ, sub, _ := strings.Cut(mediaType, "/")
	typ = strings.ToUpper(typ)
	sub = strings.ToUpper(sub)

	if mr := e.MultipartReader(); mr != nil {
		var b strings.Builder
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			} else if err != nil {
				return "", fmt.Errorf("reading message part: %v", err)
			}
			s, err := bodyStructure(p, extended)
			if err != nil {
				return "", err
			}
			b.WriteString("(" + s + ")")
		}
		s := b.String() + " " + quoted(sub)
		if extended {
			s += " " + paramList(params) + " NIL NIL"
		}
		return s, nil
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return "", fmt.Errorf("reading message body: %v", err)
	}
	body = crlf(body)
	lines := bytes.Count(body, []byte("\n"))

	enc := e.Header.Get("Content-Transfer-Encoding")
	if enc == "" {
		enc = "7bit"
	}

	fields := []string{
		quoted(typ),
		quoted(sub),
		paramList(params),
		nilOrQuoted(e.Header.Get("Content-Id")),
		nilOrQuoted(e.Header.Get("Content-Description")),
		quoted(strings.ToUpper(enc)),
		fmt.Sprintf("%d", len(body)),
	}
	if typ == "MESSAGE" && sub == "RFC822" {
		emb, err := readEntity(body)
		if err != nil {
			return "", fmt.Errorf("parsing embedded message: %v", err)
		}
		env := envelope(emb.Header)
		bs, err := bodyStructure(emb, extended)
		if err != nil {
			return "", err
		}
		fields = append(fields, "("+env+")", "("+bs+")", fmt.Sprintf("%d", lines))
	} else if typ == "TEXT" {
		fields = append(fields, fmt.Sprintf("%d", lines))
	}
	if extended {
		disp, dispParams, _ := e.Header.ContentDisposition()
		dspField := "NIL"
		if disp != "" {
			dspField = "(" + quoted(strings.ToUpper(disp)) + " " + paramList(dispParams) + ")"
		}
		fields = append(fields, "NIL", dspField, "NIL", "NIL")
	}
	return strings.Join(fields, " "), nil
}

package imapfetch

import (
	"strings"

	"github.com/avosse/dovel/mailindex"
)

// BodyFields parses the parenthesized header name list of a HEADER.FIELDS
// section, e.g. "(From To)" becomes ["From", "To"].
func BodyFields(s string) []string {
	var l []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '(' || r == ')' }) {
		l = append(l, f)
	}
	return l
}

const headerFieldsPrefix = "HEADER.FIELDS "

// headerFieldsHint returns the deduplicated union of header names when every
// body section is a HEADER.FIELDS fetch. Any other section, or no sections at
// all, returns nil: no hint, the backend reads the full message.
func headerFieldsHint(bodies []BodySection) []string {
	if len(bodies) == 0 {
		return nil
	}
	var l []string
	seen := map[string]bool{}
	for _, b := range bodies {
		if !strings.HasPrefix(b.Section, headerFieldsPrefix) {
			return nil
		}
		for _, h := range BodyFields(b.Section[len(headerFieldsPrefix):]) {
			k := strings.ToLower(h)
			if !seen[k] {
				seen[k] = true
				l = append(l, h)
			}
		}
	}
	return l
}

// flagList renders flags and keywords as the space separated contents of a
// FLAGS list.
func flagList(flags mailindex.Flags, keywords []string) string {
	var l []string
	if flags.Answered {
		l = append(l, `\Answered`)
	}
	if flags.Flagged {
		l = append(l, `\Flagged`)
	}
	if flags.Deleted {
		l = append(l, `\Deleted`)
	}
	if flags.Seen {
		l = append(l, `\Seen`)
	}
	if flags.Draft {
		l = append(l, `\Draft`)
	}
	if flags.Recent {
		l = append(l, `\Recent`)
	}
	l = append(l, keywords...)
	return strings.Join(l, " ")
}

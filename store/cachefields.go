package store

import (
	"os"
	"strings"
	"sync"

	"golang.org/x/exp/slog"

	"github.com/avosse/dovel/mailindex"
	"github.com/avosse/dovel/mlog"
)

// ParseFieldMask parses a space or comma separated list of cache field names
// (sent_date, received_date, virtual_size, body, bodystructure, messagepart),
// case-insensitively. Unknown names are logged and skipped, they do not fail
// the parse.
func ParseFieldMask(log mlog.Log, s string) mailindex.FieldSet {
	var set mailindex.FieldSet
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' }) {
		f, ok := mailindex.FieldByName(strings.ToLower(name))
		if !ok {
			log.Error("invalid cache field name, ignoring", slog.String("field", name))
			continue
		}
		set.Add(f)
	}
	return set
}

var (
	defaultFieldsOnce sync.Once
	defaultFields     mailindex.FieldSet
	neverFieldsOnce   sync.Once
	neverFields       mailindex.FieldSet
)

// DefaultFieldMask returns the fields the index cache persists by default,
// from $MAIL_CACHE_FIELDS. The environment is read once per process and the
// result memoized.
func DefaultFieldMask(log mlog.Log) mailindex.FieldSet {
	defaultFieldsOnce.Do(func() {
		defaultFields = ParseFieldMask(log, os.Getenv("MAIL_CACHE_FIELDS"))
	})
	return defaultFields
}

// NeverFieldMask returns the fields the index cache must never persist, from
// $MAIL_NEVER_CACHE_FIELDS, read once per process and memoized.
func NeverFieldMask(log mlog.Log) mailindex.FieldSet {
	neverFieldsOnce.Do(func() {
		neverFields = ParseFieldMask(log, os.Getenv("MAIL_NEVER_CACHE_FIELDS"))
	})
	return neverFields
}

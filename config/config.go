/*
Package config holds the configuration file definition for dovel.

The file is in "sconf" format (github.com/mjl-/sconf): indentation with tabs,
"#" for comment lines, no quoting of values. All fields are optional, with
defaults suitable for small installations.
*/
package config

import (
	"os"

	"github.com/mjl-/sconf"
	"golang.org/x/exp/slog"

	"github.com/avosse/dovel/mlog"
)

// Settings is the configuration a server embedding this library passes to the
// storage layer.
type Settings struct {
	LogLevel          string            `sconf:"optional" sconf-doc:"Default log level, one of: error, info, debug."`
	PackageLogLevels  map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. store, mailindex, imapfetch, maildirstore)."`
	IndexCacheTimeout int               `sconf:"optional" sconf-doc:"How many seconds to keep an index open for reuse after its last session closed. Default 10."`
	IndexCacheMax     int               `sconf:"optional" sconf-doc:"How many closed indexes to keep open at most. Default 3."`
	LockTimeout       int               `sconf:"optional" sconf-doc:"How many seconds to wait for an index or mailbox lock before giving up. Default 120."`
	StaleLockTimeout  int               `sconf:"optional" sconf-doc:"Age in seconds after which a mailbox lock file is considered stale and overridden. Default 300."`
	CacheFields       string            `sconf:"optional" sconf-doc:"Space or comma separated message fields the index cache persists by default: sent_date, received_date, virtual_size, body, bodystructure, messagepart. The MAIL_CACHE_FIELDS environment variable takes precedence."`
	NeverCacheFields  string            `sconf:"optional" sconf-doc:"Fields the index cache must never persist. The MAIL_NEVER_CACHE_FIELDS environment variable takes precedence."`
}

// Defaults returns settings with all defaults filled in.
func Defaults() Settings {
	return Settings{
		LogLevel:          "error",
		IndexCacheTimeout: 10,
		IndexCacheMax:     3,
		LockTimeout:       120,
		StaleLockTimeout:  300,
		CacheFields:       "messagepart sent_date virtual_size",
	}
}

// Load reads path and returns the settings, with defaults applied for fields
// left out.
func Load(path string) (Settings, error) {
	s := Defaults()
	f, err := os.Open(path)
	if err != nil {
		return s, err
	}
	defer f.Close()
	if err := sconf.Parse(f, &s); err != nil {
		return s, err
	}
	if s.IndexCacheTimeout <= 0 {
		s.IndexCacheTimeout = 10
	}
	if s.IndexCacheMax <= 0 {
		s.IndexCacheMax = 3
	}
	if s.LockTimeout <= 0 {
		s.LockTimeout = 120
	}
	if s.StaleLockTimeout <= 0 {
		s.StaleLockTimeout = 300
	}
	return s, nil
}

// LogLevels translates the configured levels for mlog.SetConfig.
func (s Settings) LogLevels() map[string]slog.Level {
	r := map[string]slog.Level{}
	if v, ok := mlog.Levels[s.LogLevel]; ok {
		r[""] = v
	} else {
		r[""] = mlog.LevelError
	}
	for pkg, ls := range s.PackageLogLevels {
		if v, ok := mlog.Levels[ls]; ok {
			r[pkg] = v
		}
	}
	return r
}

// Describe writes an annotated example config file, generated from the
// Settings definition.
func Describe(w *os.File) error {
	s := Defaults()
	return sconf.Describe(w, &s)
}

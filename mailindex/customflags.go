package mailindex

import (
	"errors"
	"fmt"

	"github.com/mjl-/bstore"
)

// MaxCustomFlags is the capacity of the per-mailbox custom flag table.
const MaxCustomFlags = 26

// ErrTooManyCustomFlags is returned by FixCustomFlags when a keyword would
// exceed the custom flag table capacity.
var ErrTooManyCustomFlags = errors.New("maximum number of different custom flags exceeded")

// CustomFlag is an entry of the per-mailbox custom flag (keyword) table.
type CustomFlag struct {
	ID   int64
	Name string `bstore:"unique"`
}

// CustomFlags returns the custom flag table.
func (idx *Index) CustomFlags() ([]string, error) {
	var names []string
	err := idx.db.Read(background, func(tx *bstore.Tx) error {
		l, err := bstore.QueryTx[CustomFlag](tx).SortAsc("ID").List()
		if err != nil {
			return err
		}
		for _, cf := range l {
			names = append(names, cf.Name)
		}
		return nil
	})
	if err != nil {
		return nil, idx.fail(ErrInternal, fmt.Errorf("listing custom flags: %w", err))
	}
	return names, nil
}

// AllowNewCustomFlags tells whether the custom flag table has room left.
func (idx *Index) AllowNewCustomFlags() bool {
	n := 0
	err := idx.db.Read(background, func(tx *bstore.Tx) error {
		var err error
		n, err = bstore.QueryTx[CustomFlag](tx).Count()
		return err
	})
	if err != nil {
		return false
	}
	return n < MaxCustomFlags
}

// FixCustomFlags ensures each keyword is present in the custom flag table,
// adding missing ones. Returns ErrTooManyCustomFlags if the table would
// exceed its capacity.
func (idx *Index) FixCustomFlags(keywords []string) error {
	if len(keywords) == 0 {
		return nil
	}
	err := idx.db.Write(background, func(tx *bstore.Tx) error {
		l, err := bstore.QueryTx[CustomFlag](tx).List()
		if err != nil {
			return err
		}
		have := map[string]bool{}
		for _, cf := range l {
			have[cf.Name] = true
		}
		n := len(l)
		for _, kw := range keywords {
			if have[kw] {
				continue
			}
			if n >= MaxCustomFlags {
				return ErrTooManyCustomFlags
			}
			if err := tx.Insert(&CustomFlag{Name: kw}); err != nil {
				return err
			}
			have[kw] = true
			n++
		}
		return nil
	})
	if errors.Is(err, ErrTooManyCustomFlags) {
		return ErrTooManyCustomFlags
	}
	if err != nil {
		return idx.fail(ErrInternal, fmt.Errorf("updating custom flags: %w", err))
	}
	return nil
}

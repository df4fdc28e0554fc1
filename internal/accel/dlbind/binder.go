// Package dlbind resolves a fixed table of entry points from a dynamically
// loaded vendor library.
package dlbind

import (
	"errors"
	"fmt"
	"strings"
)

// Library is an opened shared object.
type Library interface {
	Lookup(name string) (uintptr, error)
	Close() error
}

// Opener opens a shared object by soname or path.
type Opener func(name string) (Library, error)

// Symbol is one slot of a binding table. Fallback is tried when Name cannot
// be resolved; Optional symbols leave Addr zero instead of failing the bind.
type Symbol struct {
	Name     string
	Fallback string
	Optional bool
	Addr     *uintptr
}

// MissingSymbolError reports the first required symbol that could not be
// resolved.
type MissingSymbolError struct {
	Symbol string
	Err    error
}

func (e *MissingSymbolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("missing symbol %s", e.Symbol)
	}
	return fmt.Sprintf("missing symbol %s: %v", e.Symbol, e.Err)
}

func (e *MissingSymbolError) Unwrap() error { return e.Err }

// ErrNoCandidates is returned by Open when no soname was given.
var ErrNoCandidates = errors.New("no library candidates")

// Open tries each soname in order and returns the first library that loads.
// When every candidate fails the loader's own message for the last attempt is
// returned.
func Open(open Opener, sonames ...string) (Library, error) {
	if len(sonames) == 0 {
		return nil, ErrNoCandidates
	}
	var lastErr error
	for _, name := range sonames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		lib, err := open(name)
		if err == nil {
			return lib, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, ErrNoCandidates
	}
	return nil, lastErr
}

// Bind resolves table in order. If a required symbol is missing every slot is
// zeroed so no partially bound table can be used.
func Bind(lib Library, table []Symbol) error {
	for _, sym := range table {
		addr, err := lib.Lookup(sym.Name)
		if err != nil && sym.Fallback != "" {
			addr, err = lib.Lookup(sym.Fallback)
		}
		if err != nil || addr == 0 {
			if sym.Optional {
				*sym.Addr = 0
				continue
			}
			zeroSlots(table)
			if err == nil {
				err = errors.New("resolved to nil")
			}
			return &MissingSymbolError{Symbol: sym.Name, Err: err}
		}
		*sym.Addr = addr
	}
	return nil
}

func zeroSlots(table []Symbol) {
	for _, sym := range table {
		*sym.Addr = 0
	}
}

// Load opens the first available soname and binds table against it. The
// library is closed again when binding fails.
func Load(open Opener, table []Symbol, sonames ...string) (Library, error) {
	lib, err := Open(open, sonames...)
	if err != nil {
		return nil, err
	}
	if err := Bind(lib, table); err != nil {
		if cerr := lib.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, err
	}
	return lib, nil
}

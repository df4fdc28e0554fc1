//go:build linux || darwin

package dlbind

import (
	"fmt"

	"github.com/ebitengine/purego"
)

type dlLibrary struct {
	name   string
	handle uintptr
}

// System opens libraries with the platform dynamic loader.
func System(name string) (Library, error) {
	handle, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, err
	}
	return &dlLibrary{name: name, handle: handle}, nil
}

func (l *dlLibrary) Lookup(name string) (uintptr, error) {
	if l.handle == 0 {
		return 0, fmt.Errorf("%s: library closed", l.name)
	}
	return purego.Dlsym(l.handle, name)
}

func (l *dlLibrary) Close() error {
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return err
}

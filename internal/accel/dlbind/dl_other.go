//go:build !linux && !darwin

package dlbind

import (
	"fmt"
	"runtime"
)

// System reports that dynamic loading is not supported on this platform.
func System(name string) (Library, error) {
	return nil, fmt.Errorf("open %s: dynamic loading unsupported on %s", name, runtime.GOOS)
}

//go:build !linux && !darwin

package nvidia

import (
	"fmt"
	"runtime"
)

// OpenLibrary always fails on platforms without a supported dynamic loader.
func OpenLibrary(sonames []string) (Library, error) {
	return nil, fmt.Errorf("nvml: dynamic loading unsupported on %s", runtime.GOOS)
}

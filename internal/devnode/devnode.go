// Package devnode counts and describes accelerator device nodes.
package devnode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultPattern matches the kernel accel subsystem nodes.
const DefaultPattern = "/dev/accel*"

const classDir = "class"

// Node describes one accelerator device node.
type Node struct {
	ID    string `json:"id"`
	Path  string `json:"path"`
	PCI   string `json:"pci,omitempty"`
	PCIID string `json:"pci_id,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Count returns the number of paths matching pattern. A pattern that matches
// nothing or fails to expand counts as zero devices.
func Count(pattern string) int {
	if pattern == "" {
		pattern = DefaultPattern
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0
	}
	return len(matches)
}

// Discover lists the nodes matching pattern ordered by their numeric suffix
// and enriches each from sysfs when sysfsRoot is set.
func Discover(pattern, sysfsRoot string, logger *slog.Logger) ([]Node, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if pattern == "" {
		pattern = DefaultPattern
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("expand %q: %w", pattern, err)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return nodeOrdinal(matches[i]) < nodeOrdinal(matches[j])
	})

	var sysRoot *os.Root
	if sysfsRoot != "" {
		sysRoot, err = os.OpenRoot(sysfsRoot)
		if err != nil {
			logger.Warn("sysfs root unavailable", "path", sysfsRoot, "err", err)
		} else {
			defer sysRoot.Close()
		}
	}

	nodes := make([]Node, 0, len(matches))
	for _, path := range matches {
		node := Node{ID: filepath.Base(path), Path: path}
		if sysRoot != nil {
			if err := loadNodeInfo(&node, sysRoot, className(path)); err != nil {
				logger.Debug("sysfs info unavailable", "node", node.ID, "err", err)
			}
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// className maps /dev/accel/accel0 and /dev/accel0 to "accel", and
// /dev/vfio/0 to "vfio".
func className(path string) string {
	base := strings.TrimRightFunc(filepath.Base(path), isDigit)
	if base == "" {
		return filepath.Base(filepath.Dir(path))
	}
	return base
}

func nodeOrdinal(path string) int {
	base := filepath.Base(path)
	digits := base[len(strings.TrimRightFunc(base, isDigit)):]
	n, err := strconv.Atoi(digits)
	if err != nil {
		return -1
	}
	return n
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func loadNodeInfo(node *Node, sysRoot *os.Root, class string) error {
	deviceRoot, err := sysRoot.OpenRoot(filepath.Join(classDir, class, node.ID, "device"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open device root: %w", err)
	}
	defer deviceRoot.Close()

	var subVendor, subDevice string
	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		text := string(data)
		node.PCI = parseKeyValue(text, "PCI_SLOT_NAME")
		node.PCIID = parseKeyValue(text, "PCI_ID")
		if subsys := parseKeyValue(text, "PCI_SUBSYS_ID"); subsys != "" {
			subVendor, subDevice, _ = strings.Cut(subsys, ":")
		}
		node.Name = parseKeyValue(text, "DRIVER")
	}

	if node.PCIID == "" {
		if vendor, err := readTrim(deviceRoot, "vendor"); err == nil {
			if device, err := readTrim(deviceRoot, "device"); err == nil {
				node.PCIID = strings.TrimPrefix(vendor, "0x") + ":" + strings.TrimPrefix(device, "0x")
			}
		}
	}
	if subVendor == "" {
		subVendor, _ = readTrim(deviceRoot, "subsystem_vendor")
	}
	if subDevice == "" {
		subDevice, _ = readTrim(deviceRoot, "subsystem_device")
	}

	vendorID, deviceID, _ := strings.Cut(node.PCIID, ":")
	if resolved := lookupDeviceName(vendorID, deviceID, subVendor, subDevice); shouldUseResolvedName(node.Name, resolved) {
		node.Name = resolved
	}
	return nil
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		if value, ok := strings.CutPrefix(scanner.Text(), prefix); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

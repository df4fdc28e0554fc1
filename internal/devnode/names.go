package devnode

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

var loadPCIDatabase = sync.OnceValue(func() *pcidb.PCIDB {
	db, err := pcidb.New()
	if err != nil {
		return nil
	}
	return db
})

// lookupDeviceName resolves a marketing name from the PCI ID database,
// preferring the subsystem entry when one matches.
func lookupDeviceName(vendorID, deviceID, subVendorID, subDeviceID string) string {
	vendorID = normalizePCIID(vendorID)
	deviceID = normalizePCIID(deviceID)
	if vendorID == "" || deviceID == "" {
		return ""
	}

	db := loadPCIDatabase()
	if db == nil {
		return ""
	}
	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}

	subVendorID = normalizePCIID(subVendorID)
	subDeviceID = normalizePCIID(subDeviceID)
	if subVendorID != "" && subDeviceID != "" {
		for _, sub := range product.Subsystems {
			if sub != nil && sub.Name != "" &&
				strings.EqualFold(sub.VendorID, subVendorID) && strings.EqualFold(sub.ID, subDeviceID) {
				return sub.Name
			}
		}
	}
	return product.Name
}

func normalizePCIID(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if value == "" {
		return ""
	}
	value = strings.ToLower(value)
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

// shouldUseResolvedName replaces driver names and placeholders with the
// database name.
func shouldUseResolvedName(current, resolved string) bool {
	if resolved == "" {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(current))
	switch lower {
	case "", "unknown", "vfio-pci", "accel", "nvidia", "habanalabs", "intel_vpu", "amdxdna":
		return true
	}
	return strings.HasPrefix(lower, "pci device") || strings.HasPrefix(lower, "0x")
}

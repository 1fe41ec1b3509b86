package device

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/srg/bletag/internal/bledb"
)

// CompanyID extracts the Bluetooth SIG company identifier from manufacturer data.
//
// By BLE convention the first two bytes carry the identifier, little-endian.
// Not every vendor follows the convention, so the result is only a hint.
func CompanyID(data []byte) (uint16, bool) {
	if len(data) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(data[0:2]), true
}

// DescribeManufacturerData renders vendor-specific advertisement bytes for logs.
// The payload is not parsed beyond the company identifier.
func DescribeManufacturerData(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	id, ok := CompanyID(data)
	if !ok {
		return hex.EncodeToString(data)
	}
	return fmt.Sprintf("%s %s", bledb.VendorLabel(id), hex.EncodeToString(data[2:]))
}

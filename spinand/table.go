package spinand

import (
	_ "embed"
	"fmt"

	"github.com/gocarina/gocsv"
	"github.com/nandkit/nandkit"
)

// DeviceInfo is one row of the parameter table: everything the driver
// needs to know about a chip beyond what the command set exposes.
type DeviceInfo struct {
	Vendor string `csv:"vendor"`
	Name   string `csv:"name"`
	// ID is the JEDEC identifier, two or three bytes depending on vendor.
	ID            JedecID `csv:"jedec_id"`
	PageSize      uint32  `csv:"page_size"`
	PagesPerBlock uint32  `csv:"pages_per_block"`
	BlockCount    uint32  `csv:"block_count"`
	// SpareSize is the per-page out-of-band area in bytes.
	SpareSize uint32 `csv:"spare_size"`
	// ECCStrength is how many bit errors per sector the on-chip engine
	// corrects.
	ECCStrength uint32 `csv:"ecc_strength"`
}

// Geometry returns the chip layout as seen by the block I/O contract.
func (i DeviceInfo) Geometry() nandkit.Geometry {
	return nandkit.Geometry{
		PageSize:      i.PageSize,
		PagesPerBlock: i.PagesPerBlock,
		BlockCount:    i.BlockCount,
	}
}

func (i DeviceInfo) String() string {
	return fmt.Sprintf("%s %s (%v)", i.Vendor, i.Name, i.ID)
}

//go:embed devices.csv
var deviceTableRawCSV string
var deviceTable []DeviceInfo

// Devices returns the embedded parameter table.
func Devices() []DeviceInfo {
	out := make([]DeviceInfo, len(deviceTable))
	copy(out, deviceTable)
	return out
}

// Lookup finds the table entry for a probed JEDEC ID. Table entries can be
// shorter than the three bytes a probe reads; an entry matches when it
// equals the leading bytes of the probed ID.
func Lookup(id JedecID) (DeviceInfo, bool) {
	for _, info := range deviceTable {
		if matchID(id, info.ID) {
			return info, true
		}
	}
	return DeviceInfo{}, false
}

func matchID(probed, want JedecID) bool {
	w := uint32(want)
	mask := uint32(0xFFFFFF)
	for w != 0 && w&0xFF0000 == 0 {
		w <<= 8
		mask = (mask << 8) & 0xFFFFFF
	}
	return uint32(probed)&mask == w
}

func init() {
	if err := gocsv.UnmarshalString(deviceTableRawCSV, &deviceTable); err != nil {
		panic(fmt.Errorf("failed to decode device table: %w", err))
	}
	seen := make(map[JedecID]string, len(deviceTable))
	for _, info := range deviceTable {
		if prev, ok := seen[info.ID]; ok {
			panic(fmt.Errorf("jedec id %v defined for both %q and %q",
				info.ID, prev, info.Name))
		}
		seen[info.ID] = info.Name
	}
}

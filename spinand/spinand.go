// Package spinand implements a generic driver for SPI-attached NAND flash.
// It speaks the de facto standard command set (page read into the on-chip
// cache, program load/execute, block erase, status polling) over a plain
// transport function, identifies the chip by its JEDEC ID against an
// embedded parameter table, and exposes the device through the block I/O
// contracts in the root package.
//
// Devices that deviate from the standard command set get their own
// subpackage (see winbond) built on the same primitives.
package spinand

import (
	"fmt"
	"strconv"
	"strings"
)

// Transport performs one SPI transaction under a single chip select: the
// bytes in out are shifted to the device, then len(in) bytes are shifted
// back into in. Either slice may be empty.
//
// Implementations only report transfer failures; they know nothing about
// NAND semantics.
type Transport func(out, in []byte) error

// Command opcodes shared by virtually all SPI NAND parts.
const (
	opReset             = 0xFF
	opJedecID           = 0x9F
	opReadStatus        = 0x0F
	opWriteStatus       = 0x1F
	opPageRead          = 0x13
	opReadFromCache     = 0x03
	opWriteEnable       = 0x06
	opWriteDisable      = 0x04
	opProgramLoad       = 0x02
	opProgramRandomLoad = 0x84
	opProgramExecute    = 0x10
	opBlockErase        = 0xD8
	opDeepPowerDown     = 0xB9
	opDeepPowerDownExit = 0xAB
)

// Status register addresses, selected by the second byte of a status
// read/write command.
const (
	regProtect = 0xA0 // block protection and status protection bits
	regConfig  = 0xB0 // OTP, ECC enable, buffer mode
	regStatus  = 0xC0 // busy, write enable latch, failure and ECC flags
)

// Bits of the status register (0xC0).
const (
	statusBusy        = 0x01
	statusWriteEnable = 0x02
	statusEraseFail   = 0x04
	statusProgramFail = 0x08
	statusECCMask     = 0x30
)

// Block protection bits of the protect register (0xA0). Cleared by Unlock.
const protectBPMask = 0x78

// ECCStatus is the outcome of the on-chip ECC engine for the last read,
// decoded from the status register.
type ECCStatus int

const (
	// ECCOk means no bit errors were detected.
	ECCOk ECCStatus = iota
	// ECCCorrected means bit errors were corrected. The block is wearing
	// out and should be retired before correction stops sufficing.
	ECCCorrected
	// ECCFailed means the data could not be corrected.
	ECCFailed
	// ECCFailing means errors were corrected at the limit of the engine's
	// strength.
	ECCFailing
)

func (s ECCStatus) String() string {
	switch s {
	case ECCOk:
		return "ok"
	case ECCCorrected:
		return "corrected"
	case ECCFailed:
		return "failed"
	default:
		return "failing"
	}
}

func decodeECC(status uint8) ECCStatus {
	switch status & statusECCMask {
	case 0x00:
		return ECCOk
	case 0x10:
		return ECCCorrected
	case 0x20:
		return ECCFailed
	default:
		return ECCFailing
	}
}

// JedecID is the manufacturer and device identifier, at most three bytes,
// stored right-aligned.
type JedecID uint32

func (id JedecID) String() string {
	return fmt.Sprintf("%06X", uint32(id))
}

// UnmarshalCSV parses the hex form used by the device parameter table.
func (id *JedecID) UnmarshalCSV(s string) error {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 16, 32)
	if err != nil {
		return fmt.Errorf("bad jedec id %q: %w", s, err)
	}
	*id = JedecID(v)
	return nil
}

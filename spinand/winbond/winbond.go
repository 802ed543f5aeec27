// Package winbond extends the generic SPI NAND driver with W25N-series
// features: strict manufacturer checking at probe time, the ECC and
// buffer-mode configuration bits, and the OTP area holding the chip's
// unique ID and its ONFI parameter page.
package winbond

import (
	"fmt"

	"github.com/nandkit/nandkit"
	"github.com/nandkit/nandkit/spinand"
)

// ManufacturerID is the JEDEC manufacturer byte of Winbond.
const ManufacturerID = 0xEF

// Configuration register bits of the W25N series.
const (
	cfgOTPLock    = 0x80
	cfgOTPEnable  = 0x40
	cfgECCEnable  = 0x10
	cfgBufferMode = 0x08
)

// OTP rows. With the OTP-E configuration bit set, page reads address a
// small hidden area instead of the main array.
const (
	rowUniqueID      = 0x00
	rowParameterPage = 0x01
)

// uniqueIDLen is the length of the unique ID. The OTP page stores it
// followed by its bitwise complement.
const uniqueIDLen = 16

// Device is a W25N-series chip. It embeds the generic driver, so it
// satisfies the same block I/O contracts.
type Device struct {
	*spinand.Device
}

// New identifies and initializes a W25N-series chip. Unlike the generic
// constructor it rejects chips from other manufacturers even when the
// parameter table knows them.
func New(spi spinand.Transport, opts ...spinand.Option) (*Device, error) {
	dev, err := spinand.New(spi, opts...)
	if err != nil {
		return nil, err
	}
	info := dev.Info()
	if uint32(info.ID)>>16 != ManufacturerID {
		return nil, nandkit.ErrUnknownDevice.WithMessage(
			fmt.Sprintf("%v is not a Winbond part", info))
	}
	return &Device{Device: dev}, nil
}

// ECCEnabled reports whether the on-chip ECC engine is engaged.
func (d *Device) ECCEnabled() (bool, error) {
	cfg, err := d.Raw().ReadRegister(spinand.RegConfig)
	if err != nil {
		return false, err
	}
	return cfg&cfgECCEnable != 0, nil
}

// SetECC engages or bypasses the on-chip ECC engine. Bypassing it makes
// reads return raw array contents, which is only useful for diagnostics.
func (d *Device) SetECC(enable bool) error {
	return d.setConfig(cfgECCEnable, enable)
}

// SetBufferMode switches between buffered reads, which stop at the page
// boundary, and continuous reads, which stream across pages. The generic
// driver assumes buffered reads.
func (d *Device) SetBufferMode(enable bool) error {
	return d.setConfig(cfgBufferMode, enable)
}

func (d *Device) setConfig(bit uint8, enable bool) error {
	cfg, err := d.Raw().ReadRegister(spinand.RegConfig)
	if err != nil {
		return err
	}
	next := cfg &^ bit
	if enable {
		next |= bit
	}
	if next == cfg {
		return nil
	}
	return d.Raw().WriteRegister(spinand.RegConfig, next)
}

// withOTP runs fn with the OTP area mapped in place of the main array,
// restoring the configuration register afterwards.
func (d *Device) withOTP(fn func() error) error {
	cfg, err := d.Raw().ReadRegister(spinand.RegConfig)
	if err != nil {
		return err
	}
	if err := d.Raw().WriteRegister(spinand.RegConfig, cfg|cfgOTPEnable); err != nil {
		return err
	}
	opErr := fn()
	if err := d.Raw().WriteRegister(spinand.RegConfig, cfg); err != nil {
		if opErr == nil {
			return err
		}
	}
	return opErr
}

// UniqueID reads the factory-programmed chip serial number. The OTP page
// stores the ID followed by its bitwise complement; a mismatch means the
// read itself cannot be trusted.
func (d *Device) UniqueID() ([uniqueIDLen]byte, error) {
	var id [uniqueIDLen]byte
	err := d.withOTP(func() error {
		if _, err := d.Raw().LoadPage(rowUniqueID); err != nil {
			return err
		}
		var buf [2 * uniqueIDLen]byte
		if err := d.Raw().ReadFromCache(0, buf[:]); err != nil {
			return err
		}
		for i := 0; i < uniqueIDLen; i++ {
			if buf[i] != ^buf[uniqueIDLen+i] {
				return nandkit.ErrDevice.WithMessage(
					"unique ID does not match its complement")
			}
		}
		copy(id[:], buf[:uniqueIDLen])
		return nil
	})
	return id, err
}

// ParameterPage reads and validates the ONFI parameter page from the OTP
// area. The chip stores several copies; the first one with a good
// signature and checksum wins.
func (d *Device) ParameterPage() (*ParameterPage, error) {
	var page *ParameterPage
	err := d.withOTP(func() error {
		if _, err := d.Raw().LoadPage(rowParameterPage); err != nil {
			return err
		}
		var copyErr error
		for i := 0; i < parameterPageCopies; i++ {
			var raw [parameterPageLen]byte
			if err := d.Raw().ReadFromCache(uint16(i*parameterPageLen), raw[:]); err != nil {
				return err
			}
			page, copyErr = parseParameterPage(raw[:])
			if copyErr == nil {
				return nil
			}
		}
		return copyErr
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

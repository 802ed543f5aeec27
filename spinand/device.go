package spinand

import (
	"fmt"
	"time"

	"github.com/nandkit/nandkit"
)

// badBlockMarkerLen is how many spare-area bytes of the first page carry
// the factory (and driver-written) bad block marker.
const badBlockMarkerLen = 2

// Device drives a single SPI NAND chip. It implements nandkit.Device and
// nandkit.BlockCopier; WithContext adapts it to the suspending contracts.
//
// Device is not safe for concurrent use. The chip has a single command
// cache and a single busy flag, so callers must serialize access the same
// way they would around the bus itself.
type Device struct {
	spi  Transport
	info DeviceInfo
	geom nandkit.Geometry

	busyTimeout  time.Duration
	eraseTimeout time.Duration
	pollInterval time.Duration
}

// Option adjusts driver behavior at construction time.
type Option func(*Device)

// WithBusyTimeout overrides the limit on program and read completion.
func WithBusyTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.busyTimeout = d }
}

// WithPollInterval overrides the delay between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(dev *Device) { dev.pollInterval = d }
}

// New resets the chip, identifies it against the embedded parameter table,
// and clears the power-on block protection. It fails with ErrUnknownDevice
// when the JEDEC ID matches no table entry.
func New(spi Transport, opts ...Option) (*Device, error) {
	id, d, err := probe(spi, opts...)
	if err != nil {
		return nil, err
	}
	info, ok := Lookup(id)
	if !ok {
		return nil, nandkit.ErrUnknownDevice.WithMessage(
			fmt.Sprintf("jedec id %v", id))
	}
	return d.finish(info)
}

// NewWithInfo is New for chips that are absent from the parameter table or
// deliberately overridden. The caller vouches for the geometry.
func NewWithInfo(spi Transport, info DeviceInfo, opts ...Option) (*Device, error) {
	_, d, err := probe(spi, opts...)
	if err != nil {
		return nil, err
	}
	return d.finish(info)
}

func probe(spi Transport, opts ...Option) (JedecID, *Device, error) {
	d := &Device{
		spi:          spi,
		busyTimeout:  defaultBusyTimeout,
		eraseTimeout: defaultBusyTimeout,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.reset(); err != nil {
		return 0, nil, err
	}
	if _, err := d.waitReady(defaultResetTimeout); err != nil {
		return 0, nil, err
	}
	id, err := d.readJedecID()
	if err != nil {
		return 0, nil, err
	}
	return id, d, nil
}

func (d *Device) finish(info DeviceInfo) (*Device, error) {
	d.info = info
	d.geom = info.Geometry()
	if err := d.Unlock(); err != nil {
		return nil, err
	}
	return d, nil
}

// Info returns the parameter table entry the chip was identified as.
func (d *Device) Info() DeviceInfo { return d.info }

// Geometry implements nandkit.Device.
func (d *Device) Geometry() nandkit.Geometry { return d.geom }

// Unlock clears the block protection bits so the array accepts programs
// and erases. Chips power up fully protected.
func (d *Device) Unlock() error {
	prot, err := d.readRegister(regProtect)
	if err != nil {
		return err
	}
	if prot&protectBPMask == 0 {
		return nil
	}
	return d.writeRegister(regProtect, prot&^uint8(protectBPMask))
}

// PowerDown puts the chip into deep power-down. Only PowerUp is accepted
// in that state.
func (d *Device) PowerDown() error {
	return d.command(opDeepPowerDown)
}

// PowerUp wakes the chip from deep power-down and waits for it to become
// ready.
func (d *Device) PowerUp() error {
	if err := d.command(opDeepPowerDownExit); err != nil {
		return err
	}
	_, err := d.waitReady(d.busyTimeout)
	return err
}

func (d *Device) rowAddress(blk nandkit.PhysicalBlock, page uint32) uint32 {
	return uint32(blk)*d.geom.PagesPerBlock + page
}

func (d *Device) checkAddress(blk nandkit.PhysicalBlock, page uint32, n int) error {
	if uint32(blk) >= d.geom.BlockCount || page >= d.geom.PagesPerBlock {
		return nandkit.ErrInvalidAddress.WithMessage(
			fmt.Sprintf("block %d page %d outside a %d x %d chip",
				blk, page, d.geom.BlockCount, d.geom.PagesPerBlock))
	}
	if n > int(d.geom.PageSize) {
		return nandkit.ErrNotAligned.WithMessage(
			fmt.Sprintf("%d bytes does not fit a %d byte page", n, d.geom.PageSize))
	}
	return nil
}

// loadPage brings a page into the on-chip cache and reports the finished
// operation's status register.
func (d *Device) loadPage(row uint32) (uint8, error) {
	if err := d.pageRead(row); err != nil {
		return 0, err
	}
	return d.waitReady(d.busyTimeout)
}

// ReadPage implements nandkit.Device. When the on-chip ECC corrected at
// the limit of its strength the data in p is valid but the call returns a
// degraded-block error, signalling the caller to relocate the contents.
func (d *Device) ReadPage(blk nandkit.PhysicalBlock, page uint32, p []byte) error {
	if err := d.checkAddress(blk, page, len(p)); err != nil {
		return err
	}
	status, err := d.loadPage(d.rowAddress(blk, page))
	if err != nil {
		return err
	}
	if decodeECC(status) == ECCFailed {
		return nandkit.ErrDataLoss.WithMessage(
			fmt.Sprintf("block %d page %d: uncorrectable ECC error", blk, page))
	}
	if err := d.readFromCache(0, p); err != nil {
		return err
	}
	if ecc := decodeECC(status); ecc == ECCCorrected || ecc == ECCFailing {
		return nandkit.ErrBlockDegraded.WithMessage(
			fmt.Sprintf("block %d page %d: ECC %v", blk, page, ecc))
	}
	return nil
}

// WritePage implements nandkit.Device.
func (d *Device) WritePage(blk nandkit.PhysicalBlock, page uint32, p []byte) error {
	if err := d.checkAddress(blk, page, len(p)); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	if err := d.programLoad(0, p); err != nil {
		return err
	}
	if err := d.programExecute(d.rowAddress(blk, page)); err != nil {
		return err
	}
	status, err := d.waitReady(d.busyTimeout)
	if err != nil {
		return err
	}
	if status&statusProgramFail != 0 {
		return nandkit.ErrBadBlock.WithMessage(
			fmt.Sprintf("block %d page %d: program failed", blk, page))
	}
	return nil
}

// EraseBlock implements nandkit.Device.
func (d *Device) EraseBlock(blk nandkit.PhysicalBlock) error {
	if err := d.checkAddress(blk, 0, 0); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	if err := d.eraseBlock(d.rowAddress(blk, 0)); err != nil {
		return err
	}
	status, err := d.waitReady(d.eraseTimeout)
	if err != nil {
		return err
	}
	if status&statusEraseFail != 0 {
		return nandkit.ErrBadBlock.WithMessage(
			fmt.Sprintf("block %d: erase failed", blk))
	}
	return nil
}

// BlockStatus implements nandkit.Device by checking the bad block marker
// in the spare area of the block's first page. ECC does not cover the
// marker bytes, so ECC failures on the page are ignored here.
func (d *Device) BlockStatus(blk nandkit.PhysicalBlock) (nandkit.BlockStatus, error) {
	if err := d.checkAddress(blk, 0, 0); err != nil {
		return nandkit.BlockUnknown, err
	}
	if _, err := d.loadPage(d.rowAddress(blk, 0)); err != nil {
		return nandkit.BlockUnknown, err
	}
	var marker [badBlockMarkerLen]byte
	if err := d.readFromCache(uint16(d.geom.PageSize), marker[:]); err != nil {
		return nandkit.BlockUnknown, err
	}
	for _, b := range marker {
		if b != 0xFF {
			return nandkit.BlockBad, nil
		}
	}
	return nandkit.BlockGood, nil
}

// MarkBad implements nandkit.Device by programming zeros over the bad
// block marker. NAND programming can only clear bits, so this works on a
// block that is no longer erasable and leaves the rest of the page intact.
func (d *Device) MarkBad(blk nandkit.PhysicalBlock) error {
	if err := d.checkAddress(blk, 0, 0); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	marker := [badBlockMarkerLen]byte{0x00, 0x00}
	if err := d.programLoad(uint16(d.geom.PageSize), marker[:]); err != nil {
		return err
	}
	if err := d.programExecute(d.rowAddress(blk, 0)); err != nil {
		return err
	}
	status, err := d.waitReady(d.busyTimeout)
	if err != nil {
		return err
	}
	if status&statusProgramFail != 0 {
		return nandkit.ErrBadBlock.WithMessage(
			fmt.Sprintf("block %d: marker program failed", blk))
	}
	return nil
}

// CopyBlock implements nandkit.BlockCopier using the on-chip cache, so
// page contents never cross the bus. Pages whose ECC already failed make
// the copy fail; degraded pages copy fine.
func (d *Device) CopyBlock(src, dst nandkit.PhysicalBlock, pages uint32) error {
	if err := d.checkAddress(src, 0, 0); err != nil {
		return err
	}
	if err := d.checkAddress(dst, 0, 0); err != nil {
		return err
	}
	if pages > d.geom.PagesPerBlock {
		return nandkit.ErrInvalidAddress.WithMessage(
			fmt.Sprintf("%d pages exceeds the block size", pages))
	}
	for page := uint32(0); page < pages; page++ {
		status, err := d.loadPage(d.rowAddress(src, page))
		if err != nil {
			return err
		}
		if decodeECC(status) == ECCFailed {
			return nandkit.ErrDataLoss.WithMessage(
				fmt.Sprintf("block %d page %d: uncorrectable ECC error", src, page))
		}
		if err := d.writeEnable(); err != nil {
			return err
		}
		if err := d.programExecute(d.rowAddress(dst, page)); err != nil {
			return err
		}
		status, err = d.waitReady(d.busyTimeout)
		if err != nil {
			return err
		}
		if status&statusProgramFail != 0 {
			return nandkit.ErrBadBlock.WithMessage(
				fmt.Sprintf("block %d page %d: program failed", dst, page))
		}
	}
	return nil
}

// Package nandsim provides a simulated NAND device backed by memory or by
// any io.ReadWriteSeeker such as an image file. It models the physics that
// matter to the layers above: erase sets a block to 0xFF, programming can
// only clear bits, and blocks can be scripted to fail or degrade on demand.
//
// The simulator implements both the blocking and the suspending block I/O
// contracts and is used by the package tests and by cmd/nandctl.
package nandsim

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/nandkit/nandkit"
	"github.com/xaionaro-go/bytesextra"
)

type pageAddr struct {
	blk  nandkit.PhysicalBlock
	page uint32
}

// Device is a simulated NAND chip.
//
// The zero value is not usable; construct with New or Open. A Device is not
// safe for concurrent use, matching the contract of the interfaces it
// implements.
type Device struct {
	geom    nandkit.Geometry
	backing io.ReadWriteSeeker
	status  []nandkit.BlockStatus

	failWrite     map[nandkit.PhysicalBlock]int
	failErase     map[nandkit.PhysicalBlock]int
	uncorrectable map[pageAddr]bool
	degraded      map[nandkit.PhysicalBlock]bool
	busErrs       int
	markBadErrs   int

	// MarkBadCalls counts MarkBad invocations per block, for asserting
	// idempotence.
	MarkBadCalls map[nandkit.PhysicalBlock]int
	// Writes and Erases count successful page programs and block erases.
	Writes int
	Erases int

	// OnMarkBad, if set, runs just before a MarkBad takes effect. Tests use
	// it to act (e.g. cancel a context) at the start of a quarantine.
	OnMarkBad func(nandkit.PhysicalBlock)
}

// New creates a memory-backed device with every block erased and good.
func New(geom nandkit.Geometry) *Device {
	data := bytes.Repeat([]byte{0xFF}, int(geom.Capacity()))
	return Open(bytesextra.NewReadWriteSeeker(data), geom)
}

// Open wraps an existing backing stream, typically an image file, as a
// device with the given geometry. The stream must hold exactly
// geom.Capacity() bytes of page data; block statuses start as good.
func Open(backing io.ReadWriteSeeker, geom nandkit.Geometry) *Device {
	return &Device{
		geom:          geom,
		backing:       backing,
		status:        make([]nandkit.BlockStatus, geom.BlockCount),
		failWrite:     map[nandkit.PhysicalBlock]int{},
		failErase:     map[nandkit.PhysicalBlock]int{},
		uncorrectable: map[pageAddr]bool{},
		degraded:      map[nandkit.PhysicalBlock]bool{},
		MarkBadCalls:  map[nandkit.PhysicalBlock]int{},
	}
}

func (d *Device) Geometry() nandkit.Geometry {
	return d.geom
}

// MarkBadFactory presets a factory bad-block marker, as found during the
// initial scan of a real chip.
func (d *Device) MarkBadFactory(blk nandkit.PhysicalBlock) {
	d.status[blk] = nandkit.BlockBad
}

// FailNextWrite makes the next n page programs on blk fail and marks the
// block bad on the device, as a worn-out chip would report it.
func (d *Device) FailNextWrite(blk nandkit.PhysicalBlock, n int) {
	d.failWrite[blk] = n
}

// FailNextErase makes the next n erases of blk fail and marks it bad.
func (d *Device) FailNextErase(blk nandkit.PhysicalBlock, n int) {
	d.failErase[blk] = n
}

// SetUncorrectable makes reads of the given page return an uncorrectable
// ECC failure until the page is erased.
func (d *Device) SetUncorrectable(blk nandkit.PhysicalBlock, page uint32) {
	d.uncorrectable[pageAddr{blk, page}] = true
}

// SetDegraded makes reads of blk succeed but report the block as degrading.
func (d *Device) SetDegraded(blk nandkit.PhysicalBlock) {
	d.degraded[blk] = true
}

// InjectBusError makes the next n device operations fail with a
// communication error that implies nothing about the medium.
func (d *Device) InjectBusError(n int) {
	d.busErrs = n
}

// FailNextMarkBad makes the next n MarkBad calls fail.
func (d *Device) FailNextMarkBad(n int) {
	d.markBadErrs = n
}

func (d *Device) takeBusError() error {
	if d.busErrs > 0 {
		d.busErrs--
		return nandkit.ErrDevice.WithMessage("injected bus error")
	}
	return nil
}

func (d *Device) checkAddr(blk nandkit.PhysicalBlock, page uint32, n int) error {
	if uint32(blk) >= d.geom.BlockCount {
		return nandkit.ErrInvalidAddress.WithMessage(fmt.Sprintf(
			"physical block %d not in [0, %d)", blk, d.geom.BlockCount))
	}
	if page >= d.geom.PagesPerBlock || n > int(d.geom.PageSize) {
		return nandkit.ErrInvalidAddress.WithMessage(fmt.Sprintf(
			"page %d + %d bytes exceeds block layout", page, n))
	}
	return nil
}

func (d *Device) pageOffset(blk nandkit.PhysicalBlock, page uint32) int64 {
	return (int64(blk)*int64(d.geom.PagesPerBlock) + int64(page)) * int64(d.geom.PageSize)
}

func (d *Device) BlockStatus(blk nandkit.PhysicalBlock) (nandkit.BlockStatus, error) {
	if err := d.takeBusError(); err != nil {
		return nandkit.BlockUnknown, err
	}
	if uint32(blk) >= d.geom.BlockCount {
		return nandkit.BlockUnknown, nandkit.ErrInvalidAddress.WithMessage(fmt.Sprintf(
			"physical block %d not in [0, %d)", blk, d.geom.BlockCount))
	}
	if d.status[blk] == nandkit.BlockUnknown {
		return nandkit.BlockGood, nil
	}
	return d.status[blk], nil
}

func (d *Device) ReadPage(blk nandkit.PhysicalBlock, page uint32, p []byte) error {
	if err := d.checkAddr(blk, page, len(p)); err != nil {
		return err
	}
	if err := d.takeBusError(); err != nil {
		return err
	}
	if d.uncorrectable[pageAddr{blk, page}] {
		return nandkit.ErrDataLoss.WithMessage(fmt.Sprintf(
			"block %d page %d: ECC uncorrectable", blk, page))
	}
	if _, err := d.backing.Seek(d.pageOffset(blk, page), io.SeekStart); err != nil {
		return nandkit.ErrDevice.Wrap(err)
	}
	if _, err := io.ReadFull(d.backing, p); err != nil {
		return nandkit.ErrDevice.Wrap(err)
	}
	if d.degraded[blk] {
		return nandkit.ErrBlockDegraded.WithMessage(fmt.Sprintf(
			"block %d: ECC corrected at limit", blk))
	}
	return nil
}

func (d *Device) WritePage(blk nandkit.PhysicalBlock, page uint32, p []byte) error {
	if err := d.checkAddr(blk, page, len(p)); err != nil {
		return err
	}
	if err := d.takeBusError(); err != nil {
		return err
	}
	if n := d.failWrite[blk]; n > 0 {
		d.failWrite[blk] = n - 1
		d.status[blk] = nandkit.BlockBad
		return nandkit.ErrBadBlock.WithMessage(fmt.Sprintf(
			"block %d page %d: program failed", blk, page))
	}

	// Programming can only clear bits: AND the new data into the page.
	current := make([]byte, len(p))
	if _, err := d.backing.Seek(d.pageOffset(blk, page), io.SeekStart); err != nil {
		return nandkit.ErrDevice.Wrap(err)
	}
	if _, err := io.ReadFull(d.backing, current); err != nil {
		return nandkit.ErrDevice.Wrap(err)
	}
	for i := range current {
		current[i] &= p[i]
	}
	if _, err := d.backing.Seek(d.pageOffset(blk, page), io.SeekStart); err != nil {
		return nandkit.ErrDevice.Wrap(err)
	}
	if _, err := d.backing.Write(current); err != nil {
		return nandkit.ErrDevice.Wrap(err)
	}
	d.Writes++
	return nil
}

func (d *Device) EraseBlock(blk nandkit.PhysicalBlock) error {
	if err := d.checkAddr(blk, 0, 0); err != nil {
		return err
	}
	if err := d.takeBusError(); err != nil {
		return err
	}
	if n := d.failErase[blk]; n > 0 {
		d.failErase[blk] = n - 1
		d.status[blk] = nandkit.BlockBad
		return nandkit.ErrBadBlock.WithMessage(fmt.Sprintf(
			"block %d: erase failed", blk))
	}
	if _, err := d.backing.Seek(d.pageOffset(blk, 0), io.SeekStart); err != nil {
		return nandkit.ErrDevice.Wrap(err)
	}
	erased := bytes.Repeat([]byte{0xFF}, int(d.geom.BlockSize()))
	if _, err := d.backing.Write(erased); err != nil {
		return nandkit.ErrDevice.Wrap(err)
	}
	for page := uint32(0); page < d.geom.PagesPerBlock; page++ {
		delete(d.uncorrectable, pageAddr{blk, page})
	}
	d.Erases++
	return nil
}

func (d *Device) MarkBad(blk nandkit.PhysicalBlock) error {
	if err := d.checkAddr(blk, 0, 0); err != nil {
		return err
	}
	d.MarkBadCalls[blk]++
	if d.OnMarkBad != nil {
		d.OnMarkBad(blk)
	}
	if d.markBadErrs > 0 {
		d.markBadErrs--
		return nandkit.ErrDevice.WithMessage(fmt.Sprintf(
			"block %d: marker write failed", blk))
	}
	d.status[blk] = nandkit.BlockBad
	return nil
}

// CopyBlock copies the first pages pages of src into dst without moving the
// data through the caller, mirroring the on-chip copy of real devices.
// Scripted page failures on src apply: an uncorrectable source page fails
// the copy.
func (d *Device) CopyBlock(src, dst nandkit.PhysicalBlock, pages uint32) error {
	if err := d.checkAddr(src, 0, 0); err != nil {
		return err
	}
	if err := d.checkAddr(dst, 0, 0); err != nil {
		return err
	}
	if pages > d.geom.PagesPerBlock {
		return nandkit.ErrInvalidAddress.WithMessage(fmt.Sprintf(
			"copy of %d pages exceeds block length %d", pages, d.geom.PagesPerBlock))
	}
	buf := make([]byte, d.geom.PageSize)
	for page := uint32(0); page < pages; page++ {
		if d.uncorrectable[pageAddr{src, page}] {
			return nandkit.ErrDataLoss.WithMessage(fmt.Sprintf(
				"block %d page %d: ECC uncorrectable during copy", src, page))
		}
		if _, err := d.backing.Seek(d.pageOffset(src, page), io.SeekStart); err != nil {
			return nandkit.ErrDevice.Wrap(err)
		}
		if _, err := io.ReadFull(d.backing, buf); err != nil {
			return nandkit.ErrDevice.Wrap(err)
		}
		if err := d.WritePage(dst, page, buf); err != nil {
			return err
		}
	}
	return nil
}

// WithoutCopier returns a view of the device that does not advertise the
// intra-device copy capability, forcing consumers onto the read-then-write
// fallback.
func (d *Device) WithoutCopier() nandkit.Device {
	return plainDevice{d}
}

type plainDevice struct {
	d *Device
}

func (p plainDevice) Geometry() nandkit.Geometry { return p.d.Geometry() }
func (p plainDevice) BlockStatus(blk nandkit.PhysicalBlock) (nandkit.BlockStatus, error) {
	return p.d.BlockStatus(blk)
}
func (p plainDevice) ReadPage(blk nandkit.PhysicalBlock, page uint32, b []byte) error {
	return p.d.ReadPage(blk, page, b)
}
func (p plainDevice) WritePage(blk nandkit.PhysicalBlock, page uint32, b []byte) error {
	return p.d.WritePage(blk, page, b)
}
func (p plainDevice) EraseBlock(blk nandkit.PhysicalBlock) error { return p.d.EraseBlock(blk) }
func (p plainDevice) MarkBad(blk nandkit.PhysicalBlock) error    { return p.d.MarkBad(blk) }

// Context returns the suspending view of the device. Operations check the
// context before touching the device; the simulated transfers themselves
// are instantaneous.
func (d *Device) Context() *ContextDevice {
	return &ContextDevice{d}
}

// ContextDevice adapts a Device to the suspending block I/O contract.
type ContextDevice struct {
	d *Device
}

func (c *ContextDevice) Geometry() nandkit.Geometry {
	return c.d.Geometry()
}

func (c *ContextDevice) BlockStatus(ctx context.Context, blk nandkit.PhysicalBlock) (nandkit.BlockStatus, error) {
	if err := ctx.Err(); err != nil {
		return nandkit.BlockUnknown, err
	}
	return c.d.BlockStatus(blk)
}

func (c *ContextDevice) ReadPage(ctx context.Context, blk nandkit.PhysicalBlock, page uint32, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.d.ReadPage(blk, page, p)
}

func (c *ContextDevice) WritePage(ctx context.Context, blk nandkit.PhysicalBlock, page uint32, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.d.WritePage(blk, page, p)
}

func (c *ContextDevice) EraseBlock(ctx context.Context, blk nandkit.PhysicalBlock) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.d.EraseBlock(blk)
}

func (c *ContextDevice) MarkBad(ctx context.Context, blk nandkit.PhysicalBlock) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.d.MarkBad(blk)
}

func (c *ContextDevice) CopyBlock(ctx context.Context, src, dst nandkit.PhysicalBlock, pages uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.d.CopyBlock(src, dst, pages)
}

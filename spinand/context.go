package spinand

import (
	"context"
	"fmt"

	"github.com/nandkit/nandkit"
)

// ContextDevice adapts a Device to the suspending contracts in the root
// package. Reads honor cancellation between status polls. Programs and
// erases check ctx before the first bus command and then run to
// completion, because abandoning the wait after program-execute or erase
// has been issued would lose the chip's pass/fail verdict.
type ContextDevice struct {
	d *Device
}

// WithContext returns the suspending view of the device. Both views share
// the chip state and must not be driven concurrently.
func (d *Device) WithContext() *ContextDevice {
	return &ContextDevice{d: d}
}

// Geometry implements nandkit.ContextDevice.
func (c *ContextDevice) Geometry() nandkit.Geometry { return c.d.geom }

// ReadPage implements nandkit.ContextDevice.
func (c *ContextDevice) ReadPage(ctx context.Context, blk nandkit.PhysicalBlock, page uint32, p []byte) error {
	if err := c.d.checkAddress(blk, page, len(p)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.d.pageRead(c.d.rowAddress(blk, page)); err != nil {
		return err
	}
	status, err := c.d.waitReadyContext(ctx, c.d.busyTimeout)
	if err != nil {
		return err
	}
	if decodeECC(status) == ECCFailed {
		return nandkit.ErrDataLoss.WithMessage(
			fmt.Sprintf("block %d page %d: uncorrectable ECC error", blk, page))
	}
	if err := c.d.readFromCache(0, p); err != nil {
		return err
	}
	if ecc := decodeECC(status); ecc == ECCCorrected || ecc == ECCFailing {
		return nandkit.ErrBlockDegraded.WithMessage(
			fmt.Sprintf("block %d page %d: ECC %v", blk, page, ecc))
	}
	return nil
}

// WritePage implements nandkit.ContextDevice.
func (c *ContextDevice) WritePage(ctx context.Context, blk nandkit.PhysicalBlock, page uint32, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.d.WritePage(blk, page, p)
}

// EraseBlock implements nandkit.ContextDevice.
func (c *ContextDevice) EraseBlock(ctx context.Context, blk nandkit.PhysicalBlock) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.d.EraseBlock(blk)
}

// BlockStatus implements nandkit.ContextDevice.
func (c *ContextDevice) BlockStatus(ctx context.Context, blk nandkit.PhysicalBlock) (nandkit.BlockStatus, error) {
	if err := ctx.Err(); err != nil {
		return nandkit.BlockUnknown, err
	}
	return c.d.BlockStatus(blk)
}

// MarkBad implements nandkit.ContextDevice.
func (c *ContextDevice) MarkBad(ctx context.Context, blk nandkit.PhysicalBlock) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.d.MarkBad(blk)
}

// CopyBlock implements nandkit.ContextBlockCopier. Cancellation is
// honored between pages, never mid-page.
func (c *ContextDevice) CopyBlock(ctx context.Context, src, dst nandkit.PhysicalBlock, pages uint32) error {
	if err := c.d.checkAddress(src, 0, 0); err != nil {
		return err
	}
	if err := c.d.checkAddress(dst, 0, 0); err != nil {
		return err
	}
	if pages > c.d.geom.PagesPerBlock {
		return nandkit.ErrInvalidAddress.WithMessage(
			fmt.Sprintf("%d pages exceeds the block size", pages))
	}
	for page := uint32(0); page < pages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := c.d.loadPage(c.d.rowAddress(src, page))
		if err != nil {
			return err
		}
		if decodeECC(status) == ECCFailed {
			return nandkit.ErrDataLoss.WithMessage(
				fmt.Sprintf("block %d page %d: uncorrectable ECC error", src, page))
		}
		if err := c.d.writeEnable(); err != nil {
			return err
		}
		if err := c.d.programExecute(c.d.rowAddress(dst, page)); err != nil {
			return err
		}
		status, err = c.d.waitReady(c.d.busyTimeout)
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

// Package ftl implements a flash translation layer over a raw NAND device:
// a stable logical block address space mapped onto physical blocks that can
// wear out or arrive defective.
//
// Construction scans every physical block and assigns the first good blocks,
// in ascending physical order, to logical addresses; the remaining good
// blocks form a spare pool. When a read, write or erase fails in a way that
// implicates the medium, the failing block is marked bad on the device,
// removed from the mapping, and replaced with the lowest-numbered spare.
// Data that is still recoverable is copied forward to the replacement.
//
// The same algorithm is exposed through two surfaces: FTL, whose operations
// occupy the calling goroutine until the device completes, and ContextFTL,
// whose operations take a context and can be cancelled while waiting on the
// device, but only before a quarantine has begun.
//
// The mapping lives only in memory. A rebuilt instance re-runs the scan;
// remembered defects survive because bad-block markers are persisted on the
// device itself.
package ftl

import (
	"context"
	"errors"
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/nandkit/nandkit"
)

// noBlock marks a logical address whose remap failed for want of spares.
// Every later operation against it fails until the instance is rebuilt.
const noBlock = ^nandkit.PhysicalBlock(0)

type copyFunc func(ctx context.Context, src, dst nandkit.PhysicalBlock, pages uint32) error

// core holds the translation state shared by both surfaces. It has no
// locking of its own; each surface imposes its own serialization.
type core struct {
	dev    nandkit.ContextDevice
	copier copyFunc // nil when the device has no intra-device copy
	geom   nandkit.Geometry

	// table is the logical-to-physical mapping, indexed by logical block.
	// Its length is fixed at construction.
	table []nandkit.PhysicalBlock
	// spares marks good physical blocks not referenced by the table.
	spares  bitmap.Bitmap
	nSpares uint32
	// retired marks physical blocks that are bad or have been quarantined.
	// A retired block never re-enters the table or the pool.
	retired bitmap.Bitmap

	lastReport error
}

func scanCore(
	ctx context.Context,
	dev nandkit.ContextDevice,
	copier copyFunc,
	logicalBlocks uint32,
) (*core, error) {
	geom := dev.Geometry()
	if logicalBlocks == 0 || logicalBlocks >= geom.BlockCount {
		return nil, nandkit.ErrInvalidAddress.WithMessage(fmt.Sprintf(
			"logical block count %d not in [1, %d)", logicalBlocks, geom.BlockCount))
	}

	c := &core{
		dev:     dev,
		copier:  copier,
		geom:    geom,
		table:   make([]nandkit.PhysicalBlock, logicalBlocks),
		spares:  bitmap.NewSlice(int(geom.BlockCount)),
		retired: bitmap.NewSlice(int(geom.BlockCount)),
	}

	assigned := uint32(0)
	for blk := uint32(0); blk < geom.BlockCount; blk++ {
		status, err := dev.BlockStatus(ctx, nandkit.PhysicalBlock(blk))
		if err != nil {
			return nil, deviceErr(err)
		}
		if status != nandkit.BlockGood {
			c.retired.Set(int(blk), true)
			continue
		}
		if assigned < logicalBlocks {
			c.table[assigned] = nandkit.PhysicalBlock(blk)
			assigned++
		} else {
			c.spares.Set(int(blk), true)
			c.nSpares++
		}
	}

	if assigned < logicalBlocks {
		return nil, nandkit.ErrInsufficientGoodBlocks.WithMessage(fmt.Sprintf(
			"device has %d good blocks, mapping needs %d", assigned, logicalBlocks))
	}
	return c, nil
}

// translate resolves a logical address to its current physical block.
func (c *core) translate(l nandkit.LogicalBlock) (nandkit.PhysicalBlock, error) {
	if uint32(l) >= uint32(len(c.table)) {
		return 0, nandkit.ErrInvalidAddress.WithMessage(fmt.Sprintf(
			"logical block %d not in [0, %d)", l, len(c.table)))
	}
	phys := c.table[l]
	if phys == noBlock {
		return 0, nandkit.ErrNoSpareBlocks.WithMessage(fmt.Sprintf(
			"logical block %d is permanently unmapped", l))
	}
	return phys, nil
}

func (c *core) checkPage(page uint32, n int) error {
	if page >= c.geom.PagesPerBlock {
		return nandkit.ErrInvalidAddress.WithMessage(fmt.Sprintf(
			"page %d not in [0, %d)", page, c.geom.PagesPerBlock))
	}
	if n > int(c.geom.PageSize) {
		return nandkit.ErrNotAligned.WithMessage(fmt.Sprintf(
			"%d bytes exceeds page size %d", n, c.geom.PageSize))
	}
	return nil
}

func (c *core) read(ctx context.Context, l nandkit.LogicalBlock, page uint32, p []byte) error {
	phys, err := c.translate(l)
	if err != nil {
		return err
	}
	if err := c.checkPage(page, len(p)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err = c.dev.ReadPage(ctx, phys, page, p)
	if err == nil {
		return nil
	}

	switch nandkit.Kind(err) {
	case nandkit.KindBlockDegraded:
		// The data came back intact; move the block before it fails
		// outright, then serve the read from the replacement.
		next, remapErr := c.remap(ctx, l, phys, copyAll, page)
		if remapErr != nil {
			return remapErr
		}
		return deviceErr(c.dev.ReadPage(context.WithoutCancel(ctx), next, page, p))
	case nandkit.KindBlockFailed, nandkit.KindDataLoss:
		// The requested bits will not become readable by retrying. Retire
		// the block, salvage its other pages, and report the loss.
		if _, remapErr := c.remap(ctx, l, phys, copySkip, page); remapErr != nil {
			return nandkit.ErrDataLoss.Wrap(remapErr)
		}
		return nandkit.ErrDataLoss.Wrap(err)
	default:
		return err
	}
}

func (c *core) write(ctx context.Context, l nandkit.LogicalBlock, page uint32, p []byte) error {
	phys, err := c.translate(l)
	if err != nil {
		return err
	}
	if err := c.checkPage(page, len(p)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err = c.dev.WritePage(ctx, phys, page, p)
	if err == nil {
		return nil
	}
	if !nandkit.IsMediumError(err) {
		return err
	}

	// Quarantine the block, carry over the pages written before this one,
	// and retry exactly once on the replacement.
	next, remapErr := c.remap(ctx, l, phys, copyBefore, page)
	if remapErr != nil {
		return remapErr
	}
	retryErr := c.dev.WritePage(context.WithoutCancel(ctx), next, page, p)
	if retryErr == nil {
		return nil
	}
	if !nandkit.IsMediumError(retryErr) {
		return retryErr
	}
	return nandkit.ErrWriteFailed.Wrap(retryErr)
}

func (c *core) erase(ctx context.Context, l nandkit.LogicalBlock) error {
	phys, err := c.translate(l)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err = c.dev.EraseBlock(ctx, phys)
	if err == nil {
		return nil
	}
	if !nandkit.IsMediumError(err) {
		return err
	}

	// An erase has no data worth preserving, so the remap skips the copy.
	next, remapErr := c.remap(ctx, l, phys, copyNone, 0)
	if remapErr != nil {
		return remapErr
	}
	retryErr := c.dev.EraseBlock(context.WithoutCancel(ctx), next)
	if retryErr == nil {
		return nil
	}
	if !nandkit.IsMediumError(retryErr) {
		return retryErr
	}
	return nandkit.ErrEraseFailed.Wrap(retryErr)
}

func (c *core) mapping(l nandkit.LogicalBlock) (nandkit.PhysicalBlock, bool) {
	if uint32(l) >= uint32(len(c.table)) || c.table[l] == noBlock {
		return 0, false
	}
	return c.table[l], true
}

// deviceErr tags errors that carry no classification as plain device
// failures so callers above the FTL see a uniform taxonomy.
func deviceErr(err error) error {
	if err == nil {
		return nil
	}
	var fe nandkit.FlashError
	if errors.As(err, &fe) {
		return err
	}
	return nandkit.ErrDevice.Wrap(err)
}

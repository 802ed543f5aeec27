package ftl

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/nandkit/nandkit"
)

// copyMode selects which pages of a quarantined block are carried forward
// to its replacement.
type copyMode int

const (
	// copyNone carries nothing; used for erase failures.
	copyNone copyMode = iota
	// copyAll carries every page; used when a degraded read returned the
	// data intact.
	copyAll
	// copyBefore carries the pages below the failing one; used for write
	// failures, where later pages were never committed.
	copyBefore
	// copySkip carries every page except the failing one; used for
	// uncorrectable reads, where only that page is lost.
	copySkip
)

// remap retires the physical block currently backing l and installs the
// lowest-numbered spare in its place. The steps run as a unit with respect
// to the mapping table: both surfaces serialize whole logical operations,
// so no caller can observe the table between the removal and the install.
//
// Cancellation is not honored past this point. The remainder runs under a
// detached context so a caller backing out cannot strand the table with a
// quarantined block still mapped.
//
// A failed bad-block marker write and a failed copy-forward do not abort
// the remap; they are recorded in the report retrievable from
// LastRemapReport, since the data they concern is already forfeit.
func (c *core) remap(
	ctx context.Context,
	l nandkit.LogicalBlock,
	failed nandkit.PhysicalBlock,
	mode copyMode,
	page uint32,
) (nandkit.PhysicalBlock, error) {
	ctx = context.WithoutCancel(ctx)

	var report *multierror.Error
	if err := c.dev.MarkBad(ctx, failed); err != nil {
		report = multierror.Append(report, fmt.Errorf(
			"marking block %d bad: %w", failed, err))
	}
	c.retired.Set(int(failed), true)
	if c.spares.Get(int(failed)) {
		c.spares.Set(int(failed), false)
		c.nSpares--
	}
	c.table[l] = noBlock

	next, ok := c.takeSpare()
	if !ok {
		c.lastReport = report.ErrorOrNil()
		return 0, nandkit.ErrNoSpareBlocks.WithMessage(fmt.Sprintf(
			"logical block %d left unmapped", l))
	}
	c.table[l] = next

	if mode != copyNone {
		if err := c.copyForward(ctx, failed, next, mode, page); err != nil {
			report = multierror.Append(report, err)
		}
	}
	c.lastReport = report.ErrorOrNil()
	return next, nil
}

// takeSpare pops the lowest-numbered block from the spare pool. Allocation
// order is deterministic so rebuilt instances behave reproducibly.
func (c *core) takeSpare() (nandkit.PhysicalBlock, bool) {
	if c.nSpares == 0 {
		return 0, false
	}
	for blk := 0; blk < int(c.geom.BlockCount); blk++ {
		if c.spares.Get(blk) {
			c.spares.Set(blk, false)
			c.nSpares--
			return nandkit.PhysicalBlock(blk), true
		}
	}
	return 0, false
}

// copyForward moves surviving pages from src to dst, best effort. It stops
// at the first failure and returns it; the caller folds the error into the
// remap report rather than rolling anything back, since src is already
// failed media.
func (c *core) copyForward(
	ctx context.Context,
	src, dst nandkit.PhysicalBlock,
	mode copyMode,
	page uint32,
) error {
	end := c.geom.PagesPerBlock
	skip := end
	switch mode {
	case copyBefore:
		end = page
	case copySkip:
		skip = page
	}
	if end == 0 {
		return nil
	}

	start := uint32(0)
	if c.copier != nil {
		prefix := end
		if skip < prefix {
			prefix = skip
		}
		if prefix > 0 {
			if err := c.copier(ctx, src, dst, prefix); err != nil {
				return fmt.Errorf("copy-forward block %d to %d: %w", src, dst, err)
			}
		}
		start = prefix
	}

	buf := make([]byte, c.geom.PageSize)
	for pg := start; pg < end; pg++ {
		if pg == skip {
			continue
		}
		err := c.dev.ReadPage(ctx, src, pg, buf)
		// A degraded read still produced valid data, which is the whole
		// reason this block is being evacuated.
		if err != nil && nandkit.Kind(err) != nandkit.KindBlockDegraded {
			return fmt.Errorf("salvaging page %d of block %d: %w", pg, src, err)
		}
		if err := c.dev.WritePage(ctx, dst, pg, buf); err != nil {
			return fmt.Errorf("copy-forward page %d to block %d: %w", pg, dst, err)
		}
	}
	return nil
}

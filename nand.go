// Package nandkit defines the contracts shared by the layers of the NAND
// storage stack: address and geometry types, the block I/O contract a NAND
// device driver implements, and the error taxonomy the flash translation
// layer dispatches on.
//
// The package itself contains no device logic. Drivers live in spinand (and
// its device-specific subpackages), the translation layer in ftl, and a
// simulated device for tests and tooling in nandsim.
package nandkit

import "context"

// PhysicalBlock is an index into the device's physical erase-block range.
// Physical blocks can arrive defective from the factory or wear out during
// use; nothing above the device driver should assume a physical block is
// usable without checking its status.
type PhysicalBlock uint32

// LogicalBlock is an index into the stable address space the translation
// layer exposes to consumers. Logical addresses are insulated from physical
// defects: the same logical block may move between physical blocks over the
// life of an FTL instance.
type LogicalBlock uint32

// BlockStatus reports the health of a physical block as recorded on the
// device itself. The translation layer never invents a status; it only
// relays what the device reports.
type BlockStatus int

const (
	// BlockUnknown means the block has not been scanned yet.
	BlockUnknown BlockStatus = iota
	// BlockGood means the block carries no bad-block marker.
	BlockGood
	// BlockBad means the block is marked unusable and must never hold data.
	BlockBad
)

func (s BlockStatus) String() string {
	switch s {
	case BlockGood:
		return "good"
	case BlockBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Geometry describes the fixed layout of a NAND device. It is queried once
// at construction time and never changes for the life of a device handle.
type Geometry struct {
	// PageSize is the number of data bytes in a page, excluding the spare
	// (out-of-band) area.
	PageSize uint32
	// PagesPerBlock is the number of pages in one erase block.
	PagesPerBlock uint32
	// BlockCount is the total number of physical erase blocks.
	BlockCount uint32
}

// BlockSize returns the number of data bytes in one erase block.
func (g Geometry) BlockSize() uint32 {
	return g.PageSize * g.PagesPerBlock
}

// Capacity returns the raw data capacity of the device in bytes.
func (g Geometry) Capacity() uint64 {
	return uint64(g.BlockSize()) * uint64(g.BlockCount)
}

// Device is the blocking block I/O contract consumed by the translation
// layer. A call that needs the device to finish an internal operation (page
// program, block erase) occupies the calling goroutine until the device
// signals completion.
//
// All operations are page/block addressed; implementations own any byte or
// column arithmetic. Buffers passed to ReadPage and WritePage may be shorter
// than a page, in which case the transfer starts at column 0.
//
// A Device handle must not be driven concurrently. Callers (normally a
// single FTL instance) are responsible for serializing access.
type Device interface {
	// Geometry reports the device layout. It must be constant.
	Geometry() Geometry

	// BlockStatus reports whether the block carries a bad-block marker.
	// A failure to communicate with the device is returned with KindOther
	// and does not imply anything about the block itself.
	BlockStatus(blk PhysicalBlock) (BlockStatus, error)

	// ReadPage reads len(p) bytes from the start of the given page.
	//
	// If the returned error has KindBlockDegraded, the read succeeded and p
	// holds valid data, but the medium corrected bit errors near its limit
	// and the block should be retired. KindDataLoss means the data could not
	// be recovered. KindOther means the transfer itself failed and p is
	// undefined.
	ReadPage(blk PhysicalBlock, page uint32, p []byte) error

	// WritePage programs len(p) bytes at the start of the given page. The
	// page must have been erased since it was last programmed. A failure of
	// the program operation itself is reported with KindBlockFailed.
	WritePage(blk PhysicalBlock, page uint32, p []byte) error

	// EraseBlock erases the block, leaving every byte 0xFF. An erase failure
	// is reported with KindBlockFailed.
	EraseBlock(blk PhysicalBlock) error

	// MarkBad persists a bad-block marker on the device, typically in the
	// spare area of the block's first page. It is idempotent and must not
	// require the block to be erasable.
	MarkBad(blk PhysicalBlock) error
}

// BlockCopier is an optional acceleration a Device may provide: copying the
// first `pages` pages of src into dst without moving the data through the
// host. The translation layer falls back to read-then-write when the device
// does not implement it.
type BlockCopier interface {
	CopyBlock(src, dst PhysicalBlock, pages uint32) error
}

// ContextDevice is the suspending form of the block I/O contract. The
// parameters and result semantics are identical to Device; the difference is
// that a pending device operation yields to other tasks instead of occupying
// the calling goroutine, and may be abandoned when ctx is cancelled.
//
// Cancellation only interrupts waiting. An implementation must never leave
// the device mid-transaction because ctx fired.
type ContextDevice interface {
	Geometry() Geometry
	BlockStatus(ctx context.Context, blk PhysicalBlock) (BlockStatus, error)
	ReadPage(ctx context.Context, blk PhysicalBlock, page uint32, p []byte) error
	WritePage(ctx context.Context, blk PhysicalBlock, page uint32, p []byte) error
	EraseBlock(ctx context.Context, blk PhysicalBlock) error
	MarkBad(ctx context.Context, blk PhysicalBlock) error
}

// ContextBlockCopier is the suspending form of BlockCopier.
type ContextBlockCopier interface {
	CopyBlock(ctx context.Context, src, dst PhysicalBlock, pages uint32) error
}

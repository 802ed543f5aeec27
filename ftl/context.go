package ftl

import (
	"context"

	"github.com/nandkit/nandkit"
)

// ContextFTL is the suspending surface of the translation layer. It shares
// the remap algorithm with FTL; the only difference is how device calls are
// carried out. While a device operation is pending the calling task can be
// suspended, and the operation can be cancelled through ctx — but only at
// device-call boundaries before a quarantine has begun. Once a remap starts
// it runs to completion regardless of ctx, so the mapping table is never
// left inconsistent.
//
// A ContextFTL does no locking of its own: it is built for the
// single-task-owns-the-resource discipline, where exactly one task issues
// operations against the instance. Interleaving operations from multiple
// tasks is the caller's bug.
type ContextFTL struct {
	c *core
}

// ScanContext is the suspending form of Scan. The scan itself can be
// cancelled; no mapping state exists until it returns.
func ScanContext(ctx context.Context, dev nandkit.ContextDevice, logicalBlocks uint32) (*ContextFTL, error) {
	var copier copyFunc
	if bc, ok := dev.(nandkit.ContextBlockCopier); ok {
		copier = bc.CopyBlock
	}
	c, err := scanCore(ctx, dev, copier, logicalBlocks)
	if err != nil {
		return nil, err
	}
	return &ContextFTL{c: c}, nil
}

// Read reads len(p) bytes from the start of the given page of logical block
// l. Semantics match FTL.Read.
func (f *ContextFTL) Read(ctx context.Context, l nandkit.LogicalBlock, page uint32, p []byte) error {
	return f.c.read(ctx, l, page, p)
}

// Write programs len(p) bytes at the start of the given page of logical
// block l. Semantics match FTL.Write.
func (f *ContextFTL) Write(ctx context.Context, l nandkit.LogicalBlock, page uint32, p []byte) error {
	return f.c.write(ctx, l, page, p)
}

// Erase erases logical block l. Semantics match FTL.Erase.
func (f *ContextFTL) Erase(ctx context.Context, l nandkit.LogicalBlock) error {
	return f.c.erase(ctx, l)
}

// BlockCount returns the number of logical blocks.
func (f *ContextFTL) BlockCount() uint32 {
	return uint32(len(f.c.table))
}

// Capacity returns the logical capacity in bytes.
func (f *ContextFTL) Capacity() uint64 {
	return uint64(f.c.geom.BlockSize()) * uint64(len(f.c.table))
}

// Geometry reports the underlying device layout.
func (f *ContextFTL) Geometry() nandkit.Geometry {
	return f.c.geom
}

// Mapping reports the physical block currently backing l.
func (f *ContextFTL) Mapping(l nandkit.LogicalBlock) (phys nandkit.PhysicalBlock, ok bool) {
	return f.c.mapping(l)
}

// SpareCount returns the number of good blocks left in the spare pool.
func (f *ContextFTL) SpareCount() uint32 {
	return f.c.nSpares
}

// LastRemapReport returns the non-fatal failures recorded during the most
// recent remap. See FTL.LastRemapReport.
func (f *ContextFTL) LastRemapReport() error {
	return f.c.lastReport
}

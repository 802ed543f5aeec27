package ftl

import (
	"context"
	"sync"

	"github.com/nandkit/nandkit"
)

// FTL is the blocking surface of the translation layer. Every operation
// holds the instance lock for its full duration, including any quarantine
// and retry, so a concurrent caller can never observe a torn mapping. Calls
// against the device occupy the calling goroutine until the device's
// ready/busy cycle completes.
type FTL struct {
	mu sync.Mutex
	c  *core
}

// Scan builds the translation layer over dev by scanning the status of every
// physical block. The first logicalBlocks good blocks, in ascending physical
// order, become the mapping; the remaining good blocks become the spare
// pool. Fails with ErrInsufficientGoodBlocks when the device cannot cover
// the requested logical capacity.
//
// If dev implements nandkit.BlockCopier, remaps use the device's own copy
// path instead of moving pages through the host.
func Scan(dev nandkit.Device, logicalBlocks uint32) (*FTL, error) {
	var copier copyFunc
	if bc, ok := dev.(nandkit.BlockCopier); ok {
		copier = func(_ context.Context, src, dst nandkit.PhysicalBlock, pages uint32) error {
			return bc.CopyBlock(src, dst, pages)
		}
	}
	c, err := scanCore(context.Background(), blockingDevice{dev}, copier, logicalBlocks)
	if err != nil {
		return nil, err
	}
	return &FTL{c: c}, nil
}

// Read reads len(p) bytes from the start of the given page of logical block
// l. An uncorrectable read quarantines the backing block and returns
// ErrDataLoss; a degraded read relocates the block and returns the data.
func (f *FTL) Read(l nandkit.LogicalBlock, page uint32, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.c.read(context.Background(), l, page, p)
}

// Write programs len(p) bytes at the start of the given page of logical
// block l, remapping and retrying once if the backing block fails.
func (f *FTL) Write(l nandkit.LogicalBlock, page uint32, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.c.write(context.Background(), l, page, p)
}

// Erase erases logical block l, remapping and retrying once if the backing
// block fails.
func (f *FTL) Erase(l nandkit.LogicalBlock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.c.erase(context.Background(), l)
}

// BlockCount returns the number of logical blocks.
func (f *FTL) BlockCount() uint32 {
	return uint32(len(f.c.table))
}

// Capacity returns the logical capacity in bytes.
func (f *FTL) Capacity() uint64 {
	return uint64(f.c.geom.BlockSize()) * uint64(len(f.c.table))
}

// Geometry reports the underlying device layout.
func (f *FTL) Geometry() nandkit.Geometry {
	return f.c.geom
}

// Mapping reports the physical block currently backing l. ok is false for
// out-of-range addresses and for addresses left unmapped by pool
// exhaustion.
func (f *FTL) Mapping(l nandkit.LogicalBlock) (phys nandkit.PhysicalBlock, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.c.mapping(l)
}

// SpareCount returns the number of good blocks left in the spare pool.
func (f *FTL) SpareCount() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.c.nSpares
}

// LastRemapReport returns the non-fatal failures recorded during the most
// recent remap: a bad-block marker that could not be written, or a
// copy-forward that stopped early. Nil when the last remap was clean or no
// remap has happened.
func (f *FTL) LastRemapReport() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.c.lastReport
}

// blockingDevice adapts the blocking device contract to the context-taking
// one the shared core is written against. The context is ignored: the
// wrapped device completes synchronously.
type blockingDevice struct {
	dev nandkit.Device
}

func (d blockingDevice) Geometry() nandkit.Geometry {
	return d.dev.Geometry()
}

func (d blockingDevice) BlockStatus(_ context.Context, blk nandkit.PhysicalBlock) (nandkit.BlockStatus, error) {
	return d.dev.BlockStatus(blk)
}

func (d blockingDevice) ReadPage(_ context.Context, blk nandkit.PhysicalBlock, page uint32, p []byte) error {
	return d.dev.ReadPage(blk, page, p)
}

func (d blockingDevice) WritePage(_ context.Context, blk nandkit.PhysicalBlock, page uint32, p []byte) error {
	return d.dev.WritePage(blk, page, p)
}

func (d blockingDevice) EraseBlock(_ context.Context, blk nandkit.PhysicalBlock) error {
	return d.dev.EraseBlock(blk)
}

func (d blockingDevice) MarkBad(_ context.Context, blk nandkit.PhysicalBlock) error {
	return d.dev.MarkBad(blk)
}

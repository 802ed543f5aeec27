// Package pagecache provides a write-back page cache over the translation
// layer, giving callers a linear, byte-stable view of the logical address
// space without paying a device round trip per access.
//
// NAND cannot reprogram a page in place, so dirtiness is tracked per
// logical block: flushing a block loads its remaining pages, erases it
// through the translation layer, and programs it back in full.
//
// All page indices begin at 0 and run linearly across logical blocks.
package pagecache

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/nandkit/nandkit"
	"github.com/nandkit/nandkit/ftl"
)

type Cache struct {
	ftl *ftl.FTL

	pageSize      uint32
	pagesPerBlock uint32
	totalPages    uint32

	// loadedPages tracks which pages hold device contents; dirtyBlocks
	// tracks which logical blocks diverged from the device.
	loadedPages bitmap.Bitmap
	dirtyBlocks bitmap.Bitmap
	data        []byte
}

// New creates a cache covering the full logical capacity of f. Nothing is
// loaded up front; pages are fetched on first access.
func New(f *ftl.FTL) *Cache {
	geom := f.Geometry()
	totalPages := f.BlockCount() * geom.PagesPerBlock
	return &Cache{
		ftl:           f,
		pageSize:      geom.PageSize,
		pagesPerBlock: geom.PagesPerBlock,
		totalPages:    totalPages,
		loadedPages:   bitmap.NewSlice(int(totalPages)),
		dirtyBlocks:   bitmap.NewSlice(int(f.BlockCount())),
		data:          make([]byte, uint64(totalPages)*uint64(geom.PageSize)),
	}
}

// PageSize returns the size of a single page, in bytes.
func (c *Cache) PageSize() uint32 { return c.pageSize }

// TotalPages returns the size of the cache, in pages.
func (c *Cache) TotalPages() uint32 { return c.totalPages }

// Size gives the size of the cached address space, in bytes.
func (c *Cache) Size() int64 {
	return int64(c.pageSize) * int64(c.totalPages)
}

// lengthToNumPages gives the minimum number of pages required to hold the
// given number of bytes.
func (c *Cache) lengthToNumPages(size uint32) uint32 {
	return (size + c.pageSize - 1) / c.pageSize
}

func (c *Cache) checkBounds(start uint32, bufferSize int) error {
	numPages := c.lengthToNumPages(uint32(bufferSize))
	if uint64(start)+uint64(numPages) > uint64(c.totalPages) {
		return nandkit.ErrInvalidAddress.WithMessage(fmt.Sprintf(
			"can't access %d bytes (%d pages) from page %d; range not in [0, %d)",
			bufferSize, numPages, start, c.totalPages))
	}
	return nil
}

func (c *Cache) pageSlice(page uint32) []byte {
	off := uint64(page) * uint64(c.pageSize)
	return c.data[off : off+uint64(c.pageSize)]
}

// loadPageRange ensures all pages in [start, start+count) hold device
// contents, fetching any missing ones through the translation layer.
func (c *Cache) loadPageRange(start, count uint32) error {
	for page := start; page < start+count; page++ {
		// Dirty pages are loaded by definition, so one bitmap suffices.
		if c.loadedPages.Get(int(page)) {
			continue
		}
		l := nandkit.LogicalBlock(page / c.pagesPerBlock)
		err := c.ftl.Read(l, page%c.pagesPerBlock, c.pageSlice(page))
		if err != nil {
			return err
		}
		c.loadedPages.Set(int(page), true)
	}
	return nil
}

// Read fills buffer with data beginning at page start, fetching any
// missing pages first. The buffer does not need to be an exact multiple of
// the page size.
func (c *Cache) Read(start uint32, buffer []byte) error {
	if err := c.checkBounds(start, len(buffer)); err != nil {
		return err
	}
	if err := c.loadPageRange(start, c.lengthToNumPages(uint32(len(buffer)))); err != nil {
		return err
	}
	off := uint64(start) * uint64(c.pageSize)
	copy(buffer, c.data[off:])
	return nil
}

// Write copies buffer into the cache beginning at page start and marks the
// containing logical blocks dirty. Nothing reaches the device until Flush.
//
// Partially covered pages are loaded first so a flush never programs
// stale bytes.
func (c *Cache) Write(start uint32, buffer []byte) error {
	if err := c.checkBounds(start, len(buffer)); err != nil {
		return err
	}
	count := c.lengthToNumPages(uint32(len(buffer)))
	if uint32(len(buffer))%c.pageSize != 0 {
		if err := c.loadPageRange(start+count-1, 1); err != nil {
			return err
		}
	}

	off := uint64(start) * uint64(c.pageSize)
	copy(c.data[off:], buffer)

	for page := start; page < start+count; page++ {
		c.loadedPages.Set(int(page), true)
		c.dirtyBlocks.Set(int(page/c.pagesPerBlock), true)
	}
	return nil
}

// Flush writes every dirty logical block back through the translation
// layer and marks it clean. Because pages cannot be reprogrammed in place,
// a dirty block is loaded in full, erased, and programmed back page by
// page; pages left erased are skipped.
func (c *Cache) Flush() error {
	for blk := uint32(0); blk < c.totalPages/c.pagesPerBlock; blk++ {
		if !c.dirtyBlocks.Get(int(blk)) {
			continue
		}
		first := blk * c.pagesPerBlock
		if err := c.loadPageRange(first, c.pagesPerBlock); err != nil {
			return err
		}
		l := nandkit.LogicalBlock(blk)
		if err := c.ftl.Erase(l); err != nil {
			return err
		}
		for page := uint32(0); page < c.pagesPerBlock; page++ {
			p := c.pageSlice(first + page)
			if erased(p) {
				continue
			}
			if err := c.ftl.Write(l, page, p); err != nil {
				return err
			}
		}
		c.dirtyBlocks.Set(int(blk), false)
	}
	return nil
}

// LoadAll fetches every page not yet in the cache.
func (c *Cache) LoadAll() error {
	return c.loadPageRange(0, c.totalPages)
}

// MarkDirty forces the logical blocks covering [start, start+count) pages
// to be erased and rewritten on the next Flush even if their cached bytes
// never changed, e.g. to refresh blocks that reported correctable errors.
func (c *Cache) MarkDirty(start, count uint32) error {
	if err := c.checkBounds(start, int(count*c.pageSize)); err != nil {
		return err
	}
	for page := start; page < start+count; page++ {
		c.dirtyBlocks.Set(int(page/c.pagesPerBlock), true)
	}
	return nil
}

func erased(p []byte) bool {
	for _, b := range p {
		if b != 0xFF {
			return false
		}
	}
	return true
}

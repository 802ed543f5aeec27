package pagecache_test

import (
	"bytes"
	"testing"

	"github.com/nandkit/nandkit"
	"github.com/nandkit/nandkit/ftl"
	"github.com/nandkit/nandkit/nandsim"
	"github.com/nandkit/nandkit/pagecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var geom = nandkit.Geometry{PageSize: 16, PagesPerBlock: 4, BlockCount: 10}

func newTestCache(t *testing.T) (*nandsim.Device, *ftl.FTL, *pagecache.Cache) {
	dev := nandsim.New(geom)
	f, err := ftl.Scan(dev, 6)
	require.NoError(t, err)
	return dev, f, pagecache.New(f)
}

func pattern(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, int(geom.PageSize))
}

func TestCache__SizesFollowTheFtl(t *testing.T) {
	_, f, cache := newTestCache(t)
	assert.EqualValues(t, 16, cache.PageSize())
	assert.EqualValues(t, 24, cache.TotalPages())
	assert.Equal(t, int64(f.Capacity()), cache.Size())
}

func TestCache__ReadThrough(t *testing.T) {
	_, f, cache := newTestCache(t)
	require.NoError(t, f.Write(2, 1, pattern(0xAB)))

	// Logical block 2, page 1 is linear page 9.
	buf := make([]byte, geom.PageSize)
	require.NoError(t, cache.Read(9, buf))
	assert.Equal(t, pattern(0xAB), buf)
}

func TestCache__WriteIsDeferredUntilFlush(t *testing.T) {
	_, f, cache := newTestCache(t)
	require.NoError(t, cache.Write(4, pattern(0x55)))

	// The device still reads erased.
	buf := make([]byte, geom.PageSize)
	require.NoError(t, f.Read(1, 0, buf))
	assert.Equal(t, pattern(0xFF), buf)

	require.NoError(t, cache.Flush())
	require.NoError(t, f.Read(1, 0, buf))
	assert.Equal(t, pattern(0x55), buf)

	// A second flush has nothing to do.
	require.NoError(t, cache.Flush())
}

func TestCache__FlushPreservesUntouchedPages(t *testing.T) {
	_, f, cache := newTestCache(t)
	require.NoError(t, f.Write(0, 3, pattern(0x77)))

	// Dirty one page of the block; flushing erases and reprograms the whole
	// block, so page 3 must be carried across.
	require.NoError(t, cache.Write(0, pattern(0x11)))
	require.NoError(t, cache.Flush())

	buf := make([]byte, geom.PageSize)
	require.NoError(t, f.Read(0, 0, buf))
	assert.Equal(t, pattern(0x11), buf)
	require.NoError(t, f.Read(0, 3, buf))
	assert.Equal(t, pattern(0x77), buf)
}

func TestCache__PartialWriteLoadsTheTailPage(t *testing.T) {
	_, f, cache := newTestCache(t)
	require.NoError(t, f.Write(0, 0, pattern(0x99)))

	require.NoError(t, cache.Write(0, []byte{1, 2, 3, 4}))
	require.NoError(t, cache.Flush())

	buf := make([]byte, geom.PageSize)
	require.NoError(t, f.Read(0, 0, buf))
	want := pattern(0x99)
	copy(want, []byte{1, 2, 3, 4})
	assert.Equal(t, want, buf)
}

func TestCache__MultiPageSpans(t *testing.T) {
	_, _, cache := newTestCache(t)

	span := append(pattern(0xA1), pattern(0xA2)...)
	require.NoError(t, cache.Write(3, span))
	require.NoError(t, cache.Flush())

	got := make([]byte, len(span))
	require.NoError(t, cache.Read(3, got))
	assert.Equal(t, span, got)
}

func TestCache__OutOfRange(t *testing.T) {
	_, _, cache := newTestCache(t)
	buf := make([]byte, geom.PageSize)
	assert.ErrorIs(t, cache.Read(24, buf), nandkit.ErrInvalidAddress)
	assert.ErrorIs(t, cache.Write(23, append(buf, buf...)), nandkit.ErrInvalidAddress)
	assert.NoError(t, cache.Read(23, buf))
}

func TestCache__FlushSurvivesARemap(t *testing.T) {
	dev, f, cache := newTestCache(t)
	require.NoError(t, cache.Write(8, pattern(0xEE)))

	phys, ok := f.Mapping(2)
	require.True(t, ok)
	dev.FailNextWrite(phys, 1)

	require.NoError(t, cache.Flush(), "the translation layer absorbs the failure")

	buf := make([]byte, geom.PageSize)
	require.NoError(t, f.Read(2, 0, buf))
	assert.Equal(t, pattern(0xEE), buf)

	newPhys, ok := f.Mapping(2)
	require.True(t, ok)
	assert.NotEqual(t, phys, newPhys)
}

func TestCache__MarkDirtyForcesARewrite(t *testing.T) {
	dev, f, cache := newTestCache(t)
	require.NoError(t, f.Write(5, 0, pattern(0x42)))

	require.NoError(t, cache.MarkDirty(20, 1))
	erases := dev.Erases
	require.NoError(t, cache.Flush())
	assert.Equal(t, erases+1, dev.Erases)

	buf := make([]byte, geom.PageSize)
	require.NoError(t, f.Read(5, 0, buf))
	assert.Equal(t, pattern(0x42), buf)
}

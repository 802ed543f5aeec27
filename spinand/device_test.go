package spinand_test

import (
	"bytes"
	"testing"

	"github.com/nandkit/nandkit"
	"github.com/nandkit/nandkit/spinand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChip emulates a W25N01GV-like part at the SPI frame level: 2048+64
// byte pages, 64 pages per block, a single page cache, and the standard
// status registers. Pages are stored sparsely; a missing page reads as
// erased.
type fakeChip struct {
	t *testing.T

	id    [3]byte
	pages map[uint32][]byte
	cache []byte

	status  uint8
	config  uint8
	protect uint8

	eccByRow    map[uint32]uint8
	failWrite   map[uint32]bool
	failErase   map[uint32]bool
	resets      int
	programs    int
	poweredDown bool
}

const (
	fakePageSize  = 2048
	fakeSpareSize = 64
	fakeRowSize   = fakePageSize + fakeSpareSize
	fakePPB       = 64
)

func newFakeChip(t *testing.T, id [3]byte) *fakeChip {
	return &fakeChip{
		t:         t,
		id:        id,
		pages:     make(map[uint32][]byte),
		cache:     make([]byte, fakeRowSize),
		protect:   0x38, // powered up with block protection engaged
		eccByRow:  make(map[uint32]uint8),
		failWrite: make(map[uint32]bool),
		failErase: make(map[uint32]bool),
	}
}

func (c *fakeChip) transport() spinand.Transport {
	return func(out, in []byte) error {
		c.transact(out, in)
		return nil
	}
}

func (c *fakeChip) row(out []byte) uint32 {
	return uint32(out[1])<<16 | uint32(out[2])<<8 | uint32(out[3])
}

func (c *fakeChip) page(row uint32) []byte {
	p, ok := c.pages[row]
	if !ok {
		p = bytes.Repeat([]byte{0xFF}, fakeRowSize)
		c.pages[row] = p
	}
	return p
}

func (c *fakeChip) transact(out, in []byte) {
	switch out[0] {
	case 0xFF: // reset
		c.resets++
		c.status = 0
	case 0x9F: // jedec id, one dummy byte precedes it
		copy(in, c.id[:])
	case 0x0F: // read status register
		switch out[1] {
		case 0xA0:
			in[0] = c.protect
		case 0xB0:
			in[0] = c.config
		case 0xC0:
			in[0] = c.status
		}
	case 0x1F: // write status register
		switch out[1] {
		case 0xA0:
			c.protect = out[2]
		case 0xB0:
			c.config = out[2]
		case 0xC0:
			c.t.Fatalf("status register 0xC0 is read only")
		}
	case 0x06: // write enable
		c.status |= 0x02
	case 0xB9: // deep power-down
		c.poweredDown = true
	case 0xAB: // deep power-down exit
		c.poweredDown = false
	case 0x13: // page read to cache
		row := c.row(out)
		copy(c.cache, c.page(row))
		c.status = (c.status &^ uint8(0x30)) | c.eccByRow[row]
	case 0x03: // read from cache, dummy byte after the column
		col := uint16(out[1])<<8 | uint16(out[2])
		copy(in, c.cache[col:])
	case 0x02: // program load, resets the cache
		col := uint16(out[1])<<8 | uint16(out[2])
		for i := range c.cache {
			c.cache[i] = 0xFF
		}
		copy(c.cache[col:], out[3:])
	case 0x84: // program random load, overlays
		col := uint16(out[1])<<8 | uint16(out[2])
		copy(c.cache[col:], out[3:])
	case 0x10: // program execute
		if c.status&0x02 == 0 {
			c.t.Fatalf("program execute without write enable")
		}
		c.status &^= uint8(0x02 | 0x08)
		c.programs++
		row := c.row(out)
		if c.failWrite[row] {
			delete(c.failWrite, row)
			c.status |= 0x08
			return
		}
		p := c.page(row)
		for i := range p {
			p[i] &= c.cache[i]
		}
	case 0xD8: // block erase
		if c.status&0x02 == 0 {
			c.t.Fatalf("block erase without write enable")
		}
		c.status &^= uint8(0x02 | 0x04)
		row := c.row(out)
		if c.failErase[row] {
			delete(c.failErase, row)
			c.status |= 0x04
			return
		}
		first := row - row%fakePPB
		for r := first; r < first+fakePPB; r++ {
			delete(c.pages, r)
			delete(c.eccByRow, r)
		}
	default:
		c.t.Fatalf("unexpected opcode 0x%02X", out[0])
	}
}

var w25n01gvID = [3]byte{0xEF, 0xAA, 0x21}

func newTestDevice(t *testing.T) (*fakeChip, *spinand.Device) {
	chip := newFakeChip(t, w25n01gvID)
	dev, err := spinand.New(chip.transport())
	require.NoError(t, err)
	return chip, dev
}

func TestNew__IdentifiesChip(t *testing.T) {
	chip, dev := newTestDevice(t)

	assert.Equal(t, "W25N01GV", dev.Info().Name)
	assert.Equal(t, nandkit.Geometry{
		PageSize:      2048,
		PagesPerBlock: 64,
		BlockCount:    1024,
	}, dev.Geometry())
	assert.Equal(t, 1, chip.resets)
	assert.Zero(t, chip.protect&0x78, "block protection must be cleared")
}

func TestNew__UnknownDevice(t *testing.T) {
	chip := newFakeChip(t, [3]byte{0x01, 0x02, 0x03})
	_, err := spinand.New(chip.transport())
	assert.ErrorIs(t, err, nandkit.ErrUnknownDevice)
}

func TestDevice__WriteReadRoundTrip(t *testing.T) {
	_, dev := newTestDevice(t)

	want := bytes.Repeat([]byte{0xA5, 0x3C}, 1024)
	require.NoError(t, dev.WritePage(7, 3, want))

	got := make([]byte, 2048)
	require.NoError(t, dev.ReadPage(7, 3, got))
	assert.Equal(t, want, got)
}

func TestDevice__ReadPage__OutOfRange(t *testing.T) {
	_, dev := newTestDevice(t)
	err := dev.ReadPage(1024, 0, make([]byte, 16))
	assert.ErrorIs(t, err, nandkit.ErrInvalidAddress)

	err = dev.ReadPage(0, 0, make([]byte, 4096))
	assert.ErrorIs(t, err, nandkit.ErrNotAligned)
}

func TestDevice__ReadPage__CorrectedReportsDegraded(t *testing.T) {
	chip, dev := newTestDevice(t)

	want := bytes.Repeat([]byte{0x77}, 2048)
	require.NoError(t, dev.WritePage(2, 0, want))
	chip.eccByRow[2*fakePPB] = 0x10 // corrected

	got := make([]byte, 2048)
	err := dev.ReadPage(2, 0, got)
	assert.ErrorIs(t, err, nandkit.ErrBlockDegraded)
	assert.Equal(t, nandkit.KindBlockDegraded, nandkit.Kind(err))
	assert.Equal(t, want, got, "corrected data must still be returned")
}

func TestDevice__ReadPage__UncorrectableIsDataLoss(t *testing.T) {
	chip, dev := newTestDevice(t)
	chip.eccByRow[0] = 0x20 // uncorrectable

	err := dev.ReadPage(0, 0, make([]byte, 2048))
	assert.ErrorIs(t, err, nandkit.ErrDataLoss)
}

func TestDevice__WritePage__ProgramFailIsBadBlock(t *testing.T) {
	chip, dev := newTestDevice(t)
	chip.failWrite[5*fakePPB+1] = true

	err := dev.WritePage(5, 1, make([]byte, 2048))
	assert.ErrorIs(t, err, nandkit.ErrBadBlock)
	assert.Equal(t, nandkit.KindBlockFailed, nandkit.Kind(err))
}

func TestDevice__EraseBlock__FailIsBadBlock(t *testing.T) {
	chip, dev := newTestDevice(t)
	chip.failErase[9*fakePPB] = true

	err := dev.EraseBlock(9)
	assert.ErrorIs(t, err, nandkit.ErrBadBlock)
	assert.Equal(t, nandkit.KindBlockFailed, nandkit.Kind(err))
	assert.NoError(t, dev.EraseBlock(9))
}

func TestDevice__MarkBadSetsMarkerAndKeepsData(t *testing.T) {
	_, dev := newTestDevice(t)

	want := bytes.Repeat([]byte{0xDB}, 2048)
	require.NoError(t, dev.WritePage(3, 0, want))
	require.NoError(t, dev.MarkBad(3))

	status, err := dev.BlockStatus(3)
	require.NoError(t, err)
	assert.Equal(t, nandkit.BlockBad, status)

	// Marking must not disturb the data area; quarantine salvages from it.
	got := make([]byte, 2048)
	require.NoError(t, dev.ReadPage(3, 0, got))
	assert.Equal(t, want, got)

	status, err = dev.BlockStatus(4)
	require.NoError(t, err)
	assert.Equal(t, nandkit.BlockGood, status)
}

func TestDevice__CopyBlockStaysOnChip(t *testing.T) {
	chip, dev := newTestDevice(t)

	require.NoError(t, dev.WritePage(1, 0, bytes.Repeat([]byte{0x11}, 2048)))
	require.NoError(t, dev.WritePage(1, 1, bytes.Repeat([]byte{0x22}, 2048)))
	programs := chip.programs

	require.NoError(t, dev.CopyBlock(1, 6, 2))
	assert.Equal(t, programs+2, chip.programs)

	got := make([]byte, 2048)
	require.NoError(t, dev.ReadPage(6, 1, got))
	assert.Equal(t, bytes.Repeat([]byte{0x22}, 2048), got)
}

func TestDevice__PowerCycle(t *testing.T) {
	chip, dev := newTestDevice(t)

	require.NoError(t, dev.PowerDown())
	assert.True(t, chip.poweredDown)
	require.NoError(t, dev.PowerUp())
	assert.False(t, chip.poweredDown)
}

func TestDevice__CopyBlock__UncorrectableSource(t *testing.T) {
	chip, dev := newTestDevice(t)
	chip.eccByRow[1] = 0x20

	err := dev.CopyBlock(0, 6, 2)
	assert.ErrorIs(t, err, nandkit.ErrDataLoss)
}

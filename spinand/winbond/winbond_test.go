package winbond_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/nandkit/nandkit"
	"github.com/nandkit/nandkit/spinand"
	"github.com/nandkit/nandkit/spinand/winbond"
	"github.com/noxer/bytewriter"
	"github.com/snksoft/crc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChip emulates the identification, register, and OTP behavior of a
// W25N part. The main array is not modeled; these tests only exercise the
// Winbond-specific surface on top of the generic driver.
type fakeChip struct {
	t *testing.T

	id      [3]byte
	protect uint8
	config  uint8
	status  uint8

	otp   map[uint32][]byte
	cache []byte
}

func newFakeChip(t *testing.T, id [3]byte) *fakeChip {
	return &fakeChip{
		t:       t,
		id:      id,
		protect: 0x38,
		otp:     make(map[uint32][]byte),
		cache:   make([]byte, 2048+64),
	}
}

func (c *fakeChip) transport() spinand.Transport {
	return func(out, in []byte) error {
		switch out[0] {
		case 0xFF:
			c.status = 0
		case 0x9F:
			copy(in, c.id[:])
		case 0x0F:
			switch out[1] {
			case 0xA0:
				in[0] = c.protect
			case 0xB0:
				in[0] = c.config
			case 0xC0:
				in[0] = c.status
			}
		case 0x1F:
			switch out[1] {
			case 0xA0:
				c.protect = out[2]
			case 0xB0:
				c.config = out[2]
			}
		case 0x06:
			c.status |= 0x02
		case 0x13:
			row := uint32(out[1])<<16 | uint32(out[2])<<8 | uint32(out[3])
			for i := range c.cache {
				c.cache[i] = 0xFF
			}
			if c.config&0x40 == 0 {
				c.t.Fatalf("page read outside OTP mode is not modeled")
			}
			copy(c.cache, c.otp[row])
		case 0x03:
			col := uint16(out[1])<<8 | uint16(out[2])
			copy(in, c.cache[col:])
		default:
			c.t.Fatalf("unexpected opcode 0x%02X", out[0])
		}
		return nil
	}
}

var w25n01gvID = [3]byte{0xEF, 0xAA, 0x21}

func newTestDevice(t *testing.T) (*fakeChip, *winbond.Device) {
	chip := newFakeChip(t, w25n01gvID)
	dev, err := winbond.New(chip.transport())
	require.NoError(t, err)
	return chip, dev
}

func onfiCRC16(data []byte) uint16 {
	return uint16(crc.CalculateCRC(&crc.Parameters{
		Width:      16,
		Polynomial: 0x8005,
		Init:       0x4F4E,
		ReflectIn:  false,
		ReflectOut: false,
		FinalXor:   0,
	}, data))
}

func buildParameterPage(t *testing.T) []byte {
	raw := make([]byte, 256)
	w := bytewriter.New(raw)

	w.Write([]byte("ONFI"))
	binary.Write(w, binary.LittleEndian, uint16(1)) // revision
	w.Write(make([]byte, 26))
	w.Write([]byte("WINBOND     "))         // manufacturer, 12 bytes
	w.Write([]byte("W25N01GVZEIG        ")) // model, 20 bytes
	w.Write(make([]byte, 16))
	binary.Write(w, binary.LittleEndian, uint32(2048)) // data bytes per page
	binary.Write(w, binary.LittleEndian, uint16(64))   // spare bytes per page
	w.Write(make([]byte, 6))
	binary.Write(w, binary.LittleEndian, uint32(64))   // pages per block
	binary.Write(w, binary.LittleEndian, uint32(1024)) // blocks per LUN
	w.Write([]byte{1})                                 // LUN count
	w.Write(make([]byte, 11))
	w.Write([]byte{1}) // ECC bits

	binary.LittleEndian.PutUint16(raw[254:], onfiCRC16(raw[:254]))
	return raw
}

func TestNew__RejectsForeignChip(t *testing.T) {
	// GigaDevice part, present in the parameter table.
	chip := newFakeChip(t, [3]byte{0xC8, 0x51, 0xC8})
	_, err := winbond.New(chip.transport())
	assert.ErrorIs(t, err, nandkit.ErrUnknownDevice)
}

func TestDevice__UniqueID(t *testing.T) {
	chip, dev := newTestDevice(t)

	page := make([]byte, 32)
	for i := 0; i < 16; i++ {
		page[i] = byte(0xD0 + i)
		page[16+i] = ^page[i]
	}
	chip.otp[0x00] = page

	id, err := dev.UniqueID()
	require.NoError(t, err)
	assert.Equal(t, page[:16], id[:])
	assert.Zero(t, chip.config&0x40, "OTP mode must be exited")
}

func TestDevice__UniqueID__BadComplement(t *testing.T) {
	chip, dev := newTestDevice(t)

	page := make([]byte, 32)
	chip.otp[0x00] = page // complement bytes do not match

	_, err := dev.UniqueID()
	assert.ErrorIs(t, err, nandkit.ErrDevice)
	assert.Zero(t, chip.config&0x40)
}

func TestDevice__ParameterPage(t *testing.T) {
	chip, dev := newTestDevice(t)

	good := buildParameterPage(t)
	corrupt := bytes.Clone(good)
	corrupt[10] ^= 0xFF

	// First copy corrupted; the reader must fall through to the second.
	chip.otp[0x01] = append(append([]byte{}, corrupt...), good...)

	page, err := dev.ParameterPage()
	require.NoError(t, err)
	assert.Equal(t, "WINBOND", page.Manufacturer)
	assert.Equal(t, "W25N01GVZEIG", page.Model)
	assert.EqualValues(t, 1, page.ECCBits)
	assert.Equal(t, nandkit.Geometry{
		PageSize:      2048,
		PagesPerBlock: 64,
		BlockCount:    1024,
	}, page.Geometry())
	assert.Zero(t, chip.config&0x40, "OTP mode must be exited")
}

func TestDevice__ParameterPage__AllCopiesBad(t *testing.T) {
	chip, dev := newTestDevice(t)
	chip.otp[0x01] = make([]byte, 768)

	_, err := dev.ParameterPage()
	assert.ErrorIs(t, err, nandkit.ErrDevice)
}

func TestDevice__SetECC(t *testing.T) {
	chip, dev := newTestDevice(t)

	require.NoError(t, dev.SetECC(true))
	assert.EqualValues(t, 0x10, chip.config&0x10)

	enabled, err := dev.ECCEnabled()
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, dev.SetECC(false))
	assert.Zero(t, chip.config&0x10)
}

func TestDevice__SetBufferMode(t *testing.T) {
	chip, dev := newTestDevice(t)

	require.NoError(t, dev.SetBufferMode(true))
	assert.EqualValues(t, 0x08, chip.config&0x08)
}

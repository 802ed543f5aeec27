package winbond

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/nandkit/nandkit"
	"github.com/snksoft/crc"
)

const (
	parameterPageLen    = 256
	parameterPageCopies = 3
	parameterSignature  = "ONFI"
)

// ONFI integrity CRC: CRC-16 with polynomial 0x8005 seeded with 0x4F4E
// ("ON"), covering bytes 0 through 253. The checksum itself sits at
// offset 254, little endian.
var onfiCRCTable *crc.Table

func init() {
	onfiCRCTable = crc.NewTable(&crc.Parameters{
		Width:      16,
		Polynomial: 0x8005,
		Init:       0x4F4E,
		ReflectIn:  false,
		ReflectOut: false,
		FinalXor:   0,
	})
}

func onfiCRC(data []byte) uint16 {
	h := crc.NewHashWithTable(onfiCRCTable)
	h.Update(data)
	return h.CRC16()
}

// ParameterPage is the decoded ONFI parameter page: the chip's own
// description of its manufacturer, layout, and ECC requirement.
type ParameterPage struct {
	Revision     uint16
	Manufacturer string
	Model        string

	DataBytesPerPage  uint32
	SpareBytesPerPage uint16
	PagesPerBlock     uint32
	BlocksPerLUN      uint32
	LUNCount          uint8

	// ECCBits is the number of correctable bits per sector the chip
	// requires from the host, zero when the on-chip engine suffices.
	ECCBits uint8
}

// Geometry returns the layout the parameter page describes. Useful to
// cross-check the parameter table entry the chip was matched against.
func (p *ParameterPage) Geometry() nandkit.Geometry {
	return nandkit.Geometry{
		PageSize:      p.DataBytesPerPage,
		PagesPerBlock: p.PagesPerBlock,
		BlockCount:    p.BlocksPerLUN * uint32(p.LUNCount),
	}
}

func parseParameterPage(raw []byte) (*ParameterPage, error) {
	if len(raw) != parameterPageLen {
		return nil, nandkit.ErrDevice.WithMessage(
			fmt.Sprintf("parameter page is %d bytes, want %d", len(raw), parameterPageLen))
	}
	if string(raw[0:4]) != parameterSignature {
		return nil, nandkit.ErrDevice.WithMessage("bad parameter page signature")
	}
	want := binary.LittleEndian.Uint16(raw[254:256])
	if got := onfiCRC(raw[:254]); got != want {
		return nil, nandkit.ErrDevice.WithMessage(
			fmt.Sprintf("parameter page CRC %04X, want %04X", got, want))
	}
	return &ParameterPage{
		Revision:          binary.LittleEndian.Uint16(raw[4:6]),
		Manufacturer:      strings.TrimRight(string(raw[32:44]), " "),
		Model:             strings.TrimRight(string(raw[44:64]), " "),
		DataBytesPerPage:  binary.LittleEndian.Uint32(raw[80:84]),
		SpareBytesPerPage: binary.LittleEndian.Uint16(raw[84:86]),
		PagesPerBlock:     binary.LittleEndian.Uint32(raw[92:96]),
		BlocksPerLUN:      binary.LittleEndian.Uint32(raw[96:100]),
		LUNCount:          raw[100],
		ECCBits:           raw[112],
	}, nil
}

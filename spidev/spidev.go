//go:build linux

// Package spidev provides an SPI transport over the Linux spidev
// character device (/dev/spidevB.C). A half-duplex exchange is submitted
// as a single two-segment message so chip select stays asserted between
// the command bytes and the response.
package spidev

import (
	"fmt"
	"unsafe"

	"github.com/nandkit/nandkit/spinand"
	"golang.org/x/sys/unix"
)

const (
	spiIOCWrMode        = 0x40016B01
	spiIOCWrBitsPerWord = 0x40016B03
	spiIOCWrMaxSpeedHz  = 0x40046B04

	// SPI_IOC_MESSAGE(n): _IOW('k', 0, char[n * 32])
	spiIOCMessageBase = 0x40006B00
	transferSize      = 32
)

// spiTransfer mirrors struct spi_ioc_transfer from <linux/spi/spidev.h>.
type spiTransfer struct {
	TxBuf       uint64
	RxBuf       uint64
	Len         uint32
	SpeedHz     uint32
	DelayUsecs  uint16
	BitsPerWord uint8
	CsChange    uint8
	TxNbits     uint8
	RxNbits     uint8
	WordDelayUs uint8
	Pad         uint8
}

// Bus is an open spidev handle configured for one chip select.
type Bus struct {
	path    string
	fd      int
	speedHz uint32
}

// Option adjusts bus configuration at open time.
type Option func(*Bus)

// WithSpeed overrides the default 10 MHz clock.
func WithSpeed(hz uint32) Option {
	return func(b *Bus) { b.speedHz = hz }
}

// Open opens a spidev node and configures it for mode 0, 8-bit words.
func Open(path string, opts ...Option) (*Bus, error) {
	b := &Bus{path: path, fd: -1, speedHz: 10_000_000}
	for _, opt := range opts {
		opt(b)
	}

	fd, err := unix.Open(path, unix.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	b.fd = fd

	mode := uint8(0)
	bits := uint8(8)
	if err := b.ioctl(spiIOCWrMode, unsafe.Pointer(&mode)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set mode on %s: %w", path, err)
	}
	if err := b.ioctl(spiIOCWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set word size on %s: %w", path, err)
	}
	if err := b.ioctl(spiIOCWrMaxSpeedHz, unsafe.Pointer(&b.speedHz)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set clock on %s: %w", path, err)
	}
	return b, nil
}

// Close releases the file descriptor. The bus must not be used afterwards.
func (b *Bus) Close() error {
	if b.fd < 0 {
		return nil
	}
	fd := b.fd
	b.fd = -1
	return unix.Close(fd)
}

func (b *Bus) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Transfer shifts out to the device and then reads len(in) bytes back,
// all under one chip select.
func (b *Bus) Transfer(out, in []byte) error {
	var msg [2]spiTransfer
	n := 0
	if len(out) > 0 {
		msg[n] = spiTransfer{
			TxBuf:   uint64(uintptr(unsafe.Pointer(&out[0]))),
			Len:     uint32(len(out)),
			SpeedHz: b.speedHz,
		}
		n++
	}
	if len(in) > 0 {
		msg[n] = spiTransfer{
			RxBuf:   uint64(uintptr(unsafe.Pointer(&in[0]))),
			Len:     uint32(len(in)),
			SpeedHz: b.speedHz,
		}
		n++
	}
	if n == 0 {
		return nil
	}

	req := uintptr(spiIOCMessageBase | (n * transferSize << 16))
	if err := b.ioctl(req, unsafe.Pointer(&msg[0])); err != nil {
		return fmt.Errorf("spi message on %s: %w", b.path, err)
	}
	return nil
}

// Transport returns the bus as the transport type the NAND driver
// consumes.
func (b *Bus) Transport() spinand.Transport {
	return b.Transfer
}

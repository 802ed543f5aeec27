package spinand

import (
	"context"
	"fmt"
	"time"

	"github.com/nandkit/nandkit"
)

// Default timing limits. Datasheet worst cases are well under these; the
// limits only exist to turn a hung bus into an error instead of a livelock.
const (
	defaultResetTimeout = 500 * time.Millisecond
	defaultBusyTimeout  = 100 * time.Millisecond
	defaultPollInterval = 50 * time.Microsecond
)

func (d *Device) transfer(out, in []byte) error {
	if err := d.spi(out, in); err != nil {
		return nandkit.ErrDevice.Wrap(err)
	}
	return nil
}

func (d *Device) command(out ...byte) error {
	return d.transfer(out, nil)
}

func (d *Device) reset() error {
	return d.command(opReset)
}

// readJedecID issues the identification command. One dummy byte is clocked
// before the ID; three ID bytes are read so parts with two- and three-byte
// identifiers are both covered.
func (d *Device) readJedecID() (JedecID, error) {
	var raw [3]byte
	if err := d.transfer([]byte{opJedecID, 0x00}, raw[:]); err != nil {
		return 0, err
	}
	return JedecID(uint32(raw[0])<<16 | uint32(raw[1])<<8 | uint32(raw[2])), nil
}

func (d *Device) readRegister(reg uint8) (uint8, error) {
	var val [1]byte
	if err := d.transfer([]byte{opReadStatus, reg}, val[:]); err != nil {
		return 0, err
	}
	return val[0], nil
}

func (d *Device) writeRegister(reg, val uint8) error {
	return d.command(opWriteStatus, reg, val)
}

func (d *Device) writeEnable() error {
	return d.command(opWriteEnable)
}

// pageRead moves one page from the array into the on-chip cache. The
// device goes busy until the transfer and the ECC pass complete.
func (d *Device) pageRead(row uint32) error {
	return d.command(opPageRead, byte(row>>16), byte(row>>8), byte(row))
}

// readFromCache reads from the on-chip cache starting at the given column.
// One dummy byte follows the column address.
func (d *Device) readFromCache(column uint16, p []byte) error {
	return d.transfer([]byte{opReadFromCache, byte(column >> 8), byte(column), 0x00}, p)
}

// programLoad resets the on-chip cache to all ones and loads p at the
// given column.
func (d *Device) programLoad(column uint16, p []byte) error {
	out := make([]byte, 0, 3+len(p))
	out = append(out, opProgramLoad, byte(column>>8), byte(column))
	out = append(out, p...)
	return d.transfer(out, nil)
}

// programExecute commits the cache contents to the given row. Requires a
// prior write enable.
func (d *Device) programExecute(row uint32) error {
	return d.command(opProgramExecute, byte(row>>16), byte(row>>8), byte(row))
}

// eraseBlock erases the block containing the given row. Requires a prior
// write enable.
func (d *Device) eraseBlock(row uint32) error {
	return d.command(opBlockErase, byte(row>>16), byte(row>>8), byte(row))
}

// waitReady polls the status register until the busy bit clears and
// returns the final register value so callers can inspect the failure and
// ECC flags of the finished operation.
func (d *Device) waitReady(timeout time.Duration) (uint8, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, err := d.readRegister(regStatus)
		if err != nil {
			return 0, err
		}
		if status&statusBusy == 0 {
			return status, nil
		}
		if time.Now().After(deadline) {
			return status, nandkit.ErrDevice.WithMessage(
				fmt.Sprintf("device busy for longer than %v", timeout))
		}
		time.Sleep(d.pollInterval)
	}
}

// waitReadyContext is waitReady with cancellation honored between polls.
// The in-flight operation keeps running on the chip either way; only the
// wait is abandoned.
func (d *Device) waitReadyContext(ctx context.Context, timeout time.Duration) (uint8, error) {
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()
	for {
		status, err := d.readRegister(regStatus)
		if err != nil {
			return 0, err
		}
		if status&statusBusy == 0 {
			return status, nil
		}
		if time.Now().After(deadline) {
			return status, nandkit.ErrDevice.WithMessage(
				fmt.Sprintf("device busy for longer than %v", timeout))
		}
		timer.Reset(d.pollInterval)
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-timer.C:
		}
	}
}

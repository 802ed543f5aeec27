package spinand

// Register addresses accepted by Raw.ReadRegister and Raw.WriteRegister.
const (
	RegProtect = regProtect
	RegConfig  = regConfig
	RegStatus  = regStatus
)

// Raw exposes the command layer to device-specific subpackages for
// features the generic driver does not model, such as OTP areas and
// vendor configuration bits. It is not meant for general consumption.
type Raw struct {
	d *Device
}

// Raw returns the raw command view of the device.
func (d *Device) Raw() Raw { return Raw{d: d} }

// Transfer performs one SPI transaction.
func (r Raw) Transfer(out, in []byte) error {
	return r.d.transfer(out, in)
}

// ReadRegister reads one status register.
func (r Raw) ReadRegister(reg uint8) (uint8, error) {
	return r.d.readRegister(reg)
}

// WriteRegister writes one status register.
func (r Raw) WriteRegister(reg, val uint8) error {
	return r.d.writeRegister(reg, val)
}

// LoadPage moves the page at the given row address into the on-chip cache
// and returns the status register of the finished operation.
func (r Raw) LoadPage(row uint32) (uint8, error) {
	return r.d.loadPage(row)
}

// ReadFromCache reads from the on-chip cache starting at column.
func (r Raw) ReadFromCache(column uint16, p []byte) error {
	return r.d.readFromCache(column, p)
}

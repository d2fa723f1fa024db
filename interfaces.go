package sx127x

import "time"

// Transport is the register-access capability the driver is built on. It is
// injected so the engine can run against periph.io, TinyGo's machine package,
// or a simulated register file in tests.
//
// Every primitive may fail; the driver treats each failure as recoverable and
// never assumes partial success.
type Transport interface {
	// Init prepares the underlying bus for register traffic.
	Init() error
	// Reset performs a hardware reset of the chip, if the wiring allows one.
	Reset() error
	// ReadRegister reads a single byte from reg.
	ReadRegister(reg byte) (byte, error)
	// ReadBurst reads len(p) bytes from reg using the bus burst mode.
	ReadBurst(reg byte, p []byte) error
	// WriteRegister writes a single byte to reg.
	WriteRegister(reg, val byte) error
	// WriteBurst writes p to reg using the bus burst mode.
	WriteBurst(reg byte, p []byte) error
	// Delay blocks the calling thread for d.
	Delay(d time.Duration)
}

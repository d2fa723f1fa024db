//go:build tinygo

package sx127x

import (
	"machine"
	"time"
)

// tinygoTransport implements Transport on top of a machine.SPI bus with
// manual chip-select, plus an optional reset pin.
type tinygoTransport struct {
	spi *machine.SPI
	cs  machine.Pin
	rst machine.Pin
}

// NewTinyGo initializes the radio on a TinyGo target. Pass machine.NoPin as
// rstPin when the reset line is not wired.
func NewTinyGo(cfg Config, spi *machine.SPI, csPin, rstPin machine.Pin) (*Device, error) {
	t := &tinygoTransport{
		spi: spi,
		cs:  csPin,
		rst: rstPin,
	}
	return NewWithTransport(cfg, t)
}

func (t *tinygoTransport) Init() error {
	t.cs.Configure(machine.PinConfig{Mode: machine.PinOutput})
	t.cs.High()
	if t.rst != machine.NoPin {
		t.rst.Configure(machine.PinConfig{Mode: machine.PinOutput})
		t.rst.High()
	}
	return nil
}

func (t *tinygoTransport) Reset() error {
	if t.rst == machine.NoPin {
		return nil
	}
	t.rst.Low()
	time.Sleep(10 * time.Millisecond)
	t.rst.High()
	time.Sleep(10 * time.Millisecond)
	return nil
}

func (t *tinygoTransport) tx(w, r []byte) error {
	t.cs.Low()
	err := t.spi.Tx(w, r)
	t.cs.High()
	return err
}

func (t *tinygoTransport) ReadRegister(reg byte) (byte, error) {
	w := []byte{reg & 0x7F, 0x00}
	r := make([]byte, len(w))
	if err := t.tx(w, r); err != nil {
		return 0, err
	}
	return r[1], nil
}

func (t *tinygoTransport) ReadBurst(reg byte, p []byte) error {
	w := make([]byte, len(p)+1)
	w[0] = reg & 0x7F
	r := make([]byte, len(w))
	if err := t.tx(w, r); err != nil {
		return err
	}
	copy(p, r[1:])
	return nil
}

func (t *tinygoTransport) WriteRegister(reg, val byte) error {
	w := []byte{reg | 0x80, val}
	return t.tx(w, make([]byte, len(w)))
}

func (t *tinygoTransport) WriteBurst(reg byte, p []byte) error {
	w := append([]byte{reg | 0x80}, p...)
	return t.tx(w, make([]byte, len(w)))
}

func (t *tinygoTransport) Delay(d time.Duration) {
	time.Sleep(d)
}

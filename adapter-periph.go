//go:build !tinygo

package sx127x

import (
	"errors"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// periphTransport implements Transport on top of periph.io. SPI framing
// follows the SX127x convention: register address with bit 7 clear for
// reads and set for writes, burst transfers auto-increment on the chip side.
type periphTransport struct {
	spiName string
	rstName string
	conn    spi.Conn
	rst     gpio.PinIO
}

// New opens spiPort and resetPin through periph.io and initializes the radio
// behind them. spiPort is a spireg name such as "SPI0.0"; resetPin is a
// gpioreg name such as "GPIO22", or empty when the reset line is not wired.
func New(cfg Config, spiPort, resetPin string) (*Device, error) {
	t := &periphTransport{
		spiName: spiPort,
		rstName: resetPin,
	}
	return NewWithTransport(cfg, t)
}

func (t *periphTransport) Init() error {
	if _, err := host.Init(); err != nil {
		return err
	}

	p, err := spireg.Open(t.spiName)
	if err != nil {
		return err
	}
	c, err := p.Connect(8*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return err
	}
	t.conn = c

	if t.rstName != "" {
		t.rst = gpioreg.ByName(t.rstName)
		if t.rst == nil {
			return errors.New("failed to find RESET pin " + t.rstName)
		}
		if err := t.rst.Out(gpio.High); err != nil {
			return err
		}
	}
	return nil
}

func (t *periphTransport) Reset() error {
	if t.rst == nil {
		// No reset line wired; the chip keeps its power-on state.
		return nil
	}
	if err := t.rst.Out(gpio.Low); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	if err := t.rst.Out(gpio.High); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	return nil
}

func (t *periphTransport) ReadRegister(reg byte) (byte, error) {
	w := []byte{reg & 0x7F, 0x00}
	r := make([]byte, len(w))
	if err := t.conn.Tx(w, r); err != nil {
		return 0, err
	}
	return r[1], nil
}

func (t *periphTransport) ReadBurst(reg byte, p []byte) error {
	w := make([]byte, len(p)+1)
	w[0] = reg & 0x7F
	r := make([]byte, len(w))
	if err := t.conn.Tx(w, r); err != nil {
		return err
	}
	copy(p, r[1:])
	return nil
}

func (t *periphTransport) WriteRegister(reg, val byte) error {
	w := []byte{reg | 0x80, val}
	return t.conn.Tx(w, make([]byte, len(w)))
}

func (t *periphTransport) WriteBurst(reg byte, p []byte) error {
	w := append([]byte{reg | 0x80}, p...)
	return t.conn.Tx(w, make([]byte, len(w)))
}

func (t *periphTransport) Delay(d time.Duration) {
	time.Sleep(d)
}

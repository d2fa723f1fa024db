package sx127x

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrPkg = errors.New("sx127x")

	// Transport-level failures.
	ErrBusInit       = errors.New("bus initialization failed")
	ErrReadRegister  = errors.New("register read failed")
	ErrWriteRegister = errors.New("register write failed")
	ErrReadBurst     = errors.New("burst read failed")
	ErrWriteBurst    = errors.New("burst write failed")

	// Protocol-level failures.
	ErrInitTimeout = errors.New("version check timed out")
	ErrSendFailed  = errors.New("transmit setup failed")
	ErrSendTimeout = errors.New("transmit-done never raised")
	ErrNoData      = errors.New("no packet pending")
	ErrCRC         = errors.New("payload failed CRC check")
	ErrInvalid     = errors.New("invalid argument")
)

// Mode is the declared transceiver operating mode. The chip is the source of
// truth; the driver writes every transition explicitly rather than inferring
// it.
type Mode byte

const (
	ModeSleep   Mode = modeSleep
	ModeStandby Mode = modeStandby
	ModeReceive Mode = modeRxContinuous
	ModeTx      Mode = modeTx
)

func (m Mode) String() string {
	switch m {
	case ModeSleep:
		return "sleep"
	case ModeStandby:
		return "standby"
	case ModeReceive:
		return "receive"
	case ModeTx:
		return "transmit"
	default:
		return "unknown"
	}
}

// Config holds the radio parameters applied during initialization. Zero
// values are replaced with defaults by the constructor.
type Config struct {
	// FrequencyHz is the carrier frequency.
	// Defaults to 915 MHz if not provided.
	FrequencyHz uint64
	// SpreadingFactor trades data rate for range. Range: 6 to 12,
	// out-of-range values are clamped.
	// Defaults to 7 if not provided.
	SpreadingFactor uint8
	// Bandwidth is a signal bandwidth register index (use the Bandwidth*
	// constants). Range: 0 to 9.
	// Defaults to Bandwidth125kHz if not provided.
	Bandwidth uint8
	// CodingRate is the forward-error-correction denominator of 4/x.
	// Range: 5 to 8, out-of-range values are clamped.
	// Defaults to 5 if not provided.
	CodingRate uint8
	// PreambleLength is the preamble symbol count.
	// Defaults to 8 if not provided.
	PreambleLength uint16
	// SyncWord distinguishes networks sharing a frequency.
	// Defaults to 0x12 if not provided.
	SyncWord byte
	// DisableCRC turns off the hardware payload CRC. CRC is on by default.
	DisableCRC bool
	// TxPower is the transmit power in dBm. Range: 2 to 17, out-of-range
	// values are clamped.
	// Defaults to 17 if not provided.
	TxPower uint8
	// ImplicitHeader selects the fixed-length header mode. When set,
	// PayloadLength must hold the fixed packet size.
	ImplicitHeader bool
	// PayloadLength is the fixed packet size used in implicit header mode.
	PayloadLength uint8
	// TxPollLimit caps the transmit-done poll loop.
	// Defaults to 65535 iterations if not provided.
	TxPollLimit uint32
	// TxPollInterval is the delay between transmit-done polls.
	// Defaults to 10ms if not provided.
	TxPollInterval time.Duration
	// InitRetries caps the version-register poll during initialization.
	// Defaults to 100 if not provided.
	InitRetries int
	// InitRetryDelay is the delay between version-register polls.
	// Defaults to 20ms if not provided.
	InitRetryDelay time.Duration
	// Logger receives driver diagnostics. Defaults to the global logger.
	Logger Logger
}

// Device drives a single SX127x chip through an injected Transport. Methods
// are not concurrency safe: the design assumes one caller owns the device
// for its entire lifetime.
type Device struct {
	config         Config
	transport      Transport
	log            Logger
	implicitHeader bool
	payloadLength  uint8
	frequencyHz    uint64
	lostPackets    uint32
	mode           Mode
}

// NewWithTransport initializes the radio behind t and applies cfg.
//
// The chip is probed by polling the version register; a chip that never
// reports the expected identifier is treated as absent and the retry budget
// is not worth re-running automatically.
func NewWithTransport(cfg Config, t Transport) (*Device, error) {
	if cfg.FrequencyHz == 0 {
		cfg.FrequencyHz = 915_000_000
	}
	if cfg.SpreadingFactor == 0 {
		cfg.SpreadingFactor = 7
	}
	if cfg.Bandwidth == 0 {
		cfg.Bandwidth = Bandwidth125kHz
	}
	if cfg.CodingRate == 0 {
		cfg.CodingRate = 5
	}
	if cfg.PreambleLength == 0 {
		cfg.PreambleLength = 8
	}
	if cfg.SyncWord == 0 {
		cfg.SyncWord = 0x12
	}
	if cfg.TxPower == 0 {
		cfg.TxPower = 17
	}
	if cfg.TxPollLimit == 0 {
		cfg.TxPollLimit = 65535
	}
	if cfg.TxPollInterval == 0 {
		cfg.TxPollInterval = 10 * time.Millisecond
	}
	if cfg.InitRetries == 0 {
		cfg.InitRetries = 100
	}
	if cfg.InitRetryDelay == 0 {
		cfg.InitRetryDelay = 20 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = globalLogger
	}
	if cfg.Bandwidth > Bandwidth500kHz {
		return nil, fmt.Errorf("%w: %w: bandwidth index %d", ErrPkg, ErrInvalid, cfg.Bandwidth)
	}

	d := &Device{
		config:    cfg,
		transport: t,
		log:       cfg.Logger,
		mode:      ModeSleep,
	}

	d.log.Info("Initializing SX127x radio...")

	if err := t.Init(); err != nil {
		return nil, fmt.Errorf("%w: %w: %w", ErrPkg, ErrBusInit, err)
	}
	if err := t.Reset(); err != nil {
		return nil, fmt.Errorf("%w: %w: %w", ErrPkg, ErrBusInit, err)
	}

	// Probe the version register until the chip answers. Read failures here
	// just burn a retry: a flaky bus and an absent chip look the same.
	found := false
	for i := 0; i < d.config.InitRetries; i++ {
		v, err := d.transport.ReadRegister(regVersion)
		if err == nil && v == chipVersion {
			found = true
			break
		}
		d.transport.Delay(d.config.InitRetryDelay)
	}
	if !found {
		return nil, fmt.Errorf("%w: %w: check wiring/power", ErrPkg, ErrInitTimeout)
	}

	if err := d.setup(); err != nil {
		return nil, err
	}

	d.log.Info("SX127x initialized. Ready to operate.")
	return d, nil
}

// setup brings the chip from an unknown power-on state into standby with the
// configured radio parameters applied.
func (d *Device) setup() error {
	if err := d.SetModeSleep(); err != nil {
		return err
	}
	// Both FIFO partitions start at zero: tx and rx share the whole buffer.
	if err := d.writeRegister(regFifoRxBaseAddr, 0); err != nil {
		return err
	}
	if err := d.writeRegister(regFifoTxBaseAddr, 0); err != nil {
		return err
	}
	if err := d.modifyField(fieldLnaBoostHf, 0x03); err != nil {
		return err
	}
	// Direct write: AGC on, everything else in ModemConfig3 cleared.
	if err := d.writeRegister(regModemConfig3, 0x04); err != nil {
		return err
	}

	if err := d.SetFrequency(d.config.FrequencyHz); err != nil {
		return err
	}
	if err := d.SetTxPower(d.config.TxPower); err != nil {
		return err
	}
	if err := d.SetSpreadingFactor(d.config.SpreadingFactor); err != nil {
		return err
	}
	if err := d.SetBandwidth(d.config.Bandwidth); err != nil {
		return err
	}
	if err := d.SetCodingRate(d.config.CodingRate); err != nil {
		return err
	}
	if err := d.SetPreambleLength(d.config.PreambleLength); err != nil {
		return err
	}
	if err := d.SetSyncWord(d.config.SyncWord); err != nil {
		return err
	}
	if err := d.SetCRC(!d.config.DisableCRC); err != nil {
		return err
	}
	if d.config.ImplicitHeader {
		if err := d.SetImplicitHeaderMode(d.config.PayloadLength); err != nil {
			return err
		}
	} else {
		if err := d.SetExplicitHeaderMode(); err != nil {
			return err
		}
	}

	return d.SetModeStandby()
}

func (d *Device) String() string {
	return fmt.Sprintf("SX127x(Frequency=%dHz, SF=%d, BW=%d, CR=4/%d, Power=%ddBm, CRC=%v, Mode=%s)",
		d.config.FrequencyHz,
		d.config.SpreadingFactor,
		d.config.Bandwidth,
		d.config.CodingRate,
		d.config.TxPower,
		!d.config.DisableCRC,
		d.mode,
	)
}

// Close forces the radio into sleep mode. It does not release the transport:
// the bus belongs to whoever opened it.
func (d *Device) Close() error {
	return d.SetModeSleep()
}

// --- Register access (shared error translation) ---

func (d *Device) readRegister(reg byte) (byte, error) {
	v, err := d.transport.ReadRegister(reg)
	if err != nil {
		return 0, fmt.Errorf("%w: %w: reg 0x%02X: %w", ErrPkg, ErrReadRegister, reg, err)
	}
	return v, nil
}

func (d *Device) writeRegister(reg, val byte) error {
	if err := d.transport.WriteRegister(reg, val); err != nil {
		return fmt.Errorf("%w: %w: reg 0x%02X: %w", ErrPkg, ErrWriteRegister, reg, err)
	}
	return nil
}

func (d *Device) readBurst(reg byte, p []byte) error {
	if err := d.transport.ReadBurst(reg, p); err != nil {
		return fmt.Errorf("%w: %w: reg 0x%02X: %w", ErrPkg, ErrReadBurst, reg, err)
	}
	return nil
}

func (d *Device) writeBurst(reg byte, p []byte) error {
	if err := d.transport.WriteBurst(reg, p); err != nil {
		return fmt.Errorf("%w: %w: reg 0x%02X: %w", ErrPkg, ErrWriteBurst, reg, err)
	}
	return nil
}

// modifyField read-modify-writes a bit window, preserving the register's
// unrelated bits.
func (d *Device) modifyField(f field, v byte) error {
	cur, err := d.readRegister(f.reg)
	if err != nil {
		return err
	}
	return d.writeRegister(f.reg, f.insert(cur, v))
}

func (d *Device) readField(f field) (byte, error) {
	cur, err := d.readRegister(f.reg)
	if err != nil {
		return 0, err
	}
	return f.extract(cur), nil
}

// --- Mode state machine ---

func (d *Device) setMode(m Mode) error {
	if err := d.writeRegister(regOpMode, modeLongRange|byte(m)); err != nil {
		return err
	}
	d.mode = m
	return nil
}

// SetModeSleep puts the transceiver into sleep mode.
func (d *Device) SetModeSleep() error {
	return d.setMode(ModeSleep)
}

// SetModeStandby puts the transceiver into standby (idle) mode.
func (d *Device) SetModeStandby() error {
	return d.setMode(ModeStandby)
}

// SetModeReceive puts the transceiver into continuous receive mode. Incoming
// packets are then picked up with PollReceived and ReceivePacket.
func (d *Device) SetModeReceive() error {
	return d.setMode(ModeReceive)
}

// Mode returns the last operating mode the driver commanded.
func (d *Device) Mode() Mode {
	return d.mode
}

// SetExplicitHeaderMode selects in-band payload lengths: each packet carries
// its own size.
func (d *Device) SetExplicitHeaderMode() error {
	d.implicitHeader = false
	return d.modifyField(fieldImplicitHeader, 0)
}

// SetImplicitHeaderMode selects fixed-length packets of payloadLength bytes.
// Both ends of the link must agree on the length.
func (d *Device) SetImplicitHeaderMode(payloadLength uint8) error {
	d.implicitHeader = true
	d.payloadLength = payloadLength
	if err := d.modifyField(fieldImplicitHeader, 1); err != nil {
		return err
	}
	return d.writeRegister(regPayloadLength, payloadLength)
}

// --- Configuration subsystem ---

// SetFrequency tunes the carrier to frequencyHz. The frequency is encoded as
// round(frequencyHz * 2^19 / 32 MHz) split across three registers, written
// most-significant byte first.
func (d *Device) SetFrequency(frequencyHz uint64) error {
	d.frequencyHz = frequencyHz
	frf := (frequencyHz<<19 + 16_000_000) / 32_000_000

	if err := d.writeRegister(regFrfMsb, byte(frf>>16)); err != nil {
		return err
	}
	if err := d.writeRegister(regFrfMid, byte(frf>>8)); err != nil {
		return err
	}
	return d.writeRegister(regFrfLsb, byte(frf))
}

// SetTxPower sets the transmit power in dBm through the PA_BOOST pin.
// Levels outside [2,17] are clamped.
func (d *Device) SetTxPower(level uint8) error {
	if level < 2 {
		level = 2
	} else if level > 17 {
		level = 17
	}
	return d.writeRegister(regPaConfig, paBoost|(level-2))
}

// SetSpreadingFactor sets the spreading factor. Values outside [6,12] are
// clamped. Factor 6 additionally needs alternate detection constants, so the
// detection registers are rewritten on every call.
func (d *Device) SetSpreadingFactor(sf uint8) error {
	if sf < 6 {
		sf = 6
	} else if sf > 12 {
		sf = 12
	}

	optimize := byte(detectionOptimizeStd)
	threshold := byte(detectionThresholdStd)
	if sf == 6 {
		optimize = detectionOptimizeSF6
		threshold = detectionThresholdSF6
	}

	if err := d.writeRegister(regDetectionOptimize, optimize); err != nil {
		return err
	}
	if err := d.writeRegister(regDetectionThreshold, threshold); err != nil {
		return err
	}
	return d.modifyField(fieldSpreadingFactor, sf)
}

// GetSpreadingFactor reads the spreading factor back from the chip.
func (d *Device) GetSpreadingFactor() (uint8, error) {
	return d.readField(fieldSpreadingFactor)
}

// SetBandwidth sets the signal bandwidth register index (use the Bandwidth*
// constants). An index above Bandwidth500kHz is not representable.
func (d *Device) SetBandwidth(bw uint8) error {
	if bw > Bandwidth500kHz {
		return fmt.Errorf("%w: %w: bandwidth index %d", ErrPkg, ErrInvalid, bw)
	}
	return d.modifyField(fieldBandwidth, bw)
}

// GetBandwidth reads the bandwidth register index back from the chip.
func (d *Device) GetBandwidth() (uint8, error) {
	return d.readField(fieldBandwidth)
}

// SetCodingRate sets the forward-error-correction rate 4/denominator.
// Denominators outside [5,8] are clamped. The bandwidth nibble sharing
// ModemConfig1 is preserved.
func (d *Device) SetCodingRate(denominator uint8) error {
	if denominator < 5 {
		denominator = 5
	} else if denominator > 8 {
		denominator = 8
	}
	return d.modifyField(fieldCodingRate, denominator-4)
}

// GetCodingRate reads the coding-rate denominator back from the chip.
func (d *Device) GetCodingRate() (uint8, error) {
	cr, err := d.readField(fieldCodingRate)
	if err != nil {
		return 0, err
	}
	return cr + 4, nil
}

// SetPreambleLength sets the preamble symbol count.
func (d *Device) SetPreambleLength(length uint16) error {
	if err := d.writeRegister(regPreambleMsb, byte(length>>8)); err != nil {
		return err
	}
	return d.writeRegister(regPreambleLsb, byte(length))
}

// GetPreambleLength reads the preamble symbol count back from the chip.
func (d *Device) GetPreambleLength() (uint16, error) {
	msb, err := d.readRegister(regPreambleMsb)
	if err != nil {
		return 0, err
	}
	lsb, err := d.readRegister(regPreambleLsb)
	if err != nil {
		return 0, err
	}
	return uint16(msb)<<8 | uint16(lsb), nil
}

// SetSyncWord sets the sync word separating logical networks.
func (d *Device) SetSyncWord(sw byte) error {
	return d.writeRegister(regSyncWord, sw)
}

// SetCRC enables or disables the hardware payload CRC.
func (d *Device) SetCRC(enable bool) error {
	if enable {
		return d.modifyField(fieldCrcOn, 1)
	}
	return d.modifyField(fieldCrcOn, 0)
}

// SetDIOMapping routes one of the six DIO pins to an internal event source.
// mode uses the chip's two-bit encoding (0-3).
func (d *Device) SetDIOMapping(pin, mode uint8) error {
	if int(pin) >= len(dioFields) {
		return fmt.Errorf("%w: %w: dio pin %d", ErrPkg, ErrInvalid, pin)
	}
	f := dioFields[pin]
	if err := d.modifyField(f, mode); err != nil {
		return err
	}
	d.log.Debug(fmt.Sprintf("DIO%d mapped to mode %d", pin, mode&0x03))
	return nil
}

// GetDIOMapping reads the event-source mapping of a DIO pin.
func (d *Device) GetDIOMapping(pin uint8) (uint8, error) {
	if int(pin) >= len(dioFields) {
		return 0, fmt.Errorf("%w: %w: dio pin %d", ErrPkg, ErrInvalid, pin)
	}
	return d.readField(dioFields[pin])
}

// --- Packet engine ---

// SendPacket transmits p and blocks until the chip reports transmit-done or
// the poll budget runs out. Regardless of the outcome the radio is returned
// to sleep and the transmit-done flag is cleared, so the chip is in a known
// state for the next operation.
func (d *Device) SendPacket(p []byte) error {
	if len(p) > 255 {
		return fmt.Errorf("%w: %w: payload too large (%d bytes), limit is 255", ErrPkg, ErrInvalid, len(p))
	}

	if err := d.armTransmit(p); err != nil {
		d.log.Error("Transmit setup failed")
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	done := false
	for loop := uint32(0); loop < d.config.TxPollLimit; loop++ {
		irq, err := d.readRegister(regIrqFlags)
		if err == nil && irq&IrqTxDoneMask != 0 {
			done = true
			break
		}
		d.transport.Delay(d.config.TxPollInterval)
	}

	if !done {
		d.lostPackets++
		d.log.Warn("Transmit timed out, packet lost")
	}

	// Always clean up: back to sleep and acknowledge transmit-done, even
	// after a timeout.
	sleepErr := d.SetModeSleep()
	ackErr := d.writeRegister(regIrqFlags, IrqTxDoneMask)

	if !done {
		return fmt.Errorf("%w: %w", ErrPkg, ErrSendTimeout)
	}
	if sleepErr != nil {
		return sleepErr
	}
	return ackErr
}

// armTransmit loads the FIFO and commands transmit mode. Any failure aborts
// the sequence before the poll loop starts.
func (d *Device) armTransmit(p []byte) error {
	if err := d.SetModeStandby(); err != nil {
		return err
	}
	if err := d.writeRegister(regFifoAddrPtr, 0); err != nil {
		return err
	}
	if err := d.writeBurst(regFifo, p); err != nil {
		return err
	}
	if err := d.writeRegister(regPayloadLength, uint8(len(p))); err != nil {
		return err
	}
	return d.setMode(ModeTx)
}

// ReceivePacket copies a pending packet into buf and returns the number of
// bytes copied. The interrupt flags are acknowledged up front, even when the
// call then fails, so the interrupt register can never get stuck.
//
// A packet longer than buf is silently truncated: the returned length equals
// len(buf) and the rest of the payload is dropped.
func (d *Device) ReceivePacket(buf []byte) (int, error) {
	irq, err := d.readRegister(regIrqFlags)
	if err != nil {
		return 0, err
	}
	if err := d.writeRegister(regIrqFlags, irq); err != nil {
		return 0, err
	}

	if irq&IrqRxDoneMask == 0 {
		return 0, fmt.Errorf("%w: %w", ErrPkg, ErrNoData)
	}
	if irq&IrqPayloadCrcErrorMask != 0 {
		return 0, fmt.Errorf("%w: %w", ErrPkg, ErrCRC)
	}

	// Implicit header mode fixes the length by configuration; explicit mode
	// reports the received byte count.
	lengthReg := byte(regRxNbBytes)
	if d.implicitHeader {
		lengthReg = regPayloadLength
	}
	length, err := d.readRegister(lengthReg)
	if err != nil {
		return 0, err
	}

	if err := d.SetModeStandby(); err != nil {
		return 0, err
	}

	rxAddr, err := d.readRegister(regFifoRxCurrentAddr)
	if err != nil {
		return 0, err
	}
	if err := d.writeRegister(regFifoAddrPtr, rxAddr); err != nil {
		return 0, err
	}

	n := int(length)
	if n > len(buf) {
		n = len(buf)
	}
	if err := d.readBurst(regFifo, buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// PollReceived checks for a pending packet without consuming it. When a
// corrupt packet is flagged, only the CRC-error bit is acknowledged; the
// receive-done flag is left for a subsequent ReceivePacket call.
func (d *Device) PollReceived() (received, crcError bool, err error) {
	irq, err := d.readRegister(regIrqFlags)
	if err != nil {
		return false, false, err
	}
	if irq&IrqRxDoneMask == 0 {
		return false, false, nil
	}
	if irq&IrqPayloadCrcErrorMask != 0 {
		return true, true, d.writeRegister(regIrqFlags, IrqPayloadCrcErrorMask)
	}
	return true, false, nil
}

// --- Diagnostics ---

// IRQFlags returns the raw interrupt flag register. The Irq*Mask constants
// decode it.
func (d *Device) IRQFlags() (byte, error) {
	return d.readRegister(regIrqFlags)
}

// LostPackets returns the number of transmit attempts that timed out since
// the device was created.
func (d *Device) LostPackets() uint32 {
	return d.lostPackets
}

// PacketRSSI returns the signal strength of the last received packet in dBm.
func (d *Device) PacketRSSI() (int, error) {
	raw, err := d.readRegister(regPktRssiValue)
	if err != nil {
		return 0, err
	}
	// The offset depends on the band the chip was last tuned to.
	offset := 157
	if d.frequencyHz < 868_000_000 {
		offset = 164
	}
	return int(raw) - offset, nil
}

// PacketSNR returns the signal-to-noise ratio of the last received packet in
// dB, in 0.25 dB steps.
func (d *Device) PacketSNR() (float64, error) {
	raw, err := d.readRegister(regPktSnrValue)
	if err != nil {
		return 0, err
	}
	return float64(int8(raw)) * 0.25, nil
}

// DumpRegisters reads the 64 low registers and formats them as a hex table,
// 16 per row.
func (d *Device) DumpRegisters() (string, error) {
	var b strings.Builder
	b.WriteString("     00 01 02 03 04 05 06 07 08 09 0A 0B 0C 0D 0E 0F\n")
	for reg := byte(0); reg < 0x40; reg++ {
		if reg&0x0F == 0 {
			fmt.Fprintf(&b, "0x%02X:", reg)
		}
		v, err := d.readRegister(reg)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, " %02X", v)
		if reg&0x0F == 0x0F {
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

// ReadRegister reads a raw register byte. Escape hatch for registers the
// typed API does not cover.
func (d *Device) ReadRegister(reg byte) (byte, error) {
	return d.readRegister(reg)
}

// WriteRegister writes a raw register byte. Escape hatch for registers the
// typed API does not cover.
func (d *Device) WriteRegister(reg, val byte) error {
	return d.writeRegister(reg, val)
}

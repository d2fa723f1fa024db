package sx127x

// --- SX127x Registers/Modes/Bits ---

// SX127x register addresses (LoRa page). The set is closed: addresses are
// constants, never computed.
const (
	regFifo               = 0x00
	regOpMode             = 0x01
	regFrfMsb             = 0x06
	regFrfMid             = 0x07
	regFrfLsb             = 0x08
	regPaConfig           = 0x09
	regLna                = 0x0C
	regFifoAddrPtr        = 0x0D
	regFifoTxBaseAddr     = 0x0E
	regFifoRxBaseAddr     = 0x0F
	regFifoRxCurrentAddr  = 0x10
	regIrqFlags           = 0x12
	regRxNbBytes          = 0x13
	regPktSnrValue        = 0x19
	regPktRssiValue       = 0x1A
	regModemConfig1       = 0x1D
	regModemConfig2       = 0x1E
	regPreambleMsb        = 0x20
	regPreambleLsb        = 0x21
	regPayloadLength      = 0x22
	regModemConfig3       = 0x26
	regDetectionOptimize  = 0x31
	regDetectionThreshold = 0x37
	regSyncWord           = 0x39
	regDioMapping1        = 0x40
	regDioMapping2        = 0x41
	regVersion            = 0x42
)

// Transceiver operating modes. Every mode write combines the long-range bit
// with the target mode bits.
const (
	modeLongRange    = 0x80
	modeSleep        = 0x00
	modeStandby      = 0x01
	modeTx           = 0x03
	modeRxContinuous = 0x05
)

// IRQ flag masks (RegIrqFlags).
const (
	IrqTxDoneMask          byte = 0x08
	IrqPayloadCrcErrorMask byte = 0x20
	IrqRxDoneMask          byte = 0x40
)

// PA configuration.
const paBoost = 0x80

// chipVersion is the silicon revision RegVersion reports on every SX127x
// variant this driver supports.
const chipVersion = 0x12

// Signal bandwidth register values (RegModemConfig1 bits 7:4).
const (
	Bandwidth7_8kHz byte = iota
	Bandwidth10_4kHz
	Bandwidth15_6kHz
	Bandwidth20_8kHz
	Bandwidth31_25kHz
	Bandwidth41_7kHz
	Bandwidth62_5kHz
	Bandwidth125kHz
	Bandwidth250kHz
	Bandwidth500kHz
)

// Spreading factor 6 needs alternate detection constants; every other factor
// uses the defaults.
const (
	detectionOptimizeSF6  = 0xC5
	detectionThresholdSF6 = 0x0C
	detectionOptimizeStd  = 0xC3
	detectionThresholdStd = 0x0A
)

// field describes a bit window inside a register. All read-modify-write
// setters and getters go through it so the masking logic lives in one place.
type field struct {
	reg   byte
	shift uint8
	width uint8
}

func (f field) mask() byte {
	return byte(1<<f.width-1) << f.shift
}

// insert places v into the field's window of cur, preserving the other bits.
func (f field) insert(cur, v byte) byte {
	return (cur &^ f.mask()) | ((v << f.shift) & f.mask())
}

func (f field) extract(cur byte) byte {
	return (cur & f.mask()) >> f.shift
}

var (
	fieldSpreadingFactor = field{regModemConfig2, 4, 4}
	fieldCrcOn           = field{regModemConfig2, 2, 1}
	fieldBandwidth       = field{regModemConfig1, 4, 4}
	fieldCodingRate      = field{regModemConfig1, 1, 3}
	fieldImplicitHeader  = field{regModemConfig1, 0, 1}
	fieldLnaBoostHf      = field{regLna, 0, 2}
)

// DIO pin mapping windows: two bits per pin, pins 0-3 in RegDioMapping1 and
// pins 4-5 in RegDioMapping2.
var dioFields = [6]field{
	{regDioMapping1, 6, 2},
	{regDioMapping1, 4, 2},
	{regDioMapping1, 2, 2},
	{regDioMapping1, 0, 2},
	{regDioMapping2, 6, 2},
	{regDioMapping2, 4, 2},
}

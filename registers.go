package rfm69

import "fmt"

// Register is an 8-bit RFM69 (SX1231) register address.
type Register byte

// RFM69 register map.
const (
	RegFifo          Register = 0x00
	RegOpMode        Register = 0x01
	RegDataModul     Register = 0x02
	RegBitrateMsb    Register = 0x03
	RegBitrateLsb    Register = 0x04
	RegFdevMsb       Register = 0x05
	RegFdevLsb       Register = 0x06
	RegFrfMsb        Register = 0x07
	RegFrfMid        Register = 0x08
	RegFrfLsb        Register = 0x09
	RegOsc1          Register = 0x0A
	RegAfcCtrl       Register = 0x0B
	RegListen1       Register = 0x0D
	RegListen2       Register = 0x0E
	RegListen3       Register = 0x0F
	RegVersion       Register = 0x10
	RegPaLevel       Register = 0x11
	RegPaRamp        Register = 0x12
	RegOcp           Register = 0x13
	RegLna           Register = 0x18
	RegRxBw          Register = 0x19
	RegAfcBw         Register = 0x1A
	RegOokPeak       Register = 0x1B
	RegOokAvg        Register = 0x1C
	RegOokFix        Register = 0x1D
	RegAfcFei        Register = 0x1E
	RegAfcMsb        Register = 0x1F
	RegAfcLsb        Register = 0x20
	RegFeiMsb        Register = 0x21
	RegFeiLsb        Register = 0x22
	RegRssiConfig    Register = 0x23
	RegRssiValue     Register = 0x24
	RegDioMapping1   Register = 0x25
	RegDioMapping2   Register = 0x26
	RegIrqFlags1     Register = 0x27
	RegIrqFlags2     Register = 0x28
	RegRssiThresh    Register = 0x29
	RegRxTimeout1    Register = 0x2A
	RegRxTimeout2    Register = 0x2B
	RegPreambleMsb   Register = 0x2C
	RegPreambleLsb   Register = 0x2D
	RegSyncConfig    Register = 0x2E
	RegSyncValue1    Register = 0x2F
	RegSyncValue2    Register = 0x30
	RegSyncValue3    Register = 0x31
	RegSyncValue4    Register = 0x32
	RegSyncValue5    Register = 0x33
	RegSyncValue6    Register = 0x34
	RegSyncValue7    Register = 0x35
	RegSyncValue8    Register = 0x36
	RegPacketConfig1 Register = 0x37
	RegPayloadLength Register = 0x38
	RegNodeAdrs      Register = 0x39
	RegBroadcastAdrs Register = 0x3A
	RegAutoModes     Register = 0x3B
	RegFifoThresh    Register = 0x3C
	RegPacketConfig2 Register = 0x3D
	RegAesKey1       Register = 0x3E // AES key occupies 0x3E..0x4D, never written
	RegAesKey16      Register = 0x4D
	RegTemp1         Register = 0x4E
	RegTemp2         Register = 0x4F
	RegTestLna       Register = 0x58
	RegTestPa1       Register = 0x5A // RFM69HW only, never written
	RegTestPa2       Register = 0x5C // RFM69HW only, never written
	RegTestDagc      Register = 0x6F
	RegTestAfc       Register = 0x71
)

var registerNames = map[Register]string{
	RegFifo:          "Fifo",
	RegOpMode:        "OpMode",
	RegDataModul:     "DataModul",
	RegBitrateMsb:    "BitrateMsb",
	RegBitrateLsb:    "BitrateLsb",
	RegFdevMsb:       "FdevMsb",
	RegFdevLsb:       "FdevLsb",
	RegFrfMsb:        "FrfMsb",
	RegFrfMid:        "FrfMid",
	RegFrfLsb:        "FrfLsb",
	RegOsc1:          "Osc1",
	RegAfcCtrl:       "AfcCtrl",
	RegListen1:       "Listen1",
	RegListen2:       "Listen2",
	RegListen3:       "Listen3",
	RegVersion:       "Version",
	RegPaLevel:       "PaLevel",
	RegPaRamp:        "PaRamp",
	RegOcp:           "Ocp",
	RegLna:           "Lna",
	RegRxBw:          "RxBw",
	RegAfcBw:         "AfcBw",
	RegOokPeak:       "OokPeak",
	RegOokAvg:        "OokAvg",
	RegOokFix:        "OokFix",
	RegAfcFei:        "AfcFei",
	RegAfcMsb:        "AfcMsb",
	RegAfcLsb:        "AfcLsb",
	RegFeiMsb:        "FeiMsb",
	RegFeiLsb:        "FeiLsb",
	RegRssiConfig:    "RssiConfig",
	RegRssiValue:     "RssiValue",
	RegDioMapping1:   "DioMapping1",
	RegDioMapping2:   "DioMapping2",
	RegIrqFlags1:     "IrqFlags1",
	RegIrqFlags2:     "IrqFlags2",
	RegRssiThresh:    "RssiThresh",
	RegRxTimeout1:    "RxTimeout1",
	RegRxTimeout2:    "RxTimeout2",
	RegPreambleMsb:   "PreambleMsb",
	RegPreambleLsb:   "PreambleLsb",
	RegSyncConfig:    "SyncConfig",
	RegSyncValue1:    "SyncValue1",
	RegSyncValue2:    "SyncValue2",
	RegSyncValue3:    "SyncValue3",
	RegSyncValue4:    "SyncValue4",
	RegSyncValue5:    "SyncValue5",
	RegSyncValue6:    "SyncValue6",
	RegSyncValue7:    "SyncValue7",
	RegSyncValue8:    "SyncValue8",
	RegPacketConfig1: "PacketConfig1",
	RegPayloadLength: "PayloadLength",
	RegNodeAdrs:      "NodeAdrs",
	RegBroadcastAdrs: "BroadcastAdrs",
	RegAutoModes:     "AutoModes",
	RegFifoThresh:    "FifoThresh",
	RegPacketConfig2: "PacketConfig2",
	RegTemp1:         "Temp1",
	RegTemp2:         "Temp2",
	RegTestLna:       "TestLna",
	RegTestPa1:       "TestPa1",
	RegTestPa2:       "TestPa2",
	RegTestDagc:      "TestDagc",
	RegTestAfc:       "TestAfc",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	if r >= RegAesKey1 && r <= RegAesKey16 {
		return fmt.Sprintf("AesKey%d", r-RegAesKey1+1)
	}
	return fmt.Sprintf("Reg(0x%02X)", byte(r))
}

const (
	_WRITE = 0x80 // register address write bit
	_READ  = 0x7F
)

// RegOpMode bits
const (
	_OPMODE_MASK = 0x1C

	_OPMODE_SLEEP       = 0x00
	_OPMODE_STANDBY     = 0x04
	_OPMODE_SYNTHESIZER = 0x08
	_OPMODE_TRANSMITTER = 0x0C
	_OPMODE_RECEIVER    = 0x10
)

// RegIrqFlags1 / RegIrqFlags2 bits
const (
	_IRQ1_MODEREADY = 0x80

	_IRQ2_FIFOFULL     = 0x80
	_IRQ2_FIFONOTEMPTY = 0x40
	_IRQ2_FIFOLEVEL    = 0x20
	_IRQ2_FIFOOVERRUN  = 0x10
	_IRQ2_PACKETSENT   = 0x08
	_IRQ2_PAYLOADREADY = 0x04
	_IRQ2_CRCOK        = 0x02
)

// RegDioMapping1 values for DIO0
const (
	_DIO0_PACKETSENT   = 0x00 // mapping 00 in TX
	_DIO0_PAYLOADREADY = 0x40 // mapping 01 in RX
)

const (
	// fifoSize is the depth of the chip FIFO in bytes.
	fifoSize = 66
	// headerSize counts destination, source and service bytes. The length
	// byte in front of them is not included.
	headerSize = 3
	// MaxPayloadSize is the largest application payload one frame can carry.
	MaxPayloadSize = 62
	// maxFrameLength is the largest valid length byte.
	maxFrameLength = headerSize + MaxPayloadSize
)

// Handshake sentinels written to RegSyncValue1 before anything else.
const (
	handshakeFirst  = 0xAA
	handshakeSecond = 0x55
)

// syncWord is the first sync byte; the network id is the second one.
const syncWord = 0x2D

type regValue struct {
	reg Register
	val byte
}

// defaultConfig is the fixed modem setup: packet mode FSK at 55.5 kbps with
// 50 kHz deviation on 868 MHz, matching the LowPowerLab RFM69 library
// defaults so those nodes can talk to the gateway.
var defaultConfig = []regValue{
	{RegDataModul, 0x00},      // packet mode, FSK, no shaping
	{RegBitrateMsb, 0x02},     // 55555 bps
	{RegBitrateLsb, 0x40},     //
	{RegFdevMsb, 0x03},        // 50 kHz
	{RegFdevLsb, 0x33},        //
	{RegFrfMsb, 0xD9},         // 868 MHz
	{RegFrfMid, 0x00},         //
	{RegFrfLsb, 0x00},         //
	{RegRxBw, 0x42},           // DccFreq 010, Mant 16, Exp 2
	{RegDioMapping1, 0x40},    // DIO0 = PayloadReady in RX
	{RegDioMapping2, 0x07},    // ClkOut off
	{RegIrqFlags2, 0x10},      // FifoOverrun: clears FIFO and status flags
	{RegRssiThresh, 220},      // -110 dBm
	{RegSyncConfig, 0x88},     // sync on, fifo fill auto, 2 bytes, 0 tolerance
	{RegSyncValue1, syncWord}, //
	{RegPacketConfig1, 0x90},  // variable length, CRC on, no address filtering
	{RegPayloadLength, fifoSize},
	{RegFifoThresh, 0x8F},    // TX starts on FIFO not empty
	{RegPacketConfig2, 0x12}, // RxRestartDelay 2 bits, AutoRxRestart on, AES off
	{RegTestDagc, 0x30},      // improved DAGC, low beta off
}

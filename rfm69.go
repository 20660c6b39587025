package rfm69

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPkg           = errors.New("rfm69")
	ErrTimeout       = errors.New("timeout waiting for device")
	ErrFrameTooLarge = errors.New("frame payload too large")
	ErrClosed        = errors.New("device closed")
)

// Mode is the chip operating mode, encoded as the RegOpMode mode bits.
type Mode byte

const (
	ModeSleep   Mode = _OPMODE_SLEEP
	ModeStandby Mode = _OPMODE_STANDBY
	ModeSynth   Mode = _OPMODE_SYNTHESIZER
	ModeTx      Mode = _OPMODE_TRANSMITTER
	ModeRx      Mode = _OPMODE_RECEIVER

	// modeUnknown forces the next setMode to touch the chip.
	modeUnknown Mode = 0xFF
)

func (m Mode) String() string {
	switch m {
	case ModeSleep:
		return "sleep"
	case ModeStandby:
		return "standby"
	case ModeSynth:
		return "synth"
	case ModeTx:
		return "tx"
	case ModeRx:
		return "rx"
	default:
		return "unknown"
	}
}

const (
	defaultHandshakeTimeout = 50 * time.Millisecond
	defaultModeTimeout      = 50 * time.Millisecond
	// A 65 byte frame at 55.5 kbps is on air for roughly 10ms.
	defaultTxTimeout = 500 * time.Millisecond

	pollInterval        = time.Millisecond
	receivePollInterval = 5 * time.Millisecond
)

type RadioConfig struct {
	// NetworkID is the second sync word byte. Only radios sharing it hear
	// each other.
	NetworkID byte
	// NodeAddress is the address of this radio. The chip does no address
	// filtering; the value is reported by Address for the protocol layer.
	NodeAddress byte
	// HandshakeTimeout bounds each of the two scratch register echo tests
	// run before configuring the chip.
	// Defaults to 50ms if not provided.
	HandshakeTimeout time.Duration
	// ModeTimeout bounds the wait for ModeReady after each mode change.
	// Defaults to 50ms if not provided.
	ModeTimeout time.Duration
	// TxTimeout bounds the wait for PacketSent after starting a transmission.
	// Defaults to 500ms if not provided.
	TxTimeout time.Duration
}

type HardwareConfig struct {
	RadioConfig
	// IRQ is the DIO0 pin.
	// Optional. If not provided, the driver polls for received packets.
	IRQ Pin
	// Reset is the RESET pin.
	// Optional. If provided, the chip is reset before initialization.
	Reset Pin
}

// Device is an RFM69 transceiver kept in receive mode except while sending.
//
// Every register transaction and mode change happens under one mutex, so a
// send and the interrupt handler never interleave on the bus. Received frames
// go through a separate bounded queue which the consumer drains with Dequeue
// without waiting on the bus.
type Device struct {
	config  HardwareConfig
	conn    SPI
	port    io.Closer
	mu      sync.Mutex
	mode    Mode
	closed  bool
	scratch [fifoSize + 2]byte // register address + length byte + FIFO

	rx      *frameQueue
	dropped atomic.Uint64

	stopPoll chan struct{}
	pollDone chan struct{}
}

// NewWithHardware creates and initializes a new RFM69 driver with the provided hardware interfaces.
// The chip is left in receive mode, listening on c.NetworkID.
func NewWithHardware(c HardwareConfig, conn SPI) (*Device, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: SPI connection not configured", ErrPkg)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.ModeTimeout <= 0 {
		c.ModeTimeout = defaultModeTimeout
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = defaultTxTimeout
	}

	dev := &Device{
		config: c,
		conn:   conn,
		mode:   modeUnknown,
		rx:     newFrameQueue(QueueCapacity),
	}

	globalLogger.Info("Initializing RFM69 SPI communication...")

	if c.Reset != nil {
		if err := dev.reset(); err != nil {
			return nil, fmt.Errorf("%w: reset: %w", ErrPkg, err)
		}
	}

	if err := dev.initialize(); err != nil {
		return nil, err
	}

	if c.IRQ != nil {
		if err := c.IRQ.In(PullDown); err != nil {
			return nil, fmt.Errorf("%w: failed to configure IRQ pin: %w", ErrPkg, err)
		}
		// DIO0 is active high.
		if err := c.IRQ.Watch(RisingEdge, dev.HandleInterrupt); err != nil {
			return nil, fmt.Errorf("%w: failed to watch IRQ pin: %w", ErrPkg, err)
		}
		// DIO0 stays high until the FIFO is read, so a packet that landed
		// before the watch was armed would never raise another edge.
		dev.HandleInterrupt()
	} else {
		globalLogger.Warn("IRQ pin not configured, polling for packets")
		dev.stopPoll = make(chan struct{})
		dev.pollDone = make(chan struct{})
		go dev.poll(dev.stopPoll, dev.pollDone)
	}

	globalLogger.Info("RFM69 initialized. Listening on network " + fmt.Sprint(c.NetworkID))
	return dev, nil
}

func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return fmt.Sprintf("RFM69(NetworkID=%d, Address=%d, Mode=%s, Queued=%d, Dropped=%d)",
		d.config.NetworkID,
		d.config.NodeAddress,
		d.mode,
		d.rx.len(),
		d.dropped.Load(),
	)
}

// Address returns the node address this radio was configured with.
func (d *Device) Address() byte {
	return d.config.NodeAddress
}

// Close puts the chip to sleep and releases the bus and the interrupt line.
// This method is concurrent safe.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	// Stop the interrupt sources without holding the lock: the handler takes it.
	if d.config.IRQ != nil {
		if err := d.config.IRQ.Unwatch(); err != nil {
			globalLogger.Warn("Failed to unwatch IRQ pin: " + err.Error())
		}
	}
	if d.stopPoll != nil {
		close(d.stopPoll)
		<-d.pollDone
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.setMode(ModeSleep)
	if err == nil {
		globalLogger.Info("RFM69 put to sleep.")
	}

	if d.port != nil {
		if cerr := d.port.Close(); cerr != nil {
			globalLogger.Warn("Failed to close SPI port")
			if err == nil {
				err = cerr
			}
		} else {
			globalLogger.Info("SPI bus closed.")
		}
	}
	return err
}

// --- Bus access, call with lock held ---

func (d *Device) spiTransfer(n int) error {
	// Full-duplex on the scratch buffer: the reply overwrites the request.
	slice := d.scratch[:n]
	if err := d.conn.Tx(slice, slice); err != nil {
		globalLogger.Error("SPI Transfer Error: " + err.Error())
		return err
	}
	return nil
}

func (d *Device) writeRegister(reg Register, val byte) error {
	d.scratch[0] = byte(reg) | _WRITE
	d.scratch[1] = val
	return d.spiTransfer(2)
}

func (d *Device) readRegister(reg Register) (byte, error) {
	d.scratch[0] = byte(reg) & _READ
	d.scratch[1] = 0
	if err := d.spiTransfer(2); err != nil {
		return 0, err
	}
	return d.scratch[1], nil
}

// readFIFO bursts n bytes out of the FIFO. The result aliases the scratch
// buffer and is only valid until the next transfer.
func (d *Device) readFIFO(n int) ([]byte, error) {
	d.scratch[0] = byte(RegFifo)
	for i := 1; i <= n; i++ {
		d.scratch[i] = 0
	}
	if err := d.spiTransfer(n + 1); err != nil {
		return nil, err
	}
	return d.scratch[1 : n+1], nil
}

// waitFlag polls reg until one of the mask bits is set or timeout expires.
func (d *Device) waitFlag(reg Register, mask byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		v, err := d.readRegister(reg)
		if err != nil {
			return err
		}
		if v&mask != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(pollInterval)
	}
}

// --- Initialization ---

// reset pulses RESET high for 100µs, then gives the chip 5ms to come up.
func (d *Device) reset() error {
	if err := d.config.Reset.Out(High); err != nil {
		return err
	}
	time.Sleep(100 * time.Microsecond)
	if err := d.config.Reset.Out(Low); err != nil {
		return err
	}
	time.Sleep(5 * time.Millisecond)
	return nil
}

func (d *Device) initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.handshake(); err != nil {
		return err
	}

	for _, rv := range defaultConfig {
		if err := d.writeRegister(rv.reg, rv.val); err != nil {
			return fmt.Errorf("%w: configure %s: %w", ErrPkg, rv.reg, err)
		}
	}
	if err := d.writeRegister(RegSyncValue2, d.config.NetworkID); err != nil {
		return fmt.Errorf("%w: configure %s: %w", ErrPkg, RegSyncValue2, err)
	}
	if err := d.setMode(ModeStandby); err != nil {
		return err
	}
	return d.enableReceiver()
}

// handshake writes two different sentinels to a scratch register and waits
// for each to read back, proving the bus works before it is trusted.
func (d *Device) handshake() error {
	for _, sentinel := range [...]byte{handshakeFirst, handshakeSecond} {
		deadline := time.Now().Add(d.config.HandshakeTimeout)
		for {
			if err := d.writeRegister(RegSyncValue1, sentinel); err != nil {
				return fmt.Errorf("%w: handshake: %w", ErrPkg, err)
			}
			v, err := d.readRegister(RegSyncValue1)
			if err != nil {
				return fmt.Errorf("%w: handshake: %w", ErrPkg, err)
			}
			if v == sentinel {
				break
			}
			if time.Now().After(deadline) {
				globalLogger.Error("RFM69 did not answer the handshake: check wiring/power")
				return fmt.Errorf("%w: handshake: %w", ErrPkg, ErrTimeout)
			}
			time.Sleep(pollInterval)
		}
	}
	return nil
}

// --- Mode state machine ---

// SetMode switches the chip to m and waits for ModeReady.
// Setting the current mode again does not touch the chip.
// This method is concurrent safe.
func (d *Device) SetMode(m Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("%w: %w", ErrPkg, ErrClosed)
	}
	return d.setMode(m)
}

// Mode returns the mode the driver last put the chip in.
// This method is concurrent safe.
func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *Device) setMode(m Mode) error {
	if m == d.mode {
		return nil
	}
	if err := d.writeRegister(RegOpMode, byte(m)&_OPMODE_MASK); err != nil {
		d.mode = modeUnknown
		return fmt.Errorf("%w: mode %s: %w", ErrPkg, m, err)
	}
	if err := d.waitFlag(RegIrqFlags1, _IRQ1_MODEREADY, d.config.ModeTimeout); err != nil {
		d.mode = modeUnknown
		if errors.Is(err, ErrTimeout) {
			globalLogger.Error("timeout waiting for ModeReady entering " + m.String())
		}
		return fmt.Errorf("%w: mode %s: %w", ErrPkg, m, err)
	}
	d.mode = m
	return nil
}

// EnableReceiver discards whatever is left in the FIFO and starts listening.
// This method is concurrent safe.
func (d *Device) EnableReceiver() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("%w: %w", ErrPkg, ErrClosed)
	}
	return d.enableReceiver()
}

func (d *Device) enableReceiver() error {
	if err := d.setMode(ModeStandby); err != nil {
		return err
	}
	if err := d.drainFIFO(); err != nil {
		return err
	}
	if err := d.writeRegister(RegDioMapping1, _DIO0_PAYLOADREADY); err != nil {
		return err
	}
	return d.setMode(ModeRx)
}

// drainFIFO reads and discards FIFO bytes while the overrun flag is raised.
// If the flag outlives a full FIFO worth of reads, it is cleared by hand,
// which also empties the FIFO.
func (d *Device) drainFIFO() error {
	for i := 0; i <= fifoSize; i++ {
		flags, err := d.readRegister(RegIrqFlags2)
		if err != nil {
			return err
		}
		if flags&_IRQ2_FIFOOVERRUN == 0 {
			return nil
		}
		if _, err := d.readRegister(RegFifo); err != nil {
			return err
		}
	}
	globalLogger.Warn("FIFO overrun flag stuck, clearing FIFO")
	return d.writeRegister(RegIrqFlags2, _IRQ2_FIFOOVERRUN)
}

// --- Transmit ---

// SendFrame transmits f and returns to receive mode.
// It blocks until the chip reports PacketSent or TxTimeout expires.
// A payload over MaxPayloadSize is rejected with ErrFrameTooLarge before
// any bus access. f.RSSI is ignored.
// This method is concurrent safe, but must not be called from an IRQ handler.
func (d *Device) SendFrame(f Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %w (%d bytes), limit is %d", ErrPkg, ErrFrameTooLarge, len(f.Payload), MaxPayloadSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("%w: %w", ErrPkg, ErrClosed)
	}

	if err := d.transmit(f); err != nil {
		if rerr := d.listen(); rerr != nil {
			globalLogger.Error("failed to return to receive mode: " + rerr.Error())
		}
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return d.listen()
}

func (d *Device) transmit(f Frame) error {
	if err := d.setMode(ModeStandby); err != nil {
		return err
	}
	if err := d.drainFIFO(); err != nil {
		return err
	}
	if err := d.writeRegister(RegDioMapping1, _DIO0_PACKETSENT); err != nil {
		return err
	}

	d.scratch[0] = byte(RegFifo) | _WRITE
	d.scratch[1] = byte(headerSize + len(f.Payload))
	d.scratch[2] = f.Destination
	d.scratch[3] = f.Source
	d.scratch[4] = f.Service
	copy(d.scratch[5:], f.Payload)
	if err := d.spiTransfer(5 + len(f.Payload)); err != nil {
		return err
	}

	if err := d.setMode(ModeTx); err != nil {
		return err
	}
	if err := d.waitFlag(RegIrqFlags2, _IRQ2_PACKETSENT, d.config.TxTimeout); err != nil {
		if errors.Is(err, ErrTimeout) {
			globalLogger.Error("timeout waiting for PacketSent")
		}
		return fmt.Errorf("%w: %w", ErrPkg, err)
	}
	return nil
}

// listen remaps DIO0 to PayloadReady and switches to receive mode.
func (d *Device) listen() error {
	if err := d.writeRegister(RegDioMapping1, _DIO0_PAYLOADREADY); err != nil {
		return err
	}
	return d.setMode(ModeRx)
}

// --- Receive ---

// HandleInterrupt services the DIO0 line: if the chip holds a complete
// packet it is read out and queued, and the chip goes back to receive mode.
// It does nothing when no packet is ready, so it is safe to call on any edge
// or from a polling loop.
// If the queue is full the frame is dropped and counted (see Dropped).
// This method is concurrent safe.
func (d *Device) HandleInterrupt() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	f, ok, err := d.receive()
	d.mu.Unlock()

	if err != nil {
		globalLogger.Error("receive failed: " + err.Error())
	}
	if !ok {
		return
	}
	if !d.rx.push(f) {
		d.dropped.Add(1)
		globalLogger.Warn("inbound queue full, dropping " + f.String())
	}
}

func (d *Device) receive() (Frame, bool, error) {
	flags, err := d.readRegister(RegIrqFlags2)
	if err != nil {
		return Frame{}, false, err
	}
	if flags&_IRQ2_PAYLOADREADY == 0 {
		return Frame{}, false, nil
	}

	// Standby stops reception, so the FIFO cannot change under us.
	if err := d.setMode(ModeStandby); err != nil {
		return Frame{}, false, err
	}

	length, err := d.readRegister(RegFifo)
	if err != nil {
		return Frame{}, false, err
	}
	// RSSI decays once the receiver is off; sample it before anything else.
	raw, err := d.readRegister(RegRssiValue)
	if err != nil {
		return Frame{}, false, err
	}

	if length < headerSize || int(length) > maxFrameLength {
		d.dropped.Add(1)
		globalLogger.Warn("discarding malformed frame with length " + fmt.Sprint(length))
		if err := d.writeRegister(RegIrqFlags2, _IRQ2_FIFOOVERRUN); err != nil {
			return Frame{}, false, err
		}
		return Frame{}, false, d.setMode(ModeRx)
	}

	hdr, err := d.readFIFO(headerSize)
	if err != nil {
		return Frame{}, false, err
	}
	f := Frame{
		Destination: hdr[0],
		Source:      hdr[1],
		Service:     hdr[2],
		RSSI:        -int16(raw) / 2,
	}

	n := int(length) - headerSize
	f.Payload = make([]byte, n)
	if n > 0 {
		data, err := d.readFIFO(n)
		if err != nil {
			return Frame{}, false, err
		}
		copy(f.Payload, data)
	}

	// The frame is complete; a failure to restart the receiver is reported
	// but does not lose it.
	return f, true, d.setMode(ModeRx)
}

func (d *Device) poll(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(receivePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.HandleInterrupt()
		}
	}
}

// Dequeue returns the oldest received frame, if any.
// This method is concurrent safe.
func (d *Device) Dequeue() (Frame, bool) {
	return d.rx.pop()
}

// Pending returns the number of received frames waiting in the queue.
// This method is concurrent safe.
func (d *Device) Pending() int {
	return d.rx.len()
}

// Dropped returns how many received frames were discarded, either because
// the queue was full or because they were malformed.
func (d *Device) Dropped() uint64 {
	return d.dropped.Load()
}

// --- Diagnostics ---

// ReadRegisters returns the contents of registers from..to inclusive.
// The FIFO register is skipped (reading it would consume a byte) and
// reported as zero.
// This method is concurrent safe.
func (d *Device) ReadRegisters(from, to Register) ([]byte, error) {
	if to < from {
		return nil, fmt.Errorf("%w: invalid register range %s..%s", ErrPkg, from, to)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("%w: %w", ErrPkg, ErrClosed)
	}

	out := make([]byte, 0, int(to)-int(from)+1)
	for r := int(from); r <= int(to); r++ {
		if Register(r) == RegFifo {
			out = append(out, 0)
			continue
		}
		v, err := d.readRegister(Register(r))
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrPkg, Register(r), err)
		}
		out = append(out, v)
	}
	return out, nil
}

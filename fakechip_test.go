package rfm69

import (
	"sync"
)

// --- Mocks ---

type spiOp struct {
	write bool
	reg   Register
	data  []byte
}

// fakeChip is a register-file model of the RFM69 good enough to drive the
// driver through init, send and receive. Every transaction is recorded.
type fakeChip struct {
	mu   sync.Mutex
	regs [0x80]byte

	rxFIFO       []byte
	payloadReady bool
	overrun      bool
	txFrames     [][]byte

	dead      bool // reads return 0, as with nothing on the bus
	stuckMode bool // ModeReady never rises
	stuckTx   bool // PacketSent never rises

	ops []spiOp
}

func (c *fakeChip) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// w and r may be the same slice; take what we need from w first.
	reg := Register(w[0] & _READ)
	if w[0]&_WRITE != 0 {
		data := append([]byte(nil), w[1:]...)
		c.ops = append(c.ops, spiOp{write: true, reg: reg, data: data})
		switch reg {
		case RegFifo:
			c.txFrames = append(c.txFrames, data)
		case RegIrqFlags2:
			if data[0]&_IRQ2_FIFOOVERRUN != 0 {
				c.overrun = false
				c.payloadReady = false
				c.rxFIFO = nil
			}
		default:
			c.regs[reg] = data[0]
		}
		return nil
	}

	c.ops = append(c.ops, spiOp{reg: reg})
	r[0] = 0
	for i := 1; i < len(w); i++ {
		r[i] = c.read(reg)
	}
	return nil
}

func (c *fakeChip) read(reg Register) byte {
	if c.dead {
		return 0
	}
	switch reg {
	case RegFifo:
		if len(c.rxFIFO) == 0 {
			return 0
		}
		b := c.rxFIFO[0]
		c.rxFIFO = c.rxFIFO[1:]
		if len(c.rxFIFO) == 0 {
			c.payloadReady = false
			c.overrun = false
		}
		return b
	case RegIrqFlags1:
		if c.stuckMode {
			return 0
		}
		return _IRQ1_MODEREADY
	case RegIrqFlags2:
		var flags byte
		if len(c.rxFIFO) > 0 {
			flags |= _IRQ2_FIFONOTEMPTY
		}
		if c.payloadReady {
			flags |= _IRQ2_PAYLOADREADY
		}
		if c.overrun {
			flags |= _IRQ2_FIFOOVERRUN
		}
		if c.regs[RegOpMode]&_OPMODE_MASK == _OPMODE_TRANSMITTER && !c.stuckTx {
			flags |= _IRQ2_PACKETSENT
		}
		return flags
	default:
		return c.regs[reg]
	}
}

// deliver places a received packet in the FIFO as the chip would, length
// byte first, and raises PayloadReady.
func (c *fakeChip) deliver(dst, src, service byte, payload []byte, rssiRaw byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxFIFO = append(c.rxFIFO, byte(headerSize+len(payload)), dst, src, service)
	c.rxFIFO = append(c.rxFIFO, payload...)
	c.payloadReady = true
	c.regs[RegRssiValue] = rssiRaw
}

func (c *fakeChip) reg(r Register) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[r]
}

func (c *fakeChip) resetLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = nil
	c.txFrames = nil
}

func (c *fakeChip) log() []spiOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]spiOp(nil), c.ops...)
}

// count returns how many reads (write=false) or writes of reg were issued.
func (c *fakeChip) count(write bool, reg Register) int {
	n := 0
	for _, op := range c.log() {
		if op.write == write && op.reg == reg {
			n++
		}
	}
	return n
}

type mockPin struct {
	mu      sync.Mutex
	levels  []Level
	pull    Pull
	edge    Edge
	handler func()
}

func (m *mockPin) Out(l Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels = append(m.levels, l)
	return nil
}

func (m *mockPin) In(pull Pull) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pull = pull
	return nil
}

func (m *mockPin) Read() Level { return Low }

func (m *mockPin) Watch(edge Edge, handler func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edge = edge
	m.handler = handler
	return nil
}

func (m *mockPin) Unwatch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edge = NoEdge
	m.handler = nil
	return nil
}

// fire simulates an edge on the pin.
func (m *mockPin) fire() {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h()
	}
}

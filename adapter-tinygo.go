//go:build tinygo

package rfm69

import (
	"machine"
)

// tinygoPin wraps a machine.Pin to satisfy the Pin interface.
type tinygoPin struct {
	pin     machine.Pin
	pending chan struct{}
}

func (p *tinygoPin) Out(l Level) error {
	p.pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	p.pin.Set(bool(l))
	return nil
}

func (p *tinygoPin) In(pull Pull) error {
	var mPull machine.PinMode
	switch pull {
	case PullUp:
		mPull = machine.PinInputPullup
	case PullDown:
		mPull = machine.PinInputPulldown
	default:
		mPull = machine.PinInput
	}
	p.pin.Configure(machine.PinConfig{Mode: mPull})
	return nil
}

func (p *tinygoPin) Read() Level {
	return Level(p.pin.Get())
}

// Watch runs handler on its own goroutine rather than inside the interrupt:
// the driver takes a mutex and talks SPI, neither of which is allowed in
// interrupt context. The one slot channel coalesces edges that arrive while
// a packet is being read out.
func (p *tinygoPin) Watch(edge Edge, handler func()) error {
	var mEdge machine.PinChange
	switch edge {
	case RisingEdge:
		mEdge = machine.PinRising
	case FallingEdge:
		mEdge = machine.PinFalling
	case BothEdges:
		mEdge = machine.PinToggle
	default:
		return nil
	}

	pending := make(chan struct{}, 1)
	p.pending = pending
	go func() {
		for range pending {
			handler()
		}
	}()

	return p.pin.SetInterrupt(mEdge, func(machine.Pin) {
		select {
		case pending <- struct{}{}:
		default:
		}
	})
}

func (p *tinygoPin) Unwatch() error {
	err := p.pin.SetInterrupt(0, nil)
	if p.pending != nil {
		close(p.pending)
		p.pending = nil
	}
	return err
}

// tinygoSPI wraps a machine.SPI to satisfy the SPI interface.
type tinygoSPI struct {
	spi *machine.SPI
	cs  machine.Pin
}

func (s *tinygoSPI) Tx(w, r []byte) error {
	s.cs.Low()
	err := s.spi.Tx(w, r)
	s.cs.High()
	return err
}

// NewTinyGo creates a new RFM69 driver for TinyGo systems.
// The SPI bus must already be configured. Pass machine.NoPin for irqPin to
// poll instead of using DIO0, and for rstPin if RESET is not wired.
func NewTinyGo(c RadioConfig, spi *machine.SPI, csPin, irqPin, rstPin machine.Pin) (*Device, error) {
	// Configure CS pin as output and set high (inactive)
	csPin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	csPin.High()

	hw := HardwareConfig{RadioConfig: c}
	if irqPin != machine.NoPin {
		hw.IRQ = &tinygoPin{pin: irqPin}
	}
	if rstPin != machine.NoPin {
		hw.Reset = &tinygoPin{pin: rstPin}
	}

	return NewWithHardware(hw, &tinygoSPI{spi: spi, cs: csPin})
}

//go:build !tinygo

package rfm69

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// realPin wraps a gpio.PinIO to satisfy the Pin interface.
type realPin struct {
	gpio.PinIO
	stopWatch chan struct{}
	watching  sync.WaitGroup
}

func toPeriphPull(pull Pull) gpio.Pull {
	switch pull {
	case PullFloat:
		return gpio.Float
	case PullDown:
		return gpio.PullDown
	case PullUp:
		return gpio.PullUp
	default:
		return gpio.PullNoChange
	}
}

func (p *realPin) Out(l Level) error {
	if l == High {
		return p.PinIO.Out(gpio.High)
	}
	return p.PinIO.Out(gpio.Low)
}

func (p *realPin) In(pull Pull) error {
	return p.PinIO.In(toPeriphPull(pull), gpio.NoEdge)
}

func (p *realPin) Read() Level {
	if p.PinIO.Read() == gpio.High {
		return High
	}
	return Low
}

// edgePollTimeout bounds each WaitForEdge so Unwatch is noticed promptly.
const edgePollTimeout = 100 * time.Millisecond

func (p *realPin) Watch(edge Edge, handler func()) error {
	var pEdge gpio.Edge
	pull := gpio.PullUp
	switch edge {
	case RisingEdge:
		pEdge = gpio.RisingEdge
		pull = gpio.PullDown
	case FallingEdge:
		pEdge = gpio.FallingEdge
	case BothEdges:
		pEdge = gpio.BothEdges
	default:
		return fmt.Errorf("%w: no edge to watch", ErrPkg)
	}

	// Ensure we are in input mode with the correct edge detection
	if err := p.PinIO.In(pull, pEdge); err != nil {
		return err
	}

	stop := make(chan struct{})
	p.stopWatch = stop
	p.watching.Add(1)

	go func() {
		defer p.watching.Done()
		for {
			edgeSeen := p.PinIO.WaitForEdge(edgePollTimeout)
			select {
			case <-stop:
				return
			default:
			}
			// A missed edge leaves DIO0 high; level-check as well.
			if edgeSeen || (edge == RisingEdge && p.PinIO.Read() == gpio.High) {
				handler()
			}
		}
	}()
	return nil
}

func (p *realPin) Unwatch() error {
	if p.stopWatch != nil {
		close(p.stopWatch)
		p.stopWatch = nil
		p.watching.Wait()
	}
	// Disable edge detection
	return p.PinIO.In(gpio.PullDown, gpio.NoEdge)
}

// Config holds the configuration for the Linux/periph.io driver.
type Config struct {
	RadioConfig
	// IRQPin is the GPIO pin number (BCM numbering) wired to DIO0.
	// Optional. If not provided, polling is used.
	IRQPin int
	// ResetPin is the GPIO pin number (BCM numbering) wired to RESET.
	// Optional. If not provided, the chip is not reset.
	ResetPin int
	// SpiBusPath is the path to the SPI bus (e.g., "/dev/spidev0.0").
	// Defaults to "/dev/spidev0.0" if not provided.
	SpiBusPath string
	// SpiClockHz is the SPI clock frequency in Hz.
	// Defaults to 1000000 (1MHz) if not provided.
	SpiClockHz int
}

func openPin(n int) (*realPin, error) {
	name := fmt.Sprintf("GPIO%d", n)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("failed to open pin %s", name)
	}
	return &realPin{PinIO: p}, nil
}

// New creates and initializes a new RFM69 driver for Linux systems.
// It applies configuration defaults, initializes the GPIO and SPI interfaces using periph.io,
// and configures the radio module.
// It returns the initialized driver or an error if hardware initialization fails.
func New(c Config) (*Device, error) {
	// 1. Initialize periph.io host (Required for both SPI and GPIO)
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}

	// 2. Default SPI Path
	if c.SpiBusPath == "" {
		c.SpiBusPath = "/dev/spidev0.0"
	}

	// 3. Open the SPI Port
	p, err := spireg.Open(c.SpiBusPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port: %w", err)
	}

	// 4. Default Clock
	if c.SpiClockHz == 0 {
		c.SpiClockHz = 1000000
	}

	// 5. Create the SPI Connection (Mode 0, 8 bits)
	conn, err := p.Connect(physic.Frequency(c.SpiClockHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create SPI connection: %w", err)
	}

	hwConfig := HardwareConfig{RadioConfig: c.RadioConfig}

	// 6. Setup IRQ Pin
	if c.IRQPin != 0 {
		irq, err := openPin(c.IRQPin)
		if err != nil {
			p.Close()
			return nil, err
		}
		hwConfig.IRQ = irq
	}

	// 7. Setup Reset Pin
	if c.ResetPin != 0 {
		rst, err := openPin(c.ResetPin)
		if err != nil {
			p.Close()
			return nil, err
		}
		hwConfig.Reset = rst
	}

	// 8. Call internal constructor
	dev, err := NewWithHardware(hwConfig, conn)
	if err != nil {
		p.Close()
		return nil, err
	}

	// Store the port closer so we can close it later
	dev.port = p
	return dev, nil
}

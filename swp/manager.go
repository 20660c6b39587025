package swp

import (
	"context"
	"fmt"
	"time"

	"github.com/michcald/rfm69"
)

// Radio is what the manager needs from the driver. *rfm69.Device
// satisfies it.
type Radio interface {
	SendFrame(f rfm69.Frame) error
	Dequeue() (rfm69.Frame, bool)
	Pending() int
}

// Manager owns the radio and the registered nodes. It routes received
// frames to their node and drives every node's retry timer.
//
// Register all nodes before calling Cycle or Run. After that the manager
// must only be used from the goroutine running the cycle, including the
// Handler callbacks.
type Manager struct {
	radio   Radio
	address byte
	nodes   []*Node
}

// NewManager returns a manager sending as address on radio.
func NewManager(radio Radio, address byte) *Manager {
	return &Manager{radio: radio, address: address}
}

// Address returns the gateway address.
func (m *Manager) Address() byte {
	return m.address
}

// Register adds n to the manager. Nodes are ticked in registration order.
func (m *Manager) Register(n *Node) error {
	if n.address == m.address {
		return fmt.Errorf("%w: %w: %d is the gateway address", rfm69.ErrPkg, ErrDuplicateNode, n.address)
	}
	for _, existing := range m.nodes {
		if existing.address == n.address {
			return fmt.Errorf("%w: %w: %d", rfm69.ErrPkg, ErrDuplicateNode, n.address)
		}
	}
	n.manager = m
	m.nodes = append(m.nodes, n)
	return nil
}

// Node returns the registered node for address.
func (m *Manager) Node(address byte) (*Node, error) {
	if n := m.lookup(address); n != nil {
		return n, nil
	}
	return nil, fmt.Errorf("%w: %w: %d", rfm69.ErrPkg, ErrUnknownNode, address)
}

// Nodes returns the registered nodes in registration order.
func (m *Manager) Nodes() []*Node {
	return append([]*Node(nil), m.nodes...)
}

func (m *Manager) lookup(address byte) *Node {
	for _, n := range m.nodes {
		if n.address == address {
			return n
		}
	}
	return nil
}

// SendFrame hands f to the radio.
func (m *Manager) SendFrame(f rfm69.Frame) error {
	return m.radio.SendFrame(f)
}

// Cycle runs one management cycle: the frames queued when it starts are
// delivered to their nodes, then every node is ticked once.
// Frames arriving during the cycle wait for the next one.
func (m *Manager) Cycle() {
	for queued := m.radio.Pending(); queued > 0; queued-- {
		f, ok := m.radio.Dequeue()
		if !ok {
			break
		}
		m.dispatch(f)
	}

	for _, n := range m.nodes {
		n.tick()
	}
}

func (m *Manager) dispatch(f rfm69.Frame) {
	if f.Destination != m.address {
		rfm69.Log().Debug("swp: not for us, discarding " + f.String())
		return
	}
	n := m.lookup(f.Source)
	if n == nil {
		rfm69.Log().Debug("swp: unknown source, discarding " + f.String())
		return
	}
	n.onFrameReceived(f)
}

// Run calls Cycle every period until ctx is done.
// It returns ctx.Err().
func (m *Manager) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("%w: invalid cycle period %s", rfm69.ErrPkg, period)
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	rfm69.Log().Info(fmt.Sprintf("swp: managing %d nodes every %s", len(m.nodes), period))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Cycle()
		}
	}
}

package swp

import (
	"fmt"

	"github.com/michcald/rfm69"
)

const (
	// maxRetries is the number of retransmissions after the first attempt.
	maxRetries = 3
	// retryInterval is the number of cycles between transmissions.
	retryInterval = 10
)

// Node is the gateway side of one remote peer. It holds at most one
// outstanding request.
//
// A Node is driven only from Manager.Cycle and the Handler callbacks it
// triggers; it is not safe for use from other goroutines.
type Node struct {
	address byte
	handler Handler
	manager *Manager

	awaiting       bool
	pendingService byte
	pendingPayload []byte
	retries        int
	ticks          int

	lastRSSI int16
}

// NewNode creates a node for the peer at address. It does nothing until it
// is registered with a Manager.
func NewNode(address byte, h Handler) *Node {
	return &Node{address: address, handler: h}
}

func (n *Node) String() string {
	return fmt.Sprintf("Node(%d, awaiting=%t, retries=%d, rssi=%d)", n.address, n.awaiting, n.retries, n.lastRSSI)
}

// Address returns the radio address of the peer.
func (n *Node) Address() byte {
	return n.address
}

// LastRSSI returns the signal strength of the last frame received from the
// peer, in dBm. It is zero until the peer has been heard.
func (n *Node) LastRSSI() int16 {
	return n.lastRSSI
}

// Pending reports whether a request is waiting for its answer.
func (n *Node) Pending() bool {
	return n.awaiting
}

// IssueRequest sends a request to the peer and starts the retry timer.
// Issuing while another request is pending replaces it and restarts the
// retries.
//
// A payload over rfm69.MaxPayloadSize is rejected without changing state.
// Other send errors are returned, but the request stays pending and is
// retried on the usual schedule.
func (n *Node) IssueRequest(service byte, payload []byte) error {
	if n.manager == nil {
		return fmt.Errorf("%w: %w: %d is not registered", rfm69.ErrPkg, ErrUnknownNode, n.address)
	}
	if len(payload) > rfm69.MaxPayloadSize {
		return fmt.Errorf("%w: %w (%d bytes)", rfm69.ErrPkg, rfm69.ErrFrameTooLarge, len(payload))
	}

	n.pendingService = service
	n.pendingPayload = append(n.pendingPayload[:0], payload...)
	n.retries = 0
	n.ticks = 0
	n.awaiting = true

	return n.send()
}

// ReadParameter asks the peer for the value of parameter.
func (n *Node) ReadParameter(parameter byte) error {
	return n.IssueRequest(ServiceReadParameter, []byte{parameter})
}

func (n *Node) send() error {
	return n.manager.SendFrame(rfm69.Frame{
		Source:      n.manager.address,
		Destination: n.address,
		Service:     n.pendingService,
		Payload:     n.pendingPayload,
	})
}

// tick advances the retry timer by one cycle, then runs the OnCycle hook.
func (n *Node) tick() {
	if n.awaiting {
		n.ticks++
		if n.ticks >= retryInterval {
			if n.retries >= maxRetries {
				n.awaiting = false
				rfm69.Log().Warn(fmt.Sprintf("swp: node %d not responding after %d attempts", n.address, maxRetries+1))
				n.handler.OnCommunicationError(n)
			} else {
				n.retries++
				n.ticks = 0
				rfm69.Log().Debug(fmt.Sprintf("swp: node %d retry %d", n.address, n.retries))
				if err := n.send(); err != nil {
					rfm69.Log().Warn(fmt.Sprintf("swp: node %d retry failed: %v", n.address, err))
				}
			}
		}
	}

	n.handler.OnCycle(n)
}

func (n *Node) onFrameReceived(f rfm69.Frame) {
	n.lastRSSI = f.RSSI

	switch f.Service {
	case ServiceParameterValue:
		if len(f.Payload) == 0 {
			rfm69.Log().Warn(fmt.Sprintf("swp: node %d sent an empty parameter value", n.address))
			return
		}
		n.awaiting = false
		n.handler.OnParameterRead(n, f.Payload[0], f.Payload[1:])
	default:
		rfm69.Log().Debug(fmt.Sprintf("swp: node %d: ignoring service %d", n.address, f.Service))
	}
}

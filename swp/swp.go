// Package swp implements the simple wireless protocol spoken between the
// gateway and its nodes on top of an RFM69 radio.
//
// Every exchange is a request from the gateway answered by one frame from the
// node. Requests are retried on a fixed number of management cycles until the
// answer arrives or the retries run out.
package swp

import (
	"errors"
)

// Service identifiers carried in Frame.Service.
const (
	// ServiceReadParameter asks a node for a parameter. Payload: [parameter].
	ServiceReadParameter byte = 1
	// ServiceParameterValue answers a read. Payload: [parameter, data...].
	ServiceParameterValue byte = 2
)

var (
	ErrDuplicateNode = errors.New("node address already registered")
	ErrUnknownNode   = errors.New("unknown node")
)

// Handler receives the protocol events of one node. The methods run on the
// goroutine calling Manager.Cycle and may issue new requests on the node.
type Handler interface {
	// OnCycle is called once per management cycle, after retry bookkeeping.
	OnCycle(n *Node)
	// OnParameterRead is called when a parameter value arrives.
	OnParameterRead(n *Node, parameter byte, data []byte)
	// OnCommunicationError is called when a request ran out of retries.
	// The node is idle again when it runs.
	OnCommunicationError(n *Node)
}

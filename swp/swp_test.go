package swp

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/michcald/rfm69"
)

const gateway = 1

// fakeRadio records sent frames and serves queued ones.
type fakeRadio struct {
	sent    []rfm69.Frame
	inbox   []rfm69.Frame
	sendErr error

	// onDequeue runs after each Dequeue, to simulate frames arriving
	// while a cycle drains the queue.
	onDequeue func()
}

func (r *fakeRadio) SendFrame(f rfm69.Frame) error {
	f.Payload = append([]byte(nil), f.Payload...)
	r.sent = append(r.sent, f)
	return r.sendErr
}

func (r *fakeRadio) Dequeue() (rfm69.Frame, bool) {
	if len(r.inbox) == 0 {
		return rfm69.Frame{}, false
	}
	f := r.inbox[0]
	r.inbox = r.inbox[1:]
	if r.onDequeue != nil {
		r.onDequeue()
	}
	return f, true
}

func (r *fakeRadio) Pending() int {
	return len(r.inbox)
}

type paramRead struct {
	parameter byte
	data      []byte
}

// recorder is a Handler that counts its callbacks. The optional hooks run
// after recording.
type recorder struct {
	cycles   int
	reads    []paramRead
	commErrs int

	onRead      func(n *Node)
	onCommError func(n *Node)
}

func (h *recorder) OnCycle(n *Node) {
	h.cycles++
}

func (h *recorder) OnParameterRead(n *Node, parameter byte, data []byte) {
	h.reads = append(h.reads, paramRead{parameter, append([]byte(nil), data...)})
	if h.onRead != nil {
		h.onRead(n)
	}
}

func (h *recorder) OnCommunicationError(n *Node) {
	h.commErrs++
	if h.onCommError != nil {
		h.onCommError(n)
	}
}

func setup(t *testing.T, address byte) (*Manager, *fakeRadio, *Node, *recorder) {
	t.Helper()
	radio := &fakeRadio{}
	m := NewManager(radio, gateway)
	h := &recorder{}
	n := NewNode(address, h)
	if err := m.Register(n); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return m, radio, n, h
}

func TestRetryExhaustion(t *testing.T) {
	m, radio, n, h := setup(t, 99)

	if err := n.ReadParameter(7); err != nil {
		t.Fatalf("ReadParameter failed: %v", err)
	}

	// Transmissions happen when the request is issued and after every
	// tenth cycle: 0, 10, 20, 30. The fortieth cycle gives up.
	sentAt := map[int]int{}
	for cycle := 1; cycle <= 40; cycle++ {
		before := len(radio.sent)
		m.Cycle()
		if len(radio.sent) > before {
			sentAt[cycle] = len(radio.sent)
		}
		if cycle < 40 && h.commErrs != 0 {
			t.Fatalf("Communication error too early, at cycle %d", cycle)
		}
	}

	if len(radio.sent) != maxRetries+1 {
		t.Fatalf("Expected %d transmissions, got %d", maxRetries+1, len(radio.sent))
	}
	for _, cycle := range []int{10, 20, 30} {
		if _, ok := sentAt[cycle]; !ok {
			t.Errorf("Expected a retransmission at cycle %d, got %v", cycle, sentAt)
		}
	}
	for i, f := range radio.sent {
		if f.Source != gateway || f.Destination != 99 || f.Service != ServiceReadParameter || !bytes.Equal(f.Payload, []byte{7}) {
			t.Errorf("Transmission %d: unexpected frame %s %X", i, f, f.Payload)
		}
	}
	if h.commErrs != 1 {
		t.Errorf("Expected 1 communication error, got %d", h.commErrs)
	}
	if n.Pending() {
		t.Error("Expected node to be idle after giving up")
	}
	if h.cycles != 40 {
		t.Errorf("Expected OnCycle 40 times, got %d", h.cycles)
	}

	// Idle nodes stay quiet.
	for i := 0; i < 50; i++ {
		m.Cycle()
	}
	if len(radio.sent) != maxRetries+1 || h.commErrs != 1 {
		t.Errorf("Idle node kept talking: sent=%d errors=%d", len(radio.sent), h.commErrs)
	}
}

func TestResponseBeforeRetry(t *testing.T) {
	m, radio, n, h := setup(t, 99)

	if err := n.ReadParameter(7); err != nil {
		t.Fatalf("ReadParameter failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		m.Cycle()
	}
	radio.inbox = append(radio.inbox, rfm69.Frame{
		Source: 99, Destination: gateway, Service: ServiceParameterValue,
		Payload: []byte{7, 0xBE, 0xEF}, RSSI: -55,
	})
	for i := 0; i < 50; i++ {
		m.Cycle()
	}

	if len(radio.sent) != 1 {
		t.Errorf("Expected 1 transmission, got %d", len(radio.sent))
	}
	if len(h.reads) != 1 {
		t.Fatalf("Expected 1 parameter read, got %d", len(h.reads))
	}
	if h.reads[0].parameter != 7 || !bytes.Equal(h.reads[0].data, []byte{0xBE, 0xEF}) {
		t.Errorf("Unexpected parameter read: %+v", h.reads[0])
	}
	if h.commErrs != 0 {
		t.Errorf("Expected no communication error, got %d", h.commErrs)
	}
	if n.LastRSSI() != -55 {
		t.Errorf("Expected RSSI -55, got %d", n.LastRSSI())
	}
}

func TestDispatchFiltering(t *testing.T) {
	m, radio, n, h := setup(t, 99)

	radio.inbox = []rfm69.Frame{
		// Addressed to another gateway.
		{Source: 99, Destination: 2, Service: ServiceParameterValue, Payload: []byte{1, 2}, RSSI: -40},
		// From a node nobody registered.
		{Source: 50, Destination: gateway, Service: ServiceParameterValue, Payload: []byte{1, 2}, RSSI: -41},
	}
	m.Cycle()

	if len(h.reads) != 0 {
		t.Errorf("Expected no deliveries, got %d", len(h.reads))
	}
	if n.LastRSSI() != 0 {
		t.Errorf("Expected RSSI untouched, got %d", n.LastRSSI())
	}
	if radio.Pending() != 0 {
		t.Errorf("Expected queue drained, %d left", radio.Pending())
	}
}

func TestOtherServicesIgnored(t *testing.T) {
	m, radio, n, h := setup(t, 99)

	if err := n.ReadParameter(1); err != nil {
		t.Fatalf("ReadParameter failed: %v", err)
	}
	radio.inbox = []rfm69.Frame{
		{Source: 99, Destination: gateway, Service: 42, Payload: []byte{1}, RSSI: -60},
		// An empty value cannot name its parameter.
		{Source: 99, Destination: gateway, Service: ServiceParameterValue, RSSI: -61},
	}
	m.Cycle()

	if len(h.reads) != 0 {
		t.Errorf("Expected no parameter reads, got %d", len(h.reads))
	}
	if !n.Pending() {
		t.Error("Expected request still pending")
	}
	if n.LastRSSI() != -61 {
		t.Errorf("Expected RSSI from the last frame, got %d", n.LastRSSI())
	}
}

func TestReissueOverwritesPending(t *testing.T) {
	m, radio, n, _ := setup(t, 99)

	if err := n.ReadParameter(1); err != nil {
		t.Fatalf("ReadParameter failed: %v", err)
	}
	for i := 0; i < 15; i++ {
		m.Cycle()
	}
	if err := n.IssueRequest(5, []byte{9, 9}); err != nil {
		t.Fatalf("IssueRequest failed: %v", err)
	}
	sent := len(radio.sent)

	// The timer restarted: nothing for nine cycles, then the new request.
	for i := 0; i < 9; i++ {
		m.Cycle()
	}
	if len(radio.sent) != sent {
		t.Fatalf("Expected no retransmission before the interval, got %d", len(radio.sent)-sent)
	}
	m.Cycle()
	last := radio.sent[len(radio.sent)-1]
	if len(radio.sent) != sent+1 || last.Service != 5 || !bytes.Equal(last.Payload, []byte{9, 9}) {
		t.Errorf("Expected retransmission of the new request, got %s %X", last, last.Payload)
	}
}

func TestChainedRequests(t *testing.T) {
	m, radio, n, h := setup(t, 99)

	pings := 0
	h.onRead = func(n *Node) {
		pings++
		if err := n.ReadParameter(1); err != nil {
			t.Errorf("ReadParameter failed: %v", err)
		}
	}

	if err := n.ReadParameter(1); err != nil {
		t.Fatalf("ReadParameter failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		radio.inbox = append(radio.inbox, rfm69.Frame{
			Source: 99, Destination: gateway, Service: ServiceParameterValue, Payload: []byte{1},
		})
		m.Cycle()
	}

	if pings != 3 || len(radio.sent) != 4 {
		t.Errorf("Expected 3 pongs and 4 pings, got %d and %d", pings, len(radio.sent))
	}
	if !n.Pending() {
		t.Error("Expected the chained request to be pending")
	}
}

func TestSendErrorKeepsRequestPending(t *testing.T) {
	m, radio, n, h := setup(t, 99)
	radio.sendErr = rfm69.ErrTimeout

	if err := n.ReadParameter(1); !errors.Is(err, rfm69.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if !n.Pending() {
		t.Fatal("Expected request pending after a failed send")
	}

	radio.sendErr = nil
	for i := 0; i < 10; i++ {
		m.Cycle()
	}
	if len(radio.sent) != 2 {
		t.Errorf("Expected the retry to go out, got %d transmissions", len(radio.sent))
	}
	if h.commErrs != 0 {
		t.Errorf("Unexpected communication error")
	}
}

func TestIssueRequestValidation(t *testing.T) {
	_, radio, n, _ := setup(t, 99)

	err := n.IssueRequest(ServiceReadParameter, make([]byte, rfm69.MaxPayloadSize+1))
	if !errors.Is(err, rfm69.ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
	if n.Pending() || len(radio.sent) != 0 {
		t.Error("Oversize request must not change state")
	}

	lone := NewNode(5, &recorder{})
	if err := lone.ReadParameter(1); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Expected ErrUnknownNode for an unregistered node, got %v", err)
	}
}

func TestRegister(t *testing.T) {
	m, _, _, _ := setup(t, 99)

	if err := m.Register(NewNode(99, &recorder{})); !errors.Is(err, ErrDuplicateNode) {
		t.Errorf("Expected ErrDuplicateNode, got %v", err)
	}
	if err := m.Register(NewNode(gateway, &recorder{})); !errors.Is(err, ErrDuplicateNode) {
		t.Errorf("Expected ErrDuplicateNode for the gateway address, got %v", err)
	}
	if err := m.Register(NewNode(42, &recorder{})); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	n, err := m.Node(42)
	if err != nil || n.Address() != 42 {
		t.Errorf("Node(42) = %v, %v", n, err)
	}
	if _, err := m.Node(7); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Expected ErrUnknownNode, got %v", err)
	}

	nodes := m.Nodes()
	if len(nodes) != 2 || nodes[0].Address() != 99 || nodes[1].Address() != 42 {
		t.Errorf("Unexpected registration order: %v", nodes)
	}
}

func TestCycleTicksInRegistrationOrder(t *testing.T) {
	radio := &fakeRadio{}
	m := NewManager(radio, gateway)

	var order []byte
	for _, addr := range []byte{30, 10, 20} {
		if err := m.Register(NewNode(addr, orderHandler{&order})); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	m.Cycle()

	if !bytes.Equal(order, []byte{30, 10, 20}) {
		t.Errorf("Expected ticks in registration order, got %v", order)
	}
}

type orderHandler struct{ order *[]byte }

func (h orderHandler) OnCycle(n *Node) {
	*h.order = append(*h.order, n.Address())
}

func (h orderHandler) OnParameterRead(*Node, byte, []byte) {}

func (h orderHandler) OnCommunicationError(*Node) {}

func TestCycleDrainIsBounded(t *testing.T) {
	m, radio, _, h := setup(t, 99)

	frame := rfm69.Frame{Source: 99, Destination: gateway, Service: ServiceParameterValue, Payload: []byte{1}}
	radio.inbox = []rfm69.Frame{frame, frame}
	// Every dequeue brings a new frame in.
	radio.onDequeue = func() { radio.inbox = append(radio.inbox, frame) }

	m.Cycle()

	if len(h.reads) != 2 {
		t.Errorf("Expected the 2 frames queued at entry, got %d", len(h.reads))
	}
	if h.cycles != 1 {
		t.Errorf("Expected tick phase to run once, got %d", h.cycles)
	}
	if radio.Pending() != 2 {
		t.Errorf("Expected late frames left for the next cycle, got %d", radio.Pending())
	}
}

func TestRun(t *testing.T) {
	m, _, _, h := setup(t, 99)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 10*time.Millisecond) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if h.cycles == 0 {
		t.Error("Expected at least one cycle")
	}

	if err := m.Run(context.Background(), 0); err == nil {
		t.Error("Expected error for zero period")
	}
}

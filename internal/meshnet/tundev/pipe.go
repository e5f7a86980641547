package tundev

import "sync"

// PipeDevice is an in-memory Device double for tests: writes to one side
// become readable packets delivered to the handler registered on the other
// side, with no kernel interaction.
type PipeDevice struct {
	mu      sync.Mutex
	handler func([]byte)
	peer    *PipeDevice
	written [][]byte
}

// NewPipe returns two PipeDevices wired to each other: a packet written to
// one is delivered to the other's reader handler.
func NewPipe() (*PipeDevice, *PipeDevice) {
	a := &PipeDevice{}
	b := &PipeDevice{}
	a.peer = b
	b.peer = a
	return a, b
}

// Open is a no-op; PipeDevice requires no OS resources.
func (p *PipeDevice) Open() error { return nil }

// StartReading registers the handler invoked when the peer writes.
func (p *PipeDevice) StartReading(handler func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
	return nil
}

// Write delivers packet to the peer's registered handler, if any, and
// records it for assertions.
func (p *PipeDevice) Write(packet []byte) (int, error) {
	cp := make([]byte, len(packet))
	copy(cp, packet)

	p.mu.Lock()
	p.written = append(p.written, cp)
	peer := p.peer
	p.mu.Unlock()

	if peer != nil {
		peer.mu.Lock()
		h := peer.handler
		peer.mu.Unlock()
		if h != nil {
			h(cp)
		}
	}
	return len(packet), nil
}

// Inject simulates the kernel delivering packet to this device's reader,
// i.e. a local application sending traffic out through the interface.
// Used directly in tests that don't need a paired peer device.
func (p *PipeDevice) Inject(packet []byte) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(packet)
	}
}

// Written returns every packet written to this device, for assertions.
func (p *PipeDevice) Written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.written))
	copy(out, p.written)
	return out
}

// Close is a no-op.
func (p *PipeDevice) Close() error { return nil }

var _ Device = (*PipeDevice)(nil)

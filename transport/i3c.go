package transport

import (
	"sync"
	"time"
)

// I3CTarget is the I3C-target-role Binding: it raises an In-Band
// Interrupt to ask the bus controller to read pending TX data, retrying
// with a small back-off if the controller has not yet picked it up, and
// replaces its RX buffer on every completed receive.
type I3CTarget struct {
	mu sync.Mutex

	bus Bus

	txInFlight bool
	rxBuf      []byte
	onReceive  ReceiveHandler

	// sleep is overridden in tests to avoid real delays.
	sleep func(time.Duration)
}

// NewI3CTarget binds an I3CTarget to its underlying Bus collaborator.
func NewI3CTarget(bus Bus) *I3CTarget {
	return &I3CTarget{bus: bus, sleep: time.Sleep}
}

func (t *I3CTarget) Send(data []byte, done SendDone) error {
	t.mu.Lock()
	if t.txInFlight {
		t.mu.Unlock()
		return ErrTxInFlight
	}
	t.txInFlight = true
	t.mu.Unlock()

	go t.transmit(data, done)
	return nil
}

func (t *I3CTarget) transmit(data []byte, done SendDone) {
	defer func() {
		t.mu.Lock()
		t.txInFlight = false
		t.mu.Unlock()
	}()

	t.bus.RaiseIBI()

	for attempt := 0; attempt < maxRetries; attempt++ {
		ok, err := t.bus.Transfer(data)
		if err != nil {
			done(err)
			return
		}
		if ok {
			done(nil)
			return
		}
		t.sleep(retryBackoff)
	}

	done(ErrAborted)
}

func (t *I3CTarget) ArmReceive(buf []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rxBuf = buf
}

func (t *I3CTarget) OnReceive(h ReceiveHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReceive = h
}

// Deliver is called by the bus-controller side (or a test) when a packet
// has landed in the target's RX buffer. It drops the packet if no
// replacement buffer is currently armed, per the §4.3 contract.
func (t *I3CTarget) Deliver(data []byte) error {
	t.mu.Lock()
	buf := t.rxBuf
	handler := t.onReceive
	t.rxBuf = nil
	t.mu.Unlock()

	if buf == nil {
		return ErrNoReplacement
	}

	n := copy(buf, data)

	if handler != nil {
		handler(buf[:n])
	}

	return nil
}

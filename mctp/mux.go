package mctp

import (
	"container/list"
	"sync"

	"github.com/rotmcu/corefw/transport"
)

// Receiver is registered with the Mux for one message type and is
// handed every fully-assembled incoming message of that type.
type Receiver interface {
	MessageType() MessageType
	Deliver(srcEID uint8, tag uint8, tagOwner bool, msg []byte)
}

// sendJob is one queued outgoing message, serialized through the single
// shared bus per spec §5.
type sendJob struct {
	msgType  MessageType
	dstEID   uint8
	tag      uint8
	tagOwner bool
	msg      []byte
	done     func(error)
}

// Mux owns one local EID, one negotiated MTU, and the registered
// receivers; it packetizes/assembles messages, serializes bus access in
// a FIFO, services MCTP-Control messages synchronously, and allocates
// outgoing request tags. Every operation completes without yielding
// (§4.4, §5): Send either queues or immediately kicks off the binding
// send, and incoming packets are processed to completion inside
// handleReceive.
type Mux struct {
	mu sync.Mutex

	localEID uint8
	mtu      int
	binding  transport.Binding

	receivers map[MessageType]Receiver
	reasm     map[assemblyKey]*reassembly

	tagCounter uint8
	queue      *list.List
	sending    bool

	rxBuf []byte
}

// NewMux binds a Mux to its transport Binding with the given local EID
// and negotiated MTU (at least BaselineMTU).
func NewMux(binding transport.Binding, localEID uint8, mtu int) *Mux {
	if mtu < BaselineMTU {
		mtu = BaselineMTU
	}

	m := &Mux{
		localEID:  localEID,
		mtu:       mtu,
		binding:   binding,
		receivers: make(map[MessageType]Receiver),
		reasm:     make(map[assemblyKey]*reassembly),
		queue:     list.New(),
		rxBuf:     make([]byte, HeaderSize+BaselineMTU),
	}

	binding.OnReceive(m.handleReceive)
	binding.ArmReceive(m.rxBuf)

	return m
}

// LocalEID returns the MUX's bound endpoint ID.
func (m *Mux) LocalEID() uint8 { return m.localEID }

// MTU returns the negotiated maximum transmission unit.
func (m *Mux) MTU() int { return m.mtu }

// RegisterReceiver associates a Receiver with the message type it wants
// delivered.
func (m *Mux) RegisterReceiver(r Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receivers[r.MessageType()] = r
}

// AllocateTag returns the next 3-bit outgoing request tag, wrapping
// modulo 8.
func (m *Mux) AllocateTag() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tagCounter & 0x7
	m.tagCounter++

	return t
}

// Send packetizes msg (of the given message type, destined to dstEID,
// tagged tag/tagOwner) and serializes it behind any already-in-flight
// send in a FIFO queue; done is invoked once the whole message has been
// handed to the binding (or failed).
func (m *Mux) Send(msgType MessageType, dstEID uint8, tag uint8, tagOwner bool, msg []byte, done func(error)) {
	job := &sendJob{msgType: msgType, dstEID: dstEID, tag: tag, tagOwner: tagOwner, msg: msg, done: done}

	m.mu.Lock()
	m.queue.PushBack(job)
	start := !m.sending
	if start {
		m.sending = true
	}
	m.mu.Unlock()

	if start {
		m.drain()
	}
}

// drain sends the head-of-queue job's packets one at a time, moving to
// the next queued job on send_done, per §5's FIFO bus-serialization
// rule.
func (m *Mux) drain() {
	m.mu.Lock()
	front := m.queue.Front()
	if front == nil {
		m.sending = false
		m.mu.Unlock()
		return
	}
	job := front.Value.(*sendJob)
	m.queue.Remove(front)
	m.mu.Unlock()

	packets := Packetize(append([]byte{byte(job.msgType)}, job.msg...), m.mtu, m.localEID, job.dstEID, job.tag, job.tagOwner)

	m.sendPackets(packets, 0, job.done)
}

func (m *Mux) sendPackets(packets [][]byte, i int, jobDone func(error)) {
	if i >= len(packets) {
		if jobDone != nil {
			jobDone(nil)
		}
		m.drain()
		return
	}

	err := m.binding.Send(packets[i], func(err error) {
		if err != nil {
			if jobDone != nil {
				jobDone(err)
			}
			m.drain()
			return
		}
		m.sendPackets(packets, i+1, jobDone)
	})

	if err != nil {
		if jobDone != nil {
			jobDone(err)
		}
		m.drain()
	}
}

// handleReceive is the transport.ReceiveHandler wired to the binding: it
// routes by destination EID, assembles multi-packet messages, and either
// services an MCTP-Control message synchronously or delivers the
// assembled body to the registered Receiver.
func (m *Mux) handleReceive(data []byte) {
	// re-arm immediately: the binding drops packets until this happens.
	nextBuf := make([]byte, HeaderSize+BaselineMTU)
	m.binding.ArmReceive(nextBuf)
	m.mu.Lock()
	m.rxBuf = nextBuf
	m.mu.Unlock()

	h, err := DecodeHeader(data)
	if err != nil {
		return // drop corrupt packet silently, per §7
	}

	if h.DestEID != m.localEID {
		return // drop unroutable packet, per §4.4
	}

	payload := data[HeaderSize:]

	if !h.EOM && len(payload) != BaselineMTU {
		return // non-terminal packet with wrong size, reject on reception
	}

	key := assemblyKey{srcEID: h.SrcEID, tag: h.Tag, tagOwner: h.TO}

	m.mu.Lock()
	r, ok := m.reasm[key]
	if h.SOM {
		r = &reassembly{messageKey: key}
		m.reasm[key] = r
	}
	m.mu.Unlock()

	if !ok && !h.SOM {
		return // no in-progress reassembly for this key, drop
	}

	r.buf = append(r.buf, payload...)

	if !h.EOM {
		return
	}

	m.mu.Lock()
	delete(m.reasm, key)
	m.mu.Unlock()

	if len(r.buf) == 0 {
		return
	}

	msgType := MessageType(r.buf[0])
	body := r.buf[1:]

	if msgType == MsgControl {
		m.handleControl(h, body)
		return
	}

	m.mu.Lock()
	recv, ok := m.receivers[msgType]
	m.mu.Unlock()

	if !ok {
		return
	}

	recv.Deliver(h.SrcEID, h.Tag, h.TO, body)
}

package network

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/happybigmtn/dicenet/consensus"
	"github.com/happybigmtn/dicenet/identity"
)

// ErrClosed is returned when sending through a closed transport.
var ErrClosed = errors.New("network: transport closed")

// Faults injects transport failures into a Mesh. Probabilities are in
// [0, 1]; the zero value injects nothing.
type Faults struct {
	DropRate      float64
	DuplicateRate float64
	// MaxDelay staggers deliveries by a random duration up to this bound,
	// which reorders messages between goroutines.
	MaxDelay time.Duration
}

// Mesh is the in-process message bus used by tests and the local demo.
// Every joined validator gets a MeshTransport; broadcasts fan out to all
// other members.
type Mesh struct {
	mu     sync.RWMutex
	nodes  map[identity.NodeID]*MeshTransport
	faults Faults
	rng    *rand.Rand
}

// NewMesh builds an empty mesh with no fault injection.
func NewMesh() *Mesh {
	return &Mesh{
		nodes: make(map[identity.NodeID]*MeshTransport),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetFaults configures fault injection for all subsequent deliveries.
func (m *Mesh) SetFaults(f Faults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = f
}

// Join adds a validator to the mesh and returns its transport.
func (m *Mesh) Join(id identity.NodeID) *MeshTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &MeshTransport{
		mesh: m,
		id:   id,
		in:   make(chan consensus.Inbound, 1024),
	}
	m.nodes[id] = t
	return t
}

// deliver pushes one datagram toward a member, subject to fault injection.
// A full inbound buffer drops the message, like any congested link would.
func (m *Mesh) deliver(to identity.NodeID, from identity.NodeID, data []byte) {
	m.mu.RLock()
	target, ok := m.nodes[to]
	faults := m.faults
	m.mu.RUnlock()
	if !ok || target.closed.Load() {
		return
	}

	copies := 1
	m.mu.Lock()
	if faults.DropRate > 0 && m.rng.Float64() < faults.DropRate {
		copies = 0
	} else if faults.DuplicateRate > 0 && m.rng.Float64() < faults.DuplicateRate {
		copies = 2
	}
	var delay time.Duration
	if faults.MaxDelay > 0 {
		delay = time.Duration(m.rng.Int63n(int64(faults.MaxDelay)))
	}
	m.mu.Unlock()

	for i := 0; i < copies; i++ {
		msg := consensus.Inbound{From: from, Data: append([]byte(nil), data...)}
		if delay > 0 {
			time.AfterFunc(delay, func() { target.push(msg) })
			continue
		}
		target.push(msg)
	}
}

// MeshTransport implements consensus.Transport over a Mesh.
type MeshTransport struct {
	mesh   *Mesh
	id     identity.NodeID
	in     chan consensus.Inbound
	closed atomic.Bool
}

// push enqueues under the mesh lock so it cannot race with Close closing
// the channel.
func (t *MeshTransport) push(msg consensus.Inbound) {
	t.mesh.mu.RLock()
	defer t.mesh.mu.RUnlock()
	if t.closed.Load() {
		return
	}
	select {
	case t.in <- msg:
	default:
	}
}

// Broadcast sends data to every other mesh member.
func (t *MeshTransport) Broadcast(data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mesh.mu.RLock()
	peers := make([]identity.NodeID, 0, len(t.mesh.nodes))
	for id := range t.mesh.nodes {
		if id != t.id {
			peers = append(peers, id)
		}
	}
	t.mesh.mu.RUnlock()
	for _, id := range peers {
		t.mesh.deliver(id, t.id, data)
	}
	return nil
}

// SendTo sends data to one mesh member.
func (t *MeshTransport) SendTo(peer identity.NodeID, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mesh.deliver(peer, t.id, data)
	return nil
}

// Receive returns the inbound datagram stream.
func (t *MeshTransport) Receive() <-chan consensus.Inbound { return t.in }

// Close removes the transport from the mesh and closes the inbound stream.
func (t *MeshTransport) Close() error {
	t.mesh.mu.Lock()
	defer t.mesh.mu.Unlock()
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	delete(t.mesh.nodes, t.id)
	close(t.in)
	return nil
}

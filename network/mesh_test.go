package network

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/happybigmtn/dicenet/consensus"
	"github.com/happybigmtn/dicenet/identity"
)

func recvOne(t *testing.T, ch <-chan consensus.Inbound, timeout time.Duration) consensus.Inbound {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("inbound stream closed")
		}
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a message")
	}
	return consensus.Inbound{}
}

func TestMeshBroadcastFansOut(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join("a")
	b := mesh.Join("b")
	c := mesh.Join("c")

	if err := a.Broadcast([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	for _, peer := range []*MeshTransport{b, c} {
		msg := recvOne(t, peer.Receive(), time.Second)
		if msg.From != "a" || string(msg.Data) != "hello" {
			t.Fatalf("unexpected message %+v", msg)
		}
	}
	select {
	case msg := <-a.Receive():
		t.Fatalf("sender received its own broadcast: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMeshSendTo(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join("a")
	b := mesh.Join("b")
	c := mesh.Join("c")

	if err := a.SendTo("b", []byte("direct")); err != nil {
		t.Fatal(err)
	}
	msg := recvOne(t, b.Receive(), time.Second)
	if string(msg.Data) != "direct" {
		t.Fatalf("unexpected payload %q", msg.Data)
	}
	select {
	case msg := <-c.Receive():
		t.Fatalf("third party received a direct send: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMeshDataIsCopied(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join("a")
	b := mesh.Join("b")

	buf := []byte("original")
	if err := a.SendTo("b", buf); err != nil {
		t.Fatal(err)
	}
	copy(buf, "mutated!")
	msg := recvOne(t, b.Receive(), time.Second)
	if string(msg.Data) != "original" {
		t.Fatalf("delivered data aliases the sender's buffer: %q", msg.Data)
	}
}

func TestMeshDropFaults(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join("a")
	b := mesh.Join("b")
	mesh.SetFaults(Faults{DropRate: 1})

	if err := a.SendTo("b", []byte("lost")); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-b.Receive():
		t.Fatalf("message delivered despite full drop rate: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMeshDuplicateFaults(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join("a")
	b := mesh.Join("b")
	mesh.SetFaults(Faults{DuplicateRate: 1})

	if err := a.SendTo("b", []byte("twice")); err != nil {
		t.Fatal(err)
	}
	first := recvOne(t, b.Receive(), time.Second)
	second := recvOne(t, b.Receive(), time.Second)
	if string(first.Data) != "twice" || string(second.Data) != "twice" {
		t.Fatal("duplicate delivery corrupted the payload")
	}
}

func TestMeshDelayFaultsStillDeliver(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join("a")
	b := mesh.Join("b")
	mesh.SetFaults(Faults{MaxDelay: 20 * time.Millisecond})

	if err := a.SendTo("b", []byte("late")); err != nil {
		t.Fatal(err)
	}
	msg := recvOne(t, b.Receive(), time.Second)
	if string(msg.Data) != "late" {
		t.Fatalf("unexpected payload %q", msg.Data)
	}
}

func TestMeshCloseSemantics(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join("a")
	b := mesh.Join("b")

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-b.Receive(); ok {
		t.Fatal("closed transport still delivers")
	}
	if err := b.Broadcast([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("broadcast after close: %v", err)
	}
	// sending toward a departed member must not panic or block
	if err := a.SendTo("b", []byte("ghost")); err != nil {
		t.Fatal(err)
	}
	if err := a.Broadcast([]byte("still here")); err != nil {
		t.Fatal(err)
	}
}

func newHTTPPair(t *testing.T) (*HTTPTransport, *HTTPTransport) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	la, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	lb, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addrs := map[identity.NodeID]string{
		"a": "http://" + la.Addr().String(),
		"b": "http://" + lb.Addr().String(),
	}
	a := NewHTTPTransport("a", addrs, la, time.Second, log)
	b := NewHTTPTransport("b", addrs, lb, time.Second, log)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestHTTPTransportRoundTrip(t *testing.T) {
	a, b := newHTTPPair(t)

	if err := a.SendTo("b", []byte("over http")); err != nil {
		t.Fatal(err)
	}
	msg := recvOne(t, b.Receive(), 2*time.Second)
	if msg.From != "a" || string(msg.Data) != "over http" {
		t.Fatalf("unexpected message %+v", msg)
	}

	if err := b.Broadcast([]byte("reply")); err != nil {
		t.Fatal(err)
	}
	msg = recvOne(t, a.Receive(), 2*time.Second)
	if msg.From != "b" || string(msg.Data) != "reply" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestHTTPTransportUnknownPeer(t *testing.T) {
	a, _ := newHTTPPair(t)
	if err := a.SendTo("stranger", []byte("x")); err == nil {
		t.Fatal("send to an unknown peer must fail")
	}
}

package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/happybigmtn/dicenet/consensus"
	"github.com/happybigmtn/dicenet/identity"
)

const senderHeader = "X-Dicenet-Sender"

// HTTPTransport moves protocol messages between validator processes over
// plain HTTP posts. Every send is asynchronous fire-and-forget: a refused
// connection or timeout drops the message the same way a lossy network
// would, and the protocol's timeouts take it from there.
type HTTPTransport struct {
	id        identity.NodeID
	addresses map[identity.NodeID]string
	server    *http.Server
	client    *http.Client
	in        chan consensus.Inbound
	closed    atomic.Bool
	log       *slog.Logger
}

// NewHTTPTransport starts serving on the listener and returns the
// transport. addresses maps every validator id to its base URL; the entry
// for the local id is ignored.
func NewHTTPTransport(id identity.NodeID, addresses map[identity.NodeID]string, l net.Listener, timeout time.Duration, log *slog.Logger) *HTTPTransport {
	if log == nil {
		log = slog.Default()
	}
	addrs := make(map[identity.NodeID]string, len(addresses))
	for k, v := range addresses {
		addrs[k] = v
	}
	t := &HTTPTransport{
		id:        id,
		addresses: addrs,
		client:    &http.Client{Timeout: timeout},
		in:        make(chan consensus.Inbound, 1024),
		log:       log.With("component", "transport", "node", id.Short()),
	}
	t.server = &http.Server{Handler: t}
	go func() {
		if err := t.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("transport server stopped", "err", err)
		}
	}()
	return t
}

// ServeHTTP accepts one posted datagram. The sender header is advisory
// routing information only; authenticity comes from the message signatures
// verified upstream.
func (t *HTTPTransport) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if t.closed.Load() {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	sender := req.Header.Get(senderHeader)
	if sender == "" {
		rw.WriteHeader(http.StatusNotAcceptable)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	select {
	case t.in <- consensus.Inbound{From: identity.NodeID(sender), Data: body}:
		rw.WriteHeader(http.StatusAccepted)
	default:
		// inbound buffer full, shed the message
		rw.WriteHeader(http.StatusTooManyRequests)
	}
}

func (t *HTTPTransport) post(peer identity.NodeID, data []byte) {
	addr, ok := t.addresses[peer]
	if !ok {
		return
	}
	req, err := http.NewRequest(http.MethodPost, addr, bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set(senderHeader, string(t.id))
	resp, err := t.client.Do(req)
	if err != nil {
		t.log.Debug("send failed", "peer", peer.Short(), "err", err)
		return
	}
	resp.Body.Close()
}

// Broadcast posts data to every known peer concurrently.
func (t *HTTPTransport) Broadcast(data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	for id := range t.addresses {
		if id == t.id {
			continue
		}
		go t.post(id, data)
	}
	return nil
}

// SendTo posts data to one peer.
func (t *HTTPTransport) SendTo(peer identity.NodeID, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if _, ok := t.addresses[peer]; !ok {
		return fmt.Errorf("network: unknown peer %s", peer.Short())
	}
	go t.post(peer, data)
	return nil
}

// Receive returns the inbound datagram stream.
func (t *HTTPTransport) Receive() <-chan consensus.Inbound { return t.in }

// Close shuts the server down and closes the inbound stream.
func (t *HTTPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.server.Shutdown(context.Background())
	close(t.in)
	return err
}

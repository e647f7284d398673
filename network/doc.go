// Package network provides the transport implementations validators talk
// over. None of them promises ordering, deduplication, or delivery; the
// consensus layer above is built to tolerate all three failure modes.
//
// # Implementations
//
// Mesh: an in-process message bus connecting validators running in the same
// process. Used by the test suites and the local demo. It can inject
// transport faults (loss, duplication, reordering) to exercise the
// protocol's tolerance.
//
// HTTPTransport: an HTTP-based peer transport for validators running as
// separate processes. Sends are asynchronous fire-and-forget posts; a
// failed delivery is dropped, exactly like a lost datagram.
package network

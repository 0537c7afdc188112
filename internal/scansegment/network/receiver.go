// Package network owns the UDP data path: the socket abstraction, the
// datagram receiver feeding the message framer, an optional mirror
// forwarder, and pcap replay for offline runs.
package network

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/multiscan.driver/internal/monitoring"
	"github.com/banshee-data/multiscan.driver/internal/scansegment/wire"
)

// DefaultReceiveBufferSize is requested from the kernel on Init. Scan
// segments burst at frame rate, so a generous buffer rides out decode
// stalls.
const DefaultReceiveBufferSize = 4 * 1024 * 1024

// Receiver reads datagrams from a bound UDP socket. It implements
// the receive contract of the message framer: a negative timeout
// blocks indefinitely, ErrTimeout reports an idle deadline, and
// ForceStop unblocks any in-flight read from another goroutine.
type Receiver struct {
	factory UDPSocketFactory
	rcvBuf  int

	mu      sync.Mutex
	socket  UDPSocket
	stopped atomic.Bool

	forwarder *Forwarder
}

// NewReceiver creates a receiver using the given socket factory. A nil
// factory means real sockets.
func NewReceiver(factory UDPSocketFactory) *Receiver {
	if factory == nil {
		factory = NewRealUDPSocketFactory()
	}
	return &Receiver{factory: factory, rcvBuf: DefaultReceiveBufferSize}
}

// SetForwarder mirrors every received datagram to the forwarder.
func (r *Receiver) SetForwarder(f *Forwarder) {
	r.forwarder = f
}

// Init binds the UDP socket. It may be called again after ForceStop to
// begin a fresh session.
func (r *Receiver) Init(host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("network: resolve %s:%d: %w", host, port, err)
	}
	socket, err := r.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("network: listen %v: %w", addr, err)
	}
	if err := socket.SetReadBuffer(r.rcvBuf); err != nil {
		monitoring.Logf("network: could not set receive buffer to %d bytes: %v", r.rcvBuf, err)
	}

	r.mu.Lock()
	old := r.socket
	r.socket = socket
	r.stopped.Store(false)
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}

	monitoring.Logf("network: listening on %v", socket.LocalAddr())
	return nil
}

// Receive reads the next datagram into buf. A negative timeout blocks
// until data arrives or ForceStop is called. When prefix is non-empty,
// datagrams that do not start with it are discarded and the read is
// retried under the same deadline.
func (r *Receiver) Receive(buf []byte, timeout time.Duration, prefix []byte) (int, error) {
	if r.stopped.Load() {
		return 0, wire.ErrStopped
	}
	r.mu.Lock()
	socket := r.socket
	r.mu.Unlock()
	if socket == nil {
		return 0, fmt.Errorf("network: receive on unbound socket")
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := socket.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("network: set read deadline: %w", err)
	}

	for {
		n, _, err := socket.ReadFromUDP(buf)
		if err != nil {
			if r.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return 0, wire.ErrStopped
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, wire.ErrTimeout
			}
			return 0, fmt.Errorf("network: receive: %w", err)
		}

		if len(prefix) > 0 && !bytes.HasPrefix(buf[:n], prefix) {
			monitoring.Debugf("network: discarding %d byte datagram without expected prefix", n)
			continue
		}
		if r.forwarder != nil {
			r.forwarder.ForwardAsync(buf[:n])
		}
		return n, nil
	}
}

// ForceStop unblocks any in-flight Receive and poisons the receiver
// until the next Init. Safe to call from any goroutine.
func (r *Receiver) ForceStop() {
	r.stopped.Store(true)
	r.mu.Lock()
	socket := r.socket
	r.socket = nil
	r.mu.Unlock()
	if socket != nil {
		socket.Close()
	}
}

// Close releases the socket.
func (r *Receiver) Close() error {
	r.mu.Lock()
	socket := r.socket
	r.socket = nil
	r.mu.Unlock()
	if socket != nil {
		return socket.Close()
	}
	return nil
}

package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/multiscan.driver/internal/monitoring"
)

// DropCounter tracks datagrams the forwarder could not queue.
type DropCounter interface {
	AddDropped()
}

// Forwarder mirrors received datagrams to another address without
// blocking the receive path. A full queue drops the datagram.
type Forwarder struct {
	conn        *net.UDPConn
	channel     chan []byte
	stats       DropCounter
	logInterval time.Duration
	address     string
}

// NewForwarder creates a forwarder that mirrors datagrams to addr:port.
func NewForwarder(addr string, port int, stats DropCounter, logInterval time.Duration) (*Forwarder, error) {
	forwardAddress := fmt.Sprintf("%s:%d", addr, port)
	forwardUDPAddr, err := net.ResolveUDPAddr("udp", forwardAddress)
	if err != nil {
		return nil, fmt.Errorf("network: resolve forward address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, forwardUDPAddr)
	if err != nil {
		return nil, fmt.Errorf("network: create forward connection: %w", err)
	}

	return &Forwarder{
		conn:        conn,
		channel:     make(chan []byte, 1000),
		stats:       stats,
		logInterval: logInterval,
		address:     forwardAddress,
	}, nil
}

// Start begins the forwarding goroutine. Write errors are counted and
// logged at the configured interval rather than per datagram.
func (f *Forwarder) Start(ctx context.Context) {
	go func() {
		droppedCount := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case packet := <-f.channel:
				if _, err := f.conn.Write(packet); err != nil {
					droppedCount++
					lastError = err
				}
			case <-ticker.C:
				if droppedCount > 0 && lastError != nil {
					monitoring.Logf("network: dropped %d forwarded datagrams (latest: %v)", droppedCount, lastError)
					droppedCount = 0
					lastError = nil
				}
			}
		}
	}()

	monitoring.Logf("network: forwarding datagrams to %s", f.address)
}

// ForwardAsync queues one datagram for forwarding, dropping it when
// the queue is full.
func (f *Forwarder) ForwardAsync(packet []byte) {
	// The receive buffer is reused; copy before queueing.
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	select {
	case f.channel <- packetCopy:
	default:
		if f.stats != nil {
			f.stats.AddDropped()
		}
	}
}

// Close closes the UDP connection and channel.
func (f *Forwarder) Close() error {
	close(f.channel)
	return f.conn.Close()
}

// Package sopas implements the TCP control channel of the sensor: a
// CoLa-framed request/response client and the session state machine
// that drives authorization and stream start/stop.
package sopas

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/multiscan.driver/internal/monitoring"
)

// Framing selects how commands are wrapped on the wire.
type Framing int

const (
	// FramingBinary wraps commands as magic + big-endian length +
	// payload + one XOR checksum byte over the payload.
	FramingBinary Framing = iota
	// FramingASCII wraps commands as <STX>command<ETX>.
	FramingASCII
)

func (f Framing) String() string {
	switch f {
	case FramingBinary:
		return "binary"
	case FramingASCII:
		return "ascii"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

// ParseFraming maps a config string to a Framing value.
func ParseFraming(s string) (Framing, error) {
	switch s {
	case "binary":
		return FramingBinary, nil
	case "ascii":
		return FramingASCII, nil
	default:
		return 0, fmt.Errorf("sopas: unknown framing %q (want binary or ascii)", s)
	}
}

const (
	stx = 0x02
	etx = 0x03

	// maxReplyLen bounds a single binary-framed reply.
	maxReplyLen = 64 * 1024
)

var binaryMagic = []byte{0x02, 0x02, 0x02, 0x02}

// Conn is the request/response primitive the session runs on. The
// real implementation is Client; tests substitute a scripted mock.
type Conn interface {
	// Request sends one command and returns the device reply with
	// framing stripped.
	Request(cmd string) (string, error)
	IsConnected() bool
	SetReadTimeout(d time.Duration)
	Close() error
}

// Client is a Conn over a real TCP connection.
type Client struct {
	mu          sync.Mutex
	conn        net.Conn
	rd          *bufio.Reader
	framing     Framing
	readTimeout time.Duration
	connected   bool
}

// Dial opens the control channel to the device.
func Dial(hostname string, port int, framing Framing, connectTimeout time.Duration) (*Client, error) {
	addr := net.JoinHostPort(hostname, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("sopas: dial %s: %w", addr, err)
	}
	return &Client{
		conn:      conn,
		rd:        bufio.NewReader(conn),
		framing:   framing,
		connected: true,
	}, nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimeout = d
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	return c.conn.Close()
}

// Request sends one framed command and reads one framed reply. Any
// transport error marks the connection dead.
func (c *Client) Request(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return "", fmt.Errorf("sopas: request %q: not connected", cmd)
	}

	if c.readTimeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.readTimeout)); err != nil {
			c.connected = false
			return "", fmt.Errorf("sopas: set deadline: %w", err)
		}
	}

	if _, err := c.conn.Write(frameCommand(c.framing, cmd)); err != nil {
		c.connected = false
		return "", fmt.Errorf("sopas: write %q: %w", cmd, err)
	}

	reply, err := c.readReply()
	if err != nil {
		c.connected = false
		return "", fmt.Errorf("sopas: read reply to %q: %w", cmd, err)
	}
	monitoring.Debugf("sopas: %q -> %q", cmd, reply)
	return reply, nil
}

func (c *Client) readReply() (string, error) {
	if c.framing == FramingASCII {
		// Skip to the STX, then gather until ETX.
		if _, err := c.rd.ReadBytes(stx); err != nil {
			return "", err
		}
		body, err := c.rd.ReadBytes(etx)
		if err != nil {
			return "", err
		}
		return string(body[:len(body)-1]), nil
	}

	header := make([]byte, 8)
	if _, err := io.ReadFull(c.rd, header); err != nil {
		return "", err
	}
	if !bytes.Equal(header[:4], binaryMagic) {
		return "", fmt.Errorf("bad reply magic % x", header[:4])
	}
	n := binary.BigEndian.Uint32(header[4:8])
	if n == 0 || n > maxReplyLen {
		return "", fmt.Errorf("implausible reply length %d", n)
	}
	body := make([]byte, int(n)+1)
	if _, err := io.ReadFull(c.rd, body); err != nil {
		return "", err
	}
	payload, sum := body[:n], body[n]
	if got := xorChecksum(payload); got != sum {
		return "", fmt.Errorf("reply checksum mismatch: got 0x%02x want 0x%02x", sum, got)
	}
	return string(payload), nil
}

func frameCommand(f Framing, cmd string) []byte {
	if f == FramingASCII {
		out := make([]byte, 0, len(cmd)+2)
		out = append(out, stx)
		out = append(out, cmd...)
		out = append(out, etx)
		return out
	}
	out := make([]byte, 0, len(cmd)+9)
	out = append(out, binaryMagic...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(cmd)))
	out = append(out, cmd...)
	out = append(out, xorChecksum([]byte(cmd)))
	return out
}

func xorChecksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum ^= v
	}
	return sum
}

// Package wire detects message boundaries in the sensor's UDP byte stream,
// reassembles fragmented compact-format messages and verifies the CRC32
// trailer, handing verified payloads to the payload decoders.
//
// Both wire variants share the 4-byte magic prefix 02 02 02 02:
//
//	msgpack: magic | payload length N (big-endian uint32) | payload | CRC32
//	         total = N + 12, CRC computed over the payload only
//	compact: magic | opaque header ... | CRC32
//	         an external header parser derives the payload length N,
//	         total = N + 4, CRC computed over everything except the trailer
//
// The CRC32 is the zlib-compatible IEEE polynomial, compared against the
// little-endian 4-byte trailer.
package wire

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/banshee-data/multiscan.driver/internal/monitoring"
)

// Format tags the wire variant of a framed message.
type Format int

const (
	FormatCompact Format = iota
	FormatMsgpack
)

// String returns the configuration name of the format.
func (f Format) String() string {
	if f == FormatMsgpack {
		return "msgpack"
	}
	return "compact"
}

// Magic is the 4-byte start sequence of every data telegram.
var Magic = []byte{0x02, 0x02, 0x02, 0x02}

const (
	// MsgpackHeaderLen is magic plus the 4-byte payload length.
	MsgpackHeaderLen = 8

	// CRCLen is the size of the CRC32 trailer.
	CRCLen = 4

	// MaxCompactRequired bounds compact reassembly: a header demanding more
	// than this is treated as corrupt and the message is discarded.
	MaxCompactRequired = 1 << 20

	// RecvBufferSize is sized for the largest single datagram the sensor
	// sends, just under 64 KiB.
	RecvBufferSize = 64 * 1024
)

// Sentinel errors surfaced by Receiver implementations and the framer.
var (
	// ErrTimeout reports that a bounded receive elapsed without data.
	ErrTimeout = errors.New("wire: receive timeout")
	// ErrStopped reports that the transport was force-stopped.
	ErrStopped = errors.New("wire: transport stopped")
	// ErrCRCMismatch is returned by VerifyCRC when the trailer does not
	// match; ReadMessage discards such messages and keeps reading.
	ErrCRCMismatch = errors.New("wire: crc mismatch")
)

// Receiver is the transport contract the framer reads datagrams from.
// A negative timeout means block until data arrives or ForceStop is called.
// When prefix is non-empty the transport discards datagrams that do not
// start with it.
type Receiver interface {
	Receive(buf []byte, timeout time.Duration, prefix []byte) (int, error)
}

// NeedMoreError is returned by a compact HeaderParser when the bytes seen so
// far do not yet cover the full message; Required is the total byte count the
// header demands.
type NeedMoreError struct {
	Required int
}

func (e *NeedMoreError) Error() string {
	return fmt.Sprintf("wire: need %d bytes to complete compact header", e.Required)
}

// HeaderParser inspects the start of a compact message and returns the
// payload length (the full message length excluding the 4-byte CRC trailer).
// It returns *NeedMoreError while the module chain is still incomplete.
// The debug flag requests diagnostic logging of the parse, used for the
// re-parse after an oversized or corrupt header.
type HeaderParser func(data []byte, debug bool) (payloadLen int, err error)

// FramedMessage is one verified wire message. Payload is the CRC-covered
// range: the msgpack document for the msgpack variant, the full message
// without the trailer for the compact variant. Payload aliases the framer's
// receive buffer only until the next ReadMessage call; Framer copies it out.
type FramedMessage struct {
	Format   Format
	Payload  []byte
	CRC      uint32
	Received time.Time
}

// Stats receives framer counters. Implementations must be safe for use from
// the worker goroutine; the driver supplies a mutex-guarded implementation.
type Stats interface {
	AddDatagram(bytes int)
	AddMessage(bytes int)
	AddCRCFailure()
	AddDiscard()
}

type noopStats struct{}

func (noopStats) AddDatagram(int) {}
func (noopStats) AddMessage(int)  {}
func (noopStats) AddCRCFailure()  {}
func (noopStats) AddDiscard()     {}

// FramerConfig configures a Framer.
type FramerConfig struct {
	Format Format
	// CompactHeader is required when Format is FormatCompact.
	CompactHeader HeaderParser
	// ReceiveTimeout is the bounded receive wait used while data is flowing.
	ReceiveTimeout time.Duration
	// DropoutResetThresh is the silence duration after which receives switch
	// to blocking mode to avoid busy polling.
	DropoutResetThresh time.Duration
	// Stats is optional; a no-op implementation is used when nil.
	Stats Stats
}

// Framer reads datagrams from a Receiver and yields CRC-verified messages.
// It is owned by a single goroutine; none of its state is locked.
type Framer struct {
	recv  Receiver
	cfg   FramerConfig
	stats Stats

	buf      []byte
	chunk    []byte
	lastRecv time.Time
	blocking bool
}

// NewFramer creates a framer over the given transport.
func NewFramer(recv Receiver, cfg FramerConfig) *Framer {
	stats := cfg.Stats
	if stats == nil {
		stats = noopStats{}
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = time.Second
	}
	if cfg.DropoutResetThresh <= 0 {
		cfg.DropoutResetThresh = 2 * time.Second
	}
	return &Framer{
		recv:     recv,
		cfg:      cfg,
		stats:    stats,
		buf:      make([]byte, RecvBufferSize, MaxCompactRequired+RecvBufferSize),
		chunk:    make([]byte, RecvBufferSize),
		lastRecv: time.Now(),
	}
}

// Blocking reports whether the next receive will wait without a timeout.
// Exposed for the dropout-policy tests and the driver's status logging.
func (f *Framer) Blocking() bool {
	return f.blocking
}

// currentTimeout implements the adaptive timeout policy: once silence exceeds
// the dropout threshold the receive blocks (negative timeout); otherwise the
// bounded receive timeout applies. Re-evaluated after every receive.
func (f *Framer) currentTimeout() time.Duration {
	f.blocking = time.Since(f.lastRecv) > f.cfg.DropoutResetThresh
	if f.blocking {
		return -1
	}
	return f.cfg.ReceiveTimeout
}

// ReadMessage blocks until the next CRC-verified message, the context is
// cancelled, or the transport fails or is force-stopped. Malformed datagrams,
// CRC mismatches and oversized compact headers are discarded with a
// diagnostic and the read continues; they never surface as errors.
func (f *Framer) ReadMessage(ctx context.Context) (*FramedMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		buf := f.buf[:RecvBufferSize]
		n, err := f.recv.Receive(buf, f.currentTimeout(), Magic)
		switch {
		case errors.Is(err, ErrTimeout):
			continue
		case err != nil:
			return nil, err
		case n <= 0:
			continue
		}

		received := time.Now()
		f.lastRecv = received
		f.blocking = false
		f.stats.AddDatagram(n)

		// Undersized or misaligned datagrams cannot hold a header and CRC.
		if n <= len(Magic)+8 || !bytes.HasPrefix(buf[:n], Magic) {
			f.stats.AddDiscard()
			continue
		}

		var total, payloadOffset int
		if f.cfg.Format == FormatMsgpack {
			payloadLen := int(binary.BigEndian.Uint32(buf[len(Magic) : len(Magic)+4]))
			total = payloadLen + len(Magic) + 8
			payloadOffset = MsgpackHeaderLen
		} else {
			payloadLen, ok, err2 := f.reassembleCompact(ctx, &n, received)
			if err2 != nil {
				return nil, err2
			}
			if !ok {
				f.stats.AddDiscard()
				continue
			}
			total = payloadLen + CRCLen
			payloadOffset = 0 // compact CRC covers the whole message
		}

		valid := n
		if total < valid {
			valid = total
		}
		payload, wantCRC, cerr := VerifyCRC(f.buf[:valid], payloadOffset)
		if errors.Is(cerr, ErrCRCMismatch) {
			monitoring.Debugf("wire: crc mismatch on %s message (%d bytes), discarding",
				f.cfg.Format, valid)
			f.stats.AddCRCFailure()
			continue
		}
		if cerr != nil {
			f.stats.AddDiscard()
			continue
		}

		f.stats.AddMessage(valid)
		out := make([]byte, len(payload))
		copy(out, payload)
		return &FramedMessage{
			Format:   f.cfg.Format,
			Payload:  out,
			CRC:      wantCRC,
			Received: received,
		}, nil
	}
}

// VerifyCRC checks the little-endian CRC32 trailer of one wire message.
// data is the full message including the trailer; payloadOffset is where the
// checksummed range starts (MsgpackHeaderLen for msgpack, 0 for compact).
// It returns the covered payload and the trailer value, or ErrCRCMismatch
// when the checksum does not match.
func VerifyCRC(data []byte, payloadOffset int) (payload []byte, crc uint32, err error) {
	if len(data) < payloadOffset+CRCLen {
		return nil, 0, fmt.Errorf("wire: %d byte message cannot hold a crc trailer", len(data))
	}
	crc = binary.LittleEndian.Uint32(data[len(data)-CRCLen:])
	payload = data[payloadOffset : len(data)-CRCLen]
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, crc, ErrCRCMismatch
	}
	return payload, crc, nil
}

// reassembleCompact drives the external header parser over the bytes received
// so far, appending further datagrams until the parser is satisfied, the
// corrupt-size bound is hit, or the bounded receive window elapses. It
// returns the payload length and whether a complete message was assembled.
// *n is updated with the total bytes buffered.
func (f *Framer) reassembleCompact(ctx context.Context, n *int, start time.Time) (int, bool, error) {
	withinWindow := func() bool {
		return time.Since(start) < f.cfg.ReceiveTimeout
	}

	for ctx.Err() == nil {
		payloadLen, err := f.cfg.CompactHeader(f.buf[:*n], false)
		if err == nil {
			return payloadLen, true, nil
		}

		var needMore *NeedMoreError
		if !errors.As(err, &needMore) {
			monitoring.Logf("wire: compact header parse failed: %v", err)
			return 0, false, nil
		}
		if needMore.Required > MaxCompactRequired {
			// Corrupt size field. Re-parse with diagnostics for operators,
			// then drop the message.
			monitoring.Logf("wire: compact message requires %d bytes (received %d) - probably corrupt, discarding",
				needMore.Required, *n)
			_, _ = f.cfg.CompactHeader(f.buf[:*n], true)
			return 0, false, nil
		}
		if !withinWindow() {
			return 0, false, nil
		}

		// Gather chunks until the required size (plus CRC trailer) is
		// buffered or the window closes.
		for *n < needMore.Required+CRCLen && withinWindow() {
			if err := ctx.Err(); err != nil {
				return 0, false, err
			}
			cn, rerr := f.recv.Receive(f.chunk, f.cfg.ReceiveTimeout, nil)
			if errors.Is(rerr, ErrTimeout) {
				continue
			}
			if rerr != nil {
				return 0, false, rerr
			}
			if cn <= 0 {
				continue
			}
			f.buf = append(f.buf[:*n], f.chunk[:cn]...)
			*n += cn
		}
		if *n < needMore.Required+CRCLen {
			return 0, false, nil
		}
	}
	return 0, false, ctx.Err()
}

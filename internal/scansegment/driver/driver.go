// Package driver runs the acquisition lifecycle: it owns the worker
// goroutine that binds the UDP transport, drives the SOPAS control
// session, and pumps framed messages through the decoder into the
// frame assembler, retrying the whole sequence with backoff on any
// failure.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/multiscan.driver/internal/config"
	"github.com/banshee-data/multiscan.driver/internal/monitoring"
	"github.com/banshee-data/multiscan.driver/internal/scansegment"
	"github.com/banshee-data/multiscan.driver/internal/scansegment/compact"
	"github.com/banshee-data/multiscan.driver/internal/scansegment/msgpack"
	"github.com/banshee-data/multiscan.driver/internal/scansegment/network"
	"github.com/banshee-data/multiscan.driver/internal/scansegment/sopas"
	"github.com/banshee-data/multiscan.driver/internal/scansegment/wire"
)

// Transport is the UDP receive path. network.Receiver is the real
// implementation; tests substitute mocks.
type Transport interface {
	Init(host string, port int) error
	wire.Receiver
	// ForceStop unblocks any in-flight receive from another goroutine.
	ForceStop()
	Close() error
}

// DialControl opens the SOPAS control channel. Injected so tests can
// run the full lifecycle without a device.
type DialControl func() (sopas.Conn, error)

// Decoder turns one verified payload into a scan segment.
type Decoder func(payload []byte) (*scansegment.ScanSegment, error)

// Options wires a Supervisor. Only Config and the callbacks are
// required; nil dependencies get real implementations.
type Options struct {
	Config  config.DriverConfig
	OnFrame scansegment.FrameCallback
	OnImu   scansegment.ImuCallback

	Transport   Transport
	DialControl DialControl
	Stats       *scansegment.StreamStats
	LogInterval time.Duration
}

// Supervisor owns the background worker that keeps the sensor
// streaming. Start and Stop are safe to call from a control
// goroutine; all acquisition state is confined to the worker.
type Supervisor struct {
	cfg         config.DriverConfig
	format      wire.Format
	decode      Decoder
	transport   Transport
	dialControl DialControl
	assembler   *scansegment.FrameAssembler
	stats       *scansegment.StreamStats
	logInterval time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates the options and builds a stopped Supervisor.
func New(opts Options) (*Supervisor, error) {
	cfg := opts.Config

	var format wire.Format
	var decode Decoder
	switch cfg.PayloadFormat {
	case "compact":
		format = wire.FormatCompact
		decode = compact.Decode
	case "msgpack":
		format = wire.FormatMsgpack
		decode = msgpack.Decode
	default:
		return nil, fmt.Errorf("driver: unknown payload format %q", cfg.PayloadFormat)
	}

	preset, err := scansegment.ParseSchemaPreset(cfg.SchemaPreset)
	if err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}
	if _, err := sopas.ParseFraming(cfg.ColaFraming); err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}

	stats := opts.Stats
	if stats == nil {
		stats = scansegment.NewStreamStats()
	}

	onFrame := opts.OnFrame
	onImu := opts.OnImu
	schema := scansegment.NewPointRecordSchema(preset, scansegment.SchemaOptions{
		IncludeTimestamp: cfg.SchemaAddTimestamp,
		IncludeReflector: cfg.SchemaAddReflector,
	})
	assembler := scansegment.NewFrameAssembler(scansegment.FrameAssemblerConfig{
		Schema:              schema,
		MaxSegmentBuffering: cfg.MaxSegmentBuffering,
		OnFrame: func(f *scansegment.Frame) {
			stats.AddFrame()
			if onFrame != nil {
				onFrame(f)
			}
		},
		OnImu: func(s *scansegment.ImuSample) {
			stats.AddImuSample()
			if onImu != nil {
				onImu(s)
			}
		},
	})

	transport := opts.Transport
	if transport == nil {
		transport = network.NewReceiver(nil)
	}
	dial := opts.DialControl
	if dial == nil {
		framing, _ := sopas.ParseFraming(cfg.ColaFraming)
		dial = func() (sopas.Conn, error) {
			return sopas.Dial(cfg.SensorHostname, cfg.SopasPort, framing, cfg.SopasReadTimeout)
		}
	}
	logInterval := opts.LogInterval
	if logInterval <= 0 {
		logInterval = time.Minute
	}

	return &Supervisor{
		cfg:         cfg,
		format:      format,
		decode:      decode,
		transport:   transport,
		dialControl: dial,
		assembler:   assembler,
		stats:       stats,
		logInterval: logInterval,
	}, nil
}

// Stats exposes the stream counters, e.g. for a forwarder drop hook.
func (s *Supervisor) Stats() *scansegment.StreamStats {
	return s.stats
}

// Start launches the worker goroutine. It returns an error when the
// supervisor is already running.
func (s *Supervisor) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("driver: already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

// Stop requests shutdown and waits for the worker to exit. The force
// stop on the transport unblocks any in-flight receive, so the wait is
// bounded even when the device is unresponsive.
func (s *Supervisor) Stop(timeout time.Duration) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.transport.ForceStop()

	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("driver: worker did not stop within %v", timeout)
	}
}

// run is the outer retry loop: one sequential connection attempt at a
// time, backoff between failures.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	go s.logStatsLoop(ctx)

	for s.running.Load() && ctx.Err() == nil {
		sessionID := uuid.NewString()[:8]
		if err := s.runSession(ctx, sessionID); err != nil && ctx.Err() == nil {
			monitoring.Logf("driver: session %s: %v", sessionID, err)
		}
		if !s.running.Load() || ctx.Err() != nil {
			return
		}

		monitoring.Logf("driver: session %s ended, restarting in %v", sessionID, s.cfg.RestartBackoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RestartBackoff):
		}
	}
}

// runSession performs one full transport + control + receive cycle.
// A panic anywhere in the cycle is contained here so a malformed
// telegram can never take the supervisor down.
func (s *Supervisor) runSession(ctx context.Context, sessionID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v", r)
		}
	}()

	if err := s.transport.Init(s.cfg.DriverHostname, s.cfg.UDPPort); err != nil {
		return fmt.Errorf("transport init: %w", err)
	}
	defer s.transport.Close()

	conn, err := s.dialControl()
	if err != nil {
		return fmt.Errorf("control connect: %w", err)
	}
	conn.SetReadTimeout(s.cfg.SopasReadTimeout)

	session := sopas.NewSession(conn)
	defer session.Release()
	defer s.stopStream(session, sessionID)

	if !session.Authorize() {
		return errors.New("control authorization failed")
	}
	if !session.StartStream(s.startParams()) {
		return errors.New("start stream failed")
	}
	monitoring.Logf("driver: session %s streaming (%s format, udp %d)", sessionID, s.cfg.PayloadFormat, s.cfg.UDPPort)

	s.receiveLoop(ctx, session)
	return nil
}

// stopStream is the best-effort teardown: re-authorize in case the
// device dropped the access level, then disable the data stream.
// Failures are logged and never block shutdown.
func (s *Supervisor) stopStream(session *sopas.Session, sessionID string) {
	if !session.Connected() {
		return
	}
	session.Authorize()
	if !session.StopStream() {
		monitoring.Logf("driver: session %s: stop stream failed", sessionID)
	}
}

func (s *Supervisor) startParams() sopas.StartParams {
	imuPort := s.cfg.ImuUDPPort
	if imuPort == 0 {
		imuPort = s.cfg.UDPPort
	}
	formatCode := 2 // compact
	if s.format == wire.FormatMsgpack {
		formatCode = 1
	}
	return sopas.StartParams{
		Hostname:           s.cfg.DriverHostname,
		Port:               s.cfg.UDPPort,
		FormatCode:         formatCode,
		ImuEnable:          s.cfg.ImuEnable,
		ImuPort:            imuPort,
		PerformanceProfile: s.cfg.PerformanceProfile,
	}
}

// receiveLoop pumps verified messages into the decoder and assembler
// until the transport stops, the context ends, or the control channel
// drops. Buffering state never crosses a session boundary.
func (s *Supervisor) receiveLoop(ctx context.Context, session *sopas.Session) {
	s.assembler.Reset()

	framerCfg := wire.FramerConfig{
		Format:             s.format,
		ReceiveTimeout:     s.cfg.ReceiveTimeout,
		DropoutResetThresh: s.cfg.DropoutResetThresh,
		Stats:              s.stats,
	}
	if s.format == wire.FormatCompact {
		framerCfg.CompactHeader = compact.ParseHeader
	}
	framer := wire.NewFramer(s.transport, framerCfg)

	for s.running.Load() && ctx.Err() == nil && session.Connected() {
		msg, err := framer.ReadMessage(ctx)
		if err != nil {
			if !errors.Is(err, wire.ErrStopped) && ctx.Err() == nil {
				monitoring.Logf("driver: receive: %v", err)
			}
			return
		}

		seg, err := s.decode(msg.Payload)
		if err != nil {
			s.stats.AddDecodeFailure()
			monitoring.Logf("driver: decode %s message: %v", msg.Format, err)
			continue
		}
		s.stats.AddPoints(seg.PointCount())

		if err := s.assembler.AddSegment(seg); err != nil {
			s.stats.AddDecodeFailure()
			monitoring.Logf("driver: %v", err)
		}
	}
}

func (s *Supervisor) logStatsLoop(ctx context.Context) {
	// An early first report keeps startup from looking silent.
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		s.stats.LogStats()
	}

	ticker := time.NewTicker(s.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.stats.LogStats()
		}
	}
}

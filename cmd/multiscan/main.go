package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/multiscan.driver/internal/config"
	"github.com/banshee-data/multiscan.driver/internal/monitoring"
	"github.com/banshee-data/multiscan.driver/internal/scansegment"
	"github.com/banshee-data/multiscan.driver/internal/scansegment/compact"
	"github.com/banshee-data/multiscan.driver/internal/scansegment/driver"
	"github.com/banshee-data/multiscan.driver/internal/scansegment/msgpack"
	"github.com/banshee-data/multiscan.driver/internal/scansegment/network"
	"github.com/banshee-data/multiscan.driver/internal/scansegment/wire"
)

var (
	configFile  = flag.String("config", "", "Path to JSON config file (flags override file values)")
	sensorHost  = flag.String("sensor", "", "Sensor IP or hostname for the SOPAS control channel")
	driverHost  = flag.String("host", "", "Local IP the sensor should stream UDP data to")
	udpPort     = flag.Int("udp-port", 0, "UDP data port")
	sopasPort   = flag.Int("sopas-port", 0, "TCP control port on the sensor")
	format      = flag.String("format", "", "Payload format: compact or msgpack")
	colaFraming = flag.String("cola", "", "SOPAS command framing: binary or ascii")
	schema      = flag.String("schema", "", "Point record schema preset: xyz, xyzi, xyzir, xyzira, full")
	schemaTime  = flag.Bool("schema-timestamp", false, "Append the per-point sensor timestamp to each record")
	schemaRefl  = flag.Bool("schema-reflector", false, "Append the reflector flag to each record")
	imuEnable   = flag.Bool("imu", true, "Request IMU data transfer")
	imuPort     = flag.Int("imu-port", 0, "UDP port for IMU data (0 = data port)")
	profile     = flag.Int("profile", -1, "Performance profile number (-1 = leave device setting)")

	forwardPackets = flag.Bool("forward", false, "Forward received UDP datagrams to another address")
	forwardAddr    = flag.String("forward-addr", "localhost", "Address to forward UDP datagrams to")
	forwardPort    = flag.Int("forward-port", 2116, "Port to forward UDP datagrams to")

	pcapFile = flag.String("pcap", "", "Replay datagrams from a PCAP file instead of a live sensor (requires -tags=pcap build)")

	logInterval = flag.Int("log-interval", 60, "Statistics logging interval in seconds")
	debug       = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	monitoring.SetDebug(*debug)

	cfg, err := resolveConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := scansegment.NewStreamStats()
	onFrame := func(f *scansegment.Frame) {
		monitoring.Debugf("frame: %d points, %d byte records, %d bytes, t=%d",
			f.PointCount, f.RecordSize, len(f.Data), f.Timestamp)
	}
	onImu := func(s *scansegment.ImuSample) {
		monitoring.Debugf("imu: accel=(%.3f %.3f %.3f) angvel=(%.3f %.3f %.3f)",
			s.AccelerationX, s.AccelerationY, s.AccelerationZ,
			s.AngularVelocityX, s.AngularVelocityY, s.AngularVelocityZ)
	}

	if *pcapFile != "" {
		if err := replayFromPCAP(ctx, cfg, stats, onFrame, onImu); err != nil && ctx.Err() == nil {
			log.Fatalf("PCAP replay failed: %v", err)
		}
		return
	}

	if cfg.SensorHostname == "" {
		log.Fatal("Sensor hostname is required (use -sensor or the config file)")
	}
	if cfg.DriverHostname == "" {
		log.Fatal("Driver hostname is required (use -host or the config file)")
	}

	receiver := network.NewReceiver(nil)
	if *forwardPackets {
		forwarder, err := network.NewForwarder(*forwardAddr, *forwardPort, stats, time.Duration(*logInterval)*time.Second)
		if err != nil {
			log.Fatalf("Failed to create forwarder: %v", err)
		}
		forwarder.Start(ctx)
		defer forwarder.Close()
		receiver.SetForwarder(forwarder)
	}

	sup, err := driver.New(driver.Options{
		Config:      cfg,
		OnFrame:     onFrame,
		OnImu:       onImu,
		Transport:   receiver,
		Stats:       stats,
		LogInterval: time.Duration(*logInterval) * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to create driver: %v", err)
	}

	if err := sup.Start(); err != nil {
		log.Fatalf("Failed to start driver: %v", err)
	}
	log.Printf("Acquisition started: sensor %s, data udp %d, %s format", cfg.SensorHostname, cfg.UDPPort, cfg.PayloadFormat)

	<-ctx.Done()
	log.Print("Shutting down")
	if err := sup.Stop(5 * time.Second); err != nil {
		log.Printf("Shutdown: %v", err)
	}
}

// resolveConfig layers defaults, the optional config file, and any
// explicitly set flags, in that order.
func resolveConfig() (config.DriverConfig, error) {
	cfg := config.Default()

	if *configFile != "" {
		fileCfg, err := config.Load(*configFile)
		if err != nil {
			return cfg, err
		}
		fileCfg.Apply(&cfg)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "sensor":
			cfg.SensorHostname = *sensorHost
		case "host":
			cfg.DriverHostname = *driverHost
		case "udp-port":
			cfg.UDPPort = *udpPort
		case "sopas-port":
			cfg.SopasPort = *sopasPort
		case "format":
			cfg.PayloadFormat = *format
		case "cola":
			cfg.ColaFraming = *colaFraming
		case "schema":
			cfg.SchemaPreset = *schema
		case "schema-timestamp":
			cfg.SchemaAddTimestamp = *schemaTime
		case "schema-reflector":
			cfg.SchemaAddReflector = *schemaRefl
		case "imu":
			cfg.ImuEnable = *imuEnable
		case "imu-port":
			cfg.ImuUDPPort = *imuPort
		case "profile":
			cfg.PerformanceProfile = *profile
		}
	})

	return cfg, cfg.Validate()
}

// replayFromPCAP runs the framing, decode and assembly pipeline over
// recorded datagrams. No control channel is involved.
func replayFromPCAP(ctx context.Context, cfg config.DriverConfig, stats *scansegment.StreamStats,
	onFrame scansegment.FrameCallback, onImu scansegment.ImuCallback) error {

	preset, err := scansegment.ParseSchemaPreset(cfg.SchemaPreset)
	if err != nil {
		return err
	}
	recordSchema := scansegment.NewPointRecordSchema(preset, scansegment.SchemaOptions{
		IncludeTimestamp: cfg.SchemaAddTimestamp,
		IncludeReflector: cfg.SchemaAddReflector,
	})
	assembler := scansegment.NewFrameAssembler(scansegment.FrameAssemblerConfig{
		Schema:              recordSchema,
		MaxSegmentBuffering: cfg.MaxSegmentBuffering,
		OnFrame:             onFrame,
		OnImu:               onImu,
	})

	framerCfg := wire.FramerConfig{
		ReceiveTimeout:     cfg.ReceiveTimeout,
		DropoutResetThresh: cfg.DropoutResetThresh,
		Stats:              stats,
	}
	decode := compact.Decode
	if cfg.PayloadFormat == "msgpack" {
		framerCfg.Format = wire.FormatMsgpack
		decode = msgpack.Decode
	} else {
		framerCfg.Format = wire.FormatCompact
		framerCfg.CompactHeader = compact.ParseHeader
	}

	recv := newChannelReceiver(1000)
	framer := wire.NewFramer(recv, framerCfg)

	replayErr := make(chan error, 1)
	go func() {
		defer recv.CloseInput()
		replayErr <- network.ReplayPCAPFile(ctx, *pcapFile, cfg.UDPPort, recv.Feed)
	}()

	for {
		msg, err := framer.ReadMessage(ctx)
		if err != nil {
			break
		}
		seg, err := decode(msg.Payload)
		if err != nil {
			stats.AddDecodeFailure()
			monitoring.Debugf("decode: %v", err)
			continue
		}
		stats.AddPoints(seg.PointCount())
		if err := assembler.AddSegment(seg); err != nil {
			monitoring.Logf("%v", err)
		}
	}

	stats.LogStats()
	return <-replayErr
}

// channelReceiver adapts a datagram channel to the framer's receive
// contract, for replay runs.
type channelReceiver struct {
	ch chan []byte
}

func newChannelReceiver(depth int) *channelReceiver {
	return &channelReceiver{ch: make(chan []byte, depth)}
}

// Feed queues one datagram. The payload is copied.
func (r *channelReceiver) Feed(payload []byte) {
	pkt := make([]byte, len(payload))
	copy(pkt, payload)
	r.ch <- pkt
}

// CloseInput marks the end of the recording.
func (r *channelReceiver) CloseInput() {
	close(r.ch)
}

func (r *channelReceiver) Receive(buf []byte, timeout time.Duration, prefix []byte) (int, error) {
	pkt, ok := <-r.ch
	if !ok {
		return 0, wire.ErrStopped
	}
	return copy(buf, pkt), nil
}

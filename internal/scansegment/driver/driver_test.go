package driver

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/multiscan.driver/internal/config"
	"github.com/banshee-data/multiscan.driver/internal/scansegment"
	"github.com/banshee-data/multiscan.driver/internal/scansegment/sopas"
	"github.com/banshee-data/multiscan.driver/internal/scansegment/wire"
)

// scriptedTransport serves queued datagrams, then times out until
// ForceStop. It records Init calls and can fail the first attempts.
type scriptedTransport struct {
	mu        sync.Mutex
	initErrs  []error
	initCalls int
	queue     [][]byte
	stopped   bool
	stopCh    chan struct{}
}

func newScriptedTransport(datagrams [][]byte) *scriptedTransport {
	return &scriptedTransport{queue: datagrams, stopCh: make(chan struct{})}
}

func (t *scriptedTransport) Init(host string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initCalls++
	if len(t.initErrs) > 0 {
		err := t.initErrs[0]
		t.initErrs = t.initErrs[1:]
		return err
	}
	t.stopped = false
	return nil
}

func (t *scriptedTransport) Receive(buf []byte, timeout time.Duration, prefix []byte) (int, error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return 0, wire.ErrStopped
	}
	if len(t.queue) > 0 {
		pkt := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()
		return copy(buf, pkt), nil
	}
	t.mu.Unlock()

	// Idle: behave like a deadline expiry, but yield so the retry loop
	// does not spin hot, and honor force-stop immediately.
	select {
	case <-t.stopCh:
		return 0, wire.ErrStopped
	case <-time.After(time.Millisecond):
		return 0, wire.ErrTimeout
	}
}

func (t *scriptedTransport) ForceStop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.stopped = true
		close(t.stopCh)
	}
}

func (t *scriptedTransport) Close() error { return nil }

func (t *scriptedTransport) inits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initCalls
}

// ackConn acknowledges every SOPAS command and records the sequence.
type ackConn struct {
	mu        sync.Mutex
	sent      []string
	connected bool
}

func newAckConn() *ackConn { return &ackConn{connected: true} }

func (c *ackConn) Request(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return "", errors.New("not connected")
	}
	c.sent = append(c.sent, cmd)
	fields := strings.Fields(cmd)
	switch fields[0] {
	case "sWN":
		return "sWA " + fields[1], nil
	case "sMN":
		return "sAN " + fields[1] + " 1", nil
	}
	return cmd, nil
}

func (c *ackConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *ackConn) SetReadTimeout(time.Duration) {}

func (c *ackConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *ackConn) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.sent...)
}

func appendF32(b []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
}

// compactSegmentMessage builds one complete single-point compact
// message, CRC trailer included, for the given segment index.
func compactSegmentMessage(segIndex int) []byte {
	const moduleSize = 32 + 12 + 9 // header + line meta + 1 beam, 1 echo

	msg := []byte{0x02, 0x02, 0x02, 0x02}
	msg = binary.LittleEndian.AppendUint32(msg, 1) // scan data
	msg = binary.LittleEndian.AppendUint32(msg, uint32(segIndex))
	msg = binary.LittleEndian.AppendUint32(msg, 0)
	msg = binary.LittleEndian.AppendUint32(msg, 1000)
	msg = binary.LittleEndian.AppendUint32(msg, uint32(segIndex))
	msg = binary.LittleEndian.AppendUint32(msg, 4) // telegram version
	msg = binary.LittleEndian.AppendUint32(msg, moduleSize)

	msg = binary.LittleEndian.AppendUint32(msg, uint32(segIndex))
	msg = binary.LittleEndian.AppendUint32(msg, 1) // lines
	msg = binary.LittleEndian.AppendUint32(msg, 1) // beams
	msg = binary.LittleEndian.AppendUint32(msg, 1) // echoes
	msg = binary.LittleEndian.AppendUint32(msg, 0) // next module
	msg = binary.LittleEndian.AppendUint64(msg, 42)
	msg = binary.LittleEndian.AppendUint32(msg, 0)

	msg = appendF32(msg, 0.0)  // phi
	msg = appendF32(msg, -0.1) // theta start
	msg = appendF32(msg, 0.1)  // theta stop

	msg = appendF32(msg, 7.5) // distance
	msg = appendF32(msg, 3.0) // rcs
	msg = append(msg, 0x00)   // properties

	return binary.LittleEndian.AppendUint32(msg, crc32.ChecksumIEEE(msg))
}

func testConfig() config.DriverConfig {
	cfg := config.Default()
	cfg.SensorHostname = "192.168.0.1"
	cfg.DriverHostname = "192.168.0.100"
	cfg.ReceiveTimeout = 20 * time.Millisecond
	cfg.DropoutResetThresh = time.Hour // keep tests off the blocking path
	cfg.RestartBackoff = 10 * time.Millisecond
	cfg.ImuEnable = false
	return cfg
}

func TestNew_RejectsInvalidOptions(t *testing.T) {
	cfg := testConfig()
	cfg.PayloadFormat = "json"
	_, err := New(Options{Config: cfg})
	require.Error(t, err)

	cfg = testConfig()
	cfg.SchemaPreset = "bogus"
	_, err = New(Options{Config: cfg})
	require.Error(t, err)

	cfg = testConfig()
	cfg.ColaFraming = "morse"
	_, err = New(Options{Config: cfg})
	require.Error(t, err)
}

func TestSupervisor_FullRotationReachesCallback(t *testing.T) {
	datagrams := make([][]byte, 0, 12)
	for idx := 0; idx < 12; idx++ {
		datagrams = append(datagrams, compactSegmentMessage(idx))
	}
	transport := newScriptedTransport(datagrams)
	conn := newAckConn()

	frames := make(chan *scansegment.Frame, 1)
	sup, err := New(Options{
		Config:      testConfig(),
		OnFrame:     func(f *scansegment.Frame) { frames <- f },
		Transport:   transport,
		DialControl: func() (sopas.Conn, error) { return conn, nil },
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start())
	defer sup.Stop(time.Second)

	select {
	case f := <-frames:
		require.Equal(t, 12, f.PointCount)
		require.True(t, f.Dense)
		// Frame timestamp anchors to segment 0 (nsec = index).
		require.Equal(t, uint64(1000)*1e9, f.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame within 2s")
	}

	cmds := conn.commands()
	require.Contains(t, cmds, "sMN SetAccessMode 3 F4724744")
	require.Contains(t, cmds, "sWN ScanDataFormat 2")
	require.Contains(t, cmds, "sWN ScanDataEthSettings 1 192 168 0 100 2115")
}

func TestSupervisor_SchemaOptionsWidenRecords(t *testing.T) {
	datagrams := make([][]byte, 0, 12)
	for idx := 0; idx < 12; idx++ {
		datagrams = append(datagrams, compactSegmentMessage(idx))
	}

	cfg := testConfig()
	cfg.SchemaPreset = "xyzir"
	cfg.SchemaAddTimestamp = true
	cfg.SchemaAddReflector = true

	frames := make(chan *scansegment.Frame, 1)
	sup, err := New(Options{
		Config:      cfg,
		OnFrame:     func(f *scansegment.Frame) { frames <- f },
		Transport:   newScriptedTransport(datagrams),
		DialControl: func() (sopas.Conn, error) { return newAckConn(), nil },
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start())
	defer sup.Stop(time.Second)

	select {
	case f := <-frames:
		// xyzir (20) + timestamp (8) + reflector (4).
		require.Equal(t, 32, f.RecordSize)
		require.Equal(t, 12, f.PointCount)
		require.Len(t, f.Data, 12*32)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame within 2s")
	}
}

func TestSupervisor_StopSendsBestEffortStopCommand(t *testing.T) {
	transport := newScriptedTransport(nil)
	conn := newAckConn()

	sup, err := New(Options{
		Config:      testConfig(),
		Transport:   transport,
		DialControl: func() (sopas.Conn, error) { return conn, nil },
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start())

	// Let the worker reach the receive loop before stopping.
	require.Eventually(t, func() bool {
		return len(conn.commands()) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sup.Stop(time.Second))
	require.Contains(t, conn.commands(), "sWN ScanDataEnable 0")
}

func TestSupervisor_RetriesAfterTransportInitFailure(t *testing.T) {
	transport := newScriptedTransport(nil)
	transport.initErrs = []error{
		errors.New("bind failed"),
		errors.New("bind failed"),
	}
	conn := newAckConn()

	sup, err := New(Options{
		Config:      testConfig(),
		Transport:   transport,
		DialControl: func() (sopas.Conn, error) { return conn, nil },
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start())
	defer sup.Stop(time.Second)

	require.Eventually(t, func() bool {
		return transport.inits() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_RetriesAfterControlFailure(t *testing.T) {
	transport := newScriptedTransport(nil)
	dials := 0
	var mu sync.Mutex

	sup, err := New(Options{
		Config:    testConfig(),
		Transport: transport,
		DialControl: func() (sopas.Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			dials++
			return nil, errors.New("connection refused")
		},
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start())
	defer sup.Stop(time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_StopIsBoundedWhenDeviceSilent(t *testing.T) {
	transport := newScriptedTransport(nil)
	conn := newAckConn()

	sup, err := New(Options{
		Config:      testConfig(),
		Transport:   transport,
		DialControl: func() (sopas.Conn, error) { return conn, nil },
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start())

	require.Eventually(t, func() bool {
		return len(conn.commands()) > 0
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, sup.Stop(2*time.Second))
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestSupervisor_StartTwiceFails(t *testing.T) {
	transport := newScriptedTransport(nil)
	sup, err := New(Options{
		Config:      testConfig(),
		Transport:   transport,
		DialControl: func() (sopas.Conn, error) { return newAckConn(), nil },
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start())
	require.Error(t, sup.Start())
	require.NoError(t, sup.Stop(time.Second))
}

package sopas

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// mockConn acknowledges every command with its expected reply unless
// failOn matches, and records what was sent.
type mockConn struct {
	sent      []string
	failOn    string
	connected bool
	closed    bool
}

func newMockConn() *mockConn { return &mockConn{connected: true} }

func (m *mockConn) Request(cmd string) (string, error) {
	if !m.connected {
		return "", fmt.Errorf("not connected")
	}
	m.sent = append(m.sent, cmd)
	if m.failOn != "" && cmd == m.failOn {
		return "sFA 0x0a", nil
	}
	return expectedReply(cmd) + " 1", nil
}

func (m *mockConn) IsConnected() bool            { return m.connected }
func (m *mockConn) SetReadTimeout(time.Duration) {}
func (m *mockConn) Close() error                 { m.closed = true; m.connected = false; return nil }

func TestExpectedReply(t *testing.T) {
	cases := map[string]string{
		"sMN SetAccessMode 3 F4724744": "sAN SetAccessMode",
		"sWN ScanDataEnable 1":         "sWA ScanDataEnable",
		"sMN Run":                      "sAN Run",
		"sRN DeviceIdent":              "sRA DeviceIdent",
	}
	for cmd, want := range cases {
		if got := expectedReply(cmd); got != want {
			t.Errorf("expectedReply(%q) = %q, want %q", cmd, got, want)
		}
	}
}

func TestSession_FullLifecycle(t *testing.T) {
	conn := newMockConn()
	s := NewSession(conn)
	require.Equal(t, StateConnecting, s.State())

	require.True(t, s.Authorize())
	require.Equal(t, StateAuthorized, s.State())

	require.True(t, s.StartStream(StartParams{
		Hostname:           "192.168.0.100",
		Port:               2115,
		FormatCode:         2,
		PerformanceProfile: -1,
	}))
	require.Equal(t, StateStreaming, s.State())

	require.True(t, s.StopStream())
	require.Equal(t, StateStopping, s.State())

	s.Release()
	require.Equal(t, StateDisconnected, s.State())
	require.True(t, conn.closed)

	want := []string{
		"sMN SetAccessMode 3 F4724744",
		"sWN ScanDataFormat 2",
		"sWN ScanDataPreformatting 1",
		"sWN ScanDataEthSettings 1 192 168 0 100 2115",
		"sWN ScanDataEnable 1",
		"sMN LMCstartmeas",
		"sMN Run",
		"sWN ScanDataEnable 0",
		"sMN Run",
	}
	if diff := cmp.Diff(want, conn.sent); diff != "" {
		t.Errorf("command sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_StartStreamWithImuAndProfile(t *testing.T) {
	conn := newMockConn()
	s := NewSession(conn)
	require.True(t, s.Authorize())
	require.True(t, s.StartStream(StartParams{
		Hostname:           "10.0.0.5",
		Port:               2115,
		FormatCode:         1,
		ImuEnable:          true,
		ImuPort:            7503,
		PerformanceProfile: 3,
	}))

	want := []string{
		"sMN SetAccessMode 3 F4724744",
		"sWN ScanDataFormat 1",
		"sWN ScanDataPreformatting 1",
		"sWN ScanDataEthSettings 1 10 0 0 5 2115",
		"sWN ScanDataEnableIMU 1",
		"sWN ScanDataEthSettingsIMU 1 10 0 0 5 7503",
		"sWN PerformanceProfileNumber 3",
		"sWN ScanDataEnable 1",
		"sMN LMCstartmeas",
		"sMN Run",
	}
	if diff := cmp.Diff(want, conn.sent); diff != "" {
		t.Errorf("command sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_AuthorizeRejectedReply(t *testing.T) {
	conn := newMockConn()
	conn.failOn = "sMN SetAccessMode 3 F4724744"
	s := NewSession(conn)
	require.False(t, s.Authorize())
	require.Equal(t, StateConnecting, s.State())
}

func TestSession_StartStreamStopsOnFirstFailure(t *testing.T) {
	conn := newMockConn()
	conn.failOn = "sWN ScanDataEnable 1"
	s := NewSession(conn)
	require.True(t, s.Authorize())
	require.False(t, s.StartStream(StartParams{
		Hostname:           "192.168.0.100",
		Port:               2115,
		FormatCode:         2,
		PerformanceProfile: -1,
	}))
	require.Equal(t, StateAuthorized, s.State())
	require.Equal(t, "sWN ScanDataEnable 1", conn.sent[len(conn.sent)-1])
}

func TestSession_StopStreamBestEffortWhenDisconnected(t *testing.T) {
	conn := newMockConn()
	conn.connected = false
	s := NewSession(conn)
	require.False(t, s.StopStream())
	require.Equal(t, StateStopping, s.State())
	require.Empty(t, conn.sent)
}

func TestSession_StartStreamRejectsNonIPv4Destination(t *testing.T) {
	conn := newMockConn()
	s := NewSession(conn)
	require.True(t, s.Authorize())
	require.False(t, s.StartStream(StartParams{
		Hostname:           "::1",
		Port:               2115,
		FormatCode:         2,
		PerformanceProfile: -1,
	}))
}

package sopas

import (
	"fmt"
	"net"
	"strings"

	"github.com/banshee-data/multiscan.driver/internal/monitoring"
)

// State tracks where the control session is in its lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthorized
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthorized:
		return "authorized"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StartParams carries everything the start-stream command bundle needs.
type StartParams struct {
	// Hostname is the destination for UDP scan data, an IP or a name.
	Hostname string
	Port     int
	// FormatCode selects the wire variant: 1 msgpack, 2 compact.
	FormatCode int
	ImuEnable  bool
	ImuPort    int
	// PerformanceProfile below zero leaves the device setting untouched.
	PerformanceProfile int
}

const authorizeCmd = "sMN SetAccessMode 3 F4724744"

// Session drives the device command sequence over a Conn. Command
// failures are reported as booleans so the caller can fold them into
// its retry loop instead of unwinding.
type Session struct {
	conn  Conn
	state State
}

// NewSession wraps an already-dialed connection.
func NewSession(conn Conn) *Session {
	s := &Session{conn: conn, state: StateDisconnected}
	if conn != nil && conn.IsConnected() {
		s.state = StateConnecting
	}
	return s
}

func (s *Session) State() State { return s.state }

func (s *Session) Connected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// Authorize unlocks the device for configuration commands.
func (s *Session) Authorize() bool {
	if !s.Connected() {
		return false
	}
	if !s.sendChecked(authorizeCmd) {
		return false
	}
	s.state = StateAuthorized
	return true
}

// StartStream points the device at the receiver and starts the
// measurement output. All commands must succeed.
func (s *Session) StartStream(p StartParams) bool {
	if !s.Connected() {
		return false
	}

	ip, err := resolveIPv4(p.Hostname)
	if err != nil {
		monitoring.Logf("sopas: start stream: %v", err)
		return false
	}

	cmds := []string{
		fmt.Sprintf("sWN ScanDataFormat %d", p.FormatCode),
		"sWN ScanDataPreformatting 1",
		fmt.Sprintf("sWN ScanDataEthSettings 1 %d %d %d %d %d", ip[0], ip[1], ip[2], ip[3], p.Port),
	}
	if p.ImuEnable {
		cmds = append(cmds,
			"sWN ScanDataEnableIMU 1",
			fmt.Sprintf("sWN ScanDataEthSettingsIMU 1 %d %d %d %d %d", ip[0], ip[1], ip[2], ip[3], p.ImuPort),
		)
	}
	if p.PerformanceProfile >= 0 {
		cmds = append(cmds, fmt.Sprintf("sWN PerformanceProfileNumber %d", p.PerformanceProfile))
	}
	cmds = append(cmds,
		"sWN ScanDataEnable 1",
		"sMN LMCstartmeas",
		"sMN Run",
	)

	for _, cmd := range cmds {
		if !s.sendChecked(cmd) {
			return false
		}
	}
	s.state = StateStreaming
	return true
}

// StopStream disables the measurement output. Errors are logged and
// reported, never escalated: teardown keeps going regardless.
func (s *Session) StopStream() bool {
	s.state = StateStopping
	if !s.Connected() {
		return false
	}
	ok := s.sendChecked("sWN ScanDataEnable 0")
	ok = s.sendChecked("sMN Run") && ok
	return ok
}

// Release closes the channel and returns the session to its idle state.
func (s *Session) Release() {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			monitoring.Debugf("sopas: close: %v", err)
		}
	}
	s.state = StateDisconnected
}

func (s *Session) sendChecked(cmd string) bool {
	reply, err := s.conn.Request(cmd)
	if err != nil {
		monitoring.Logf("sopas: %v", err)
		return false
	}
	want := expectedReply(cmd)
	if !strings.HasPrefix(reply, want) {
		monitoring.Logf("sopas: command %q: reply %q, expected prefix %q", cmd, reply, want)
		return false
	}
	return true
}

// expectedReply derives the reply prefix from the request verb: write
// requests are acknowledged with sWA, method calls with sAN.
func expectedReply(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) < 2 {
		return cmd
	}
	verb := fields[0]
	switch verb {
	case "sWN":
		verb = "sWA"
	case "sMN":
		verb = "sAN"
	case "sRN":
		verb = "sRA"
	case "sEN":
		verb = "sEA"
	}
	return verb + " " + fields[1]
}

func resolveIPv4(hostname string) (net.IP, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("sopas: %q is not an IPv4 address", hostname)
	}
	addrs, err := net.LookupIP(hostname)
	if err != nil {
		return nil, fmt.Errorf("sopas: resolve %q: %w", hostname, err)
	}
	for _, addr := range addrs {
		if v4 := addr.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("sopas: no IPv4 address for %q", hostname)
}

package sopas

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func pipeClient(framing Framing) (*Client, net.Conn) {
	local, remote := net.Pipe()
	c := &Client{
		conn:      local,
		rd:        bufio.NewReader(local),
		framing:   framing,
		connected: true,
	}
	return c, remote
}

func frameBinaryReply(payload string) []byte {
	out := append([]byte{}, binaryMagic...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	out = append(out, xorChecksum([]byte(payload)))
	return out
}

func TestClient_RequestBinary(t *testing.T) {
	c, remote := pipeClient(FramingBinary)
	defer c.Close()

	go func() {
		header := make([]byte, 8)
		if _, err := io.ReadFull(remote, header); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(header[4:8])
		body := make([]byte, int(n)+1)
		if _, err := io.ReadFull(remote, body); err != nil {
			return
		}
		if string(body[:n]) != "sMN Run" || body[n] != xorChecksum(body[:n]) {
			remote.Close()
			return
		}
		remote.Write(frameBinaryReply("sAN Run 1"))
	}()

	reply, err := c.Request("sMN Run")
	require.NoError(t, err)
	require.Equal(t, "sAN Run 1", reply)
	require.True(t, c.IsConnected())
}

func TestClient_RequestASCII(t *testing.T) {
	c, remote := pipeClient(FramingASCII)
	defer c.Close()

	go func() {
		rd := bufio.NewReader(remote)
		if b, err := rd.ReadByte(); err != nil || b != stx {
			remote.Close()
			return
		}
		body, err := rd.ReadBytes(etx)
		if err != nil || string(body[:len(body)-1]) != "sWN ScanDataEnable 1" {
			remote.Close()
			return
		}
		remote.Write([]byte{stx})
		remote.Write([]byte("sWA ScanDataEnable"))
		remote.Write([]byte{etx})
	}()

	reply, err := c.Request("sWN ScanDataEnable 1")
	require.NoError(t, err)
	require.Equal(t, "sWA ScanDataEnable", reply)
}

func TestClient_ChecksumMismatchDropsConnection(t *testing.T) {
	c, remote := pipeClient(FramingBinary)
	defer c.Close()

	go func() {
		header := make([]byte, 8)
		if _, err := io.ReadFull(remote, header); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(header[4:8])
		io.ReadFull(remote, make([]byte, int(n)+1))
		bad := frameBinaryReply("sAN Run 1")
		bad[len(bad)-1] ^= 0xFF
		remote.Write(bad)
	}()

	_, err := c.Request("sMN Run")
	require.Error(t, err)
	require.False(t, c.IsConnected())
}

func TestClient_RequestAfterClose(t *testing.T) {
	c, _ := pipeClient(FramingBinary)
	require.NoError(t, c.Close())
	_, err := c.Request("sMN Run")
	require.Error(t, err)
}

func TestParseFraming(t *testing.T) {
	f, err := ParseFraming("binary")
	require.NoError(t, err)
	require.Equal(t, FramingBinary, f)

	f, err = ParseFraming("ascii")
	require.NoError(t, err)
	require.Equal(t, FramingASCII, f)

	_, err = ParseFraming("cola")
	require.Error(t, err)
}

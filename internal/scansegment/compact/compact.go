// Package compact implements the sensor's compact binary telegram format:
// the module-chain header parser the wire framer needs to size fragmented
// messages, and the payload decoder that turns a CRC-verified telegram into
// a ScanSegment or IMU sample.
//
// Telegram layout (all integers little-endian unless noted):
//
//	header (32 bytes):
//	  [0:4)   magic 02 02 02 02
//	  [4:8)   command id: 1 = scan data, 2 = imu
//	  [8:12)  telegram counter
//	  [12:16) reserved
//	  [16:20) timestamp seconds
//	  [20:24) timestamp nanoseconds
//	  [24:28) telegram version (4)
//	  [28:32) size of module 0
//
//	scan data module (command id 1, chained via next-module size):
//	  [0:4)   segment index
//	  [4:8)   number of lines
//	  [8:12)  beams per line
//	  [12:16) echoes per beam
//	  [16:20) next module size (0 = last module)
//	  [20:28) module start time, microseconds (uint64)
//	  [28:32) reserved
//	  per line: phi, theta start, theta stop (float32 radians)
//	  per line, per beam: echoes x (distance, rcs) float32, then 1 property
//	  byte per beam (bit 0 = reflector)
//
//	imu module (command id 2, single module of 40 bytes):
//	  acceleration x,y,z; angular velocity x,y,z; orientation w,x,y,z
//	  (ten float32 values); the sample timestamp is the header timestamp
package compact

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/banshee-data/multiscan.driver/internal/monitoring"
	"github.com/banshee-data/multiscan.driver/internal/scansegment"
	"github.com/banshee-data/multiscan.driver/internal/scansegment/wire"
)

const (
	HeaderSize       = 32
	ModuleHeaderSize = 32
	LineMetaSize     = 12
	imuModuleSize    = 40

	CommandScanData = 1
	CommandImu      = 2

	TelegramVersion = 4
)

// ParseHeader walks the module chain and returns the total payload length
// (the full telegram excluding the 4-byte CRC trailer). While the chain is
// not fully covered by data it returns *wire.NeedMoreError with the byte
// count required so far, letting the framer gather further datagrams. It
// satisfies the wire.HeaderParser contract.
func ParseHeader(data []byte, debug bool) (int, error) {
	if len(data) < HeaderSize {
		return 0, &wire.NeedMoreError{Required: HeaderSize}
	}
	for i := 0; i < len(wire.Magic); i++ {
		if data[i] != wire.Magic[i] {
			return 0, fmt.Errorf("compact: bad start sequence % x", data[:4])
		}
	}

	commandID := binary.LittleEndian.Uint32(data[4:8])
	version := binary.LittleEndian.Uint32(data[24:28])
	sizeModule0 := int(binary.LittleEndian.Uint32(data[28:32]))

	if debug {
		monitoring.Logf("compact: header commandId=%d telegramCnt=%d version=%d sizeModule0=%d received=%d",
			commandID, binary.LittleEndian.Uint32(data[8:12]), version, sizeModule0, len(data))
	}

	if version != TelegramVersion {
		return 0, fmt.Errorf("compact: unsupported telegram version %d", version)
	}

	switch commandID {
	case CommandImu:
		required := HeaderSize + sizeModule0
		if len(data) < required {
			return 0, &wire.NeedMoreError{Required: required}
		}
		return required, nil

	case CommandScanData:
		offset := HeaderSize
		size := sizeModule0
		for size > 0 {
			if size < ModuleHeaderSize {
				return 0, fmt.Errorf("compact: module size %d below module header size", size)
			}
			if len(data) < offset+size {
				return 0, &wire.NeedMoreError{Required: offset + size}
			}
			next := int(binary.LittleEndian.Uint32(data[offset+16 : offset+20]))
			if debug {
				monitoring.Logf("compact: module at %d size=%d next=%d", offset, size, next)
			}
			offset += size
			size = next
		}
		return offset, nil
	}

	return 0, fmt.Errorf("compact: unknown command id %d", commandID)
}

// Decode turns a CRC-verified compact payload into a ScanSegment. IMU
// telegrams yield a segment with no scan data and the IMU field set. Decode
// is a pure function with no shared state.
func Decode(payload []byte) (*scansegment.ScanSegment, error) {
	// The payload was already sized by ParseHeader, but a decoder must not
	// trust that: re-validate every bound before reading.
	total, err := ParseHeader(payload, false)
	if err != nil {
		return nil, fmt.Errorf("compact: decode header: %w", err)
	}
	if total > len(payload) {
		return nil, fmt.Errorf("compact: payload truncated: have %d bytes, header covers %d", len(payload), total)
	}

	seg := &scansegment.ScanSegment{
		TelegramCnt:   binary.LittleEndian.Uint32(payload[8:12]),
		TimestampSec:  binary.LittleEndian.Uint32(payload[16:20]),
		TimestampNsec: binary.LittleEndian.Uint32(payload[20:24]),
	}

	commandID := binary.LittleEndian.Uint32(payload[4:8])
	if commandID == CommandImu {
		imu, err := decodeImuModule(payload[HeaderSize:total])
		if err != nil {
			return nil, err
		}
		imu.TimestampSec = seg.TimestampSec
		imu.TimestampNsec = seg.TimestampNsec
		seg.IMU = imu
		return seg, nil
	}

	offset := HeaderSize
	size := int(binary.LittleEndian.Uint32(payload[28:32]))
	pointIdx := uint32(0)
	first := true
	for size > 0 {
		module := payload[offset : offset+size]
		group, segmentIndex, next, err := decodeScanModule(module, &pointIdx)
		if err != nil {
			return nil, err
		}
		if first {
			seg.SegmentIndex = segmentIndex
			first = false
		} else if seg.SegmentIndex != segmentIndex {
			return nil, fmt.Errorf("compact: segment index changed mid-telegram: %d then %d",
				seg.SegmentIndex, segmentIndex)
		}
		seg.Groups = append(seg.Groups, *group)
		offset += size
		size = next
	}

	return seg, nil
}

// decodeScanModule decodes one chained scan-data module into a group.
func decodeScanModule(module []byte, pointIdx *uint32) (*scansegment.ScanGroup, int, int, error) {
	segmentIndex := int(int32(binary.LittleEndian.Uint32(module[0:4])))
	lines := int(binary.LittleEndian.Uint32(module[4:8]))
	beams := int(binary.LittleEndian.Uint32(module[8:12]))
	echoes := int(binary.LittleEndian.Uint32(module[12:16]))
	next := int(binary.LittleEndian.Uint32(module[16:20]))
	startMicros := binary.LittleEndian.Uint64(module[20:28])

	if lines < 0 || beams < 0 || echoes < 1 || echoes > scansegment.MaxEchosPerPoint {
		return nil, 0, 0, fmt.Errorf("compact: implausible module shape lines=%d beams=%d echoes=%d",
			lines, beams, echoes)
	}
	lineDataSize := beams * (echoes*8 + 1)
	want := ModuleHeaderSize + lines*LineMetaSize + lines*lineDataSize
	if len(module) != want {
		return nil, 0, 0, fmt.Errorf("compact: module size %d does not match shape (want %d)",
			len(module), want)
	}

	group := &scansegment.ScanGroup{Lines: make([]scansegment.ScanLine, 0, lines)}
	metaOff := ModuleHeaderSize
	dataOff := ModuleHeaderSize + lines*LineMetaSize

	for li := 0; li < lines; li++ {
		phi := readFloat32(module[metaOff:])
		thetaStart := readFloat32(module[metaOff+4:])
		thetaStop := readFloat32(module[metaOff+8:])
		metaOff += LineMetaSize

		line := scansegment.ScanLine{Points: make([]scansegment.Point, 0, beams*echoes)}
		for bi := 0; bi < beams; bi++ {
			theta := thetaStart
			if beams > 1 {
				theta += (thetaStop - thetaStart) * float32(bi) / float32(beams-1)
			}
			props := module[dataOff+echoes*8]
			for ei := 0; ei < echoes; ei++ {
				dist := readFloat32(module[dataOff:])
				rcs := readFloat32(module[dataOff+4:])
				dataOff += 8

				// Distance zero means no return for this echo.
				if dist == 0 {
					continue
				}
				x, y, z := sphericalToCartesian(dist, theta, phi)
				p := scansegment.Point{
					X: x, Y: y, Z: z,
					Intensity:              rcs,
					Range:                  dist,
					Azimuth:                theta,
					Elevation:              phi,
					Layer:                  uint32(li),
					Echo:                   uint32(ei),
					PointIdx:               *pointIdx,
					LidarTimestampMicrosec: startMicros,
				}
				if props&0x01 != 0 {
					p.Reflector = 1
				}
				*pointIdx++
				line.Points = append(line.Points, p)
			}
			dataOff++ // property byte
		}
		group.Lines = append(group.Lines, line)
	}

	return group, segmentIndex, next, nil
}

// decodeImuModule decodes the ten-float IMU module.
func decodeImuModule(module []byte) (*scansegment.ImuSample, error) {
	if len(module) != imuModuleSize {
		return nil, fmt.Errorf("compact: imu module size %d, want %d", len(module), imuModuleSize)
	}
	f := func(i int) float64 { return float64(readFloat32(module[i*4:])) }
	return &scansegment.ImuSample{
		AccelerationX:    f(0),
		AccelerationY:    f(1),
		AccelerationZ:    f(2),
		AngularVelocityX: f(3),
		AngularVelocityY: f(4),
		AngularVelocityZ: f(5),
		OrientationW:     f(6),
		OrientationX:     f(7),
		OrientationY:     f(8),
		OrientationZ:     f(9),
	}, nil
}

func readFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[:4]))
}

// sphericalToCartesian converts a range plus azimuth/elevation (radians) to
// sensor-frame cartesian coordinates: X forward, Y left, Z up.
func sphericalToCartesian(r, theta, phi float32) (x, y, z float32) {
	rd, td, pd := float64(r), float64(theta), float64(phi)
	cosPhi := math.Cos(pd)
	x = float32(rd * cosPhi * math.Cos(td))
	y = float32(rd * cosPhi * math.Sin(td))
	z = float32(rd * math.Sin(pd))
	return
}

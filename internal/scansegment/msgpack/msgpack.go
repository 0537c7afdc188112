// Package msgpack decodes the msgpack-framed scan data variant.
//
// The sensor wraps each segment in a class/data envelope. The data
// section carries the segment and telegram counters, the start
// timestamp in sensor microseconds, and one entry per beam group.
// Each group holds per-line elevation angles, per-beam azimuth
// angles, and per-line distance, intensity and property arrays laid
// out beam-major with one value per echo.
package msgpack

import (
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/banshee-data/multiscan.driver/internal/scansegment"
)

type document struct {
	Class string       `msgpack:"class"`
	Data  documentData `msgpack:"data"`
}

type documentData struct {
	SegmentCounter  int64          `msgpack:"SegmentCounter"`
	TelegramCounter int64          `msgpack:"TelegramCounter"`
	TimestampStart  uint64         `msgpack:"TimestampStart"`
	TimestampStop   uint64         `msgpack:"TimestampStop"`
	SegmentData     []segmentGroup `msgpack:"SegmentData"`
	Imu             *imuData       `msgpack:"Imu"`
}

type segmentGroup struct {
	TimestampStart uint64      `msgpack:"TimestampStart"`
	EchoCount      uint32      `msgpack:"EchoCount"`
	Phi            []float32   `msgpack:"ChannelPhi"`
	Theta          []float32   `msgpack:"ChannelTheta"`
	Dist           [][]float32 `msgpack:"DistValues"`
	Rssi           [][]float32 `msgpack:"RssiValues"`
	Properties     [][]uint8   `msgpack:"PropertiesValues"`
}

type imuData struct {
	Acceleration    [3]float64 `msgpack:"Acceleration"`
	AngularVelocity [3]float64 `msgpack:"AngularVelocity"`
	Orientation     [4]float64 `msgpack:"Orientation"`
}

// Decode unmarshals one msgpack payload into a scan segment.
func Decode(payload []byte) (*scansegment.ScanSegment, error) {
	var doc document
	if err := msgpack.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("msgpack: unmarshal: %w", err)
	}
	if doc.Class != "Scan" && doc.Class != "Imu" {
		return nil, fmt.Errorf("msgpack: unexpected document class %q", doc.Class)
	}

	micros := doc.Data.TimestampStart
	seg := &scansegment.ScanSegment{
		SegmentIndex:  int(doc.Data.SegmentCounter),
		TelegramCnt:   uint32(doc.Data.TelegramCounter),
		TimestampSec:  uint32(micros / 1e6),
		TimestampNsec: uint32(micros%1e6) * 1000,
	}

	if doc.Class == "Imu" {
		if doc.Data.Imu == nil {
			return nil, fmt.Errorf("msgpack: imu document without imu data")
		}
		seg.IMU = decodeImu(doc.Data.Imu, seg.TimestampSec, seg.TimestampNsec)
		return seg, nil
	}

	pointIdx := uint32(0)
	for gi := range doc.Data.SegmentData {
		group, err := decodeGroup(&doc.Data.SegmentData[gi], &pointIdx)
		if err != nil {
			return nil, fmt.Errorf("msgpack: group %d: %w", gi, err)
		}
		seg.Groups = append(seg.Groups, *group)
	}
	return seg, nil
}

func decodeGroup(g *segmentGroup, pointIdx *uint32) (*scansegment.ScanGroup, error) {
	lines := len(g.Phi)
	beams := len(g.Theta)
	echoes := int(g.EchoCount)
	if echoes < 1 || echoes > scansegment.MaxEchosPerPoint {
		return nil, fmt.Errorf("implausible echo count %d", echoes)
	}
	if len(g.Dist) != lines || len(g.Rssi) != lines || len(g.Properties) != lines {
		return nil, fmt.Errorf("channel count mismatch: %d lines, %d dist, %d rssi, %d properties",
			lines, len(g.Dist), len(g.Rssi), len(g.Properties))
	}

	group := &scansegment.ScanGroup{Lines: make([]scansegment.ScanLine, 0, lines)}
	for li := 0; li < lines; li++ {
		if len(g.Dist[li]) != beams*echoes || len(g.Rssi[li]) != beams*echoes {
			return nil, fmt.Errorf("line %d: %d beams and %d echoes but %d distance values",
				li, beams, echoes, len(g.Dist[li]))
		}
		if len(g.Properties[li]) != beams {
			return nil, fmt.Errorf("line %d: %d beams but %d property values", li, beams, len(g.Properties[li]))
		}

		line := scansegment.ScanLine{Points: make([]scansegment.Point, 0, beams*echoes)}
		for bi := 0; bi < beams; bi++ {
			props := g.Properties[li][bi]
			for ei := 0; ei < echoes; ei++ {
				dist := g.Dist[li][bi*echoes+ei]
				if dist == 0 {
					continue
				}
				theta := g.Theta[bi]
				phi := g.Phi[li]
				x, y, z := sphericalToCartesian(dist, theta, phi)
				p := scansegment.Point{
					X: x, Y: y, Z: z,
					Intensity:              g.Rssi[li][bi*echoes+ei],
					Range:                  dist,
					Azimuth:                theta,
					Elevation:              phi,
					Layer:                  uint32(li),
					Echo:                   uint32(ei),
					PointIdx:               *pointIdx,
					LidarTimestampMicrosec: g.TimestampStart,
				}
				if props&0x01 != 0 {
					p.Reflector = 1
				}
				*pointIdx++
				line.Points = append(line.Points, p)
			}
		}
		group.Lines = append(group.Lines, line)
	}
	return group, nil
}

func decodeImu(d *imuData, sec, nsec uint32) *scansegment.ImuSample {
	return &scansegment.ImuSample{
		AccelerationX:    d.Acceleration[0],
		AccelerationY:    d.Acceleration[1],
		AccelerationZ:    d.Acceleration[2],
		AngularVelocityX: d.AngularVelocity[0],
		AngularVelocityY: d.AngularVelocity[1],
		AngularVelocityZ: d.AngularVelocity[2],
		OrientationW:     d.Orientation[0],
		OrientationX:     d.Orientation[1],
		OrientationY:     d.Orientation[2],
		OrientationZ:     d.Orientation[3],
		TimestampSec:     sec,
		TimestampNsec:    nsec,
	}
}

func sphericalToCartesian(r, theta, phi float32) (x, y, z float32) {
	rd, td, pd := float64(r), float64(theta), float64(phi)
	cosPhi := math.Cos(pd)
	x = float32(rd * cosPhi * math.Cos(td))
	y = float32(rd * cosPhi * math.Sin(td))
	z = float32(rd * math.Sin(pd))
	return x, y, z
}

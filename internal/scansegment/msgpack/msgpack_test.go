package msgpack

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func marshalDoc(t *testing.T, doc document) []byte {
	t.Helper()
	payload, err := msgpack.Marshal(&doc)
	require.NoError(t, err)
	return payload
}

func scanDoc() document {
	return document{
		Class: "Scan",
		Data: documentData{
			SegmentCounter:  5,
			TelegramCounter: 77,
			TimestampStart:  1_700_000_000_250_000, // microseconds
			SegmentData: []segmentGroup{
				{
					TimestampStart: 123456,
					EchoCount:      2,
					Phi:            []float32{0.1, -0.1},
					Theta:          []float32{-0.5, 0, 0.5},
					Dist: [][]float32{
						{10, 11, 12, 0, 14, 15},
						{20, 21, 22, 23, 24, 25},
					},
					Rssi: [][]float32{
						{1, 2, 3, 4, 5, 6},
						{7, 8, 9, 10, 11, 12},
					},
					Properties: [][]uint8{
						{0x01, 0, 0},
						{0, 0, 0},
					},
				},
			},
		},
	}
}

func TestDecode_Scan(t *testing.T) {
	seg, err := Decode(marshalDoc(t, scanDoc()))
	require.NoError(t, err)

	require.Equal(t, 5, seg.SegmentIndex)
	require.Equal(t, uint32(77), seg.TelegramCnt)
	require.Equal(t, uint32(1_700_000_000), seg.TimestampSec)
	require.Equal(t, uint32(250_000_000), seg.TimestampNsec)
	require.Nil(t, seg.IMU)

	require.Len(t, seg.Groups, 1)
	require.Len(t, seg.Groups[0].Lines, 2)
	// One echo of beam 1 on line 0 has distance zero and is dropped.
	require.Equal(t, 11, seg.PointCount())

	p := seg.Groups[0].Lines[0].Points[0]
	require.Equal(t, float32(10), p.Range)
	require.Equal(t, float32(1), p.Intensity)
	require.Equal(t, float32(-0.5), p.Azimuth)
	require.Equal(t, float32(0.1), p.Elevation)
	require.Equal(t, float32(1), p.Reflector)
	require.Equal(t, uint64(123456), p.LidarTimestampMicrosec)

	wantX := 10 * math.Cos(0.1) * math.Cos(-0.5)
	require.InDelta(t, wantX, float64(p.X), 1e-4)

	// Point indices stay contiguous across the dropped echo.
	last := seg.Groups[0].Lines[1].Points[5]
	require.Equal(t, uint32(10), last.PointIdx)
	require.Equal(t, uint32(1), last.Layer)
	require.Equal(t, uint32(1), last.Echo)
}

func TestDecode_Imu(t *testing.T) {
	doc := document{
		Class: "Imu",
		Data: documentData{
			TimestampStart: 2_000_000_500_000,
			Imu: &imuData{
				Acceleration:    [3]float64{0.1, 0.2, 9.8},
				AngularVelocity: [3]float64{0.01, 0.02, 0.03},
				Orientation:     [4]float64{1, 0, 0, 0},
			},
		},
	}
	seg, err := Decode(marshalDoc(t, doc))
	require.NoError(t, err)
	require.NotNil(t, seg.IMU)
	require.Equal(t, 0, seg.PointCount())
	require.InDelta(t, 9.8, seg.IMU.AccelerationZ, 1e-9)
	require.InDelta(t, 1.0, seg.IMU.OrientationW, 1e-9)
	require.Equal(t, uint32(2_000_000), seg.IMU.TimestampSec)
	require.Equal(t, uint32(500_000_000), seg.IMU.TimestampNsec)
}

func TestDecode_Rejections(t *testing.T) {
	_, err := Decode([]byte{0xc1}) // reserved msgpack byte, never valid
	require.Error(t, err)

	doc := scanDoc()
	doc.Class = "Telemetry"
	_, err = Decode(marshalDoc(t, doc))
	require.Error(t, err)

	doc = scanDoc()
	doc.Data.Imu = nil
	doc.Data.SegmentData[0].Dist = doc.Data.SegmentData[0].Dist[:1]
	_, err = Decode(marshalDoc(t, doc))
	require.Error(t, err)

	doc = scanDoc()
	doc.Data.SegmentData[0].EchoCount = 9
	_, err = Decode(marshalDoc(t, doc))
	require.Error(t, err)

	doc = document{Class: "Imu"}
	_, err = Decode(marshalDoc(t, doc))
	require.Error(t, err)
}

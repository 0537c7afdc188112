// Package scansegment implements the acquisition pipeline for a rotating
// multi-layer lidar that streams one full rotation per 12 angular segments
// over UDP and is controlled over a SOPAS TCP channel. The package owns the
// domain types, the per-segment frame assembly, the point record schema and
// the supervising connection driver; wire framing and the two payload codecs
// live in subpackages.
package scansegment

// Sensor geometry constants for the multiScan class of devices.
const (
	// SegmentsPerFrame is the number of angular slices per full rotation.
	SegmentsPerFrame = 12

	// PointsPerSegmentEcho is the nominal single-echo point count per segment,
	// giving 10800 points per rotation with one echo.
	PointsPerSegmentEcho = 900

	// MaxEchosPerPoint is the maximum number of return pulses per laser shot.
	MaxEchosPerPoint = 3
)

// Point is one lidar return. Which fields end up on the wire of an emitted
// frame is decided by the active PointRecordSchema, not by this struct.
type Point struct {
	X, Y, Z   float32
	Intensity float32
	Range     float32
	Azimuth   float32 // radians
	Elevation float32 // radians
	Layer     uint32
	Echo      uint32
	PointIdx  uint32
	// LidarTimestampMicrosec is the per-point acquisition time reported by
	// the sensor, microseconds in the sensor clock domain.
	LidarTimestampMicrosec uint64
	// Reflector is 1.0 when the reflector bit is set for this return.
	Reflector float32
}

// ScanLine is one laser layer's sweep through a segment.
type ScanLine struct {
	Points []Point
}

// ScanGroup is one echo group of scan lines within a segment.
type ScanGroup struct {
	Lines []ScanLine
}

// ImuSample is an inertial sample attached to a segment telegram. Samples are
// forwarded to the sink immediately on arrival and never take part in frame
// assembly.
type ImuSample struct {
	AngularVelocityX float64
	AngularVelocityY float64
	AngularVelocityZ float64

	AccelerationX float64
	AccelerationY float64
	AccelerationZ float64

	OrientationW float64
	OrientationX float64
	OrientationY float64
	OrientationZ float64

	TimestampSec  uint32
	TimestampNsec uint32
}

// ScanSegment is the decoded content of one verified segment telegram.
type ScanSegment struct {
	SegmentIndex  int
	TelegramCnt   uint32
	TimestampSec  uint32
	TimestampNsec uint32
	Groups        []ScanGroup
	IMU           *ImuSample
}

// TimestampNanos returns the segment timestamp as nanoseconds since the epoch.
func (s *ScanSegment) TimestampNanos() uint64 {
	return uint64(s.TimestampSec)*1e9 + uint64(s.TimestampNsec)
}

// PointCount returns the total number of points across all groups and lines.
func (s *ScanSegment) PointCount() int {
	n := 0
	for gi := range s.Groups {
		for li := range s.Groups[gi].Lines {
			n += len(s.Groups[gi].Lines[li].Points)
		}
	}
	return n
}

// Frame is one assembled full rotation: a flat buffer of fixed-size point
// records laid out per the schema that built it.
type Frame struct {
	Data       []byte
	RecordSize int
	PointCount int
	Dense      bool
	// Timestamp anchors the frame to rotation start: the minimum segment
	// timestamp, nanoseconds since the epoch.
	Timestamp uint64
}

package scansegment

import (
	"fmt"

	"github.com/banshee-data/multiscan.driver/internal/monitoring"
)

// FrameCallback receives each completed rotation.
type FrameCallback func(*Frame)

// ImuCallback receives inertial samples as they arrive.
type ImuCallback func(*ImuSample)

// FrameAssemblerConfig configures frame assembly.
type FrameAssemblerConfig struct {
	// Schema encodes points into the emitted frame buffer.
	Schema *PointRecordSchema
	// MaxSegmentBuffering bounds how many segments are retained per
	// index; older arrivals beyond the bound are discarded.
	MaxSegmentBuffering int
	OnFrame             FrameCallback
	OnImu               ImuCallback
}

const fullFrameMask = (1 << SegmentsPerFrame) - 1

// FrameAssembler buffers decoded segments per index and emits one flat
// point buffer when every index of the rotation has arrived at least
// once. It is owned by a single goroutine and is not safe for
// concurrent use.
type FrameAssembler struct {
	schema       *PointRecordSchema
	maxBuffering int
	onFrame      FrameCallback
	onImu        ImuCallback

	// slots hold buffered segments most-recent-first per index.
	slots [SegmentsPerFrame][]*ScanSegment
	mask  uint16
}

// NewFrameAssembler creates an assembler. A nil schema gets the full
// record layout; a non-positive buffering bound gets the default of 3.
func NewFrameAssembler(cfg FrameAssemblerConfig) *FrameAssembler {
	schema := cfg.Schema
	if schema == nil {
		schema = NewPointRecordSchema(SchemaAll, SchemaOptions{IncludeTimestamp: true, IncludeReflector: true})
	}
	maxBuffering := cfg.MaxSegmentBuffering
	if maxBuffering <= 0 {
		maxBuffering = 3
	}
	return &FrameAssembler{
		schema:       schema,
		maxBuffering: maxBuffering,
		onFrame:      cfg.OnFrame,
		onImu:        cfg.OnImu,
	}
}

// AddSegment folds one decoded segment into the pending rotation.
// IMU samples are forwarded immediately and never buffered. A segment
// index outside the rotation is rejected before any slot is touched.
func (a *FrameAssembler) AddSegment(seg *ScanSegment) error {
	if seg.IMU != nil && a.onImu != nil {
		a.onImu(seg.IMU)
	}
	if seg.PointCount() == 0 {
		return nil
	}

	idx := seg.SegmentIndex
	if idx < 0 || idx >= SegmentsPerFrame {
		return fmt.Errorf("scansegment: segment index %d outside [0, %d)", idx, SegmentsPerFrame)
	}

	slot := a.slots[idx]
	slot = append(slot, nil)
	copy(slot[1:], slot)
	slot[0] = seg
	if len(slot) > a.maxBuffering {
		monitoring.Debugf("scansegment: segment %d buffered %d times, dropping oldest", idx, len(slot))
		slot = slot[:a.maxBuffering]
	}
	a.slots[idx] = slot
	a.mask |= 1 << idx

	if a.mask == fullFrameMask {
		a.emitFrame()
	}
	return nil
}

// Pending reports how many segment indices of the current rotation
// have arrived.
func (a *FrameAssembler) Pending() int {
	n := 0
	for i := 0; i < SegmentsPerFrame; i++ {
		if a.mask&(1<<i) != 0 {
			n++
		}
	}
	return n
}

// Reset drops all buffered segments. Called at session start so a
// reconnect never splices segments from different runs into one frame.
func (a *FrameAssembler) Reset() {
	for i := range a.slots {
		a.slots[i] = nil
	}
	a.mask = 0
}

// emitFrame flattens the most recent segment of every index into one
// buffer. The earliest segment timestamp anchors the frame to the
// start of the rotation.
func (a *FrameAssembler) emitFrame() {
	count := 0
	minTS := uint64(0)
	for i := 0; i < SegmentsPerFrame; i++ {
		seg := a.slots[i][0]
		count += seg.PointCount()
		if ts := seg.TimestampNanos(); minTS == 0 || ts < minTS {
			minTS = ts
		}
	}

	data := make([]byte, 0, count*a.schema.RecordSize())
	for i := 0; i < SegmentsPerFrame; i++ {
		seg := a.slots[i][0]
		for gi := range seg.Groups {
			for li := range seg.Groups[gi].Lines {
				points := seg.Groups[gi].Lines[li].Points
				for pi := range points {
					data = a.schema.AppendPoint(data, &points[pi])
				}
			}
		}
	}

	frame := &Frame{
		Data:       data,
		RecordSize: a.schema.RecordSize(),
		PointCount: count,
		Dense:      true,
		Timestamp:  minTS,
	}

	a.Reset()
	if a.onFrame != nil {
		a.onFrame(frame)
	}
}

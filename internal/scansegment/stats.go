package scansegment

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/multiscan.driver/internal/monitoring"
)

// StreamStats tracks throughput counters for one acquisition stream.
// It satisfies the framer's stats interface and the forwarder's drop
// counter.
type StreamStats struct {
	mu             sync.Mutex
	datagramCount  int64
	byteCount      int64
	messageCount   int64
	crcFailures    int64
	discardCount   int64
	decodeFailures int64
	pointCount     int64
	frameCount     int64
	imuCount       int64
	droppedCount   int64
	lastReset      time.Time
}

// NewStreamStats creates a new StreamStats instance.
func NewStreamStats() *StreamStats {
	return &StreamStats{
		lastReset: time.Now(),
	}
}

// AddDatagram counts one received datagram.
func (s *StreamStats) AddDatagram(bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datagramCount++
	s.byteCount += int64(bytes)
}

// AddMessage counts one framed, CRC-verified message.
func (s *StreamStats) AddMessage(bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCount++
}

// AddCRCFailure counts a message discarded on checksum mismatch.
func (s *StreamStats) AddCRCFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crcFailures++
}

// AddDiscard counts a datagram dropped before framing completed.
func (s *StreamStats) AddDiscard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardCount++
}

// AddDecodeFailure counts a verified message the decoder rejected.
func (s *StreamStats) AddDecodeFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decodeFailures++
}

// AddPoints counts decoded points.
func (s *StreamStats) AddPoints(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointCount += int64(count)
}

// AddFrame counts one emitted full rotation.
func (s *StreamStats) AddFrame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameCount++
}

// AddImuSample counts one forwarded inertial sample.
func (s *StreamStats) AddImuSample() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imuCount++
}

// AddDropped counts a datagram the forwarder could not queue.
func (s *StreamStats) AddDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.droppedCount++
}

// GetAndReset returns current counters and resets them.
func (s *StreamStats) GetAndReset() (datagrams, bytes, messages, crcFailures, discards, decodeFailures, points, frames, imu, dropped int64, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	duration = now.Sub(s.lastReset)
	datagrams = s.datagramCount
	bytes = s.byteCount
	messages = s.messageCount
	crcFailures = s.crcFailures
	discards = s.discardCount
	decodeFailures = s.decodeFailures
	points = s.pointCount
	frames = s.frameCount
	imu = s.imuCount
	dropped = s.droppedCount

	s.datagramCount = 0
	s.byteCount = 0
	s.messageCount = 0
	s.crcFailures = 0
	s.discardCount = 0
	s.decodeFailures = 0
	s.pointCount = 0
	s.frameCount = 0
	s.imuCount = 0
	s.droppedCount = 0
	s.lastReset = now

	return
}

// LogStats logs per-second rates and resets the counters. Quiet when
// nothing arrived in the interval.
func (s *StreamStats) LogStats() {
	datagrams, bytes, messages, crcFailures, discards, decodeFailures, points, frames, imu, dropped, duration := s.GetAndReset()
	if datagrams == 0 && crcFailures == 0 && decodeFailures == 0 {
		return
	}

	secs := duration.Seconds()
	mbPerSec := float64(bytes) / secs / (1024 * 1024)
	logMsg := fmt.Sprintf("Stream stats (/sec): %.2f MB, %.1f datagrams, %.1f messages, %.1f frames, %s points",
		mbPerSec, float64(datagrams)/secs, float64(messages)/secs, float64(frames)/secs,
		formatWithCommas(int64(float64(points)/secs)))
	if imu > 0 {
		logMsg += fmt.Sprintf(", %.1f imu", float64(imu)/secs)
	}
	if crcFailures > 0 || discards > 0 || decodeFailures > 0 {
		logMsg += fmt.Sprintf(" (%d crc failures, %d discards, %d decode failures)", crcFailures, discards, decodeFailures)
	}
	if dropped > 0 {
		logMsg += fmt.Sprintf(", %d dropped on forward", dropped)
	}

	monitoring.Logf("%s", logMsg)
}

// formatWithCommas formats a number with thousands separators.
func formatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	return result
}

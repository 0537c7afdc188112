package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DriverConfig holds the resolved acquisition parameters for one sensor.
// All fields have working defaults; Default() is the single source of truth.
type DriverConfig struct {
	SensorHostname string // sensor IP or hostname for the SOPAS channel
	DriverHostname string // local IP the sensor should stream UDP data to
	UDPPort        int    // UDP data port (sensor -> driver)
	SopasPort      int    // TCP control port on the sensor
	PayloadFormat  string // "compact" or "msgpack"
	ColaFraming    string // "binary" or "ascii" SOPAS command framing

	DropoutResetThresh time.Duration // silence before receive switches to blocking mode
	ReceiveTimeout     time.Duration // bounded UDP receive wait
	SopasReadTimeout   time.Duration // SOPAS request/response read timeout
	RestartBackoff     time.Duration // sleep between connection retry attempts

	MaxSegmentBuffering int // per-index segment queue capacity

	ImuEnable          bool   // request IMU data transfer in the start command
	ImuUDPPort         int    // UDP port for IMU data (0 = same as UDPPort)
	PerformanceProfile int    // optional profile number, -1 = not sent
	SchemaPreset       string // point record layout preset name
	SchemaAddTimestamp bool   // append the per-point sensor timestamp field
	SchemaAddReflector bool   // append the reflector flag field
}

// Default returns the driver configuration with the documented defaults.
func Default() DriverConfig {
	return DriverConfig{
		UDPPort:             2115,
		SopasPort:           2111,
		PayloadFormat:       "compact",
		ColaFraming:         "binary",
		DropoutResetThresh:  2 * time.Second,
		ReceiveTimeout:      1 * time.Second,
		SopasReadTimeout:    3 * time.Second,
		RestartBackoff:      3 * time.Second,
		MaxSegmentBuffering: 3,
		ImuEnable:           true,
		PerformanceProfile:  -1,
		SchemaPreset:        "full",
	}
}

// FileConfig is the JSON representation of DriverConfig. Fields are pointers
// so partial configs merge over defaults; omitted fields keep their default
// values. Durations are given as fractional seconds to match the sensor
// documentation.
type FileConfig struct {
	SensorHostname *string `json:"sensor_hostname,omitempty"`
	DriverHostname *string `json:"driver_hostname,omitempty"`
	UDPPort        *int    `json:"udp_port,omitempty"`
	SopasPort      *int    `json:"sopas_port,omitempty"`
	PayloadFormat  *string `json:"payload_format,omitempty"`
	ColaFraming    *string `json:"cola_framing,omitempty"`

	DropoutResetSeconds   *float64 `json:"udp_dropout_reset_seconds,omitempty"`
	ReceiveTimeoutSeconds *float64 `json:"udp_receive_timeout_seconds,omitempty"`
	SopasReadSeconds      *float64 `json:"sopas_read_timeout_seconds,omitempty"`
	RestartBackoffSeconds *float64 `json:"error_restart_seconds,omitempty"`

	MaxSegmentBuffering *int `json:"max_segment_buffering,omitempty"`

	ImuEnable          *bool   `json:"imu_enable,omitempty"`
	ImuUDPPort         *int    `json:"imu_udp_port,omitempty"`
	PerformanceProfile *int    `json:"performance_profile,omitempty"`
	SchemaPreset       *string `json:"schema_preset,omitempty"`
	SchemaAddTimestamp *bool   `json:"schema_add_timestamp,omitempty"`
	SchemaAddReflector *bool   `json:"schema_add_reflector,omitempty"`
}

// Load reads a FileConfig from a JSON file. The file is validated to have a
// .json extension and to be under the max file size before it is parsed.
func Load(path string) (*FileConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &FileConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *FileConfig) Validate() error {
	if c.PayloadFormat != nil {
		switch *c.PayloadFormat {
		case "compact", "msgpack":
		default:
			return fmt.Errorf("payload_format must be \"compact\" or \"msgpack\", got %q", *c.PayloadFormat)
		}
	}
	if c.ColaFraming != nil {
		switch *c.ColaFraming {
		case "binary", "ascii":
		default:
			return fmt.Errorf("cola_framing must be \"binary\" or \"ascii\", got %q", *c.ColaFraming)
		}
	}
	if c.UDPPort != nil && (*c.UDPPort < 1 || *c.UDPPort > 65535) {
		return fmt.Errorf("udp_port out of range: %d", *c.UDPPort)
	}
	if c.SopasPort != nil && (*c.SopasPort < 1 || *c.SopasPort > 65535) {
		return fmt.Errorf("sopas_port out of range: %d", *c.SopasPort)
	}
	if c.MaxSegmentBuffering != nil && *c.MaxSegmentBuffering < 1 {
		return fmt.Errorf("max_segment_buffering must be >= 1, got %d", *c.MaxSegmentBuffering)
	}
	for name, v := range map[string]*float64{
		"udp_dropout_reset_seconds":   c.DropoutResetSeconds,
		"udp_receive_timeout_seconds": c.ReceiveTimeoutSeconds,
		"sopas_read_timeout_seconds":  c.SopasReadSeconds,
		"error_restart_seconds":       c.RestartBackoffSeconds,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}
	return nil
}

// Validate checks a resolved configuration, including flag overrides
// that bypass the FileConfig checks.
func (d *DriverConfig) Validate() error {
	switch d.PayloadFormat {
	case "compact", "msgpack":
	default:
		return fmt.Errorf("payload format must be \"compact\" or \"msgpack\", got %q", d.PayloadFormat)
	}
	switch d.ColaFraming {
	case "binary", "ascii":
	default:
		return fmt.Errorf("cola framing must be \"binary\" or \"ascii\", got %q", d.ColaFraming)
	}
	switch d.SchemaPreset {
	case "xyz", "xyzi", "xyzir", "xyzira", "full":
	default:
		return fmt.Errorf("unknown schema preset %q", d.SchemaPreset)
	}
	if d.UDPPort < 1 || d.UDPPort > 65535 {
		return fmt.Errorf("udp port out of range: %d", d.UDPPort)
	}
	if d.SopasPort < 1 || d.SopasPort > 65535 {
		return fmt.Errorf("sopas port out of range: %d", d.SopasPort)
	}
	if d.ImuUDPPort < 0 || d.ImuUDPPort > 65535 {
		return fmt.Errorf("imu udp port out of range: %d", d.ImuUDPPort)
	}
	if d.MaxSegmentBuffering < 1 {
		return fmt.Errorf("max segment buffering must be >= 1, got %d", d.MaxSegmentBuffering)
	}
	for name, v := range map[string]time.Duration{
		"dropout reset threshold": d.DropoutResetThresh,
		"receive timeout":         d.ReceiveTimeout,
		"sopas read timeout":      d.SopasReadTimeout,
		"restart backoff":         d.RestartBackoff,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, v)
		}
	}
	return nil
}

// Apply merges the file values over the given resolved configuration.
func (c *FileConfig) Apply(d *DriverConfig) {
	if c.SensorHostname != nil {
		d.SensorHostname = *c.SensorHostname
	}
	if c.DriverHostname != nil {
		d.DriverHostname = *c.DriverHostname
	}
	if c.UDPPort != nil {
		d.UDPPort = *c.UDPPort
	}
	if c.SopasPort != nil {
		d.SopasPort = *c.SopasPort
	}
	if c.PayloadFormat != nil {
		d.PayloadFormat = *c.PayloadFormat
	}
	if c.ColaFraming != nil {
		d.ColaFraming = *c.ColaFraming
	}
	if c.DropoutResetSeconds != nil {
		d.DropoutResetThresh = secondsToDuration(*c.DropoutResetSeconds)
	}
	if c.ReceiveTimeoutSeconds != nil {
		d.ReceiveTimeout = secondsToDuration(*c.ReceiveTimeoutSeconds)
	}
	if c.SopasReadSeconds != nil {
		d.SopasReadTimeout = secondsToDuration(*c.SopasReadSeconds)
	}
	if c.RestartBackoffSeconds != nil {
		d.RestartBackoff = secondsToDuration(*c.RestartBackoffSeconds)
	}
	if c.MaxSegmentBuffering != nil {
		d.MaxSegmentBuffering = *c.MaxSegmentBuffering
	}
	if c.ImuEnable != nil {
		d.ImuEnable = *c.ImuEnable
	}
	if c.ImuUDPPort != nil {
		d.ImuUDPPort = *c.ImuUDPPort
	}
	if c.PerformanceProfile != nil {
		d.PerformanceProfile = *c.PerformanceProfile
	}
	if c.SchemaPreset != nil {
		d.SchemaPreset = *c.SchemaPreset
	}
	if c.SchemaAddTimestamp != nil {
		d.SchemaAddTimestamp = *c.SchemaAddTimestamp
	}
	if c.SchemaAddReflector != nil {
		d.SchemaAddReflector = *c.SchemaAddReflector
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

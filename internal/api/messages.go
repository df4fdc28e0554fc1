package api

import (
	"github.com/skobkin/acceltop-web/internal/sampler"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string                  `json:"type"`
	IntervalMS int                     `json:"interval_ms"`
	Devices    []sampler.DeviceInfo    `json:"devices"`
	Backends   []sampler.BackendStatus `json:"backends"`
	Features   map[string]bool         `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, devices []sampler.DeviceInfo, backends []sampler.BackendStatus, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		Devices:    devices,
		Backends:   backends,
		Features:   features,
	}
}

// StatsMessage wraps a sampler snapshot, process list included, for transport.
type StatsMessage struct {
	Type string `json:"type"`
	sampler.Sample
}

// NewStatsMessage constructs a stats payload.
func NewStatsMessage(sample sampler.Sample) StatsMessage {
	return StatsMessage{
		Type:   "stats",
		Sample: sample,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// SubscribeMessage requests subscription to device telemetry.
type SubscribeMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// ABOUTME: Netclock wire message definitions
// ABOUTME: JSON envelope plus the hello and time request/response payloads
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version exchanged in the handshake.
const Version = 1

// Message types
const (
	TypeClientHello = "client/hello"
	TypeServerHello = "server/hello"
	TypeClientTime  = "client/time"
	TypeServerTime  = "server/time"
	TypeServerError = "server/error"
)

// Message is the top-level wrapper for all protocol messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Envelope is Message as received, with the payload left undecoded.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

// ClientHello is sent by clients to initiate the handshake
type ClientHello struct {
	ClientID   string      `json:"client_id"`
	Name       string      `json:"name"`
	Version    int         `json:"version"`
	DeviceInfo *DeviceInfo `json:"device_info,omitempty"`
}

// DeviceInfo contains device identification
type DeviceInfo struct {
	ProductName     string `json:"product_name"`
	Manufacturer    string `json:"manufacturer"`
	SoftwareVersion string `json:"software_version"`
}

// ServerHello is the server's response to client/hello
type ServerHello struct {
	ServerID       string `json:"server_id"`
	Name           string `json:"name"`
	Version        int    `json:"version"`
	TicksPerSecond int64  `json:"ticks_per_second"`
	ServerTicks    int64  `json:"server_ticks"`
}

// TimeRequest asks the server for its elapsed time. SentAtTicks is the
// client's raw elapsed time and is echoed back untouched.
type TimeRequest struct {
	UID         uint64 `json:"uid"`
	SentAtTicks int64  `json:"sent_at_ticks"`
}

// TimeResponse is the reply to client/time. ServerTicks is the server's
// elapsed time when the reply was composed.
type TimeResponse struct {
	UID         uint64 `json:"uid"`
	SentAtTicks int64  `json:"sent_at_ticks"`
	ServerTicks int64  `json:"server_ticks"`
}

// ServerError reports a rejected request.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrRateLimited = "rate_limited"
	ErrBadRequest  = "bad_request"
)

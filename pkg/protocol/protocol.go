// Package protocol defines the control messages and shared constants for
// the chara tunneling system.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/text/encoding/charmap"
)

const (
	// ConnectPath is the upgrade endpoint for control channel connections.
	ConnectPath = "/_chara/connect"

	// DefaultPort is the default public listening port.
	DefaultPort = 8080

	// DefaultRequestTimeout bounds how long a public request waits for the
	// agent to start responding.
	DefaultRequestTimeout = 30 * time.Second

	// HeartbeatInterval is the interval for control channel keep-alive pings.
	HeartbeatInterval = 30 * time.Second

	// WriteTimeout is the timeout for writing a control channel frame.
	WriteTimeout = 10 * time.Second

	// ReadTimeout is the timeout for reading from the control channel.
	// Heartbeats keep healthy connections well under it.
	ReadTimeout = 60 * time.Second

	// MaxReconnectDelay is the maximum delay for exponential backoff reconnection.
	MaxReconnectDelay = 30 * time.Second

	// InitialReconnectDelay is the initial delay for exponential backoff.
	InitialReconnectDelay = 1 * time.Second

	// SubdomainQueryParam is the query parameter for requesting a subdomain.
	SubdomainQueryParam = "subdomain"
)

// Control message types. The Type field of every Message holds one of these.
const (
	TypePing              = "ping"
	TypePong              = "pong"
	TypeSubdomainAssigned = "subdomain_assigned"
	TypeHTTPRequest       = "http_request"
	TypeHTTPResponseStart = "http_response_start"
	TypeHTTPData          = "http_data"
	TypeHTTPResponseEnd   = "http_response_end"
	TypeError             = "error"
)

// Message is a single control channel frame. Type discriminates which of
// the remaining fields are meaningful; unused fields are omitted on the
// wire.
type Message struct {
	Type string `json:"type"`

	// ID correlates http_* messages with one in-flight public request.
	ID string `json:"id,omitempty"`

	// http_request fields, server to agent.
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Body carries the request body on http_request and the optional final
	// chunk on http_response_end.
	Body ByteString `json:"body,omitempty"`

	// http_response_start fields, agent to server.
	StatusCode int `json:"statusCode,omitempty"`

	// http_data payload.
	Data ByteString `json:"data,omitempty"`

	// http_response_end fallbacks, honored only when no http_response_start
	// was seen for the id.
	Status int `json:"status,omitempty"`

	// subdomain_assigned fields. Subdomain is the full public domain;
	// Requested reports whether the agent's requested name was honored.
	Subdomain string `json:"subdomain,omitempty"`
	Requested *bool  `json:"requested,omitempty"`

	// error payload.
	Message string `json:"message,omitempty"`
}

// SubdomainAssigned builds the message announcing an agent's public domain.
func SubdomainAssigned(fullDomain string, requested bool) Message {
	return Message{
		Type:      TypeSubdomainAssigned,
		Subdomain: fullDomain,
		Requested: &requested,
	}
}

// ErrorMessage builds an observer-only error frame.
func ErrorMessage(text string) Message {
	return Message{Type: TypeError, Message: text}
}

// ByteString carries raw bytes through JSON text frames. It marshals to a
// string whose code points are the byte values (the Latin-1/"binary"
// convention) and unmarshals from either such a string or an array of
// byte-valued numbers.
type ByteString []byte

// MarshalJSON encodes each byte as one code point in the 0-255 range.
func (b ByteString) MarshalJSON() ([]byte, error) {
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON decodes a binary-safe string or a numeric byte array.
func (b *ByteString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var nums []int
		if err := json.Unmarshal(data, &nums); err != nil {
			return trace.Wrap(err)
		}
		out := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > 0xFF {
				return trace.BadParameter("byte value %d out of range", n)
			}
			out[i] = byte(n)
		}
		*b = out
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return trace.Wrap(err)
	}
	out, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return trace.BadParameter("data is not a binary-safe string: %v", err)
	}
	*b = out
	return nil
}

// BinaryDataFrame marks a binary control frame carrying an http_data chunk
// as raw bytes: one type byte, one id-length byte, the id, then the chunk.
const BinaryDataFrame = 0x01

// EncodeBinaryData packs a body chunk for id into a binary control frame.
func EncodeBinaryData(id string, chunk []byte) ([]byte, error) {
	if len(id) == 0 || len(id) > 0xFF {
		return nil, trace.BadParameter("request id length %d out of range", len(id))
	}
	frame := make([]byte, 0, 2+len(id)+len(chunk))
	frame = append(frame, BinaryDataFrame, byte(len(id)))
	frame = append(frame, id...)
	frame = append(frame, chunk...)
	return frame, nil
}

// DecodeBinaryData unpacks a binary control frame produced by
// EncodeBinaryData.
func DecodeBinaryData(frame []byte) (id string, chunk []byte, err error) {
	if len(frame) < 2 || frame[0] != BinaryDataFrame {
		return "", nil, trace.BadParameter("malformed binary data frame")
	}
	idLen := int(frame[1])
	if len(frame) < 2+idLen {
		return "", nil, trace.BadParameter("binary data frame truncated")
	}
	return string(frame[2 : 2+idLen]), frame[2+idLen:], nil
}

// RequestLog is one line in the agent's request journal, used for TUI and
// console reporting.
type RequestLog struct {
	Timestamp  time.Time
	Method     string
	Path       string
	StatusCode int
	Duration   time.Duration
}

// StripPort removes a trailing :port from a Host header value.
func StripPort(host string) string {
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

// FirstLabel extracts the routing key from an HTTP Host header: the first
// DNS label, lowercased, with any port removed. For "alpha.tunnel.example.com:443"
// it returns "alpha".
func FirstLabel(host string) string {
	host = StripPort(host)
	for i := 0; i < len(host); i++ {
		if host[i] == '.' {
			host = host[:i]
			break
		}
	}
	// Host headers are case-insensitive.
	b := []byte(host)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/hasync/internal/model"
	"github.com/rickgao/hasync/internal/retry"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrProtocol        = errors.New("protocol error")
)

// EventName identifies a transport lifecycle event.
type EventName string

const (
	EventDisconnected EventName = "disconnected"
	EventReady        EventName = "ready"
)

// Transport is an authenticated connection to the server.
type Transport interface {
	// SendRequest sends msg with a fresh id and waits for its result.
	SendRequest(ctx context.Context, msg Message) (json.RawMessage, error)

	// FetchStates returns snapshots for ids, or every entity when ids is
	// empty. Unknown ids are omitted.
	FetchStates(ctx context.Context, ids []string) ([]model.EntityState, error)

	// SubscribeEntity delivers every new state of id to fn until cancel is
	// called. fn runs on the transport's event goroutine.
	SubscribeEntity(ctx context.Context, id string, fn func(model.EntityState)) (cancel func() error, err error)

	// CallService invokes a service and returns its result payload.
	CallService(ctx context.Context, call model.ServiceCall) (json.RawMessage, error)

	// AddListener registers fn for a lifecycle event and returns the func
	// that removes it.
	AddListener(name EventName, fn func()) (remove func())

	// Close tears the connection down. Idempotent.
	Close() error
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Message is an outgoing command. The id field is assigned by the transport.
type Message map[string]any

// inbound is any message received from the server.
type inbound struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"` // "auth_required", "auth_ok", "auth_invalid", "result", "event", "pong"
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result"`
	Error     *ResultError    `json:"error"`
	Event     json.RawMessage `json:"event"`
	HAVersion string          `json:"ha_version"`
	Message   string          `json:"message"`
}

// triggerEvent is the event payload of a subscribe_trigger subscription.
type triggerEvent struct {
	Variables struct {
		Trigger struct {
			EntityID  string             `json:"entity_id"`
			FromState *model.EntityState `json:"from_state"`
			ToState   *model.EntityState `json:"to_state"`
		} `json:"trigger"`
	} `json:"variables"`
}

// Result error codes sent by the server.
const (
	CodeNotSupported   = "not_supported"
	CodeUnknownCommand = "unknown_command"
	CodeInvalidFormat  = "invalid_format"
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
	CodeHomeAssistant  = "home_assistant_error"
	CodeServiceError   = "service_validation_error"
	CodeTimeout        = "timeout"
	CodeUnknownError   = "unknown_error"
)

// ResultError is a failed result from the server.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap maps server error codes onto the retry package's non-retryable
// kinds so errors.Is works across the boundary.
func (e *ResultError) Unwrap() error {
	switch e.Code {
	case CodeNotSupported, CodeUnknownCommand:
		return retry.ErrNotSupported
	case CodeInvalidFormat, CodeServiceError:
		return retry.ErrInvalidParameter
	case CodeNotFound:
		return retry.ErrEntityUnavailable
	}
	return nil
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., ws://homeassistant.local:8123/api/websocket)
	PingInterval     time.Duration // Interval between keepalive pings
	PingTimeout      time.Duration // Max time without pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	HandshakeTimeout time.Duration // WebSocket upgrade timeout
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		BufferSize:       4096,
	}
}

// HassConfig configures a Hass transport.
type HassConfig struct {
	Client ClientConfig

	// AccessToken returns the token sent in the auth handshake. It is called
	// on every (re)authentication so refreshed credentials are picked up.
	AccessToken func(ctx context.Context) (string, error)

	RequestTimeout time.Duration // Default wait for a result when ctx has no deadline
	EventBuffer    int           // Queued events awaiting dispatch

	// Resume re-establishes a dropped socket inside the same transport and
	// emits EventReady on success. Zero MaxAttempts disables it.
	Resume retry.Policy
}

// DefaultHassConfig returns sensible defaults.
func DefaultHassConfig() HassConfig {
	return HassConfig{
		Client:         DefaultClientConfig(),
		RequestTimeout: 10 * time.Second,
		EventBuffer:    1024,
	}
}

// ManagerConfig configures the Manager.
type ManagerConfig struct {
	AutoReconnect     bool          // Schedule a retry after disconnect or error
	ReconnectBaseWait time.Duration // Backoff for the first retry
	ReconnectMaxWait  time.Duration // Backoff cap
	ConnectTimeout    time.Duration // Upper bound for one dial attempt

	// OnReauth is called when a dial failed because the credential can no
	// longer be used. Auto-reconnect is suspended until Reconnect, which OnReauth
	// itself may call.
	OnReauth func(err error)
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		AutoReconnect:     true,
		ReconnectBaseWait: time.Second,
		ReconnectMaxWait:  30 * time.Second,
		ConnectTimeout:    30 * time.Second,
	}
}

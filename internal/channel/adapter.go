// Package channel defines the uniform contract between Courier and
// provider-specific messaging endpoints (Discord, Slack, etc.).
package channel

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by adapters.
var (
	// ErrAlreadyAbsent is returned by teardown operations when there is
	// nothing to tear down. Callers treat it as non-fatal.
	ErrAlreadyAbsent = errors.New("channel: already absent")

	// ErrNotSupported is returned when a provider cannot serve the
	// requested delivery mode.
	ErrNotSupported = errors.New("channel: mode not supported by provider")

	// ErrMissingCredentials indicates a configuration problem, distinct
	// from a delivery failure.
	ErrMissingCredentials = errors.New("channel: missing provider credentials")
)

// Payload is the rendered content handed to an adapter for delivery.
type Payload struct {
	Kind     string // text, image, video, audio, document
	Text     string // message body, or caption for media kinds
	MediaRef string // provider-ready media reference, passed through unchanged
	Filename string // optional filename hint for document payloads
}

// Adapter is the interface that provider-specific implementations must
// satisfy. Each adapter wraps a single channel instance. Timeouts are the
// adapter's responsibility: a slow provider call must surface as an error,
// never as a hang.
type Adapter interface {
	// Name returns the channel instance name.
	Name() string

	// Provider returns the provider identifier (e.g. "discord", "slack").
	Provider() string

	// Live reports whether the instance is currently connected and able
	// to send.
	Live() bool

	// Send delivers a payload to the address and returns the provider
	// message id.
	Send(ctx context.Context, address string, p Payload) (string, error)

	// Exists checks whether the address is registered/reachable on this
	// channel. The second return is an optional canonicalized address;
	// empty means the input form is already canonical.
	Exists(ctx context.Context, address string) (bool, string, error)

	// RegisterWebhook configures server-to-server event delivery with the
	// provider.
	RegisterWebhook(ctx context.Context, url string, eventTypes []string) error

	// RemoveWebhook tears down the webhook registration. Returns
	// ErrAlreadyAbsent when none exists.
	RemoveWebhook(ctx context.Context) error

	// Webhook returns the provider's current webhook configuration, or
	// nil when none is registered.
	Webhook(ctx context.Context) (*WebhookConfig, error)

	// OpenPush establishes a pushed event stream and returns its handle.
	OpenPush(ctx context.Context) (Subscription, error)

	// ClosePush tears down the push subscription. Returns
	// ErrAlreadyAbsent when none is open.
	ClosePush() error
}

// WebhookConfig describes a webhook registration with a provider.
type WebhookConfig struct {
	URL        string
	EventTypes []string
}

// Subscription is a cancellable pushed event stream. The events channel is
// closed when the subscription is closed or the connection is lost for good.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// EventKind tags the closed union of inbound event shapes.
type EventKind string

const (
	EventConnection    EventKind = "connection"
	EventQR            EventKind = "qr"
	EventMessage       EventKind = "message"
	EventMessageUpdate EventKind = "message_update"
	EventChatUpsert    EventKind = "chat_upsert"
	// EventIgnored marks provider events Courier deliberately does not
	// map. Normalizers skip it without logging an error.
	EventIgnored EventKind = "ignored"
)

// Event is a provider event normalized to a tagged union. Exactly one of
// the pointer fields matching Kind is set.
type Event struct {
	Kind          EventKind
	Connection    *ConnectionEvent
	QR            *QREvent
	Message       *MessageEvent
	MessageUpdate *MessageUpdateEvent
	ChatUpsert    *ChatUpsertEvent
}

// ConnectionEvent reports a provider connection state change.
type ConnectionEvent struct {
	State string // provider-specific state string, mapped by the normalizer
}

// QREvent carries a handshake/QR artifact.
type QREvent struct {
	Code string
}

// MessageEvent is an inbound or echoed outbound message.
type MessageEvent struct {
	ProviderMessageID string
	RemoteAddress     string // raw provider address, suffix included
	SenderName        string
	FromMe            bool
	Text              string
	Caption           string
	Kind              string // text, image, video, audio, document
	MimeType          string
	MediaBase64       string // inline-encoded media body, if the provider sent one
	MediaURL          string // ephemeral provider URL; not fetched out of band
	Timestamp         time.Time
}

// MessageUpdateEvent updates the acknowledgment level of an existing message.
type MessageUpdateEvent struct {
	ProviderMessageID string
	Ack               int
}

// ChatUpsertEvent creates or updates a chat without a message body.
type ChatUpsertEvent struct {
	RemoteAddress string
	Name          string
	UnreadCount   *int // only applied when present in the provider event
}

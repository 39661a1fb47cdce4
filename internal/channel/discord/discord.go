// Package discord implements the channel Adapter for Discord using the
// Gateway WebSocket. Discord delivers events over a client-initiated
// persistent connection, so this adapter supports push mode only.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/courier/internal/channel"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error) {
	return r.s.User(userID, options...)
}
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}

// Adapter implements channel.Adapter for Discord.
type Adapter struct {
	name      string
	botToken  string
	mu        sync.Mutex
	sess      session
	connected bool
	closed    bool
	botUserID string
	sub       *subscription
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	Name     string // channel instance name
	BotToken string // Discord bot token
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("discord: instance name is required")
	}
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: %w: bot token", channel.ErrMissingCredentials)
	}
	return &Adapter{
		name:     opts.Name,
		botToken: opts.BotToken,
		sess:     opts.Session,
	}, nil
}

func (a *Adapter) Name() string     { return a.name }
func (a *Adapter) Provider() string { return "discord" }

// Live reports whether the gateway connection is open.
func (a *Adapter) Live() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect opens the Gateway WebSocket. It is idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.connected = true
		a.mu.Unlock()
		a.pushConnectionState("open")
		log.Printf("discord: %s connected as %s", a.name, r.User.Username)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
		a.pushConnectionState("close")
		log.Printf("discord: %s gateway disconnected, discordgo will auto-reconnect", a.name)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		a.mu.Lock()
		a.connected = true
		a.mu.Unlock()
		a.pushConnectionState("open")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Send delivers a payload to a Discord user via a DM channel and returns
// the provider message id.
func (a *Adapter) Send(ctx context.Context, address string, p channel.Payload) (string, error) {
	a.mu.Lock()
	sess := a.sess
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return "", fmt.Errorf("discord: %s not connected", a.name)
	}

	var dm *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		dm, apiErr = sess.UserChannelCreate(address)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: open dm with %s: %w", address, err)
	}

	data := buildMessageSend(p)
	var sent *discordgo.Message
	err = a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		sent, apiErr = sess.ChannelMessageSendComplex(dm.ID, data)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: send to %s: %w", address, err)
	}
	return sent.ID, nil
}

// Exists checks whether the address resolves to a Discord user. The
// canonical form is the user's snowflake id.
func (a *Adapter) Exists(ctx context.Context, address string) (bool, string, error) {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess == nil {
		return false, "", fmt.Errorf("discord: %s not connected", a.name)
	}

	user, err := sess.User(address)
	if err != nil {
		if restErr, ok := err.(*discordgo.RESTError); ok &&
			restErr.Response != nil && restErr.Response.StatusCode == 404 {
			return false, "", nil
		}
		return false, "", fmt.Errorf("discord: user lookup %s: %w", address, err)
	}
	return true, user.ID, nil
}

// RegisterWebhook is not available: Discord pushes message events over the
// gateway only.
func (a *Adapter) RegisterWebhook(ctx context.Context, url string, eventTypes []string) error {
	return channel.ErrNotSupported
}

// RemoveWebhook reports nothing to tear down.
func (a *Adapter) RemoveWebhook(ctx context.Context) error {
	return channel.ErrAlreadyAbsent
}

// Webhook reports no webhook configuration; Discord has none to query.
func (a *Adapter) Webhook(ctx context.Context) (*channel.WebhookConfig, error) {
	return nil, nil
}

// OpenPush wires gateway message events into a subscription. The gateway
// must already be connected.
func (a *Adapter) OpenPush(ctx context.Context) (channel.Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("discord: adapter already closed")
	}
	if a.sub != nil {
		return a.sub, nil
	}
	if a.sess == nil {
		return nil, fmt.Errorf("discord: %s not connected", a.name)
	}

	sub := newSubscription()
	remove := a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(sub, m)
	})
	sub.remove = remove
	a.sub = sub
	return sub, nil
}

// ClosePush tears down the push subscription.
func (a *Adapter) ClosePush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub == nil {
		return channel.ErrAlreadyAbsent
	}
	a.sub.Close()
	a.sub = nil
	return nil
}

// Close shuts down the adapter and the gateway connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.sub != nil {
		a.sub.Close()
		a.sub = nil
	}
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// handleMessage converts a gateway message event into a channel.Event.
func (a *Adapter) handleMessage(sub *subscription, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()

	fromMe := m.Author.ID == botID
	ts, _ := discordgo.SnowflakeTimestamp(m.ID)

	ev := channel.MessageEvent{
		ProviderMessageID: m.ID,
		RemoteAddress:     m.Author.ID,
		SenderName:        m.Author.Username,
		FromMe:            fromMe,
		Text:              m.Content,
		Kind:              "text",
		Timestamp:         ts,
	}
	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		ev.Kind = kindFromContentType(att.ContentType)
		ev.MimeType = att.ContentType
		// Discord attachment URLs are CDN links, not inline bodies; the
		// normalizer decides whether they are usable.
		ev.MediaURL = att.URL
		ev.Caption = m.Content
		ev.Text = ""
	}

	sub.push(channel.Event{Kind: channel.EventMessage, Message: &ev})
}

// pushConnectionState emits a connection event if a subscription is open.
func (a *Adapter) pushConnectionState(state string) {
	a.mu.Lock()
	sub := a.sub
	a.mu.Unlock()
	if sub == nil {
		return
	}
	sub.push(channel.Event{
		Kind:       channel.EventConnection,
		Connection: &channel.ConnectionEvent{State: state},
	})
}

// buildMessageSend translates a Payload into a Discord MessageSend.
func buildMessageSend(p channel.Payload) *discordgo.MessageSend {
	data := &discordgo.MessageSend{Content: p.Text}
	if p.MediaRef == "" {
		return data
	}
	switch p.Kind {
	case "image":
		data.Embeds = append(data.Embeds, &discordgo.MessageEmbed{
			Description: p.Text,
			Image:       &discordgo.MessageEmbedImage{URL: p.MediaRef},
		})
		data.Content = ""
	default:
		// Video/audio/document go out as a link; Discord unfurls them.
		if data.Content != "" {
			data.Content += "\n"
		}
		data.Content += p.MediaRef
	}
	return data
}

// kindFromContentType maps an attachment MIME type to a message kind.
func kindFromContentType(ct string) string {
	switch {
	case len(ct) >= 5 && ct[:5] == "image":
		return "image"
	case len(ct) >= 5 && ct[:5] == "video":
		return "video"
	case len(ct) >= 5 && ct[:5] == "audio":
		return "audio"
	default:
		return "document"
	}
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err // not a rate limit error
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// subscription is the gateway-backed push event stream.
type subscription struct {
	mu     sync.Mutex
	events chan channel.Event
	closed bool
	remove func() // unregisters the gateway handler
}

func newSubscription() *subscription {
	return &subscription{events: make(chan channel.Event, 64)}
}

func (s *subscription) Events() <-chan channel.Event { return s.events }

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.remove != nil {
		s.remove()
	}
	close(s.events)
	return nil
}

func (s *subscription) push(ev channel.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Printf("discord: dropping event, subscription buffer full")
	}
}

// Package slack implements the channel Adapter for Slack. Slack delivers
// events via Events API callbacks to a registered URL, so this adapter
// supports webhook mode only; inbound envelopes are parsed from the HTTP
// receiver with ParseEvent.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/zulandar/courier/internal/channel"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
	GetUserByEmail(email string) (*slackapi.User, error)
	OpenConversation(params *slackapi.OpenConversationParameters) (*slackapi.Channel, bool, bool, error)
}

// Adapter implements channel.Adapter for Slack.
type Adapter struct {
	name      string
	botToken  string
	mu        sync.Mutex
	client    slackClient
	botUserID string
	live      bool
	webhook   *channel.WebhookConfig
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	Name     string // channel instance name
	BotToken string // xoxb-... Slack bot token
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("slack: instance name is required")
	}
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: %w: bot token", channel.ErrMissingCredentials)
	}
	return &Adapter{
		name:     opts.Name,
		botToken: opts.BotToken,
		client:   opts.Client,
	}, nil
}

func (a *Adapter) Name() string     { return a.name }
func (a *Adapter) Provider() string { return "slack" }

// Live reports whether credentials have been verified.
func (a *Adapter) Live() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Connect verifies credentials via auth.test and captures the bot user id.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		a.client = slackapi.New(a.botToken)
	}
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.live = true
	return nil
}

// Send delivers a payload to a Slack user and returns the message
// timestamp, Slack's message identifier.
func (a *Adapter) Send(ctx context.Context, address string, p channel.Payload) (string, error) {
	a.mu.Lock()
	client := a.client
	live := a.live
	a.mu.Unlock()
	if !live {
		return "", fmt.Errorf("slack: %s not connected", a.name)
	}

	var conv *slackapi.Channel
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		conv, _, _, apiErr = client.OpenConversation(&slackapi.OpenConversationParameters{
			Users: []string{address},
		})
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: open conversation with %s: %w", address, err)
	}

	options := buildMessageOptions(p)
	var ts string
	err = retryOnRateLimit(ctx, func() error {
		var apiErr error
		_, ts, apiErr = client.PostMessage(conv.ID, options...)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: post message to %s: %w", address, err)
	}
	return ts, nil
}

// Exists resolves the address to a Slack user. Email addresses are
// canonicalized to the user's Slack id.
func (a *Adapter) Exists(ctx context.Context, address string) (bool, string, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return false, "", fmt.Errorf("slack: %s not connected", a.name)
	}

	var user *slackapi.User
	var err error
	if strings.Contains(address, "@") {
		user, err = client.GetUserByEmail(address)
	} else {
		user, err = client.GetUserInfo(address)
	}
	if err != nil {
		if isUserNotFound(err) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("slack: user lookup %s: %w", address, err)
	}
	return true, user.ID, nil
}

// RegisterWebhook records the Events API target. Slack manages the
// subscription at the app level; the adapter keeps the registration so
// state reconciliation can report it.
func (a *Adapter) RegisterWebhook(ctx context.Context, url string, eventTypes []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.webhook = &channel.WebhookConfig{URL: url, EventTypes: eventTypes}
	return nil
}

// RemoveWebhook clears the Events API registration.
func (a *Adapter) RemoveWebhook(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.webhook == nil {
		return channel.ErrAlreadyAbsent
	}
	a.webhook = nil
	return nil
}

// Webhook returns the current Events API registration, or nil.
func (a *Adapter) Webhook(ctx context.Context) (*channel.WebhookConfig, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.webhook == nil {
		return nil, nil
	}
	cp := *a.webhook
	return &cp, nil
}

// OpenPush is not available: Slack events arrive over HTTP callbacks.
func (a *Adapter) OpenPush(ctx context.Context) (channel.Subscription, error) {
	return nil, channel.ErrNotSupported
}

// ClosePush reports nothing to tear down.
func (a *Adapter) ClosePush() error {
	return channel.ErrAlreadyAbsent
}

// ParseEvent converts a raw Events API envelope into a channel.Event. The
// second return is the URL-verification challenge, non-empty only for
// verification handshakes.
func (a *Adapter) ParseEvent(body []byte) (channel.Event, string, error) {
	parsed, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return channel.Event{}, "", fmt.Errorf("slack: parse event: %w", err)
	}

	switch parsed.Type {
	case slackevents.URLVerification:
		var cr slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			return channel.Event{}, "", fmt.Errorf("slack: parse challenge: %w", err)
		}
		return channel.Event{Kind: channel.EventIgnored}, cr.Challenge, nil

	case slackevents.CallbackEvent:
		switch ev := parsed.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			return a.messageEvent(ev), "", nil
		default:
			return channel.Event{Kind: channel.EventIgnored}, "", nil
		}
	}
	return channel.Event{Kind: channel.EventIgnored}, "", nil
}

// messageEvent maps a Slack message callback to the event union.
func (a *Adapter) messageEvent(ev *slackevents.MessageEvent) channel.Event {
	// Edits, deletes and join notices carry a subtype; Courier only maps
	// plain messages.
	if ev.SubType != "" {
		return channel.Event{Kind: channel.EventIgnored}
	}
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()

	return channel.Event{
		Kind: channel.EventMessage,
		Message: &channel.MessageEvent{
			ProviderMessageID: ev.TimeStamp,
			RemoteAddress:     ev.User,
			FromMe:            ev.BotID != "" || (botID != "" && ev.User == botID),
			Text:              ev.Text,
			Kind:              "text",
			Timestamp:         parseSlackTimestamp(ev.TimeStamp),
		},
	}
}

// buildMessageOptions translates a Payload into Slack MsgOptions.
func buildMessageOptions(p channel.Payload) []slackapi.MsgOption {
	var options []slackapi.MsgOption
	if p.MediaRef != "" {
		att := slackapi.Attachment{Text: p.Text, Fallback: p.Text}
		if p.Kind == "image" {
			att.ImageURL = p.MediaRef
		} else {
			att.TitleLink = p.MediaRef
			att.Title = p.Filename
		}
		options = append(options, slackapi.MsgOptionAttachments(att))
		if p.Text != "" {
			options = append(options, slackapi.MsgOptionText(p.Text, false))
		}
	} else {
		options = append(options, slackapi.MsgOptionText(p.Text, false))
	}
	return options
}

// isUserNotFound reports whether err is Slack's users_not_found answer.
func isUserNotFound(err error) bool {
	var slackErr slackapi.SlackErrorResponse
	if errors.As(err, &slackErr) {
		return slackErr.Err == "users_not_found" || slackErr.Err == "user_not_found"
	}
	return strings.Contains(err.Error(), "users_not_found") ||
		strings.Contains(err.Error(), "user_not_found")
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors, honoring the RetryAfter hint.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g. "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

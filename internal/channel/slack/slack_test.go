package slack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/courier/internal/channel"
)

// --- Mock Slack client ---

type mockClient struct {
	mu           sync.Mutex
	authErr      error
	botUserID    string
	postErrs     []error // consumed one per PostMessage; nil entries succeed
	posted       []postedMessage
	usersByID    map[string]*slackapi.User
	usersByEmail map[string]*slackapi.User
	nextTS       int
}

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

func newMockClient() *mockClient {
	return &mockClient{
		botUserID:    "BBOT",
		usersByID:    make(map[string]*slackapi.User),
		usersByEmail: make(map[string]*slackapi.User),
	}
}

func (m *mockClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	if m.authErr != nil {
		return nil, m.authErr
	}
	return &slackapi.AuthTestResponse{UserID: m.botUserID}, nil
}

func (m *mockClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.postErrs) > 0 {
		err := m.postErrs[0]
		m.postErrs = m.postErrs[1:]
		if err != nil {
			return "", "", err
		}
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	m.nextTS++
	return channelID, fmt.Sprintf("1700000000.%06d", m.nextTS), nil
}

func (m *mockClient) GetUserInfo(userID string) (*slackapi.User, error) {
	if u, ok := m.usersByID[userID]; ok {
		return u, nil
	}
	return nil, slackapi.SlackErrorResponse{Err: "user_not_found"}
}

func (m *mockClient) GetUserByEmail(email string) (*slackapi.User, error) {
	if u, ok := m.usersByEmail[email]; ok {
		return u, nil
	}
	return nil, slackapi.SlackErrorResponse{Err: "users_not_found"}
}

func (m *mockClient) OpenConversation(params *slackapi.OpenConversationParameters) (*slackapi.Channel, bool, bool, error) {
	conv := &slackapi.Channel{}
	conv.ID = "D" + params.Users[0]
	return conv, false, false, nil
}

func newConnectedAdapter(t *testing.T) (*Adapter, *mockClient) {
	t.Helper()
	client := newMockClient()
	a, err := New(AdapterOpts{Name: "sl-main", Client: client})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a, client
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(AdapterOpts{Name: "x"}); !errors.Is(err, channel.ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestConnect_VerifiesAuth(t *testing.T) {
	a, _ := newConnectedAdapter(t)
	if !a.Live() {
		t.Error("adapter not live after auth test")
	}
}

func TestConnect_AuthFailure(t *testing.T) {
	client := newMockClient()
	client.authErr = errors.New("invalid_auth")
	a, _ := New(AdapterOpts{Name: "sl-main", Client: client})
	if err := a.Connect(context.Background()); err == nil {
		t.Error("expected auth error")
	}
	if a.Live() {
		t.Error("adapter live despite failed auth")
	}
}

func TestSend_ReturnsTimestamp(t *testing.T) {
	a, client := newConnectedAdapter(t)

	ts, err := a.Send(context.Background(), "U123", channel.Payload{Kind: "text", Text: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ts == "" {
		t.Error("no message timestamp returned")
	}
	if len(client.posted) != 1 || client.posted[0].channelID != "DU123" {
		t.Errorf("posted = %+v", client.posted)
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Name: "sl-main", Client: newMockClient()})
	if _, err := a.Send(context.Background(), "U123", channel.Payload{Kind: "text"}); err == nil {
		t.Error("expected error before connect")
	}
}

func TestSend_RateLimitRetried(t *testing.T) {
	a, client := newConnectedAdapter(t)
	client.postErrs = []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}, nil}

	if _, err := a.Send(context.Background(), "U123", channel.Payload{Kind: "text", Text: "x"}); err != nil {
		t.Fatalf("send after rate limit: %v", err)
	}
	if len(client.posted) != 1 {
		t.Errorf("posted = %d, want 1 after retry", len(client.posted))
	}
}

func TestExists_EmailCanonicalized(t *testing.T) {
	a, client := newConnectedAdapter(t)
	client.usersByEmail["ana@example.com"] = &slackapi.User{ID: "U024BE7LH"}

	ok, canonical, err := a.Exists(context.Background(), "ana@example.com")
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
	if canonical != "U024BE7LH" {
		t.Errorf("canonical = %q, want slack user id", canonical)
	}
}

func TestExists_UnknownUser(t *testing.T) {
	a, _ := newConnectedAdapter(t)
	ok, _, err := a.Exists(context.Background(), "ghost@example.com")
	if err != nil {
		t.Fatalf("users_not_found should not error: %v", err)
	}
	if ok {
		t.Error("unknown user reported as existing")
	}
}

func TestWebhookRegistration(t *testing.T) {
	a, _ := newConnectedAdapter(t)
	ctx := context.Background()

	if err := a.RegisterWebhook(ctx, "https://crm.example.com/webhooks/slack/sl-main", []string{"message"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	hook, err := a.Webhook(ctx)
	if err != nil || hook == nil {
		t.Fatalf("webhook = %v, %v", hook, err)
	}
	if hook.URL != "https://crm.example.com/webhooks/slack/sl-main" {
		t.Errorf("url = %q", hook.URL)
	}

	if err := a.RemoveWebhook(ctx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := a.RemoveWebhook(ctx); !errors.Is(err, channel.ErrAlreadyAbsent) {
		t.Errorf("second remove = %v, want ErrAlreadyAbsent", err)
	}
}

func TestPushMode_NotSupported(t *testing.T) {
	a, _ := newConnectedAdapter(t)
	if _, err := a.OpenPush(context.Background()); !errors.Is(err, channel.ErrNotSupported) {
		t.Errorf("open push = %v", err)
	}
	if err := a.ClosePush(); !errors.Is(err, channel.ErrAlreadyAbsent) {
		t.Errorf("close push = %v", err)
	}
}

func TestParseEvent_URLVerification(t *testing.T) {
	a, _ := newConnectedAdapter(t)
	body := `{"type":"url_verification","challenge":"abc123","token":"t"}`

	ev, challenge, err := a.ParseEvent([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if challenge != "abc123" {
		t.Errorf("challenge = %q", challenge)
	}
	if ev.Kind != channel.EventIgnored {
		t.Errorf("kind = %s", ev.Kind)
	}
}

func TestParseEvent_Message(t *testing.T) {
	a, _ := newConnectedAdapter(t)
	body := `{
		"type": "event_callback",
		"event": {
			"type": "message",
			"user": "U123",
			"text": "hello from slack",
			"ts": "1700000000.000100",
			"channel": "D123"
		}
	}`

	ev, challenge, err := a.ParseEvent([]byte(body))
	if err != nil || challenge != "" {
		t.Fatalf("parse: %v, challenge %q", err, challenge)
	}
	if ev.Kind != channel.EventMessage {
		t.Fatalf("kind = %s", ev.Kind)
	}
	if ev.Message.RemoteAddress != "U123" || ev.Message.Text != "hello from slack" {
		t.Errorf("event = %+v", ev.Message)
	}
	if ev.Message.ProviderMessageID != "1700000000.000100" {
		t.Errorf("provider id = %q", ev.Message.ProviderMessageID)
	}
	if ev.Message.Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp = %v", ev.Message.Timestamp)
	}
}

func TestParseEvent_SubtypeIgnored(t *testing.T) {
	a, _ := newConnectedAdapter(t)
	body := `{
		"type": "event_callback",
		"event": {
			"type": "message",
			"subtype": "message_changed",
			"user": "U123",
			"ts": "1700000000.000200"
		}
	}`

	ev, _, err := a.ParseEvent([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Kind != channel.EventIgnored {
		t.Errorf("kind = %s, want ignored for subtype", ev.Kind)
	}
}

func TestParseEvent_BotMessageFlaggedFromMe(t *testing.T) {
	a, _ := newConnectedAdapter(t)
	body := `{
		"type": "event_callback",
		"event": {
			"type": "message",
			"user": "BBOT",
			"text": "echo",
			"ts": "1700000000.000300"
		}
	}`

	ev, _, err := a.ParseEvent([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Kind != channel.EventMessage || !ev.Message.FromMe {
		t.Errorf("event = %+v, want from-me message", ev)
	}
}

func TestParseEvent_Malformed(t *testing.T) {
	a, _ := newConnectedAdapter(t)
	if _, _, err := a.ParseEvent([]byte("{broken")); err == nil {
		t.Error("expected parse error")
	}
}

func TestParseSlackTimestamp(t *testing.T) {
	if got := parseSlackTimestamp("1700000000.000100"); got.Unix() != 1700000000 {
		t.Errorf("parsed = %v", got)
	}
	if got := parseSlackTimestamp("garbage"); !got.IsZero() {
		t.Errorf("garbage should parse to zero time, got %v", got)
	}
}

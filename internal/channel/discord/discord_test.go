package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/courier/internal/channel"
)

// --- Mock Discord session ---

type mockSession struct {
	mu          sync.Mutex
	opened      bool
	closeCalled bool
	openErr     error
	sendErr     error
	sent        []sentMessage
	users       map[string]*discordgo.User
	handlers    []interface{}
	removeCount int
	nextMsgID   int
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

func newMockSession() *mockSession {
	return &mockSession{users: make(map[string]*discordgo.User)}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

func (m *mockSession) User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: 404}}
}

func (m *mockSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, data: data})
	m.nextMsgID++
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", m.nextMsgID)}, nil
}

// fire dispatches an event to every registered handler of a matching type.
func (m *mockSession) fire(ev interface{}) {
	m.mu.Lock()
	handlers := append([]interface{}{}, m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		switch e := ev.(type) {
		case *discordgo.Ready:
			if fn, ok := h.(func(*discordgo.Session, *discordgo.Ready)); ok {
				fn(nil, e)
			}
		case *discordgo.Disconnect:
			if fn, ok := h.(func(*discordgo.Session, *discordgo.Disconnect)); ok {
				fn(nil, e)
			}
		case *discordgo.MessageCreate:
			if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
				fn(nil, e)
			}
		}
	}
}

func newConnectedAdapter(t *testing.T) (*Adapter, *mockSession) {
	t.Helper()
	sess := newMockSession()
	a, err := New(AdapterOpts{Name: "dc-main", Session: sess})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a, sess
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(AdapterOpts{Name: "x"}); !errors.Is(err, channel.ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
	if _, err := New(AdapterOpts{BotToken: "t"}); err == nil {
		t.Error("expected error for missing name")
	}
}

func TestConnect_OpensGateway(t *testing.T) {
	a, sess := newConnectedAdapter(t)
	if !sess.opened {
		t.Error("gateway not opened")
	}
	if !a.Live() {
		t.Error("adapter not live after connect")
	}
	// Idempotent.
	if err := a.Connect(context.Background()); err != nil {
		t.Errorf("second connect: %v", err)
	}
}

func TestConnect_ReadyCapturesBotUser(t *testing.T) {
	a, sess := newConnectedAdapter(t)
	sess.fire(&discordgo.Ready{User: &discordgo.User{ID: "bot-1", Username: "courier"}})

	a.mu.Lock()
	got := a.botUserID
	a.mu.Unlock()
	if got != "bot-1" {
		t.Errorf("bot user id = %q", got)
	}
}

func TestSend_TextViaDM(t *testing.T) {
	a, sess := newConnectedAdapter(t)

	id, err := a.Send(context.Background(), "user-9", channel.Payload{Kind: "text", Text: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" {
		t.Error("no provider message id")
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent = %d", len(sess.sent))
	}
	if sess.sent[0].channelID != "dm-user-9" {
		t.Errorf("channel = %s, want DM channel", sess.sent[0].channelID)
	}
	if sess.sent[0].data.Content != "hello" {
		t.Errorf("content = %q", sess.sent[0].data.Content)
	}
}

func TestSend_ImageAsEmbed(t *testing.T) {
	a, sess := newConnectedAdapter(t)

	_, err := a.Send(context.Background(), "user-9", channel.Payload{
		Kind: "image", Text: "caption", MediaRef: "https://cdn.example.com/pic.png",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	data := sess.sent[0].data
	if len(data.Embeds) != 1 || data.Embeds[0].Image.URL != "https://cdn.example.com/pic.png" {
		t.Errorf("embeds = %+v", data.Embeds)
	}
	if data.Embeds[0].Description != "caption" {
		t.Errorf("caption = %q", data.Embeds[0].Description)
	}
}

func TestSend_NotConnected(t *testing.T) {
	sess := newMockSession()
	a, _ := New(AdapterOpts{Name: "dc-main", Session: sess})
	if _, err := a.Send(context.Background(), "user-9", channel.Payload{Kind: "text"}); err == nil {
		t.Error("expected error before connect")
	}
}

func TestSend_NonRateLimitErrorNotRetried(t *testing.T) {
	a, sess := newConnectedAdapter(t)
	sess.sendErr = errors.New("forbidden")

	_, err := a.Send(context.Background(), "user-9", channel.Payload{Kind: "text", Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "forbidden") {
		t.Errorf("err = %v", err)
	}
}

func TestExists(t *testing.T) {
	a, sess := newConnectedAdapter(t)
	sess.users["user-9"] = &discordgo.User{ID: "100200300"}

	ok, canonical, err := a.Exists(context.Background(), "user-9")
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
	if canonical != "100200300" {
		t.Errorf("canonical = %q, want snowflake id", canonical)
	}

	ok, _, err = a.Exists(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("404 lookup should not error: %v", err)
	}
	if ok {
		t.Error("unknown user reported as existing")
	}
}

func TestWebhookMode_NotSupported(t *testing.T) {
	a, _ := newConnectedAdapter(t)
	if err := a.RegisterWebhook(context.Background(), "https://x", nil); !errors.Is(err, channel.ErrNotSupported) {
		t.Errorf("register = %v", err)
	}
	if err := a.RemoveWebhook(context.Background()); !errors.Is(err, channel.ErrAlreadyAbsent) {
		t.Errorf("remove = %v", err)
	}
	hook, err := a.Webhook(context.Background())
	if err != nil || hook != nil {
		t.Errorf("webhook = %v, %v", hook, err)
	}
}

func TestOpenPush_DeliversGatewayMessages(t *testing.T) {
	a, sess := newConnectedAdapter(t)
	sess.fire(&discordgo.Ready{User: &discordgo.User{ID: "bot-1", Username: "courier"}})

	sub, err := a.OpenPush(context.Background())
	if err != nil {
		t.Fatalf("open push: %v", err)
	}

	sess.fire(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:      "4194304", // minimal valid snowflake
		Author:  &discordgo.User{ID: "user-9", Username: "Ana"},
		Content: "hi there",
	}})

	select {
	case ev := <-sub.Events():
		if ev.Kind != channel.EventMessage {
			t.Fatalf("kind = %s", ev.Kind)
		}
		if ev.Message.RemoteAddress != "user-9" || ev.Message.Text != "hi there" {
			t.Errorf("event = %+v", ev.Message)
		}
		if ev.Message.FromMe {
			t.Error("inbound message flagged from-me")
		}
	default:
		t.Fatal("no event delivered")
	}
}

func TestOpenPush_OwnMessagesFlaggedFromMe(t *testing.T) {
	a, sess := newConnectedAdapter(t)
	sess.fire(&discordgo.Ready{User: &discordgo.User{ID: "bot-1", Username: "courier"}})

	sub, _ := a.OpenPush(context.Background())
	sess.fire(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:      "4194304",
		Author:  &discordgo.User{ID: "bot-1", Username: "courier"},
		Content: "echo",
	}})

	ev := <-sub.Events()
	if !ev.Message.FromMe {
		t.Error("own message not flagged from-me")
	}
}

func TestOpenPush_AttachmentBecomesMediaURL(t *testing.T) {
	a, sess := newConnectedAdapter(t)
	sub, _ := a.OpenPush(context.Background())

	sess.fire(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:      "4194304",
		Author:  &discordgo.User{ID: "user-9"},
		Content: "look at this",
		Attachments: []*discordgo.MessageAttachment{{
			URL:         "https://cdn.discordapp.com/attachments/a/b/pic.png",
			ContentType: "image/png",
		}},
	}})

	ev := <-sub.Events()
	if ev.Message.Kind != "image" {
		t.Errorf("kind = %s", ev.Message.Kind)
	}
	if ev.Message.MediaURL == "" || ev.Message.MediaBase64 != "" {
		t.Error("attachment should surface as URL, not inline body")
	}
	if ev.Message.Caption != "look at this" {
		t.Errorf("caption = %q", ev.Message.Caption)
	}
}

func TestClosePush(t *testing.T) {
	a, sess := newConnectedAdapter(t)
	a.OpenPush(context.Background())

	if err := a.ClosePush(); err != nil {
		t.Fatalf("close push: %v", err)
	}
	if sess.removeCount != 1 {
		t.Errorf("gateway handler not unregistered, removeCount = %d", sess.removeCount)
	}
	if err := a.ClosePush(); !errors.Is(err, channel.ErrAlreadyAbsent) {
		t.Errorf("second close = %v, want ErrAlreadyAbsent", err)
	}
}

func TestClose_ShutsDownSession(t *testing.T) {
	a, sess := newConnectedAdapter(t)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !sess.closeCalled {
		t.Error("session not closed")
	}
	if a.Live() {
		t.Error("adapter live after close")
	}
	if err := a.Connect(context.Background()); err == nil {
		t.Error("connect after close should fail")
	}
}

func TestKindFromContentType(t *testing.T) {
	cases := map[string]string{
		"image/png":       "image",
		"video/mp4":       "video",
		"audio/ogg":       "audio",
		"application/pdf": "document",
		"":                "document",
	}
	for ct, want := range cases {
		if got := kindFromContentType(ct); got != want {
			t.Errorf("kindFromContentType(%q) = %q, want %q", ct, got, want)
		}
	}
}

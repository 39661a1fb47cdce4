package channel

import (
	"context"
	"fmt"
	"sync"
)

// SentRecord captures one Send call on a MockAdapter.
type SentRecord struct {
	Address string
	Payload Payload
}

// existsResult is a scripted Exists answer for one address.
type existsResult struct {
	exists    bool
	canonical string
}

// MockAdapter implements Adapter for testing. It records sent payloads,
// returns scripted Exists answers, and lets tests push events through a
// simulated push subscription.
type MockAdapter struct {
	mu          sync.Mutex
	name        string
	live        bool
	sent        []SentRecord
	sendErrs    []error // consumed one per Send call; nil entries succeed
	exists      map[string]existsResult
	webhook     *WebhookConfig
	sub         *mockSubscription
	idCounter   int
	defaultMiss bool // when true, unscripted addresses report not-exists
}

// NewMockAdapter creates a live MockAdapter with the given instance name.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		name:   name,
		live:   true,
		exists: make(map[string]existsResult),
	}
}

func (m *MockAdapter) Name() string     { return m.name }
func (m *MockAdapter) Provider() string { return "mock" }

// Live reports the scripted live state.
func (m *MockAdapter) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Send records the payload and returns a synthetic provider message id, or
// the next queued error.
func (m *MockAdapter) Send(ctx context.Context, address string, p Payload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live {
		return "", fmt.Errorf("mock adapter %s: not connected", m.name)
	}
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return "", err
		}
	}
	m.sent = append(m.sent, SentRecord{Address: address, Payload: p})
	m.idCounter++
	return fmt.Sprintf("%s-msg-%d", m.name, m.idCounter), nil
}

// Exists returns the scripted answer for the address. Unscripted addresses
// exist unless SetDefaultMiss was called.
func (m *MockAdapter) Exists(ctx context.Context, address string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.exists[address]; ok {
		return r.exists, r.canonical, nil
	}
	return !m.defaultMiss, "", nil
}

// RegisterWebhook records the webhook configuration.
func (m *MockAdapter) RegisterWebhook(ctx context.Context, url string, eventTypes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhook = &WebhookConfig{URL: url, EventTypes: eventTypes}
	return nil
}

// RemoveWebhook clears the webhook configuration.
func (m *MockAdapter) RemoveWebhook(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.webhook == nil {
		return ErrAlreadyAbsent
	}
	m.webhook = nil
	return nil
}

// Webhook returns the recorded webhook configuration, or nil.
func (m *MockAdapter) Webhook(ctx context.Context) (*WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.webhook == nil {
		return nil, nil
	}
	cp := *m.webhook
	return &cp, nil
}

// OpenPush opens a simulated push subscription.
func (m *MockAdapter) OpenPush(ctx context.Context) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		return m.sub, nil
	}
	m.sub = newMockSubscription()
	return m.sub, nil
}

// ClosePush closes the simulated push subscription.
func (m *MockAdapter) ClosePush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == nil {
		return ErrAlreadyAbsent
	}
	m.sub.Close()
	m.sub = nil
	return nil
}

// --- Test helpers ---

// SetLive scripts the live state.
func (m *MockAdapter) SetLive(live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = live
}

// SetExists scripts the Exists answer for an address.
func (m *MockAdapter) SetExists(address string, exists bool, canonical string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists[address] = existsResult{exists: exists, canonical: canonical}
}

// SetDefaultMiss makes unscripted addresses report not-exists.
func (m *MockAdapter) SetDefaultMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultMiss = true
}

// QueueSendError scripts the outcome of upcoming Send calls, in order.
// A nil entry makes that call succeed.
func (m *MockAdapter) QueueSendError(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrs = append(m.sendErrs, errs...)
}

// SimulateEvent pushes an event into the open push subscription.
func (m *MockAdapter) SimulateEvent(ev Event) error {
	m.mu.Lock()
	sub := m.sub
	m.mu.Unlock()
	if sub == nil {
		return fmt.Errorf("mock adapter %s: push not open", m.name)
	}
	sub.push(ev)
	return nil
}

// SentCount returns the number of successful Send calls.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all recorded sends.
func (m *MockAdapter) AllSent() []SentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentRecord, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the most recent send, if any.
func (m *MockAdapter) LastSent() (SentRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentRecord{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// mockSubscription is an in-memory Subscription backed by a buffered channel.
type mockSubscription struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

func newMockSubscription() *mockSubscription {
	return &mockSubscription{events: make(chan Event, 64)}
}

func (s *mockSubscription) Events() <-chan Event { return s.events }

func (s *mockSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *mockSubscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Package connmode manages how events flow from a channel instance:
// either a push subscription held by this process or a webhook registered
// with the provider. The two modes are mutually exclusive per instance.
package connmode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/zulandar/courier/internal/channel"
	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// EventHandler consumes normalized channel events. The ingest normalizer
// satisfies it.
type EventHandler interface {
	Handle(ctx context.Context, tenantID, instance string, ev channel.Event) error
}

// State is the reconciled connection state of a channel instance.
type State struct {
	Instance   string                 `json:"instance"`
	Mode       string                 `json:"mode"`
	LiveStatus string                 `json:"live_status"`
	Webhook    *channel.WebhookConfig `json:"webhook,omitempty"`
}

// Manager switches channel instances between ingestion modes and pumps
// push-mode events into the handler. Mode transitions tear down the other
// mode first, so an instance never feeds events through both paths.
type Manager struct {
	db       *gorm.DB
	registry *channel.Registry
	handler  EventHandler

	mu    sync.Mutex
	pumps map[string]context.CancelFunc // instance -> push pump cancel
}

// Opts holds parameters for creating a Manager.
type Opts struct {
	DB       *gorm.DB
	Registry *channel.Registry
	Handler  EventHandler
}

// NewManager creates a Manager.
func NewManager(opts Opts) (*Manager, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("connmode: db is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("connmode: channel registry is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("connmode: event handler is required")
	}
	return &Manager{
		db:       opts.DB,
		registry: opts.Registry,
		handler:  opts.Handler,
		pumps:    make(map[string]context.CancelFunc),
	}, nil
}

// EnablePush switches an instance to push ingestion. Any webhook
// registration is removed first. Calling it while push is already active
// is a no-op.
func (m *Manager) EnablePush(ctx context.Context, instance string) error {
	inst, adapter, err := m.resolve(instance)
	if err != nil {
		return err
	}

	m.mu.Lock()
	_, running := m.pumps[instance]
	m.mu.Unlock()
	if inst.ConnectionMode == models.ModePush && running {
		return nil
	}

	if err := adapter.RemoveWebhook(ctx); err != nil &&
		!errors.Is(err, channel.ErrAlreadyAbsent) && !errors.Is(err, channel.ErrNotSupported) {
		return fmt.Errorf("connmode: %s: remove webhook before push: %w", instance, err)
	}

	sub, err := adapter.OpenPush(ctx)
	if err != nil {
		return fmt.Errorf("connmode: %s: open push: %w", instance, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if old, ok := m.pumps[instance]; ok {
		old()
	}
	m.pumps[instance] = cancel
	m.mu.Unlock()
	go m.pump(pumpCtx, inst.TenantID, instance, sub)

	return m.persistMode(instance, models.ModePush, "", nil)
}

// EnableWebhook switches an instance to webhook ingestion. An active push
// subscription is closed first.
func (m *Manager) EnableWebhook(ctx context.Context, instance, url string, eventTypes []string) error {
	_, adapter, err := m.resolve(instance)
	if err != nil {
		return err
	}
	if url == "" {
		return fmt.Errorf("connmode: %s: webhook url is required", instance)
	}

	m.stopPump(instance)
	if err := adapter.ClosePush(); err != nil &&
		!errors.Is(err, channel.ErrAlreadyAbsent) && !errors.Is(err, channel.ErrNotSupported) {
		return fmt.Errorf("connmode: %s: close push before webhook: %w", instance, err)
	}

	if err := adapter.RegisterWebhook(ctx, url, eventTypes); err != nil {
		return fmt.Errorf("connmode: %s: register webhook: %w", instance, err)
	}
	return m.persistMode(instance, models.ModeWebhook, url, eventTypes)
}

// DisableAll tears down both ingestion modes. Absent registrations are not
// an error, so the operation is idempotent.
func (m *Manager) DisableAll(ctx context.Context, instance string) error {
	_, adapter, err := m.resolve(instance)
	if err != nil {
		return err
	}

	m.stopPump(instance)
	if err := adapter.ClosePush(); err != nil &&
		!errors.Is(err, channel.ErrAlreadyAbsent) && !errors.Is(err, channel.ErrNotSupported) {
		return fmt.Errorf("connmode: %s: close push: %w", instance, err)
	}
	if err := adapter.RemoveWebhook(ctx); err != nil &&
		!errors.Is(err, channel.ErrAlreadyAbsent) && !errors.Is(err, channel.ErrNotSupported) {
		return fmt.Errorf("connmode: %s: remove webhook: %w", instance, err)
	}
	return m.persistMode(instance, models.ModeNone, "", nil)
}

// GetState reconciles the persisted mode against what the adapter and this
// process actually hold. A stale record (webhook gone at the provider,
// push pump not running here) is healed to NONE before it is returned.
func (m *Manager) GetState(ctx context.Context, instance string) (State, error) {
	inst, adapter, err := m.resolve(instance)
	if err != nil {
		return State{}, err
	}

	st := State{
		Instance:   instance,
		Mode:       inst.ConnectionMode,
		LiveStatus: inst.LiveStatus,
	}

	switch inst.ConnectionMode {
	case models.ModeWebhook:
		hook, err := adapter.Webhook(ctx)
		if err != nil {
			return State{}, fmt.Errorf("connmode: %s: query webhook: %w", instance, err)
		}
		if hook == nil {
			log.Printf("connmode: %s: persisted mode WEBHOOK but provider has none, healing to NONE", instance)
			st.Mode = models.ModeNone
			if err := m.persistMode(instance, models.ModeNone, "", nil); err != nil {
				return State{}, err
			}
		} else {
			st.Webhook = hook
		}
	case models.ModePush:
		m.mu.Lock()
		_, running := m.pumps[instance]
		m.mu.Unlock()
		if !running {
			log.Printf("connmode: %s: persisted mode PUSH_SOCKET but no pump running, healing to NONE", instance)
			st.Mode = models.ModeNone
			if err := m.persistMode(instance, models.ModeNone, "", nil); err != nil {
				return State{}, err
			}
		}
	}
	return st, nil
}

// Close stops every push pump. Used on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for instance, cancel := range m.pumps {
		cancel()
		delete(m.pumps, instance)
	}
}

// pump forwards pushed events to the handler until the subscription closes
// or the pump is cancelled. Handler errors are logged, never fatal to the
// stream.
func (m *Manager) pump(ctx context.Context, tenantID, instance string, sub channel.Subscription) {
	log.Printf("connmode: %s: push pump started", instance)
	defer log.Printf("connmode: %s: push pump stopped", instance)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := m.handler.Handle(ctx, tenantID, instance, ev); err != nil {
				log.Printf("connmode: %s: handle pushed event: %v", instance, err)
			}
		}
	}
}

// stopPump cancels the instance's push pump if one is running.
func (m *Manager) stopPump(instance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.pumps[instance]; ok {
		cancel()
		delete(m.pumps, instance)
	}
}

// resolve loads the persisted instance row and its live adapter.
func (m *Manager) resolve(instance string) (*models.ChannelInstance, channel.Adapter, error) {
	var inst models.ChannelInstance
	if err := m.db.First(&inst, "name = ?", instance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("connmode: instance %q not found", instance)
		}
		return nil, nil, fmt.Errorf("connmode: load instance %s: %w", instance, err)
	}
	adapter, err := m.registry.Get(instance)
	if err != nil {
		return nil, nil, err
	}
	return &inst, adapter, nil
}

// persistMode records the active mode and webhook details on the instance
// row.
func (m *Manager) persistMode(instance, mode, url string, eventTypes []string) error {
	events := ""
	if len(eventTypes) > 0 {
		data, err := json.Marshal(eventTypes)
		if err != nil {
			return fmt.Errorf("connmode: encode webhook events: %w", err)
		}
		events = string(data)
	}
	err := m.db.Model(&models.ChannelInstance{}).Where("name = ?", instance).
		Updates(map[string]interface{}{
			"connection_mode": mode,
			"webhook_url":     url,
			"webhook_events":  events,
		}).Error
	if err != nil {
		return fmt.Errorf("connmode: persist mode for %s: %w", instance, err)
	}
	return nil
}

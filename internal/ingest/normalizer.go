// Package ingest normalizes provider-specific events into the canonical
// Chat/Message model, regardless of whether they arrived over a push
// subscription or a webhook callback.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/courier/internal/channel"
	"github.com/zulandar/courier/internal/media"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/notify"
	"gorm.io/gorm"
)

// qrTTL is how long a handshake artifact stays valid before the next one
// supersedes it.
const qrTTL = 60 * time.Second

// previewLimit bounds the chat preview stored from a message body.
const previewLimit = 512

// Normalizer converts channel events into Chat/Message mutations and
// notifies subscribers. Handlers are idempotent under redelivery: a
// duplicate provider message id is a no-op.
type Normalizer struct {
	db    *gorm.DB
	media *media.Store
	hub   *notify.Hub
}

// NormalizerOpts holds parameters for creating a Normalizer.
type NormalizerOpts struct {
	DB    *gorm.DB
	Media *media.Store // optional; inline media is dropped with a warning when nil
	Hub   *notify.Hub  // optional; nil disables subscriber notification
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts NormalizerOpts) (*Normalizer, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("ingest: db is required")
	}
	return &Normalizer{db: opts.DB, media: opts.Media, hub: opts.Hub}, nil
}

// Handle processes one event for a channel instance. Malformed events are
// logged and dropped; they never fail the caller or affect other events.
func (n *Normalizer) Handle(ctx context.Context, tenantID, instance string, ev channel.Event) error {
	switch ev.Kind {
	case channel.EventConnection:
		if ev.Connection == nil {
			return n.drop(instance, "connection event without body")
		}
		return n.handleConnection(tenantID, instance, ev.Connection)
	case channel.EventQR:
		if ev.QR == nil || ev.QR.Code == "" {
			return n.drop(instance, "qr event without code")
		}
		return n.handleQR(tenantID, instance, ev.QR)
	case channel.EventMessage:
		if ev.Message == nil || ev.Message.ProviderMessageID == "" || ev.Message.RemoteAddress == "" {
			return n.drop(instance, "message event missing id or address")
		}
		return n.handleMessage(tenantID, instance, ev.Message)
	case channel.EventMessageUpdate:
		if ev.MessageUpdate == nil || ev.MessageUpdate.ProviderMessageID == "" {
			return n.drop(instance, "message update without id")
		}
		return n.handleMessageUpdate(tenantID, ev.MessageUpdate)
	case channel.EventChatUpsert:
		if ev.ChatUpsert == nil || ev.ChatUpsert.RemoteAddress == "" {
			return n.drop(instance, "chat upsert without address")
		}
		return n.handleChatUpsert(tenantID, ev.ChatUpsert)
	case channel.EventIgnored:
		return nil
	default:
		return n.drop(instance, fmt.Sprintf("unknown event kind %q", ev.Kind))
	}
}

// drop logs a malformed event and swallows it.
func (n *Normalizer) drop(instance, reason string) error {
	log.Printf("ingest: %s: dropping event: %s", instance, reason)
	return nil
}

// handleConnection maps the provider state string to the internal enum and
// persists it. An open connection clears any pending QR artifact.
func (n *Normalizer) handleConnection(tenantID, instance string, ev *channel.ConnectionEvent) error {
	status := mapConnectionState(ev.State)
	updates := map[string]interface{}{"live_status": status}
	if status == models.LiveConnected {
		updates["qr_code"] = ""
		updates["qr_expires_at"] = nil
	}
	if err := n.db.Model(&models.ChannelInstance{}).
		Where("name = ?", instance).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("ingest: persist connection state for %s: %w", instance, err)
	}
	n.publish(tenantID, "channel.status", map[string]string{
		"instance": instance,
		"status":   status,
	})
	return nil
}

// handleQR persists the handshake artifact with a short expiry. Each new
// artifact supersedes the previous one.
func (n *Normalizer) handleQR(tenantID, instance string, ev *channel.QREvent) error {
	expires := time.Now().Add(qrTTL)
	if err := n.db.Model(&models.ChannelInstance{}).
		Where("name = ?", instance).
		Updates(map[string]interface{}{
			"qr_code":       ev.Code,
			"qr_expires_at": expires,
		}).Error; err != nil {
		return fmt.Errorf("ingest: persist qr for %s: %w", instance, err)
	}
	n.publish(tenantID, "channel.qr", map[string]string{
		"instance":   instance,
		"qr":         ev.Code,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
	return nil
}

// handleMessage appends a Message and updates its Chat. Re-processing the
// same provider message id is a no-op.
func (n *Normalizer) handleMessage(tenantID, instance string, ev *channel.MessageEvent) error {
	var existing models.Message
	err := n.db.Where("tenant_id = ? AND provider_message_id = ?", tenantID, ev.ProviderMessageID).
		First(&existing).Error
	if err == nil {
		return nil // redelivery
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("ingest: message lookup: %w", err)
	}

	address, isGroup := NormalizeAddress(ev.RemoteAddress)

	chat := models.Chat{}
	if err := n.db.Where("tenant_id = ? AND address = ?", tenantID, address).
		Attrs(models.Chat{
			TenantID: tenantID,
			Address:  address,
			Name:     ev.SenderName,
			IsGroup:  isGroup,
		}).FirstOrCreate(&chat).Error; err != nil {
		return fmt.Errorf("ingest: chat upsert for %s: %w", address, err)
	}

	kind := ev.Kind
	if kind == "" {
		kind = models.KindText
	}
	body := extractBody(ev, kind)
	mediaRef := n.materializeMedia(tenantID, instance, ev, kind)

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	msg := models.Message{
		ChatID:            chat.ID,
		TenantID:          tenantID,
		ProviderMessageID: ev.ProviderMessageID,
		FromMe:            ev.FromMe,
		Body:              body,
		Kind:              kind,
		MediaRef:          mediaRef,
		Timestamp:         ts,
	}
	if err := n.db.Create(&msg).Error; err != nil {
		return fmt.Errorf("ingest: append message %s: %w", ev.ProviderMessageID, err)
	}

	updates := map[string]interface{}{
		"last_message":  truncate(body, previewLimit),
		"last_activity": ts,
	}
	if !ev.FromMe {
		updates["unread_count"] = gorm.Expr("unread_count + 1")
	}
	if err := n.db.Model(&models.Chat{}).Where("id = ?", chat.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("ingest: update chat %d: %w", chat.ID, err)
	}

	n.publish(tenantID, "message.new", msg)
	n.db.First(&chat, chat.ID)
	n.publish(tenantID, "chat.updated", chat)
	return nil
}

// materializeMedia persists an inline-encoded body and returns its
// retrieval reference. Ephemeral provider URLs are not fetched: they are
// typically encrypted or short-lived and unusable out of band.
func (n *Normalizer) materializeMedia(tenantID, instance string, ev *channel.MessageEvent, kind string) string {
	if kind == models.KindText {
		return ""
	}
	if ev.MediaBase64 != "" {
		if n.media == nil {
			log.Printf("ingest: %s: no media store configured, dropping inline media for %s",
				instance, ev.ProviderMessageID)
			return ""
		}
		ref, err := n.media.SaveInline(tenantID, ev.ProviderMessageID, ev.MimeType, ev.MediaBase64)
		if err != nil {
			log.Printf("ingest: %s: materialize media for %s: %v", instance, ev.ProviderMessageID, err)
			return ""
		}
		return ref
	}
	if ev.MediaURL != "" {
		log.Printf("ingest: %s: message %s carries only an ephemeral media URL, not fetching",
			instance, ev.ProviderMessageID)
	}
	return ""
}

// handleMessageUpdate updates the acknowledgment level of an existing
// message. Updates never create messages; an unknown id is logged and
// dropped.
func (n *Normalizer) handleMessageUpdate(tenantID string, ev *channel.MessageUpdateEvent) error {
	result := n.db.Model(&models.Message{}).
		Where("tenant_id = ? AND provider_message_id = ?", tenantID, ev.ProviderMessageID).
		Update("ack", ev.Ack)
	if result.Error != nil {
		return fmt.Errorf("ingest: update ack for %s: %w", ev.ProviderMessageID, result.Error)
	}
	if result.RowsAffected == 0 {
		log.Printf("ingest: ack update for unknown message %s, dropping", ev.ProviderMessageID)
		return nil
	}
	n.publish(tenantID, "message.ack", map[string]interface{}{
		"provider_message_id": ev.ProviderMessageID,
		"ack":                 ev.Ack,
	})
	return nil
}

// handleChatUpsert creates the chat if absent and applies only the fields
// present in the event.
func (n *Normalizer) handleChatUpsert(tenantID string, ev *channel.ChatUpsertEvent) error {
	address, isGroup := NormalizeAddress(ev.RemoteAddress)

	chat := models.Chat{}
	if err := n.db.Where("tenant_id = ? AND address = ?", tenantID, address).
		Attrs(models.Chat{
			TenantID: tenantID,
			Address:  address,
			Name:     ev.Name,
			IsGroup:  isGroup,
		}).FirstOrCreate(&chat).Error; err != nil {
		return fmt.Errorf("ingest: chat upsert for %s: %w", address, err)
	}

	updates := make(map[string]interface{})
	if ev.Name != "" && ev.Name != chat.Name {
		updates["name"] = ev.Name
	}
	if ev.UnreadCount != nil {
		updates["unread_count"] = *ev.UnreadCount
	}
	if len(updates) > 0 {
		if err := n.db.Model(&models.Chat{}).Where("id = ?", chat.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("ingest: update chat %d: %w", chat.ID, err)
		}
		n.db.First(&chat, chat.ID)
	}
	n.publish(tenantID, "chat.updated", chat)
	return nil
}

// publish notifies subscribers when a hub is configured.
func (n *Normalizer) publish(tenantID, name string, payload any) {
	if n.hub != nil {
		n.hub.Publish(tenantID, name, payload)
	}
}

// mapConnectionState folds provider-specific state strings into the
// internal live-status enum.
func mapConnectionState(state string) string {
	switch state {
	case "open", "connected", "ready", "online":
		return models.LiveConnected
	case "connecting", "pairing", "reconnecting":
		return models.LiveConnecting
	default:
		return models.LiveDisconnected
	}
}

// extractBody picks the first non-empty known content field, defaulting to
// a media placeholder label.
func extractBody(ev *channel.MessageEvent, kind string) string {
	if ev.Text != "" {
		return ev.Text
	}
	if ev.Caption != "" {
		return ev.Caption
	}
	switch kind {
	case models.KindImage:
		return "[image]"
	case models.KindVideo:
		return "[video]"
	case models.KindAudio:
		return "[audio]"
	case models.KindDocument:
		return "[document]"
	default:
		return ""
	}
}

// truncate bounds s to max bytes.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

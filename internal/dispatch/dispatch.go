// Package dispatch drives outbound campaigns: it starts due campaigns,
// rotates delivery across live channels and walks each campaign's
// recipient list to a terminal state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/zulandar/courier/internal/channel"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/notify"
	"github.com/zulandar/courier/internal/render"
	"github.com/zulandar/courier/internal/rotator"
	"github.com/zulandar/courier/internal/validate"
	"gorm.io/gorm"
)

// Dispatcher owns the campaign tick loop. One recipient per running
// campaign is processed per tick; the optional per-campaign jitter adds a
// randomized pause before each send.
type Dispatcher struct {
	db        *gorm.DB
	registry  *channel.Registry
	rotator   *rotator.Rotator
	renderer  *render.Renderer
	validator *validate.Validator
	hub       *notify.Hub
	tick      time.Duration
	sleep     func(time.Duration) // jitter pause; injectable in tests
}

// Opts holds parameters for creating a Dispatcher.
type Opts struct {
	DB        *gorm.DB
	Registry  *channel.Registry
	Rotator   *rotator.Rotator
	Renderer  *render.Renderer
	Validator *validate.Validator
	Hub       *notify.Hub   // optional
	Tick      time.Duration // defaults to 5s
}

// New creates a Dispatcher.
func New(opts Opts) (*Dispatcher, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("dispatch: db is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("dispatch: channel registry is required")
	}
	if opts.Rotator == nil {
		return nil, fmt.Errorf("dispatch: rotator is required")
	}
	if opts.Renderer == nil {
		return nil, fmt.Errorf("dispatch: renderer is required")
	}
	if opts.Validator == nil {
		return nil, fmt.Errorf("dispatch: validator is required")
	}
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Second
	}
	return &Dispatcher{
		db:        opts.DB,
		registry:  opts.Registry,
		rotator:   opts.Rotator,
		renderer:  opts.Renderer,
		validator: opts.Validator,
		hub:       opts.Hub,
		tick:      opts.Tick,
		sleep:     time.Sleep,
	}, nil
}

// Run ticks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	log.Printf("dispatch: running, tick every %s", d.tick)
	for {
		select {
		case <-ctx.Done():
			log.Printf("dispatch: stopping")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick performs one dispatcher pass: start due campaigns, resume paused
// ones with a live channel, then advance every running campaign by one
// recipient.
func (d *Dispatcher) Tick(ctx context.Context) {
	if err := d.startDue(ctx); err != nil {
		log.Printf("dispatch: start due campaigns: %v", err)
	}
	if err := d.resumePaused(); err != nil {
		log.Printf("dispatch: resume paused campaigns: %v", err)
	}

	var running []models.Campaign
	if err := d.db.Where("status = ?", models.CampaignRunning).Find(&running).Error; err != nil {
		log.Printf("dispatch: list running campaigns: %v", err)
		return
	}
	for i := range running {
		if ctx.Err() != nil {
			return
		}
		if err := d.processOne(ctx, &running[i]); err != nil {
			log.Printf("dispatch: campaign %s: %v", running[i].ID, err)
		}
	}
}

// startDue transitions pending campaigns whose start condition is met and
// enrolls their recipients.
func (d *Dispatcher) startDue(ctx context.Context) error {
	now := time.Now()
	var due []models.Campaign
	err := d.db.Where("status = ?", models.CampaignPending).
		Where("immediate = ? OR (scheduled_at IS NOT NULL AND scheduled_at <= ?)", true, now).
		Find(&due).Error
	if err != nil {
		return fmt.Errorf("list due: %w", err)
	}

	for i := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.start(&due[i]); err != nil {
			log.Printf("dispatch: start campaign %s: %v, will retry", due[i].ID, err)
		}
	}
	return nil
}

// start enrolls the campaign's recipients and marks it running. A campaign
// whose filter matches no contacts completes immediately. Unstartable input
// marks the campaign FAILED; a returned error is transient and leaves the
// campaign PENDING for the next tick.
func (d *Dispatcher) start(c *models.Campaign) error {
	filter, err := c.Filter()
	if err != nil {
		d.failCampaign(c, err.Error())
		return nil
	}
	parts, err := render.DecodeParts(c.Content)
	if err != nil {
		d.failCampaign(c, err.Error())
		return nil
	}
	if render.NeedsGenerator(parts) && !d.renderer.CanGenerate() {
		d.failCampaign(c, "campaign has generated parts but no generation provider is configured")
		return nil
	}

	var contacts []models.Contact
	if err := d.db.Where("tenant_id = ?", c.TenantID).Find(&contacts).Error; err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}

	recipients := make([]models.CampaignMessage, 0, len(contacts))
	for i := range contacts {
		match, err := matchesFilter(&contacts[i], filter)
		if err != nil {
			log.Printf("dispatch: campaign %s: skipping contact %d: %v", c.ID, contacts[i].ID, err)
			continue
		}
		if !match {
			continue
		}
		recipients = append(recipients, models.CampaignMessage{
			CampaignID: c.ID,
			ContactID:  contacts[i].ID,
			Address:    contacts[i].Address,
			Status:     models.MessagePending,
		})
	}

	if len(recipients) == 0 {
		log.Printf("dispatch: campaign %s matched no contacts, completing", c.ID)
		return d.complete(c)
	}
	if err := d.db.CreateInBatches(recipients, 200).Error; err != nil {
		return fmt.Errorf("enroll recipients: %w", err)
	}
	if err := d.db.Model(c).Updates(map[string]interface{}{
		"status":         models.CampaignRunning,
		"total_contacts": len(recipients),
	}).Error; err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	c.Status = models.CampaignRunning
	log.Printf("dispatch: campaign %s started with %d recipients", c.ID, len(recipients))
	d.publish(c.TenantID, "campaign.started", c)
	return nil
}

// resumePaused moves paused campaigns back to running once at least one of
// their configured channels is live again.
func (d *Dispatcher) resumePaused() error {
	var paused []models.Campaign
	if err := d.db.Where("status = ?", models.CampaignPaused).Find(&paused).Error; err != nil {
		return fmt.Errorf("list paused: %w", err)
	}
	for i := range paused {
		c := &paused[i]
		if missing, err := d.generatorMissing(c); err != nil {
			log.Printf("dispatch: campaign %s: %v", c.ID, err)
			continue
		} else if missing {
			// Paused for a configuration gap, not a dead channel. Stays
			// paused until the process runs with a provider.
			continue
		}
		names, err := c.ChannelList()
		if err != nil {
			log.Printf("dispatch: campaign %s: %v", c.ID, err)
			continue
		}
		for _, name := range names {
			if d.registry.IsLive(name) {
				if err := d.db.Model(c).Update("status", models.CampaignRunning).Error; err != nil {
					return fmt.Errorf("resume %s: %w", c.ID, err)
				}
				log.Printf("dispatch: campaign %s resumed, %s is live", c.ID, name)
				d.publish(c.TenantID, "campaign.resumed", c)
				break
			}
		}
	}
	return nil
}

// processOne advances a running campaign by exactly one recipient.
func (d *Dispatcher) processOne(ctx context.Context, c *models.Campaign) error {
	var cm models.CampaignMessage
	err := d.db.Where("campaign_id = ? AND status = ?", c.ID, models.MessagePending).
		Order("id asc").First(&cm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.complete(c)
	}
	if err != nil {
		return fmt.Errorf("next recipient: %w", err)
	}

	parts, err := render.DecodeParts(c.Content)
	if err != nil {
		d.failCampaign(c, err.Error())
		return nil
	}
	if render.NeedsGenerator(parts) && !d.renderer.CanGenerate() {
		// Configuration gap: the campaign was enrolled under a process that
		// had a provider. Pause without touching recipient rows or counters.
		log.Printf("dispatch: campaign %s requires a generation provider, pausing", c.ID)
		if err := d.db.Model(c).Update("status", models.CampaignPaused).Error; err != nil {
			return fmt.Errorf("pause: %w", err)
		}
		d.publish(c.TenantID, "campaign.paused", c)
		return nil
	}

	names, err := c.ChannelList()
	if err != nil {
		return err
	}
	chosen, err := d.rotator.Next(c.ID, names)
	if errors.Is(err, rotator.ErrNoLiveChannel) {
		log.Printf("dispatch: campaign %s has no live channel, pausing", c.ID)
		if err := d.db.Model(c).Update("status", models.CampaignPaused).Error; err != nil {
			return fmt.Errorf("pause: %w", err)
		}
		d.publish(c.TenantID, "campaign.paused", c)
		return nil
	}
	if err != nil {
		return err
	}

	if c.JitterSec > 0 {
		d.sleep(rand.N(time.Duration(c.JitterSec) * time.Second))
	}

	adapter, err := d.registry.Get(chosen)
	if err != nil {
		return err
	}
	d.deliver(ctx, c, &cm, adapter, parts)
	return nil
}

// deliver runs validation, rendering and the send for one recipient and
// records the terminal per-recipient state. CampaignMessage status is
// monotonic: this is the only place it leaves PENDING.
func (d *Dispatcher) deliver(ctx context.Context, c *models.Campaign, cm *models.CampaignMessage, adapter channel.Adapter, parts []render.Part) {
	attrs := d.contactAttrs(cm)

	res, err := d.validator.Check(ctx, adapter, cm.Address)
	if err != nil {
		d.markFailed(c, cm, adapter.Name(), fmt.Sprintf("validate recipient: %v", err))
		return
	}
	if !res.Reachable {
		d.markFailed(c, cm, adapter.Name(), "recipient not registered on channel")
		return
	}

	providerID, err := d.renderer.Deliver(ctx, adapter, res.Address, parts, attrs)
	if err != nil {
		d.markFailed(c, cm, adapter.Name(), err.Error())
		return
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":              models.MessageSent,
		"channel":             adapter.Name(),
		"canonical_address":   res.Address,
		"provider_message_id": providerID,
		"sent_at":             now,
	}
	if err := d.db.Model(cm).Updates(updates).Error; err != nil {
		log.Printf("dispatch: record sent for message %d: %v", cm.ID, err)
		return
	}
	d.bump(c.ID, "sent_count")
}

// generatorMissing reports whether the campaign needs a generation
// provider that this process does not have.
func (d *Dispatcher) generatorMissing(c *models.Campaign) (bool, error) {
	if d.renderer.CanGenerate() {
		return false, nil
	}
	parts, err := render.DecodeParts(c.Content)
	if err != nil {
		return false, err
	}
	return render.NeedsGenerator(parts), nil
}

// contactAttrs loads the recipient's template attributes. A missing
// contact still gets an address attribute so templates degrade gracefully.
func (d *Dispatcher) contactAttrs(cm *models.CampaignMessage) map[string]string {
	if cm.ContactID != 0 {
		var contact models.Contact
		if err := d.db.First(&contact, cm.ContactID).Error; err == nil {
			attrs, err := contact.Attrs()
			if err == nil {
				return attrs
			}
			log.Printf("dispatch: contact %d attributes: %v", cm.ContactID, err)
		}
	}
	return map[string]string{"address": cm.Address}
}

// markFailed records a per-recipient failure and bumps the campaign
// counter.
func (d *Dispatcher) markFailed(c *models.Campaign, cm *models.CampaignMessage, channelName, reason string) {
	log.Printf("dispatch: campaign %s: %s via %s failed: %s", c.ID, cm.Address, channelName, reason)
	updates := map[string]interface{}{
		"status":      models.MessageFailed,
		"channel":     channelName,
		"fail_reason": truncateReason(reason),
	}
	if err := d.db.Model(cm).Updates(updates).Error; err != nil {
		log.Printf("dispatch: record failure for message %d: %v", cm.ID, err)
		return
	}
	d.bump(c.ID, "failed_count")
}

// complete marks a campaign terminal and drops its rotation cursor.
func (d *Dispatcher) complete(c *models.Campaign) error {
	now := time.Now()
	if err := d.db.Model(c).Updates(map[string]interface{}{
		"status":       models.CampaignCompleted,
		"completed_at": now,
	}).Error; err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	d.rotator.Reset(c.ID)
	log.Printf("dispatch: campaign %s completed", c.ID)
	d.publish(c.TenantID, "campaign.completed", c)
	return nil
}

// failCampaign marks a campaign terminally failed. Used for unstartable
// input, not per-recipient failures.
func (d *Dispatcher) failCampaign(c *models.Campaign, reason string) {
	if err := d.db.Model(c).Update("status", models.CampaignFailed).Error; err != nil {
		log.Printf("dispatch: mark campaign %s failed: %v", c.ID, err)
		return
	}
	d.rotator.Reset(c.ID)
	log.Printf("dispatch: campaign %s failed: %s", c.ID, reason)
	d.publish(c.TenantID, "campaign.failed", c)
}

// bump increments a campaign counter column atomically.
func (d *Dispatcher) bump(campaignID, column string) {
	if err := d.db.Model(&models.Campaign{}).Where("id = ?", campaignID).
		UpdateColumn(column, gorm.Expr(column+" + 1")).Error; err != nil {
		log.Printf("dispatch: bump %s for campaign %s: %v", column, campaignID, err)
	}
}

// publish notifies subscribers when a hub is configured.
func (d *Dispatcher) publish(tenantID, name string, payload any) {
	if d.hub != nil {
		d.hub.Publish(tenantID, name, payload)
	}
}

// matchesFilter reports whether a contact's attributes satisfy every
// filter entry. A nil filter matches everyone.
func matchesFilter(contact *models.Contact, filter map[string]string) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}
	attrs, err := contact.Attrs()
	if err != nil {
		return false, err
	}
	for key, want := range filter {
		if attrs[key] != want {
			return false, nil
		}
	}
	return true, nil
}

// truncateReason bounds a failure reason to the column size.
func truncateReason(reason string) string {
	const max = 512
	if len(reason) <= max {
		return reason
	}
	return reason[:max]
}

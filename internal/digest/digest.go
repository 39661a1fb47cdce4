// Package digest periodically summarizes campaign activity per tenant and
// publishes the summary to notification subscribers.
package digest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/notify"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Summary is one tenant's campaign activity over the digest window.
type Summary struct {
	TenantID      string    `json:"tenant_id"`
	Since         time.Time `json:"since"`
	Campaigns     int64     `json:"campaigns"`
	Completed     int64     `json:"completed"`
	MessagesSent  int64     `json:"messages_sent"`
	SendFailures  int64     `json:"send_failures"`
	InboundChats  int64     `json:"inbound_chats"`
	UnreadBacklog int64     `json:"unread_backlog"`
}

// Scheduler fires digest builds on a cron schedule.
type Scheduler struct {
	db   *gorm.DB
	hub  *notify.Hub
	expr string
}

// Opts holds parameters for creating a Scheduler.
type Opts struct {
	DB   *gorm.DB
	Hub  *notify.Hub
	Cron string // 5-field cron expression, e.g. "0 8 * * *"
}

// NewScheduler creates a Scheduler, validating the cron expression up
// front.
func NewScheduler(opts Opts) (*Scheduler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("digest: db is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("digest: notify hub is required")
	}
	if _, err := cronParser.Parse(opts.Cron); err != nil {
		return nil, fmt.Errorf("digest: invalid cron %q: %w", opts.Cron, err)
	}
	return &Scheduler{db: opts.DB, hub: opts.Hub, expr: opts.Cron}, nil
}

// Run fires digests on schedule until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	sched, _ := cronParser.Parse(s.expr) // validated in NewScheduler
	log.Printf("digest: scheduled %q", s.expr)
	for {
		wait := time.Until(sched.Next(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Printf("digest: stopping")
			return
		case <-timer.C:
			if err := s.Publish(ctx, 24*time.Hour); err != nil {
				log.Printf("digest: publish: %v", err)
			}
		}
	}
}

// Publish builds and publishes a digest for every tenant with activity in
// the window.
func (s *Scheduler) Publish(ctx context.Context, window time.Duration) error {
	tenants, err := s.activeTenants(window)
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		summary, err := s.Build(tenant, window)
		if err != nil {
			log.Printf("digest: build for %s: %v", tenant, err)
			continue
		}
		s.hub.Publish(tenant, "digest", summary)
		log.Printf("digest: %s: %d campaigns, %d sent, %d failed",
			tenant, summary.Campaigns, summary.MessagesSent, summary.SendFailures)
	}
	return nil
}

// Build computes one tenant's summary over the window.
func (s *Scheduler) Build(tenantID string, window time.Duration) (Summary, error) {
	since := time.Now().Add(-window)
	sum := Summary{TenantID: tenantID, Since: since}

	err := s.db.Model(&models.Campaign{}).
		Where("tenant_id = ? AND created_at >= ?", tenantID, since).
		Count(&sum.Campaigns).Error
	if err != nil {
		return Summary{}, fmt.Errorf("digest: count campaigns: %w", err)
	}
	err = s.db.Model(&models.Campaign{}).
		Where("tenant_id = ? AND status = ? AND completed_at >= ?",
			tenantID, models.CampaignCompleted, since).
		Count(&sum.Completed).Error
	if err != nil {
		return Summary{}, fmt.Errorf("digest: count completed: %w", err)
	}

	err = s.db.Model(&models.CampaignMessage{}).
		Joins("JOIN campaigns ON campaigns.id = campaign_messages.campaign_id").
		Where("campaigns.tenant_id = ? AND campaign_messages.status = ? AND campaign_messages.sent_at >= ?",
			tenantID, models.MessageSent, since).
		Count(&sum.MessagesSent).Error
	if err != nil {
		return Summary{}, fmt.Errorf("digest: count sent: %w", err)
	}
	err = s.db.Model(&models.CampaignMessage{}).
		Joins("JOIN campaigns ON campaigns.id = campaign_messages.campaign_id").
		Where("campaigns.tenant_id = ? AND campaign_messages.status = ? AND campaign_messages.created_at >= ?",
			tenantID, models.MessageFailed, since).
		Count(&sum.SendFailures).Error
	if err != nil {
		return Summary{}, fmt.Errorf("digest: count failures: %w", err)
	}

	err = s.db.Model(&models.Chat{}).
		Where("tenant_id = ? AND last_activity >= ?", tenantID, since).
		Count(&sum.InboundChats).Error
	if err != nil {
		return Summary{}, fmt.Errorf("digest: count chats: %w", err)
	}
	err = s.db.Model(&models.Chat{}).Select("COALESCE(SUM(unread_count), 0)").
		Where("tenant_id = ?", tenantID).
		Scan(&sum.UnreadBacklog).Error
	if err != nil {
		return Summary{}, fmt.Errorf("digest: sum unread: %w", err)
	}
	return sum, nil
}

// activeTenants lists tenants with campaign or chat activity in the
// window.
func (s *Scheduler) activeTenants(window time.Duration) ([]string, error) {
	since := time.Now().Add(-window)
	seen := make(map[string]bool)
	var out []string

	var fromCampaigns []string
	err := s.db.Model(&models.Campaign{}).Distinct("tenant_id").
		Where("created_at >= ? OR updated_at >= ?", since, since).
		Pluck("tenant_id", &fromCampaigns).Error
	if err != nil {
		return nil, fmt.Errorf("digest: list campaign tenants: %w", err)
	}
	var fromChats []string
	err = s.db.Model(&models.Chat{}).Distinct("tenant_id").
		Where("last_activity >= ?", since).
		Pluck("tenant_id", &fromChats).Error
	if err != nil {
		return nil, fmt.Errorf("digest: list chat tenants: %w", err)
	}

	for _, tenant := range append(fromCampaigns, fromChats...) {
		if tenant != "" && !seen[tenant] {
			seen[tenant] = true
			out = append(out, tenant)
		}
	}
	return out, nil
}

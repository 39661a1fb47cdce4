package digest

import (
	"context"
	"testing"
	"time"

	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/notify"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Campaign{}, &models.CampaignMessage{}, &models.Chat{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func TestNewScheduler_RejectsBadCron(t *testing.T) {
	gdb := openTestDB(t)
	_, err := NewScheduler(Opts{DB: gdb, Hub: notify.NewHub(), Cron: "not a cron"})
	if err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestBuild_CountsWindowActivity(t *testing.T) {
	gdb := openTestDB(t)
	hub := notify.NewHub()
	s, err := NewScheduler(Opts{DB: gdb, Hub: hub, Cron: "0 8 * * *"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	now := time.Now()
	old := now.Add(-48 * time.Hour)

	gdb.Create(&models.Campaign{ID: "c1", TenantID: "acme", Name: "recent",
		Status: models.CampaignCompleted, CompletedAt: &now})
	gdb.Create(&models.CampaignMessage{CampaignID: "c1", Address: "r1",
		Status: models.MessageSent, SentAt: &now})
	gdb.Create(&models.CampaignMessage{CampaignID: "c1", Address: "r2",
		Status: models.MessageFailed})
	gdb.Create(&models.Chat{TenantID: "acme", Address: "u1", LastActivity: now, UnreadCount: 3})
	gdb.Create(&models.Chat{TenantID: "acme", Address: "u2", LastActivity: old, UnreadCount: 2})

	sum, err := s.Build("acme", 24*time.Hour)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if sum.Campaigns != 1 || sum.Completed != 1 {
		t.Errorf("campaigns=%d completed=%d, want 1/1", sum.Campaigns, sum.Completed)
	}
	if sum.MessagesSent != 1 || sum.SendFailures != 1 {
		t.Errorf("sent=%d failed=%d, want 1/1", sum.MessagesSent, sum.SendFailures)
	}
	if sum.InboundChats != 1 {
		t.Errorf("chats=%d, want 1 inside window", sum.InboundChats)
	}
	if sum.UnreadBacklog != 5 {
		t.Errorf("unread=%d, want 5 across all chats", sum.UnreadBacklog)
	}
}

func TestPublish_PerTenantEvents(t *testing.T) {
	gdb := openTestDB(t)
	hub := notify.NewHub()
	s, err := NewScheduler(Opts{DB: gdb, Hub: hub, Cron: "0 8 * * *"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	now := time.Now()
	gdb.Create(&models.Campaign{ID: "c1", TenantID: "acme", Name: "a"})
	gdb.Create(&models.Chat{TenantID: "globex", Address: "u1", LastActivity: now})

	acme, cancelAcme := hub.Subscribe("acme")
	defer cancelAcme()
	globex, cancelGlobex := hub.Subscribe("globex")
	defer cancelGlobex()

	if err := s.Publish(context.Background(), 24*time.Hour); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for name, ch := range map[string]<-chan notify.Event{"acme": acme, "globex": globex} {
		select {
		case ev := <-ch:
			if ev.Name != "digest" {
				t.Errorf("%s event name = %q", name, ev.Name)
			}
		default:
			t.Errorf("%s got no digest event", name)
		}
	}
}

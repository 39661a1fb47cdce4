package db

import (
	"fmt"

	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Campaign{},
		&models.CampaignMessage{},
		&models.ChannelInstance{},
		&models.Chat{},
		&models.Message{},
		&models.Contact{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedChannels upserts ChannelInstance rows from configuration. Runtime
// fields (connection mode, live status, QR artifact) are left untouched so
// a restart does not clobber reconciled state.
func SeedChannels(db *gorm.DB, channels []config.ChannelConfig) error {
	for _, cc := range channels {
		ci := models.ChannelInstance{
			Name:     cc.Name,
			TenantID: cc.Tenant,
			Provider: cc.Provider,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "provider"}),
		}).Create(&ci)
		if result.Error != nil {
			return fmt.Errorf("db: seed channel %q: %w", cc.Name, result.Error)
		}
	}
	return nil
}

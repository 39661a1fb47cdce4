package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/render"
	"gorm.io/gorm"
)

// registerRoutes sets up all gateway routes.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.GET("/campaigns", handleCampaignList(opts.DB))
		api.POST("/campaigns", handleCampaignCreate(opts.DB))
		api.GET("/campaigns/:id", handleCampaignGet(opts.DB))
		api.GET("/campaigns/:id/messages", handleCampaignMessages(opts.DB))

		api.GET("/chats", handleChatList(opts.DB))
		api.GET("/chats/:id/messages", handleChatMessages(opts.DB))

		api.GET("/channels", handleChannelList(opts.DB, opts.Registry))
		if opts.Modes != nil {
			api.GET("/channels/:name", handleChannelState(opts.Modes))
			api.POST("/channels/:name/mode", handleChannelMode(opts.Modes))
		}

		if opts.Hub != nil {
			api.GET("/events", handleSSE(opts.Hub))
		}
	}

	router.POST("/webhooks/:provider/:instance", handleWebhook(opts))
}

// createCampaignRequest is the campaign submission body.
type createCampaignRequest struct {
	TenantID     string            `json:"tenant_id"`
	Name         string            `json:"name" binding:"required"`
	Channels     []string          `json:"channels" binding:"required,min=1"`
	Parts        []render.Part     `json:"parts" binding:"required,min=1"`
	TargetFilter map[string]string `json:"target_filter"`
	JitterSec    int               `json:"jitter_sec"`
	ScheduledAt  *time.Time        `json:"scheduled_at"`
}

func handleCampaignCreate(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createCampaignRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.TenantID == "" {
			req.TenantID = "default"
		}
		for _, part := range req.Parts {
			if !validPartKind(part.Kind) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown part kind " + part.Kind})
				return
			}
		}

		content, err := render.EncodeParts(req.Parts)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		campaign := models.Campaign{
			ID:          uuid.NewString(),
			TenantID:    req.TenantID,
			Name:        req.Name,
			Status:      models.CampaignPending,
			Content:     content,
			JitterSec:   req.JitterSec,
			ScheduledAt: req.ScheduledAt,
			Immediate:   req.ScheduledAt == nil,
		}
		if err := campaign.SetChannelList(req.Channels); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(req.TargetFilter) > 0 {
			data, err := encodeFilter(req.TargetFilter)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			campaign.TargetFilter = data
		}

		if err := db.Create(&campaign).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create campaign failed"})
			return
		}
		c.JSON(http.StatusCreated, campaign)
	}
}

func handleCampaignList(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := db.Order("created_at desc")
		if tenant := c.Query("tenant"); tenant != "" {
			q = q.Where("tenant_id = ?", tenant)
		}
		if status := c.Query("status"); status != "" {
			q = q.Where("status = ?", status)
		}
		var campaigns []models.Campaign
		if err := q.Find(&campaigns).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list campaigns failed"})
			return
		}
		c.JSON(http.StatusOK, campaigns)
	}
}

func handleCampaignGet(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var campaign models.Campaign
		err := db.First(&campaign, "id = ?", c.Param("id")).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "load campaign failed"})
			return
		}
		c.JSON(http.StatusOK, campaign)
	}
}

func handleCampaignMessages(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var campaign models.Campaign
		if errors.Is(db.First(&campaign, "id = ?", c.Param("id")).Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
			return
		}
		q := db.Where("campaign_id = ?", campaign.ID).Order("id asc")
		if status := c.Query("status"); status != "" {
			q = q.Where("status = ?", status)
		}
		var msgs []models.CampaignMessage
		if err := q.Find(&msgs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list messages failed"})
			return
		}
		c.JSON(http.StatusOK, msgs)
	}
}

func handleChatList(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := db.Order("last_activity desc")
		if tenant := c.Query("tenant"); tenant != "" {
			q = q.Where("tenant_id = ?", tenant)
		}
		var chats []models.Chat
		if err := q.Find(&chats).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list chats failed"})
			return
		}
		c.JSON(http.StatusOK, chats)
	}
}

func handleChatMessages(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var chat models.Chat
		err := db.First(&chat, "id = ?", c.Param("id")).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "load chat failed"})
			return
		}
		var msgs []models.Message
		if err := db.Where("chat_id = ?", chat.ID).Order("timestamp asc").Find(&msgs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list messages failed"})
			return
		}
		c.JSON(http.StatusOK, msgs)
	}
}

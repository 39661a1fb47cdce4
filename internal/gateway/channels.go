package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/courier/internal/channel"
	"github.com/zulandar/courier/internal/connmode"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/render"
	"gorm.io/gorm"
)

// channelView is the list representation of a channel instance.
type channelView struct {
	Name           string `json:"name"`
	TenantID       string `json:"tenant_id"`
	Provider       string `json:"provider"`
	ConnectionMode string `json:"connection_mode"`
	LiveStatus     string `json:"live_status"`
	Live           bool   `json:"live"`
	QRCode         string `json:"qr_code,omitempty"`
}

func handleChannelList(db *gorm.DB, registry *channel.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := db.Order("name asc")
		if tenant := c.Query("tenant"); tenant != "" {
			q = q.Where("tenant_id = ?", tenant)
		}
		var instances []models.ChannelInstance
		if err := q.Find(&instances).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list channels failed"})
			return
		}
		views := make([]channelView, 0, len(instances))
		for _, inst := range instances {
			views = append(views, channelView{
				Name:           inst.Name,
				TenantID:       inst.TenantID,
				Provider:       inst.Provider,
				ConnectionMode: inst.ConnectionMode,
				LiveStatus:     inst.LiveStatus,
				Live:           registry.IsLive(inst.Name),
				QRCode:         inst.QRCode,
			})
		}
		c.JSON(http.StatusOK, views)
	}
}

func handleChannelState(modes *connmode.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := modes.GetState(c.Request.Context(), c.Param("name"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// modeRequest selects an ingestion mode for a channel instance.
type modeRequest struct {
	Mode       string   `json:"mode" binding:"required"`
	WebhookURL string   `json:"webhook_url"`
	EventTypes []string `json:"event_types"`
}

func handleChannelMode(modes *connmode.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req modeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		name := c.Param("name")
		ctx := c.Request.Context()
		var err error
		switch req.Mode {
		case models.ModePush:
			err = modes.EnablePush(ctx, name)
		case models.ModeWebhook:
			err = modes.EnableWebhook(ctx, name, req.WebhookURL, req.EventTypes)
		case models.ModeNone:
			err = modes.DisableAll(ctx, name)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown mode %q", req.Mode)})
			return
		}
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		st, err := modes.GetState(ctx, name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// validPartKind reports whether a submitted part kind is known.
func validPartKind(kind string) bool {
	switch kind {
	case render.KindText, render.KindImage, render.KindVideo,
		render.KindAudio, render.KindDocument, render.KindGenerated:
		return true
	}
	return false
}

// encodeFilter serializes a target filter for storage.
func encodeFilter(filter map[string]string) (string, error) {
	data, err := json.Marshal(filter)
	if err != nil {
		return "", fmt.Errorf("gateway: encode target filter: %w", err)
	}
	return string(data), nil
}

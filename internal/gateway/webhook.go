package gateway

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/courier/internal/channel"
	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// webhookBodyLimit bounds provider callback bodies.
const webhookBodyLimit = 1 << 20

// WebhookParser decodes a provider's raw webhook body into a channel
// event. Adapters for webhook-capable providers implement it. The second
// return is a verification challenge to echo back, non-empty only during
// endpoint verification handshakes.
type WebhookParser interface {
	ParseEvent(body []byte) (channel.Event, string, error)
}

// handleWebhook ingests provider callbacks. Events are only accepted for
// instances in webhook mode; verification handshakes are answered
// regardless of mode so providers can verify the endpoint before the mode
// is switched.
func handleWebhook(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := c.Param("provider")
		instance := c.Param("instance")

		adapter, err := opts.Registry.Get(instance)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown channel instance"})
			return
		}
		if adapter.Provider() != provider {
			c.JSON(http.StatusNotFound, gin.H{"error": "provider mismatch"})
			return
		}
		parser, ok := adapter.(WebhookParser)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "provider does not deliver webhooks"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, webhookBodyLimit))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
			return
		}

		ev, challenge, err := parser.ParseEvent(body)
		if err != nil {
			log.Printf("gateway: %s: malformed webhook body: %v", instance, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
			return
		}
		if challenge != "" {
			c.String(http.StatusOK, challenge)
			return
		}

		var inst models.ChannelInstance
		if err := opts.DB.First(&inst, "name = ?", instance).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown channel instance"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "load instance failed"})
			return
		}
		if inst.ConnectionMode != models.ModeWebhook {
			c.JSON(http.StatusConflict, gin.H{"error": "instance is not in webhook mode"})
			return
		}

		if err := opts.Normalizer.Handle(c.Request.Context(), inst.TenantID, instance, ev); err != nil {
			log.Printf("gateway: %s: handle webhook event: %v", instance, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	}
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Publisher injects a notification into the pipeline's exchange.
type Publisher interface {
	Publish(routingKey string, payload any) error
}

type SimulateHandler struct {
	pub        Publisher
	routingKey string
}

func NewSimulateHandler(pub Publisher, routingKey string) *SimulateHandler {
	return &SimulateHandler{pub: pub, routingKey: routingKey}
}

// PublishNotification handles POST /api/simulate/notification. The request
// body is published verbatim as one notification payload, useful for local
// end-to-end checks without a real provider.
func (h *SimulateHandler) PublishNotification(c *gin.Context) {
	var payload json.RawMessage
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be valid JSON"})
		return
	}

	if err := h.pub.Publish(h.routingKey, payload); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to publish notification"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

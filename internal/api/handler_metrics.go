package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mailfeed/internal/aggregate"
	"mailfeed/internal/model"
)

// Aggregator is the read-side bucketing the dashboard charts consume.
type Aggregator interface {
	Aggregate(ctx context.Context, start, end int64, eventTypes []model.EventType) map[model.EventType][]aggregate.Bucket
}

type MetricsHandler struct {
	aggregator Aggregator
}

func NewMetricsHandler(aggregator Aggregator) *MetricsHandler {
	return &MetricsHandler{aggregator: aggregator}
}

// GetEventCounts handles GET /api/metrics/events?start=&end=&types=
// start/end are epoch millis; the default window is the last 24 hours.
// The response maps each event type to its ascending bucket series.
func (h *MetricsHandler) GetEventCounts(c *gin.Context) {
	end := time.Now().UnixMilli()
	start := end - 24*time.Hour.Milliseconds()

	if v := c.Query("start"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start timestamp"})
			return
		}
		start = n
	}
	if v := c.Query("end"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end timestamp"})
			return
		}
		end = n
	}
	if end <= start {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end must be after start"})
		return
	}

	var eventTypes []model.EventType
	if v := c.Query("types"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			t, ok := model.ParseEventType(strings.TrimSpace(raw))
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type: " + raw})
				return
			}
			eventTypes = append(eventTypes, t)
		}
	}

	buckets := h.aggregator.Aggregate(c.Request.Context(), start, end, eventTypes)

	resp := make(gin.H, len(buckets))
	for eventType, series := range buckets {
		resp[string(eventType)] = series
	}
	c.JSON(http.StatusOK, resp)
}

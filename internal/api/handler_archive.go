package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"mailfeed/internal/model"
)

// ArchiveFetcher looks up full message content in the archival store.
type ArchiveFetcher interface {
	Fetch(ctx context.Context, messageID, location string) (*model.ArchivedEmail, error)
}

type ArchiveHandler struct {
	archive ArchiveFetcher
}

func NewArchiveHandler(archive ArchiveFetcher) *ArchiveHandler {
	return &ArchiveHandler{archive: archive}
}

// GetMessage handles GET /api/archive/:messageId?location=
// Not-found is an expected outcome (404); store errors are 500.
func (h *ArchiveHandler) GetMessage(c *gin.Context) {
	messageID := c.Param("messageId")
	location := c.Query("location")

	archived, err := h.archive.Fetch(c.Request.Context(), messageID, location)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch archived message"})
		return
	}
	if archived == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}

	c.JSON(http.StatusOK, archived)
}

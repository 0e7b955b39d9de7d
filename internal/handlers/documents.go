package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PratikDhanave/feed-cdc-service/internal/canonical"
	"github.com/PratikDhanave/feed-cdc-service/internal/models"
	"github.com/PratikDhanave/feed-cdc-service/internal/store"
	"github.com/PratikDhanave/feed-cdc-service/internal/value"
)

// DocumentReader is the read side of the store.
type DocumentReader interface {
	GetDocument(ctx context.Context, id uuid.UUID) (models.Document, error)
	ListVersions(ctx context.Context, id uuid.UUID) ([]models.Version, error)
}

// DocumentResponse is the external form of a live document. Created is
// rendered back to ISO-8601.
type DocumentResponse struct {
	ID         string      `json:"id"`
	Created    string      `json:"created"`
	Source     string      `json:"source"`
	IngestedAt time.Time   `json:"ingested_at"`
	Body       value.Value `json:"body"`
}

// VersionResponse is one archived snapshot.
type VersionResponse struct {
	ObservedAt  time.Time   `json:"observed_at"`
	ContentHash string      `json:"content_hash"`
	Snapshot    value.Value `json:"snapshot"`
}

// VersionsResponse is the history of one document, oldest first.
type VersionsResponse struct {
	DocID    string            `json:"doc_id"`
	Versions []VersionResponse `json:"versions"`
}

// RegisterDocumentRoutes registers the consumer read paths.
//
// GET /documents/:id           current document
// GET /documents/:id/versions  superseded versions in observation order
func RegisterDocumentRoutes(r gin.IRoutes, st DocumentReader, precision canonical.Precision, logger *zap.Logger) {
	r.GET("/documents/:id", func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		doc, ok := lookup(c, st, id, logger)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, DocumentResponse{
			ID:         doc.ID.String(),
			Created:    precision.Format(doc.Created),
			Source:     doc.Source,
			IngestedAt: doc.IngestedAt.UTC(),
			Body:       doc.Body,
		})
	})

	r.GET("/documents/:id/versions", func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		if _, ok := lookup(c, st, id, logger); !ok {
			return
		}
		versions, err := st.ListVersions(c.Request.Context(), id)
		if err != nil {
			logger.Error("List versions failed", zap.String("id", id.String()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}

		resp := VersionsResponse{DocID: id.String(), Versions: make([]VersionResponse, 0, len(versions))}
		for _, v := range versions {
			resp.Versions = append(resp.Versions, VersionResponse{
				ObservedAt:  v.ObservedAt.UTC(),
				ContentHash: v.ContentHash,
				Snapshot:    v.Snapshot,
			})
		}
		c.JSON(http.StatusOK, resp)
	})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func lookup(c *gin.Context, st DocumentReader, id uuid.UUID, logger *zap.Logger) (models.Document, bool) {
	doc, err := st.GetDocument(c.Request.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return models.Document{}, false
	case err != nil:
		logger.Error("Get document failed", zap.String("id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
		return models.Document{}, false
	}
	return doc, true
}

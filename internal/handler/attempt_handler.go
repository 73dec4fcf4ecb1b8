package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-testengine/internal/model"
	"github.com/stemsi/exstem-testengine/internal/response"
)

// AttemptLister reads the local attempt ledger.
type AttemptLister interface {
	ListByIdentity(ctx context.Context, identityID string, page, perPage int) ([]model.AttemptSummary, int, error)
}

// CheckpointLister lists resumable sessions.
type CheckpointLister interface {
	List(ctx context.Context, identityID string) ([]uuid.UUID, error)
}

// AttemptHandler serves attempt history and resumable sessions of the
// identity the engine runs as.
type AttemptHandler struct {
	attempts    AttemptLister
	checkpoints CheckpointLister
	identityID  string
	log         zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts AttemptLister, checkpoints CheckpointLister, identityID string, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attempts:    attempts,
		checkpoints: checkpoints,
		identityID:  identityID,
		log:         log.With().Str("component", "attempt_handler").Logger(),
	}
}

// ListAttempts godoc
// GET /api/v1/attempts
// Lists recorded attempts, newest first.
func (h *AttemptHandler) ListAttempts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 10
	}

	attempts, total, err := h.attempts.ListByIdentity(c.Request.Context(), h.identityID, page, perPage)
	if err != nil {
		h.log.Error().Err(err).Msg("List attempts failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if attempts == nil {
		attempts = []model.AttemptSummary{}
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"attempts": attempts}, response.NewPagination(page, perPage, total))
}

// ListCheckpoints godoc
// GET /api/v1/session/checkpoints
// Lists sessions that can be resumed.
func (h *AttemptHandler) ListCheckpoints(c *gin.Context) {
	ids, err := h.checkpoints.List(c.Request.Context(), h.identityID)
	if err != nil {
		h.log.Error().Err(err).Msg("List checkpoints failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	sessions := make([]string, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, id.String())
	}
	response.Success(c, http.StatusOK, gin.H{"sessions": sessions})
}

package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-testengine/internal/model"
	"github.com/stemsi/exstem-testengine/internal/response"
	"github.com/stemsi/exstem-testengine/internal/service"
	"github.com/stemsi/exstem-testengine/internal/session"
	"github.com/stemsi/exstem-testengine/internal/store"
	"github.com/stemsi/exstem-testengine/internal/validator"
)

// SessionEngine is the session surface driven by the UI.
type SessionEngine interface {
	Start(ctx context.Context, req model.StartRequest) (uuid.UUID, error)
	Resume(ctx context.Context, sessionID uuid.UUID) error
	Submit(ctx context.Context) error
	Exit(ctx context.Context) error
	Select(questionID string, option int) error
	Confirm(questionID string) error
	SaveForLater(questionID string) error
	Visit(index int) error
	Next() error
	Previous() error
	Snapshot() service.Snapshot
	Changes() <-chan struct{}
}

// SessionHandler exposes the running session to the local UI.
type SessionHandler struct {
	engine SessionEngine
	log    zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(engine SessionEngine, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		engine: engine,
		log:    log.With().Str("component", "session_handler").Logger(),
	}
}

// GetSession godoc
// GET /api/v1/session
// Returns the current snapshot.
func (h *SessionHandler) GetSession(c *gin.Context) {
	response.Success(c, http.StatusOK, h.engine.Snapshot())
}

// StartSession godoc
// POST /api/v1/session/start
// Requests a new question set. The session turns ACTIVE once questions arrive.
func (h *SessionHandler) StartSession(c *gin.Context) {
	var req model.StartRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	id, err := h.engine.Start(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{
		"session_id": id.String(),
		"session":    h.engine.Snapshot(),
	})
}

// ResumeSession godoc
// POST /api/v1/session/resume
// Restores a checkpointed session.
func (h *SessionHandler) ResumeSession(c *gin.Context) {
	var req model.ResumeRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	id, err := uuid.Parse(req.SessionID)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if err := h.engine.Resume(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.engine.Snapshot())
}

// Select godoc
// POST /api/v1/session/select
func (h *SessionHandler) Select(c *gin.Context) {
	var req model.SelectRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.apply(c, func() error { return h.engine.Select(req.QuestionID, *req.Option) })
}

// Confirm godoc
// POST /api/v1/session/confirm
func (h *SessionHandler) Confirm(c *gin.Context) {
	var req model.QuestionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.apply(c, func() error { return h.engine.Confirm(req.QuestionID) })
}

// SaveForLater godoc
// POST /api/v1/session/save-for-later
func (h *SessionHandler) SaveForLater(c *gin.Context) {
	var req model.QuestionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.apply(c, func() error { return h.engine.SaveForLater(req.QuestionID) })
}

// Visit godoc
// POST /api/v1/session/visit
func (h *SessionHandler) Visit(c *gin.Context) {
	var req model.VisitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.apply(c, func() error { return h.engine.Visit(*req.Index) })
}

// Next godoc
// POST /api/v1/session/next
func (h *SessionHandler) Next(c *gin.Context) {
	h.apply(c, h.engine.Next)
}

// Previous godoc
// POST /api/v1/session/previous
func (h *SessionHandler) Previous(c *gin.Context) {
	h.apply(c, h.engine.Previous)
}

// Submit godoc
// POST /api/v1/session/submit
// Sends the answers; the result arrives asynchronously.
func (h *SessionHandler) Submit(c *gin.Context) {
	if err := h.engine.Submit(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusAccepted, h.engine.Snapshot())
}

// Exit godoc
// POST /api/v1/session/exit
func (h *SessionHandler) Exit(c *gin.Context) {
	if err := h.engine.Exit(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.engine.Snapshot())
}

func (h *SessionHandler) apply(c *gin.Context, op func() error) {
	if err := op(); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.engine.Snapshot())
}

// fail maps domain errors onto the response taxonomy.
func (h *SessionHandler) fail(c *gin.Context, err error) {
	status, code := classify(err)
	switch {
	case status >= http.StatusInternalServerError:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Session operation failed")
		response.Fail(c, status, code)
	case code == response.ErrInvalidPayload:
		response.FailWithDetail(c, status, code, err.Error())
	default:
		response.Fail(c, status, code)
	}
}

func classify(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, session.ErrNotActive):
		return http.StatusConflict, response.ErrSessionNotActive
	case errors.Is(err, session.ErrEmptySelection):
		return http.StatusUnprocessableEntity, response.ErrEmptySelection
	case errors.Is(err, session.ErrUnknownQuestion):
		return http.StatusNotFound, response.ErrUnknownQuestion
	case errors.Is(err, session.ErrIndexOutOfRange):
		return http.StatusBadRequest, response.ErrIndexOutOfRange
	case errors.Is(err, session.ErrInvalidOption):
		return http.StatusBadRequest, response.ErrInvalidOption
	case errors.Is(err, session.ErrIllegalTransition):
		return http.StatusConflict, response.ErrIllegalTransition
	case errors.Is(err, service.ErrInvalidLifecycle):
		return http.StatusConflict, response.ErrInvalidLifecycle
	case errors.Is(err, service.ErrInvalidStart):
		return http.StatusBadRequest, response.ErrInvalidPayload
	case errors.Is(err, service.ErrForeignSession):
		return http.StatusForbidden, response.ErrForeignSession
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrTransport):
		return http.StatusBadGateway, response.ErrTransport
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

package http

import (
	"errors"
	"io"
	"net/http"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
	"speedshare/internal/core/services"
	"speedshare/internal/infrastructure/middleware"
	"speedshare/internal/infrastructure/signal"
	apperrors "speedshare/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxRecordBytes bounds offer and answer bodies. SDP blobs stay well below.
const maxRecordBytes = 64 * 1024

type RendezvousHandler struct {
	registry ports.RendezvousRegistry
	tokens   services.TokenService
	relay    *signal.AnswerRelay
	logger   *zap.SugaredLogger
}

var _ ports.RendezvousHTTPHandler = (*RendezvousHandler)(nil)

func NewRendezvousHandler(
	registry ports.RendezvousRegistry,
	tokens services.TokenService,
	relay *signal.AnswerRelay,
	logger *zap.SugaredLogger,
) *RendezvousHandler {
	return &RendezvousHandler{
		registry: registry,
		tokens:   tokens,
		relay:    relay,
		logger:   logger,
	}
}

// SetupRoutes mounts the code API. wsLimit guards the answer socket and may
// be nil.
func (h *RendezvousHandler) SetupRoutes(router gin.IRouter, wsLimit gin.HandlerFunc) {
	api := router.Group("/api/v1")
	{
		api.POST("/codes", h.IssueCode)
		api.GET("/codes/:code", h.ResolveCode)
		api.DELETE("/codes/:code", middleware.EvictTokenMiddleware(h.tokens), h.EvictCode)
		api.POST("/codes/:code/answer", h.PostAnswer)

		ws := []gin.HandlerFunc{h.AwaitAnswer}
		if wsLimit != nil {
			ws = append([]gin.HandlerFunc{wsLimit}, ws...)
		}
		api.GET("/codes/:code/answer/ws", ws...)
	}
}

func (h *RendezvousHandler) IssueCode(c *gin.Context) {
	record, err := readRecord(c)
	if err != nil {
		c.Error(err)
		return
	}

	code, err := h.registry.Issue(c.Request.Context(), record)
	if err != nil {
		c.Error(err)
		return
	}

	token, err := h.tokens.GenerateEvictToken(code)
	if err != nil {
		h.logger.Errorw("failed to sign evict token", "error", err)
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to issue evict token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, signal.IssueResponse{Code: code, EvictToken: token})
}

func (h *RendezvousHandler) ResolveCode(c *gin.Context) {
	record, err := h.registry.Resolve(c.Request.Context(), domain.RendezvousCode(c.Param("code")))
	if err != nil {
		c.Error(err)
		return
	}

	data, err := domain.EncodeRecord(record)
	if err != nil {
		c.Error(err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (h *RendezvousHandler) EvictCode(c *gin.Context) {
	if err := h.registry.Evict(c.Request.Context(), domain.RendezvousCode(c.Param("code"))); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RendezvousHandler) PostAnswer(c *gin.Context) {
	answer, err := readRecord(c)
	if err != nil {
		c.Error(err)
		return
	}

	code := domain.RendezvousCode(c.Param("code"))
	if err := h.registry.PostAnswer(c.Request.Context(), code, answer); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AwaitAnswer answers 404 for unknown codes and otherwise hands the
// connection to the relay.
func (h *RendezvousHandler) AwaitAnswer(c *gin.Context) {
	code := domain.RendezvousCode(c.Param("code"))
	if _, err := h.registry.Resolve(c.Request.Context(), code); err != nil {
		c.Error(err)
		return
	}
	h.relay.Serve(c.Writer, c.Request, code)
}

func readRecord(c *gin.Context) (domain.RendezvousRecord, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxRecordBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.RendezvousRecord{}, apperrors.NewAppError(apperrors.ErrCodePayloadTooLarge,
				"record too large", http.StatusRequestEntityTooLarge)
		}
		return domain.RendezvousRecord{}, apperrors.NewInvalidInputError("failed to read body")
	}

	record, err := domain.DecodeRecord("", body)
	if err != nil {
		return domain.RendezvousRecord{}, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput,
			"record must be a JSON object", http.StatusBadRequest)
	}
	return record, nil
}

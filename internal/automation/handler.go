package automation

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"funnel/internal/catalog"
	"funnel/internal/contact"
	"funnel/internal/enrollment"
	"funnel/internal/logger"
	"funnel/pkg/errors"
	"funnel/pkg/models"
)

// Handler exposes the engine over HTTP: event intake plus read-only views of
// contacts, the catalog and the pending fire backlog.
type Handler struct {
	engine   *Engine
	contacts contact.Store
	registry *catalog.Registry
	store    enrollment.Store
	logger   logger.Logger
}

func NewHandler(engine *Engine, contacts contact.Store, registry *catalog.Registry, store enrollment.Store, log logger.Logger) *Handler {
	return &Handler{
		engine:   engine,
		contacts: contacts,
		registry: registry,
		store:    store,
		logger:   log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		events := v1.Group("/events")
		{
			events.POST("", h.PostEvent)
			events.POST("/form-submit", h.PostFormSubmit)
			events.POST("/page-visit", h.PostPageVisit)
			events.POST("/lead-score-change", h.PostLeadScoreChange)
		}

		v1.GET("/contacts/:id", h.GetContact)

		catalogGroup := v1.Group("/catalog")
		{
			catalogGroup.GET("/sequences", h.ListSequences)
			catalogGroup.GET("/rules", h.ListRules)
		}

		v1.GET("/enrollments/pending", h.GetPendingFires)
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error",
		"error", err,
		"path", c.Request.URL.Path,
	)

	status := errors.ToHTTPStatus(err)
	c.JSON(status, errors.ToErrorResponse(err))
}

func (h *Handler) PostEvent(c *gin.Context) {
	var ev models.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		built := models.NewEventBuilder(ev.Kind).
			WithID(ev.ID).
			WithContact(ev.ContactID).
			WithTimestamp(ev.Timestamp).
			WithAttributes(ev.Attributes).
			Build()
		ev = *built
	}

	if err := h.engine.ProcessEvent(c.Request.Context(), ev); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": ev.ID})
}

type formSubmitRequest struct {
	ContactID  string                 `json:"contact_id" binding:"required"`
	FormType   string                 `json:"form_type" binding:"required"`
	Attributes map[string]interface{} `json:"attributes"`
}

func (h *Handler) PostFormSubmit(c *gin.Context) {
	var req formSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	if err := h.engine.HandleFormSubmit(c.Request.Context(), req.ContactID, req.FormType, req.Attributes); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type pageVisitRequest struct {
	ContactID  string `json:"contact_id" binding:"required"`
	Page       string `json:"page" binding:"required"`
	DurationMs int    `json:"duration_ms"`
}

func (h *Handler) PostPageVisit(c *gin.Context) {
	var req pageVisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	if err := h.engine.HandlePageVisit(c.Request.Context(), req.ContactID, req.Page, req.DurationMs); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type leadScoreChangeRequest struct {
	ContactID string `json:"contact_id" binding:"required"`
	OldScore  int    `json:"old_score"`
	NewScore  int    `json:"new_score"`
}

func (h *Handler) PostLeadScoreChange(c *gin.Context) {
	var req leadScoreChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	if err := h.engine.HandleLeadScoreChange(c.Request.Context(), req.ContactID, req.OldScore, req.NewScore); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handler) GetContact(c *gin.Context) {
	id := c.Param("id")
	contactRecord, err := h.contacts.Get(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, contactRecord)
}

type sequenceView struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Trigger    string                 `json:"trigger"`
	Conditions map[string]interface{} `json:"conditions,omitempty"`
	Expression string                 `json:"expression,omitempty"`
	Steps      int                    `json:"steps"`
}

func (h *Handler) ListSequences(c *gin.Context) {
	sequences := h.registry.Sequences()
	out := make([]sequenceView, 0, len(sequences))
	for _, seq := range sequences {
		out = append(out, sequenceView{
			ID:         seq.ID,
			Name:       seq.Name,
			Trigger:    string(seq.Trigger),
			Conditions: seq.Conditions,
			Expression: seq.Expression,
			Steps:      len(seq.Steps),
		})
	}
	c.JSON(http.StatusOK, out)
}

type ruleView struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Trigger    string                 `json:"trigger"`
	Conditions map[string]interface{} `json:"conditions,omitempty"`
	Expression string                 `json:"expression,omitempty"`
	Actions    []string               `json:"actions"`
}

func (h *Handler) ListRules(c *gin.Context) {
	rules := h.registry.Rules()
	out := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		actions := make([]string, 0, len(rule.Actions))
		for _, a := range rule.Actions {
			actions = append(actions, string(a.Kind()))
		}
		out = append(out, ruleView{
			ID:         rule.ID,
			Name:       rule.Name,
			Trigger:    string(rule.Trigger),
			Conditions: rule.Conditions,
			Expression: rule.Expression,
			Actions:    actions,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetPendingFires(c *gin.Context) {
	count, err := h.store.PendingCount(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": count})
}

// ConsumeEvent adapts the engine for the broker consumer. Validation errors
// come back as permanent, so the consumer routes bad events to the DLQ
// instead of retrying them.
func (h *Handler) ConsumeEvent(ctx context.Context, ev models.Event) error {
	return h.engine.ProcessEvent(ctx, ev)
}

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"codeagent/internal/config"
	"codeagent/internal/history"
	"codeagent/internal/models"
	"codeagent/internal/session"
	"codeagent/internal/sse"
)

// Handler wires HTTP routes to the history store and the session manager.
type Handler struct {
	store    *history.Store
	sessions *session.Manager
	cfg      *config.Config
}

// NewHandler constructs a Handler instance.
func NewHandler(store *history.Store, sessions *session.Manager, cfg *config.Config) *Handler {
	return &Handler{store: store, sessions: sessions, cfg: cfg}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.POST("/chat", h.chat)
	router.GET("/chat/status", h.chatStatus)
	api := router.Group("/api")
	api.GET("/history", h.getHistory)
	api.GET("/stream/active", h.streamActive)
	api.POST("/stop", h.stop)
	api.POST("/context_reset", h.contextReset)
	api.POST("/reset", h.reset)
}

type mediaAttachment struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

type chatRequest struct {
	Message          string            `json:"message"`
	Model            string            `json:"model"`
	IncludeWebSearch *bool             `json:"include_web_search"`
	Media            []mediaAttachment `json:"media"`
}

func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	parts := []models.Part{{Text: req.Message}}
	for _, m := range req.Media {
		if m.MimeType == "" || len(m.Data) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "media requires mime_type and data"})
			return
		}
		parts = append(parts, models.Part{InlineData: &models.Blob{MimeType: m.MimeType, Data: m.Data}})
	}

	opts := session.Options{
		Model:     req.Model,
		WebSearch: h.cfg.BasicConfig.EnableWebSearch,
	}
	if req.IncludeWebSearch != nil {
		opts.WebSearch = *req.IncludeWebSearch
	}

	s, err := h.sessions.Start(c.Request.Context(), models.NewMessage(models.RoleUser, parts...), opts)
	if err != nil {
		if errors.Is(err, session.ErrSessionActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "session already active"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	h.streamSession(c, s)
}

// streamSession forwards session events to one consumer until the terminal
// event or client disconnect. A disconnect only stops this writer; the
// generation itself keeps running and commits in the background.
func (h *Handler) streamSession(c *gin.Context, s *session.Session) {
	if _, ok := c.Writer.(http.Flusher); !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	w := sse.NewWriter(c.Writer)
	q := s.Attach()
	for {
		ev, ok := q.Next(c.Request.Context())
		if !ok {
			return
		}
		if err := w.Write(ev); err != nil {
			return
		}
		if ev.Terminal() {
			return
		}
	}
}

func (h *Handler) streamActive(c *gin.Context) {
	s := h.sessions.Active()
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"active": false})
		return
	}
	h.streamSession(c, s)
}

func (h *Handler) chatStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active": h.sessions.Active() != nil})
}

func (h *Handler) stop(c *gin.Context) {
	if h.sessions.Stop() {
		c.JSON(http.StatusOK, gin.H{"status": "stopped"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "no_active_task"})
}

func (h *Handler) getHistory(c *gin.Context) {
	limit := h.cfg.BasicConfig.HistoryPageSize
	offset := 0
	var err error
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
	}
	// limit=0 means "use the configured page size", not an empty page.
	if limit == 0 {
		limit = h.cfg.BasicConfig.HistoryPageSize
	}

	messages, hasMore, err := h.store.ReadPage(c.Request.Context(), offset, limit)
	if err != nil {
		if errors.Is(err, history.ErrInvalidRange) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid history range"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := h.store.Len(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"has_more": hasMore,
		"total":    total,
	})
}

func (h *Handler) contextReset(c *gin.Context) {
	if err := h.store.InsertContextReset(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) reset(c *gin.Context) {
	if err := h.store.Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

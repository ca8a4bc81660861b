package api

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"quizcast/internal/broadcast"
	"quizcast/internal/models"
	"quizcast/internal/service/lecture"
	"quizcast/internal/service/push"
	"quizcast/internal/service/quiz"
	"quizcast/internal/worker"
)

const (
	defaultMaxUploadBytes = 20 << 20
	defaultQuizCount      = 5
	defaultHeartbeat      = 15 * time.Second
	// materialIDMaxLen matches the materials.id column width.
	materialIDMaxLen = 36
)

var allowedContentTypes = []string{
	"application/pdf",
	"text/plain",
	"text/markdown",
	"text/html",
	"application/octet-stream",
}

// Ingestion accepts uploads for background text extraction.
type Ingestion interface {
	Accept(ctx context.Context, req worker.AcceptRequest) (*models.Material, error)
	Pending(sessionID int64) []string
}

// QuizGenerator turns assembled lecture context into validated quiz items.
type QuizGenerator interface {
	Generate(ctx context.Context, contextText string, count int, timeout time.Duration) (*quiz.Batch, error)
}

// Pusher delivers quiz items to a session's audience.
type Pusher interface {
	Push(ctx context.Context, sessionID int64, explicitID *int64) (*push.Result, error)
	RecipientCount(sessionID int64) int
}

// Streams registers audience connections.
type Streams interface {
	Subscribe(sessionID int64) *broadcast.Subscriber
}

type Options struct {
	MaxUploadBytes  int64
	GenerateTimeout time.Duration
	// RatePerMinute bounds quiz generation per session; 0 disables the limit.
	RatePerMinute int
	Heartbeat     time.Duration
}

// Handler wires HTTP routes to the lecture services.
type Handler struct {
	lecture   *lecture.Service
	ingestion Ingestion
	generator QuizGenerator
	pusher    Pusher
	streams   Streams
	closer    broadcast.Broadcaster
	opts      Options
	log       zerolog.Logger

	limitMu  sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewHandler constructs a Handler instance. closer ends audience streams when
// a session ends and is usually the same broadcaster the pusher publishes on.
func NewHandler(svc *lecture.Service, ingestion Ingestion, generator QuizGenerator, pusher Pusher, streams Streams, closer broadcast.Broadcaster, opts Options, logger zerolog.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	return &Handler{
		lecture:   svc,
		ingestion: ingestion,
		generator: generator,
		pusher:    pusher,
		streams:   streams,
		closer:    closer,
		opts:      opts,
		log:       logger.With().Str("component", "api").Logger(),
		limiters:  make(map[int64]*rate.Limiter),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/sessions", h.createSession)
	sessionRoutes := api.Group("/sessions/:session_id")
	sessionRoutes.Use(h.requireSession())
	sessionRoutes.GET("", h.getSession)
	sessionRoutes.POST("/start", h.startSession)
	sessionRoutes.POST("/end", h.endSession)
	sessionRoutes.POST("/materials", h.uploadMaterial)
	sessionRoutes.GET("/materials", h.listMaterials)
	sessionRoutes.POST("/transcripts", h.appendTranscript)
	sessionRoutes.POST("/quizzes/generate", h.generateQuizzes)
	sessionRoutes.GET("/quizzes", h.listQuizzes)
	sessionRoutes.POST("/quizzes/push", h.pushQuiz)
	sessionRoutes.GET("/recipients", h.recipientCount)
	sessionRoutes.GET("/stream", h.stream)
}

const sessionKey = "session"

// requireSession resolves :session_id and stores the session in the context.
func (h *Handler) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
		if err != nil || sessionID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		session, err := h.lecture.GetSession(c.Request.Context(), sessionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Set(sessionKey, session)
		c.Next()
	}
}

func currentSession(c *gin.Context) *models.Session {
	return c.MustGet(sessionKey).(*models.Session)
}

func (h *Handler) createSession(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	session, err := h.lecture.CreateSession(c.Request.Context(), req.Title)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, currentSession(c))
}

func (h *Handler) startSession(c *gin.Context) {
	session, err := h.lecture.StartSession(c.Request.Context(), currentSession(c).ID)
	if err != nil {
		writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) endSession(c *gin.Context) {
	session, err := h.lecture.EndSession(c.Request.Context(), currentSession(c).ID)
	if err != nil {
		writeTransitionError(c, err)
		return
	}
	h.dropLimiter(session.ID)
	closed := h.closer.CloseSession(session.ID)
	c.JSON(http.StatusOK, gin.H{
		"session":        session,
		"closed_streams": closed,
	})
}

func writeTransitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, lecture.ErrSessionState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) uploadMaterial(c *gin.Context) {
	session := currentSession(c)
	if session.Status == models.SessionEnded {
		c.JSON(http.StatusConflict, gin.H{"error": "session has ended"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes+1<<20)
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > h.opts.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is empty"})
		return
	}
	materialID := strings.TrimSpace(c.PostForm("material_id"))
	if !validMaterialID(materialID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "material_id must be up to 36 letters, digits, '-' or '_'"})
		return
	}
	contentType := uploadContentType(file.Header.Get("Content-Type"), data)
	if !isAllowedContentType(contentType) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported file type"})
		return
	}

	material, err := h.ingestion.Accept(c.Request.Context(), worker.AcceptRequest{
		MaterialID: materialID,
		SessionID:  session.ID,
		FileName:   filepath.Base(file.Filename),
		MimeType:   contentType,
		Data:       data,
	})
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrDispatcherBusy), errors.Is(err, worker.ErrDispatcherStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is busy, please retry"})
		case errors.Is(err, worker.ErrDuplicateMaterial):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, material)
}

// validMaterialID accepts an empty id (one is generated) or a short client id.
func validMaterialID(id string) bool {
	if len(id) > materialIDMaxLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// uploadContentType prefers the declared part type and sniffs when it is missing or generic.
func uploadContentType(declared string, data []byte) string {
	declared = strings.TrimSpace(strings.Split(declared, ";")[0])
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return http.DetectContentType(data[:min(len(data), 512)])
}

func (h *Handler) listMaterials(c *gin.Context) {
	session := currentSession(c)
	materials, err := h.lecture.ListMaterials(c.Request.Context(), session.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if materials == nil {
		materials = make([]*models.Material, 0)
	}
	pending := h.ingestion.Pending(session.ID)
	if pending == nil {
		pending = make([]string, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"materials": materials,
		"pending":   pending,
	})
}

func (h *Handler) appendTranscript(c *gin.Context) {
	session := currentSession(c)
	if session.Status == models.SessionEnded {
		c.JSON(http.StatusConflict, gin.H{"error": "session has ended"})
		return
	}
	var req struct {
		Content  string    `json:"content"`
		SpokenAt time.Time `json:"spoken_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	fragment, err := h.lecture.AppendTranscript(c.Request.Context(), session.ID, req.Content, req.SpokenAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, fragment)
}

func (h *Handler) limiter(sessionID int64) *rate.Limiter {
	h.limitMu.Lock()
	defer h.limitMu.Unlock()
	l, ok := h.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(h.opts.RatePerMinute)), h.opts.RatePerMinute)
		h.limiters[sessionID] = l
	}
	return l
}

func (h *Handler) dropLimiter(sessionID int64) {
	h.limitMu.Lock()
	delete(h.limiters, sessionID)
	h.limitMu.Unlock()
}

func (h *Handler) generateQuizzes(c *gin.Context) {
	session := currentSession(c)
	var req struct {
		Count int `json:"count"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Count == 0 {
		req.Count = defaultQuizCount
	}
	if h.opts.RatePerMinute > 0 && !h.limiter(session.ID).Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "generation rate limit exceeded"})
		return
	}

	contextText, err := h.lecture.AssembleContext(c.Request.Context(), session.ID)
	if err != nil {
		if errors.Is(err, lecture.ErrNoContent) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	batch, err := h.generator.Generate(c.Request.Context(), contextText, req.Count, h.opts.GenerateTimeout)
	if err != nil {
		h.log.Warn().Err(err).Int64("session_id", session.ID).Msg("quiz generation failed")
		writeGenerateError(c, err)
		return
	}
	if err := h.lecture.SaveQuizItems(c.Request.Context(), session.ID, batch.Items); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	warnings := batch.Warnings
	if warnings == nil {
		warnings = make([]string, 0)
	}
	c.JSON(http.StatusCreated, gin.H{
		"requested": batch.Requested,
		"quizzes":   batch.Items,
		"warnings":  warnings,
	})
}

func writeGenerateError(c *gin.Context, err error) {
	var (
		parseErr  *quiz.ParseError
		schemaErr *quiz.SchemaError
		remoteErr *quiz.RemoteError
	)
	switch {
	case errors.Is(err, quiz.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.Is(err, quiz.ErrRejected), errors.Is(err, quiz.ErrEmptyContext):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &parseErr), errors.As(err, &schemaErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "kind": "malformed_output"})
	case errors.As(err, &remoteErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "kind": "remote_failure"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handler) listQuizzes(c *gin.Context) {
	items, err := h.lecture.ListQuizItems(c.Request.Context(), currentSession(c).ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if items == nil {
		items = make([]*models.QuizItem, 0)
	}
	c.JSON(http.StatusOK, gin.H{"quizzes": items})
}

func (h *Handler) pushQuiz(c *gin.Context) {
	session := currentSession(c)
	var req struct {
		QuizID *int64 `json:"quiz_id"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	res, err := h.pusher.Push(c.Request.Context(), session.ID, req.QuizID)
	if err != nil {
		switch {
		case errors.Is(err, push.ErrStateConflict):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, push.ErrNothingToPush):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) recipientCount(c *gin.Context) {
	session := currentSession(c)
	c.JSON(http.StatusOK, gin.H{
		"session_id": session.ID,
		"recipients": h.pusher.RecipientCount(session.ID),
	})
}

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorFeed opens a quiz's monitor channel.
type MonitorFeed interface {
	Subscribe(ctx context.Context, quizID uuid.UUID) *redis.PubSub
}

type MonitorHandler struct {
	feed           MonitorFeed
	quizService    *service.QuizService
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(
	feed MonitorFeed,
	quizService *service.QuizService,
	monitorService *service.MonitorService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		feed:           feed,
		quizService:    quizService,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorQuizSSE godoc
// GET /api/v1/admin/quizzes/:quiz_id/monitor
func (h *MonitorHandler) MonitorQuizSSE(c *gin.Context) {
	quizID, err := uuid.Parse(c.Param("quiz_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()

	fetchCtx, cancel := context.WithTimeout(reqCtx, refreshTimeout)
	progress, err := h.monitorService.GetQuizProgress(fetchCtx, quizID)
	cancel()
	if err != nil {
		h.fail(c, err)
		return
	}

	// 1. SSE headers
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// 2. Initial snapshot
	c.SSEvent("message", gin.H{"type": "snapshot", "data": progress})
	c.Writer.Flush()

	// 3. Subscribe to Redis Pub/Sub
	pubsub := h.feed.Subscribe(reqCtx, quizID)
	defer pubsub.Close()

	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refreshes until something happens on the quiz.
	active := len(progress.Attempts) > 0

	h.log.Info().Str("quiz_id", quizID.String()).Msg("Admin attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("quiz_id", quizID.String()).Msg("Admin disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly, no deserialization needed
			writeSSEData(c, []byte(msg.Payload))
			active = true

		case <-refreshTicker.C:
			if !active {
				continue
			}
			h.sendRefresh(c, reqCtx, quizID)

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

// sendRefresh sends the merged progress as a refresh event.
func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, quizID uuid.UUID) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	progress, err := h.monitorService.GetQuizProgress(ctx, quizID)
	if err != nil {
		h.log.Warn().Err(err).Str("quiz_id", quizID.String()).Msg("Failed to fetch quiz progress for refresh")
		return
	}

	c.SSEvent("message", gin.H{"type": "refresh", "data": progress})
	c.Writer.Flush()
}

// GetQuizProgress godoc
// GET /api/v1/admin/quizzes/:quiz_id/progress
func (h *MonitorHandler) GetQuizProgress(c *gin.Context) {
	quizID, err := uuid.Parse(c.Param("quiz_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	progress, err := h.monitorService.GetQuizProgress(c.Request.Context(), quizID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, progress)
}

// RefreshQuizCache godoc
// POST /api/v1/admin/quizzes/:quiz_id/refresh-cache
// Reloads a quiz from PostgreSQL after it was edited or published.
func (h *MonitorHandler) RefreshQuizCache(c *gin.Context) {
	quizID, err := uuid.Parse(c.Param("quiz_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	quiz, err := h.quizService.Refresh(c.Request.Context(), quizID)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.log.Info().Str("quiz_id", quizID.String()).Msg("Quiz cache refreshed")
	response.Success(c, http.StatusOK, gin.H{
		"quiz_id":        quiz.ID,
		"question_count": len(quiz.Questions),
	})
}

func (h *MonitorHandler) fail(c *gin.Context, err error) {
	status, code := attemptError(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Monitor request failed")
	}
	response.Fail(c, status, code)
}

func writeSSEData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

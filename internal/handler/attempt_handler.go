package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// AttemptHandler handles student-facing quiz and attempt endpoints.
type AttemptHandler struct {
	quizService    *service.QuizService
	attemptService *service.AttemptService
	log            zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(
	quizService *service.QuizService,
	attemptService *service.AttemptService,
	log zerolog.Logger,
) *AttemptHandler {
	return &AttemptHandler{
		quizService:    quizService,
		attemptService: attemptService,
		log:            log.With().Str("component", "attempt_handler").Logger(),
	}
}

// AttemptView is either the live snapshot or the final result.
type AttemptView struct {
	Snapshot *model.SessionSnapshot `json:"snapshot,omitempty"`
	Result   *model.SessionResult   `json:"result,omitempty"`
}

// GetQuiz godoc
// GET /api/v1/student/quizzes/:quiz_id
// Returns the quiz paper without answer keys.
func (h *AttemptHandler) GetQuiz(c *gin.Context) {
	quizID, err := uuid.Parse(c.Param("quiz_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	quiz, err := h.quizService.Get(c.Request.Context(), quizID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, quiz.ForStudent())
}

// StartAttempt godoc
// POST /api/v1/student/quizzes/:quiz_id/attempts
// Starts an attempt once the instructions are accepted (idempotent).
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	quizID, err := uuid.Parse(c.Param("quiz_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// A false accepted_instructions fails the required tag.
	var req model.StartAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		code := response.ErrValidation
		if _, ok := fields["accepted_instructions"]; ok {
			code = response.ErrInstructionsRequired
		}
		response.FailWithFields(c, http.StatusBadRequest, code, fields)
		return
	}

	sess, err := h.attemptService.Start(c.Request.Context(), quizID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	snap := sess.Snapshot()
	response.Success(c, http.StatusCreated, gin.H{
		"attempt_id": snap.AttemptID,
		"snapshot":   snap,
	})
}

// GetAttempt godoc
// GET /api/v1/student/attempts/:attempt_id
// Returns the live snapshot, or the result once the attempt has finished.
// This endpoint covers page reloads.
func (h *AttemptHandler) GetAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	ctx := c.Request.Context()
	snap, err := h.attemptService.Snapshot(ctx, attemptID, claims.UserID)
	switch {
	case err == nil:
		if !snap.Status.IsTerminal() {
			response.Success(c, http.StatusOK, AttemptView{Snapshot: &snap})
			return
		}
	case !isFinished(err):
		h.fail(c, err)
		return
	}

	res, err := h.attemptService.Result(ctx, attemptID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, AttemptView{Result: &res})
}

// SubmitAttempt godoc
// POST /api/v1/student/attempts/:attempt_id/submit
// Submits the attempt and waits for its result.
func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	res, err := h.attemptService.Submit(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.log.Info().
		Str("attempt_id", attemptID.String()).
		Int("student_id", claims.UserID).
		Str("status", string(res.Status)).
		Msg("Attempt submitted")

	response.Success(c, http.StatusOK, res)
}

// GetResult godoc
// GET /api/v1/student/attempts/:attempt_id/result
func (h *AttemptHandler) GetResult(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	res, err := h.attemptService.Result(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

func (h *AttemptHandler) fail(c *gin.Context, err error) {
	status, code := attemptError(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Attempt request failed")
	}
	response.Fail(c, status, code)
}

package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// attemptError maps service and engine errors to an HTTP status and code.
// Unknown errors come back as 500 and should be logged by the caller.
func attemptError(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, repository.ErrQuizNotFound),
		errors.Is(err, proctor.ErrDefinitionMissing):
		return http.StatusNotFound, response.ErrQuizNotAvailable
	case errors.Is(err, repository.ErrAttemptNotFound):
		return http.StatusNotFound, response.ErrAttemptNotFound
	case errors.Is(err, service.ErrAttemptForbidden):
		return http.StatusForbidden, response.ErrForbidden
	case errors.Is(err, service.ErrAttemptFinished):
		return http.StatusConflict, response.ErrAttemptFinished
	case errors.Is(err, service.ErrAttemptInProgress):
		return http.StatusConflict, response.ErrAttemptInProgress
	case errors.Is(err, proctor.ErrInvalidState),
		errors.Is(err, proctor.ErrAlreadyStarted):
		return http.StatusConflict, response.ErrAttemptNotActive
	case errors.Is(err, proctor.ErrIndexOutOfRange):
		return http.StatusUnprocessableEntity, response.ErrQuestionOutOfRange
	case errors.Is(err, proctor.ErrUnknownQuestion),
		errors.Is(err, proctor.ErrAnswerKindMismatch),
		errors.Is(err, proctor.ErrUnknownOption):
		return http.StatusUnprocessableEntity, response.ErrInvalidAnswer
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, response.ErrSubmissionUnavailable
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

func isFinished(err error) bool {
	return errors.Is(err, service.ErrAttemptFinished)
}

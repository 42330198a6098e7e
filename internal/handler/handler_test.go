package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func TestAttemptError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   response.ErrCode
	}{
		{repository.ErrQuizNotFound, http.StatusNotFound, response.ErrQuizNotAvailable},
		{fmt.Errorf("launch: %w", proctor.ErrDefinitionMissing), http.StatusNotFound, response.ErrQuizNotAvailable},
		{repository.ErrAttemptNotFound, http.StatusNotFound, response.ErrAttemptNotFound},
		{service.ErrAttemptForbidden, http.StatusForbidden, response.ErrForbidden},
		{service.ErrAttemptFinished, http.StatusConflict, response.ErrAttemptFinished},
		{service.ErrAttemptInProgress, http.StatusConflict, response.ErrAttemptInProgress},
		{proctor.ErrInvalidState, http.StatusConflict, response.ErrAttemptNotActive},
		{proctor.ErrIndexOutOfRange, http.StatusUnprocessableEntity, response.ErrQuestionOutOfRange},
		{fmt.Errorf("q9: %w", proctor.ErrUnknownQuestion), http.StatusUnprocessableEntity, response.ErrInvalidAnswer},
		{proctor.ErrAnswerKindMismatch, http.StatusUnprocessableEntity, response.ErrInvalidAnswer},
		{proctor.ErrUnknownOption, http.StatusUnprocessableEntity, response.ErrInvalidAnswer},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, response.ErrSubmissionUnavailable},
		{errors.New("connection reset"), http.StatusInternalServerError, response.ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, code := attemptError(tt.err)
			if status != tt.status || code != tt.code {
				t.Errorf("attemptError(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
			}
		})
	}
}

func TestVersionGate(t *testing.T) {
	g := &versionGate{}
	steps := []struct {
		v    uint64
		want bool
	}{
		{1, true},
		{1, false},
		{3, true},
		{2, false},
		{4, true},
	}
	for _, s := range steps {
		if got := g.advance(s.v); got != s.want {
			t.Errorf("advance(%d) = %v, want %v", s.v, got, s.want)
		}
	}
}

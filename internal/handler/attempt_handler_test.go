package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
)

func TestAttemptHandler_StartAttemptBinding(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   response.ErrCode
	}{
		{name: "accepted", body: `{"accepted_instructions":true}`, status: http.StatusCreated},
		{name: "declined", body: `{"accepted_instructions":false}`, status: http.StatusBadRequest, code: response.ErrInstructionsRequired},
		{name: "omitted", body: `{}`, status: http.StatusBadRequest, code: response.ErrInstructionsRequired},
		{name: "wrong type", body: `{"accepted_instructions":"yes"}`, status: http.StatusBadRequest, code: response.ErrInstructionsRequired},
		{name: "malformed", body: `{`, status: http.StatusBadRequest, code: response.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			h := NewAttemptHandler(f.quizzes, f.attempts, zerolog.Nop())
			r := gin.New()
			r.POST("/quizzes/:quiz_id/attempts", asStudent(7), h.StartAttempt)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/quizzes/"+f.quiz.ID.String()+"/attempts", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
			var body response.Response
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tt.code == "" {
				if body.Error != nil {
					t.Fatalf("error = %+v, want none", body.Error)
				}
				if running, _ := f.attempts.Count(); running != 1 {
					t.Errorf("running = %d, want 1", running)
				}
				return
			}
			if body.Error == nil || body.Error.Code != tt.code {
				t.Fatalf("error = %+v, want %s", body.Error, tt.code)
			}
			if running, _ := f.attempts.Count(); running != 0 {
				t.Errorf("running = %d, want 0", running)
			}
		})
	}
}

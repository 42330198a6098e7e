package grading

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

func TestClient_Grade(t *testing.T) {
	attemptID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/attempts/grade" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req model.GradingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.AttemptID != attemptID || req.ViolationCount != 1 || req.Answers["q1"].Choice != "b" {
			t.Errorf("unexpected payload %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"score":14,"total_marks":20,"percentage":70,"passed":true}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL+"/", srv.Client(), zerolog.Nop())
	resp, err := c.Grade(context.Background(), model.GradingRequest{
		AttemptID:      attemptID,
		Answers:        map[string]model.AnswerValue{"q1": model.SingleChoice("b")},
		ViolationCount: 1,
	})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	want := model.GradingResponse{Score: 14, TotalMarks: 20, Percentage: 70, Passed: true}
	if *resp != want {
		t.Fatalf("got %+v, want %+v", *resp, want)
	}
}

func TestClient_GradeFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		timeout time.Duration
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"score":`))
			},
		},
		{
			name: "deadline exceeded",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			timeout: 20 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)

			ctx := context.Background()
			if tt.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.timeout)
				defer cancel()
			}

			_, err := NewClient(srv.URL, srv.Client(), zerolog.Nop()).Grade(ctx, model.GradingRequest{AttemptID: uuid.New()})
			if !errors.Is(err, proctor.ErrSubmissionFailed) {
				t.Fatalf("expected ErrSubmissionFailed, got %v", err)
			}
		})
	}
}

func TestNew_EmptyURLDisablesRemote(t *testing.T) {
	g := New("", zerolog.Nop())
	_, err := g.Grade(context.Background(), model.GradingRequest{})
	if !errors.Is(err, ErrDisabled) || !errors.Is(err, proctor.ErrSubmissionFailed) {
		t.Fatalf("expected disabled error, got %v", err)
	}
}

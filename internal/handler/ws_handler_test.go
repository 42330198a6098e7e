package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// frame is the subset of every server event the tests look at.
type frame struct {
	Event     ws.Event `json:"event"`
	RequestID string   `json:"request_id"`
	Code      string   `json:"code"`
	Snapshot  struct {
		Version              uint64 `json:"version"`
		CurrentQuestionIndex int    `json:"current_question_index"`
		AnsweredCount        int    `json:"answered_count"`
	} `json:"snapshot"`
	Verdict struct {
		Violation *struct {
			Kind model.ViolationKind `json:"kind"`
		} `json:"violation"`
	} `json:"verdict"`
	Result struct {
		Status model.SessionStatus `json:"status"`
	} `json:"result"`
}

func streamServer(t *testing.T, f *handlerFixture, studentID int) *httptest.Server {
	t.Helper()
	h := NewWSHandler(f.attempts, zerolog.Nop(), nil)
	r := gin.New()
	r.GET("/attempts/:attempt_id/stream", asStudent(studentID), h.AttemptStream)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func streamURL(srv *httptest.Server, attemptID uuid.UUID) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/attempts/" + attemptID.String() + "/stream"
}

// next reads frames until match accepts one.
func next(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var fr frame
		if err := conn.ReadJSON(&fr); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(fr) {
			return fr
		}
	}
}

func reply(id string) func(frame) bool {
	return func(fr frame) bool { return fr.RequestID == id }
}

func TestWSHandler_AttemptStream(t *testing.T) {
	f := newHandlerFixture(t)
	sess, err := f.attempts.Start(context.Background(), f.quiz.ID, 7)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := streamServer(t, f, 7)

	conn, _, err := websocket.DefaultDialer.Dial(streamURL(srv, sess.AttemptID()), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := next(t, conn, func(frame) bool { return true })
	if first.Event != ws.EventSnapshot || first.Snapshot.Version == 0 {
		t.Fatalf("first frame = %+v, want initial snapshot", first)
	}

	idx := 1
	send(t, conn, ws.RequestPayload{Action: ws.ActionNavigate, RequestID: "r1", Index: &idx})
	fr := next(t, conn, reply("r1"))
	if fr.Event != ws.EventSnapshot || fr.Snapshot.CurrentQuestionIndex != 1 {
		t.Errorf("navigate reply = %+v", fr)
	}

	answer := model.SingleChoice("1945")
	send(t, conn, ws.RequestPayload{Action: ws.ActionAnswer, RequestID: "r2", QuestionID: "q1", Answer: &answer})
	fr = next(t, conn, reply("r2"))
	if fr.Snapshot.AnsweredCount != 1 {
		t.Errorf("answered = %d, want 1", fr.Snapshot.AnsweredCount)
	}

	far := 99
	send(t, conn, ws.RequestPayload{Action: ws.ActionNavigate, RequestID: "r3", Index: &far})
	fr = next(t, conn, reply("r3"))
	if fr.Event != ws.EventError || fr.Code != string(response.ErrQuestionOutOfRange) {
		t.Errorf("out of range reply = %+v", fr)
	}

	send(t, conn, ws.RequestPayload{Action: ws.ActionNavigate, RequestID: "r4"})
	fr = next(t, conn, reply("r4"))
	if fr.Event != ws.EventError || fr.Code != string(response.ErrInvalidPayload) {
		t.Errorf("missing index reply = %+v", fr)
	}

	send(t, conn, ws.RequestPayload{Action: ws.ActionSignal, RequestID: "r5", Signal: &proctor.Signal{Type: proctor.SignalVisibility, Hidden: true}})
	fr = next(t, conn, reply("r5"))
	if fr.Event != ws.EventVerdict || fr.Verdict.Violation == nil || fr.Verdict.Violation.Kind != model.ViolationTabSwitch {
		t.Errorf("signal reply = %+v", fr)
	}

	send(t, conn, ws.RequestPayload{Action: ws.ActionPing})
	next(t, conn, func(fr frame) bool { return fr.Event == ws.EventPong })

	send(t, conn, ws.RequestPayload{Action: ws.ActionSubmit, RequestID: "r6"})
	fr = next(t, conn, func(fr frame) bool { return fr.Event == ws.EventResult || fr.Event == ws.EventError })
	if fr.Event != ws.EventResult || fr.Result.Status != model.SessionStatusSubmitted {
		t.Fatalf("submit = %+v, want submitted result", fr)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("after result: %v, want normal closure", err)
	}
}

func TestWSHandler_FinishedAttemptSendsResultAndCloses(t *testing.T) {
	f := newHandlerFixture(t)
	sess, err := f.attempts.Start(context.Background(), f.quiz.ID, 7)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.clock.Advance(time.Duration(f.quiz.DurationSeconds+1) * time.Second)
	srv := streamServer(t, f, 7)

	conn, _, err := websocket.DefaultDialer.Dial(streamURL(srv, sess.AttemptID()), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fr := next(t, conn, func(fr frame) bool { return fr.Event != ws.EventSnapshot })
	if fr.Event != ws.EventResult || fr.Result.Status != model.SessionStatusSubmitted {
		t.Fatalf("frame = %+v, want submitted result", fr)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("after result: %v, want normal closure", err)
	}
}

func TestWSHandler_RejectsBeforeUpgrade(t *testing.T) {
	f := newHandlerFixture(t)
	sess, err := f.attempts.Start(context.Background(), f.quiz.ID, 7)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	tests := []struct {
		name      string
		studentID int
		attemptID uuid.UUID
		status    int
	}{
		{name: "other student", studentID: 8, attemptID: sess.AttemptID(), status: http.StatusForbidden},
		{name: "unknown attempt", studentID: 7, attemptID: uuid.New(), status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := streamServer(t, f, tt.studentID)
			_, resp, err := websocket.DefaultDialer.Dial(streamURL(srv, tt.attemptID), nil)
			if err == nil {
				t.Fatal("handshake succeeded")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("response = %v, want %d", resp, tt.status)
			}
		})
	}
}

func send(t *testing.T, conn *websocket.Conn, msg ws.RequestPayload) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

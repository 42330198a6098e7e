package handler

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const wsSubmitTimeout = 30 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler handles the per-attempt WebSocket stream.
type WSHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attemptService *service.AttemptService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/student/attempts/:attempt_id/stream
// Carries student actions and environment signals in, snapshots and the
// final result out.
func (h *WSHandler) AttemptStream(c *gin.Context) {
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

	// Resolve before upgrading so failures are plain HTTP errors.
	sess, err := h.attemptService.Attach(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		status, code := attemptError(err)
		if status == http.StatusInternalServerError {
			h.log.Error().Err(err).Str("attempt_id", attemptID.String()).Msg("Attach failed")
		}
		response.Fail(c, status, code)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	wsLog := h.log.With().
		Int("student_id", claims.UserID).
		Str("attempt_id", attemptID.String()).
		Str("request_id", response.RequestID(c)).
		Logger()
	wsLog.Info().Msg("Student connected")

	updates, stop := sess.Watch()
	defer stop()

	gate := &versionGate{}
	snap := sess.Snapshot()
	gate.advance(snap.Version)
	conn.WriteTyped(ws.SnapshotResponse{Event: ws.EventSnapshot, Snapshot: snap})
	if res, ok := sess.Result(); ok {
		h.finish(conn, res)
		return
	}

	done := make(chan struct{})
	defer close(done)
	go h.push(conn, updates, gate, done)

	for {
		var msg ws.RequestPayload
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		h.handle(conn, sess, gate, &msg, wsLog)
	}
}

// push forwards watcher updates. Snapshots older than what the client
// already has are dropped.
func (h *WSHandler) push(conn *ws.Conn, updates <-chan service.AttemptUpdate, gate *versionGate, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Snapshot != nil && gate.advance(u.Snapshot.Version) {
				if err := conn.WriteTyped(ws.SnapshotResponse{Event: ws.EventSnapshot, Snapshot: *u.Snapshot}); err != nil {
					return
				}
			}
			if u.Result != nil {
				h.finish(conn, *u.Result)
				return
			}
		}
	}
}

// finish sends the result and closes the stream normally.
func (h *WSHandler) finish(conn *ws.Conn, res model.SessionResult) {
	conn.WriteTyped(ws.ResultResponse{Event: ws.EventResult, Result: res})
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "attempt finished"),
		time.Now().Add(time.Second),
	)
}

func (h *WSHandler) handle(conn *ws.Conn, sess *service.Session, gate *versionGate, msg *ws.RequestPayload, wsLog zerolog.Logger) {
	var (
		snap model.SessionSnapshot
		err  error
	)

	switch msg.Action {
	case ws.ActionPing:
		conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		return

	case ws.ActionSignal:
		if msg.Signal == nil {
			conn.WriteError(msg.RequestID, string(response.ErrInvalidPayload), "signal is required")
			return
		}
		verdict := sess.Signal(*msg.Signal)
		conn.WriteTyped(ws.VerdictResponse{Event: ws.EventVerdict, RequestID: msg.RequestID, Verdict: verdict})
		return

	case ws.ActionSubmit:
		ctx, cancel := context.WithTimeout(context.Background(), wsSubmitTimeout)
		defer cancel()
		// The result reaches the client through push.
		if _, err := sess.Submit(ctx); err != nil {
			h.writeError(conn, msg.RequestID, err, wsLog)
		}
		return

	case ws.ActionNavigate:
		if msg.Index == nil {
			conn.WriteError(msg.RequestID, string(response.ErrInvalidPayload), "index is required")
			return
		}
		snap, err = sess.NavigateTo(*msg.Index)

	case ws.ActionAnswer:
		if msg.QuestionID == "" || msg.Answer == nil {
			conn.WriteError(msg.RequestID, string(response.ErrInvalidPayload), "q_id and answer are required")
			return
		}
		snap, err = sess.Answer(msg.QuestionID, *msg.Answer)

	case ws.ActionClearAnswer:
		snap, err = sess.ClearAnswer(msg.QuestionID)

	case ws.ActionToggleOption:
		if msg.QuestionID == "" || msg.Option == "" {
			conn.WriteError(msg.RequestID, string(response.ErrInvalidPayload), "q_id and option are required")
			return
		}
		snap, err = sess.ToggleOption(msg.QuestionID, msg.Option)

	case ws.ActionWorkspace:
		snap, err = sess.SetWorkspace(msg.QuestionID, msg.Text)

	case ws.ActionReview:
		snap, err = sess.ToggleReview(msg.QuestionID)

	default:
		wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
		conn.WriteError(msg.RequestID, string(response.ErrInvalidPayload), "unknown action: "+string(msg.Action))
		return
	}

	if err != nil {
		h.writeError(conn, msg.RequestID, err, wsLog)
		return
	}

	// The direct reply always goes out so the client can match request_id.
	gate.advance(snap.Version)
	conn.WriteTyped(ws.SnapshotResponse{Event: ws.EventSnapshot, RequestID: msg.RequestID, Snapshot: snap})
}

func (h *WSHandler) writeError(conn *ws.Conn, requestID string, err error, wsLog zerolog.Logger) {
	status, code := attemptError(err)
	if status == http.StatusInternalServerError {
		wsLog.Error().Err(err).Msg("Action failed")
	}
	conn.WriteError(requestID, string(code), response.GetMessage(code))
}

// versionGate tracks the newest snapshot version sent on a connection.
type versionGate struct {
	mu   sync.Mutex
	last uint64
}

// advance records v and reports whether it is newer than anything sent.
func (g *versionGate) advance(v uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v <= g.last {
		return false
	}
	g.last = v
	return true
}

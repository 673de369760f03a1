package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sells-group/diagnosis-cli/internal/progress"
)

const (
	streamBuffer = 16
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// streamEvent is one websocket frame.
type streamEvent struct {
	Progress  progress.State `json:"progress"`
	Message   string         `json:"message"`
	Completed bool           `json:"completed"`
	Removed   bool           `json:"removed,omitempty"`
}

// final reports whether st is the last snapshot a stream will see.
func final(st progress.State) bool {
	return st.Status.Terminal() || st.Removed
}

// handleStream pushes every tracker snapshot of a job to a websocket until the
// job reaches a terminal state, is removed, or the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, ok := s.svc.State(jobID); !ok {
		writeError(w, http.StatusNotFound, "진단 작업을 찾을 수 없습니다")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		zap.L().Warn("api: websocket upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer conn.Close()

	log := zap.L().With(zap.String("job_id", jobID))

	updates := make(chan progress.State, streamBuffer)
	done := make(chan struct{})
	defer close(done)

	// Intermediate snapshots may be dropped when the client is slow; the
	// final one never is.
	subID, ok := s.svc.Subscribe(jobID, func(st progress.State) {
		select {
		case updates <- st:
			return
		default:
		}
		if final(st) {
			select {
			case updates <- st:
			case <-done:
			}
		}
	})
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job removed"),
			time.Now().Add(writeWait))
		return
	}
	defer s.svc.Unsubscribe(jobID, subID)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case st := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteJSON(streamEvent{
				Progress:  st,
				Message:   s.svc.HumanMessage(st),
				Completed: st.Status.Terminal(),
				Removed:   st.Removed,
			})
			if err != nil {
				log.Debug("api: stream write failed", zap.Error(err))
				return
			}
			if final(st) {
				reason := string(st.Status)
				if st.Removed {
					reason = "job removed"
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
					time.Now().Add(writeWait))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

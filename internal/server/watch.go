package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rsclarke/sebcoord/internal/api"
	"github.com/rsclarke/sebcoord/internal/logging"
	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	// Watchers authenticate with an API key, not with cookies.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWatchRooms streams a snapshot of the exam's rooms whenever any
// room's generation changes, is created or is removed.
func (s *APIServer) handleWatchRooms(w http.ResponseWriter, r *http.Request) {
	exam, err := s.exam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	kind := types.RoomKind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		writeErrorMessage(w, http.StatusBadRequest, "unknown room kind")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	log := s.logger().With(logging.ExamID(exam.ID))
	log.Debug("room watcher connected", logging.RemoteIP(r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go readPump(conn, cancel)

	if err := s.watchRooms(ctx, conn, exam.ID, kind); err != nil {
		log.Debug("room watcher closed", zap.Error(err))
	}
}

// readPump discards client messages and cancels the watch once the peer
// goes away or stops answering pings.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *APIServer) watchRooms(ctx context.Context, conn *websocket.Conn, examID int64, kind types.RoomKind) error {
	interval := s.WatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	poll := time.NewTicker(interval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var seen map[int64]int64
	for {
		list, err := s.Rooms.ListRooms(ctx, examID, kind)
		if err != nil {
			return err
		}
		if next, changed := generationsChanged(seen, list); changed {
			seen = next
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(api.RoomsSnapshot{ExamID: examID, Rooms: roomInfos(list)}); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-poll.C:
		}
	}
}

// generationsChanged compares list against the generations previously
// seen. A nil prev always counts as changed.
func generationsChanged(prev map[int64]int64, list []models.ProctoringRoom) (map[int64]int64, bool) {
	next := make(map[int64]int64, len(list))
	changed := prev == nil || len(prev) != len(list)
	for _, r := range list {
		next[r.ID] = r.Generation
		if gen, ok := prev[r.ID]; !ok || gen != r.Generation {
			changed = true
		}
	}
	return next, changed
}

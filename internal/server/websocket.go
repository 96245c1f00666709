package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/raysh454/deployproxy/internal/logging"
	"github.com/raysh454/deployproxy/internal/registry"
)

// StatusMessage is one frame of the build status stream.
type StatusMessage struct {
	Type      string          `json:"type"` // "status" | "log" | "error"
	Status    registry.Status `json:"status,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      string          `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// watchClose cancels the returned context when the peer goes away. The
// peer is not expected to send anything.
func watchClose(ctx context.Context, conn *websocket.Conn) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return ctx, cancel
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// handleStatusWS streams a site's status followed by its build log as it
// grows, ending once the build is no longer running.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	id, err := siteParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	site, err := s.orchestrator.LocalSite(r.Context(), id)
	if err != nil {
		s.fail(w, "getting site", err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	ctx, cancel := watchClose(r.Context(), conn)
	defer cancel()

	if err := conn.WriteJSON(StatusMessage{Type: "status", Status: site.Status, Timestamp: site.Timestamp}); err != nil {
		return
	}
	if site.LogPath == "" {
		closeNormally(conn)
		return
	}

	finished := func() bool {
		cur, err := s.orchestrator.LocalSite(ctx, id)
		return err != nil || cur.Status != registry.StatusBuilding
	}
	send := func(b []byte) error {
		return conn.WriteJSON(StatusMessage{Type: "log", Data: string(b)})
	}
	if err := tailFile(ctx, site.LogPath, s.tailEvery, send, finished); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("tailing build log",
			logging.Field{Key: "site", Value: id},
			logging.Field{Key: "error", Value: err.Error()})
		_ = conn.WriteJSON(StatusMessage{Type: "error", Error: "could not read build log"})
	}

	if cur, err := s.orchestrator.LocalSite(ctx, id); err == nil {
		_ = conn.WriteJSON(StatusMessage{Type: "status", Status: cur.Status, Timestamp: cur.Timestamp})
	}
	closeNormally(conn)
}

// handleJobWS streams the events of a deploy watch job until it ends.
func (s *Server) handleJobWS(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.orchestrator.Job(jobID)
	if err != nil {
		s.fail(w, "getting job", err)
		return
	}
	events, err := s.orchestrator.JobEvents(jobID)
	if err != nil {
		s.fail(w, "getting job", err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	ctx, cancel := watchClose(r.Context(), conn)
	defer cancel()

	_ = conn.WriteJSON(job)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				closeNormally(conn)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

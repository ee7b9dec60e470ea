package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleJobEvents streams one job's state changes as server-sent events and
// ends with a "done" event carrying the final snapshot.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if _, found := s.runner.Job(id); !found {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	// Subscribe before re-reading the status so that no transition is missed.
	ch, unsub := s.runner.Events().Subscribe(id)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}
	flush()

	finish := func() {
		if info, found := s.runner.Job(id); found {
			_ = writeSSEEvent(w, "done", mustJSON(info))
		} else {
			_ = writeSSEEvent(w, "done", "{}")
		}
		flush()
	}

	if info, found := s.runner.Job(id); !found || info.Status.Terminal() {
		finish()
		return
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				finish()
				return
			}
			if err := writeSSEData(w, mustJSON(ev)); err != nil {
				return // client gone
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleEventFeed upgrades to a websocket and pushes every job event as a
// JSON text message until the client disconnects or the runner closes.
func (s *Server) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	// Subscribe first so that events published during the handshake are kept.
	ch, unsub := s.runner.Events().SubscribeAll()
	defer unsub()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Read loop to detect disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "runner closed"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}

// writeSSEData writes a data event. Multi-line strings are split so that
// each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}


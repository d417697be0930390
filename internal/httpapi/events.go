package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ValorenceCLE/iocontrol/internal/engine"
)

// handleEvents streams change events as server-sent events until the
// client goes away or the engine stops.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer cannot flush")
		return
	}

	var filter engine.Filter
	if names := r.URL.Query()["point"]; len(names) > 0 {
		filter = engine.Names(names...)
	}
	sub := s.ctrl.Subscribe(filter)
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// CRITICAL: the subscription exists before the client sees headers,
	// so nothing emitted after the response starts is missed.
	fmt.Fprintf(w, ": subscribed %s\n\n", sub.ID())
	flusher.Flush()

	s.logger.Debug("event stream opened", "subscription", sub.ID())
	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode change event", "point", ev.Name, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: change\ndata: %s\n\n", ev.Seq, data)
			flusher.Flush()
		}
	}
}

package api

import (
	"fmt"
	"net/http"

	"github.com/edgemesh/coordinator/internal/eventbus"
)

// streamTopic adapts an eventbus subscription into a text/event-stream
// response. Per spec §4.5/§5, a disconnected client is detected on next
// send (here, on ctx.Done of the request) and its queue is released.
func (s *Server) streamTopic(topic eventbus.Topic, eventName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeAPIError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub := s.bus.Subscribe(topic)
		defer sub.Close()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if ev.DropCount > 0 {
					fmt.Fprintf(w, "event: %s\ndata: {\"%s_id\":%q,\"drop_count\":%d}\n\n", eventName, idFieldName(eventName), ev.ID, ev.DropCount)
				} else {
					fmt.Fprintf(w, "event: %s\ndata: {\"%s_id\":%q}\n\n", eventName, idFieldName(eventName), ev.ID)
				}
				flusher.Flush()
			}
		}
	}
}

func idFieldName(eventName string) string {
	switch eventName {
	case "node_update":
		return "node"
	case "job_update":
		return "job"
	default:
		return eventName
	}
}

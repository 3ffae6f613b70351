package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"fleettrack/internal/broadcast"
	"fleettrack/internal/model"
)

// sseDefaultTypes are streamed to every text-event-stream client. Location
// updates are opt-in with ?include=location_update.
var sseDefaultTypes = map[model.EventType]bool{
	model.EventOperatorConnected:    true,
	model.EventOperatorDisconnected: true,
	model.EventVehicleArriving:      true,
}

// EventStreamHandler is the fallback for clients that cannot hold a channel
// connection: an initial heartbeat, one every SSEHeartbeat, and the fleet
// events selected above.
func (s *Server) EventStreamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	types := map[model.EventType]bool{}
	for t := range sseDefaultTypes {
		types[t] = true
	}
	for _, v := range strings.Split(r.URL.Query().Get("include"), ",") {
		if t := model.EventType(strings.TrimSpace(v)); t.Valid() {
			types[t] = true
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := s.Broker.Subscribe(broadcast.FleetTopic)
	defer s.Broker.Unsubscribe(broadcast.FleetTopic, ch)

	if err := writeSSE(w, model.EventHeartbeat, model.HeartbeatPayload{Timestamp: time.Now().UTC()}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.Config.SSEHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !types[evt.Type] {
				continue
			}
			if err := writeSSE(w, evt.Type, evt.Data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if err := writeSSE(w, model.EventHeartbeat, model.HeartbeatPayload{Timestamp: time.Now().UTC()}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, t model.EventType, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", t, b)
	return err
}

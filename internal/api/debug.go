package api

import (
	"net/http"
	"time"

	"fleettrack/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	_, redis := s.Broker.(*RedisBroker)
	writeJSON(w, http.StatusOK, map[string]any{
		"build":  buildinfo.Get(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"config": map[string]any{
			"port":         s.Config.Port,
			"authMode":     s.Auth.Mode(),
			"sseHeartbeat": s.Config.SSEHeartbeat.String(),
			"wsPongWait":   s.Config.WSPongWait.String(),
			"hasDatabase":  s.Pool != nil,
			"hasRedis":     redis,
		},
		"vehicles": len(s.Broadcast.Current()),
	})
}

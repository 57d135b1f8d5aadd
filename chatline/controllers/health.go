package controllers

import (
	httputils "chatline/chatline/utils/http"
	"net/http"
)

// RegistryStats is the read-only view of the connection registry.
type RegistryStats interface {
	Rooms() int
	Connections() int
}

type HealthController struct {
	stats RegistryStats
}

func NewHealthController(stats RegistryStats) *HealthController {
	return &HealthController{stats: stats}
}

func (h *HealthController) Welcome(w http.ResponseWriter, r *http.Request) {
	httputils.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Welcome to the Persistent Real-Time Chatbot API!",
	})
}

func (h *HealthController) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if h.stats != nil {
		body["active_rooms"] = h.stats.Rooms()
		body["active_connections"] = h.stats.Connections()
	}
	httputils.WriteJSON(w, http.StatusOK, body)
}

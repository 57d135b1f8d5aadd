package routes

import (
	"chatline/chatline/realtime"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// WSRoutes serves GET /ws/{chat_id}?token=...
func WSRoutes(handler *realtime.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/{chat_id}", func(w http.ResponseWriter, r *http.Request) {
		handler.Serve(w, r, chi.URLParam(r, "chat_id"))
	})
	return r
}

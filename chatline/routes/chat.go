package routes

import (
	"chatline/chatline/controllers"
	"chatline/chatline/middlewares"
	"chatline/chatline/types"
	httputils "chatline/chatline/utils/http"
	"chatline/chatline/utils/logging"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func ChatRoutes(ctrl *controllers.ChatController, authn middlewares.Authenticator) chi.Router {
	r := chi.NewRouter()
	r.Use(middlewares.AuthMiddleware(authn))

	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		var req types.CreateChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputils.WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := req.Validate(); err != nil {
			httputils.WriteError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		room, err := ctrl.CreateRoom(r.Context(), middlewares.UserID(r), req.Title)
		if err != nil {
			writeChatError(w, "create chat", err)
			return
		}
		httputils.WriteJSON(w, http.StatusCreated, room)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		rooms, err := ctrl.ListRooms(r.Context(), middlewares.UserID(r))
		if err != nil {
			writeChatError(w, "list chats", err)
			return
		}
		httputils.WriteJSON(w, http.StatusOK, rooms)
	})

	r.Get("/{chat_id}", func(w http.ResponseWriter, r *http.Request) {
		room, err := ctrl.GetRoom(r.Context(), chi.URLParam(r, "chat_id"), middlewares.UserID(r))
		if err != nil {
			writeChatError(w, "get chat", err)
			return
		}
		httputils.WriteJSON(w, http.StatusOK, room)
	})

	r.Get("/{chat_id}/messages", func(w http.ResponseWriter, r *http.Request) {
		msgs, err := ctrl.GetMessages(r.Context(), chi.URLParam(r, "chat_id"), middlewares.UserID(r))
		if err != nil {
			writeChatError(w, "get messages", err)
			return
		}
		httputils.WriteJSON(w, http.StatusOK, msgs)
	})

	r.Post("/{chat_id}/archive", func(w http.ResponseWriter, r *http.Request) {
		key, err := ctrl.ArchiveRoom(r.Context(), chi.URLParam(r, "chat_id"), middlewares.UserID(r))
		if err != nil {
			writeChatError(w, "archive chat", err)
			return
		}
		httputils.WriteJSON(w, http.StatusOK, types.ArchiveResponse{Key: key})
	})

	r.Get("/{chat_id}/archive", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			httputils.WriteError(w, http.StatusBadRequest, "key query parameter is required")
			return
		}
		data, err := ctrl.GetTranscript(r.Context(), chi.URLParam(r, "chat_id"), middlewares.UserID(r), key)
		if err != nil {
			writeChatError(w, "get transcript", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	})
	return r
}

func writeChatError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, controllers.ErrChatNotFound):
		httputils.WriteError(w, http.StatusNotFound, "Chat not found")
	case errors.Is(err, controllers.ErrTranscriptNotFound):
		httputils.WriteError(w, http.StatusNotFound, "Transcript not found")
	case errors.Is(err, controllers.ErrArchiveUnavailable):
		httputils.WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logging.ErrorLogger.Error(op+" failed", zap.Error(err))
		httputils.WriteError(w, http.StatusInternalServerError, "An unexpected error occurred")
	}
}

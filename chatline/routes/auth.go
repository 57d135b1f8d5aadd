package routes

import (
	"chatline/chatline/controllers"
	"chatline/chatline/middlewares"
	"chatline/chatline/sources/psql/dao"
	"chatline/chatline/types"
	httputils "chatline/chatline/utils/http"
	"chatline/chatline/utils/logging"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func AuthRoutes(ctrl *controllers.AuthController) chi.Router {
	r := chi.NewRouter()
	r.Post("/register", func(w http.ResponseWriter, r *http.Request) {
		var req types.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputils.WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := req.Validate(); err != nil {
			httputils.WriteError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		user, err := ctrl.Register(r.Context(), req)
		if err != nil {
			if errors.Is(err, dao.ErrEmailTaken) {
				httputils.WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			logging.ErrorLogger.Error("register failed", zap.Error(err))
			httputils.WriteError(w, http.StatusInternalServerError, "An unexpected error occurred")
			return
		}
		httputils.WriteJSON(w, http.StatusCreated, user)
	})
	r.Post("/login", func(w http.ResponseWriter, r *http.Request) {
		var req types.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputils.WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := req.Validate(); err != nil {
			httputils.WriteError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		token, user, err := ctrl.Login(r.Context(), req)
		if err != nil {
			if errors.Is(err, controllers.ErrInvalidCredentials) {
				httputils.WriteError(w, http.StatusUnauthorized, err.Error())
				return
			}
			logging.ErrorLogger.Error("login failed", zap.Error(err))
			httputils.WriteError(w, http.StatusInternalServerError, "An unexpected error occurred")
			return
		}
		httputils.WriteJSON(w, http.StatusOK, types.LoginResponse{Token: token, User: user})
	})
	r.With(middlewares.AuthMiddleware(ctrl)).Get("/me", func(w http.ResponseWriter, r *http.Request) {
		user, err := ctrl.Profile(r.Context(), middlewares.UserID(r))
		if err != nil {
			if errors.Is(err, controllers.ErrUserNotFound) {
				httputils.WriteError(w, http.StatusNotFound, "User not found")
				return
			}
			logging.ErrorLogger.Error("get profile failed", zap.Error(err))
			httputils.WriteError(w, http.StatusInternalServerError, "An unexpected error occurred")
			return
		}
		httputils.WriteJSON(w, http.StatusOK, user)
	})
	return r
}

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markb/pushlite/internal/auth"
)

type contextKey string

// AppContextKey carries the authenticated application through a request.
const AppContextKey contextKey = "app"

// authenticate is the un-bypassable gate in front of every control-plane
// handler: the request signature must verify against the application
// resolved from both the path id and the auth_key parameter.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appID := chi.URLParam(r, "appId")

		app, err := h.gate.Authenticate(appID, r.Method, r.URL.Path, r.URL.Query())
		if err != nil {
			if errors.Is(err, auth.ErrMissingCredential) {
				writeError(w, http.StatusBadRequest, "Required auth_key")
				return
			}
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}

		ctx := context.WithValue(r.Context(), AppContextKey, app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AppFromContext returns the authenticated application of a request.
func AppFromContext(ctx context.Context) *auth.Application {
	app, _ := ctx.Value(AppContextKey).(*auth.Application)
	return app
}

package core

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter registers the server's routes. When limiter is set, the login flow and session
// routes are rate limited per client IP; /health never is.
func NewRouter(server *Server, limiter *RateLimiter, metrics *Metrics) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", server.HandleHealth).Methods(http.MethodGet)

	limited := r.NewRoute().Subrouter()
	if limiter != nil {
		limited.Use(limiter.Middleware(metrics))
	}

	limited.HandleFunc("/auth/{provider}/login", server.HandleProviderLogin).Methods(http.MethodGet)
	limited.HandleFunc("/auth/{provider}/callback", server.HandleProviderCallback).Methods(http.MethodGet)
	limited.HandleFunc("/auth/exchange-code", server.HandleExchangeCode).Methods(http.MethodPost)

	limited.HandleFunc("/refresh", server.HandleRefresh).Methods(http.MethodPost)
	limited.HandleFunc("/logout", server.HandleLogout).Methods(http.MethodPost)
	limited.HandleFunc("/logout-all", server.HandleLogoutAll).Methods(http.MethodPost)
	limited.HandleFunc("/userinfo", server.HandleUserInfo).Methods(http.MethodGet)

	return r
}

// routeName is the matched path template, so metrics don't carry raw paths
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

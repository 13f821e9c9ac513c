package httpx

import (
	"log/slog"
	"net/http"
)

// RouteRegistrar mounts an application's routes on a mux.
type RouteRegistrar interface {
	Register(mux *http.ServeMux)
}

func NewRouter(log *slog.Logger, apps ...RouteRegistrar) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	for _, app := range apps {
		app.Register(mux)
	}

	var h http.Handler = mux
	h = RequestID(h)
	h = AccessLog(log)(h)

	return h
}

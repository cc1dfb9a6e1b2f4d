package router

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	v1 "github.com/tinoosan/dlgroup/api/v1"
	"github.com/tinoosan/dlgroup/internal/auth"
	"github.com/tinoosan/dlgroup/internal/service"
)

// Pinger reports whether the process can accept work.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New sets up the application routes and required middleware.
func New(logger *slog.Logger, svc service.Groups, ready Pinger, token string) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")
	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := ready.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	groupHandler := v1.NewGroupHandler(logger, svc)

	r.Use(v1.RequestID)
	r.Use(groupHandler.Log)
	r.Use(auth.Middleware(token))

	api := r.PathPrefix("/v1").Subrouter()

	// GETs
	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/groups", groupHandler.GetGroups)
	get.HandleFunc("/groups/{key}", groupHandler.GetGroup)
	get.HandleFunc("/groups/{key}/tasks/{id}", groupHandler.GetTask)
	get.HandleFunc("/groups/{key}/events", groupHandler.WatchGroup)
	get.HandleFunc("/events", groupHandler.GetEvents)

	// POSTs
	post := api.Methods("POST").Subrouter()
	post.HandleFunc("/groups", groupHandler.AddGroup)
	post.HandleFunc("/groups/{key}/tasks", groupHandler.AddTask)

	// PATCHes
	patch := api.Methods("PATCH").Subrouter()
	patch.HandleFunc("/groups/{key}", groupHandler.UpdateGroup)
	patch.Use(v1.MiddlewarePatchDesired)

	// DELETEs
	del := api.Methods("DELETE").Subrouter()
	del.HandleFunc("/groups/{key}", groupHandler.DeleteGroup)
	del.HandleFunc("/tempfiles", groupHandler.DeleteTempFile)

	return r
}

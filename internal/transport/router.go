package transport

import "net/http"

type Handler interface {
	jobs(w http.ResponseWriter, r *http.Request)
	jobByID(w http.ResponseWriter, r *http.Request)
	healthz(w http.ResponseWriter, r *http.Request)
}

type router struct {
	h Handler
}

func NewRouter(h Handler) *router {
	return &router{h: h}
}

func (r *router) MountRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc("/jobs", r.h.jobs)
	mux.HandleFunc("/jobs/", r.h.jobByID)
	mux.HandleFunc("/healthz", r.h.healthz)

	return mux
}

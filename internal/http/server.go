package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, jwtSecret []byte) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/meetups", func(r chi.Router) {
		r.Use(Auth(jwtSecret))
		r.Post("/", handler.CreateMeetup)
		r.Get("/{meetupId}", handler.GetMeetup)
		r.Post("/{meetupId}/location", handler.ReportLocation)
		r.Post("/{meetupId}/arrive", handler.Arrive)
		r.Post("/{meetupId}/verification-code", handler.IssueCode)
		r.Post("/{meetupId}/verify", handler.Verify)
		r.Post("/{meetupId}/cancel", handler.Cancel)
		r.Get("/{meetupId}/proximity", handler.Proximity)
		r.Get("/{meetupId}/ws", handler.Watch)
	})

	return &Server{Router: r}
}

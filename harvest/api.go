package harvest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Routes returns the HTTP admin API.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.Tasks())
		})

		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				status, err := s.Status(req.Context(), chi.URLParam(req, "taskID"))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, status)
			})

			r.Post("/run", func(w http.ResponseWriter, req *http.Request) {
				force := req.URL.Query().Get("force") == "true"
				report, err := s.RunTask(req.Context(), chi.URLParam(req, "taskID"), force)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, report)
			})

			r.Post("/reset", func(w http.ResponseWriter, req *http.Request) {
				n, err := s.Reset(req.Context(), chi.URLParam(req, "taskID"))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
			})

			r.Get("/chunks", func(w http.ResponseWriter, req *http.Request) {
				chunks, err := s.Chunks(req.Context(), chi.URLParam(req, "taskID"))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, chunks)
			})

			r.Get("/events", func(w http.ResponseWriter, req *http.Request) {
				limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
				events, err := s.Events(req.Context(), chi.URLParam(req, "taskID"), limit)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, events)
			})
		})
	})

	r.Get("/api/stores", func(w http.ResponseWriter, _ *http.Request) {
		stats, err := s.StoreStats()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownTask):
		code = http.StatusNotFound
	case errors.Is(err, ErrTaskRunning):
		code = http.StatusConflict
	case errors.Is(err, ErrInvalidConfig):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

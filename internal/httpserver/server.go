// Package httpserver exposes the coordination engine over HTTP. The layer is
// deliberately thin: it decodes requests, calls the coordinator or queue, and
// maps outcomes to status codes. Authentication sits in front of this service
// and is not handled here.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/parcelgrid/hubcoord/internal/coordinator"
	"github.com/parcelgrid/hubcoord/internal/queue"
	"github.com/parcelgrid/hubcoord/internal/store"
)

type Server struct {
	coord *coordinator.Coordinator
	queue *queue.Queue
	store store.Store
}

func New(coord *coordinator.Coordinator, q *queue.Queue, st store.Store) *Server {
	return &Server{coord: coord, queue: q, store: st}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/resources", s.handleCreateResource)
		r.Get("/resources/{id}", s.handleGetResource)

		r.Post("/allocations", s.handleAllocate)
		r.Get("/allocations/{id}", s.handleGetAllocation)
		r.Post("/allocations/{id}/release", s.handleRelease)

		r.Post("/jobs", s.handleEnqueueJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)

		r.Get("/deadletters", s.handleListDeadLetters)
		r.Get("/deadletters/{id}", s.handleGetDeadLetter)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createResourceBody struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Capacity int64  `json:"capacity"`
}

func (s *Server) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	var body createResourceBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	unit, err := s.coord.ProvisionResource(r.Context(), store.ResourceInput{
		ID:       body.ID,
		Name:     body.Name,
		Capacity: body.Capacity,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			respondError(w, http.StatusConflict, "resource already exists")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, unit)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	unit, err := s.coord.GetResource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "resource not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, unit)
}

type allocateBody struct {
	ResourceID     string `json:"resourceId"`
	Amount         int64  `json:"amount"`
	RequesterID    string `json:"requesterId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var body allocateBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	alloc, err := s.coord.Allocate(r.Context(), coordinator.AllocateInput{
		ResourceID:     body.ResourceID,
		Amount:         body.Amount,
		RequesterID:    body.RequesterID,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		if rej, ok := coordinator.AsRejection(err); ok {
			respondJSON(w, http.StatusConflict, map[string]string{
				"error":  "allocation rejected",
				"reason": rej.Reason,
			})
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "resource not found")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, alloc)
}

func (s *Server) handleGetAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	alloc, err := s.coord.GetAllocation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "allocation not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, alloc)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	alloc, err := s.coord.Release(r.Context(), id)
	if err != nil {
		if rej, ok := coordinator.AsRejection(err); ok {
			respondJSON(w, http.StatusConflict, map[string]string{
				"error":  "release rejected",
				"reason": rej.Reason,
			})
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "allocation not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, alloc)
}

type enqueueBody struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var body enqueueBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.queue.Enqueue(r.Context(), body.Kind, body.Payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	job, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	record, err := s.queue.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		if errors.Is(err, store.ErrInvalidState) {
			respondError(w, http.StatusConflict, "only pending jobs can be cancelled")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListDeadLetters(r.Context(), 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"deadLetters": records,
	})
}

func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	record, err := s.store.GetDeadLetter(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

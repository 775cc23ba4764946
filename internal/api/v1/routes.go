// Package v1 provides the chunk service REST handlers.
package v1

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/chunksync/internal/api/common"
	"github.com/stacklok/chunksync/internal/chunk"
	"github.com/stacklok/chunksync/internal/remote"
)

// MaxBatchSize bounds the number of chunks accepted by one bulk create
const MaxBatchSize = 1000

// Routes serves a remote.Service over HTTP
type Routes struct {
	service remote.Service
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc remote.Service) *Routes {
	return &Routes{service: svc}
}

// Router creates the /api/v1 router
func Router(svc remote.Service) http.Handler {
	routes := NewRoutes(svc)

	r := chi.NewRouter()
	r.Post("/chunks/batch", routes.batchCreate)
	r.Get("/chunks/{id}", routes.getChunk)
	r.Patch("/chunks/{id}", routes.updateChunk)
	r.Delete("/chunks/{id}", routes.deleteChunk)

	return r
}

func (rt *Routes) batchCreate(w http.ResponseWriter, r *http.Request) {
	var req remote.BatchCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.WriteErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Chunks) == 0 {
		common.WriteErrorResponse(w, "chunks cannot be empty", http.StatusBadRequest)
		return
	}
	if len(req.Chunks) > MaxBatchSize {
		common.WriteErrorResponse(w, "too many chunks in one batch", http.StatusRequestEntityTooLarge)
		return
	}

	created, err := rt.service.BatchCreate(r.Context(), req.Chunks)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	common.WriteJSONResponse(w, remote.BatchCreateResponse{Chunks: created}, http.StatusCreated)
}

func (rt *Routes) getChunk(w http.ResponseWriter, r *http.Request) {
	id, err := common.ChunkID(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	c, err := rt.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	common.WriteJSONResponse(w, c, http.StatusOK)
}

func (rt *Routes) updateChunk(w http.ResponseWriter, r *http.Request) {
	id, err := common.ChunkID(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	var c chunk.Chunk
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		common.WriteErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := rt.service.Update(r.Context(), id, c)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	common.WriteJSONResponse(w, updated, http.StatusOK)
}

func (rt *Routes) deleteChunk(w http.ResponseWriter, r *http.Request) {
	id, err := common.ChunkID(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := rt.service.Delete(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, remote.ErrNotFound) {
		common.WriteErrorResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	slog.Warn("Chunk service call failed", "error", err)
	common.WriteErrorResponse(w, err.Error(), http.StatusInternalServerError)
}

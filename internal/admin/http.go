package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/tilecache/internal/core/middleware"
	"github.com/mohammed-shakir/tilecache/internal/core/model"
)

const maxBodyBytes = 1 << 20

// Routes mounts the layer and cube administration endpoints.
func (s *Service) Routes(r chi.Router) {
	r.Post("/layers", s.handleCreateLayer)
	r.Get("/layers/{id}", s.handleGetLayer)
	r.Put("/layers/{id}", s.handleUpdateLayer)

	r.Post("/cubes", s.handleCreateCube)
	r.Get("/cubes/{id}", s.handleGetCube)
	r.Post("/cubes/{id}/datasets", s.handleAddDataset)
	r.Put("/cubes/{id}/datasets", s.handleReplaceDatasets)
	r.Delete("/cubes/{id}/datasets/{datasetId}", s.handleRemoveDataset)
	r.Put("/cubes/{id}/mask", s.handleSetMask)
	r.Put("/cubes/{id}/style", s.handleUpdateCubeStyle)
}

func (s *Service) handleCreateLayer(w http.ResponseWriter, r *http.Request) {
	var req CreateLayerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AccessToken == "" {
		req.AccessToken = middleware.Token(r.Context())
	}
	l, err := s.CreateLayer(r.Context(), req)
	s.respond(w, r, http.StatusCreated, l, err)
}

func (s *Service) handleGetLayer(w http.ResponseWriter, r *http.Request) {
	l, err := s.GetLayer(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, l, err)
}

func (s *Service) handleUpdateLayer(w http.ResponseWriter, r *http.Request) {
	var req UpdateLayerRequest
	if !s.decode(w, r, &req) {
		return
	}
	l, err := s.UpdateLayer(r.Context(), chi.URLParam(r, "id"), req)
	s.respond(w, r, http.StatusOK, l, err)
}

func (s *Service) handleCreateCube(w http.ResponseWriter, r *http.Request) {
	var req CreateCubeRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.CreateCube(r.Context(), req)
	s.respond(w, r, http.StatusCreated, c, err)
}

func (s *Service) handleGetCube(w http.ResponseWriter, r *http.Request) {
	c, err := s.GetCube(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, c, err)
}

func (s *Service) handleAddDataset(w http.ResponseWriter, r *http.Request) {
	var d DatasetInput
	if !s.decode(w, r, &d) {
		return
	}
	c, err := s.AddDataset(r.Context(), chi.URLParam(r, "id"), d)
	s.respond(w, r, http.StatusOK, c, err)
}

func (s *Service) handleReplaceDatasets(w http.ResponseWriter, r *http.Request) {
	var ds []DatasetInput
	if !s.decode(w, r, &ds) {
		return
	}
	c, err := s.ReplaceDatasets(r.Context(), chi.URLParam(r, "id"), ds)
	s.respond(w, r, http.StatusOK, c, err)
}

func (s *Service) handleRemoveDataset(w http.ResponseWriter, r *http.Request) {
	c, err := s.RemoveDataset(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "datasetId"))
	s.respond(w, r, http.StatusOK, c, err)
}

func (s *Service) handleSetMask(w http.ResponseWriter, r *http.Request) {
	var mask json.RawMessage
	if !s.decode(w, r, &mask) {
		return
	}
	if string(mask) == "null" {
		mask = nil
	}
	c, err := s.SetMask(r.Context(), chi.URLParam(r, "id"), mask)
	s.respond(w, r, http.StatusOK, c, err)
}

func (s *Service) handleUpdateCubeStyle(w http.ResponseWriter, r *http.Request) {
	var req UpdateCubeStyleRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.UpdateCubeStyle(r.Context(), chi.URLParam(r, "id"), req)
	s.respond(w, r, http.StatusOK, c, err)
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		s.respond(w, r, 0, nil, fmt.Errorf("%w: decode body: %w", model.ErrInvalidRequest, err))
		return false
	}
	return true
}

type errorBody struct {
	Error *Error `json:"error"`
}

func (s *Service) respond(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		ae := AsError(err)
		if ae.Status >= http.StatusInternalServerError {
			s.log.ErrorContext(r.Context(), "admin request failed", "path", r.URL.Path, "code", ae.Code, "err", err)
		}
		w.WriteHeader(ae.Status)
		_ = json.NewEncoder(w).Encode(errorBody{Error: ae})
		return
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

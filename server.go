package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/orian/vizguard/dataset"
	"github.com/orian/vizguard/logctx"
	"github.com/orian/vizguard/models"
	"github.com/orian/vizguard/query"
	"github.com/orian/vizguard/safety"
)

// ClickHouseConn is the part of a ClickHouse connection the server uses.
type ClickHouseConn interface {
	dataset.ClickHouseQuerier
	Ping(ctx context.Context) error
}

// Server handles HTTP requests and coordinates between the dataset store and
// the query service.
type Server struct {
	store   *dataset.Store
	service *query.Service

	// ch is nil when no ClickHouse server is configured.
	ch ClickHouseConn
}

func NewServer(store *dataset.Store, service *query.Service, ch ClickHouseConn) *Server {
	return &Server{
		store:   store,
		service: service,
		ch:      ch,
	}
}

// Routes builds the router. logger becomes the base of every request logger.
func (s *Server) Routes(logger *slog.Logger, origins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		// Queries
		r.Post("/query/visualize", s.handleVisualize)
		r.Post("/query/scatter", s.handleScatter)
		r.Post("/query/table", s.handleTable)
		r.Post("/query/progressive", s.handleProgressive)
		r.Post("/query/explain", s.handleExplain)

		// Datasets
		r.Get("/datasets", s.handleListDatasets)
		r.Post("/datasets", s.handleLoadFile)
		r.Delete("/datasets", s.handleClearDatasets)
		r.Post("/datasets/clickhouse", s.handleImportClickHouse)
		r.Post("/datasets/{datasetId}/activate", s.handleActivateDataset)
		r.Delete("/datasets/{datasetId}", s.handleRemoveDataset)

		r.Get("/policies", s.handleGetPolicies)
		r.Get("/server/ping", s.handlePing)
	})
	return r
}

// requestLogger stores a logger tagged with the request ID in the request
// context.
func requestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := base.With(slog.String("request_id", middleware.GetReqID(r.Context())))
			next.ServeHTTP(w, r.WithContext(logctx.WithLogger(r.Context(), logger)))
		})
	}
}

// progressiveRequest is the body of progressive and explain queries.
type progressiveRequest struct {
	Spec models.VisualizationSpec `json:"spec"`
	Zoom *models.ZoomContext      `json:"zoom,omitempty"`
}

func (s *Server) handleVisualize(w http.ResponseWriter, r *http.Request) {
	var spec models.VisualizationSpec
	if !decode(w, r, &spec) {
		return
	}
	data, err := s.service.Visualize(r.Context(), spec)
	respond(w, r, data, err)
}

func (s *Server) handleScatter(w http.ResponseWriter, r *http.Request) {
	var spec models.VisualizationSpec
	if !decode(w, r, &spec) {
		return
	}
	data, err := s.service.Scatter(r.Context(), spec)
	respond(w, r, data, err)
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	var req models.TableRequest
	if !decode(w, r, &req) {
		return
	}
	data, err := s.service.Table(r.Context(), req)
	respond(w, r, data, err)
}

func (s *Server) handleProgressive(w http.ResponseWriter, r *http.Request) {
	var req progressiveRequest
	if !decode(w, r, &req) {
		return
	}
	zoom := models.DefaultView()
	if req.Zoom != nil {
		zoom = *req.Zoom
	}
	data, err := s.service.Progressive(r.Context(), req.Spec, zoom)
	respond(w, r, data, err)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req progressiveRequest
	if !decode(w, r, &req) {
		return
	}
	plan, err := s.service.Explain(r.Context(), req.Spec, req.Zoom)
	respond(w, r, plan, err)
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if list == nil {
		list = []*models.DatasetInfo{}
	}
	respond(w, r, list, err)
}

func (s *Server) handleLoadFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		Name string `json:"name,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, r, &models.ValidationError{Err: errors.New("path is required")})
		return
	}
	info, err := s.store.LoadFile(r.Context(), req.Path, req.Name)
	respond(w, r, info, err)
}

func (s *Server) handleImportClickHouse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
		Name  string `json:"name,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if s.ch == nil {
		writeError(w, r, &models.ValidationError{Err: errors.New("ClickHouse is not configured")})
		return
	}
	info, err := s.store.ImportClickHouse(r.Context(), s.ch, req.Query, req.Name)
	respond(w, r, info, err)
}

func (s *Server) handleActivateDataset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "datasetId")
	if err := s.store.Activate(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.store.Get(r.Context(), id)
	respond(w, r, info, err)
}

func (s *Server) handleRemoveDataset(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Remove(r.Context(), chi.URLParam(r, "datasetId")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearDatasets(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPolicies(w http.ResponseWriter, r *http.Request) {
	respond(w, r, safety.Policies(), nil)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"has_data":  s.store.HasData(),
		"timestamp": time.Now().Unix(),
	}
	if s.ch != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		err := s.ch.Ping(ctx)
		response["clickhouse_connected"] = err == nil
		if err != nil {
			response["error"] = err.Error()
			logctx.FromContext(r.Context()).Warn("ClickHouse ping failed", slog.Any("error", err))
		}
	}
	respond(w, r, response, nil)
}

// decode reads a JSON body into dst. It writes a parse error and returns
// false when the body is malformed.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, &models.ParseError{Err: fmt.Errorf("request body: %w", err)})
		return false
	}
	return true
}

func respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the wire form of every error.
type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusClientClosedRequest is nginx's status for requests the client gave up on.
const statusClientClosedRequest = 499

func statusFor(kind string) int {
	switch kind {
	case "column_not_found", "dataset_not_found", "file_not_found":
		return http.StatusNotFound
	case "type_mismatch", "validation", "safety_block", "cardinality_exceeded",
		"memory_budget_exceeded", "too_many_points", "unsupported_format":
		return http.StatusUnprocessableEntity
	case "parse_error":
		return http.StatusBadRequest
	case "no_data":
		return http.StatusConflict
	case "query_cancelled":
		return statusClientClosedRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := models.ErrorKind(err)
	status := statusFor(kind)
	logger := logctx.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", slog.String("kind", kind), slog.Any("error", err))
	} else {
		logger.Debug("Request rejected", slog.String("kind", kind), slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Kind: kind, Message: err.Error()})
}

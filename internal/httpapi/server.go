package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/merlin/internal/config"
	"github.com/antoniostano/merlin/internal/gateway"
	"github.com/antoniostano/merlin/internal/mr"
	"github.com/antoniostano/merlin/internal/observability"
	"github.com/antoniostano/merlin/internal/pipeline"
	"github.com/antoniostano/merlin/internal/store"
)

const exportFileName = "merlin_relations_export.json"

type Server struct {
	cfg      config.Config
	pipe     *pipeline.Pipeline
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, pipe *pipeline.Pipeline, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		pipe:    pipe,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up; non-browser clients
				// that omit Origin are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/chat/messages", s.handleSubmit)
	r.Get("/v1/chat/messages", s.handleGetTranscript)
	r.Delete("/v1/chat/messages", s.handleClearTranscript)
	r.Get("/v1/chat/ws", s.handleEventsWS)

	r.Get("/v1/relations", s.handleListRelations)
	r.Delete("/v1/relations", s.handleClearRelations)
	r.Post("/v1/relations/{id}/status", s.handleUpdateStatus)
	r.Delete("/v1/relations/{id}", s.handleDeleteRelation)
	r.Get("/v1/relations/export", s.handleExport)
	r.Post("/v1/relations/import", s.handleImport)

	r.Put("/v1/attachments/{kind}", s.handleSetAttachment)
	r.Delete("/v1/attachments/{kind}", s.handleClearAttachment)

	r.Get("/v1/config", s.handleGetConfig)
	r.Put("/v1/config", s.handleUpdateConfig)
	r.Put("/v1/config/gateway", s.handleUpdateGateway)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"busy":   s.pipe.Busy(),
	})
}

type submitRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	err := s.pipe.Submit(r.Context(), req.Input)
	switch {
	case errors.Is(err, pipeline.ErrEmptyInput):
		respondError(w, http.StatusBadRequest, "empty_input", err.Error())
		return
	case errors.Is(err, pipeline.ErrBusy):
		respondError(w, http.StatusConflict, "pipeline_busy", err.Error())
		return
	case errors.Is(err, gateway.ErrExtraction):
		s.respondSubmitState(w, r, http.StatusBadGateway, "extraction_failed")
		return
	case errors.Is(err, gateway.ErrGeneration):
		s.respondSubmitState(w, r, http.StatusBadGateway, "generation_failed")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	s.respondSubmitState(w, r, http.StatusOK, "")
}

// respondSubmitState returns the post-run view: the transcript already
// contains the user turn and the model reply (or error turn), and the error
// slot carries the visible failure message when one occurred.
func (s *Server) respondSubmitState(w http.ResponseWriter, r *http.Request, status int, code string) {
	turns, err := s.pipe.Transcript(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	body := map[string]any{
		"transcript": turns,
		"error":      s.pipe.Err(),
	}
	if code != "" {
		body["code"] = code
	}
	respondJSON(w, status, body)
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	turns, err := s.pipe.Transcript(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"transcript": turns})
}

func (s *Server) handleClearTranscript(w http.ResponseWriter, r *http.Request) {
	if err := s.pipe.ClearTranscript(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRelations(w http.ResponseWriter, r *http.Request) {
	rels, err := s.pipe.Relations(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := mr.ParseStatus(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_status", err.Error())
			return
		}
		filtered := make([]mr.Relation, 0, len(rels))
		for _, rel := range rels {
			if rel.Status == status {
				filtered = append(filtered, rel)
			}
		}
		rels = filtered
	}

	respondJSON(w, http.StatusOK, map[string]any{"relations": rels})
}

func (s *Server) handleClearRelations(w http.ResponseWriter, r *http.Request) {
	if err := s.pipe.ClearRelations(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_relation_id", "missing relation id")
		return
	}

	var req updateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	status, err := mr.ParseStatus(req.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_status", err.Error())
		return
	}

	if err := s.pipe.UpdateStatus(r.Context(), id, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "relation_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "status": status})
}

func (s *Server) handleDeleteRelation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_relation_id", "missing relation id")
		return
	}
	if err := s.pipe.DeleteRelation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "relation_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	rels, err := s.pipe.ExportRelations(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	data, err := json.MarshalIndent(rels, "", "  ")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+exportFileName+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.pipe.ImportRelations(r.Context(), raw); err != nil {
		if errors.Is(err, pipeline.ErrMalformedImport) {
			respondError(w, http.StatusBadRequest, "malformed_import", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	rels, err := s.pipe.Relations(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"imported": len(rels)})
}

func (s *Server) handleSetAttachment(w http.ResponseWriter, r *http.Request) {
	kind := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "kind")))

	var file mr.ContextFile
	if err := decodeJSON(r, &file); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.setAttachment(kind, &file); err != nil {
		if errors.Is(err, mr.ErrNotText) {
			respondError(w, http.StatusBadRequest, "file_not_text", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_attachment_kind", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"kind": kind, "name": file.Name})
}

func (s *Server) handleClearAttachment(w http.ResponseWriter, r *http.Request) {
	kind := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "kind")))
	if err := s.setAttachment(kind, nil); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_attachment_kind", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setAttachment(kind string, file *mr.ContextFile) error {
	switch kind {
	case "specification":
		return s.pipe.SetSpecificationFile(file)
	case "demo":
		return s.pipe.SetDemoFile(file)
	default:
		return errors.New("attachment kind must be specification or demo")
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.pipe.Settings())
}

type updateConfigRequest struct {
	Model        *string `json:"model"`
	SystemPrompt *string `json:"system_prompt"`
	Language     *string `json:"language"`
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req updateConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Model != nil {
		s.pipe.SetModel(strings.TrimSpace(*req.Model))
	}
	if req.SystemPrompt != nil {
		s.pipe.SetSystemPrompt(*req.SystemPrompt)
	}
	if req.Language != nil {
		s.pipe.SetLanguage(strings.TrimSpace(*req.Language))
	}
	respondJSON(w, http.StatusOK, s.pipe.Settings())
}

type updateGatewayRequest struct {
	Mode          string `json:"mode"`
	OpenAIBaseURL string `json:"openai_base_url"`
	OpenAIAPIKey  string `json:"openai_api_key"`
	GeminiBaseURL string `json:"gemini_base_url"`
	GeminiAPIKey  string `json:"gemini_api_key"`
}

func (s *Server) handleUpdateGateway(w http.ResponseWriter, r *http.Request) {
	var req updateGatewayRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	err := s.pipe.ConfigureGateway(gateway.Config{
		Mode:          req.Mode,
		OpenAIBaseURL: req.OpenAIBaseURL,
		OpenAIAPIKey:  req.OpenAIAPIKey,
		GeminiBaseURL: req.GeminiBaseURL,
		GeminiAPIKey:  req.GeminiAPIKey,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_gateway_config", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"mode": req.Mode})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

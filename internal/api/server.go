package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/chorus/internal/event"
	"github.com/MikeSquared-Agency/chorus/internal/session"
	"github.com/MikeSquared-Agency/chorus/internal/store"
)

// maxBody caps request bodies; transcript requests carry fallback items.
const maxBody = 4 << 20

type Server struct {
	router  *chi.Mux
	port    int
	svc     *session.Service
	backend string
	http    *http.Server
}

func NewServer(port int, apiToken string, svc *session.Service, backend string) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:  router,
		port:    port,
		svc:     svc,
		backend: backend,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/chorus/status", s.status)

	router.Route("/api/v1/sessions", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Use(middleware.RequestSize(maxBody))
		r.Post("/", s.createSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Post("/messages", s.submitMessage)
			r.Get("/events", s.listEvents)
			r.Post("/events", s.ingestEvents)
			r.Post("/agent", s.setAgent)
			r.Get("/transcript", s.transcript)
			r.Post("/transcript", s.transcript)
		})
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{Addr: addr, Handler: s.router}
	slog.Info("API server starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":        "chorus",
		"status":       "ok",
		"store":        s.backend,
		"dedup_window": s.svc.Policy().DedupWindow.String(),
	})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	sess, err := s.svc.CreateSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitRequest struct {
	Text            string `json:"text"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

type submitResponse struct {
	Event     event.Event `json:"event"`
	Duplicate bool        `json:"duplicate"`
}

func (s *Server) submitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	e, dup, err := s.svc.Submit(r.Context(), chi.URLParam(r, "id"), req.Text, req.ClientMessageID)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusCreated
	if dup {
		code = http.StatusOK
	}
	writeJSON(w, code, submitResponse{Event: e, Duplicate: dup})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	var opts store.ListOptions
	q := r.URL.Query()
	if v := q.Get("since"); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, fmt.Errorf("%w: invalid since: %v", session.ErrInvalid, err))
			return
		}
		opts.SinceSeq = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, fmt.Errorf("%w: invalid limit %q", session.ErrInvalid, v))
			return
		}
		opts.Limit = limit
	}

	events, err := s.svc.Events(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// ingestEvents accepts one event object or an array of them.
func (s *Server) ingestEvents(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !decodeBody(w, r, &raw, false) {
		return
	}
	var events []event.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		var one event.Event
		if err := json.Unmarshal(raw, &one); err != nil {
			writeError(w, fmt.Errorf("%w: invalid event: %v", session.ErrInvalid, err))
			return
		}
		events = []event.Event{one}
	}

	stored, err := s.svc.IngestBatch(r.Context(), chi.URLParam(r, "id"), events)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"events": stored, "count": len(stored)})
}

type agentRequest struct {
	AgentName string `json:"agent_name"`
}

func (s *Server) setAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	e, err := s.svc.SetActiveAgent(r.Context(), chi.URLParam(r, "id"), req.AgentName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_agent_id": req.AgentName, "event": e})
}

func (s *Server) transcript(w http.ResponseWriter, r *http.Request) {
	var req session.TranscriptRequest
	if r.Method == http.MethodPost && !decodeBody(w, r, &req, true) {
		return
	}
	res, err := s.svc.Transcript(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decodeBody reads a JSON body into v. An empty body is accepted only when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	if r.ContentLength == 0 && optional {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, fmt.Errorf("%w: invalid JSON: %v", session.ErrInvalid, err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, session.ErrInvalid):
		code = http.StatusBadRequest
	default:
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

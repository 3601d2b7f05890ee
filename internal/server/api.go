package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/erg0nix/notebookd/internal/cell"
	"github.com/erg0nix/notebookd/internal/core"
	"github.com/erg0nix/notebookd/internal/errs"
	"github.com/erg0nix/notebookd/internal/session"
	"github.com/erg0nix/notebookd/internal/wire"
)

type CreateRequest struct {
	Directory string            `json:"directory,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Cells     []json.RawMessage `json:"cells,omitempty"`
}

type CreateResponse struct {
	ID    core.SessionID `json:"id"`
	Topic string         `json:"topic"`
}

type ListResponse struct {
	Sessions []session.Info `json:"sessions"`
}

type Status struct {
	Bind      string `json:"bind"`
	DataDir   string `json:"dataDir"`
	StartedAt string `json:"startedAt"`
	Uptime    string `json:"uptime"`
	Sessions  int    `json:"sessions"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxMessage))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errs.ErrInvalidMessage, err))
		return
	}

	cfg := session.Config{Directory: req.Directory, Metadata: req.Metadata}
	for _, raw := range req.Cells {
		c, err := cell.Decode(bytes.TrimSpace(raw))
		if err != nil {
			s.writeError(w, err)
			return
		}
		cfg.Cells = append(cfg.Cells, c)
	}

	id, err := s.manager.Create(r.Context(), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, CreateResponse{ID: id, Topic: id.Topic()})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, ListResponse{Sessions: s.manager.List()})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	id := core.SessionID(r.PathValue("id"))
	if err := s.manager.Close(id, "closed by request"); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, Status{
		Bind:      s.opts.Bind,
		DataDir:   s.opts.DataDir,
		StartedAt: s.started.Format(time.RFC3339),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Sessions:  len(s.manager.List()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(errs.KindOf(err))
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, wire.NewError("", err))
}

func statusOf(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindStaleBase:
		return http.StatusConflict
	case errs.KindUnavailable:
		return http.StatusBadGateway
	case errs.KindExhausted:
		return http.StatusServiceUnavailable
	case errs.KindBusy:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

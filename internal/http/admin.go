// Package httpadmin is the local control surface: start, stop and inspect
// ingestion, and manage API keys.
package httpadmin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/ingest"
	"github.com/you/chatrelay/internal/vault"
)

type Controller interface {
	Start(ctx context.Context, req ingest.StartRequest) error
	Stop(reason string)
	Status() ingest.Status
}

type KeyVault interface {
	Reload() (vault.Status, error)
	Status() vault.Status
	SetUserKey(key string)
	ResetPrimary()
}

type Server struct {
	ctl           Controller
	keys          KeyVault
	preferPrimary bool
}

// New builds the control handlers. keys may be nil when no vault is in use.
func New(ctl Controller, keys KeyVault, preferPrimary bool) *Server {
	return &Server{ctl: ctl, keys: keys, preferPrimary: preferPrimary}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/control/start", s.post(s.handleStart))
	mux.HandleFunc("/control/stop", s.post(s.handleStop))
	mux.HandleFunc("/control/status", s.handleStatus)
	mux.HandleFunc("/control/keys/reload", s.post(s.handleKeysReload))
	mux.HandleFunc("/control/keys/user", s.post(s.handleUserKey))
}

func (s *Server) post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

type startBody struct {
	Mode          string `json:"mode"`
	VideoID       string `json:"video_id"`
	PreferPrimary *bool  `json:"prefer_primary"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	mode, err := core.ParseMode(body.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := ingest.StartRequest{Mode: mode, Target: body.VideoID, PreferPrimary: s.preferPrimary}
	if body.PreferPrimary != nil {
		req.PreferPrimary = *body.PreferPrimary
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.ctl.Start(ctx, req); err != nil {
		slog.Warn("admin: start rejected", "mode", mode, "video", req.Target, "err", err)
		http.Error(w, err.Error(), startStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctl.Status())
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, ingest.ErrTargetRequired), errors.Is(err, ingest.ErrUnknownMode):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrTargetUnresolved):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingest.ErrNoCredential):
		return http.StatusPreconditionFailed
	case errors.Is(err, ingest.ErrQuotaBlocked):
		return http.StatusTooManyRequests
	}
	return http.StatusBadGateway
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "user"
	}
	s.ctl.Stop(reason)
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

type statusResponse struct {
	Ingest ingest.Status `json:"ingest"`
	Keys   *vault.Status `json:"keys,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{Ingest: s.ctl.Status()}
	if s.keys != nil {
		st := s.keys.Status()
		resp.Keys = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleKeysReload(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		http.Error(w, "no key vault configured", http.StatusNotFound)
		return
	}
	st, err := s.keys.Reload()
	if err != nil {
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("reset_primary") == "1" {
		s.keys.ResetPrimary()
		st = s.keys.Status()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUserKey(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		http.Error(w, "no key vault configured", http.StatusNotFound)
		return
	}
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<12)).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	s.keys.SetUserKey(body.Key)
	writeJSON(w, http.StatusOK, s.keys.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

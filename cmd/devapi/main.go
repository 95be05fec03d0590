// Command devapi serves the read API and overlay WebSocket backed by a
// scratch database, plus POST /emit for injecting chat by hand while
// building overlays.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/httpapi"
	"github.com/you/chatrelay/internal/hub"
	"github.com/you/chatrelay/internal/sink"
	"github.com/you/chatrelay/internal/tier"
)

type emitReq struct {
	ID        string    `json:"id,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Kind      string    `json:"kind,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Member    bool      `json:"member,omitempty"`
	Moderator bool      `json:"moderator,omitempty"`
	Published time.Time `json:"published_at,omitempty"`
}

type delivery interface {
	Deliver(mode core.Mode, msgs []core.Message) error
	Remove(ids []string)
}

func main() {
	addr := pflag.String("addr", "127.0.0.1:8765", "HTTP listen address")
	dbPath := pflag.String("db", "devapi.db", "SQLite database path")
	pflag.Parse()

	if err := run(*addr, *dbPath); err != nil {
		slog.Error("devapi: exited", "err", err)
		os.Exit(1)
	}
}

func run(addr, dbPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sink.OpenSQLite(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return err
	}

	overlay := hub.New(hub.Options{})
	defer overlay.Close()
	writer := sink.NewBufferedWriter(db, sink.BufferedOptions{BatchSize: 1})
	defer writer.Close()
	out := sink.WithAPI(writer, overlay)

	api := httpapi.New(db, overlay, httpapi.Options{
		Addr: addr,
		Mount: func(mux *http.ServeMux) {
			mux.Handle("/emit", emitHandler(out, time.Now))
			mux.Handle("/remove", removeHandler(out))
		},
	})
	slog.Info("devapi: listening", "addr", addr, "db", dbPath)

	errCh := make(chan error, 1)
	go func() { errCh <- api.Start() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return api.Shutdown(shutdownCtx)
}

func emitHandler(out delivery, now func() time.Time) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req emitReq
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		msg, mode, err := req.message(now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := out.Deliver(mode, []core.Message{msg}); err != nil {
			http.Error(w, "insert failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": msg.ID})
	})
}

func removeHandler(out delivery) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			http.Error(w, "id required", http.StatusBadRequest)
			return
		}
		out.Remove([]string{id})
		w.WriteHeader(http.StatusNoContent)
	})
}

func (req emitReq) message(now time.Time) (core.Message, core.Mode, error) {
	if strings.TrimSpace(req.Author) == "" {
		return core.Message{}, "", errors.New("author required")
	}
	mode := core.ModeGRPC
	if req.Mode != "" {
		m, err := core.ParseMode(req.Mode)
		if err != nil {
			return core.Message{}, "", err
		}
		mode = m
	}
	kind := core.PayloadKind(strings.ToLower(req.Kind))
	if kind == "" {
		kind = core.PayloadText
	}
	if kind == core.PayloadText && strings.TrimSpace(req.Text) == "" {
		return core.Message{}, "", errors.New("text required")
	}

	payload := core.Payload{Kind: kind}
	if payload.IsMonetary() {
		if req.Amount == "" {
			return core.Message{}, "", errors.New("amount required for paid messages")
		}
		payload.AmountDisplay = req.Amount
		payload.AmountMicros, payload.Currency = tier.ParseAmount(req.Amount)
		payload.Tier = tier.Of(payload.AmountMicros, payload.Currency)
	}

	id := req.ID
	if id == "" {
		id = "dev-" + uuid.NewString()
	}
	published := req.Published
	if published.IsZero() {
		published = now.UTC()
	}
	return core.Message{
		ID:          id,
		Text:        req.Text,
		Runs:        []core.Run{{Text: req.Text}},
		Author:      core.Author{ChannelID: "dev-" + strings.ToLower(req.Author), Name: req.Author},
		Badges:      core.Badges{Member: req.Member, Moderator: req.Moderator},
		Payload:     payload,
		PublishedAt: published,
		ReceivedAt:  now.UTC(),
		Source:      mode,
	}, mode, nil
}

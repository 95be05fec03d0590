package httpapi

import (
	"net/http"
	"runtime"
	"time"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type infoResponse struct {
	Version   string  `json:"version"`
	Revision  string  `json:"rev"`
	BuiltAt   string  `json:"built_at,omitempty"`
	Go        string  `json:"go"`
	UptimeSec float64 `json:"uptime_s"`
	Clients   int     `json:"ws_clients"`
	Ingest    string  `json:"ingest_status,omitempty"`
}

// handleInfo reports build metadata plus a one-line view of the live side,
// for the settings UI's about page.
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	b := s.opts.Build
	resp := infoResponse{
		Version:   b.Version,
		Revision:  b.Revision,
		Go:        runtime.Version(),
		UptimeSec: time.Since(s.started).Round(time.Second).Seconds(),
	}
	if !b.BuiltAt.IsZero() {
		resp.BuiltAt = b.BuiltAt.UTC().Format(time.RFC3339)
	}
	if s.realtime != nil {
		snap := s.realtime.Snapshot()
		resp.Clients = snap.Clients
		resp.Ingest = string(snap.Status.Kind)
	}
	writeJSON(w, resp)
}

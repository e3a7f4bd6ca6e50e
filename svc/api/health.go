package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"pastelite/svc/util"
)

// Probe is one dependency checked by /ready.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// Health is liveness only; it never touches dependencies.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Healthz answers {"ok": true} when storage is reachable and 500 otherwise.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.paste.Ping(ctx); err != nil {
		util.Error().Err(err).Msg("storage health check failed")
		writeJSON(w, http.StatusInternalServerError, HealthzResp{OK: false})
		return
	}
	writeJSON(w, http.StatusOK, HealthzResp{OK: true})
}

// Ready runs every probe in parallel.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true, Checks: make(map[string]string, len(s.probes))}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, p := range s.probes {
		p := p
		g.Go(func() error {
			probeCtx, probeCancel := context.WithTimeout(ctx, 500*time.Millisecond)
			defer probeCancel()
			err := p.Check(probeCtx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				util.Error().Err(err).Str("probe", p.Name).Msg("readiness check failed")
				resp.Checks[p.Name] = "down"
				return err
			}
			resp.Checks[p.Name] = "up"
			return nil
		})
	}
	status := http.StatusOK
	if err := g.Wait(); err != nil {
		resp.Ready = false
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

package opshttp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-registry/internal/log"
	"github.com/keithlinneman/linnemanlabs-registry/internal/reconcile"
)

// Sweeper runs a single catalog/blob consistency pass on demand.
type Sweeper interface {
	SweepOnce(ctx context.Context) (*reconcile.Report, error)
}

type reconcileResponse struct {
	Checked           int      `json:"checked"`
	Orphans           []string `json:"orphans"`
	Dangling          []string `json:"dangling"`
	IntegrityFailures []string `json:"integrity_failures"`
	DurationSeconds   float64  `json:"duration_seconds"`
	Clean             bool     `json:"clean"`
}

// ReconcileHandler triggers a sweep via POST and reports what it found.
// A 409 means a scheduled sweep is already in flight.
func ReconcileHandler(L log.Logger, s Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		rep, err := s.SweepOnce(r.Context())
		if err != nil {
			L.Error(r.Context(), err, "manual reconcile sweep failed")
			http.Error(w, "sweep failed", http.StatusInternalServerError)
			return
		}
		if rep == nil {
			http.Error(w, "sweep already in progress", http.StatusConflict)
			return
		}

		resp := reconcileResponse{
			Checked:         rep.Checked,
			DurationSeconds: rep.Duration.Seconds(),
			Clean:           rep.Clean(),
			Orphans:         make([]string, 0, len(rep.Orphans)),
			Dangling:        make([]string, 0, len(rep.Dangling)),
		}
		for _, k := range rep.Orphans {
			resp.Orphans = append(resp.Orphans, k.Name+"@"+k.Version)
		}
		for _, k := range rep.Dangling {
			resp.Dangling = append(resp.Dangling, k.Name+"@"+k.Version)
		}
		for _, ie := range rep.Integrity {
			resp.IntegrityFailures = append(resp.IntegrityFailures, ie.Name+"@"+ie.Version)
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			L.Debug(r.Context(), "write reconcile response", "error", err.Error())
		}
	}
}

package stats

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/treemana/godot/log"
)

// NewRouter serves the counters on /metrics (Prometheus) and /stats (JSON).
func NewRouter(s *Stats) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		s.WritePrometheus(w)
	}).Methods(http.MethodGet)
	r.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
			log.Sugar.Warnf("stats encode error=[%+v]", err)
		}
	}).Methods(http.MethodGet)
	return r
}

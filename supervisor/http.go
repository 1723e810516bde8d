package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	log "github.com/freundallein/stacdc/chassis/logging"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

// Router serves /metrics and the worker admin endpoints. Manually triggered
// runs live on runCtx, not on the request context, and join group.
func (s *Supervisor) Router(runCtx context.Context, group *sync.WaitGroup) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/workers", s.listWorkers).Methods(http.MethodGet)
	router.HandleFunc("/workers/{dataset}/{aoi}/run", func(w http.ResponseWriter, r *http.Request) {
		s.triggerWorker(runCtx, group, w, r)
	}).Methods(http.MethodPost)
	router.HandleFunc("/workers/{dataset}/{aoi}/runs", s.listRuns).Methods(http.MethodGet)
	return router
}

func (s *Supervisor) listWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Statuses())
}

func (s *Supervisor) triggerWorker(ctx context.Context, group *sync.WaitGroup, w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	o, ok := s.Find(vars["dataset"], vars["aoi"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown worker"})
		return
	}
	if !o.Trigger(ctx, group) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "worker is already running"})
		return
	}
	log.WithFields(log.Fields{
		"event":  "manual_trigger",
		"worker": o.Name(),
	}).Info("run triggered")
	writeJSON(w, http.StatusAccepted, o.Status())
}

// listRuns returns the journal of one worker, newest first.
func (s *Supervisor) listRuns(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, ok := s.Find(vars["dataset"], vars["aoi"]); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown worker"})
		return
	}
	if s.cfg.Journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "journal is disabled"})
		return
	}
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}
	entries, err := s.cfg.Journal.Recent(r.Context(), vars["dataset"], vars["aoi"], limit)
	if err != nil {
		log.WithFields(log.Fields{
			"event":   "journal_read_failed",
			"dataset": vars["dataset"],
			"aoi":     vars["aoi"],
		}).Error(err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "journal read failed"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithFields(log.Fields{
			"event": "response_encode_failed",
		}).Error(err)
	}
}

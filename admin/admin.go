// Package admin serves the operator HTTP API for attached virtual disks:
// status, a retry trigger, marking a disk failed, and prometheus metrics.
package admin

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/srilakshmi/vdisk/vdisk"
)

// Disk is what the API needs from an attached disk.
type Disk interface {
	ID() string
	Status() vdisk.Status
	Kick()
	MarkFailed()
}

// Registry tracks the attached disks by id.
type Registry struct {
	mu    sync.RWMutex
	disks map[string]Disk
}

func NewRegistry() *Registry {
	return &Registry{disks: make(map[string]Disk)}
}

func (r *Registry) Add(d Disk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.disks[d.ID()]; exists {
		return errors.Errorf("disk already attached: %s", d.ID())
	}
	r.disks[d.ID()] = d
	return nil
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.disks, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (Disk, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.disks[id]
	return d, ok
}

func (r *Registry) list() []Disk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Disk, 0, len(r.disks))
	for _, d := range r.disks {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// NewHandler returns the API router.
func NewHandler(reg *Registry, gatherer prometheus.Gatherer, log logrus.FieldLogger) http.Handler {
	h := &handler{reg: reg, log: log}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.healthHandler).Methods("GET")
	router.HandleFunc("/disks", h.listHandler).Methods("GET")
	router.HandleFunc("/disks/{id}", h.statusHandler).Methods("GET")
	router.HandleFunc("/disks/{id}/retry", h.retryHandler).Methods("POST")
	router.HandleFunc("/disks/{id}/fail", h.failHandler).Methods("POST")
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return router
}

type handler struct {
	reg *Registry
	log logrus.FieldLogger
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Debug("writing response")
	}
}

func (h *handler) disk(w http.ResponseWriter, r *http.Request) (Disk, bool) {
	id := mux.Vars(r)["id"]
	d, ok := h.reg.Get(id)
	if !ok {
		http.Error(w, "disk not found", http.StatusNotFound)
	}
	return d, ok
}

func (h *handler) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *handler) listHandler(w http.ResponseWriter, r *http.Request) {
	disks := h.reg.list()
	out := make([]vdisk.Status, 0, len(disks))
	for _, d := range disks {
		out = append(out, d.Status())
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handler) statusHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := h.disk(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, d.Status())
}

func (h *handler) retryHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := h.disk(w, r)
	if !ok {
		return
	}
	h.log.WithField("disk", d.ID()).Info("retry requested")
	d.Kick()
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) failHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := h.disk(w, r)
	if !ok {
		return
	}
	h.log.WithField("disk", d.ID()).Warn("disk failed by operator")
	d.MarkFailed()
	w.WriteHeader(http.StatusAccepted)
}

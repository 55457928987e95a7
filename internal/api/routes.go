package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/salbaldovinos/hoofdirect-sub000/internal/store"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/sync"
)

// Handler exposes the engine to other processes of the host application:
// status for UI banners, manual triggers, queue inspection, and an enqueue
// endpoint mirroring the in-process caller contract.
type Handler struct {
	engine *sync.Manager
}

func NewHandler(engine *sync.Manager) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sync/trigger", h.TriggerSync)
		r.Get("/sync/status", h.SyncStatus)
		r.Post("/sync/foreground", h.Foreground)
		r.Post("/connectivity", h.ReportConnectivity)

		r.Post("/mutations", h.Enqueue)
		r.Get("/queue/failed", h.ListFailed)
		r.Post("/queue/{id}/retry", h.RetryFailed)

		r.Get("/records/{entityType}", h.ListRecords)
		r.Get("/records/{entityType}/{entityID}/status", h.RecordStatus)
		r.Get("/conflicts", h.ListConflicts)
		r.Get("/history", h.History)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.engine.TriggerSync()
	writeJSON(w, map[string]string{"status": "triggered"})
}

func (h *Handler) Foreground(w http.ResponseWriter, r *http.Request) {
	h.engine.NotifyForeground()
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pending, err := h.engine.PendingCount(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	lastSync, err := h.engine.LastSyncAt(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	state := h.engine.Observer().State()
	resp := map[string]interface{}{
		"cycle_state":   h.engine.CycleState(),
		"pending_count": pending,
		"online":        state.Online,
		"transport":     state.Class,
	}
	if !lastSync.IsZero() {
		resp["last_sync_at"] = lastSync.Format(time.RFC3339Nano)
	}
	writeJSON(w, resp)
}

type connectivityRequest struct {
	Online    bool   `json:"online"`
	Transport string `json:"transport"`
}

func (h *Handler) ReportConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	class := sync.TransportClass(req.Transport)
	switch class {
	case sync.TransportNone, sync.TransportMetered, sync.TransportUnmetered:
	case "":
		class = sync.TransportUnmetered
	default:
		http.Error(w, "unknown transport class", http.StatusBadRequest)
		return
	}

	h.engine.SetConnectivity(req.Online, class)
	writeJSON(w, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := h.engine.Enqueue(r.Context(), req.EntityType, req.EntityID,
		store.Operation(req.Operation), req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "enqueued"})
}

func (h *Handler) RecordStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.StatusOf(r.Context(),
		chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"sync_status": string(status)})
}

func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	records, err := h.engine.Store().ListRecords(r.Context(), chi.URLParam(r, "entityType"), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	entries, err := h.engine.Store().ListMutations(r.Context(), store.EntryFailed, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid entry id", http.StatusBadRequest)
		return
	}
	if err := h.engine.RetryFailed(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "requeued"})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	conflicts, err := h.engine.Store().ListConflicts(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, conflicts)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	cycles, err := h.engine.Store().GetSyncCycles(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, cycles)
}

func paging(r *http.Request) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

package http

import (
	"log/slog"
	"net/http"

	"github.com/arkilian/partman/internal/catalog"
	"github.com/arkilian/partman/internal/logging"
	"github.com/arkilian/partman/internal/snapshot"
)

// SnapshotsHandler exports the catalog to object storage and lists the
// snapshots taken so far:
//
//	POST /v1/snapshots
//	GET  /v1/snapshots
type SnapshotsHandler struct {
	cat    *catalog.Catalog
	store  *snapshot.Store
	logger *slog.Logger
}

// NewSnapshotsHandler creates the handler.
func NewSnapshotsHandler(cat *catalog.Catalog, store *snapshot.Store, logger *slog.Logger) *SnapshotsHandler {
	if logger == nil {
		logger = logging.Component("http")
	}
	return &SnapshotsHandler{cat: cat, store: store, logger: logger}
}

// Register adds the endpoints to mux, each wrapped in mw.
func (h *SnapshotsHandler) Register(mux *http.ServeMux, mw func(http.Handler) http.Handler) {
	mux.Handle("POST /v1/snapshots", mw(http.HandlerFunc(h.export)))
	mux.Handle("GET /v1/snapshots", mw(http.HandlerFunc(h.list)))
}

// SnapshotResponse is returned by POST /v1/snapshots.
type SnapshotResponse struct {
	Key string `json:"key"`
}

// SnapshotListResponse is returned by GET /v1/snapshots, oldest first.
type SnapshotListResponse struct {
	Keys []string `json:"keys"`
}

func (h *SnapshotsHandler) export(w http.ResponseWriter, r *http.Request) {
	key, err := h.store.Export(r.Context(), h.cat)
	if err != nil {
		h.logger.Error("snapshot export failed", "error", err, "request_id", GetRequestID(r.Context()))
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SnapshotResponse{Key: key})
}

func (h *SnapshotsHandler) list(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.List(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, SnapshotListResponse{Keys: keys})
}

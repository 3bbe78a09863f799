package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arkilian/partman/internal/catalog"
	"github.com/arkilian/partman/internal/ddl"
	perrors "github.com/arkilian/partman/internal/errors"
	"github.com/arkilian/partman/internal/logging"
	"github.com/arkilian/partman/internal/observability"
	"github.com/arkilian/partman/internal/partition"
	"github.com/arkilian/partman/internal/prune"
	"github.com/arkilian/partman/internal/session"
	"github.com/arkilian/partman/pkg/types"
)

// TablesHandler serves the table endpoints:
//
//	POST   /v1/tables                       create a table
//	POST   /v1/tables/{table}/partitions    partition it (RANGE or HASH)
//	DELETE /v1/tables/{table}/partitions    disable partitioning (?drop=true drops children)
//	GET    /v1/tables/{table}/descriptor    current partitioning descriptor
//	POST   /v1/tables/{table}/route         child holding a key value
//	POST   /v1/tables/{table}/prune         children a predicate can select
//	GET    /v1/stats                        cache statistics and the busiest tables (?top=N)
//
// {table} is a table id or name.
type TablesHandler struct {
	cat      *catalog.Catalog
	ddl      *ddl.Manager
	pool     *session.Pool
	activity *observability.TableStats
	logger   *slog.Logger
}

// NewTablesHandler creates the handler.
func NewTablesHandler(cat *catalog.Catalog, m *ddl.Manager, pool *session.Pool, logger *slog.Logger) *TablesHandler {
	if logger == nil {
		logger = logging.Component("http")
	}
	return &TablesHandler{
		cat:      cat,
		ddl:      m,
		pool:     pool,
		activity: observability.NewTableStats(time.Hour),
		logger:   logger,
	}
}

// Activity returns the per-table routing and pruning counters. The owner
// should call Expire on it periodically.
func (h *TablesHandler) Activity() *observability.TableStats {
	return h.activity
}

// Register adds the endpoints to mux, each wrapped in mw.
func (h *TablesHandler) Register(mux *http.ServeMux, mw func(http.Handler) http.Handler) {
	mux.Handle("POST /v1/tables", mw(http.HandlerFunc(h.createTable)))
	mux.Handle("POST /v1/tables/{table}/partitions", mw(http.HandlerFunc(h.partition)))
	mux.Handle("DELETE /v1/tables/{table}/partitions", mw(http.HandlerFunc(h.unpartition)))
	mux.Handle("GET /v1/tables/{table}/descriptor", mw(http.HandlerFunc(h.descriptor)))
	mux.Handle("POST /v1/tables/{table}/route", mw(http.HandlerFunc(h.route)))
	mux.Handle("POST /v1/tables/{table}/prune", mw(http.HandlerFunc(h.prune)))
	mux.Handle("GET /v1/stats", mw(http.HandlerFunc(h.stats)))
}

// ColumnRequest declares one column of a new table.
type ColumnRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// CreateTableRequest is the body of POST /v1/tables.
type CreateTableRequest struct {
	Name    string          `json:"name"`
	Columns []ColumnRequest `json:"columns"`
}

// CreateTableResponse is returned by POST /v1/tables.
type CreateTableResponse struct {
	TableID types.OID `json:"table_id"`
}

// PartitionRequest is the body of POST /v1/tables/{table}/partitions.
type PartitionRequest struct {
	Strategy string `json:"strategy"`
	Key      string `json:"key"`
	// Start, Interval and Count describe the initial RANGE partitions; Count
	// alone is the number of HASH partitions.
	Start    string `json:"start,omitempty"`
	Interval string `json:"interval,omitempty"`
	Count    int    `json:"count"`
}

// PartitionResponse lists the created children.
type PartitionResponse struct {
	TableID  types.OID   `json:"table_id"`
	Children []types.OID `json:"children"`
}

// DescriptorResponse renders a partition.Descriptor with literal bounds.
type DescriptorResponse struct {
	TableID  types.OID       `json:"table_id"`
	Strategy types.Strategy  `json:"strategy"`
	Key      KeyResponse     `json:"key"`
	Interval string          `json:"interval,omitempty"`
	Children []types.OID     `json:"children"`
	Ranges   []RangeResponse `json:"ranges,omitempty"`
	// Min and Max bound the keys any RANGE child covers, [Min, Max).
	Min string `json:"min,omitempty"`
	Max string `json:"max,omitempty"`
}

// KeyResponse describes the partitioning key.
type KeyResponse struct {
	Name   string `json:"name"`
	Number int    `json:"number"`
	Type   string `json:"type"`
}

// RangeResponse is one RANGE child's [min, max).
type RangeResponse struct {
	ChildID types.OID `json:"child_id"`
	Min     string    `json:"min"`
	Max     string    `json:"max"`
}

// RouteRequest is the body of POST /v1/tables/{table}/route.
type RouteRequest struct {
	Value string `json:"value"`
}

// PruneRequest is the body of POST /v1/tables/{table}/prune.
type PruneRequest struct {
	Where string `json:"where"`
}

// IndexRangeResponse is one canonical range of a pruning result.
type IndexRangeResponse struct {
	Lower int  `json:"lower"`
	Upper int  `json:"upper"`
	Lossy bool `json:"lossy"`
}

// PruneResponse is returned by POST /v1/tables/{table}/prune.
type PruneResponse struct {
	Children []prune.PrunedChild  `json:"children"`
	Ranges   []IndexRangeResponse `json:"ranges"`
}

// StatsResponse is returned by GET /v1/stats.
type StatsResponse struct {
	Sessions int                           `json:"sessions"`
	Cache    partition.CacheStats          `json:"cache"`
	Tables   []observability.TableActivity `json:"tables"`
}

func (h *TablesHandler) createTable(w http.ResponseWriter, r *http.Request) {
	var req CreateTableRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" || len(req.Columns) == 0 {
		writeError(w, http.StatusBadRequest, "name and columns are required", GetRequestID(r.Context()))
		return
	}

	cols := make([]ddl.Column, len(req.Columns))
	for i, c := range req.Columns {
		info, err := types.LookupByName(c.Type)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("column %s: %v", c.Name, err), GetRequestID(r.Context()))
			return
		}
		cols[i] = ddl.Column{Name: c.Name, Type: info.ID}
	}

	oid, err := h.ddl.CreateTable(r.Context(), req.Name, cols)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateTableResponse{TableID: oid})
}

func (h *TablesHandler) partition(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	var req PartitionRequest
	if !decode(w, r, &req) {
		return
	}

	strategy, err := types.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), GetRequestID(r.Context()))
		return
	}

	var children []types.OID
	switch strategy {
	case types.StrategyHash:
		children, err = h.ddl.CreateHashPartitions(r.Context(), table, req.Key, req.Count)
	case types.StrategyRange:
		attr, aerr := h.cat.Attribute(r.Context(), table, req.Key)
		if aerr != nil {
			writeErr(w, r, aerr)
			return
		}
		info, terr := types.Lookup(attr.Type)
		if terr != nil {
			writeErr(w, r, perrors.NewConfigurationError(perrors.CodeUnsupportedType, "key column "+req.Key, terr))
			return
		}
		start, perr := info.ParseLiteral(req.Start)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error(), GetRequestID(r.Context()))
			return
		}
		children, err = h.ddl.CreateRangePartitions(r.Context(), table, req.Key, start, req.Interval, req.Count)
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PartitionResponse{TableID: table, Children: children})
}

func (h *TablesHandler) unpartition(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}

	if drop, _ := strconv.ParseBool(r.URL.Query().Get("drop")); drop {
		n, err := h.ddl.DropPartitions(r.Context(), table)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"table_id": table, "dropped": n})
		return
	}

	if err := h.ddl.DisablePartitioning(r.Context(), table); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"table_id": table, "dropped": 0})
}

func (h *TablesHandler) descriptor(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	s, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer h.pool.Release(s)

	d, err := s.Descriptor(r.Context(), table)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, renderDescriptor(d))
}

func renderDescriptor(d *partition.Descriptor) DescriptorResponse {
	resp := DescriptorResponse{
		TableID:  d.TableID,
		Strategy: d.Strategy,
		Key:      KeyResponse{Name: d.Key.Name, Number: d.Key.Number, Type: d.TypeInfo().Name},
		Interval: d.Interval,
		Children: d.Children,
	}
	if resp.Children == nil {
		resp.Children = []types.OID{}
	}
	for _, re := range d.Ranges {
		resp.Ranges = append(resp.Ranges, RangeResponse{ChildID: re.ChildID, Min: re.Min.String(), Max: re.Max.String()})
	}
	if lo, ok := d.RangeMin(); ok {
		resp.Min = lo.String()
	}
	if hi, ok := d.RangeMax(); ok {
		resp.Max = hi.String()
	}
	return resp
}

func (h *TablesHandler) route(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	var req RouteRequest
	if !decode(w, r, &req) {
		return
	}
	s, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer h.pool.Release(s)

	d, err := s.Descriptor(r.Context(), table)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	value, err := d.TypeInfo().ParseLiteral(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), GetRequestID(r.Context()))
		return
	}

	route, err := s.Route(r.Context(), table, value)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.activity.RecordRoute(table, route.Created)
	status := http.StatusOK
	if route.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, route)
}

func (h *TablesHandler) prune(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	var req PruneRequest
	if !decode(w, r, &req) {
		return
	}
	s, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer h.pool.Release(s)

	children, list, err := s.Prune(r.Context(), table, req.Where)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp := PruneResponse{Children: children, Ranges: make([]IndexRangeResponse, len(list))}
	for i, ir := range list {
		resp.Ranges[i] = IndexRangeResponse{Lower: ir.Lower, Upper: ir.Upper, Lossy: ir.Lossy}
	}
	lossy := 0
	for _, c := range children {
		if c.Lossy {
			lossy++
		}
	}
	if d, err := s.Descriptor(r.Context(), table); err == nil {
		h.activity.RecordPrune(table, len(children), d.ChildCount(), lossy)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *TablesHandler) stats(w http.ResponseWriter, r *http.Request) {
	top := 10
	if v, err := strconv.Atoi(r.URL.Query().Get("top")); err == nil && v >= 0 {
		top = v
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Sessions: h.pool.Size(),
		Cache:    h.pool.Stats(),
		Tables:   h.activity.Top(top),
	})
}

// table resolves the {table} path segment, an id or a name.
func (h *TablesHandler) table(w http.ResponseWriter, r *http.Request) (types.OID, bool) {
	ref := strings.TrimSpace(r.PathValue("table"))
	if n, err := strconv.ParseUint(ref, 10, 32); err == nil {
		return types.OID(n), true
	}
	rel, err := h.cat.RelationByName(r.Context(), ref)
	if err != nil {
		writeErr(w, r, err)
		return types.InvalidOID, false
	}
	return rel.OID, true
}

func (h *TablesHandler) acquire(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.pool.Acquire(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("no session available: %v", err), GetRequestID(r.Context()))
		return nil, false
	}
	return s, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), GetRequestID(r.Context()))
		return false
	}
	return true
}

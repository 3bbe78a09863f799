package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/partman/internal/catalog"
	"github.com/arkilian/partman/internal/ddl"
	perrors "github.com/arkilian/partman/internal/errors"
	"github.com/arkilian/partman/internal/logging"
	"github.com/arkilian/partman/internal/session"
	"github.com/arkilian/partman/internal/worker"
	"github.com/arkilian/partman/pkg/types"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), catalog.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	m := ddl.NewManager(cat, nil, logging.Discard())
	sup := worker.NewSupervisor(worker.SupervisorConfig{MaxWorkers: 2, Logger: logging.Discard()})
	t.Cleanup(func() { sup.Shutdown(context.Background()) })
	coord := worker.NewCoordinator(sup, cat, m, worker.CoordinatorConfig{DatabaseID: 1, Logger: logging.Discard()})
	pool := session.NewPool(cat, cat.Bus(), coord, session.PoolConfig{Size: 2, AutoCreate: true, Logger: logging.Discard()})
	t.Cleanup(func() { pool.Close() })

	mux := http.NewServeMux()
	NewTablesHandler(cat, m, pool, logging.Discard()).Register(mux, DefaultMiddleware(logging.Discard()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// createEvents creates "events" RANGE partitioned on id as [0,10) [10,20) [20,30).
func createEvents(t *testing.T, srv *httptest.Server) types.OID {
	t.Helper()
	var created CreateTableResponse
	status := do(t, srv, http.MethodPost, "/v1/tables", CreateTableRequest{
		Name:    "events",
		Columns: []ColumnRequest{{Name: "id", Type: "int4"}, {Name: "payload", Type: "text"}},
	}, &created)
	require.Equal(t, http.StatusCreated, status)

	var parts PartitionResponse
	status = do(t, srv, http.MethodPost, "/v1/tables/events/partitions", PartitionRequest{
		Strategy: "range", Key: "id", Start: "0", Interval: "10", Count: 3,
	}, &parts)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, parts.Children, 3)
	return created.TableID
}

func TestDescriptorEndpoint(t *testing.T) {
	srv := newTestServer(t)
	table := createEvents(t, srv)

	var d DescriptorResponse
	status := do(t, srv, http.MethodGet, fmt.Sprintf("/v1/tables/%d/descriptor", table), nil, &d)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, types.StrategyRange, d.Strategy)
	assert.Equal(t, KeyResponse{Name: "id", Number: 1, Type: "int4"}, d.Key)
	assert.Equal(t, "10", d.Interval)
	require.Len(t, d.Ranges, 3)
	assert.Equal(t, "10", d.Ranges[1].Min)
	assert.Equal(t, "20", d.Ranges[1].Max)
	assert.Equal(t, "0", d.Min)
	assert.Equal(t, "30", d.Max)
}

func TestRouteEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createEvents(t, srv)

	var r session.Route
	status := do(t, srv, http.MethodPost, "/v1/tables/events/route", RouteRequest{Value: "15"}, &r)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, r.Index)
	assert.False(t, r.Created)

	status = do(t, srv, http.MethodPost, "/v1/tables/events/route", RouteRequest{Value: "64"}, &r)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, r.Created)

	var e ErrorResponse
	status = do(t, srv, http.MethodPost, "/v1/tables/events/route", RouteRequest{Value: "abc"}, &e)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPruneEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createEvents(t, srv)

	var p PruneResponse
	status := do(t, srv, http.MethodPost, "/v1/tables/events/prune", PruneRequest{Where: "id >= 5 AND id < 20"}, &p)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, p.Children, 2)
	assert.True(t, p.Children[0].Lossy)
	assert.False(t, p.Children[1].Lossy)

	var e ErrorResponse
	status = do(t, srv, http.MethodPost, "/v1/tables/events/prune", PruneRequest{Where: "id >"}, &e)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(perrors.ErrCategoryValidation), e.Category)
}

func TestUnknownTable(t *testing.T) {
	srv := newTestServer(t)

	var e ErrorResponse
	status := do(t, srv, http.MethodGet, "/v1/tables/nosuch/descriptor", nil, &e)
	assert.Equal(t, http.StatusNotFound, status)
	assert.NotEmpty(t, e.RequestID)
}

func TestDisableAndDropPartitions(t *testing.T) {
	srv := newTestServer(t)
	createEvents(t, srv)

	var out map[string]interface{}
	status := do(t, srv, http.MethodDelete, "/v1/tables/events/partitions?drop=true", nil, &out)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, out["dropped"])

	var e ErrorResponse
	status = do(t, srv, http.MethodGet, "/v1/tables/events/descriptor", nil, &e)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDuplicateTable(t *testing.T) {
	srv := newTestServer(t)
	createEvents(t, srv)

	var e ErrorResponse
	status := do(t, srv, http.MethodPost, "/v1/tables", CreateTableRequest{
		Name:    "events",
		Columns: []ColumnRequest{{Name: "id", Type: "int4"}},
	}, &e)
	assert.Equal(t, http.StatusConflict, status)

	status = do(t, srv, http.MethodPost, "/v1/tables", CreateTableRequest{
		Name:    "other",
		Columns: []ColumnRequest{{Name: "id", Type: "uuid"}},
	}, &e)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	table := createEvents(t, srv)
	do(t, srv, http.MethodGet, "/v1/tables/events/descriptor", nil, nil)
	do(t, srv, http.MethodPost, "/v1/tables/events/route", RouteRequest{Value: "3"}, nil)
	do(t, srv, http.MethodPost, "/v1/tables/events/prune", PruneRequest{Where: "id = 3"}, nil)

	var s StatsResponse
	status := do(t, srv, http.MethodGet, "/v1/stats", nil, &s)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, s.Sessions)
	assert.GreaterOrEqual(t, s.Cache.Misses, int64(1))
	require.Len(t, s.Tables, 1)
	assert.Equal(t, table, s.Tables[0].Table)
	assert.Equal(t, int64(1), s.Tables[0].Routes)
	assert.Equal(t, int64(1), s.Tables[0].Prunes)
	assert.Equal(t, int64(1), s.Tables[0].Selected)
	assert.Equal(t, int64(3), s.Tables[0].Total)
}

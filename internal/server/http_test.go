package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/justadeni/logically/internal/network"
	"github.com/justadeni/logically/internal/persistence/indexdb"
)

func serveHTTP(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	rr := serveHTTP(t, srv.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "test", body["serverId"])
	require.EqualValues(t, 0, body["fellings"])
}

func TestChoppingToggleEndpoints(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	h := srv.Handler()

	rr := serveHTTP(t, h, http.MethodGet, "/players/alex/chopping", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var state choppingState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &state))
	require.Equal(t, choppingState{Player: "alex", Enabled: true}, state)

	rr = serveHTTP(t, h, http.MethodPut, "/players/alex/chopping", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &state))
	require.False(t, state.Enabled)

	rr = serveHTTP(t, h, http.MethodGet, "/players/alex/chopping", "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &state))
	require.False(t, state.Enabled)
	require.False(t, srv.felling.Enabled("alex"))

	rr = serveHTTP(t, h, http.MethodPut, "/players/alex/chopping", `{"enabled":`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = serveHTTP(t, h, http.MethodPut, "/players/alex/chopping", `{}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serveHTTP(t, h, http.MethodPost, "/players/alex/chopping", `{"enabled": true}`)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestFellingsListsActiveTrees(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	h := srv.Handler()

	rr := serveHTTP(t, h, http.MethodGet, "/fellings", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `[]`, rr.Body.String())

	plantPole(t, srv, 10, 10)
	reply := srv.chop(context.Background(), network.ChopRequest{Player: "alex", X: 10, Y: 10, Z: 4})
	require.Equal(t, network.ChopFelled, reply.Result)

	rr = serveHTTP(t, h, http.MethodGet, "/fellings", "")
	var active []struct {
		ID      string `json:"id"`
		Player  string `json:"player"`
		Species string `json:"species"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &active))
	require.Len(t, active, 1)
	require.Equal(t, reply.FellingID, active[0].ID)
	require.Equal(t, "oak", active[0].Species)
}

func TestHistoryWithoutIndex(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.IndexDB = ""
	srv := newTestServer(t, cfg)

	rr := serveHTTP(t, srv.Handler(), http.MethodGet, "/history", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHistoryQueries(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	h := srv.Handler()

	rr := serveHTTP(t, h, http.MethodGet, "/history", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `[]`, rr.Body.String())

	require.Equal(t, http.StatusBadRequest, serveHTTP(t, h, http.MethodGet, "/history?limit=0", "").Code)
	require.Equal(t, http.StatusBadRequest, serveHTTP(t, h, http.MethodGet, "/history?x=1&y=2", "").Code)
	require.Equal(t, http.StatusBadRequest, serveHTTP(t, h, http.MethodGet, "/history?x=a&y=2&z=3", "").Code)

	plantPole(t, srv, 10, 10)
	reply := srv.chop(context.Background(), network.ChopRequest{Player: "alex", X: 10, Y: 10, Z: 4})
	require.Equal(t, network.ChopFelled, reply.Result)
	tickUntilIdle(t, srv)
	require.NoError(t, srv.index.Sync(context.Background()))

	rr = serveHTTP(t, h, http.MethodGet, "/history?player=alex&limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var records []indexdb.FellingRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &records))
	require.Len(t, records, 1)
	require.Equal(t, reply.FellingID, records[0].ID)
	require.Equal(t, "oak", records[0].Species)

	rr = serveHTTP(t, h, http.MethodGet, "/history?player=sam", "")
	require.JSONEq(t, `[]`, rr.Body.String())

	rr = serveHTTP(t, h, http.MethodGet, "/history?x=10&y=10&z=7", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var touched struct {
		Fellings []string `json:"fellings"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &touched))
	require.Equal(t, []string{reply.FellingID}, touched.Fellings)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	req := httptest.NewRequest(http.MethodOptions, "/players/alex/chopping", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, "http://localhost:5173", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/players/alex/chopping", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestObserverBootstrapThroughHandler(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	req := httptest.NewRequest(http.MethodGet, "/observer/bootstrap", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var boot struct {
		ServerID      string  `json:"serverId"`
		ChunkSize     [3]int  `json:"chunkSize"`
		ChunksPerAxis int     `json:"chunksPerAxis"`
		TickRateHz    float64 `json:"tickRateHz"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &boot))
	require.Equal(t, "test", boot.ServerID)
	require.Equal(t, [3]int{16, 16, 32}, boot.ChunkSize)
	require.Equal(t, 2, boot.ChunksPerAxis)
	require.InDelta(t, 20.0, boot.TickRateHz, 1e-9)
}

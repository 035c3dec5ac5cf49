package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/pickup-dispatch/internal/dispatch"
	"github.com/example/pickup-dispatch/internal/geo"
	"github.com/example/pickup-dispatch/internal/lifecycle"
	"github.com/example/pickup-dispatch/internal/matcher"
	"github.com/example/pickup-dispatch/internal/models"
	"github.com/example/pickup-dispatch/internal/route"
	"github.com/example/pickup-dispatch/internal/storage"
)

var (
	posA = models.Coordinate{Latitude: 4.7110, Longitude: -74.0721}
	posB = models.Coordinate{Latitude: 4.60, Longitude: -74.20}
)

type published struct {
	mu      sync.Mutex
	drivers []models.Driver
}

func (p *published) PublishLocation(_ context.Context, d models.Driver) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drivers = append(p.drivers, d)
	return nil
}

type fixture struct {
	srv   *Server
	store *storage.MemoryStore
	index *geo.Index
	pub   *published
	ws    *dispatch.WSRegistry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	index := geo.NewIndex()
	ctx := context.Background()
	for id, p := range map[string]models.Coordinate{"A": posA, "B": posB} {
		p := p
		d := models.Driver{ID: id, Position: &p, Available: true}
		require.NoError(t, store.UpsertDriver(ctx, d))
		require.NoError(t, index.Upsert(ctx, d))
	}
	mins := map[models.Coordinate]float64{posA: 10, posB: 20}
	oracle := route.OracleFunc(func(_ context.Context, from, _ models.Coordinate, _ string) (route.Summary, error) {
		m, ok := mins[from]
		if !ok {
			return route.Summary{}, route.ErrRouteUnavailable
		}
		return route.Summary{DistanceMeters: m * 400, DurationSeconds: m * 60}, nil
	})
	ws := dispatch.NewWSRegistry()
	svc := lifecycle.NewService(lifecycle.Deps{
		Store:    store,
		Pool:     index,
		Engine:   matcher.NewEngine(oracle, matcher.Options{}, nil),
		Notifier: ws,
	})
	pub := &published{}
	srv := NewServer(Deps{
		Lifecycle: svc,
		Store:     store,
		Positions: index,
		Publisher: pub,
		WS:        ws,
		Checks:    map[string]Checker{"store": func(context.Context) error { return nil }},
	})
	return &fixture{srv: srv, store: store, index: index, pub: pub, ws: ws}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) create(t *testing.T) createResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/requests", `{"client_id":"c1","pickup":{"latitude":4.6937,"longitude":-74.1123}}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e.Error
}

func TestCreateRequest(t *testing.T) {
	f := newFixture(t)
	resp := f.create(t)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, "A", resp.AssignedDriverID)
	assert.Equal(t, 10, resp.EstimatedDurationMin)
	assert.Equal(t, models.StatusInProgress, resp.Status)

	d, err := f.store.GetDriver(context.Background(), "A")
	require.NoError(t, err)
	assert.False(t, d.Available)
}

func TestCreateRequestErrors(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name, body, code string
	}{
		{"malformed", `{"pickup":`, "invalid_body"},
		{"missing pickup", `{"client_id":"c1"}`, "invalid_body"},
		{"bad latitude", `{"pickup":{"latitude":95,"longitude":0}}`, "invalid_coordinate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/requests", tc.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}
}

func TestCreateRequestNoDrivers(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	f.create(t)
	rec := f.do(t, http.MethodPost, "/api/v1/requests", `{"pickup":{"latitude":4.69,"longitude":-74.11}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no_available_drivers", errorCode(t, rec))
}

func TestGetAndListRequests(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)

	rec := f.do(t, http.MethodGet, "/api/v1/requests/"+created.RequestID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.DispatchRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.RequestID, got.ID)

	rec = f.do(t, http.MethodGet, "/api/v1/requests?status=completed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/requests/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)
	path := "/api/v1/requests/" + created.RequestID
	completed := `{"status":"completed"}`

	rec := f.do(t, http.MethodPatch, path, completed, map[string]string{headerActorRole: "client"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", errorCode(t, rec))

	rec = f.do(t, http.MethodPatch, path, `{"status":"cancelled"}`, map[string]string{headerActorRole: "driver"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_status", errorCode(t, rec))

	rec = f.do(t, http.MethodPatch, path, completed, map[string]string{headerActorRole: "Driver", headerActorID: "A"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got models.DispatchRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusCompleted, got.Status)

	rec = f.do(t, http.MethodPatch, path, completed, map[string]string{headerActorRole: "driver"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))

	rec = f.do(t, http.MethodPatch, "/api/v1/requests/missing", completed, map[string]string{headerActorRole: "driver"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRequest(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)
	path := "/api/v1/requests/" + created.RequestID + "/cancel"

	rec := f.do(t, http.MethodPost, path, `{"reason":"no longer needed"}`, map[string]string{headerActorRole: "client"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d, _ := f.store.GetDriver(context.Background(), "A")
	assert.True(t, d.Available)

	rec = f.do(t, http.MethodPost, path, "", map[string]string{headerActorRole: "client"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))
}

func TestDriverLocation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/internal/driver/locations", `{"id":"C","position":{"latitude":4.65,"longitude":-74.05},"available":true}`, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	d, err := f.store.GetDriver(context.Background(), "C")
	require.NoError(t, err)
	assert.True(t, d.Available)
	pool, _ := f.index.AvailableDrivers(context.Background(), posA)
	assert.Len(t, pool, 3)
	require.Len(t, f.pub.drivers, 1)
	assert.Equal(t, "C", f.pub.drivers[0].ID)

	rec = f.do(t, http.MethodPost, "/internal/driver/locations", `{"position":{"latitude":1,"longitude":1}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/internal/driver/locations", `{"id":"C","position":{"latitude":1,"longitude":200}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDriverLocationKeepsBusyDriverUnavailable(t *testing.T) {
	f := newFixture(t)
	f.create(t)

	rec := f.do(t, http.MethodPost, "/internal/driver/locations", `{"id":"A","position":{"latitude":4.70,"longitude":-74.07},"available":true}`, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	d, _ := f.store.GetDriver(context.Background(), "A")
	assert.False(t, d.Available)
	assert.False(t, f.pub.drivers[0].Available)
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/ready", "", nil).Code)

	f.srv.checks["redis"] = func(context.Context) error { return errors.New("down") }
	rec := f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}

func TestRequestIDHeader(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "abc"})
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
	rec = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestWebsocketReceivesAssignment(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/A", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.ws.Connected("A") }, 2*time.Second, 10*time.Millisecond)

	created := f.create(t)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var n dispatch.Notice
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, created.RequestID, n.Assignment.RequestID)
	assert.Equal(t, "A", n.Assignment.DriverID)
}

func TestRecoverPanics(t *testing.T) {
	f := newFixture(t)
	f.srv.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })

	rec := f.do(t, http.MethodGet, "/boom", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "10.0.0.7", remoteIP(r))
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", remoteIP(r))
}

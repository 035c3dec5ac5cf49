package dispatch

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

	"github.com/example/pickup-dispatch/internal/models"
)

var sample = models.Assignment{
	RequestID:   "r1",
	DriverID:    "d1",
	Pickup:      models.Coordinate{Latitude: 4.69, Longitude: -74.11},
	DurationMin: 10,
	DistanceKm:  4.2,
}

func TestWebhookPostsAssignment(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "secret")
	require.NoError(t, n.NotifyAssignment(context.Background(), sample))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "assignment", got["event"])
	a := got["assignment"].(map[string]any)
	assert.Equal(t, "d1", a["driver_id"])
	assert.EqualValues(t, 10, a["estimated_duration_min"])
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, "").NotifyAssignment(context.Background(), sample)
	assert.Error(t, err)
}

// wsPair returns a registry with one driver connected and the client side of
// that connection.
func wsPair(t *testing.T, driverID string) (*WSRegistry, *websocket.Conn) {
	t.Helper()
	reg := NewWSRegistry()
	var upgrader websocket.Upgrader
	added := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(driverID, conn)
		close(added)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	select {
	case <-added:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not registered")
	}
	return reg, client
}

func TestWSRegistryDeliversNotice(t *testing.T) {
	reg, client := wsPair(t, "d1")
	assert.True(t, reg.Connected("d1"))

	require.NoError(t, reg.NotifyAssignment(context.Background(), sample))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var n Notice
	require.NoError(t, client.ReadJSON(&n))
	assert.Equal(t, "assignment", n.Type)
	assert.Equal(t, sample, n.Assignment)
}

func TestWSRegistryNoSession(t *testing.T) {
	reg := NewWSRegistry()
	err := reg.NotifyAssignment(context.Background(), sample)
	assert.True(t, errors.Is(err, ErrNoSession))
}

type captured struct {
	mu  sync.Mutex
	got []models.Assignment
	err error
}

func (c *captured) NotifyAssignment(_ context.Context, a models.Assignment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, a)
	return c.err
}

func TestPushPrefersWebsocket(t *testing.T) {
	reg, client := wsPair(t, "d1")
	fb := &captured{}
	p := NewPushDispatcher(reg, fb, nil)

	require.NoError(t, p.NotifyAssignment(context.Background(), sample))
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var n Notice
	require.NoError(t, client.ReadJSON(&n))
	assert.Empty(t, fb.got)
}

func TestPushFallsBackWithoutSession(t *testing.T) {
	fb := &captured{}
	p := NewPushDispatcher(NewWSRegistry(), fb, nil)

	require.NoError(t, p.NotifyAssignment(context.Background(), sample))
	require.Len(t, fb.got, 1)
	assert.Equal(t, "r1", fb.got[0].RequestID)
}

func TestPushWithoutAnyChannel(t *testing.T) {
	p := NewPushDispatcher(NewWSRegistry(), nil, nil)
	err := p.NotifyAssignment(context.Background(), sample)
	assert.True(t, errors.Is(err, ErrNoSession))
}

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/link18/tacsync/internal/command"
	"github.com/link18/tacsync/internal/model"
	"github.com/link18/tacsync/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *command.Reconciler) {
	t.Helper()
	st := store.New(store.DefaultConfig())
	rec := command.New(st, "Alice", nil, zerolog.Nop())
	hub := NewHub(st, zerolog.Nop())
	srv := NewServer(0, ConfigEcho{Callsign: "Alice", Color: "#ffa500", Version: "1.0"},
		st, rec, hub, StatusSources{}, zerolog.Nop())
	return srv, st, rec
}

func TestHandleData_ReturnsSnapshotWithConfig(t *testing.T) {
	srv, st, _ := newTestServer(t)
	require.NoError(t, st.Upsert(model.Player{
		ID: "Bob", Callsign: "Bob", X: 0.3, Y: 0.7,
		Origin: model.OriginPeer, LastUpdate: time.Now(),
	}))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/data", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	var resp struct {
		Players map[string]model.Player `json:"players"`
		Config  ConfigEcho              `json:"config"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp.Players, "Bob")
	assert.Equal(t, "Alice", resp.Config.Callsign)
	assert.Equal(t, "1.0", resp.Config.Version)
}

func TestHandleData_RejectsPost(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/data", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHandleCommand_AcceptsValid(t *testing.T) {
	srv, st, rec := newTestServer(t)

	body := `{"type":"planning_update","waypoints":[{"x":0.25,"y":0.75}]}`
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rec.Drain()
	snap := st.Snapshot()
	require.Contains(t, snap.Waypoints, "Alice")
	assert.Equal(t, 0.25, snap.Waypoints["Alice"].Points[0].X)
}

func TestHandleCommand_UndecodableBodyIs400(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader(`{not json`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleCommand_ValidationFailureIs422(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, body := range []string{
		`{"type":"planning_update","waypoints":[{"x":1.5,"y":0.5}]}`,
		`{"type":"set_formation"}`,
		`{"type":"self_destruct"}`,
	} {
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader(body)))
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, body)
	}
}

func TestHandleStatus(t *testing.T) {
	srv, st, _ := newTestServer(t)
	now := time.Now()
	require.NoError(t, st.Upsert(model.Player{
		ID: "Bob", Callsign: "Bob", X: 0.3, Y: 0.7,
		Origin: model.OriginPeer, LastUpdate: now,
	}))
	require.NoError(t, st.Upsert(model.Player{
		ID: model.LocalPlayerID, Callsign: "Alice", X: 0.5, Y: 0.5,
		Origin: model.OriginLocal, LastUpdate: now,
	}))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "Alice", resp.Callsign)
	assert.Equal(t, 1, resp.Peers, "only peer-origin players count")
	assert.Equal(t, 2, resp.Entities.Players)
}

func TestStream_SendsInitialSnapshot(t *testing.T) {
	st := store.New(store.DefaultConfig())
	require.NoError(t, st.Upsert(model.Player{
		ID: "Bob", Callsign: "Bob", X: 0.3, Y: 0.7,
		Origin: model.OriginPeer, LastUpdate: time.Now(),
	}))
	hub := NewHub(st, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleStream))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var snap struct {
		Players map[string]model.Player `json:"players"`
	}
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Contains(t, snap.Players, "Bob")
}

func TestStream_PushesUpdates(t *testing.T) {
	st := store.New(store.DefaultConfig())
	hub := NewHub(st, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleStream))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Initial snapshot is empty.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, st.Upsert(model.Player{
		ID: "Bob", Callsign: "Bob", X: 0.3, Y: 0.7,
		Origin: model.OriginPeer, LastUpdate: time.Now(),
	}))

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no pushed snapshot with Bob")
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var snap struct {
			Players map[string]model.Player `json:"players"`
		}
		require.NoError(t, json.Unmarshal(data, &snap))
		if _, ok := snap.Players["Bob"]; ok {
			return
		}
	}
}

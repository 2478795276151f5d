package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
	"github.com/JakeFAU/vision-catalog/internal/hub"
	"github.com/JakeFAU/vision-catalog/internal/id/uuid"
)

type fakeIDGen struct {
	n atomic.Int64
}

func (g *fakeIDGen) NewID() (string, error) {
	return "id-" + string(rune('a'+g.n.Add(1)-1)), nil
}

func snapshotWith(to string) *catalog.Snapshot {
	return catalog.NewSnapshot(catalog.Branch{
		"monthly": catalog.Branch{
			"klines": catalog.Branch{"BTCUSDT": catalog.Leaf{From: "2020-01", To: to}},
		},
	}, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
}

func newTestServer(t *testing.T, opts Options) (*Server, *hub.Hub) {
	t.Helper()
	h := hub.New(hub.Config{SendTimeout: time.Second})
	t.Cleanup(h.Close)
	opts.Registry = h
	if opts.IDs == nil {
		opts.IDs = uuid.New()
	}
	srv, err := NewServer(opts)
	require.NoError(t, err)
	return srv, h
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Options{IDs: uuid.New()})
	require.Error(t, err)
	_, err = NewServer(Options{Registry: hub.New(hub.Config{})})
	require.Error(t, err)
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	srv, h := newTestServer(t, Options{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.Broadcast(context.Background(), snapshotWith("2024-02"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCatalogBeforeFirstSnapshot(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/catalog", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), catalog.ErrNoSnapshot.Error())
}

func TestCatalogServesSnapshotWithETag(t *testing.T) {
	t.Parallel()

	srv, h := newTestServer(t, Options{})
	snap := snapshotWith("2024-02")
	h.Broadcast(context.Background(), snap)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/catalog", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	assert.Equal(t, `"`+snap.Fingerprint()+`"`, etag)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	got, err := catalog.DecodeSnapshot(rec.Body.Bytes())
	require.NoError(t, err)
	assert.True(t, snap.Equal(got))
	assert.True(t, snap.CompletedAt.Equal(got.CompletedAt))

	req := httptest.NewRequest(http.MethodGet, "/v1/catalog", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())

	// A changed tree invalidates the old tag.
	h.Broadcast(context.Background(), snapshotWith("2024-03"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, etag, rec.Header().Get("ETag"))
}

func TestCatalogSubtree(t *testing.T) {
	t.Parallel()

	srv, h := newTestServer(t, Options{})
	h.Broadcast(context.Background(), snapshotWith("2024-02"))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/catalog/monthly/klines/BTCUSDT", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var leaf catalog.DateRange
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &leaf))
	assert.Equal(t, catalog.DateRange{From: "2020-01", To: "2024-02"}, leaf)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/catalog/monthly/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"klines"`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/catalog/daily/klines", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{IDs: &fakeIDGen{}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "id-a", rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "caller-id")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "caller-id", rec.Header().Get(RequestIDHeader))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{})
	handler := recoverMiddleware(srv.logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestETagMatches(t *testing.T) {
	t.Parallel()

	assert.True(t, etagMatches(`"abc"`, `"abc"`))
	assert.True(t, etagMatches(`"x", W/"abc"`, `"abc"`))
	assert.True(t, etagMatches(`*`, `"abc"`))
	assert.False(t, etagMatches(``, `"abc"`))
	assert.False(t, etagMatches(`"abd"`, `"abc"`))
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readSnapshot(t *testing.T, conn *websocket.Conn) *catalog.Snapshot {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	snap, err := hub.DecodeMessage(data)
	require.NoError(t, err)
	return snap
}

func TestWebSocketReceivesLatestThenUpdates(t *testing.T) {
	t.Parallel()

	srv, h := newTestServer(t, Options{})
	first := snapshotWith("2024-02")
	h.Broadcast(context.Background(), first)

	conn := dialWS(t, srv)
	assert.True(t, first.Equal(readSnapshot(t, conn)))
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	next := snapshotWith("2024-03")
	h.Broadcast(context.Background(), next)
	assert.True(t, next.Equal(readSnapshot(t, conn)))
}

func TestWebSocketJoinBeforeFirstSnapshot(t *testing.T) {
	t.Parallel()

	srv, h := newTestServer(t, Options{})
	conn := dialWS(t, srv)
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	snap := snapshotWith("2024-02")
	h.Broadcast(context.Background(), snap)
	assert.True(t, snap.Equal(readSnapshot(t, conn)))
}

func TestWebSocketClientDisconnectLeavesHub(t *testing.T) {
	t.Parallel()

	srv, h := newTestServer(t, Options{})
	conn := dialWS(t, srv)
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	// Inbound messages are ignored.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketKeepAlivePings(t *testing.T) {
	t.Parallel()

	srv, h := newTestServer(t, Options{PingInterval: 20 * time.Millisecond})
	conn := dialWS(t, srv)

	var pings atomic.Int32
	conn.SetPingHandler(func(data string) error {
		pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return pings.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.Len())
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	t.Parallel()

	srv, h := newTestServer(t, Options{})
	conn := dialWS(t, srv)
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	h.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

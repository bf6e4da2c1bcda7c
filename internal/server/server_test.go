package server_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/server"
	"github.com/TheMichaelB/sectionrepeat/internal/worker"
)

type recorder struct {
	mu   sync.Mutex
	seen []models.MessageType
}

func (r *recorder) dispatch(_ context.Context, sender models.Sender, msg models.Message) models.Response {
	r.mu.Lock()
	r.seen = append(r.seen, msg.Type)
	r.mu.Unlock()

	switch msg.Type {
	case models.MsgGetStorageInfo:
		return models.Response{Success: true, Data: models.StorageInfo{Used: 100, Max: 1000, Percent: 10}}
	case models.MsgForcePurge:
		return models.Response{Success: true, Data: map[string]any{"purged": true}}
	case models.MsgReattemptSetup, models.MsgAcquireLock:
		return models.Response{Success: true}
	default:
		return models.Response{Success: false, Reason: models.ReasonUnknownMessageType}
	}
}

func (r *recorder) types() []models.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.MessageType(nil), r.seen...)
}

func newServer(t *testing.T, cfg config.ServerConfig) (*server.Server, *recorder, *events.Logger, *httptest.Server) {
	t.Helper()
	logger := events.NewTestLogger(events.DebugLevel, "json", &bytes.Buffer{})
	rec := &recorder{}
	s := server.New(cfg, rec.dispatch, nil, logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, rec, logger, ts
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStorageRoute(t *testing.T) {
	_, rec, _, ts := newServer(t, config.DefaultConfig().Server)

	resp, err := http.Get(ts.URL + "/api/storage")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Success bool               `json:"success"`
		Data    models.StorageInfo `json:"data"`
	}
	decode(t, resp, &body)
	assert.True(t, body.Success)
	assert.Equal(t, int64(100), body.Data.Used)
	assert.Equal(t, 10, body.Data.Percent)
	assert.Equal(t, []models.MessageType{models.MsgGetStorageInfo}, rec.types())
}

func TestPurgeAndSetupRoutes(t *testing.T) {
	_, rec, _, ts := newServer(t, config.DefaultConfig().Server)

	resp, err := http.Post(ts.URL+"/api/purge", "application/json", nil)
	require.NoError(t, err)
	var purge models.Response
	decode(t, resp, &purge)
	assert.True(t, purge.Success)
	assert.Equal(t, map[string]any{"purged": true}, purge.Data)

	resp, err = http.Post(ts.URL+"/api/setup/retry", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []models.MessageType{models.MsgForcePurge, models.MsgReattemptSetup}, rec.types())
}

func TestPurgeRejectsGet(t *testing.T) {
	_, _, _, ts := newServer(t, config.DefaultConfig().Server)

	resp, err := http.Get(ts.URL + "/api/purge")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMessageRoute(t *testing.T) {
	_, rec, _, ts := newServer(t, config.DefaultConfig().Server)

	msg, err := models.NewMessage(models.MsgAcquireLock, models.LockPayload{Key: "popup"})
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/message", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []models.MessageType{models.MsgAcquireLock}, rec.types())

	resp, err = http.Post(ts.URL+"/api/message", "application/json", strings.NewReader(`{"type":"GET_CONSTANTS"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/message", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDisabledDispatcher(t *testing.T) {
	s, _, _, ts := newServer(t, config.DefaultConfig().Server)
	s.SetDispatcher(worker.DisabledHandler)

	resp, err := http.Get(ts.URL + "/api/storage")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body models.Response
	decode(t, resp, &body)
	assert.False(t, body.Success)
	assert.Equal(t, models.ReasonCriticalInit, body.Error)
}

func TestLogsRoute(t *testing.T) {
	_, _, logger, ts := newServer(t, config.DefaultConfig().Server)
	logger.Info("quiet")
	logger.Warn("first")
	logger.Error("second")

	resp, err := http.Get(ts.URL + "/api/logs")
	require.NoError(t, err)
	var entries []events.Entry
	decode(t, resp, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Msg)

	resp, err = http.Get(ts.URL + "/api/logs?limit=1")
	require.NoError(t, err)
	decode(t, resp, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "second", entries[0].Msg)
	assert.Equal(t, "error", entries[0].Level)

	resp, err = http.Get(ts.URL + "/api/logs?limit=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOriginCheck(t *testing.T) {
	cfg := config.DefaultConfig().Server
	cfg.AllowedOrigins = []string{"chrome-extension://abc"}
	_, rec, _, ts := newServer(t, cfg)

	get := func(origin string) int {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/storage", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, get("https://evil.example"))
	assert.Equal(t, http.StatusOK, get("chrome-extension://abc"))
	assert.Len(t, rec.types(), 1)
}

func TestCleartextHTTP2(t *testing.T) {
	_, _, _, ts := newServer(t, config.DefaultConfig().Server)

	client := &http.Client{Transport: &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}}

	resp, err := client.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, resp.ProtoMajor)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig().Server
	cfg.ShutdownTimeout = time.Second
	logger := events.NewTestLogger(events.DebugLevel, "json", &bytes.Buffer{})
	rec := &recorder{}
	s := server.New(cfg, rec.dispatch, nil, logger)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

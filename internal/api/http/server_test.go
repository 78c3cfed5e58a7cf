package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/spdispatch/internal/dispatcher"
	"github.com/saltfish/spdispatch/internal/events"
)

type stubSource struct {
	snap dispatcher.Snapshot
	err  error
}

func (s *stubSource) Snapshot(ctx context.Context) (dispatcher.Snapshot, error) {
	return s.snap, s.err
}

type stubCheck struct{ err error }

func (c stubCheck) HealthCheck(ctx context.Context) error { return c.err }

// stubSubscriber delivers a fixed set of messages and returns.
type stubSubscriber struct {
	keys     []string
	messages map[string][]byte
}

func (s *stubSubscriber) Subscribe(ctx context.Context, routingKeys []string, handler events.EventHandler) error {
	s.keys = routingKeys
	for key, body := range s.messages {
		if err := handler(key, body); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubSubscriber) Close() error { return nil }

func testSnapshot() dispatcher.Snapshot {
	return dispatcher.Snapshot{
		ProblemType: "min_cvar_sp",
		Total:       10,
		Finished:    4,
		InProgress:  2,
		Unfinished:  4,
		Percent:     40,
		ByWorker:    map[string]int{"nodeA": 2},
	}
}

func newTestServer(t *testing.T, source ProgressSource) *Server {
	t.Helper()
	return NewServer(":0", source, prometheus.NewRegistry(), "", zaptest.NewLogger(t))
}

func TestServer_Progress(t *testing.T) {
	s := newTestServer(t, &stubSource{snap: testSnapshot()})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got dispatcher.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, testSnapshot(), got)

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, 4, last.Finished)
}

func TestServer_ProgressError(t *testing.T) {
	s := newTestServer(t, &stubSource{err: errors.New("corrupt ledger")})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "corrupt ledger", body.Error)

	_, ok := s.Last()
	assert.False(t, ok)
}

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name       string
		check      error
		wantStatus int
		wantState  string
	}{
		{name: "healthy", wantStatus: http.StatusOK, wantState: "healthy"},
		{name: "postgres down", check: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable, wantState: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &stubSource{snap: testSnapshot()})
			s.AddHealthCheck("postgres", stubCheck{err: tt.check})

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantState, body.Status)
			assert.Contains(t, body.Services["postgres"], tt.wantState)
		})
	}
}

func TestServer_Readiness(t *testing.T) {
	ready := newTestServer(t, &stubSource{snap: testSnapshot()})
	rec := httptest.NewRecorder()
	ready.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	notReady := newTestServer(t, &stubSource{err: errors.New("results dir unreadable")})
	rec = httptest.NewRecorder()
	notReady.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "results dir unreadable")

	rec = httptest.NewRecorder()
	notReady.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ProgressPage(t *testing.T) {
	s := newTestServer(t, &stubSource{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "api/ws")
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := dispatcher.NewMetrics(reg, "min_cvar_sp")
	m.Claims.Add(2)

	s := NewServer(":0", &stubSource{}, reg, "", zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `spdispatch_claims_total{prob_type="min_cvar_sp"} 2`)
}

func TestServer_WebSocketReceivesProgress(t *testing.T) {
	s := newTestServer(t, &stubSource{snap: testSnapshot()})
	go s.hub.Run()
	defer s.hub.Shutdown()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	s.refresh()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string              `json:"type"`
		Data dispatcher.Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, EventTypeProgress, msg.Type)
	assert.Equal(t, 10, msg.Data.Total)
}

func TestServer_Forward(t *testing.T) {
	s := newTestServer(t, &stubSource{})
	go s.hub.Run()
	defer s.hub.Shutdown()

	client := newTestClient(s.hub)
	s.hub.register <- client
	waitForClients(t, s.hub, 1)

	sub := &stubSubscriber{messages: map[string][]byte{
		events.RoutingKeyExperimentReleased: []byte(`{"key":"5|50|200|unbiased|1|0.5","worker":"nodeA"}`),
	}}
	require.NoError(t, s.Forward(context.Background(), sub))
	assert.Equal(t, []string{events.RoutingKeyAll}, sub.keys)

	got := receive(t, client)
	assert.Equal(t, events.RoutingKeyExperimentReleased, got.Type)
	assert.Equal(t, "nodeA", got.Data.(map[string]interface{})["worker"])

	bad := &stubSubscriber{messages: map[string][]byte{"dispatch.idle": []byte("not json")}}
	assert.Error(t, s.Forward(context.Background(), bad))
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", &stubSource{snap: testSnapshot()}, prometheus.NewRegistry(), "@every 1h", zaptest.NewLogger(t))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

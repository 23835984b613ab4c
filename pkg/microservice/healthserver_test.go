package microservice_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/bridge"
	"github.com/illmade-knight/go-mqttbridge/pkg/microservice"
	"github.com/illmade-knight/go-mqttbridge/pkg/relay"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	state  bridge.State
	status bridge.Status
}

func (s *stubSource) State() bridge.State   { return s.state }
func (s *stubSource) Status() bridge.Status { return s.status }

func TestHealthServer_Healthz(t *testing.T) {
	src := &stubSource{state: bridge.StateConnecting}
	srv := microservice.NewHealthServer(zerolog.Nop(), ":0", src)

	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connecting")

	src.state = bridge.StateRunning
	rec = httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHealthServer_Status(t *testing.T) {
	src := &stubSource{
		state: bridge.StateRunning,
		status: bridge.Status{
			State:    "running",
			SyncMode: true,
			Primary:  bridge.SideStatus{Side: "primary", ClientID: "Primary", State: "connected", Connected: true},
			Relays:   map[string]relay.Stats{"primary->secondary": {Relayed: 7}},
		},
	}
	srv := microservice.NewHealthServer(zerolog.Nop(), ":0", src)

	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got bridge.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, src.status, got)
}

func TestHealthServer_StartAndShutdown(t *testing.T) {
	srv := microservice.NewHealthServer(zerolog.Nop(), "127.0.0.1:0", &stubSource{state: bridge.StateRunning})
	require.NoError(t, srv.Start())
	port := srv.GetHTTPPort()
	require.NotEqual(t, ":0", port)

	resp, err := http.Get("http://127.0.0.1" + port + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}

package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pair_bot/internal/modules/health/service"
)

func TestLivez(t *testing.T) {
	mux := NewMux(service.NewState())

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestReadyzFollowsState(t *testing.T) {
	state := service.NewState()
	mux := NewMux(state)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	state.SetReady(true)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHealthzReportsPairStates(t *testing.T) {
	state := service.NewState()
	state.SetReady(true)
	state.SetWSConnected(true)
	state.SetPairStates(func() map[string]string {
		return map[string]string{"s1/l1": "MONITORING", "s2/l2": "FUNDING"}
	})

	mux := NewMux(state)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp struct {
		Ready       bool              `json:"ready"`
		WSConnected bool              `json:"wsConnected"`
		UptimeSec   int64             `json:"uptimeSec"`
		Pairs       map[string]string `json:"pairs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	assert.True(t, resp.Ready)
	assert.True(t, resp.WSConnected)
	assert.Equal(t, map[string]string{"s1/l1": "MONITORING", "s2/l2": "FUNDING"}, resp.Pairs)
}

func TestHealthzEmptyPairsBeforeStart(t *testing.T) {
	mux := NewMux(service.NewState())

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["ready"])
	assert.Equal(t, map[string]any{}, resp["pairs"])
}

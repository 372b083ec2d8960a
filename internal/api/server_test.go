package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefix/edgefix/internal/lease"
	"github.com/edgefix/edgefix/internal/logbuf"
	"github.com/edgefix/edgefix/internal/metrics"
	"github.com/edgefix/edgefix/internal/resolver"
	"github.com/edgefix/edgefix/internal/types"
)

type fakeEngine struct {
	records  map[string]resolver.Record
	attempts map[string][]types.Attempt
}

func (f *fakeEngine) Alert(id string) (resolver.Record, bool) {
	r, ok := f.records[id]
	return r, ok
}

func (f *fakeEngine) Attempts(_ context.Context, id string) ([]types.Attempt, error) {
	return f.attempts[id], nil
}

func (f *fakeEngine) Counts() map[types.State]int {
	return map[types.State]int{types.StateResolved: len(f.records)}
}

type fakeIntake struct {
	seen map[string]bool
	err  error
}

func (f *fakeIntake) Accept(a types.Alert) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen[a.ID] {
		return false, nil
	}
	f.seen[a.ID] = true
	return true, nil
}

type fakeLeases []lease.Lease

func (f fakeLeases) Active() []lease.Lease { return f }

func newTestServer() (*Server, *fakeIntake) {
	eng := &fakeEngine{
		records: map[string]resolver.Record{
			"alert-1": {Alert: types.Alert{ID: "alert-1", DeviceID: "dev-1", Type: "Offline", AttemptCount: 1}, State: types.StateResolved, Closed: true},
		},
		attempts: map[string][]types.Attempt{
			"alert-1": {{AlertID: "alert-1", Number: 1, State: types.StateResolved, Reason: "RestartModule acked"}},
		},
	}
	in := &fakeIntake{seen: map[string]bool{}}
	leases := fakeLeases{{DeviceID: "dev-2", AlertID: "alert-2", Token: 7, ExpiresAt: time.Now().Add(time.Minute)}}
	return NewServer(eng, in, leases, zerolog.Nop(), "0"), in
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmitAlert(t *testing.T) {
	s, _ := newTestServer()
	h := s.Router()
	body := `{"alert_id":"alert-9","device_id":"dev-9","alert_type":"Offline","raised_at":"2024-05-01T12:00:00Z"}`

	rec := do(t, h, http.MethodPost, "/alerts", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, decode(t, rec)["accepted"])

	rec = do(t, h, http.MethodPost, "/alerts", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["duplicate"])
}

func TestSubmitAlert_GeneratesID(t *testing.T) {
	s, _ := newTestServer()
	rec := do(t, s.Router(), http.MethodPost, "/alerts", `{"device_id":"dev-9","alert_type":"Offline"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, decode(t, rec)["alert_id"], 36)
}

func TestSubmitAlert_Errors(t *testing.T) {
	s, in := newTestServer()
	h := s.Router()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/alerts", `{not json`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/alerts", `{"device_id":"d","bogus":1}`).Code)

	in.err = fmt.Errorf("%w: device_id required", resolver.ErrInvalidAlert)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/alerts", `{"alert_id":"x"}`).Code)

	in.err = resolver.ErrAlertClosed
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/alerts", `{"alert_id":"x"}`).Code)

	in.err = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodPost, "/alerts", `{"alert_id":"x"}`).Code)
}

func TestGetAlert(t *testing.T) {
	s, _ := newTestServer()
	h := s.Router()

	rec := do(t, h, http.MethodGet, "/alerts/alert-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Record   resolver.Record `json:"record"`
		Attempts []types.Attempt `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, types.StateResolved, body.Record.State)
	require.Len(t, body.Attempts, 1)
	assert.Equal(t, "RestartModule acked", body.Attempts[0].Reason)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/alerts/nope", "").Code)
}

func TestLeasesAndStatus(t *testing.T) {
	s, _ := newTestServer()
	s.SetVersion("1.2.3", "abc123", "2024-05-01")
	h := s.Router()

	rec := do(t, h, http.MethodGet, "/leases", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, "1.2.3", status["version"])
	assert.Equal(t, float64(1), status["active_leases"])
	assert.Equal(t, map[string]interface{}{"Resolved": float64(1)}, status["alerts"])
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer()
	assert.Equal(t, http.StatusOK, do(t, s.Router(), http.MethodGet, "/health", "").Code)

	s.AddHealthCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	rec := do(t, s.Router(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["postgres"])
}

func TestLogsAPI(t *testing.T) {
	s, _ := newTestServer()
	lb := logbuf.New(10)
	s.SetLogBuffer(lb)
	log := zerolog.New(lb)
	log.Info().Str("device_id", "dev-1").Msg("attempt finished")
	log.Info().Str("device_id", "dev-2").Msg("attempt finished")
	h := s.Router()

	rec := do(t, h, http.MethodGet, "/api/logs?device_id=dev-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/logs?limit=-1", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.AttemptFinished("Resolved")
	s.SetGatherer(reg)

	rec := do(t, s.Router(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `edgefix_resolution_attempts_total{state="Resolved"} 1`)
}

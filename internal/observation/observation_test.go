package observation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"ramsis/internal/domain"
	"ramsis/internal/httpx"
	logx "ramsis/pkg/logx"
)

const sampleGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"id": "ev2", "properties": {"time": "2020-03-01T02:00:00Z", "mag": 1.4},
     "geometry": {"coordinates": [8.47, 47.37, 4.1]}},
    {"id": "ev1", "properties": {"time": 1583020800000, "mag": 0.9},
     "geometry": {"coordinates": [8.48, 47.38, 4.0]}},
    {"id": "nomag", "properties": {"time": 1583020800000},
     "geometry": {"coordinates": [8.48, 47.38]}}
  ]
}`

const sampleHYDWS = `{
  "sections": [{
    "hydraulics": [
      {"datetime": {"value": "2020-03-01T01:00:00"}, "topflow": {"value": 0.02}, "toppressure": {"value": 3.1e6}},
      {"datetime": {"value": "2020-03-01T00:00:00"}, "bottomflow": {"value": 0.01}, "bottompressure": {"value": 2.9e6}}
    ]
  }]
}`

var t0 = time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)

func TestDecodeGeoJSON(t *testing.T) {
	t.Parallel()
	events, err := DecodeSeismic([]byte(sampleGeoJSON))
	if err != nil {
		t.Fatalf("DecodeSeismic error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].PublicID != "ev1" || !events[0].DateTime.Equal(t0) {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].Depth != 4.1 || events[1].Latitude != 47.37 {
		t.Fatalf("coordinates not mapped: %+v", events[1])
	}
}

func TestDecodeHYDWS(t *testing.T) {
	t.Parallel()
	samples, err := DecodeHydraulic([]byte(sampleHYDWS))
	if err != nil {
		t.Fatalf("DecodeHydraulic error: %v", err)
	}
	if len(samples) != 2 || samples[0].Flow != 0.01 || samples[1].Pressure != 3.1e6 {
		t.Fatalf("samples = %+v", samples)
	}
}

func TestDecodeArrays(t *testing.T) {
	t.Parallel()
	events, err := DecodeSeismic([]byte(`[{"datetime":"2020-03-01T00:00:00Z","magnitude":1}]`))
	if err != nil || len(events) != 1 {
		t.Fatalf("DecodeSeismic array = (%v, %v)", events, err)
	}
	if _, err := DecodeSeismic([]byte(`{"type":"Feature"}`)); err == nil {
		t.Fatal("expected error for non-collection GeoJSON")
	}
}

func TestRemoteRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Query().Get("format") != "geojson" || r.URL.Query().Get("endtime") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleGeoJSON))
	}))
	defer srv.Close()

	src := NewRemote(RemoteConfig{SeismicURL: srv.URL, RetryMax: 3, RetryDelay: time.Millisecond}, logx.Nop())
	events, err := src.Seismic(context.Background(), time.Time{}, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Seismic error: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	// ev2 at 02:00 is past the window end.
	if len(events) != 1 || events[0].PublicID != "ev1" {
		t.Fatalf("events = %+v", events)
	}
}

func TestRemotePermanentFailureNotRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	src := NewRemote(RemoteConfig{SeismicURL: srv.URL, RetryMax: 3, RetryDelay: time.Millisecond}, logx.Nop())
	_, err := src.Seismic(context.Background(), time.Time{}, t0)
	if err == nil || !httpx.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent status error", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestRemoteNoContent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	src := NewRemote(RemoteConfig{SeismicURL: srv.URL, HydraulicURL: srv.URL}, logx.Nop())
	ev, err := src.Seismic(context.Background(), time.Time{}, t0)
	if err != nil || len(ev) != 0 {
		t.Fatalf("Seismic = (%v, %v)", ev, err)
	}
	h, err := src.Hydraulic(context.Background(), time.Time{}, t0)
	if err != nil || len(h) != 0 {
		t.Fatalf("Hydraulic = (%v, %v)", h, err)
	}
}

func TestReadFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sp := filepath.Join(dir, "catalog.geojson")
	hp := filepath.Join(dir, "hyd.json")
	if err := os.WriteFile(sp, []byte(sampleGeoJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(hp, []byte(sampleHYDWS), 0o644); err != nil {
		t.Fatal(err)
	}
	if ev, err := ReadSeismicFile(sp); err != nil || len(ev) != 2 {
		t.Fatalf("ReadSeismicFile = (%d, %v)", len(ev), err)
	}
	if h, err := ReadHydraulicFile(hp); err != nil || len(h) != 2 {
		t.Fatalf("ReadHydraulicFile = (%d, %v)", len(h), err)
	}

	st := Static{Events: mustSeismic(t, sp)}
	got, _ := st.Seismic(context.Background(), t0, t0.Add(time.Hour))
	if len(got) != 1 {
		t.Fatalf("Static.Seismic = %+v", got)
	}
}

func mustSeismic(t *testing.T, path string) []domain.SeismicEvent {
	t.Helper()
	ev, err := ReadSeismicFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "ramsis/pkg/logx"
)

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func() any { return map[string]string{"state": "ready"} }, logx.Nop())

	tests := []struct {
		name   string
		cfg    Config
		path   string
		header string
		code   int
	}{
		{name: "healthz", path: "/healthz", code: http.StatusOK},
		{name: "status", path: "/status", code: http.StatusOK},
		{name: "pprof off", path: "/debug/pprof/", code: http.StatusNotFound},
		{name: "pprof on", cfg: Config{Pprof: true}, path: "/debug/pprof/", code: http.StatusOK},
		{name: "missing token", cfg: Config{Token: "t"}, path: "/status", code: http.StatusUnauthorized},
		{name: "wrong query token", cfg: Config{Token: "t"}, path: "/status?token=x", code: http.StatusUnauthorized},
		{name: "query token", cfg: Config{Token: "t"}, path: "/status?token=t", code: http.StatusOK},
		{name: "bearer token", cfg: Config{Token: "t"}, path: "/healthz", header: "Bearer t", code: http.StatusOK},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(s.Handler(tt.cfg))
		req, err := http.NewRequest(http.MethodGet, srv.URL+tt.path, nil)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		_ = resp.Body.Close()
		srv.Close()
		if resp.StatusCode != tt.code {
			t.Fatalf("%s: status = %d, want %d", tt.name, resp.StatusCode, tt.code)
		}
	}
}

func TestStatusBody(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func() any { return map[string]any{"state": "busy", "queue": 3} }, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	if got["state"] != "busy" || got["queue"] != float64(3) {
		t.Fatalf("body = %v", got)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestServerRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	err := s.serveOnce(context.Background())
	if err == nil || err.Error() != "ops server refused to start: insecure bind" {
		t.Fatalf("err = %v", err)
	}
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	ctx := context.Background()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})

	deadline := time.Now().Add(5 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatalf("addr = %q after stop", s.Addr())
	}
}

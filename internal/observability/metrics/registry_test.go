package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistriesAreIsolated(t *testing.T) {
	a := NewRegistry("relay")
	b := NewRegistry("relay")
	a.CacheHit("agent")
	a.CacheHit("agent")
	a.CacheMiss("agent")

	if got := a.Counter("cache_requests_total", "agent", ResultHit); got != 2 {
		t.Fatalf("expected 2 hits, got %d", got)
	}
	if got := b.Counter("cache_requests_total", "agent", ResultHit); got != 0 {
		t.Fatalf("registries must not share state, got %d", got)
	}
}

func TestResolutionHistogramOutcome(t *testing.T) {
	r := NewRegistry("relay")
	r.ObserveResolution("secret", nil, 20*time.Millisecond)
	r.ObserveResolution("secret", errors.New("boom"), time.Second)

	if got := r.HistogramCount("cache_resolution_duration_seconds", "secret", OutcomeSuccess); got != 1 {
		t.Fatalf("unexpected success count %d", got)
	}
	if got := r.HistogramCount("cache_resolution_duration_seconds", "secret", OutcomeFailure); got != 1 {
		t.Fatalf("unexpected failure count %d", got)
	}
}

func TestHandlerRendersPrometheusText(t *testing.T) {
	r := NewRegistry("relay")
	handler := r.Instrument("history", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/groups/g/history", nil))
	r.CacheMiss(`we"ird`)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`relay_http_requests_total{handler="history",method="GET",code="502"} 1`,
		`relay_http_request_errors_total{handler="history",method="GET"} 1`,
		`relay_http_request_duration_seconds_count{handler="history",method="GET"} 1`,
		`relay_cache_requests_total{resource="we\"ird",result="miss"} 1`,
		"# TYPE relay_cache_resolution_duration_seconds histogram",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in:\n%s", want, text)
		}
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.CacheHit("agent")
	r.Dispatch("ok")
	if r.Counter("dispatch_total", "ok") != 0 {
		t.Fatalf("nil registry should report zero")
	}
}

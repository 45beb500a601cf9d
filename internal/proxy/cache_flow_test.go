package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tibiastatic/tibiastatic/internal/cache"
	"github.com/tibiastatic/tibiastatic/internal/config"
	"github.com/tibiastatic/tibiastatic/internal/metrics"
	"github.com/tibiastatic/tibiastatic/internal/origin"
	"github.com/tibiastatic/tibiastatic/internal/server"
)

func TestCacheFlowMissThenHit(t *testing.T) {
	upstream := newOriginStub(t)
	upstream.set("/items/2195.gif", bytes.Repeat([]byte("g"), 3000), "image/gif")
	flow := newCacheFlow(t, upstream.URL, 10*1024*1024)

	resp := flow.get(t, "/items/2195.gif")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if len(body) != 3000 {
		t.Fatalf("expected 3000 bytes, got %d", len(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/gif" {
		t.Fatalf("expected image/gif, got %s", ct)
	}
	if hit := resp.Header.Get("X-Tibiastatic-Cache"); hit != "miss" {
		t.Fatalf("expected cache miss header, got %s", hit)
	}
	if _, err := os.Stat(filepath.Join(flow.root, "items", "2195.gif")); err != nil {
		t.Fatalf("expected storage/items/2195.gif: %v", err)
	}

	resp2 := flow.get(t, "/items/2195.gif")
	body2, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	if resp2.Header.Get("X-Tibiastatic-Cache") != "hit" {
		t.Fatalf("expected cache hit on second request")
	}
	if !bytes.Equal(body, body2) {
		t.Fatalf("cached body differs from fetched body")
	}
	if hits := upstream.hitCount("/items/2195.gif"); hits != 1 {
		t.Fatalf("expected single upstream GET, got %d", hits)
	}

	flow.expectMetric(t, `request_total{result="success"} 2`)
	flow.expectMetric(t, "file_size_bytes_total 6000")
}

func TestCacheFlowOriginNotFound(t *testing.T) {
	upstream := newOriginStub(t)
	flow := newCacheFlow(t, upstream.URL, 1024)

	resp := flow.get(t, "/items/unknown.gif")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "items/unknown.gif") {
		t.Fatalf("404 body should name the path, got %s", string(body))
	}
	if _, err := os.Stat(filepath.Join(flow.root, "items", "unknown.gif")); !os.IsNotExist(err) {
		t.Fatalf("no file should be created, err=%v", err)
	}
	flow.expectMetric(t, `request_total{result="not_found"} 1`)
}

func TestCacheFlowForbiddenPaths(t *testing.T) {
	upstream := newOriginStub(t)
	flow := newCacheFlow(t, upstream.URL, 1024)

	resp := flow.get(t, "/items/2195")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if string(body) != "Path must be a file" {
		t.Fatalf("unexpected body %q", string(body))
	}

	resp = flow.get(t, "/%2e%2e/%2e%2e/etc/passwd.txt")
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusForbidden && resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("encoded traversal must not be served, got %d", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(flow.root), "etc", "passwd.txt")); err == nil {
		t.Fatalf("traversal escaped the storage root")
	}
}

func TestCacheFlowOversizeUpstreamIsForbidden(t *testing.T) {
	upstream := newOriginStub(t)
	upstream.set("/big.png", make([]byte, 4096), "image/png")
	flow := newCacheFlow(t, upstream.URL, 1024)

	resp := flow.get(t, "/big.png")
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(flow.root, "big.png")); !os.IsNotExist(err) {
		t.Fatalf("oversize body must not be persisted, err=%v", err)
	}
	flow.expectMetric(t, `request_total{result="forbidden"} 1`)
}

func TestCacheFlowStaleGuildLogoTriggersRefetch(t *testing.T) {
	upstream := newOriginStub(t)
	upstream.set("/guildlogos/123.gif", []byte("logo"), "image/gif")
	flow := newCacheFlow(t, upstream.URL, 1024)

	store, err := cache.NewStore(flow.root)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	if _, err := store.Put(t.Context(), cache.Key("guildlogos/123.gif"), bytes.NewReader([]byte("logo")), cache.PutOptions{ModTime: time.Now().Add(-13 * time.Hour)}); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	resp := flow.get(t, "/guildlogos/123.gif")
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if hits := upstream.hitCount("/guildlogos/123.gif"); hits != 1 {
		t.Fatalf("stale logo should be refetched once, got %d", hits)
	}
}

func TestCacheFlowHealthcheck(t *testing.T) {
	upstream := newOriginStub(t)
	flow := newCacheFlow(t, upstream.URL, 1024)

	resp := flow.get(t, server.HealthcheckPath)
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if upstream.totalHits() != 0 {
		t.Fatalf("healthcheck must not hit the origin")
	}
}

type cacheFlow struct {
	app  *fiber.App
	root string
}

func newCacheFlow(t *testing.T, upstreamURL string, maxBytes int64) *cacheFlow {
	t.Helper()

	root := t.TempDir()
	cfg := &config.Config{UpstreamTimeout: config.Duration(5 * time.Second)}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.NewStore(root)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	fetcher, err := origin.NewFetcher(server.NewUpstreamClient(cfg), upstreamURL, maxBytes)
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}
	recorder := metrics.NewRecorder()
	handler, err := NewHandler(Options{
		Store:         store,
		Fetcher:       fetcher,
		Policy:        cache.NewFreshnessPolicy([]string{"guildlogos"}, 12*time.Hour),
		MaxObjectSize: maxBytes,
		Metrics:       recorder,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:  logger,
		Proxy:   handler,
		Metrics: recorder.Handler(),
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	return &cacheFlow{app: app, root: root}
}

func (f *cacheFlow) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := f.app.Test(httptest.NewRequest("GET", path, nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

func (f *cacheFlow) expectMetric(t *testing.T, line string) {
	t.Helper()
	resp := f.get(t, server.MetricsPath)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), line) {
		t.Fatalf("expected metrics to contain %q, got:\n%s", line, string(body))
	}
}

type originStub struct {
	*httptest.Server
	mu        sync.Mutex
	resources map[string]stubResource
	hits      map[string]int
}

type stubResource struct {
	body        []byte
	contentType string
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	stub := &originStub{
		resources: map[string]stubResource{},
		hits:      map[string]int{},
	}
	stub.Server = httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(stub.Close)
	return stub
}

func (s *originStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	res, ok := s.resources[r.URL.Path]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", res.contentType)
	_, _ = w.Write(res.body)
}

func (s *originStub) set(path string, body []byte, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[path] = stubResource{body: body, contentType: contentType}
}

func (s *originStub) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *originStub) totalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

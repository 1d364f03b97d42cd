package shellcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/pkg/manifest"
	"github.com/always-cache/shellcache/pkg/origin"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// testOrigin serves the application shell from memory and counts fetches.
type testOrigin struct {
	fs    *origin.FSOrigin
	fsys  afero.Fs
	down  atomic.Bool
	hang  atomic.Bool
	mu    sync.Mutex
	calls int
}

func newTestOrigin(t *testing.T, skip ...string) *testOrigin {
	fsys := afero.NewMemMapFs()
	skipped := make(map[string]bool)
	for _, s := range skip {
		skipped[s] = true
	}
	for _, entry := range manifest.Default() {
		if entry == "./" || skipped[entry] {
			continue
		}
		if err := afero.WriteFile(fsys, "/"+entry, []byte("content of "+entry), 0644); err != nil {
			t.Fatal(err)
		}
	}
	afero.WriteFile(fsys, "/extra.js", []byte("extra"), 0644)
	return &testOrigin{fs: origin.NewFSOrigin(fsys), fsys: fsys}
}

func (o *testOrigin) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	if o.down.Load() {
		return nil, errors.New("connection refused")
	}
	if o.hang.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return o.fs.Fetch(ctx, r)
}

func (o *testOrigin) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func (o *testOrigin) ResetCalls() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = 0
}

func newTestEngine(t *testing.T, store cache.Store, o origin.Origin, version string, strict bool) *Engine {
	logger := zerolog.Nop()
	e, err := New(Config{
		Version:        version,
		Store:          store,
		Origin:         o,
		StrictPrecache: strict,
		Logger:         &logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func activeEngine(t *testing.T, store cache.Store, o origin.Origin, version string) *Engine {
	e := newTestEngine(t, store, o, version, false)
	if err := e.OnInstall(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.OnActivate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return e
}

func do(h func(http.ResponseWriter, *http.Request), method, target string, header ...string) (*http.Response, string) {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	res := rr.Result()
	body, _ := io.ReadAll(res.Body)
	return res, string(body)
}

func storedKeys(t *testing.T, store cache.Store, version string) []string {
	table, err := store.Open(context.Background(), version)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := table.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func TestNewRequiresVersionStoreAndOrigin(t *testing.T) {
	o := newTestOrigin(t)
	store := cache.NewMemStore()
	for _, config := range []Config{
		{Store: store, Origin: o},
		{Version: "v1", Origin: o},
		{Version: "v1", Store: store},
	} {
		if _, err := New(config); err == nil {
			t.Fatalf("Expected error for %+v", config)
		}
	}
}

func TestInstallPrecachesManifest(t *testing.T) {
	store := cache.NewMemStore()
	e := newTestEngine(t, store, newTestOrigin(t), "v1", false)

	if err := e.OnInstall(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.State() != StateWaiting {
		t.Fatalf("State is %s", e.State())
	}
	if keys := storedKeys(t, store, "v1"); len(keys) != 16 {
		t.Fatalf("Stored %d entries: %v", len(keys), keys)
	}
	if err := e.Report().Err(); err != nil {
		t.Fatal(err)
	}
}

func TestInstallSkipsFailingEntry(t *testing.T) {
	store := cache.NewMemStore()
	e := newTestEngine(t, store, newTestOrigin(t, "gong1.mp3"), "v1", false)

	if err := e.OnInstall(context.Background()); err != nil {
		t.Fatal(err)
	}
	report := e.Report()
	if len(report.Stored) != 15 || len(report.Failed) != 1 {
		t.Fatalf("Stored %d, failed %d", len(report.Stored), len(report.Failed))
	}
	if report.Failed[0].Key.URL != "/gong1.mp3" {
		t.Fatalf("Failed key is %s", report.Failed[0].Key)
	}
	if !errors.Is(report.Err(), ErrPrecacheIncomplete) {
		t.Fatalf("Report error is %v", report.Err())
	}
	if keys := storedKeys(t, store, "v1"); len(keys) != 15 {
		t.Fatalf("Stored %d entries", len(keys))
	}
	if e.State() != StateWaiting {
		t.Fatalf("State is %s", e.State())
	}
}

func TestStrictInstallFailsOnMissingEntry(t *testing.T) {
	store := cache.NewMemStore()
	e := newTestEngine(t, store, newTestOrigin(t, "app.js"), "v1", true)

	err := e.OnInstall(context.Background())
	if !errors.Is(err, ErrPrecacheIncomplete) {
		t.Fatalf("Error is %v", err)
	}
	var pErr *PrecacheError
	if !errors.As(err, &pErr) || pErr.Key.URL != "/app.js" {
		t.Fatalf("Expected precache error for /app.js, got %v", err)
	}
	if e.State() != StateRedundant {
		t.Fatalf("State is %s", e.State())
	}
	if versions, _ := store.Versions(context.Background()); len(versions) != 0 {
		t.Fatalf("Incomplete cache left behind: %v", versions)
	}
}

type brokenStore struct {
	cache.Store
}

func (brokenStore) Open(ctx context.Context, version string) (cache.Table, error) {
	return nil, errors.New("quota exceeded")
}

func TestStoreOpenFailureMakesEngineRedundant(t *testing.T) {
	o := newTestOrigin(t)
	e := newTestEngine(t, brokenStore{cache.NewMemStore()}, o, "v1", false)

	err := e.OnInstall(context.Background())
	if !errors.Is(err, ErrStoreOpen) {
		t.Fatalf("Error is %v", err)
	}
	if e.State() != StateRedundant {
		t.Fatalf("State is %s", e.State())
	}
	if o.Calls() != 0 {
		t.Fatalf("Fetched %d entries without a store", o.Calls())
	}
	if err := e.OnActivate(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Activate after failed install: %v", err)
	}
}

func TestActivateDeletesOtherVersions(t *testing.T) {
	store := cache.NewMemStore()
	for _, version := range []string{"v0", "v1"} {
		if _, err := store.Open(context.Background(), version); err != nil {
			t.Fatal(err)
		}
	}
	e := activeEngine(t, store, newTestOrigin(t), "v2")

	versions, err := store.Versions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 || versions[0] != "v2" {
		t.Fatalf("Versions are %v", versions)
	}
	if e.State() != StateActive {
		t.Fatalf("State is %s", e.State())
	}
}

func TestHitDoesNotUseNetwork(t *testing.T) {
	o := newTestOrigin(t)
	e := activeEngine(t, cache.NewMemStore(), o, "v1")
	o.ResetCalls()

	res, body := do(e.OnRequest, "GET", "/styles.css")
	if res.StatusCode != 200 || body != "content of styles.css" {
		t.Fatalf("Got %d %q", res.StatusCode, body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Shellcache; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if res.Header.Get("Content-Type") == "" {
		t.Fatal("Stored headers were not served")
	}

	o.down.Store(true)
	if res, _ := do(e.OnRequest, "GET", "/"); res.StatusCode != 200 {
		t.Fatalf("Root status %d while offline", res.StatusCode)
	}
	if o.Calls() != 0 {
		t.Fatalf("Network called %d times", o.Calls())
	}
}

func TestQueryFallsBackToPath(t *testing.T) {
	o := newTestOrigin(t)
	e := activeEngine(t, cache.NewMemStore(), o, "v1")
	o.ResetCalls()

	res, body := do(e.OnRequest, "GET", "/app.js?v=3")
	if res.StatusCode != 200 || body != "content of app.js" {
		t.Fatalf("Got %d %q", res.StatusCode, body)
	}
	if o.Calls() != 0 {
		t.Fatalf("Network called %d times", o.Calls())
	}
}

func TestMissIsWrittenThrough(t *testing.T) {
	store := cache.NewMemStore()
	o := newTestOrigin(t)
	e := activeEngine(t, store, o, "v1")

	res, body := do(e.OnRequest, "GET", "/extra.js")
	if res.StatusCode != 200 || body != "extra" {
		t.Fatalf("Got %d %q", res.StatusCode, body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Shellcache; fwd=uri-miss; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	e.Flush()

	table, _ := store.Open(context.Background(), "v1")
	stored, ok, err := table.Get(context.Background(), "GET /extra.js")
	if err != nil || !ok {
		t.Fatalf("Not stored: %v", err)
	}
	if string(stored.Body) != "extra" || stored.Header.Get("Cache-Status") != "" {
		t.Fatalf("Stored %q with header %v", stored.Body, stored.Header)
	}

	o.down.Store(true)
	if res, body := do(e.OnRequest, "GET", "/extra.js"); res.StatusCode != 200 || body != "extra" {
		t.Fatalf("Got %d %q offline", res.StatusCode, body)
	}
}

func TestErrorResponsesAreNotStored(t *testing.T) {
	store := cache.NewMemStore()
	e := activeEngine(t, store, newTestOrigin(t), "v1")

	if res, _ := do(e.OnRequest, "GET", "/missing.js"); res.StatusCode != 404 {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	e.Flush()
	for _, key := range storedKeys(t, store, "v1") {
		if key == "GET /missing.js" {
			t.Fatal("404 response was stored")
		}
	}
}

func TestNonRetrievalRequestsBypassCache(t *testing.T) {
	store := cache.NewMemStore()
	o := newTestOrigin(t)
	e := activeEngine(t, store, o, "v1")
	before := len(storedKeys(t, store, "v1"))
	o.ResetCalls()

	for _, method := range []string{"POST", "PUT", "DELETE", "HEAD"} {
		res, _ := do(e.OnRequest, method, "/styles.css")
		if cs := res.Header.Get("Cache-Status"); cs != "Shellcache; fwd=method" {
			t.Fatalf("%s Cache-Status is %s", method, cs)
		}
	}
	e.Flush()
	if o.Calls() != 4 {
		t.Fatalf("Network called %d times", o.Calls())
	}
	if after := len(storedKeys(t, store, "v1")); after != before {
		t.Fatalf("Stored %d entries, had %d", after, before)
	}
}

func TestOfflineNavigationGetsShell(t *testing.T) {
	o := newTestOrigin(t)
	e := activeEngine(t, cache.NewMemStore(), o, "v1")
	o.down.Store(true)

	res, body := do(e.OnRequest, "GET", "/settings", "Sec-Fetch-Mode", "navigate")
	if res.StatusCode != 200 || body != "content of index.html" {
		t.Fatalf("Got %d %q", res.StatusCode, body)
	}
	if cs := res.Header.Get("Cache-Status"); !strings.Contains(cs, "detail=offline") {
		t.Fatalf("Cache-Status is %s", cs)
	}

	if res, _ := do(e.OnRequest, "GET", "/about", "Accept", "text/html,*/*"); res.StatusCode != 200 {
		t.Fatalf("Navigation without fetch metadata got %d", res.StatusCode)
	}
	if res, _ := do(e.OnRequest, "GET", "/data.json", "Sec-Fetch-Mode", "cors"); res.StatusCode != http.StatusBadGateway {
		t.Fatalf("Subresource got %d", res.StatusCode)
	}
}

func TestOfflineNavigationWithoutShell(t *testing.T) {
	o := newTestOrigin(t, "index.html")
	e := activeEngine(t, cache.NewMemStore(), o, "v1")
	o.down.Store(true)

	if res, _ := do(e.OnRequest, "GET", "/settings", "Sec-Fetch-Mode", "navigate"); res.StatusCode != http.StatusBadGateway {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestRequestsBeforeActivationGoToNetwork(t *testing.T) {
	o := newTestOrigin(t)
	e := newTestEngine(t, cache.NewMemStore(), o, "v1", false)
	if err := e.OnInstall(context.Background()); err != nil {
		t.Fatal(err)
	}
	o.ResetCalls()

	res, _ := do(e.OnRequest, "GET", "/styles.css")
	if res.StatusCode != 200 || res.Header.Get("Cache-Status") != "" {
		t.Fatalf("Got %d with Cache-Status %q", res.StatusCode, res.Header.Get("Cache-Status"))
	}
	if o.Calls() != 1 {
		t.Fatalf("Network called %d times", o.Calls())
	}
}

func TestConcurrentMissesAllSucceed(t *testing.T) {
	store := cache.NewMemStore()
	e := activeEngine(t, store, newTestOrigin(t), "v1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, body := do(e.OnRequest, "GET", "/extra.js"); res.StatusCode != 200 || body != "extra" {
				t.Errorf("Got %d %q", res.StatusCode, body)
			}
		}()
	}
	wg.Wait()
	e.Flush()
	table, _ := store.Open(context.Background(), "v1")
	if res, ok, _ := table.Get(context.Background(), "GET /extra.js"); !ok || string(res.Body) != "extra" {
		t.Fatal("Entry not stored")
	}
}

type panicTable struct {
	cache.Table
}

func (panicTable) Get(ctx context.Context, key string) (cache.Resource, bool, error) {
	panic(fmt.Sprintf("broken table reading %s", key))
}

func TestPanicFallsBackToOrigin(t *testing.T) {
	i := &Interceptor{
		table:   panicTable{},
		origin:  newTestOrigin(t),
		timeout: time.Second,
		log:     zerolog.Nop(),
	}
	res, body := do(i.ServeHTTP, "GET", "/styles.css")
	if res.StatusCode != 200 || body != "content of styles.css" {
		t.Fatalf("Got %d %q", res.StatusCode, body)
	}
}

func TestClearAll(t *testing.T) {
	store := cache.NewMemStore()
	for _, version := range []string{"a", "b"} {
		store.Open(context.Background(), version)
	}
	deleted, err := ClearAll(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 2 {
		t.Fatalf("Deleted %v", deleted)
	}
	if versions, _ := store.Versions(context.Background()); len(versions) != 0 {
		t.Fatalf("Versions left: %v", versions)
	}
}

func TestClearedCacheIsRefilled(t *testing.T) {
	store := cache.NewMemStore()
	o := newTestOrigin(t)
	e := activeEngine(t, store, o, "v1")

	if _, err := ClearAll(context.Background(), store); err != nil {
		t.Fatal(err)
	}
	for _, target := range []string{"/styles.css", "/index.html"} {
		if res, _ := do(e.OnRequest, "GET", target); res.StatusCode != 200 {
			t.Fatalf("%s status %d", target, res.StatusCode)
		}
	}
	e.Flush()
	if versions, _ := store.Versions(context.Background()); len(versions) != 1 || versions[0] != "v1" {
		t.Fatalf("Versions after refill: %v", versions)
	}

	o.down.Store(true)
	res, body := do(e.OnRequest, "GET", "/styles.css")
	if res.StatusCode != 200 || body != "content of styles.css" {
		t.Fatalf("Offline got %d %q", res.StatusCode, body)
	}
	if res, _ := do(e.OnRequest, "GET", "/settings", "Sec-Fetch-Mode", "navigate"); res.StatusCode != 200 {
		t.Fatalf("Offline navigation got %d", res.StatusCode)
	}
	if got := e.Status(context.Background()).Entries; got != 2 {
		t.Fatalf("Entries after refill: %d", got)
	}
}

func TestSweptTableIsNotReopened(t *testing.T) {
	store := cache.NewMemStore()
	o := newTestOrigin(t)
	old := activeEngine(t, store, o, "v1")
	activeEngine(t, store, o, "v2")

	if res, _ := do(old.OnRequest, "GET", "/extra.js"); res.StatusCode != 200 {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	old.Flush()
	versions, _ := store.Versions(context.Background())
	if len(versions) != 1 || versions[0] != "v2" {
		t.Fatalf("Versions are %v", versions)
	}
}

func TestFetchTimeoutServesShell(t *testing.T) {
	o := newTestOrigin(t)
	logger := zerolog.Nop()
	e, err := New(Config{
		Version:      "v1",
		Store:        cache.NewMemStore(),
		Origin:       o,
		FetchTimeout: 50 * time.Millisecond,
		Logger:       &logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.OnInstall(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.OnActivate(context.Background()); err != nil {
		t.Fatal(err)
	}
	o.hang.Store(true)

	start := time.Now()
	res, body := do(e.OnRequest, "GET", "/about", "Sec-Fetch-Mode", "navigate")
	elapsed := time.Since(start)
	if res.StatusCode != 200 || body != "content of index.html" {
		t.Fatalf("Got %d %q", res.StatusCode, body)
	}
	if !strings.Contains(res.Header.Get("Cache-Status"), "detail=offline") {
		t.Fatalf("Cache-Status is %s", res.Header.Get("Cache-Status"))
	}
	if elapsed > 2*time.Second {
		t.Fatalf("Fetch was not bounded, took %s", elapsed)
	}

	if res, _ := do(e.OnRequest, "GET", "/data.json"); res.StatusCode != http.StatusBadGateway {
		t.Fatalf("Subresource got %d", res.StatusCode)
	}
}

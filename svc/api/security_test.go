package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pastelite/pkg/clock"
	"pastelite/pkg/domain"
	"pastelite/svc/db"
	"pastelite/svc/svc"
)

func setupSQLiteServer(t *testing.T) (*httptest.Server, *db.SQLite) {
	t.Helper()
	store, err := db.NewSQLite(db.SQLiteConfig{
		Path:         filepath.Join(t.TempDir(), "api.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		QueryTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	c := testCfg()
	p := svc.NewPaste(store, clock.System{}, svc.WithMaxSize(int(c.MaxPasteSize)))
	ts := httptest.NewServer(NewServer(c, p))
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})
	return ts, store
}

func postPaste(t *testing.T, baseURL string, body map[string]interface{}) (*http.Response, CreateResp) {
	t.Helper()
	jsonBody, _ := json.Marshal(body)
	resp, err := http.Post(baseURL+"/api/pastes", "application/json", bytes.NewReader(jsonBody))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out CreateResp
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
	}
	return resp, out
}

func TestSQLInjectionIsStoredVerbatim(t *testing.T) {
	ts, _ := setupSQLiteServer(t)

	payloads := []string{
		"'; DROP TABLE pastes; --",
		"' OR '1'='1",
		"1' UNION SELECT * FROM pastes--",
		"'; DELETE FROM pastes WHERE id='",
		"' WAITFOR DELAY '00:00:05'--",
	}
	for _, payload := range payloads {
		resp, created := postPaste(t, ts.URL, map[string]interface{}{"content": payload})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("create %q: got %d", payload, resp.StatusCode)
		}

		getResp, err := http.Get(ts.URL + "/api/pastes/" + created.ID)
		if err != nil {
			t.Fatal(err)
		}
		var view domain.View
		json.NewDecoder(getResp.Body).Decode(&view)
		getResp.Body.Close()
		if view.Content != payload {
			t.Errorf("round trip changed content: got %q want %q", view.Content, payload)
		}
	}

	// ids are route parameters too
	resp, err := http.Get(ts.URL + "/api/pastes/" + "x'%20OR%20'1'='1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("injected id: got %d, want 404", resp.StatusCode)
	}

	health, err := http.Get(ts.URL + "/api/healthz")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("storage unhealthy after injection attempts: %d", health.StatusCode)
	}
}

func TestXSSPayloadsRenderInert(t *testing.T) {
	ts, _ := setupSQLiteServer(t)

	payloads := []string{
		"<script>alert('XSS')</script>",
		"<img src=x onerror=alert('XSS')>",
		"<svg/onload=alert('XSS')>",
		"\"><script>alert(String.fromCharCode(88,83,83))</script>",
		"</pre><script>alert(1)</script><pre>",
		"&lt;script&gt;alert(&#x27;XSS&#x27;)&lt;/script&gt;",
	}
	for _, payload := range payloads {
		_, created := postPaste(t, ts.URL, map[string]interface{}{"content": payload})

		resp, err := http.Get(ts.URL + "/p/" + created.ID)
		if err != nil {
			t.Fatal(err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		page := string(raw)

		start := strings.Index(page, "<pre>") + len("<pre>")
		end := strings.LastIndex(page, "</pre>")
		if start < len("<pre>") || end < start {
			t.Fatalf("page has no pre block: %s", page)
		}
		body := page[start:end]
		if strings.ContainsAny(body, "<>") {
			t.Errorf("unescaped markup for %q: %s", payload, body)
		}
		if body != EscapeContent(payload) {
			t.Errorf("got %q, want %q", body, EscapeContent(payload))
		}
	}
}

func TestConcurrentViewsOverHTTP(t *testing.T) {
	ts, _ := setupSQLiteServer(t)
	const maxViews = 5
	_, created := postPaste(t, ts.URL, map[string]interface{}{"content": "race", "max_views": maxViews})

	var (
		wg       sync.WaitGroup
		ok       int64
		notFound int64
		other    int64
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(ts.URL + "/api/pastes/" + created.ID)
			if err != nil {
				atomic.AddInt64(&other, 1)
				return
			}
			resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				atomic.AddInt64(&ok, 1)
			case http.StatusNotFound:
				atomic.AddInt64(&notFound, 1)
			default:
				atomic.AddInt64(&other, 1)
			}
		}()
	}
	wg.Wait()

	if ok != maxViews {
		t.Errorf("successful views = %d, want %d", ok, maxViews)
	}
	if notFound != 30-maxViews || other != 0 {
		t.Errorf("not found = %d, other = %d", notFound, other)
	}
}

func TestClosedDatabaseFailsCleanly(t *testing.T) {
	ts, store := setupSQLiteServer(t)
	_, created := postPaste(t, ts.URL, map[string]interface{}{"content": "before"})

	store.Close()

	resp, _ := postPaste(t, ts.URL, map[string]interface{}{"content": "will fail"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("create on closed db: got %d", resp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/api/pastes/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(getResp.Body)
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusInternalServerError {
		t.Errorf("fetch on closed db: got %d", getResp.StatusCode)
	}
	if strings.Contains(string(raw), "database is closed") {
		t.Errorf("driver error leaked to client: %s", raw)
	}

	health, err := http.Get(ts.URL + "/api/healthz")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusInternalServerError {
		t.Errorf("healthz on closed db: got %d", health.StatusCode)
	}
}

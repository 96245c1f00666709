package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

// ─── Deployment provider ───────────────────────────────────────────────

// FakeProvider is an in-memory deployment-provider REST API served by
// httptest. Its routes mirror the provider endpoints the proxy calls.
//
// State maps hold raw JSON-shaped objects so tests can assert on exactly
// what the proxy sent.
type FakeProvider struct {
	Server *httptest.Server
	Token  string

	mu       sync.Mutex
	sites    []map[string]any
	deploys  map[string]map[string]any
	order    []string
	hooks    map[string]map[string]any
	metadata map[string]map[string]any
	requests []string
	seq      int

	// fail maps "METHOD /path" to a status code returned instead of the
	// normal response; raw maps it to a body returned with status 200.
	fail map[string]int
	raw  map[string]string
}

// NewFakeProvider starts a provider with one site named "blog" (id
// "site-1") whose published deploy is "dep-1".
func NewFakeProvider(t *testing.T) *FakeProvider {
	t.Helper()
	f := &FakeProvider{
		Token:    "test-token",
		deploys:  map[string]map[string]any{},
		hooks:    map[string]map[string]any{},
		metadata: map[string]map[string]any{},
		fail:     map[string]int{},
		raw:      map[string]string{},
	}
	f.AddSite("blog", "site-1")
	f.AddDeploy("site-1", "dep-1", "ready")
	f.Publish("site-1", "dep-1")

	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// BaseURL is the API root to configure the provider client with.
func (f *FakeProvider) BaseURL() string {
	return f.Server.URL + "/api/v1"
}

// FailWith makes requests matching "METHOD /path" fail with status.
func (f *FakeProvider) FailWith(key string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[key] = status
}

// RespondRaw makes requests matching "METHOD /path" return body with 200.
func (f *FakeProvider) RespondRaw(key, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw[key] = body
}

// Reset removes any forced response for key.
func (f *FakeProvider) Reset(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fail, key)
	delete(f.raw, key)
}

// AddSite registers a site.
func (f *FakeProvider) AddSite(name, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sites = append(f.sites, map[string]any{
		"id":      id,
		"site_id": id,
		"name":    name,
		"url":     "https://" + name + ".example.app",
		"state":   "current",
	})
}

// AddDeploy registers a deploy for a site.
func (f *FakeProvider) AddDeploy(siteID, id, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys[id] = map[string]any{
		"id":         id,
		"site_id":    siteID,
		"state":      state,
		"locked":     false,
		"created_at": fmt.Sprintf("2024-01-15T10:%02d:00Z", len(f.order)),
	}
	f.order = append(f.order, id)
}

// SetDeployState changes the state of a deploy.
func (f *FakeProvider) SetDeployState(id, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.deploys[id]; ok {
		d["state"] = state
	}
}

// Publish sets the published deploy of a site.
func (f *FakeProvider) Publish(siteID, deployID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishLocked(siteID, deployID)
}

func (f *FakeProvider) publishLocked(siteID, deployID string) {
	for _, s := range f.sites {
		if s["site_id"] == siteID {
			s["published_deploy"] = f.deploys[deployID]
		}
	}
}

// AddHook registers a hook directly, bypassing the API.
func (f *FakeProvider) AddHook(id, siteID, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[id] = map[string]any{
		"id":      id,
		"site_id": siteID,
		"type":    "url",
		"event":   "deploy_created",
		"data":    map[string]any{"url": url},
	}
}

// Hooks returns a copy of the registered hooks.
func (f *FakeProvider) Hooks() map[string]map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]map[string]any, len(f.hooks))
	for k, v := range f.hooks {
		out[k] = v
	}
	return out
}

// Deploy returns a copy of a deploy object.
func (f *FakeProvider) Deploy(id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]any{}
	for k, v := range f.deploys[id] {
		out[k] = v
	}
	return out
}

// SetMetadata replaces a site's metadata.
func (f *FakeProvider) SetMetadata(siteID string, md map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata[siteID] = md
}

// Metadata returns a copy of a site's metadata.
func (f *FakeProvider) Metadata(siteID string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]any{}
	for k, v := range f.metadata[siteID] {
		out[k] = v
	}
	return out
}

// Requests returns the "METHOD /path" log of received requests.
func (f *FakeProvider) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// Count returns how many received requests start with prefix.
func (f *FakeProvider) Count(prefix string) int {
	n := 0
	for _, r := range f.Requests() {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (f *FakeProvider) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1")
	key := r.Method + " " + path

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, key)

	if r.Header.Get("Authorization") != "Bearer "+f.Token {
		writeFake(w, http.StatusUnauthorized, map[string]any{"code": 401, "message": "Access Denied"})
		return
	}
	if code, ok := f.fail[key]; ok {
		writeFake(w, code, map[string]any{"code": code, "message": "forced failure"})
		return
	}
	if raw, ok := f.raw[key]; ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, raw)
		return
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case r.Method == http.MethodGet && path == "/sites":
		name := r.URL.Query().Get("name")
		out := []map[string]any{}
		for _, s := range f.sites {
			if strings.Contains(s["name"].(string), name) {
				out = append(out, s)
			}
		}
		writeFake(w, http.StatusOK, out)

	case len(parts) == 3 && parts[0] == "sites" && parts[2] == "deploys" && r.Method == http.MethodGet:
		out := []map[string]any{}
		for i := len(f.order) - 1; i >= 0; i-- {
			d := f.deploys[f.order[i]]
			if d["site_id"] == parts[1] {
				out = append(out, d)
			}
		}
		writeFake(w, http.StatusOK, out)

	case len(parts) == 3 && parts[0] == "sites" && parts[2] == "builds" && r.Method == http.MethodPost:
		f.seq++
		deployID := fmt.Sprintf("dep-build-%d", f.seq)
		f.deploys[deployID] = map[string]any{"id": deployID, "site_id": parts[1], "state": "building", "locked": false}
		f.order = append(f.order, deployID)
		writeFake(w, http.StatusOK, map[string]any{
			"id":        fmt.Sprintf("build-%d", f.seq),
			"deploy_id": deployID,
			"done":      false,
		})

	case len(parts) == 3 && parts[0] == "deploys" && (parts[2] == "lock" || parts[2] == "unlock") && r.Method == http.MethodPost:
		d, ok := f.deploys[parts[1]]
		if !ok {
			writeFake(w, http.StatusNotFound, map[string]any{"code": 404, "message": "Not Found"})
			return
		}
		d["locked"] = parts[2] == "lock"
		writeFake(w, http.StatusOK, d)

	case len(parts) == 2 && parts[0] == "deploys" && r.Method == http.MethodGet:
		d, ok := f.deploys[parts[1]]
		if !ok {
			writeFake(w, http.StatusNotFound, map[string]any{"code": 404, "message": "Not Found"})
			return
		}
		writeFake(w, http.StatusOK, d)

	case len(parts) == 5 && parts[0] == "sites" && parts[2] == "deploys" && parts[4] == "restore" && r.Method == http.MethodPost:
		d, ok := f.deploys[parts[3]]
		if !ok || d["site_id"] != parts[1] {
			writeFake(w, http.StatusNotFound, map[string]any{"code": 404, "message": "Not Found"})
			return
		}
		f.publishLocked(parts[1], parts[3])
		d["published_at"] = "2024-01-15T11:00:00Z"
		writeFake(w, http.StatusOK, d)

	case len(parts) == 3 && parts[0] == "sites" && parts[2] == "metadata" && r.Method == http.MethodGet:
		md := f.metadata[parts[1]]
		if md == nil {
			md = map[string]any{}
		}
		writeFake(w, http.StatusOK, md)

	case len(parts) == 3 && parts[0] == "sites" && parts[2] == "metadata" && r.Method == http.MethodPut:
		var md map[string]any
		if err := json.NewDecoder(r.Body).Decode(&md); err != nil {
			writeFake(w, http.StatusUnprocessableEntity, map[string]any{"code": 422, "message": err.Error()})
			return
		}
		f.metadata[parts[1]] = md
		w.WriteHeader(http.StatusNoContent)

	case path == "/hooks" && r.Method == http.MethodPost:
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeFake(w, http.StatusUnprocessableEntity, map[string]any{"code": 422, "message": err.Error()})
			return
		}
		f.seq++
		id := fmt.Sprintf("hook-%d", f.seq)
		body["id"] = id
		if body["site_id"] == nil {
			body["site_id"] = r.URL.Query().Get("site_id")
		}
		f.hooks[id] = body
		writeFake(w, http.StatusCreated, body)

	case len(parts) == 2 && parts[0] == "hooks" && r.Method == http.MethodGet:
		h, ok := f.hooks[parts[1]]
		if !ok {
			writeFake(w, http.StatusNotFound, map[string]any{"code": 404, "message": "Not Found"})
			return
		}
		writeFake(w, http.StatusOK, h)

	case len(parts) == 2 && parts[0] == "hooks" && r.Method == http.MethodDelete:
		if _, ok := f.hooks[parts[1]]; !ok {
			writeFake(w, http.StatusNotFound, map[string]any{"code": 404, "message": "Not Found"})
			return
		}
		delete(f.hooks, parts[1])
		w.WriteHeader(http.StatusNoContent)

	default:
		writeFake(w, http.StatusNotFound, map[string]any{"code": 404, "message": "Not Found"})
	}
}

// HookIDs returns the registered hook ids in sorted order.
func (f *FakeProvider) HookIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.hooks))
	for id := range f.hooks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func writeFake(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

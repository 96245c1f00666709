package webhook_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/raysh454/deployproxy/internal/errs"
	"github.com/raysh454/deployproxy/internal/provider"
	"github.com/raysh454/deployproxy/internal/testutil"
	"github.com/raysh454/deployproxy/internal/webclient"
	"github.com/raysh454/deployproxy/internal/webhook"
)

const namespace = "/dwaring87-publish-netlify"

func newClient(t *testing.T, fp *testutil.FakeProvider) *provider.Client {
	t.Helper()
	wc, err := webclient.NewNetHTTPClient(webclient.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("NewNetHTTPClient: %v", err)
	}
	return provider.New(provider.Options{BaseURL: fp.BaseURL(), Token: fp.Token, SiteName: "blog"}, wc, nil)
}

type stubActivity struct {
	id  int64
	err error
}

func (s stubActivity) Latest(context.Context) (int64, error) { return s.id, s.err }

type fireRecorder struct {
	mu    sync.Mutex
	fires []bool
}

func (r *fireRecorder) WebhookFired(updated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fires = append(r.fires, updated)
}

func newRegistrar(t *testing.T, fp *testutil.FakeProvider, opts ...webhook.Option) *webhook.Registrar {
	t.Helper()
	cfg := webhook.Config{PublicURL: "https://cms.example.com", Namespace: namespace, Branch: "main"}
	return webhook.New(cfg, newClient(t, fp), stubActivity{id: 42}, &testutil.DummyLogger{}, opts...)
}

// ─── Callback URL ──────────────────────────────────────────────────────

func TestCallbackURL(t *testing.T) {
	cases := []struct {
		public, namespace, want string
	}{
		{"https://cms.example.com", namespace, "https://cms.example.com/dwaring87-publish-netlify/hook/fire?access_token=tok"},
		{"https://cms.example.com/", namespace, "https://cms.example.com/dwaring87-publish-netlify/hook/fire?access_token=tok"},
		{"https://cms.example.com//admin//", "/" + namespace + "/", "https://cms.example.com/admin/dwaring87-publish-netlify/hook/fire?access_token=tok"},
		{"http://localhost:8055", "proxy", "http://localhost:8055/proxy/hook/fire?access_token=tok"},
	}
	for _, tc := range cases {
		r := webhook.New(webhook.Config{PublicURL: tc.public, Namespace: tc.namespace}, nil, nil, nil)
		got, err := r.CallbackURL("tok")
		if err != nil {
			t.Fatalf("CallbackURL(%q): %v", tc.public, err)
		}
		if got != tc.want {
			t.Errorf("CallbackURL(%q, %q) = %s, want %s", tc.public, tc.namespace, got, tc.want)
		}
	}

	r := webhook.New(webhook.Config{}, nil, nil, nil)
	if _, err := r.CallbackURL("tok"); !errs.Is(err, errs.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

// ─── Exists / Register ─────────────────────────────────────────────────

func TestExists_NoHookRecorded(t *testing.T) {
	fp := testutil.NewFakeProvider(t)
	ok, err := newRegistrar(t, fp).Exists(context.Background())
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatalf("expected no hook")
	}
}

func TestRegister_RecordsHookPreservingMetadata(t *testing.T) {
	fp := testutil.NewFakeProvider(t)
	fp.SetMetadata("site-1", map[string]any{"owner": "web-team"})
	r := newRegistrar(t, fp)
	ctx := context.Background()

	hook, err := r.Register(ctx, "secret")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if hook.ID == "" || hook.SiteID != "site-1" {
		t.Fatalf("unexpected hook: %+v", hook)
	}
	if hook.Data.URL != "https://cms.example.com/dwaring87-publish-netlify/hook/fire?access_token=secret" {
		t.Fatalf("callback url = %s", hook.Data.URL)
	}
	if hook.Event != provider.EventDeployCreated || hook.Branch != "main" {
		t.Fatalf("unexpected hook event/branch: %+v", hook)
	}

	md := fp.Metadata("site-1")
	if md["hook_id"] != hook.ID || md["owner"] != "web-team" {
		t.Fatalf("unexpected metadata: %v", md)
	}

	ok, err := r.Exists(ctx)
	if err != nil || !ok {
		t.Fatalf("Exists after Register = %v, %v", ok, err)
	}
}

func TestRegister_RequiresToken(t *testing.T) {
	fp := testutil.NewFakeProvider(t)
	_, err := newRegistrar(t, fp).Register(context.Background(), " ")
	if !errs.Is(err, errs.KindInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
	if n := fp.Count("POST /hooks"); n != 0 {
		t.Fatalf("hook created without token: %d requests", n)
	}
}

func TestExists_SelfHealing(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		fp := testutil.NewFakeProvider(t)
		fp.SetMetadata("site-1", map[string]any{"hook_id": "hook-gone"})
		ok, err := newRegistrar(t, fp).Exists(context.Background())
		if err != nil || ok {
			t.Fatalf("Exists = %v, %v; want false, nil", ok, err)
		}
	})
	t.Run("rebound", func(t *testing.T) {
		fp := testutil.NewFakeProvider(t)
		fp.AddHook("hook-x", "site-other", "https://elsewhere.example.com/hook")
		fp.SetMetadata("site-1", map[string]any{"hook_id": "hook-x"})
		ok, err := newRegistrar(t, fp).Exists(context.Background())
		if err != nil || ok {
			t.Fatalf("Exists = %v, %v; want false, nil", ok, err)
		}
	})
	t.Run("provider failure propagates", func(t *testing.T) {
		fp := testutil.NewFakeProvider(t)
		fp.AddHook("hook-x", "site-1", "https://cms.example.com/hook")
		fp.SetMetadata("site-1", map[string]any{"hook_id": "hook-x"})
		fp.FailWith("GET /hooks/hook-x", 500)
		_, err := newRegistrar(t, fp).Exists(context.Background())
		if !errs.Is(err, errs.KindProvider) {
			t.Fatalf("expected provider error, got %v", err)
		}
	})
}

func TestEnsureRegistered_Idempotent(t *testing.T) {
	fp := testutil.NewFakeProvider(t)
	r := newRegistrar(t, fp)
	ctx := context.Background()

	first, state, err := r.EnsureRegistered(ctx, "secret")
	if err != nil {
		t.Fatalf("EnsureRegistered: %v", err)
	}
	if state != webhook.StateCreated {
		t.Fatalf("state = %s, want created", state)
	}
	second, state, err := r.EnsureRegistered(ctx, "secret")
	if err != nil {
		t.Fatalf("EnsureRegistered: %v", err)
	}
	if state != webhook.StateVerified || second.ID != first.ID {
		t.Fatalf("second call state=%s id=%s, want verified %s", state, second.ID, first.ID)
	}
	if ids := fp.HookIDs(); len(ids) != 1 {
		t.Fatalf("expected one hook, got %v", ids)
	}
}

func TestEnsureRegistered_ReplacesDanglingHook(t *testing.T) {
	fp := testutil.NewFakeProvider(t)
	fp.SetMetadata("site-1", map[string]any{"hook_id": "hook-gone"})
	hook, state, err := newRegistrar(t, fp).EnsureRegistered(context.Background(), "secret")
	if err != nil {
		t.Fatalf("EnsureRegistered: %v", err)
	}
	if state != webhook.StateCreated {
		t.Fatalf("state = %s, want created", state)
	}
	if fp.Metadata("site-1")["hook_id"] != hook.ID {
		t.Fatalf("metadata not updated to new hook")
	}
}

// ─── Deploy notifications ──────────────────────────────────────────────

func TestOnDeployCreated_Ready(t *testing.T) {
	fp := testutil.NewFakeProvider(t)
	fp.SetMetadata("site-1", map[string]any{"hook_id": "hook-1"})
	rec := &fireRecorder{}
	r := newRegistrar(t, fp, webhook.WithRecorder(rec))

	payload := []byte(`{"id":"dep-9","site_id":"site-1","state":"ready","published_at":"2024-01-15T11:00:00Z"}`)
	out := r.OnDeployCreated(context.Background(), payload)
	if !out.Updated {
		t.Fatalf("expected update, got %+v", out)
	}
	md := fp.Metadata("site-1")
	if md["activity_id"] != float64(42) {
		t.Fatalf("activity_id = %v", md["activity_id"])
	}
	if md["deploy_id"] != "dep-9" || md["published_at"] != "2024-01-15T11:00:00Z" {
		t.Fatalf("unexpected metadata: %v", md)
	}
	if md["hook_id"] != "hook-1" {
		t.Fatalf("hook_id lost: %v", md)
	}
	if len(rec.fires) != 1 || !rec.fires[0] {
		t.Fatalf("recorder saw %v", rec.fires)
	}
}

func TestOnDeployCreated_NoOps(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"other site", `{"id":"dep-9","site_id":"site-2","state":"ready"}`},
		{"not ready", `{"id":"dep-9","site_id":"site-1","state":"building"}`},
		{"error state", `{"id":"dep-9","site_id":"site-1","state":"error"}`},
		{"malformed", `{"id":`},
		{"empty", ``},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fp := testutil.NewFakeProvider(t)
			r := newRegistrar(t, fp)
			out := r.OnDeployCreated(context.Background(), []byte(tc.payload))
			if out.Updated {
				t.Fatalf("expected no-op, got %+v", out)
			}
			if n := fp.Count("PUT /sites/site-1/metadata"); n != 0 {
				t.Fatalf("metadata written %d times", n)
			}
		})
	}
}

func TestOnDeployCreated_FailuresAreNoOps(t *testing.T) {
	t.Run("metadata write", func(t *testing.T) {
		fp := testutil.NewFakeProvider(t)
		fp.FailWith("PUT /sites/site-1/metadata", 500)
		out := newRegistrar(t, fp).OnDeployCreated(context.Background(), []byte(`{"id":"d","site_id":"site-1","state":"ready"}`))
		if out.Updated {
			t.Fatalf("expected no-op, got %+v", out)
		}
	})
	t.Run("activity", func(t *testing.T) {
		fp := testutil.NewFakeProvider(t)
		cfg := webhook.Config{PublicURL: "https://cms.example.com", Namespace: namespace}
		r := webhook.New(cfg, newClient(t, fp), stubActivity{err: errors.New("console down")}, nil)
		out := r.OnDeployCreated(context.Background(), []byte(`{"id":"d","site_id":"site-1","state":"ready"}`))
		if out.Updated {
			t.Fatalf("expected no-op, got %+v", out)
		}
	})
	t.Run("site lookup", func(t *testing.T) {
		fp := testutil.NewFakeProvider(t)
		fp.FailWith("GET /sites", 502)
		out := newRegistrar(t, fp).OnDeployCreated(context.Background(), []byte(`{"id":"d","site_id":"site-1","state":"ready"}`))
		if out.Updated {
			t.Fatalf("expected no-op, got %+v", out)
		}
	})
}

// ─── Metadata races ────────────────────────────────────────────────────

// barrierProvider holds every metadata read until both writers have read,
// forcing the interleaving read A, read B, write A, write B.
type barrierProvider struct {
	*provider.Client
	reads sync.WaitGroup
}

func (b *barrierProvider) GetMetadata(ctx context.Context) (provider.Metadata, error) {
	md, err := b.Client.GetMetadata(ctx)
	b.reads.Done()
	b.reads.Wait()
	return md, err
}

func TestMetadata_LastWriterWins(t *testing.T) {
	fp := testutil.NewFakeProvider(t)
	bp := &barrierProvider{Client: newClient(t, fp)}
	bp.reads.Add(2)
	cfg := webhook.Config{PublicURL: "https://cms.example.com", Namespace: namespace}
	r := webhook.New(cfg, bp, stubActivity{id: 7}, nil)
	ctx := context.Background()

	// Resolve the site id up front so neither writer races the lookup.
	if _, err := bp.SiteID(ctx); err != nil {
		t.Fatalf("SiteID: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := r.Register(ctx, "secret"); err != nil {
			t.Errorf("Register: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		d := &provider.Deploy{ID: "dep-race", SiteID: "site-1", State: provider.StateReady}
		if out := r.RecordDeploy(ctx, d); !out.Updated {
			t.Errorf("RecordDeploy: %+v", out)
		}
	}()
	wg.Wait()

	md := fp.Metadata("site-1")
	_, hasHook := md["hook_id"]
	_, hasDeploy := md["deploy_id"]
	if hasHook == hasDeploy {
		t.Fatalf("expected exactly one writer's keys to survive, got %v", md)
	}
}

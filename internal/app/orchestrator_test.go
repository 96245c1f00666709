package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/raysh454/deployproxy/internal/activity"
	"github.com/raysh454/deployproxy/internal/builder"
	"github.com/raysh454/deployproxy/internal/errs"
	"github.com/raysh454/deployproxy/internal/provider"
	"github.com/raysh454/deployproxy/internal/registry"
	"github.com/raysh454/deployproxy/internal/testutil"
	"github.com/raysh454/deployproxy/internal/webclient"
	"github.com/raysh454/deployproxy/internal/webhook"
)

type stubSource struct{ records []activity.Record }

func (s stubSource) Query(context.Context, activity.Query) ([]activity.Record, error) {
	return s.records, nil
}

type testEnv struct {
	orch *Orchestrator
	fp   *testutil.FakeProvider
	reg  *registry.Registry
}

// newTestOrchestrator wires real components over a fake provider and a
// temp-dir registry. The audit log's newest relevant entry is 7.
func newTestOrchestrator(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := &testutil.DummyLogger{}

	cfg := DefaultConfig()
	cfg.StorageRoot = dir
	cfg.Webhook.PublicURL = "https://cms.example.com"
	cfg.Webhook.CallbackToken = "cb-token"
	cfg.Completion.PollInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	fp := testutil.NewFakeProvider(t)
	wc, err := webclient.NewNetHTTPClient(webclient.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("NewNetHTTPClient: %v", err)
	}
	client := provider.New(provider.Options{BaseURL: fp.BaseURL(), Token: fp.Token, SiteName: "blog"}, wc, logger)

	db, err := registry.OpenDB(filepath.Join(dir, "settings.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	reg, err := registry.NewRegistry(db, logger)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	source := stubSource{records: []activity.Record{
		{ID: 9, Action: "login", Collection: "directus_users"},
		{ID: 7, Action: "update", Collection: "articles"},
	}}
	correlator := activity.NewCorrelator(source, activity.DefaultFilter(), reg, logger)
	runner := builder.New(builder.Config{LogRoot: dir, Shell: "sh"}, reg, correlator, logger)
	registrar := webhook.New(webhook.Config{PublicURL: cfg.Webhook.PublicURL, Namespace: cfg.Namespace}, client, correlator, logger)

	orch := NewOrchestrator(cfg, Services{
		Provider:   client,
		Registry:   reg,
		Builder:    runner,
		Correlator: correlator,
		Registrar:  registrar,
	}, logger)
	t.Cleanup(func() { _ = orch.Close(context.Background()) })
	return &testEnv{orch: orch, fp: fp, reg: reg}
}

func waitOrchJob(t *testing.T, o *Orchestrator, id string) *Job {
	t.Helper()
	return waitJob(t, o.jobs, id)
}

// ─── Provider operations ───────────────────────────────────────────────

func TestOrchestrator_SiteAndDeploys(t *testing.T) {
	env := newTestOrchestrator(t, nil)
	ctx := context.Background()

	site, err := env.orch.Site(ctx)
	if err != nil {
		t.Fatalf("Site: %v", err)
	}
	if site.Name != "blog" || site.PublishedDeploy == nil || site.PublishedDeploy.ID != "dep-1" {
		t.Fatalf("site = %+v", site)
	}
	deploys, err := env.orch.Deploys(ctx)
	if err != nil {
		t.Fatalf("Deploys: %v", err)
	}
	if len(deploys) != 1 || deploys[0].ID != "dep-1" {
		t.Fatalf("deploys = %+v", deploys)
	}
}

func TestOrchestrator_LockUnlockPublish(t *testing.T) {
	env := newTestOrchestrator(t, nil)
	ctx := context.Background()

	if ok, err := env.orch.Lock(ctx); err != nil || !ok {
		t.Fatalf("Lock = %v, %v", ok, err)
	}
	if locked, _ := env.fp.Deploy("dep-1")["locked"].(bool); !locked {
		t.Error("published deploy should be locked")
	}
	if ok, err := env.orch.Unlock(ctx); err != nil || !ok {
		t.Fatalf("Unlock = %v, %v", ok, err)
	}

	env.fp.AddDeploy("site-1", "dep-2", provider.StateReady)
	d, err := env.orch.Publish(ctx, "dep-2")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if d.ID != "dep-2" {
		t.Errorf("published %s, want dep-2", d.ID)
	}
	if _, err := env.orch.Publish(ctx, "missing"); !errs.Is(err, errs.KindProvider) {
		t.Errorf("publish of unknown deploy: got %v, want provider error", err)
	}
}

func TestOrchestrator_TriggerBuild_WebhookMode(t *testing.T) {
	env := newTestOrchestrator(t, nil)

	b, job, err := env.orch.TriggerBuild(context.Background())
	if err != nil {
		t.Fatalf("TriggerBuild: %v", err)
	}
	if b.DeployID == "" {
		t.Fatal("build has no deploy id")
	}
	if job != nil {
		t.Errorf("webhook mode should not start a watch, got job %s", job.ID)
	}
	if n := env.fp.Count("POST /sites/site-1/builds"); n != 1 {
		t.Errorf("build requests = %d, want 1", n)
	}
	if got := env.orch.CompletionMode(); got != ModeWebhook {
		t.Errorf("CompletionMode = %s", got)
	}
}

func TestOrchestrator_TriggerBuild_PolledMode(t *testing.T) {
	env := newTestOrchestrator(t, func(c *Config) { c.Completion.Mode = ModePolled })

	b, job, err := env.orch.TriggerBuild(context.Background())
	if err != nil {
		t.Fatalf("TriggerBuild: %v", err)
	}
	if job == nil {
		t.Fatal("polled mode should start a watch job")
	}
	env.fp.SetDeployState(b.DeployID, provider.StateReady)

	got := waitOrchJob(t, env.orch, job.ID)
	if got.Status != JobDone || got.Completion == nil || !got.Completion.Outcome.Updated {
		t.Fatalf("job = %+v", got)
	}
	md := env.fp.Metadata("site-1")
	if md[webhook.KeyDeployID] != b.DeployID || md[webhook.KeyActivityID] != float64(7) {
		t.Errorf("metadata = %v", md)
	}
	last := env.orch.LastCompletion()
	if last == nil || last.Source != ModePolled || last.DeployID != b.DeployID {
		t.Errorf("LastCompletion = %+v", last)
	}
}

func TestOrchestrator_PolledErrorLeavesMetadata(t *testing.T) {
	env := newTestOrchestrator(t, func(c *Config) { c.Completion.Mode = ModePolled })

	b, job, err := env.orch.TriggerBuild(context.Background())
	if err != nil {
		t.Fatalf("TriggerBuild: %v", err)
	}
	env.fp.SetDeployState(b.DeployID, provider.StateError)

	got := waitOrchJob(t, env.orch, job.ID)
	if got.Completion == nil || got.Completion.Outcome.Updated {
		t.Fatalf("job = %+v", got)
	}
	if _, ok := env.fp.Metadata("site-1")[webhook.KeyDeployID]; ok {
		t.Error("errored deploy must not be recorded")
	}
}

func TestOrchestrator_CancelJob(t *testing.T) {
	env := newTestOrchestrator(t, func(c *Config) { c.Completion.Mode = ModePolled })

	_, job, err := env.orch.TriggerBuild(context.Background())
	if err != nil {
		t.Fatalf("TriggerBuild: %v", err)
	}
	if err := env.orch.CancelJob(job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if got := waitOrchJob(t, env.orch, job.ID); got.Status != JobCanceled {
		t.Fatalf("status = %s, want canceled", got.Status)
	}
	if len(env.orch.Jobs()) != 1 {
		t.Errorf("Jobs = %d, want 1", len(env.orch.Jobs()))
	}
	if _, err := env.orch.Job("missing"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("Job(missing) = %v, want not found", err)
	}
}

func TestOrchestrator_TriggerBuildFailure(t *testing.T) {
	env := newTestOrchestrator(t, nil)
	env.fp.FailWith("POST /sites/site-1/builds", 500)

	if _, _, err := env.orch.TriggerBuild(context.Background()); !errs.Is(err, errs.KindProvider) {
		t.Fatalf("err = %v, want provider error", err)
	}
}

// ─── Hook operations ───────────────────────────────────────────────────

func TestOrchestrator_RegisterHook(t *testing.T) {
	env := newTestOrchestrator(t, nil)
	ctx := context.Background()

	if ok, err := env.orch.HookExists(ctx); err != nil || ok {
		t.Fatalf("HookExists before register = %v, %v", ok, err)
	}
	hook, state, err := env.orch.RegisterHook(ctx)
	if err != nil {
		t.Fatalf("RegisterHook: %v", err)
	}
	if state != webhook.StateCreated {
		t.Errorf("state = %s, want created", state)
	}
	if want := "https://cms.example.com/dwaring87-publish-netlify/hook/fire?access_token=cb-token"; hook.Data.URL != want {
		t.Errorf("callback = %s, want %s", hook.Data.URL, want)
	}
	_, state, err = env.orch.RegisterHook(ctx)
	if err != nil || state != webhook.StateVerified {
		t.Fatalf("second RegisterHook = %s, %v", state, err)
	}
	if len(env.fp.HookIDs()) != 1 {
		t.Errorf("hooks = %v, want exactly one", env.fp.HookIDs())
	}
}

func TestOrchestrator_RegisterHookNeedsToken(t *testing.T) {
	env := newTestOrchestrator(t, func(c *Config) { c.Webhook.CallbackToken = "" })
	if _, _, err := env.orch.RegisterHook(context.Background()); !errs.Is(err, errs.KindConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}

func TestOrchestrator_HookFired(t *testing.T) {
	env := newTestOrchestrator(t, nil)
	ctx := context.Background()

	out := env.orch.HookFired(ctx, []byte(`{"id":"dep-9","site_id":"site-1","state":"ready"}`))
	if !out.Updated {
		t.Fatalf("outcome = %+v", out)
	}
	if md := env.fp.Metadata("site-1"); md[webhook.KeyDeployID] != "dep-9" {
		t.Errorf("metadata = %v", md)
	}
	if last := env.orch.LastCompletion(); last == nil || last.Source != ModeWebhook {
		t.Errorf("LastCompletion = %+v", last)
	}

	out = env.orch.HookFired(ctx, []byte(`{"id":"dep-10","site_id":"other","state":"ready"}`))
	if out.Updated {
		t.Error("payload for another site must be ignored")
	}
	out = env.orch.HookFired(ctx, []byte(`not json`))
	if out.Updated {
		t.Error("malformed payload must be ignored")
	}
}

// ─── Local sites ───────────────────────────────────────────────────────

func saveLocalSite(t *testing.T, env *testEnv, command string) *registry.Site {
	t.Helper()
	s, err := env.orch.SaveSite(context.Background(), registry.NewSite{
		Name:    "docs",
		Path:    t.TempDir(),
		Command: command,
		Env:     map[string]string{"GREETING": "hello"},
	})
	if err != nil {
		t.Fatalf("SaveSite: %v", err)
	}
	return s
}

func TestOrchestrator_BuildSiteAndStatus(t *testing.T) {
	env := newTestOrchestrator(t, func(c *Config) { c.Build.UseNPM = false })
	ctx := context.Background()
	site := saveLocalSite(t, env, `echo "$GREETING"`)

	st, err := env.orch.SiteStatus(ctx, site.ID)
	if err != nil {
		t.Fatalf("SiteStatus: %v", err)
	}
	if st.Status != registry.StatusCreated || st.Log != "" {
		t.Fatalf("status before build = %+v", st)
	}

	res, err := env.orch.BuildSite(ctx, site.ID)
	if err != nil {
		t.Fatalf("BuildSite: %v", err)
	}
	if res.Status != registry.StatusCompleted || res.ActivityID != 7 {
		t.Fatalf("result = %+v", res)
	}

	st, err = env.orch.SiteStatus(ctx, site.ID)
	if err != nil {
		t.Fatalf("SiteStatus: %v", err)
	}
	if st.Status != registry.StatusCompleted || st.Log != "hello\n" || st.Timestamp <= site.Timestamp {
		t.Errorf("status after build = %+v", st)
	}
	if local, err := env.orch.LocalSite(ctx, site.ID); err != nil || local.LogPath != res.LogPath {
		t.Errorf("LocalSite = %+v, %v; want log path %q", local, err, res.LogPath)
	}
	if id, err := env.orch.LatestActivity(ctx); err != nil || id != 7 {
		t.Errorf("LatestActivity = %d, %v", id, err)
	}
}

func TestOrchestrator_SiteCRUD(t *testing.T) {
	env := newTestOrchestrator(t, nil)
	ctx := context.Background()
	site := saveLocalSite(t, env, "true")

	updated, err := env.orch.UpdateSite(ctx, site.ID, registry.NewSite{Name: "docs-v2", Path: site.Path, Command: "true"})
	if err != nil {
		t.Fatalf("UpdateSite: %v", err)
	}
	if updated.Name != "docs-v2" {
		t.Errorf("Name = %q", updated.Name)
	}
	sites, err := env.orch.Sites(ctx)
	if err != nil || len(sites) != 1 {
		t.Fatalf("Sites = %v, %v", sites, err)
	}
	if err := env.orch.RemoveSite(ctx, site.ID); err != nil {
		t.Fatalf("RemoveSite: %v", err)
	}
	if _, err := env.orch.SiteStatus(ctx, site.ID); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("status of removed site: %v", err)
	}
}

func TestOrchestrator_EditDuringBuildConflicts(t *testing.T) {
	env := newTestOrchestrator(t, func(c *Config) { c.Build.UseNPM = false })
	ctx := context.Background()
	site := saveLocalSite(t, env, "sleep 1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = env.orch.BuildSite(ctx, site.ID)
	}()
	waitBuilding(t, env.orch, site.ID)

	if err := env.orch.RemoveSite(ctx, site.ID); !errs.Is(err, errs.KindConflict) {
		t.Errorf("RemoveSite during build = %v, want conflict", err)
	}
	if _, err := env.orch.UpdateSite(ctx, site.ID, registry.NewSite{Name: "x"}); !errs.Is(err, errs.KindConflict) {
		t.Errorf("UpdateSite during build = %v, want conflict", err)
	}
	<-done
}

func waitBuilding(t *testing.T, o *Orchestrator, siteID int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !o.builder.Running(siteID) {
		if time.Now().After(deadline) {
			t.Fatal("build did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOrchestrator_BuildOutlivesCaller(t *testing.T) {
	env := newTestOrchestrator(t, func(c *Config) { c.Build.UseNPM = false })
	site := saveLocalSite(t, env, `sleep 1 && echo "$GREETING"`)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res *builder.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := env.orch.BuildSite(ctx, site.ID)
		done <- outcome{res, err}
	}()
	waitBuilding(t, env.orch, site.ID)
	cancel()

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("BuildSite: %v", out.err)
		}
		if out.res.Status != registry.StatusCompleted {
			t.Fatalf("result = %+v, want Completed", out.res)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("build did not finish")
	}
	st, err := env.orch.SiteStatus(context.Background(), site.ID)
	if err != nil {
		t.Fatalf("SiteStatus: %v", err)
	}
	if st.Status != registry.StatusCompleted || st.Log != "hello\n" {
		t.Errorf("status = %+v", st)
	}
}

func TestOrchestrator_CloseStopsBuild(t *testing.T) {
	env := newTestOrchestrator(t, func(c *Config) { c.Build.UseNPM = false })
	site := saveLocalSite(t, env, "sleep 30")

	done := make(chan *builder.Result, 1)
	go func() {
		res, _ := env.orch.BuildSite(context.Background(), site.ID)
		done <- res
	}()
	waitBuilding(t, env.orch, site.ID)

	if err := env.orch.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case res := <-done:
		if res == nil || res.Status != registry.StatusFailed {
			t.Fatalf("result = %+v, want Failed", res)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not stop the build")
	}
	if got, _ := env.reg.GetSite(context.Background(), site.ID); got.Status != registry.StatusFailed {
		t.Errorf("stored status = %q", got.Status)
	}
}

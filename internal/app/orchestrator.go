package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/raysh454/deployproxy/internal/activity"
	"github.com/raysh454/deployproxy/internal/builder"
	"github.com/raysh454/deployproxy/internal/errs"
	"github.com/raysh454/deployproxy/internal/logging"
	"github.com/raysh454/deployproxy/internal/provider"
	"github.com/raysh454/deployproxy/internal/registry"
	"github.com/raysh454/deployproxy/internal/webhook"
)

// Services are the components the orchestrator composes.
type Services struct {
	Provider   *provider.Client
	Registry   *registry.Registry
	Builder    *builder.Runner
	Correlator *activity.Correlator
	Registrar  *webhook.Registrar
	// Recorder counts inbound hook notifications; may be nil.
	Recorder webhook.Recorder
}

// SiteStatus is the status view of a local site.
type SiteStatus struct {
	Status    registry.Status `json:"status"`
	Timestamp int64           `json:"timestamp"`
	Log       string          `json:"log"`
}

// Orchestrator routes every operation of the proxy to the component that
// owns it.
type Orchestrator struct {
	cfg           *Config
	provider      *provider.Client
	registry      *registry.Registry
	builder       *builder.Runner
	correlator    *activity.Correlator
	registrar     *webhook.Registrar
	completion    CompletionSource
	hooks         *WebhookSource
	jobs          *Jobs
	callbackToken string
	logger        logging.Logger

	// background work outlives the request that started it
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	last *Completion
}

func NewOrchestrator(cfg *Config, svc Services, logger logging.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:           cfg,
		provider:      svc.Provider,
		registry:      svc.Registry,
		builder:       svc.Builder,
		correlator:    svc.Correlator,
		registrar:     svc.Registrar,
		callbackToken: strings.TrimSpace(cfg.Webhook.CallbackToken),
		logger:        logger.With(logging.Field{Key: "component", Value: "orchestrator"}),
		ctx:           ctx,
		cancel:        cancel,
	}
	o.jobs = NewJobs(logger)
	o.hooks = NewWebhookSource(svc.Registrar, o.complete, svc.Recorder, logger)
	if cfg.Completion.Mode == ModePolled {
		o.completion = NewPolledSource(svc.Provider, cfg.Completion.PollInterval, cfg.Completion.PollTimeout, o.jobs, o.complete, logger)
	} else {
		o.completion = o.hooks
	}
	return o
}

// CompletionMode returns the active completion source.
func (o *Orchestrator) CompletionMode() string { return o.completion.Mode() }

// ─── Provider operations ──────────────────────────────────────────────

func (o *Orchestrator) Site(ctx context.Context) (*provider.Site, error) {
	return o.provider.GetSite(ctx)
}

func (o *Orchestrator) Deploys(ctx context.Context) ([]provider.Deploy, error) {
	return o.provider.ListDeploys(ctx, 0)
}

// TriggerBuild starts a provider build. In polled mode the returned job
// follows the new deploy; in webhook mode the job is nil.
func (o *Orchestrator) TriggerBuild(ctx context.Context) (*provider.Build, *Job, error) {
	b, err := o.provider.TriggerBuild(ctx)
	if err != nil {
		return nil, nil, err
	}
	job, err := o.completion.Track(o.ctx, b.DeployID)
	if err != nil {
		o.logger.Warn("could not track triggered deploy",
			logging.Field{Key: "deploy_id", Value: b.DeployID},
			logging.Field{Key: "error", Value: err.Error()})
	}
	return b, job, nil
}

func (o *Orchestrator) Lock(ctx context.Context) (bool, error) {
	return o.provider.Lock(ctx)
}

func (o *Orchestrator) Unlock(ctx context.Context) (bool, error) {
	return o.provider.Unlock(ctx)
}

// Publish restores deployID as the published deploy.
func (o *Orchestrator) Publish(ctx context.Context, deployID string) (*provider.Deploy, error) {
	return o.provider.Restore(ctx, deployID)
}

// ─── Hook operations ──────────────────────────────────────────────────

func (o *Orchestrator) HookExists(ctx context.Context) (bool, error) {
	return o.registrar.Exists(ctx)
}

// RegisterHook makes sure a live hook points at the proxy.
func (o *Orchestrator) RegisterHook(ctx context.Context) (*provider.Hook, webhook.State, error) {
	if o.callbackToken == "" {
		return nil, webhook.StateAbsent, errs.Configuration("webhook callback token not configured")
	}
	return o.registrar.EnsureRegistered(ctx, o.callbackToken)
}

// HookFired handles an inbound deploy notification.
func (o *Orchestrator) HookFired(ctx context.Context, payload []byte) webhook.Outcome {
	return o.hooks.Receive(ctx, payload).Outcome
}

// complete is where every completion source ends up.
func (o *Orchestrator) complete(ctx context.Context, source string, d *provider.Deploy) webhook.Outcome {
	out := o.registrar.RecordDeploy(ctx, d)
	o.mu.Lock()
	o.last = &Completion{
		Source:   source,
		SiteID:   d.SiteID,
		DeployID: d.ID,
		State:    d.State,
		Outcome:  out,
		Deploy:   d,
	}
	o.mu.Unlock()
	o.logger.Info("deploy completed",
		logging.Field{Key: "source", Value: source},
		logging.Field{Key: "deploy_id", Value: d.ID},
		logging.Field{Key: "updated", Value: out.Updated})
	return out
}

// LastCompletion returns the most recently recorded deploy, if any.
func (o *Orchestrator) LastCompletion() *Completion {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return nil
	}
	cp := *o.last
	return &cp
}

// ─── Local sites ──────────────────────────────────────────────────────

// BuildSite runs the local build of a site to completion. The build keeps
// running when the caller goes away; only Close stops it.
func (o *Orchestrator) BuildSite(ctx context.Context, siteID int64) (*builder.Result, error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(o.ctx, cancel)
	defer stop()
	return o.builder.Build(ctx, siteID)
}

func (o *Orchestrator) SiteStatus(ctx context.Context, siteID int64) (*SiteStatus, error) {
	site, err := o.registry.GetSite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	st := &SiteStatus{Status: site.Status, Timestamp: site.Timestamp}
	if site.LogPath != "" {
		st.Log = o.builder.ReadLog(site.LogPath)
	}
	return st, nil
}

// LocalSite returns the registry record of a site without its log.
func (o *Orchestrator) LocalSite(ctx context.Context, siteID int64) (*registry.Site, error) {
	return o.registry.GetSite(ctx, siteID)
}

func (o *Orchestrator) Sites(ctx context.Context) ([]registry.Site, error) {
	return o.registry.GetSites(ctx)
}

func (o *Orchestrator) SaveSite(ctx context.Context, in registry.NewSite) (*registry.Site, error) {
	return o.registry.SaveSite(ctx, in)
}

func (o *Orchestrator) UpdateSite(ctx context.Context, siteID int64, in registry.NewSite) (*registry.Site, error) {
	if o.builder.Running(siteID) {
		return nil, errs.Conflict(builder.MsgAlreadyRunning)
	}
	return o.registry.UpdateSite(ctx, siteID, in)
}

func (o *Orchestrator) RemoveSite(ctx context.Context, siteID int64) error {
	if o.builder.Running(siteID) {
		return errs.Conflict(builder.MsgAlreadyRunning)
	}
	return o.registry.RemoveSite(ctx, siteID)
}

// ─── Activity and jobs ────────────────────────────────────────────────

func (o *Orchestrator) LatestActivity(ctx context.Context) (int64, error) {
	return o.correlator.Latest(ctx)
}

func (o *Orchestrator) Jobs() []Job { return o.jobs.List() }

func (o *Orchestrator) Job(jobID string) (*Job, error) {
	job, ok := o.jobs.Get(jobID)
	if !ok {
		return nil, errs.NotFound("job " + jobID + " not found")
	}
	return job, nil
}

func (o *Orchestrator) JobEvents(jobID string) (<-chan JobEvent, error) {
	ch, ok := o.jobs.Events(jobID)
	if !ok {
		return nil, errs.NotFound("job " + jobID + " not found")
	}
	return ch, nil
}

func (o *Orchestrator) CancelJob(jobID string) error {
	return o.jobs.Cancel(jobID)
}

// Close stops background watches, waiting at most 15 seconds.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return o.jobs.Close(ctx)
}

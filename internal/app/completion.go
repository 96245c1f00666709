package app

import (
	"context"
	"time"

	"github.com/raysh454/deployproxy/internal/errs"
	"github.com/raysh454/deployproxy/internal/logging"
	"github.com/raysh454/deployproxy/internal/provider"
	"github.com/raysh454/deployproxy/internal/webhook"
)

// Completion is one finished provider deploy as seen by a completion
// source.
type Completion struct {
	Source   string           `json:"source"`
	SiteID   string           `json:"site_id"`
	DeployID string           `json:"deploy_id"`
	State    string           `json:"state"`
	Outcome  webhook.Outcome  `json:"outcome"`
	Deploy   *provider.Deploy `json:"-"`
}

// CompletionHandler records a finished deploy and reports what it did.
type CompletionHandler func(ctx context.Context, source string, d *provider.Deploy) webhook.Outcome

// CompletionSource learns when a triggered deploy finishes.
type CompletionSource interface {
	Mode() string
	// Track starts following deployID. Sources that are told about
	// completions from outside return a nil job.
	Track(ctx context.Context, deployID string) (*Job, error)
}

// DeployGetter is the provider call the polled source needs.
type DeployGetter interface {
	GetDeploy(ctx context.Context, deployID string) (*provider.Deploy, error)
}

// PolledSource polls the provider until a deploy reaches a terminal state.
type PolledSource struct {
	deploys  DeployGetter
	interval time.Duration
	timeout  time.Duration
	jobs     *Jobs
	handle   CompletionHandler
	logger   logging.Logger
}

func NewPolledSource(deploys DeployGetter, interval, timeout time.Duration, jobs *Jobs, handle CompletionHandler, logger logging.Logger) *PolledSource {
	if logger == nil {
		logger = logging.Nop{}
	}
	if interval <= 0 {
		interval = DefaultConfig().Completion.PollInterval
	}
	return &PolledSource{
		deploys:  deploys,
		interval: interval,
		timeout:  timeout,
		jobs:     jobs,
		handle:   handle,
		logger:   logger.With(logging.Field{Key: "component", Value: "completion"}, logging.Field{Key: "mode", Value: ModePolled}),
	}
}

func (p *PolledSource) Mode() string { return ModePolled }

func (p *PolledSource) Track(ctx context.Context, deployID string) (*Job, error) {
	if deployID == "" {
		return nil, errs.Invalid("deploy id is required")
	}
	job := p.jobs.Start(ctx, "watch", deployID, func(ctx context.Context, emit func(JobEvent)) (*Completion, error) {
		return p.watch(ctx, deployID, emit)
	})
	p.logger.Info("watching deploy",
		logging.Field{Key: "deploy_id", Value: deployID},
		logging.Field{Key: "job_id", Value: job.ID})
	return job, nil
}

// Watch blocks until deployID is ready or errored, then completes it.
// Lookup failures are logged and retried on the next tick.
func (p *PolledSource) Watch(ctx context.Context, deployID string) (*Completion, error) {
	return p.watch(ctx, deployID, func(JobEvent) {})
}

func (p *PolledSource) watch(ctx context.Context, deployID string, emit func(JobEvent)) (*Completion, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		d, err := p.deploys.GetDeploy(ctx, deployID)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			p.logger.Warn("could not poll deploy",
				logging.Field{Key: "deploy_id", Value: deployID},
				logging.Field{Key: "error", Value: err.Error()})
		default:
			emit(JobEvent{Type: JobEventPoll, DeployState: d.State})
			if d.Terminal() {
				return p.complete(ctx, d), nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *PolledSource) complete(ctx context.Context, d *provider.Deploy) *Completion {
	c := &Completion{
		Source:   ModePolled,
		SiteID:   d.SiteID,
		DeployID: d.ID,
		State:    d.State,
		Deploy:   d,
	}
	if d.State != provider.StateReady {
		c.Outcome = webhook.Outcome{Reason: "deploy not ready"}
		p.logger.Warn("deploy finished without publishing",
			logging.Field{Key: "deploy_id", Value: d.ID},
			logging.Field{Key: "state", Value: d.State})
		return c
	}
	c.Outcome = p.handle(context.WithoutCancel(ctx), ModePolled, d)
	return c
}

// Accepter validates inbound deploy notifications.
type Accepter interface {
	Accept(ctx context.Context, payload []byte) (*provider.Deploy, webhook.Outcome)
}

// WebhookSource is told about completions by the provider's
// deploy_created hook.
type WebhookSource struct {
	accepter Accepter
	handle   CompletionHandler
	recorder webhook.Recorder
	logger   logging.Logger
}

func NewWebhookSource(accepter Accepter, handle CompletionHandler, recorder webhook.Recorder, logger logging.Logger) *WebhookSource {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &WebhookSource{
		accepter: accepter,
		handle:   handle,
		recorder: recorder,
		logger:   logger.With(logging.Field{Key: "component", Value: "completion"}, logging.Field{Key: "mode", Value: ModeWebhook}),
	}
}

func (w *WebhookSource) Mode() string { return ModeWebhook }

// Track is a no-op: the hook reports the deploy when it is created.
func (w *WebhookSource) Track(context.Context, string) (*Job, error) { return nil, nil }

// Receive handles one hook payload. It never fails.
func (w *WebhookSource) Receive(ctx context.Context, payload []byte) *Completion {
	d, out := w.accepter.Accept(ctx, payload)
	c := &Completion{Source: ModeWebhook, Outcome: out}
	if d != nil {
		c.SiteID, c.DeployID, c.State, c.Deploy = d.SiteID, d.ID, d.State, d
		c.Outcome = w.handle(ctx, ModeWebhook, d)
	}
	if w.recorder != nil {
		w.recorder.WebhookFired(c.Outcome.Updated)
	}
	return c
}

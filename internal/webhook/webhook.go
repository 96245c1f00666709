// Package webhook registers the provider-side deploy_created hook that
// calls back into the proxy, and records finished deploys in the provider's
// site metadata.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/raysh454/deployproxy/internal/errs"
	"github.com/raysh454/deployproxy/internal/logging"
	"github.com/raysh454/deployproxy/internal/provider"
)

// Metadata keys written by the registrar.
const (
	KeyHookID      = "hook_id"
	KeyActivityID  = "activity_id"
	KeyDeployID    = "deploy_id"
	KeyPublishedAt = "published_at"
)

// State is the registration state of the hook.
type State string

const (
	StateAbsent   State = "absent"
	StateCreated  State = "created"
	StateVerified State = "verified"
)

// Provider is the part of the provider client the registrar uses.
type Provider interface {
	SiteID(ctx context.Context) (string, error)
	GetMetadata(ctx context.Context) (provider.Metadata, error)
	PutMetadata(ctx context.Context, md provider.Metadata) error
	CreateHook(ctx context.Context, siteID, callbackURL, branch string) (*provider.Hook, error)
	GetHook(ctx context.Context, hookID string) (*provider.Hook, error)
}

// ActivitySource returns the newest relevant audit entry id.
type ActivitySource interface {
	Latest(ctx context.Context) (int64, error)
}

// Recorder observes inbound deploy notifications.
type Recorder interface {
	WebhookFired(updated bool)
}

type Config struct {
	// PublicURL is the externally reachable base URL of the console.
	PublicURL string
	// Namespace is the path the proxy's routes are mounted under.
	Namespace string
	Branch    string
}

type Option func(*Registrar)

func WithRecorder(rec Recorder) Option {
	return func(r *Registrar) { r.recorder = rec }
}

// Registrar is the WebhookRegistrar.
type Registrar struct {
	cfg      Config
	provider Provider
	activity ActivitySource
	recorder Recorder
	logger   logging.Logger
}

func New(cfg Config, p Provider, activity ActivitySource, logger logging.Logger, opts ...Option) *Registrar {
	if logger == nil {
		logger = logging.Nop{}
	}
	r := &Registrar{
		cfg:      cfg,
		provider: p,
		activity: activity,
		logger:   logger.With(logging.Field{Key: "component", Value: "webhook"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var duplicateSlashes = regexp.MustCompile(`/{2,}`)

// CallbackURL returns the hook target for token. Repeated slashes in the
// path are collapsed; the scheme separator is kept.
func (r *Registrar) CallbackURL(token string) (string, error) {
	base := strings.TrimSpace(r.cfg.PublicURL)
	if base == "" {
		return "", errs.Configuration("public url not configured")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errs.Configuration("public url is not an absolute url")
	}
	u.Path = duplicateSlashes.ReplaceAllString(u.Path+"/"+r.cfg.Namespace+"/hook/fire", "/")
	u.RawPath = ""
	u.RawQuery = url.Values{"access_token": []string{token}}.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// Exists reports whether the hook recorded in site metadata is live and
// bound to the configured site. A stale reference is not an error.
func (r *Registrar) Exists(ctx context.Context) (bool, error) {
	hook, err := r.verified(ctx)
	if err != nil {
		return false, err
	}
	return hook != nil, nil
}

// verified returns the live hook, or nil when the metadata reference is
// missing or dangling.
func (r *Registrar) verified(ctx context.Context) (*provider.Hook, error) {
	md, err := r.provider.GetMetadata(ctx)
	if err != nil {
		return nil, err
	}
	hookID := md.String(KeyHookID)
	if hookID == "" {
		return nil, nil
	}
	siteID, err := r.provider.SiteID(ctx)
	if err != nil {
		return nil, err
	}
	hook, err := r.provider.GetHook(ctx, hookID)
	if err != nil {
		var e *errs.Error
		if errs.Is(err, errs.KindNotFound) || (errors.As(err, &e) && e.Kind == errs.KindProvider && e.Status == http.StatusNotFound) {
			r.logger.Info("stored hook no longer exists", logging.Field{Key: "hook_id", Value: hookID})
			return nil, nil
		}
		return nil, err
	}
	if hook.SiteID != siteID {
		r.logger.Warn("stored hook is bound to another site",
			logging.Field{Key: "hook_id", Value: hookID},
			logging.Field{Key: "hook_site_id", Value: hook.SiteID})
		return nil, nil
	}
	return hook, nil
}

// Register creates a new hook and records its id in site metadata. Other
// metadata keys are preserved.
func (r *Registrar) Register(ctx context.Context, callbackToken string) (*provider.Hook, error) {
	if strings.TrimSpace(callbackToken) == "" {
		return nil, errs.Invalid("callback token is required")
	}
	callback, err := r.CallbackURL(callbackToken)
	if err != nil {
		return nil, err
	}
	siteID, err := r.provider.SiteID(ctx)
	if err != nil {
		return nil, err
	}
	hook, err := r.provider.CreateHook(ctx, siteID, callback, r.cfg.Branch)
	if err != nil {
		return nil, err
	}
	if err := r.mergeMetadata(ctx, provider.Metadata{KeyHookID: hook.ID}); err != nil {
		r.logger.Error("hook created but not recorded in site metadata",
			logging.Field{Key: "hook_id", Value: hook.ID},
			logging.Field{Key: "error", Value: err.Error()})
		return nil, err
	}
	r.logger.Info("registered hook", logging.Field{Key: "hook_id", Value: hook.ID})
	return hook, nil
}

// EnsureRegistered returns the live hook, registering a new one when the
// stored reference is missing or stale.
func (r *Registrar) EnsureRegistered(ctx context.Context, callbackToken string) (*provider.Hook, State, error) {
	hook, err := r.verified(ctx)
	if err != nil {
		return nil, StateAbsent, err
	}
	if hook != nil {
		return hook, StateVerified, nil
	}
	hook, err = r.Register(ctx, callbackToken)
	if err != nil {
		return nil, StateAbsent, err
	}
	return hook, StateCreated, nil
}

// Outcome reports what a deploy notification did.
type Outcome struct {
	Updated bool   `json:"updated"`
	Reason  string `json:"reason,omitempty"`
}

// Accept parses a deploy_created payload and checks that it is a ready
// deploy of the configured site.
func (r *Registrar) Accept(ctx context.Context, payload []byte) (*provider.Deploy, Outcome) {
	var d provider.Deploy
	if err := json.Unmarshal(payload, &d); err != nil {
		r.logger.Warn("ignoring malformed hook payload", logging.Field{Key: "error", Value: err.Error()})
		return nil, Outcome{Reason: "malformed payload"}
	}
	siteID, err := r.provider.SiteID(ctx)
	if err != nil {
		r.logger.Warn("ignoring hook payload, site id unavailable", logging.Field{Key: "error", Value: err.Error()})
		return nil, Outcome{Reason: "site unavailable"}
	}
	if d.SiteID != siteID {
		r.logger.Warn("ignoring hook payload for another site", logging.Field{Key: "payload_site_id", Value: d.SiteID})
		return nil, Outcome{Reason: "site mismatch"}
	}
	if d.State != provider.StateReady {
		r.logger.Info("ignoring hook payload, deploy not ready",
			logging.Field{Key: "deploy_id", Value: d.ID},
			logging.Field{Key: "state", Value: d.State})
		return nil, Outcome{Reason: "deploy not ready"}
	}
	return &d, Outcome{}
}

// RecordDeploy merges the latest activity id and the deploy's identity into
// site metadata.
func (r *Registrar) RecordDeploy(ctx context.Context, d *provider.Deploy) Outcome {
	var activityID int64
	if r.activity != nil {
		id, err := r.activity.Latest(ctx)
		if err != nil {
			r.logger.Warn("could not correlate deploy activity",
				logging.Field{Key: "deploy_id", Value: d.ID},
				logging.Field{Key: "error", Value: err.Error()})
			return Outcome{Reason: "activity unavailable"}
		}
		activityID = id
	}

	publishedAt := any(nil)
	if d.PublishedAt != nil {
		publishedAt = d.PublishedAt.UTC().Format(time.RFC3339)
	}
	update := provider.Metadata{
		KeyActivityID:  activityID,
		KeyDeployID:    d.ID,
		KeyPublishedAt: publishedAt,
	}
	if err := r.mergeMetadata(ctx, update); err != nil {
		r.logger.Warn("could not record deploy in site metadata",
			logging.Field{Key: "deploy_id", Value: d.ID},
			logging.Field{Key: "error", Value: err.Error()})
		return Outcome{Reason: "metadata update failed"}
	}
	r.logger.Info("recorded deploy",
		logging.Field{Key: "deploy_id", Value: d.ID},
		logging.Field{Key: "activity_id", Value: activityID})
	return Outcome{Updated: true}
}

// OnDeployCreated handles an inbound, unauthenticated deploy notification.
// It never fails: anything unexpected is a no-op with Updated false.
func (r *Registrar) OnDeployCreated(ctx context.Context, payload []byte) Outcome {
	d, out := r.Accept(ctx, payload)
	if d != nil {
		out = r.RecordDeploy(ctx, d)
	}
	if r.recorder != nil {
		r.recorder.WebhookFired(out.Updated)
	}
	return out
}

// mergeMetadata reads the whole metadata object, applies update and writes
// it back. Concurrent writers can lose each other's keys.
func (r *Registrar) mergeMetadata(ctx context.Context, update provider.Metadata) error {
	md, err := r.provider.GetMetadata(ctx)
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	if err := r.provider.PutMetadata(ctx, md.Merge(update)); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

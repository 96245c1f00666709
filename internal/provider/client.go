// Package provider wraps the deployment provider's REST API. Every call is
// one request/response authorized by the bearer token supplied at startup;
// nothing is retried.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/raysh454/deployproxy/internal/errs"
	"github.com/raysh454/deployproxy/internal/logging"
	"github.com/raysh454/deployproxy/internal/webclient"
)

const (
	DefaultBaseURL            = "https://api.netlify.com/api/v1"
	DefaultDeployHistoryCount = 25

	// MsgSiteNotFound is returned when the configured site name does not
	// resolve to exactly one provider site.
	MsgSiteNotFound = "the configured deployment-provider site could not be found"
)

// Recorder observes provider calls. outcome is "ok" or an errs.Kind.
type Recorder interface {
	ProviderRequest(operation, outcome string)
}

type Options struct {
	BaseURL            string
	Token              string
	SiteName           string
	DeployHistoryCount int
	Recorder           Recorder
}

// Client is the ProviderClient. It is stateless per call apart from the
// memoized site id.
type Client struct {
	baseURL  string
	token    string
	siteName string
	history  int
	recorder Recorder

	wc     webclient.WebClient
	cache  *SiteIDCache
	logger logging.Logger
}

func New(opts Options, wc webclient.WebClient, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.Nop{}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	history := opts.DeployHistoryCount
	if history <= 0 {
		history = DefaultDeployHistoryCount
	}
	return &Client{
		baseURL:  baseURL,
		token:    strings.TrimSpace(opts.Token),
		siteName: strings.TrimSpace(opts.SiteName),
		history:  history,
		recorder: opts.Recorder,
		wc:       wc,
		cache:    &SiteIDCache{},
		logger:   logger.With(logging.Field{Key: "component", Value: "provider"}),
	}
}

// SiteName returns the configured site name.
func (c *Client) SiteName() string { return c.siteName }

// CheckConfig reports a ConfigurationError when the token or site name is
// missing.
func (c *Client) CheckConfig() error {
	if c.token == "" {
		return errs.Configuration("provider token not configured")
	}
	if c.siteName == "" {
		return errs.Configuration("provider site name not configured")
	}
	return nil
}

// GetSite looks the configured site up by exact name. Zero or several
// matches is a NotFound error; one is never picked silently.
func (c *Client) GetSite(ctx context.Context) (*Site, error) {
	if err := c.CheckConfig(); err != nil {
		return nil, err
	}
	var sites []Site
	if err := c.call(ctx, "get site", http.MethodGet, "/sites?name="+url.QueryEscape(c.siteName), nil, &sites); err != nil {
		return nil, err
	}
	var matches []Site
	for _, s := range sites {
		if s.Name == c.siteName {
			matches = append(matches, s)
		}
	}
	if len(matches) != 1 {
		c.logger.Warn("site lookup did not match exactly one site",
			logging.Field{Key: "site", Value: c.siteName},
			logging.Field{Key: "matches", Value: len(matches)})
		return nil, errs.NotFound(MsgSiteNotFound)
	}
	return &matches[0], nil
}

// SiteID returns the provider site id, memoized after the first successful
// lookup.
func (c *Client) SiteID(ctx context.Context) (string, error) {
	return c.cache.Get(ctx, func(ctx context.Context) (string, error) {
		site, err := c.GetSite(ctx)
		if err != nil {
			return "", err
		}
		id := site.ProviderSiteID()
		if id == "" {
			return "", errs.NotFound(MsgSiteNotFound)
		}
		c.logger.Info("resolved provider site id", logging.Field{Key: "site_id", Value: id})
		return id, nil
	})
}

// ListDeploys returns the most recent deploys. limit <= 0 uses the
// configured history count.
func (c *Client) ListDeploys(ctx context.Context, limit int) ([]Deploy, error) {
	if limit <= 0 {
		limit = c.history
	}
	siteID, err := c.SiteID(ctx)
	if err != nil {
		return nil, err
	}
	var deploys []Deploy
	path := fmt.Sprintf("/sites/%s/deploys?per_page=%d", url.PathEscape(siteID), limit)
	if err := c.call(ctx, "list deploys", http.MethodGet, path, nil, &deploys); err != nil {
		return nil, err
	}
	return deploys, nil
}

// GetDeploy fetches one deploy.
func (c *Client) GetDeploy(ctx context.Context, deployID string) (*Deploy, error) {
	if strings.TrimSpace(deployID) == "" {
		return nil, errs.Invalid("deploy id is required")
	}
	var d Deploy
	if err := c.call(ctx, "get deploy", http.MethodGet, "/deploys/"+url.PathEscape(deployID), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// TriggerBuild starts a new provider-side build of the configured site.
func (c *Client) TriggerBuild(ctx context.Context) (*Build, error) {
	siteID, err := c.SiteID(ctx)
	if err != nil {
		return nil, err
	}
	var b Build
	if err := c.call(ctx, "trigger build", http.MethodPost, "/sites/"+url.PathEscape(siteID)+"/builds", nil, &b); err != nil {
		return nil, err
	}
	c.logger.Info("triggered build",
		logging.Field{Key: "build_id", Value: b.ID},
		logging.Field{Key: "deploy_id", Value: b.DeployID})
	return &b, nil
}

// Lock disables auto publishing by locking the published deploy. It
// reports whether the deploy is now locked.
func (c *Client) Lock(ctx context.Context) (bool, error) {
	d, err := c.setLock(ctx, "lock")
	if err != nil {
		return false, err
	}
	return d.Locked, nil
}

// Unlock re-enables auto publishing. It reports whether the deploy is now
// unlocked.
func (c *Client) Unlock(ctx context.Context) (bool, error) {
	d, err := c.setLock(ctx, "unlock")
	if err != nil {
		return false, err
	}
	return !d.Locked, nil
}

func (c *Client) setLock(ctx context.Context, action string) (*Deploy, error) {
	site, err := c.GetSite(ctx)
	if err != nil {
		return nil, err
	}
	if site.PublishedDeploy == nil || site.PublishedDeploy.ID == "" {
		return nil, errs.NotFound("the site has no published deploy")
	}
	var d Deploy
	path := "/deploys/" + url.PathEscape(site.PublishedDeploy.ID) + "/" + action
	if err := c.call(ctx, action+" deploy", http.MethodPost, path, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Restore makes deployID the published deploy.
func (c *Client) Restore(ctx context.Context, deployID string) (*Deploy, error) {
	if strings.TrimSpace(deployID) == "" {
		return nil, errs.Invalid("deploy id is required")
	}
	siteID, err := c.SiteID(ctx)
	if err != nil {
		return nil, err
	}
	var d Deploy
	path := fmt.Sprintf("/sites/%s/deploys/%s/restore", url.PathEscape(siteID), url.PathEscape(deployID))
	if err := c.call(ctx, "restore deploy", http.MethodPost, path, nil, &d); err != nil {
		return nil, err
	}
	c.logger.Info("restored deploy", logging.Field{Key: "deploy_id", Value: d.ID})
	return &d, nil
}

// GetMetadata reads the whole site metadata object.
func (c *Client) GetMetadata(ctx context.Context) (Metadata, error) {
	siteID, err := c.SiteID(ctx)
	if err != nil {
		return nil, err
	}
	md := Metadata{}
	if err := c.call(ctx, "get metadata", http.MethodGet, "/sites/"+url.PathEscape(siteID)+"/metadata", nil, &md); err != nil {
		return nil, err
	}
	if md == nil {
		md = Metadata{}
	}
	return md, nil
}

// PutMetadata replaces the whole site metadata object.
func (c *Client) PutMetadata(ctx context.Context, md Metadata) error {
	siteID, err := c.SiteID(ctx)
	if err != nil {
		return err
	}
	if md == nil {
		md = Metadata{}
	}
	return c.call(ctx, "put metadata", http.MethodPut, "/sites/"+url.PathEscape(siteID)+"/metadata", md, nil)
}

// CreateHook registers a deploy_created url hook for siteID.
func (c *Client) CreateHook(ctx context.Context, siteID, callbackURL, branch string) (*Hook, error) {
	body := Hook{
		SiteID: siteID,
		Type:   "url",
		Event:  EventDeployCreated,
		Data:   HookData{URL: callbackURL},
		Branch: branch,
	}
	var h Hook
	if err := c.call(ctx, "create hook", http.MethodPost, "/hooks?site_id="+url.QueryEscape(siteID), body, &h); err != nil {
		return nil, err
	}
	c.logger.Info("created hook", logging.Field{Key: "hook_id", Value: h.ID})
	return &h, nil
}

// GetHook fetches one hook.
func (c *Client) GetHook(ctx context.Context, hookID string) (*Hook, error) {
	if strings.TrimSpace(hookID) == "" {
		return nil, errs.Invalid("hook id is required")
	}
	var h Hook
	if err := c.call(ctx, "get hook", http.MethodGet, "/hooks/"+url.PathEscape(hookID), nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// DeleteHook removes one hook.
func (c *Client) DeleteHook(ctx context.Context, hookID string) error {
	if strings.TrimSpace(hookID) == "" {
		return errs.Invalid("hook id is required")
	}
	return c.call(ctx, "delete hook", http.MethodDelete, "/hooks/"+url.PathEscape(hookID), nil, nil)
}

// call performs one API request. out may be nil when the response body is
// not needed.
func (c *Client) call(ctx context.Context, op, method, path string, body, out any) (err error) {
	defer func() {
		if c.recorder == nil {
			return
		}
		outcome := "ok"
		if err != nil {
			outcome = string(errs.KindOf(err))
			if outcome == "" {
				outcome = "error"
			}
		}
		c.recorder.ProviderRequest(op, outcome)
	}()

	if c.token == "" {
		return errs.Configuration("provider token not configured")
	}

	req := &webclient.Request{
		Method:  method,
		URL:     c.baseURL + path,
		Headers: http.Header{},
	}
	req.Headers.Set("Authorization", "Bearer "+c.token)
	req.Headers.Set("Accept", "application/json")
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		req.Body = b
		req.Headers.Set("Content-Type", "application/json")
	}

	resp, err := c.wc.Do(ctx, req)
	if err != nil {
		c.logger.Warn("could not make provider API request",
			logging.Field{Key: "operation", Value: op},
			logging.Field{Key: "error", Value: err.Error()})
		return errs.Transport(op, err)
	}
	if !resp.OK() {
		c.logger.Warn("provider API request failed",
			logging.Field{Key: "operation", Value: op},
			logging.Field{Key: "status", Value: resp.StatusCode})
		return errs.Provider(op, resp.StatusCode, strconv.Itoa(resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		c.logger.Warn("provider API response could not be decoded",
			logging.Field{Key: "operation", Value: op},
			logging.Field{Key: "error", Value: err.Error()})
		return errs.Provider(op, 0, err.Error())
	}
	return nil
}

package server

import (
	"github.com/raysh454/deployproxy/internal/app"
	"github.com/raysh454/deployproxy/internal/builder"
	"github.com/raysh454/deployproxy/internal/provider"
	"github.com/raysh454/deployproxy/internal/registry"
)

// SiteRequest is the body of POST /sites and PUT /sites/{site}.
type SiteRequest struct {
	Name    string            `json:"name"`
	Path    string            `json:"path"`
	Command string            `json:"command"`
	URL     string            `json:"url"`
	Env     map[string]string `json:"env"`
}

func (r SiteRequest) toNewSite() registry.NewSite {
	return registry.NewSite{Name: r.Name, Path: r.Path, Command: r.Command, URL: r.URL, Env: r.Env}
}

type SiteResponse struct {
	Site *provider.Site `json:"site"`
}

type DeploysResponse struct {
	Deploys []provider.Deploy `json:"deploys"`
}

type BuildResponse struct {
	Build *provider.Build `json:"build"`
	Job   *app.Job        `json:"job,omitempty"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type DeployResponse struct {
	Deploy *provider.Deploy `json:"deploy"`
}

type HookExistsResponse struct {
	Exists bool `json:"exists"`
}

type HookResponse struct {
	Hook  *provider.Hook `json:"hook"`
	State string         `json:"state"`
}

type HookFiredResponse struct {
	Updated bool   `json:"updated"`
	Reason  string `json:"reason,omitempty"`
}

// LocalBuildResponse is the body of GET /build/{site}. Either Success or
// Error is set; Result describes the finished build.
type LocalBuildResponse struct {
	Success string          `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Result  *builder.Result `json:"result,omitempty"`
}

type SitesResponse struct {
	Sites []registry.Site `json:"sites"`
}

type LocalSiteResponse struct {
	Site *registry.Site `json:"site"`
}

type ActivityResponse struct {
	ActivityID int64 `json:"activity_id"`
}

type JobsResponse struct {
	Jobs []app.Job `json:"jobs"`
}

type JobResponse struct {
	Job *app.Job `json:"job"`
}

// ErrorResponse is a uniform error payload returned by the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

package provider

import "time"

// Deploy states reported by the provider.
const (
	StateBuilding = "building"
	StateReady    = "ready"
	StateError    = "error"
)

// EventDeployCreated is the only hook event the proxy registers.
const EventDeployCreated = "deploy_created"

// Site is the provider-side site object.
type Site struct {
	ID              string    `json:"id"`
	SiteID          string    `json:"site_id"`
	Name            string    `json:"name"`
	URL             string    `json:"url,omitempty"`
	SSLURL          string    `json:"ssl_url,omitempty"`
	AdminURL        string    `json:"admin_url,omitempty"`
	State           string    `json:"state,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
	PublishedDeploy *Deploy   `json:"published_deploy,omitempty"`
}

// ProviderSiteID returns the provider's identifier for the site.
func (s *Site) ProviderSiteID() string {
	if s.SiteID != "" {
		return s.SiteID
	}
	return s.ID
}

// Deploy is a provider-side deployment snapshot. The proxy only changes it
// through trigger, lock, unlock and restore.
type Deploy struct {
	ID           string     `json:"id"`
	SiteID       string     `json:"site_id"`
	State        string     `json:"state"`
	Name         string     `json:"name,omitempty"`
	URL          string     `json:"url,omitempty"`
	DeployURL    string     `json:"deploy_url,omitempty"`
	Branch       string     `json:"branch,omitempty"`
	Context      string     `json:"context,omitempty"`
	CommitRef    string     `json:"commit_ref,omitempty"`
	Title        string     `json:"title,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Locked       bool       `json:"locked"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
}

// Terminal reports whether the deploy reached a final state.
func (d *Deploy) Terminal() bool {
	return d.State == StateReady || d.State == StateError
}

// Build is the response of a build trigger.
type Build struct {
	ID        string     `json:"id"`
	DeployID  string     `json:"deploy_id"`
	SHA       string     `json:"sha,omitempty"`
	Done      bool       `json:"done"`
	Error     string     `json:"error,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Hook is a provider-registered callback.
type Hook struct {
	ID        string     `json:"id"`
	SiteID    string     `json:"site_id"`
	Type      string     `json:"type"`
	Event     string     `json:"event"`
	Data      HookData   `json:"data"`
	Branch    string     `json:"branch,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// HookData carries the callback target.
type HookData struct {
	URL string `json:"url"`
}

// Metadata is the provider's opaque per-site metadata object. There is no
// partial update: it is read and written whole.
type Metadata map[string]any

// String returns the value at key when it is a non-empty string.
func (m Metadata) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Merge copies every key of other into a copy of m.
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Package activity finds the most recent relevant entry in the host
// console's audit log and stamps it on sites and deploys.
package activity

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one audit-log entry. The host console owns these; the proxy only
// reads them.
type Record struct {
	ID         int64     `json:"id"`
	Action     string    `json:"action"`
	Collection string    `json:"collection"`
	Timestamp  time.Time `json:"timestamp"`
}

// Filter excludes audit entries that do not represent content changes.
type Filter struct {
	ExcludeActions     []string `toml:"exclude_actions" json:"exclude_actions"`
	ExcludeCollections []string `toml:"exclude_collections" json:"exclude_collections"`
}

// DefaultFilter drops logins, comments and changes to console-internal
// collections.
func DefaultFilter() Filter {
	return Filter{
		ExcludeActions: []string{"login", "comment"},
		ExcludeCollections: []string{
			"directus_dashboards",
			"directus_folders",
			"directus_migrations",
			"directus_panels",
			"directus_sessions",
			"directus_settings",
			"directus_webhooks",
		},
	}
}

// Allows reports whether r passes the filter.
func (f Filter) Allows(r Record) bool {
	for _, a := range f.ExcludeActions {
		if r.Action == a {
			return false
		}
	}
	for _, c := range f.ExcludeCollections {
		if r.Collection == c {
			return false
		}
	}
	return true
}

// MarshalQuery renders the filter in the console's query-filter syntax.
func (f Filter) MarshalQuery() string {
	q := map[string]any{}
	if len(f.ExcludeActions) > 0 {
		q["action"] = map[string]any{"_nin": f.ExcludeActions}
	}
	if len(f.ExcludeCollections) > 0 {
		q["collection"] = map[string]any{"_nin": f.ExcludeCollections}
	}
	b, _ := json.Marshal(q)
	return string(b)
}

// Query selects audit entries newest first.
type Query struct {
	Filter Filter
	Limit  int
}

// Source reads audit entries matching q, ordered by timestamp descending.
type Source interface {
	Query(ctx context.Context, q Query) ([]Record, error)
}

// NoSource is used when no audit log is configured. Every correlation
// yields activity id 0.
type NoSource struct{}

func (NoSource) Query(context.Context, Query) ([]Record, error) { return nil, nil }

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

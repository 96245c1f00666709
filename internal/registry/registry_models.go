package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Status is the build status of a site. Status and timestamp always change
// together.
type Status string

const (
	StatusCreated   Status = "Created"
	StatusBuilding  Status = "Building"
	StatusFailed    Status = "Failed"
	StatusCompleted Status = "Completed"
)

// Terminal reports whether a build in this status has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Settings row keys. Every site has exactly one row per key.
const (
	KeyID        = "site-id"
	KeyName      = "site-name"
	KeyPath      = "site-path"
	KeyCommand   = "site-command"
	KeyURL       = "site-url"
	KeyEnv       = "site-env"
	KeyStatus    = "build-status"
	KeyLog       = "build-log"
	KeyTimestamp = "build-timestamp"
	KeyActivity  = "build-activity"
)

// Keys lists the fixed key set in insertion order.
var Keys = []string{
	KeyID, KeyName, KeyPath, KeyCommand, KeyURL, KeyEnv,
	KeyStatus, KeyLog, KeyTimestamp, KeyActivity,
}

// Site is one deployable unit assembled from its settings rows.
type Site struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	Path       string            `json:"path"`
	Command    string            `json:"command"`
	URL        string            `json:"url"`
	Env        map[string]string `json:"env"`
	Status     Status            `json:"status"`
	LogPath    string            `json:"log_path,omitempty"`
	Timestamp  int64             `json:"timestamp"`
	ActivityID int64             `json:"activity_id"`

	// EnvRaw is the stored JSON text of Env.
	EnvRaw string `json:"-"`
}

// NewSite carries the operator-supplied fields of a site.
type NewSite struct {
	Name    string            `json:"name"`
	Path    string            `json:"path"`
	Command string            `json:"command"`
	URL     string            `json:"url"`
	Env     map[string]string `json:"env"`
}

// DecodeEnv parses EnvRaw. Non-string values are rendered as JSON text.
func (s *Site) DecodeEnv() (map[string]string, error) {
	return decodeEnv(s.EnvRaw)
}

func decodeEnv(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return map[string]string{}, fmt.Errorf("decode env: %w", err)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out, nil
}

func encodeEnv(env map[string]string) (string, error) {
	if env == nil {
		env = map[string]string{}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

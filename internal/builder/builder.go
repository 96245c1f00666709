// Package builder runs a site's build command locally, streaming output to
// a log file and recording status transitions in the site registry.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/deployproxy/internal/errs"
	"github.com/raysh454/deployproxy/internal/logging"
	"github.com/raysh454/deployproxy/internal/registry"
)

const (
	MsgSuccess        = "Site successfully published"
	MsgBuildFailed    = "The Build process failed - view log for details"
	MsgAlreadyRunning = "a build is already running for this site"
)

type Config struct {
	// LogRoot is the directory build logs are written under. Empty means
	// os.TempDir().
	LogRoot string
	// LogPrefix names the per-build log directory.
	LogPrefix string
	// Shell runs the command line with "-c".
	Shell                 string
	AllowConcurrentBuilds bool
	// UseNPM runs the site command as an npm script in the site path;
	// otherwise the command runs directly with the site path as working
	// directory.
	UseNPM bool
}

func DefaultConfig() Config {
	return Config{
		LogPrefix: "deployproxy",
		Shell:     "sh",
		UseNPM:    true,
	}
}

// SiteStore is the part of the site registry a build needs.
type SiteStore interface {
	GetSite(ctx context.Context, id int64) (*registry.Site, error)
	SetLogPath(ctx context.Context, id int64, path string) error
	UpdateStatus(ctx context.Context, id int64, status registry.Status) (*registry.Site, error)
}

// Correlator stamps the latest audit entry on a site.
type Correlator interface {
	Stamp(ctx context.Context, siteID int64) (int64, error)
}

// Recorder observes finished builds.
type Recorder interface {
	BuildFinished(status string, elapsed time.Duration)
}

type Option func(*Runner)

func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// Result describes one finished build.
type Result struct {
	SiteID     int64           `json:"site_id"`
	Status     registry.Status `json:"status"`
	ExitCode   int             `json:"exit_code"`
	LogPath    string          `json:"log_path"`
	ActivityID int64           `json:"activity_id"`
	Started    time.Time       `json:"started"`
	Finished   time.Time       `json:"finished"`
}

// Runner is the BuildRunner.
type Runner struct {
	cfg        Config
	store      SiteStore
	correlator Correlator
	recorder   Recorder
	logger     logging.Logger

	mu      sync.Mutex
	running map[int64]struct{}
}

func New(cfg Config, store SiteStore, correlator Correlator, logger logging.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = logging.Nop{}
	}
	def := DefaultConfig()
	if cfg.LogPrefix == "" {
		cfg.LogPrefix = def.LogPrefix
	}
	if cfg.Shell == "" {
		cfg.Shell = def.Shell
	}
	if cfg.LogRoot == "" {
		cfg.LogRoot = os.TempDir()
	}
	r := &Runner{
		cfg:        cfg,
		store:      store,
		correlator: correlator,
		logger:     logger.With(logging.Field{Key: "component", Value: "builder"}),
		running:    map[int64]struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Running reports whether a build for siteID is in flight.
func (r *Runner) Running(siteID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[siteID]
	return ok
}

func (r *Runner) acquire(siteID int64) bool {
	if r.cfg.AllowConcurrentBuilds {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[siteID]; ok {
		return false
	}
	r.running[siteID] = struct{}{}
	return true
}

func (r *Runner) release(siteID int64) {
	if r.cfg.AllowConcurrentBuilds {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, siteID)
}

// Build runs the build of one site and waits for it to finish. A nonzero
// exit is reported as a Failed result, not an error. When the status or
// activity cannot be recorded after the process ends, the result is
// returned together with the registry error.
func (r *Runner) Build(ctx context.Context, siteID int64) (*Result, error) {
	site, err := r.store.GetSite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if !r.acquire(siteID) {
		r.logger.Warn("rejected concurrent build", logging.Field{Key: "site", Value: siteID})
		return nil, errs.Conflict(MsgAlreadyRunning)
	}
	defer r.release(siteID)

	logPath, err := r.newLogFile(siteID)
	if err != nil {
		r.logger.Error("could not create log file",
			logging.Field{Key: "site", Value: siteID},
			logging.Field{Key: "error", Value: err.Error()})
		return nil, errs.Registry("Could not create log file", err)
	}
	if err := r.store.SetLogPath(ctx, siteID, logPath); err != nil {
		return nil, errs.Registry("Could not create log file", err)
	}

	if _, err := r.store.UpdateStatus(ctx, siteID, registry.StatusBuilding); err != nil {
		return nil, errs.Registry("Could not update Site status to Building in Settings", err)
	}

	env, err := site.DecodeEnv()
	if err != nil {
		r.logger.Warn("could not parse site env",
			logging.Field{Key: "site", Value: siteID},
			logging.Field{Key: "error", Value: err.Error()})
		env = nil
	}

	res := &Result{SiteID: siteID, LogPath: logPath, Started: time.Now()}
	res.ExitCode, err = r.run(ctx, site, env, logPath)
	res.Finished = time.Now()
	if err != nil {
		r.logger.Error("could not start build",
			logging.Field{Key: "site", Value: siteID},
			logging.Field{Key: "error", Value: err.Error()})
	}

	r.logger.Info("build finished",
		logging.Field{Key: "site", Value: siteID},
		logging.Field{Key: "exit_code", Value: res.ExitCode},
		logging.Field{Key: "elapsed", Value: res.Finished.Sub(res.Started).String()})

	// The build itself is over; registry writes must not be lost to a
	// cancelled caller.
	ctx = context.WithoutCancel(ctx)

	if res.ExitCode != 0 {
		res.Status = registry.StatusFailed
		r.record(res)
		if _, err := r.store.UpdateStatus(ctx, siteID, registry.StatusFailed); err != nil {
			return res, errs.Registry("Could not update Site status to Build Failed in Settings", err)
		}
		return res, nil
	}

	res.Status = registry.StatusCompleted
	r.record(res)
	if _, err := r.store.UpdateStatus(ctx, siteID, registry.StatusCompleted); err != nil {
		return res, errs.Registry("Could not update Site status to Published in Settings", err)
	}
	if r.correlator != nil {
		id, err := r.correlator.Stamp(ctx, siteID)
		if err != nil {
			return res, errs.Registry("Could not update Site activity in Settings", err)
		}
		res.ActivityID = id
	}
	return res, nil
}

func (r *Runner) record(res *Result) {
	if r.recorder != nil {
		r.recorder.BuildFinished(string(res.Status), res.Finished.Sub(res.Started))
	}
}

// newLogFile creates an empty log file in a fresh per-build directory.
func (r *Runner) newLogFile(siteID int64) (string, error) {
	dir := filepath.Join(r.cfg.LogRoot, r.cfg.LogPrefix+"-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("site-%d.log", siteID))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create log file: %w", err)
	}
	return path, f.Close()
}

// run executes the command line and returns its exit code. Start failures
// are reported as exit code -1 alongside the error.
func (r *Runner) run(ctx context.Context, site *registry.Site, env map[string]string, logPath string) (int, error) {
	logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return -1, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	line := r.CommandLine(site, env)
	r.logger.Debug("running build command",
		logging.Field{Key: "site", Value: site.ID},
		logging.Field{Key: "command", Value: line})

	cmd := exec.CommandContext(ctx, r.cfg.Shell, "-c", line)
	if !r.cfg.UseNPM {
		cmd.Dir = site.Path
		cmd.Env = os.Environ()
		for _, k := range r.envKeys(site.ID, env) {
			cmd.Env = append(cmd.Env, k+"="+env[k])
		}
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	err = cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code > 0 {
			return code, nil
		}
		return -1, nil
	}
	fmt.Fprintf(logFile, "%v\n", err)
	return -1, err
}

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CommandLine returns the shell command line for a site. An npm build is
// prefixed with the site's environment assignments in key order; a direct
// command gets them through the process environment instead.
func (r *Runner) CommandLine(site *registry.Site, env map[string]string) string {
	if !r.cfg.UseNPM {
		return site.Command
	}
	var b strings.Builder
	for _, k := range r.envKeys(site.ID, env) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(shellQuote(env[k]))
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "npm --no-color run --prefix %s %s", shellQuote(site.Path), shellQuote(site.Command))
	return b.String()
}

func (r *Runner) envKeys(siteID int64, env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		if !envKeyRe.MatchString(k) {
			r.logger.Warn("skipping invalid env key",
				logging.Field{Key: "site", Value: siteID},
				logging.Field{Key: "key", Value: k})
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ReadLog returns the contents of a build log. A missing or unreadable log
// is logged and read as empty.
func (r *Runner) ReadLog(path string) string {
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		r.logger.Warn("could not read build log",
			logging.Field{Key: "path", Value: path},
			logging.Field{Key: "error", Value: err.Error()})
		return ""
	}
	return string(b)
}

// Package registry persists site configuration and build state as
// (site, key, value) settings rows in SQLite.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/raysh454/deployproxy/internal/errs"
	"github.com/raysh454/deployproxy/internal/logging"
)

// ErrSiteNotFound is returned when no settings rows exist for a site id.
var ErrSiteNotFound = errs.NotFound("Site configuration not found in Settings")

// Clock supplies the time used for build timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Option func(*Registry)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// Registry is the SiteRegistry.
type Registry struct {
	db     *sql.DB
	clock  Clock
	logger logging.Logger
}

// OpenDB opens the SQLite database at path with the pragmas the registry
// expects. A single connection serializes writers.
func OpenDB(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragmas: %w", err)
	}
	return db, nil
}

// NewRegistry migrates the schema and returns a Registry over db.
func NewRegistry(db *sql.DB, logger logging.Logger, opts ...Option) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if logger == nil {
		logger = logging.Nop{}
	}
	if err := MigrateUp(db); err != nil {
		return nil, err
	}
	r := &Registry{
		db:     db,
		clock:  systemClock{},
		logger: logger.With(logging.Field{Key: "component", Value: "registry"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// SaveSite creates a site under the next free id. All rows are written in
// one transaction.
func (r *Registry) SaveSite(ctx context.Context, in NewSite) (*Site, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, errs.Invalid("site name is required")
	}
	env, err := encodeEnv(in.Env)
	if err != nil {
		return nil, errs.Invalid("site env must be an object of strings")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Registry("could not save site", err)
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(site), 0) + 1 FROM settings`).Scan(&id); err != nil {
		return nil, errs.Registry("could not save site", fmt.Errorf("next site id: %w", err))
	}

	now := r.clock.Now().UnixMilli()
	values := map[string]string{
		KeyID:        strconv.FormatInt(id, 10),
		KeyName:      in.Name,
		KeyPath:      in.Path,
		KeyCommand:   in.Command,
		KeyURL:       in.URL,
		KeyEnv:       env,
		KeyStatus:    string(StatusCreated),
		KeyLog:       "",
		KeyTimestamp: strconv.FormatInt(now, 10),
		KeyActivity:  "0",
	}
	for _, key := range Keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (site, key, value) VALUES (?, ?, ?)`,
			id, key, values[key]); err != nil {
			return nil, errs.Registry("could not save site", fmt.Errorf("insert %s: %w", key, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Registry("could not save site", err)
	}

	r.logger.Info("saved site",
		logging.Field{Key: "site", Value: id},
		logging.Field{Key: "name", Value: in.Name})
	return r.GetSite(ctx, id)
}

// UpdateSite replaces the operator-supplied fields of an existing site.
// Build state is left untouched.
func (r *Registry) UpdateSite(ctx context.Context, id int64, in NewSite) (*Site, error) {
	env, err := encodeEnv(in.Env)
	if err != nil {
		return nil, errs.Invalid("site env must be an object of strings")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Registry("could not update site", err)
	}
	defer tx.Rollback()

	values := [][2]string{
		{KeyName, in.Name},
		{KeyPath, in.Path},
		{KeyCommand, in.Command},
		{KeyURL, in.URL},
		{KeyEnv, env},
	}
	for _, kv := range values {
		if err := updateOne(ctx, tx, id, kv[0], kv[1]); err != nil {
			if errors.Is(err, errNoRow) {
				return nil, ErrSiteNotFound
			}
			return nil, errs.Registry("could not update site", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Registry("could not update site", err)
	}
	return r.GetSite(ctx, id)
}

// GetSites returns every configured site ordered by id.
func (r *Registry) GetSites(ctx context.Context) ([]Site, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT site, key, value FROM settings ORDER BY site ASC, id ASC`)
	if err != nil {
		return nil, errs.Registry("could not read sites", err)
	}
	defer rows.Close()

	var out []Site
	var cur *Site
	for rows.Next() {
		var (
			site  int64
			key   string
			value sql.NullString
		)
		if err := rows.Scan(&site, &key, &value); err != nil {
			return nil, errs.Registry("could not read sites", err)
		}
		if cur == nil || cur.ID != site {
			out = append(out, Site{ID: site})
			cur = &out[len(out)-1]
		}
		cur.set(key, value.String)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Registry("could not read sites", err)
	}
	for i := range out {
		r.decodeSiteEnv(&out[i])
	}
	return out, nil
}

// GetSite returns one site or ErrSiteNotFound.
func (r *Registry) GetSite(ctx context.Context, id int64) (*Site, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, value FROM settings WHERE site = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, errs.Registry("could not read site", err)
	}
	defer rows.Close()

	s := &Site{ID: id}
	found := false
	for rows.Next() {
		var (
			key   string
			value sql.NullString
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, errs.Registry("could not read site", err)
		}
		s.set(key, value.String)
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Registry("could not read site", err)
	}
	if !found {
		return nil, ErrSiteNotFound
	}
	r.decodeSiteEnv(s)
	return s, nil
}

// RemoveSite deletes every settings row of a site.
func (r *Registry) RemoveSite(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM settings WHERE site = ?`, id)
	if err != nil {
		return errs.Registry("could not remove site", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Registry("could not remove site", err)
	}
	if n == 0 {
		return ErrSiteNotFound
	}
	r.logger.Info("removed site", logging.Field{Key: "site", Value: id})
	return nil
}

// UpdateStatus writes the status and a fresh timestamp together. The new
// timestamp is always greater than the stored one; if either row cannot be
// updated neither change is kept.
func (r *Registry) UpdateStatus(ctx context.Context, id int64, status Status) (*Site, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Registry("could not update site status", err)
	}
	defer tx.Rollback()

	var prev sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE site = ? AND key = ?`, id, KeyTimestamp).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Registry("could not update site status", err)
	}
	ts := r.clock.Now().UnixMilli()
	if p := parseInt(prev.String); ts <= p {
		ts = p + 1
	}

	if err := updateOne(ctx, tx, id, KeyStatus, string(status)); err != nil {
		return nil, errs.Registry("could not update site status", err)
	}
	if err := updateOne(ctx, tx, id, KeyTimestamp, strconv.FormatInt(ts, 10)); err != nil {
		return nil, errs.Registry("could not update site status", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Registry("could not update site status", err)
	}

	r.logger.Debug("updated site status",
		logging.Field{Key: "site", Value: id},
		logging.Field{Key: "status", Value: string(status)},
		logging.Field{Key: "timestamp", Value: ts})
	return r.GetSite(ctx, id)
}

// SetLogPath records the log file of the current build.
func (r *Registry) SetLogPath(ctx context.Context, id int64, path string) error {
	if err := updateOne(ctx, r.db, id, KeyLog, path); err != nil {
		return errs.Registry("could not update site log path", err)
	}
	return nil
}

// SetActivity records the activity id correlated with the last successful
// build.
func (r *Registry) SetActivity(ctx context.Context, id int64, activityID int64) error {
	if err := updateOne(ctx, r.db, id, KeyActivity, strconv.FormatInt(activityID, 10)); err != nil {
		return errs.Registry("Could not update Site activity in Settings", err)
	}
	return nil
}

var errNoRow = errors.New("settings row not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// updateOne updates one (site, key) row and fails unless exactly one row
// changed.
func updateOne(ctx context.Context, ex execer, id int64, key, value string) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE settings SET value = ? WHERE site = ? AND key = ?`, value, id, key)
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	if n != 1 {
		return fmt.Errorf("update %s: %w", key, errNoRow)
	}
	return nil
}

func (s *Site) set(key, value string) {
	switch key {
	case KeyName:
		s.Name = value
	case KeyPath:
		s.Path = value
	case KeyCommand:
		s.Command = value
	case KeyURL:
		s.URL = value
	case KeyEnv:
		s.EnvRaw = value
	case KeyStatus:
		s.Status = Status(value)
	case KeyLog:
		s.LogPath = value
	case KeyTimestamp:
		s.Timestamp = parseInt(value)
	case KeyActivity:
		s.ActivityID = parseInt(value)
	}
}

func (r *Registry) decodeSiteEnv(s *Site) {
	env, err := s.DecodeEnv()
	if err != nil {
		r.logger.Warn("could not parse site env",
			logging.Field{Key: "site", Value: s.ID},
			logging.Field{Key: "error", Value: err.Error()})
	}
	s.Env = env
}

package activity

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const DefaultTable = "directus_activity"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLSource queries the console's activity table directly. driver is
// "sqlite" or "postgres" and selects the placeholder style.
type SQLSource struct {
	db     *sql.DB
	driver string
	table  string
}

// OpenSQLSource opens dsn with driver and wraps it.
func OpenSQLSource(driver, dsn, table string) (*SQLSource, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("activity dsn is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open activity db: %w", err)
	}
	src, err := NewSQLSource(db, driver, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return src, nil
}

func NewSQLSource(db *sql.DB, driver, table string) (*SQLSource, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported activity driver %q", driver)
	}
	if table == "" {
		table = DefaultTable
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid activity table name %q", table)
	}
	return &SQLSource{db: db, driver: driver, table: table}, nil
}

// Close closes the underlying database.
func (s *SQLSource) Close() error { return s.db.Close() }

func (s *SQLSource) Query(ctx context.Context, q Query) ([]Record, error) {
	query, args := s.build(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r          Record
			action     sql.NullString
			collection sql.NullString
			ts         sql.NullString
		)
		if err := rows.Scan(&r.ID, &action, &collection, &ts); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		r.Action = action.String
		r.Collection = collection.String
		r.Timestamp = parseTimestamp(ts.String)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read activity: %w", err)
	}
	return out, nil
}

func (s *SQLSource) build(q Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	placeholder := func() string {
		if s.driver == "postgres" {
			return fmt.Sprintf("$%d", len(args))
		}
		return "?"
	}
	notIn := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		ph := make([]string, len(values))
		for i, v := range values {
			args = append(args, v)
			ph[i] = placeholder()
		}
		where = append(where, fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))", column, column, strings.Join(ph, ", ")))
	}
	notIn("action", q.Filter.ExcludeActions)
	notIn("collection", q.Filter.ExcludeCollections)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, action, collection, timestamp FROM %s", s.table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY timestamp DESC, id DESC")
	if q.Limit > 0 {
		args = append(args, q.Limit)
		b.WriteString(" LIMIT ")
		b.WriteString(placeholder())
	}
	return b.String(), args
}

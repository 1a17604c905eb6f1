package metrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meshmon-dev/meshmon/internal/types"

	_ "modernc.org/sqlite"
)

// ErrBucketChanged is returned by ReplaceBucket when some of the rows being
// replaced were already gone, e.g. removed by a concurrent aggregation run.
var ErrBucketChanged = errors.New("metric bucket changed during aggregation")

// Store keeps metric samples in SQLite, one table per Kind.
type Store struct {
	db    *sql.DB
	kinds []Kind
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metrics db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, kinds: Kinds}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures a table and lookup index exist for every kind.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, kind := range s.kinds {
		cols := make([]string, 0, len(kind.Fields))
		for _, name := range kind.columns() {
			cols = append(cols, name+" REAL")
		}
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				mac TEXT NOT NULL,
				created INTEGER NOT NULL,
				granularity INTEGER,
				%s
			);`, kind.Table, strings.Join(cols, ",\n\t\t\t\t")),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_mac_created ON %s(mac, created);`, kind.Table, kind.Table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_granularity_created ON %s(granularity, created);`, kind.Table, kind.Table),
		}
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("init schema %s: %w", kind.Table, err)
			}
		}
	}
	return nil
}

// Insert appends rows of one kind in a single transaction.
func (s *Store) Insert(ctx context.Context, kind Kind, rows ...Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert %s: %w", kind.Name, err)
	}
	defer tx.Rollback()

	if err := insertRows(ctx, tx, kind, rows); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert %s: %w", kind.Name, err)
	}
	return nil
}

// Latest returns the newest row for mac at any granularity, restricted to rows
// where every notNull field is set. It returns nil when there is none.
func (s *Store) Latest(ctx context.Context, kind Kind, mac string, notNull ...string) (*Row, error) {
	var where strings.Builder
	where.WriteString("mac = ?")
	for _, name := range notNull {
		if !kind.hasField(name) {
			return nil, fmt.Errorf("%s has no field %q", kind.Name, name)
		}
		where.WriteString(" AND " + name + " IS NOT NULL")
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY created DESC, id DESC LIMIT 1",
		kind.selectList(), kind.Table, where.String())

	rows, err := s.query(ctx, kind, query, mac)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Query filters a range read. Zero From/To leave that side open and an empty
// MAC matches every device.
type Query struct {
	MAC         string
	Granularity types.Granularity
	From        time.Time
	To          time.Time
}

// Range returns rows at q.Granularity within [From, To), oldest first.
func (s *Store) Range(ctx context.Context, kind Kind, q Query) ([]Row, error) {
	conds := []string{"granularity IS ?"}
	args := []any{granularityArg(q.Granularity)}
	if q.MAC != "" {
		conds = append(conds, "mac = ?")
		args = append(args, q.MAC)
	}
	if !q.From.IsZero() {
		conds = append(conds, "created >= ?")
		args = append(args, q.From.UnixMicro())
	}
	if !q.To.IsZero() {
		conds = append(conds, "created < ?")
		args = append(args, q.To.UnixMicro())
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY created ASC, id ASC",
		kind.selectList(), kind.Table, strings.Join(conds, " AND "))
	return s.query(ctx, kind, query, args...)
}

// AtGranularity returns every row currently at gran, oldest first.
func (s *Store) AtGranularity(ctx context.Context, kind Kind, gran types.Granularity) ([]Row, error) {
	return s.Range(ctx, kind, Query{Granularity: gran})
}

// ByDevice groups the rows of a range read by MAC.
func (s *Store) ByDevice(ctx context.Context, kind Kind, q Query) (map[string][]Row, error) {
	rows, err := s.Range(ctx, kind, q)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]Row)
	for _, row := range rows {
		grouped[row.MAC] = append(grouped[row.MAC], row)
	}
	return grouped, nil
}

// NewestCreated returns the timestamp of the newest row of kind, if any.
func (s *Store) NewestCreated(ctx context.Context, kind Kind) (time.Time, bool, error) {
	var created sql.NullInt64
	query := fmt.Sprintf("SELECT MAX(created) FROM %s", kind.Table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&created); err != nil {
		return time.Time{}, false, fmt.Errorf("newest %s: %w", kind.Name, err)
	}
	if !created.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMicro(created.Int64).UTC(), true, nil
}

// ReplaceBucket writes aggregated and deletes the rows identified by ids in
// one transaction. If any id is already gone nothing is committed.
func (s *Store) ReplaceBucket(ctx context.Context, kind Kind, ids []int64, aggregated Row) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace %s: %w", kind.Name, err)
	}
	defer tx.Rollback()

	if err := insertRows(ctx, tx, kind, []Row{aggregated}); err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", kind.Table, placeholders)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete %s bucket: %w", kind.Name, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s bucket: %w", kind.Name, err)
	}
	if deleted != int64(len(ids)) {
		return fmt.Errorf("%s: deleted %d of %d rows: %w", kind.Name, deleted, len(ids), ErrBucketChanged)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace %s: %w", kind.Name, err)
	}
	return nil
}

// Count returns the number of rows of kind at gran.
func (s *Store) Count(ctx context.Context, kind Kind, gran types.Granularity) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE granularity IS ?", kind.Table)
	if err := s.db.QueryRowContext(ctx, query, granularityArg(gran)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind.Name, err)
	}
	return n, nil
}

func insertRows(ctx context.Context, tx *sql.Tx, kind Kind, rows []Row) error {
	cols := append([]string{"mac", "created", "granularity"}, kind.columns()...)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		kind.Table, strings.Join(cols, ", "), placeholders))
	if err != nil {
		return fmt.Errorf("prepare insert %s: %w", kind.Name, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		args := make([]any, 0, len(cols))
		args = append(args, row.MAC, row.Created.UnixMicro(), granularityArg(row.Granularity))
		for _, field := range kind.Fields {
			if v, ok := row.Value(field.Name); ok {
				args = append(args, v)
			} else {
				args = append(args, nil)
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert %s: %w", kind.Name, err)
		}
	}
	return nil
}

func (s *Store) query(ctx context.Context, kind Kind, query string, args ...any) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind.Name, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row         Row
			created     int64
			granularity sql.NullInt64
		)
		values := make([]sql.NullFloat64, len(kind.Fields))
		dest := []any{&row.ID, &row.MAC, &created, &granularity}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind.Name, err)
		}

		row.Created = time.UnixMicro(created).UTC()
		if granularity.Valid {
			row.Granularity = types.Granularity(granularity.Int64)
		}
		row.Values = make(map[string]*float64, len(kind.Fields))
		for i, field := range kind.Fields {
			if values[i].Valid {
				v := values[i].Float64
				row.Values[field.Name] = &v
			} else {
				row.Values[field.Name] = nil
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind.Name, err)
	}
	return out, nil
}

func (k Kind) selectList() string {
	return strings.Join(append([]string{"id", "mac", "created", "granularity"}, k.columns()...), ", ")
}

func (k Kind) hasField(name string) bool {
	for _, f := range k.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func granularityArg(g types.Granularity) any {
	if g == types.GranularityRaw {
		return nil
	}
	return int64(g)
}

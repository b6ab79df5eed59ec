package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite stores each namespace in its own database file under dir.
type SQLite struct {
	dir string
}

// NewSQLite returns a backend rooted at dir, creating the directory if needed.
func NewSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir %s: %v", ErrUnavailable, dir, err)
	}
	return &SQLite{dir: dir}, nil
}

func (b *SQLite) Name() string { return "sqlite" }

// Path returns the database file backing namespace.
func (b *SQLite) Path(namespace string) string {
	return filepath.Join(b.dir, namespace+".db")
}

func (b *SQLite) open(ctx context.Context, namespace string, schema Schema) (*sql.DB, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", b.Path(namespace)+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, namespace, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, namespace, err)
	}
	for _, stmt := range ddl(schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("register schema %s on %s: %w", schema.Collection, namespace, err)
		}
	}
	return db, nil
}

// Ensure creates the database file and table. CREATE ... IF NOT EXISTS makes
// concurrent callers converge on the same file.
func (b *SQLite) Ensure(ctx context.Context, namespace string, schema Schema) error {
	db, err := b.open(ctx, namespace, schema)
	if err != nil {
		return err
	}
	return db.Close()
}

func (b *SQLite) Open(ctx context.Context, namespace string, schema Schema) (Collection, error) {
	db, err := b.open(ctx, namespace, schema)
	if err != nil {
		return nil, err
	}
	return &sqliteCollection{db: db, schema: schema}, nil
}

// Close is a no-op: every collection owns its database handle.
func (b *SQLite) Close(context.Context) error { return nil }

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func ddl(s Schema) []string {
	cols := make([]string, 0, len(s.Fields)+1)
	cols = append(cols, "_id INTEGER PRIMARY KEY AUTOINCREMENT")
	for _, f := range s.Fields {
		var def string
		switch f.Type {
		case String:
			def = "TEXT NOT NULL DEFAULT ''"
		case Float:
			def = "REAL NOT NULL DEFAULT 0"
		case NullFloat:
			def = "REAL"
		case Time:
			def = "INTEGER NOT NULL DEFAULT 0"
		}
		cols = append(cols, quote(f.Name)+" "+def)
	}
	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(s.Collection), strings.Join(cols, ",\n\t"))}

	quoteAll := func(names []string) string {
		q := make([]string, len(names))
		for i, n := range names {
			q[i] = quote(n)
		}
		return strings.Join(q, ", ")
	}
	if len(s.Unique) > 0 {
		stmts = append(stmts, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			quote(s.Collection+"_unique"), quote(s.Collection), quoteAll(s.Unique)))
	}
	for i, idx := range s.Indexes {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quote(fmt.Sprintf("%s_idx%d", s.Collection, i)), quote(s.Collection), quoteAll(idx)))
	}
	return stmts
}

type sqliteCollection struct {
	db     *sql.DB
	schema Schema
}

func (c *sqliteCollection) Close() error { return c.db.Close() }

func (c *sqliteCollection) table() string { return quote(c.schema.Collection) }

// bind converts a canonical value to its sqlite representation.
func bind(f Field, v any) (any, error) {
	cv, err := coerce(f, v)
	if err != nil {
		return nil, err
	}
	switch x := cv.(type) {
	case time.Time:
		return x.Unix(), nil
	case *float64:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	}
	return cv, nil
}

func (c *sqliteCollection) insert(ctx context.Context, tx *sql.Tx, docs []Document) (int, error) {
	names := make([]string, len(c.schema.Fields))
	marks := make([]string, len(c.schema.Fields))
	for i, f := range c.schema.Fields {
		names[i] = quote(f.Name)
		marks[i] = "?"
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		c.table(), strings.Join(names, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return 0, classify(err)
	}
	defer stmt.Close()

	args := make([]any, len(c.schema.Fields))
	for n, doc := range docs {
		for i, f := range c.schema.Fields {
			v, err := bind(f, doc[f.Name])
			if err != nil {
				return 0, fmt.Errorf("document %d: %w", n, err)
			}
			args[i] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, classify(err)
		}
	}
	return len(docs), nil
}

// InsertMany inserts all docs in one transaction: either every document is
// stored or none is.
func (c *sqliteCollection) InsertMany(ctx context.Context, docs []Document) (int, error) {
	return c.inTx(ctx, func(tx *sql.Tx) (int, error) {
		return c.insert(ctx, tx, docs)
	})
}

func (c *sqliteCollection) Replace(ctx context.Context, docs []Document) (int, error) {
	return c.inTx(ctx, func(tx *sql.Tx) (int, error) {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+c.table()); err != nil {
			return 0, classify(err)
		}
		return c.insert(ctx, tx, docs)
	})
}

func (c *sqliteCollection) inTx(ctx context.Context, fn func(*sql.Tx) (int, error)) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err)
	}
	n, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (c *sqliteCollection) where(f Filter) (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}
	clauses := make([]string, 0, len(f))
	var args []any
	for _, cond := range f {
		field, ok := c.schema.Field(cond.Field)
		if !ok {
			return "", nil, fmt.Errorf("filter on unknown field %q", cond.Field)
		}
		if len(cond.Values) == 0 {
			return "", nil, fmt.Errorf("filter on %q: no value", cond.Field)
		}
		col := quote(field.Name)
		switch cond.Op {
		case Eq, Gte, Lte:
			v, err := bind(field, cond.Values[0])
			if err != nil {
				return "", nil, err
			}
			op := map[Op]string{Eq: "=", Gte: ">=", Lte: "<="}[cond.Op]
			clauses = append(clauses, col+" "+op+" ?")
			args = append(args, v)
		case In:
			marks := make([]string, len(cond.Values))
			for i, raw := range cond.Values {
				v, err := bind(field, raw)
				if err != nil {
					return "", nil, err
				}
				marks[i] = "?"
				args = append(args, v)
			}
			clauses = append(clauses, col+" IN ("+strings.Join(marks, ", ")+")")
		case Contains:
			s := fmt.Sprint(cond.Values[0])
			s = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
			clauses = append(clauses, col+` LIKE ? ESCAPE '\'`)
			args = append(args, "%"+s+"%")
		default:
			return "", nil, fmt.Errorf("filter on %q: unknown operator %d", cond.Field, cond.Op)
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (c *sqliteCollection) Find(ctx context.Context, f Filter, opts FindOptions) ([]Document, error) {
	where, args, err := c.where(f)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(c.schema.Fields))
	for i, fld := range c.schema.Fields {
		names[i] = quote(fld.Name)
	}
	q := "SELECT " + strings.Join(names, ", ") + " FROM " + c.table() + where

	order := make([]string, 0, len(opts.Sort)+1)
	for _, s := range opts.Sort {
		if _, ok := c.schema.Field(s.Field); !ok {
			return nil, fmt.Errorf("sort on unknown field %q", s.Field)
		}
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		order = append(order, quote(s.Field)+" "+dir)
	}
	order = append(order, "_id ASC")
	q += " ORDER BY " + strings.Join(order, ", ")

	if opts.Limit > 0 || opts.Skip > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Skip)
	}

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		holders := make([]any, len(c.schema.Fields))
		for i, fld := range c.schema.Fields {
			switch fld.Type {
			case String:
				holders[i] = new(sql.NullString)
			case Float, NullFloat:
				holders[i] = new(sql.NullFloat64)
			case Time:
				holders[i] = new(sql.NullInt64)
			}
		}
		if err := rows.Scan(holders...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", c.schema.Collection, err)
		}
		doc := make(Document, len(c.schema.Fields))
		for i, fld := range c.schema.Fields {
			switch h := holders[i].(type) {
			case *sql.NullString:
				doc[fld.Name] = h.String
			case *sql.NullFloat64:
				if fld.Type == NullFloat {
					if h.Valid {
						v := h.Float64
						doc[fld.Name] = &v
					} else {
						doc[fld.Name] = (*float64)(nil)
					}
				} else {
					doc[fld.Name] = h.Float64
				}
			case *sql.NullInt64:
				doc[fld.Name] = time.Unix(h.Int64, 0)
			}
		}
		docs = append(docs, doc)
	}
	return docs, classify(rows.Err())
}

func (c *sqliteCollection) Count(ctx context.Context, f Filter) (int64, error) {
	where, args, err := c.where(f)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table()+where, args...).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (c *sqliteCollection) Distinct(ctx context.Context, field string, f Filter) ([]string, error) {
	fld, ok := c.schema.Field(field)
	if !ok || fld.Type != String {
		return nil, fmt.Errorf("distinct on %q: not a string field", field)
	}
	where, args, err := c.where(f)
	if err != nil {
		return nil, err
	}
	col := quote(field)
	if where == "" {
		where = " WHERE " + col + " <> ''"
	} else {
		where += " AND " + col + " <> ''"
	}
	rows, err := c.db.QueryContext(ctx, "SELECT DISTINCT "+col+" FROM "+c.table()+where+" ORDER BY "+col, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan distinct %s: %w", field, err)
		}
		values = append(values, v)
	}
	return values, classify(rows.Err())
}

func (c *sqliteCollection) Exists(ctx context.Context, f Filter) (bool, error) {
	where, args, err := c.where(f)
	if err != nil {
		return false, err
	}
	var one int
	err = c.db.QueryRowContext(ctx, "SELECT 1 FROM "+c.table()+where+" LIMIT 1", args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_BUSY:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}

package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Sink receives deduplicated records. Upserts are idempotent on each kind's composite key.
type Sink interface {
	UpsertBatch(ctx context.Context, kind Kind, records []Record) (int, error)
}

type column struct {
	name    string
	sqlType string
}

type table struct {
	name    string
	columns []column
	key     []string
}

// tables maps each kind to its relational shape; column names match the db tags on the record types
var tables = map[Kind]table{
	KindPages: {
		name: "pages",
		columns: []column{
			{"url", "TEXT NOT NULL"}, {"wikidot_id", "TEXT"}, {"title", "TEXT"}, {"category", "TEXT"},
			{"rating", "DOUBLE PRECISION"}, {"vote_count", "INTEGER"}, {"revision_count", "INTEGER"},
			{"source_length", "INTEGER"}, {"text_length", "INTEGER"}, {"created_by_id", "TEXT"},
			{"created_by_name", "TEXT"}, {"created_at", "TEXT"}, {"parent_url", "TEXT"},
			{"translation_of", "TEXT"}, {"tags", "TEXT"}, {"is_hidden", "BOOLEAN"}, {"is_user_page", "BOOLEAN"},
			{"tag_count", "INTEGER"}, {"vote_record_count", "INTEGER"}, {"revision_record_count", "INTEGER"},
			{"attribution_count", "INTEGER"}, {"alternate_title_count", "INTEGER"}, {"child_count", "INTEGER"},
			{"translation_count", "INTEGER"},
		},
		key: []string{"url"},
	},
	KindVotes: {
		name: "votes",
		columns: []column{
			{"page_url", "TEXT NOT NULL"}, {"voter_id", "TEXT NOT NULL"}, {"voter_name", "TEXT"},
			{"direction", "INTEGER"}, {"timestamp", "TEXT NOT NULL"},
		},
		key: []string{"page_url", "voter_id", "timestamp"},
	},
	KindRevisions: {
		name: "revisions",
		columns: []column{
			{"page_url", "TEXT NOT NULL"}, {"revision_index", "INTEGER NOT NULL"}, {"wikidot_id", "TEXT"},
			{"timestamp", "TEXT"}, {"type", "TEXT"}, {"comment", "TEXT"}, {"user_id", "TEXT"}, {"user_name", "TEXT"},
		},
		key: []string{"page_url", "revision_index"},
	},
	KindAttributions: {
		name: "attributions",
		columns: []column{
			{"page_url", "TEXT NOT NULL"}, {"user_id", "TEXT NOT NULL"}, {"user_name", "TEXT"},
			{"type", "TEXT NOT NULL"}, {"attribution_order", "INTEGER NOT NULL"}, {"date", "TEXT"},
		},
		key: []string{"page_url", "user_id", "type", "attribution_order"},
	},
	KindRelations: {
		name: "relations",
		columns: []column{
			{"page_url", "TEXT NOT NULL"}, {"relation", "TEXT NOT NULL"}, {"related_url", "TEXT NOT NULL"},
		},
		key: []string{"page_url", "relation", "related_url"},
	},
	KindAlternateTitles: {
		name: "alternate_titles",
		columns: []column{
			{"page_url", "TEXT NOT NULL"}, {"title", "TEXT NOT NULL"},
		},
		key: []string{"page_url", "title"},
	},
}

// createSQL builds the CREATE TABLE statement, portable between SQLite and PostgreSQL
func (t table) createSQL() string {
	defs := make([]string, 0, len(t.columns)+1)
	for _, c := range t.columns {
		defs = append(defs, c.name+" "+c.sqlType)
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(t.key, ", ")+")")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.name, strings.Join(defs, ",\n\t"))
}

// upsertSQL builds a named INSERT ... ON CONFLICT statement; later writes of the same key overwrite
func (t table) upsertSQL() string {
	names := make([]string, len(t.columns))
	params := make([]string, len(t.columns))
	isKey := make(map[string]bool, len(t.key))
	for _, k := range t.key {
		isKey[k] = true
	}
	var updates []string
	for i, c := range t.columns {
		names[i] = c.name
		params[i] = ":" + c.name
		if !isKey[c.name] {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c.name, c.name))
		}
	}

	action := "DO NOTHING"
	if len(updates) > 0 {
		action = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		t.name, strings.Join(names, ", "), strings.Join(params, ", "), strings.Join(t.key, ", "), action)
}

// SQLSink upserts records into SQLite or PostgreSQL through sqlx
type SQLSink struct {
	db *sqlx.DB
}

// NewSQLSink opens the database, verifies the connection and creates missing tables
func NewSQLSink(ctx context.Context, driver, dsn string) (*SQLSink, error) {
	if driver == "sqlite3" && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sink := &SQLSink{db: db}
	if err := sink.InitSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return sink, nil
}

// NewSQLSinkFromDB wraps an existing connection without touching the schema
func NewSQLSinkFromDB(db *sqlx.DB) *SQLSink {
	return &SQLSink{db: db}
}

// InitSchema creates tables if they don't exist
func (s *SQLSink) InitSchema(ctx context.Context) error {
	for _, kind := range Kinds {
		if _, err := s.db.ExecContext(ctx, tables[kind].createSQL()); err != nil {
			return fmt.Errorf("failed to create table %s: %w", tables[kind].name, err)
		}
	}
	return nil
}

// UpsertBatch writes records of one kind in a single transaction and returns how many were written
func (s *SQLSink) UpsertBatch(ctx context.Context, kind Kind, records []Record) (int, error) {
	t, ok := tables[kind]
	if !ok {
		return 0, fmt.Errorf("unknown record kind %q", kind)
	}
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareNamedContext(ctx, t.upsertSQL())
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to prepare upsert for %s: %w", kind, err)
	}
	defer stmt.Close()

	for i, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to upsert %s record %d: %w", kind, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit %s batch: %w", kind, err)
	}
	return len(records), nil
}

// Count returns the number of stored rows for kind
func (s *SQLSink) Count(ctx context.Context, kind Kind) (int, error) {
	t, ok := tables[kind]
	if !ok {
		return 0, fmt.Errorf("unknown record kind %q", kind)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+t.name); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", kind, err)
	}
	return n, nil
}

// Close closes the database connection
func (s *SQLSink) Close() error {
	return s.db.Close()
}

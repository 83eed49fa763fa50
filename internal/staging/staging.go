// Package staging is the per-job working store. Every job owns one SQLite
// file under the staging directory; all three stages read and write through
// it, and the migrator drains it into the warehouse when the job is done.
package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/allabolag-cli/internal/model"
)

// Store is the handle for one job's staging database. A job has exactly one
// open handle; the driver serializes transactions behind it.
type Store struct {
	db   *sql.DB
	path string
}

// PathFor returns the staging file path for a job.
func PathFor(dir, jobID string) string {
	return filepath.Join(dir, "staging_"+jobID+".db")
}

// Open opens (creating if needed) the staging database for a job, configures
// WAL mode and applies migrations.
func Open(ctx context.Context, dir, jobID string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "staging: create dir")
	}
	path := PathFor(dir, jobID)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "staging: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "staging: exec %s", pragma)
		}
	}
	s := &Store{db: db, path: path}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenExisting opens the staging database for a job that must already have
// one. Unknown job ids return ErrJobNotFound instead of creating an empty
// file.
func OpenExisting(ctx context.Context, dir, jobID string) (*Store, error) {
	if _, err := os.Stat(PathFor(dir, jobID)); err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Wrapf(ErrJobNotFound, "staging: job %s", jobID)
		}
		return nil, eris.Wrap(err, "staging: stat")
	}
	return Open(ctx, dir, jobID)
}

// Path returns the staging file location, for logs and status output.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	return s.db.Close()
}

// ListJobFiles returns the job ids with a staging file under dir, most
// recently modified first. A missing directory is an empty listing.
func ListJobFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "staging: read dir")
	}

	type jobFile struct {
		id  string
		mod time.Time
	}
	var files []jobFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "staging_") || !strings.HasSuffix(name, ".db") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, jobFile{
			id:  strings.TrimSuffix(strings.TrimPrefix(name, "staging_"), ".db"),
			mod: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.id
	}
	return ids, nil
}

const stagingMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	job_type        TEXT NOT NULL,
	filter_hash     TEXT NOT NULL,
	params          TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	stage           TEXT NOT NULL DEFAULT 'stage1',
	last_page       INTEGER NOT NULL DEFAULT 0,
	processed_count INTEGER NOT NULL DEFAULT 0,
	total_companies INTEGER NOT NULL DEFAULT 0,
	error_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS companies (
	job_id             TEXT NOT NULL REFERENCES jobs(id),
	orgnr              TEXT NOT NULL,
	company_name       TEXT NOT NULL,
	company_id         TEXT NOT NULL DEFAULT '',
	company_id_hint    TEXT NOT NULL DEFAULT '',
	homepage           TEXT NOT NULL DEFAULT '',
	nace_categories    TEXT,
	segment_name       TEXT,
	revenue_sek        INTEGER,
	profit_sek         INTEGER,
	foundation_year    INTEGER,
	accounts_last_year TEXT NOT NULL DEFAULT '',
	scraped_at         DATETIME,
	status             TEXT NOT NULL DEFAULT 'pending',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (job_id, orgnr)
);

CREATE TABLE IF NOT EXISTS id_mappings (
	job_id           TEXT NOT NULL,
	orgnr            TEXT NOT NULL,
	company_id       TEXT NOT NULL DEFAULT '',
	source           TEXT NOT NULL DEFAULT '',
	confidence_score REAL NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'pending',
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (job_id, orgnr)
);

CREATE TABLE IF NOT EXISTS financials (
	company_id        TEXT NOT NULL,
	orgnr             TEXT NOT NULL,
	year              INTEGER NOT NULL,
	period            TEXT NOT NULL DEFAULT '',
	period_start      TEXT,
	period_end        TEXT,
	currency          TEXT NOT NULL DEFAULT 'SEK',
	revenue           INTEGER,
	profit            INTEGER,
	employees         INTEGER,
	raw_data          TEXT,
	validation_status TEXT NOT NULL DEFAULT 'pending',
	validation_errors TEXT,
	job_id            TEXT NOT NULL,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (company_id, year, period)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	job_id                 TEXT NOT NULL,
	stage                  TEXT NOT NULL,
	last_processed_page    INTEGER NOT NULL DEFAULT 0,
	last_processed_company TEXT NOT NULL DEFAULT '',
	processed_count        INTEGER NOT NULL DEFAULT 0,
	error_count            INTEGER NOT NULL DEFAULT 0,
	last_error             TEXT NOT NULL DEFAULT '',
	data                   TEXT,
	updated_at             DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (job_id, stage)
);

CREATE INDEX IF NOT EXISTS idx_companies_status ON companies(job_id, status);
CREATE INDEX IF NOT EXISTS idx_companies_company_id ON companies(company_id);
CREATE INDEX IF NOT EXISTS idx_mappings_status ON id_mappings(job_id, status);
CREATE INDEX IF NOT EXISTS idx_financials_job ON financials(job_id);
CREATE INDEX IF NOT EXISTS idx_financials_company ON financials(company_id, year);
`

// addedColumns are schema additions since the initial release, applied on
// every open. The account columns are generated so a new code in
// model.AccountCodes lands in existing staging files automatically.
func addedColumns() []string {
	stmts := []string{
		`ALTER TABLE jobs ADD COLUMN rate_limit_stats TEXT`,
		`ALTER TABLE companies ADD COLUMN status_message TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE companies ADD COLUMN metadata TEXT`,
	}
	for _, code := range model.AccountCodes {
		stmts = append(stmts, `ALTER TABLE financials ADD COLUMN `+accountColumn(code)+` INTEGER`)
	}
	return stmts
}

// Migrate applies the base schema and the additive column list. A column
// that already exists is not an error.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, stagingMigration); err != nil {
		return eris.Wrap(err, "staging: migrate")
	}
	for _, stmt := range addedColumns() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return eris.Wrapf(err, "staging: exec %s", stmt)
		}
	}
	return nil
}

func accountColumn(code string) string {
	return "acc_" + strings.ToLower(code)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

// marshalList serializes a string list for a nullable JSON column; empty
// lists store NULL.
func marshalList(ss []string) (any, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return nil, eris.Wrap(err, "staging: marshal list")
	}
	return string(b), nil
}

func zeroNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

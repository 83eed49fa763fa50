package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/allabolag-cli/internal/db"
	"github.com/sells-group/allabolag-cli/internal/model"
)

// AccountsTable is the warehouse destination for promoted financial rows.
const AccountsTable = "company_accounts_by_id"

// RunsTable records one row per migrator invocation for auditing.
const RunsTable = "migration_runs"

// accountColumn maps an account code to its warehouse column name.
func accountColumn(code string) string {
	return "acc_" + strings.ToLower(code)
}

// accountColumns returns the warehouse account columns in canonical order.
func accountColumns() []string {
	cols := make([]string, len(model.AccountCodes))
	for i, code := range model.AccountCodes {
		cols[i] = accountColumn(code)
	}
	return cols
}

// EnsureSchema creates the warehouse tables when missing. Columns for the
// account codes are generated from the canonical code list so staging and
// warehouse stay aligned.
func EnsureSchema(ctx context.Context, pool db.Pool) error {
	var acc strings.Builder
	for _, code := range model.AccountCodes {
		fmt.Fprintf(&acc, "\t%s BIGINT,\n", accountColumn(code))
	}

	accountsDDL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	company_id   TEXT NOT NULL,
	year         INT NOT NULL,
	period       TEXT NOT NULL,
	orgnr        TEXT NOT NULL,
	period_start TEXT,
	period_end   TEXT,
	currency     TEXT NOT NULL DEFAULT 'SEK',
%s	job_id       TEXT NOT NULL,
	migrated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (company_id, year, period)
);

CREATE INDEX IF NOT EXISTS idx_company_accounts_orgnr ON %s(orgnr);
CREATE INDEX IF NOT EXISTS idx_company_accounts_year ON %s(year);
`, AccountsTable, acc.String(), AccountsTable, AccountsTable)

	runsDDL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id               TEXT PRIMARY KEY,
	job_id           TEXT NOT NULL,
	include_warnings BOOLEAN NOT NULL,
	skip_duplicates  BOOLEAN NOT NULL,
	migrated         INT NOT NULL,
	skipped          INT NOT NULL,
	errors           INT NOT NULL,
	report           JSONB,
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_migration_runs_job_id ON %s(job_id);
`, RunsTable, RunsTable)

	if _, err := pool.Exec(ctx, accountsDDL); err != nil {
		return eris.Wrapf(err, "migrate: create %s", AccountsTable)
	}
	if _, err := pool.Exec(ctx, runsDDL); err != nil {
		return eris.Wrapf(err, "migrate: create %s", RunsTable)
	}
	return nil
}

package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store keeps generated reports for the running process so a user can
// re-open or re-download a report produced earlier in the same session
// lifetime. Backed by an in-memory SQLite database: rows are queryable
// like any other table but vanish when the process exits, which is the
// retention we want.
type Store struct {
	db *sqlx.DB
}

// Entry is one generated report.
type Entry struct {
	ID           int64     `db:"id" json:"id"`
	SessionToken string    `db:"session_token" json:"session_token"`
	CompanyName  string    `db:"company_name" json:"company_name"`
	Markdown     string    `db:"markdown" json:"-"`
	PDF          []byte    `db:"pdf" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_token TEXT NOT NULL,
	company_name  TEXT NOT NULL DEFAULT '',
	markdown      TEXT NOT NULL,
	pdf           BLOB,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_session ON reports(session_token, created_at);
`

// Open creates the store. dsn is normally ":memory:"; a file path works too
// but nothing in the product relies on durability.
func Open(dsn string) (*Store, error) {
	if dsn != ":memory:" {
		dsn += "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save records a generated report and returns its id.
func (s *Store) Save(ctx context.Context, sessionToken, companyName, markdown string, pdf []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (session_token, company_name, markdown, pdf, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionToken, companyName, markdown, pdf, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("insert report: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("report id: %w", err)
	}
	return id, nil
}

type entryRow struct {
	ID           int64  `db:"id"`
	SessionToken string `db:"session_token"`
	CompanyName  string `db:"company_name"`
	Markdown     string `db:"markdown"`
	PDF          []byte `db:"pdf"`
	CreatedAt    string `db:"created_at"`
}

func (r entryRow) toEntry() Entry {
	ts, _ := time.Parse(time.RFC3339, r.CreatedAt)
	return Entry{
		ID:           r.ID,
		SessionToken: r.SessionToken,
		CompanyName:  r.CompanyName,
		Markdown:     r.Markdown,
		PDF:          r.PDF,
		CreatedAt:    ts,
	}
}

// List returns the session's reports, newest first, without PDF bodies.
func (s *Store) List(ctx context.Context, sessionToken string) ([]Entry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, session_token, company_name, markdown, X'' AS pdf, created_at
		 FROM reports WHERE session_token = ? ORDER BY created_at DESC, id DESC`,
		sessionToken,
	)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := r.toEntry()
		e.PDF = nil
		entries = append(entries, e)
	}
	return entries, nil
}

// Get returns one report with its PDF body, scoped to the owning session.
func (s *Store) Get(ctx context.Context, sessionToken string, id int64) (*Entry, error) {
	var r entryRow
	err := s.db.GetContext(ctx, &r,
		`SELECT id, session_token, company_name, markdown, pdf, created_at
		 FROM reports WHERE id = ? AND session_token = ?`,
		id, sessionToken,
	)
	if err != nil {
		return nil, fmt.Errorf("get report %d: %w", id, err)
	}
	e := r.toEntry()
	return &e, nil
}

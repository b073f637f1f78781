// Package postgres provides the Postgres-backed pipeline store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/listing-harvester/internal/store"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements store.Store on top of a pgx pool.
type Store struct {
	pool dbPool
}

var _ store.Store = (*Store)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates any missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) insertID(ctx context.Context, what, query string, args ...any) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert %s: %w", what, err)
	}
	return id, nil
}

func (s *Store) exists(ctx context.Context, what, query string, args ...any) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&ok); err != nil {
		return false, fmt.Errorf("check %s: %w", what, err)
	}
	return ok, nil
}

func (s *Store) update(ctx context.Context, what string, id int64, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s %d: %w", what, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", what, id, store.ErrNotFound)
	}
	return nil
}

func list[T any](ctx context.Context, s *Store, what, query string, scan func(pgx.Rows, *T) error) ([]T, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var v T
		if err := scan(rows, &v); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	return out, nil
}

// CreatePage inserts a listing page.
func (s *Store) CreatePage(ctx context.Context, p store.Page) (int64, error) {
	return s.insertID(ctx, "page", `
		INSERT INTO pages_with_all_records (page, category, url, html)
		VALUES ($1, $2, $3, $4)
		RETURNING id;`,
		p.Page, p.Category, p.URL, p.HTML)
}

// PageExists reports whether url was already stored.
func (s *Store) PageExists(ctx context.Context, url string) (bool, error) {
	return s.exists(ctx, "page",
		`SELECT EXISTS (SELECT 1 FROM pages_with_all_records WHERE url = $1);`, url)
}

// UnprocessedPages returns pages not yet mined for links.
func (s *Store) UnprocessedPages(ctx context.Context) ([]store.Page, error) {
	return list(ctx, s, "pages", `
		SELECT id, page, category, url, html, processed
		FROM pages_with_all_records
		WHERE NOT processed
		ORDER BY id;`,
		func(r pgx.Rows, p *store.Page) error {
			return r.Scan(&p.ID, &p.Page, &p.Category, &p.URL, &p.HTML, &p.Processed)
		})
}

// MarkPageProcessed flags the page as mined.
func (s *Store) MarkPageProcessed(ctx context.Context, id int64) error {
	return s.update(ctx, "page", id,
		`UPDATE pages_with_all_records SET processed = TRUE WHERE id = $1;`, id)
}

// CreateLink inserts a listing link.
func (s *Store) CreateLink(ctx context.Context, l store.Link) (int64, error) {
	return s.insertID(ctx, "link", `
		INSERT INTO links_to_record_details (page_id, company, link)
		VALUES ($1, $2, $3)
		RETURNING id;`,
		l.PageID, l.Company, l.URL)
}

// LinkExists reports whether pageID already yielded url.
func (s *Store) LinkExists(ctx context.Context, pageID int64, url string) (bool, error) {
	return s.exists(ctx, "link",
		`SELECT EXISTS (SELECT 1 FROM links_to_record_details WHERE page_id = $1 AND link = $2);`,
		pageID, url)
}

// UnvisitedLinks returns links whose detail page was not fetched.
func (s *Store) UnvisitedLinks(ctx context.Context) ([]store.Link, error) {
	return list(ctx, s, "links", `
		SELECT id, page_id, company, link, visited
		FROM links_to_record_details
		WHERE NOT visited
		ORDER BY id;`,
		func(r pgx.Rows, l *store.Link) error {
			return r.Scan(&l.ID, &l.PageID, &l.Company, &l.URL, &l.Visited)
		})
}

// MarkLinkVisited flags the link's detail page as fetched.
func (s *Store) MarkLinkVisited(ctx context.Context, id int64) error {
	return s.update(ctx, "link", id,
		`UPDATE links_to_record_details SET visited = TRUE WHERE id = $1;`, id)
}

// CreateDetail inserts detail-page markup.
func (s *Store) CreateDetail(ctx context.Context, d store.Detail) (int64, error) {
	return s.insertID(ctx, "detail", `
		INSERT INTO records_html (link_id, html)
		VALUES ($1, $2)
		RETURNING id;`,
		d.LinkID, d.HTML)
}

// DetailExists reports whether linkID already has detail markup.
func (s *Store) DetailExists(ctx context.Context, linkID int64) (bool, error) {
	return s.exists(ctx, "detail",
		`SELECT EXISTS (SELECT 1 FROM records_html WHERE link_id = $1);`, linkID)
}

// UnprocessedDetails returns details not yet parsed into records.
func (s *Store) UnprocessedDetails(ctx context.Context) ([]store.Detail, error) {
	return list(ctx, s, "details", `
		SELECT id, link_id, html, processed
		FROM records_html
		WHERE NOT processed
		ORDER BY id;`,
		func(r pgx.Rows, d *store.Detail) error {
			return r.Scan(&d.ID, &d.LinkID, &d.HTML, &d.Processed)
		})
}

// MarkDetailProcessed flags the detail as parsed.
func (s *Store) MarkDetailProcessed(ctx context.Context, id int64) error {
	return s.update(ctx, "detail", id,
		`UPDATE records_html SET processed = TRUE WHERE id = $1;`, id)
}

// CreateRecord inserts a contact record.
func (s *Store) CreateRecord(ctx context.Context, r store.Record) (int64, error) {
	return s.insertID(ctx, "record", `
		INSERT INTO records_data (records_html_id, email, phone, website, contact_link)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id;`,
		r.DetailID, r.Email, r.Phone, r.Website, r.ContactLink)
}

// RecordExistsByWebsite reports whether a record carries website.
func (s *Store) RecordExistsByWebsite(ctx context.Context, website string) (bool, error) {
	return s.exists(ctx, "record",
		`SELECT EXISTS (SELECT 1 FROM records_data WHERE website = $1);`, website)
}

// RecordExistsByPhone reports whether a record carries phone.
func (s *Store) RecordExistsByPhone(ctx context.Context, phone string) (bool, error) {
	return s.exists(ctx, "record",
		`SELECT EXISTS (SELECT 1 FROM records_data WHERE phone = $1);`, phone)
}

// RecordsWithWebsite returns records that have a website.
func (s *Store) RecordsWithWebsite(ctx context.Context) ([]store.Record, error) {
	return list(ctx, s, "records", `
		SELECT id, records_html_id, email, phone, website, contact_link
		FROM records_data
		WHERE website <> ''
		ORDER BY id;`,
		func(r pgx.Rows, rec *store.Record) error {
			return r.Scan(&rec.ID, &rec.DetailID, &rec.Email, &rec.Phone, &rec.Website, &rec.ContactLink)
		})
}

// SetContactLink updates the record's contact link.
func (s *Store) SetContactLink(ctx context.Context, id int64, link string) error {
	return s.update(ctx, "record", id,
		`UPDATE records_data SET contact_link = $1 WHERE id = $2;`, link, id)
}

// SetEmail updates the record's email list.
func (s *Store) SetEmail(ctx context.Context, id int64, email string) error {
	return s.update(ctx, "record", id,
		`UPDATE records_data SET email = $1 WHERE id = $2;`, email, id)
}

// CreateWebsite inserts website markup.
func (s *Store) CreateWebsite(ctx context.Context, w store.Website) (int64, error) {
	return s.insertID(ctx, "website", `
		INSERT INTO websites_html (records_data_id, website, main_html, contact_html)
		VALUES ($1, $2, $3, $4)
		RETURNING id;`,
		w.RecordID, w.URL, w.MainHTML, w.ContactHTML)
}

// WebsiteExists reports whether markup for url was stored.
func (s *Store) WebsiteExists(ctx context.Context, url string) (bool, error) {
	return s.exists(ctx, "website",
		`SELECT EXISTS (SELECT 1 FROM websites_html WHERE website = $1);`, url)
}

// WebsitesWithMainHTML returns websites with main page markup.
func (s *Store) WebsitesWithMainHTML(ctx context.Context) ([]store.Website, error) {
	return list(ctx, s, "websites", `
		SELECT id, records_data_id, website, main_html, contact_html
		FROM websites_html
		WHERE main_html <> ''
		ORDER BY id;`,
		func(r pgx.Rows, w *store.Website) error {
			return r.Scan(&w.ID, &w.RecordID, &w.URL, &w.MainHTML, &w.ContactHTML)
		})
}

// ContactTargets returns websites lacking contact markup whose record has a contact link.
func (s *Store) ContactTargets(ctx context.Context) ([]store.ContactTarget, error) {
	return list(ctx, s, "contact targets", `
		SELECT w.id, r.id, r.contact_link
		FROM websites_html w
		JOIN records_data r ON r.id = w.records_data_id
		WHERE w.contact_html = '' AND r.contact_link <> ''
		ORDER BY w.id;`,
		func(r pgx.Rows, c *store.ContactTarget) error {
			return r.Scan(&c.WebsiteID, &c.RecordID, &c.ContactLink)
		})
}

// SetContactHTML stores the contact page markup of a website.
func (s *Store) SetContactHTML(ctx context.Context, id int64, html string) error {
	return s.update(ctx, "website", id,
		`UPDATE websites_html SET contact_html = $1 WHERE id = $2;`, html, id)
}

// IsQuarantined reports whether url is quarantined.
func (s *Store) IsQuarantined(ctx context.Context, url string) (bool, error) {
	return s.exists(ctx, "quarantine",
		`SELECT EXISTS (SELECT 1 FROM invalid_websites WHERE website = $1);`, url)
}

// Quarantine records url. Existing entries are left untouched.
func (s *Store) Quarantine(ctx context.Context, url string) error {
	query := `
		INSERT INTO invalid_websites (website)
		VALUES ($1)
		ON CONFLICT (website) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, url); err != nil {
		return fmt.Errorf("quarantine %s: %w", url, err)
	}
	return nil
}

// StartRun records a running stage invocation.
func (s *Store) StartRun(ctx context.Context, r store.Run) error {
	status := r.Status
	if status == "" {
		status = store.RunRunning
	}
	query := `
		INSERT INTO stage_runs (id, stage, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, r.ID, r.Stage, r.StartedAt, status); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// FinishRun marks a run as finished with a status, summary and optional error message.
func (s *Store) FinishRun(
	ctx context.Context,
	id string,
	finishedAt time.Time,
	status store.RunStatus,
	summary []byte,
	errMsg *string,
) error {
	query := `
		UPDATE stage_runs
		SET finished_at = $1, status = $2, summary = $3, error_message = $4
		WHERE id = $5;
	`
	tag, err := s.pool.Exec(ctx, query, finishedAt, status, summary, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// GetRun retrieves a single stage run by its ID.
func (s *Store) GetRun(ctx context.Context, id string) (store.Run, error) {
	query := `
		SELECT id, stage, started_at, finished_at, status, summary, error_message
		FROM stage_runs
		WHERE id = $1;
	`
	var run store.Run
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.Stage,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Summary,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

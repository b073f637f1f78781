package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Page is one fetched directory listing page (pages_with_all_records).
type Page struct {
	ID        int64
	Page      int
	Category  string
	URL       string
	HTML      string
	Processed bool
}

// Link is one listing found on a page (links_to_record_details).
type Link struct {
	ID      int64
	PageID  int64
	Company string
	URL     string
	Visited bool
}

// Detail is the fetched detail-page markup of a link (records_html).
type Detail struct {
	ID        int64
	LinkID    int64
	HTML      string
	Processed bool
}

// Record is the enriched contact record of a listing (records_data).
type Record struct {
	ID          int64
	DetailID    int64
	Email       string
	Phone       string
	Website     string
	ContactLink string
}

// Website holds the company website and contact page markup (websites_html).
type Website struct {
	ID          int64
	RecordID    int64
	URL         string
	MainHTML    string
	ContactHTML string
}

// QuarantineEntry is a target that will never be fetched again.
type QuarantineEntry struct {
	URL       string
	CreatedAt time.Time
}

// ContactTarget is a website whose record carries a contact link but whose
// contact page has not been fetched yet.
type ContactTarget struct {
	WebsiteID   int64
	RecordID    int64
	ContactLink string
}

// RunStatus mirrors the stage_runs status column.
type RunStatus string

// Stage run statuses persisted in stage_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run is one invocation of a pipeline stage.
type Run struct {
	ID         string
	Stage      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	// Summary is the JSON-encoded outcome counts.
	Summary      []byte
	ErrorMessage *string
}

// Pages persists listing pages.
type Pages interface {
	CreatePage(ctx context.Context, p Page) (int64, error)
	PageExists(ctx context.Context, url string) (bool, error)
	UnprocessedPages(ctx context.Context) ([]Page, error)
	MarkPageProcessed(ctx context.Context, id int64) error
}

// Links persists listing links.
type Links interface {
	CreateLink(ctx context.Context, l Link) (int64, error)
	LinkExists(ctx context.Context, pageID int64, url string) (bool, error)
	UnvisitedLinks(ctx context.Context) ([]Link, error)
	MarkLinkVisited(ctx context.Context, id int64) error
}

// Details persists detail-page markup.
type Details interface {
	CreateDetail(ctx context.Context, d Detail) (int64, error)
	DetailExists(ctx context.Context, linkID int64) (bool, error)
	UnprocessedDetails(ctx context.Context) ([]Detail, error)
	MarkDetailProcessed(ctx context.Context, id int64) error
}

// Records persists enriched contact records.
type Records interface {
	CreateRecord(ctx context.Context, r Record) (int64, error)
	RecordExistsByWebsite(ctx context.Context, website string) (bool, error)
	RecordExistsByPhone(ctx context.Context, phone string) (bool, error)
	RecordsWithWebsite(ctx context.Context) ([]Record, error)
	SetContactLink(ctx context.Context, id int64, link string) error
	SetEmail(ctx context.Context, id int64, email string) error
}

// Websites persists company website markup.
type Websites interface {
	CreateWebsite(ctx context.Context, w Website) (int64, error)
	WebsiteExists(ctx context.Context, url string) (bool, error)
	WebsitesWithMainHTML(ctx context.Context) ([]Website, error)
	ContactTargets(ctx context.Context) ([]ContactTarget, error)
	SetContactHTML(ctx context.Context, id int64, html string) error
}

// Quarantine persists permanently unfetchable targets. Writing an entry
// that already exists is not an error.
type Quarantine interface {
	IsQuarantined(ctx context.Context, url string) (bool, error)
	Quarantine(ctx context.Context, url string) error
}

// Runs records stage invocations.
type Runs interface {
	StartRun(ctx context.Context, r Run) error
	FinishRun(ctx context.Context, id string, finishedAt time.Time, status RunStatus, summary []byte, errMsg *string) error
	GetRun(ctx context.Context, id string) (Run, error)
}

// Store is the full persistence surface used by the pipeline.
type Store interface {
	Pages
	Links
	Details
	Records
	Websites
	Quarantine
	Runs
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

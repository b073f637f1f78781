// Package memory provides an in-memory store for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/listing-harvester/internal/store"
)

// Store keeps every entity in maps guarded by one mutex.
type Store struct {
	mu         sync.RWMutex
	seq        int64
	pages      map[int64]store.Page
	links      map[int64]store.Link
	details    map[int64]store.Detail
	records    map[int64]store.Record
	websites   map[int64]store.Website
	quarantine map[string]time.Time
	runs       map[string]store.Run
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		pages:      make(map[int64]store.Page),
		links:      make(map[int64]store.Link),
		details:    make(map[int64]store.Detail),
		records:    make(map[int64]store.Record),
		websites:   make(map[int64]store.Website),
		quarantine: make(map[string]time.Time),
		runs:       make(map[string]store.Run),
	}
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// Migrate is a no-op.
func (s *Store) Migrate(context.Context) error { return nil }

// Ping is a no-op.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// CreatePage stores p and returns its id.
func (s *Store) CreatePage(_ context.Context, p store.Page) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.nextID()
	s.pages[p.ID] = p
	return p.ID, nil
}

// PageExists reports whether a page with url was stored.
func (s *Store) PageExists(_ context.Context, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pages {
		if p.URL == url {
			return true, nil
		}
	}
	return false, nil
}

// UnprocessedPages returns pages not yet mined for links, by id.
func (s *Store) UnprocessedPages(context.Context) ([]store.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.pages, func(p store.Page) bool { return !p.Processed }, func(p store.Page) int64 { return p.ID }), nil
}

// MarkPageProcessed flags the page as mined.
func (s *Store) MarkPageProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return fmt.Errorf("page %d: %w", id, store.ErrNotFound)
	}
	p.Processed = true
	s.pages[id] = p
	return nil
}

// CreateLink stores l and returns its id.
func (s *Store) CreateLink(_ context.Context, l store.Link) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.nextID()
	s.links[l.ID] = l
	return l.ID, nil
}

// LinkExists reports whether the page already yielded url.
func (s *Store) LinkExists(_ context.Context, pageID int64, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.links {
		if l.PageID == pageID && l.URL == url {
			return true, nil
		}
	}
	return false, nil
}

// UnvisitedLinks returns links whose detail page was not fetched, by id.
func (s *Store) UnvisitedLinks(context.Context) ([]store.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.links, func(l store.Link) bool { return !l.Visited }, func(l store.Link) int64 { return l.ID }), nil
}

// MarkLinkVisited flags the link's detail page as fetched.
func (s *Store) MarkLinkVisited(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	if !ok {
		return fmt.Errorf("link %d: %w", id, store.ErrNotFound)
	}
	l.Visited = true
	s.links[id] = l
	return nil
}

// CreateDetail stores d and returns its id.
func (s *Store) CreateDetail(_ context.Context, d store.Detail) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ID = s.nextID()
	s.details[d.ID] = d
	return d.ID, nil
}

// DetailExists reports whether linkID already has detail markup.
func (s *Store) DetailExists(_ context.Context, linkID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.details {
		if d.LinkID == linkID {
			return true, nil
		}
	}
	return false, nil
}

// UnprocessedDetails returns details not yet parsed into records, by id.
func (s *Store) UnprocessedDetails(context.Context) ([]store.Detail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.details, func(d store.Detail) bool { return !d.Processed }, func(d store.Detail) int64 { return d.ID }), nil
}

// MarkDetailProcessed flags the detail as parsed.
func (s *Store) MarkDetailProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.details[id]
	if !ok {
		return fmt.Errorf("detail %d: %w", id, store.ErrNotFound)
	}
	d.Processed = true
	s.details[id] = d
	return nil
}

// CreateRecord stores r and returns its id.
func (s *Store) CreateRecord(_ context.Context, r store.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.nextID()
	s.records[r.ID] = r
	return r.ID, nil
}

// RecordExistsByWebsite reports whether a record carries website.
func (s *Store) RecordExistsByWebsite(_ context.Context, website string) (bool, error) {
	return s.recordMatches(func(r store.Record) bool { return r.Website == website }), nil
}

// RecordExistsByPhone reports whether a record carries phone.
func (s *Store) RecordExistsByPhone(_ context.Context, phone string) (bool, error) {
	return s.recordMatches(func(r store.Record) bool { return r.Phone == phone }), nil
}

func (s *Store) recordMatches(match func(store.Record) bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if match(r) {
			return true
		}
	}
	return false
}

// RecordsWithWebsite returns records that have a website, by id.
func (s *Store) RecordsWithWebsite(context.Context) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.records, func(r store.Record) bool { return r.Website != "" }, func(r store.Record) int64 { return r.ID }), nil
}

// SetContactLink updates the record's contact link.
func (s *Store) SetContactLink(_ context.Context, id int64, link string) error {
	return s.updateRecord(id, func(r *store.Record) { r.ContactLink = link })
}

// SetEmail updates the record's email list.
func (s *Store) SetEmail(_ context.Context, id int64, email string) error {
	return s.updateRecord(id, func(r *store.Record) { r.Email = email })
}

func (s *Store) updateRecord(id int64, fn func(*store.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %d: %w", id, store.ErrNotFound)
	}
	fn(&r)
	s.records[id] = r
	return nil
}

// Record returns one record; used by tests.
func (s *Store) Record(id int64) (store.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

// CreateWebsite stores w and returns its id.
func (s *Store) CreateWebsite(_ context.Context, w store.Website) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.ID = s.nextID()
	s.websites[w.ID] = w
	return w.ID, nil
}

// WebsiteExists reports whether markup for url was stored.
func (s *Store) WebsiteExists(_ context.Context, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.websites {
		if w.URL == url {
			return true, nil
		}
	}
	return false, nil
}

// WebsitesWithMainHTML returns websites with main page markup, by id.
func (s *Store) WebsitesWithMainHTML(context.Context) ([]store.Website, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.websites, func(w store.Website) bool { return w.MainHTML != "" }, func(w store.Website) int64 { return w.ID }), nil
}

// ContactTargets returns websites lacking contact markup whose record has a contact link.
func (s *Store) ContactTargets(context.Context) ([]store.ContactTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws := sorted(s.websites, func(w store.Website) bool { return w.ContactHTML == "" }, func(w store.Website) int64 { return w.ID })
	out := make([]store.ContactTarget, 0, len(ws))
	for _, w := range ws {
		r, ok := s.records[w.RecordID]
		if !ok || r.ContactLink == "" {
			continue
		}
		out = append(out, store.ContactTarget{WebsiteID: w.ID, RecordID: r.ID, ContactLink: r.ContactLink})
	}
	return out, nil
}

// SetContactHTML stores the contact page markup of a website.
func (s *Store) SetContactHTML(_ context.Context, id int64, html string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.websites[id]
	if !ok {
		return fmt.Errorf("website %d: %w", id, store.ErrNotFound)
	}
	w.ContactHTML = html
	s.websites[id] = w
	return nil
}

// IsQuarantined reports whether url is quarantined.
func (s *Store) IsQuarantined(_ context.Context, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.quarantine[url]
	return ok, nil
}

// Quarantine records url; repeated calls keep the first timestamp.
func (s *Store) Quarantine(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.quarantine[url]; !ok {
		s.quarantine[url] = time.Now().UTC()
	}
	return nil
}

// QuarantineSize returns the number of quarantined targets.
func (s *Store) QuarantineSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quarantine)
}

// StartRun records a running stage invocation.
func (s *Store) StartRun(_ context.Context, r store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Status == "" {
		r.Status = store.RunRunning
	}
	s.runs[r.ID] = r
	return nil
}

// FinishRun marks a run as finished.
func (s *Store) FinishRun(
	_ context.Context,
	id string,
	finishedAt time.Time,
	status store.RunStatus,
	summary []byte,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	r.FinishedAt = &finishedAt
	r.Status = status
	r.Summary = append([]byte(nil), summary...)
	r.ErrorMessage = errMsg
	s.runs[id] = r
	return nil
}

// GetRun returns a recorded run.
func (s *Store) GetRun(_ context.Context, id string) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return store.Run{}, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return r, nil
}

// Snapshot counts of each entity; used by tests.
type Snapshot struct {
	Pages, Links, Details, Records, Websites, Quarantined int
}

// Counts returns a Snapshot.
func (s *Store) Counts() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Pages:       len(s.pages),
		Links:       len(s.links),
		Details:     len(s.details),
		Records:     len(s.records),
		Websites:    len(s.websites),
		Quarantined: len(s.quarantine),
	}
}

func sorted[T any](m map[int64]T, keep func(T) bool, id func(T) int64) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		if keep(v) {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b T) int {
		switch ia, ib := id(a), id(b); {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		}
		return 0
	})
	return out
}

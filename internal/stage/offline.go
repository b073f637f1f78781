package stage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/extract"
	"github.com/JakeFAU/listing-harvester/internal/metrics"
	"github.com/JakeFAU/listing-harvester/internal/orchestrator"
	"github.com/JakeFAU/listing-harvester/internal/store"
)

// rowResult is how one source row of an offline stage ended.
type rowResult int

const (
	rowPersisted rowResult = iota
	rowSkipped
	rowFailed
)

// offlineTally counts offline rows into an orchestrator.Summary so every
// stage reports the same shape.
type offlineTally struct {
	s       orchestrator.Summary
	started time.Time
}

func newOfflineTally(stage string, items int) *offlineTally {
	return &offlineTally{s: orchestrator.Summary{Stage: stage, Items: items}, started: time.Now()}
}

func (t *offlineTally) add(r rowResult) {
	switch r {
	case rowPersisted:
		t.s.Persisted++
		metrics.ObserveItem(t.s.Stage, "persisted")
	case rowSkipped:
		t.s.Skipped++
		metrics.ObserveItem(t.s.Stage, "skipped")
	default:
		t.s.Failed++
		metrics.ObserveItem(t.s.Stage, "failed")
	}
}

func (t *offlineTally) summary() orchestrator.Summary {
	t.s.Duration = time.Since(t.started)
	return t.s
}

// forEach applies fn to every row, stopping early only when ctx is done.
func forEach[T any](ctx context.Context, t *offlineTally, rows []T, fn func(T) (rowResult, error), log func(T, error)) error {
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := fn(row)
		if err != nil {
			log(row, err)
			r = rowFailed
		}
		t.add(r)
	}
	return nil
}

func (r *Runner) runLinks(ctx context.Context) (orchestrator.Summary, error) {
	pages, err := r.deps.Store.UnprocessedPages(ctx)
	if err != nil {
		return orchestrator.Summary{Stage: Links}, fmt.Errorf("load pages: %w", err)
	}
	log := r.logger.Named(Links)
	t := newOfflineTally(Links, len(pages))
	created := 0
	err = forEach(ctx, t, pages, func(p store.Page) (rowResult, error) {
		base, err := url.Parse(p.URL)
		if err != nil {
			return rowFailed, fmt.Errorf("page url: %w", err)
		}
		if !base.IsAbs() || base.Host == "" {
			return rowFailed, fmt.Errorf("page url %q is not absolute", p.URL)
		}
		listings, err := r.deps.Extractor.ListingLinks(p.HTML)
		if err != nil {
			return rowFailed, err
		}
		n := 0
		for _, l := range listings {
			link := resolve(base, l.URL)
			if link == "" {
				continue
			}
			exists, err := r.deps.Store.LinkExists(ctx, p.ID, link)
			if err != nil {
				return rowFailed, err
			}
			if exists {
				continue
			}
			if _, err := r.deps.Store.CreateLink(ctx, store.Link{PageID: p.ID, Company: l.Name, URL: link}); err != nil {
				return rowFailed, err
			}
			n++
		}
		if err := r.deps.Store.MarkPageProcessed(ctx, p.ID); err != nil {
			return rowFailed, err
		}
		created += n
		if n == 0 {
			return rowSkipped, nil
		}
		return rowPersisted, nil
	}, func(p store.Page, err error) {
		log.Warn("extract links failed", zap.Int64("page_id", p.ID), zap.String("url", p.URL), zap.Error(err))
	})
	log.Info("links extracted", zap.Int("links", created))
	return t.summary(), err
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func (r *Runner) runRecords(ctx context.Context) (orchestrator.Summary, error) {
	details, err := r.deps.Store.UnprocessedDetails(ctx)
	if err != nil {
		return orchestrator.Summary{Stage: Records}, fmt.Errorf("load details: %w", err)
	}
	log := r.logger.Named(Records)
	t := newOfflineTally(Records, len(details))
	err = forEach(ctx, t, details, func(d store.Detail) (rowResult, error) {
		result, err := r.recordFromDetail(ctx, d)
		if err != nil {
			return rowFailed, err
		}
		if err := r.deps.Store.MarkDetailProcessed(ctx, d.ID); err != nil {
			return rowFailed, err
		}
		return result, nil
	}, func(d store.Detail, err error) {
		log.Warn("build record failed", zap.Int64("detail_id", d.ID), zap.Error(err))
	})
	return t.summary(), err
}

// recordFromDetail creates the record of one detail unless another record
// already carries the same website or phone.
func (r *Runner) recordFromDetail(ctx context.Context, d store.Detail) (rowResult, error) {
	c, err := r.deps.Extractor.ContactFields(d.HTML)
	if err != nil {
		return rowFailed, err
	}
	website := extract.NormalizeWebsite(c.Website)
	if website == "" && c.Phone == "" {
		return rowSkipped, nil
	}
	if website != "" {
		dup, err := r.deps.Store.RecordExistsByWebsite(ctx, website)
		if err != nil || dup {
			return rowSkipped, err
		}
	}
	if c.Phone != "" {
		dup, err := r.deps.Store.RecordExistsByPhone(ctx, c.Phone)
		if err != nil || dup {
			return rowSkipped, err
		}
	}
	if _, err := r.deps.Store.CreateRecord(ctx, store.Record{DetailID: d.ID, Phone: c.Phone, Website: website}); err != nil {
		return rowFailed, err
	}
	return rowPersisted, nil
}

func (r *Runner) runContactLinks(ctx context.Context) (orchestrator.Summary, error) {
	websites, err := r.deps.Store.WebsitesWithMainHTML(ctx)
	if err != nil {
		return orchestrator.Summary{Stage: ContactLinks}, fmt.Errorf("load websites: %w", err)
	}
	log := r.logger.Named(ContactLinks)
	t := newOfflineTally(ContactLinks, len(websites))
	err = forEach(ctx, t, websites, func(w store.Website) (rowResult, error) {
		if w.ContactHTML != "" {
			return rowSkipped, nil
		}
		href, err := r.deps.Extractor.ContactLink(w.MainHTML)
		if err != nil {
			return rowFailed, err
		}
		if href == "" {
			return rowSkipped, nil
		}
		link, err := extract.ResolveContactLink(w.URL, href)
		if err != nil {
			return rowFailed, err
		}
		if err := r.deps.Store.SetContactLink(ctx, w.RecordID, link); err != nil {
			return rowFailed, err
		}
		return rowPersisted, nil
	}, func(w store.Website, err error) {
		log.Warn("resolve contact link failed", zap.Int64("website_id", w.ID), zap.String("url", w.URL), zap.Error(err))
	})
	return t.summary(), err
}

func (r *Runner) runEmails(ctx context.Context) (orchestrator.Summary, error) {
	websites, err := r.deps.Store.WebsitesWithMainHTML(ctx)
	if err != nil {
		return orchestrator.Summary{Stage: Emails}, fmt.Errorf("load websites: %w", err)
	}
	log := r.logger.Named(Emails)
	t := newOfflineTally(Emails, len(websites))
	err = forEach(ctx, t, websites, func(w store.Website) (rowResult, error) {
		emails := extract.Emails(w.MainHTML, w.ContactHTML)
		if len(emails) == 0 {
			return rowSkipped, nil
		}
		if err := r.deps.Store.SetEmail(ctx, w.RecordID, strings.Join(emails, ", ")); err != nil {
			return rowFailed, err
		}
		return rowPersisted, nil
	}, func(w store.Website, err error) {
		log.Warn("store emails failed", zap.Int64("website_id", w.ID), zap.Error(err))
	})
	return t.summary(), err
}

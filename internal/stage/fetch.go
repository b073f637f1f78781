package stage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/extract"
	"github.com/JakeFAU/listing-harvester/internal/orchestrator"
	"github.com/JakeFAU/listing-harvester/internal/store"
)

type pageStage struct {
	pages     store.Pages
	mark      *orchestrator.Watermark
	selector  string
	endMarker string
	logger    *zap.Logger
}

func (s *pageStage) Name() string                { return Pages }
func (s *pageStage) Target(item PageItem) string { return item.URL }
func (s *pageStage) Selector() string            { return s.selector }

func (s *pageStage) Exists(ctx context.Context, item PageItem) (bool, error) {
	return s.pages.PageExists(ctx, item.URL)
}

func (s *pageStage) Proceed(item PageItem) bool {
	return s.mark.Allows(int64(item.Page))
}

func (s *pageStage) Persist(ctx context.Context, item PageItem, _ string, markup string) error {
	if s.endMarker != "" && strings.Contains(markup, s.endMarker) {
		if s.mark.Lower(int64(item.Page)) {
			s.logger.Info("end of listing reached",
				zap.String("category", item.Category), zap.Int("page", item.Page))
		}
		return orchestrator.ErrDiscarded
	}
	_, err := s.pages.CreatePage(ctx, store.Page{
		Page:     item.Page,
		Category: item.Category,
		URL:      item.URL,
		HTML:     markup,
	})
	return err
}

type detailStore interface {
	store.Links
	store.Details
}

type detailStage struct {
	store    detailStore
	selector string
}

func (s *detailStage) Name() string                  { return Details }
func (s *detailStage) Target(link store.Link) string { return link.URL }
func (s *detailStage) Selector() string              { return s.selector }

func (s *detailStage) Exists(ctx context.Context, link store.Link) (bool, error) {
	return s.store.DetailExists(ctx, link.ID)
}

func (s *detailStage) Persist(ctx context.Context, link store.Link, _ string, markup string) error {
	if _, err := s.store.CreateDetail(ctx, store.Detail{LinkID: link.ID, HTML: markup}); err != nil {
		return err
	}
	if err := s.store.MarkLinkVisited(ctx, link.ID); err != nil {
		return fmt.Errorf("mark link visited: %w", err)
	}
	return nil
}

type websiteStage struct {
	websites store.Websites
	selector string
}

func (s *websiteStage) Name() string { return Websites }
func (s *websiteStage) Target(r store.Record) string {
	return extract.NormalizeWebsite(r.Website)
}
func (s *websiteStage) Selector() string { return s.selector }

func (s *websiteStage) Exists(ctx context.Context, r store.Record) (bool, error) {
	return s.websites.WebsiteExists(ctx, s.Target(r))
}

func (s *websiteStage) Persist(ctx context.Context, r store.Record, _ string, markup string) error {
	_, err := s.websites.CreateWebsite(ctx, store.Website{
		RecordID: r.ID,
		URL:      s.Target(r),
		MainHTML: markup,
	})
	return err
}

type contactStage struct {
	websites store.Websites
	selector string
}

func (s *contactStage) Name() string                        { return Contacts }
func (s *contactStage) Target(c store.ContactTarget) string { return c.ContactLink }
func (s *contactStage) Selector() string                    { return s.selector }

// Exists is always false: ContactTargets only lists websites without
// contact markup.
func (s *contactStage) Exists(context.Context, store.ContactTarget) (bool, error) {
	return false, nil
}

func (s *contactStage) Persist(ctx context.Context, c store.ContactTarget, _ string, markup string) error {
	return s.websites.SetContactHTML(ctx, c.WebsiteID, markup)
}

package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/orchestrator"
	"github.com/JakeFAU/listing-harvester/internal/store"
	"github.com/JakeFAU/listing-harvester/internal/store/memory"
)

func TestPageItems(t *testing.T) {
	t.Parallel()

	d := Directory{PageParam: "fi", PageSize: 15, FirstPage: 2, LastPage: 5}
	items := d.PageItems(Category{Name: "Builders", URL: "https://dir.example/builders"})
	require.Equal(t, []PageItem{
		{Category: "Builders", Page: 2, URL: "https://dir.example/builders?fi=30"},
		{Category: "Builders", Page: 3, URL: "https://dir.example/builders?fi=45"},
		{Category: "Builders", Page: 4, URL: "https://dir.example/builders?fi=60"},
	}, items)

	withQuery := d.PageItems(Category{URL: "https://dir.example/search?q=decks"})
	require.Equal(t, "https://dir.example/search?q=decks&fi=30", withQuery[0].URL)

	require.Empty(t, Directory{PageSize: 15, FirstPage: 3, LastPage: 3}.PageItems(Category{URL: "x"}))
}

func TestLookup(t *testing.T) {
	t.Parallel()

	info, err := Lookup(Websites)
	require.NoError(t, err)
	require.True(t, info.Fetch)

	info, err = Lookup(Emails)
	require.NoError(t, err)
	require.False(t, info.Fetch)

	_, err = Lookup("nope")
	require.ErrorIs(t, err, ErrUnknownStage)
	require.Len(t, Catalog, 8)
}

func TestPageStageEndMarkerLowersWatermark(t *testing.T) {
	t.Parallel()

	st := memory.New()
	s := &pageStage{pages: st, mark: orchestrator.NewWatermark(), endMarker: endMarker, logger: zap.NewNop()}
	ctx := context.Background()

	require.True(t, s.Proceed(PageItem{Page: 40}))
	err := s.Persist(ctx, PageItem{Page: 7, URL: "u7"}, "u7", `<p class="`+endMarker+`"></p>`)
	require.ErrorIs(t, err, orchestrator.ErrDiscarded)
	require.False(t, s.Proceed(PageItem{Page: 7}))
	require.False(t, s.Proceed(PageItem{Page: 40}))
	require.True(t, s.Proceed(PageItem{Page: 6}))

	require.NoError(t, s.Persist(ctx, PageItem{Page: 1, Category: "c", URL: "u1"}, "u1", "<div>listing</div>"))
	ok, err := s.Exists(ctx, PageItem{URL: "u1"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, st.Counts().Pages)
}

func TestWebsiteStageNormalizesTarget(t *testing.T) {
	t.Parallel()

	st := memory.New()
	s := &websiteStage{websites: st, selector: "body"}
	rec := store.Record{ID: 3, Website: "acme.example"}
	require.Equal(t, "https://acme.example", s.Target(rec))

	ctx := context.Background()
	// A plaintext retry still stores the record's canonical URL.
	require.NoError(t, s.Persist(ctx, rec, "http://acme.example", "<body/>"))
	ok, err := s.Exists(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDetailStageMarksLinkVisited(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()
	linkID, err := st.CreateLink(ctx, store.Link{PageID: 1, URL: "https://dir.example/pro/acme"})
	require.NoError(t, err)

	s := &detailStage{store: st, selector: "#business"}
	link := store.Link{ID: linkID, URL: "https://dir.example/pro/acme"}
	require.NoError(t, s.Persist(ctx, link, link.URL, "<div id=business></div>"))

	ok, err := s.Exists(ctx, link)
	require.NoError(t, err)
	require.True(t, ok)
	unvisited, err := st.UnvisitedLinks(ctx)
	require.NoError(t, err)
	require.Empty(t, unvisited)
}

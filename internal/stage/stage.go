// Package stage wires the pipeline's eight stages to the store, the
// extractor and the fetch orchestrator.
//
// Fetch stages (pages, details, websites, contacts) drive a session pool
// through orchestrator.Run. Offline stages (links, records, contact-links,
// emails) only read stored markup and write derived rows.
package stage

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Stage names accepted by Runner.Run.
const (
	Pages        = "pages"
	Links        = "links"
	Details      = "details"
	Records      = "records"
	Websites     = "websites"
	ContactLinks = "contact-links"
	Contacts     = "contacts"
	Emails       = "emails"
)

// ErrUnknownStage is returned for names not in Catalog.
var ErrUnknownStage = errors.New("unknown stage")

// Info describes one stage.
type Info struct {
	Name        string
	Fetch       bool
	Description string
}

// Catalog lists the stages in pipeline order.
var Catalog = []Info{
	{Pages, true, "fetch directory listing pages until the end marker"},
	{Links, false, "extract listing links from stored pages"},
	{Details, true, "fetch the detail page of every unvisited link"},
	{Records, false, "extract phone and website from stored details"},
	{Websites, true, "fetch the main page of every record website"},
	{ContactLinks, false, "find the contact page link on stored websites"},
	{Contacts, true, "fetch contact pages"},
	{Emails, false, "collect email addresses from stored website markup"},
}

// Lookup returns the Info for name.
func Lookup(name string) (Info, error) {
	for _, info := range Catalog {
		if info.Name == name {
			return info, nil
		}
	}
	return Info{}, fmt.Errorf("%w %q", ErrUnknownStage, name)
}

// Category is one directory listing to walk.
type Category struct {
	Name string
	URL  string
}

// Directory describes how listing pages are addressed.
type Directory struct {
	Categories      []Category
	PageParam       string
	PageSize        int
	FirstPage       int
	LastPage        int
	ListingSelector string
	EndMarker       string
}

// PageItem is one listing page to fetch.
type PageItem struct {
	Category string
	Page     int
	URL      string
}

// PageItems builds the page URLs of c for pages in [FirstPage, LastPage).
// Page n is addressed as base?param=n*PageSize.
func (d Directory) PageItems(c Category) []PageItem {
	sep := "?"
	if strings.Contains(c.URL, "?") {
		sep = "&"
	}
	param := url.QueryEscape(d.PageParam)
	items := make([]PageItem, 0, max(d.LastPage-d.FirstPage, 0))
	for page := d.FirstPage; page < d.LastPage; page++ {
		items = append(items, PageItem{
			Category: c.Name,
			Page:     page,
			URL:      c.URL + sep + param + "=" + strconv.Itoa(page*d.PageSize),
		})
	}
	return items
}

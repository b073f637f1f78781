// Package extract pulls listing links, contact fields and email addresses out
// of stored markup.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Scope says where a listing name is looked up.
type Scope string

const (
	// ScopeLink searches the name inside the link element.
	ScopeLink Scope = "link"
	// ScopeContainer searches the name inside the enclosing container.
	ScopeContainer Scope = "container"
)

// Selectors are the CSS selectors of one directory layout.
type Selectors struct {
	Container string `mapstructure:"container"`
	Link      string `mapstructure:"link"`
	Name      string `mapstructure:"name"`
	NameScope Scope  `mapstructure:"name_scope"`
	Phone     string `mapstructure:"phone"`
	Website   string `mapstructure:"website"`
	// WebsiteAttr reads the website from this attribute instead of the text.
	WebsiteAttr string `mapstructure:"website_attr"`
	ContactLink string `mapstructure:"contact_link"`
}

// Presets known by name.
var presets = map[string]Selectors{
	"houzz": {
		Container:   ".hz-pro-search-results",
		Link:        ".hz-pro-search-results__item a",
		Name:        "span[itemprop='name']",
		NameScope:   ScopeLink,
		Phone:       "#business > div > div:nth-child(2) > p",
		Website:     "div[data-component='Website'] span[font-size='smallPlus,medium']",
		ContactLink: "a[href*='contact']",
	},
	"member-directory": {
		Container:   ".searchprofile",
		Link:        ".more-info > a",
		Name:        "h3 > a",
		NameScope:   ScopeContainer,
		Phone:       ".member-contact a[href^='tel:']",
		Website:     ".member-contact a[href^='http://'], .member-contact a[href^='https://']",
		WebsiteAttr: "href",
		ContactLink: "a[href*='contact']",
	},
}

// Preset returns the named selector set.
func Preset(name string) (Selectors, error) {
	s, ok := presets[name]
	if !ok {
		return Selectors{}, fmt.Errorf("unknown extract preset %q", name)
	}
	return s, nil
}

// DefaultSelectors returns the houzz layout.
func DefaultSelectors() Selectors {
	return presets["houzz"]
}

// Merge returns s with every empty field taken from base.
func (s Selectors) Merge(base Selectors) Selectors {
	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	return Selectors{
		Container:   pick(s.Container, base.Container),
		Link:        pick(s.Link, base.Link),
		Name:        pick(s.Name, base.Name),
		NameScope:   Scope(pick(string(s.NameScope), string(base.NameScope))),
		Phone:       pick(s.Phone, base.Phone),
		Website:     pick(s.Website, base.Website),
		WebsiteAttr: pick(s.WebsiteAttr, base.WebsiteAttr),
		ContactLink: pick(s.ContactLink, base.ContactLink),
	}
}

// Listing is one company found on a directory page.
type Listing struct {
	Name string
	URL  string
}

// Contact holds the fields read from a detail page.
type Contact struct {
	Phone   string
	Website string
}

// Extractor applies a Selectors set to markup.
type Extractor struct {
	sel Selectors
}

// New returns an Extractor; empty selectors fall back to the defaults.
func New(sel Selectors) *Extractor {
	return &Extractor{sel: sel.Merge(DefaultSelectors())}
}

// Selectors returns the effective selectors.
func (e *Extractor) Selectors() Selectors {
	return e.sel
}

func parse(markup string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	return doc, nil
}

// ListingLinks returns every named listing link in page order. Links
// without a name are dropped.
func (e *Extractor) ListingLinks(markup string) ([]Listing, error) {
	doc, err := parse(markup)
	if err != nil {
		return nil, err
	}
	var out []Listing
	doc.Find(e.sel.Container).Each(func(_ int, container *goquery.Selection) {
		container.Find(e.sel.Link).Each(func(_ int, link *goquery.Selection) {
			scope := link
			if e.sel.NameScope == ScopeContainer {
				scope = container
			}
			name := scope.Find(e.sel.Name).First()
			if name.Length() == 0 {
				return
			}
			href, _ := link.Attr("href")
			out = append(out, Listing{
				Name: strings.TrimSpace(name.Text()),
				URL:  strings.TrimSpace(href),
			})
		})
	})
	return out, nil
}

// ContactFields reads the phone and website of a detail page. Missing
// fields are empty.
func (e *Extractor) ContactFields(markup string) (Contact, error) {
	doc, err := parse(markup)
	if err != nil {
		return Contact{}, err
	}
	c := Contact{Phone: strings.TrimSpace(doc.Find(e.sel.Phone).First().Text())}
	website := doc.Find(e.sel.Website).First()
	if e.sel.WebsiteAttr != "" {
		v, _ := website.Attr(e.sel.WebsiteAttr)
		c.Website = strings.TrimSpace(v)
	} else {
		c.Website = strings.TrimSpace(website.Text())
	}
	return c, nil
}

// ContactLink returns the href of the first contact anchor, or "".
func (e *Extractor) ContactLink(markup string) (string, error) {
	doc, err := parse(markup)
	if err != nil {
		return "", err
	}
	href, _ := doc.Find(e.sel.ContactLink).First().Attr("href")
	return strings.TrimSpace(href), nil
}

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// Emails returns the distinct addresses found in the given markups, in
// order of first appearance.
func Emails(markups ...string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range markups {
		for _, addr := range emailPattern.FindAllString(m, -1) {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// ResolveContactLink turns href into an absolute URL relative to website.
func ResolveContactLink(website, href string) (string, error) {
	base, err := url.Parse(NormalizeWebsite(website))
	if err != nil {
		return "", fmt.Errorf("parse website %q: %w", website, err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse contact link %q: %w", href, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// NormalizeWebsite prefixes https:// to schemeless websites.
func NormalizeWebsite(website string) string {
	w := strings.TrimSpace(website)
	if w == "" || strings.HasPrefix(w, "http://") || strings.HasPrefix(w, "https://") {
		return w
	}
	return "https://" + strings.TrimPrefix(w, "//")
}

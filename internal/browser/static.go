package browser

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
)

// StaticFactory creates HTTP-only sessions for targets that render
// server-side. Mode is ignored.
type StaticFactory struct {
	settings Settings
	ids      IDGenerator
}

// NewStaticFactory builds a StaticFactory.
func NewStaticFactory(settings Settings, ids IDGenerator) *StaticFactory {
	return &StaticFactory{settings: settings.withDefaults(), ids: ids}
}

// New returns a fresh collector-backed session.
func (f *StaticFactory) New(_ context.Context, _ int, _ Mode) (Session, error) {
	id, err := f.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	opts := []colly.CollectorOption{colly.AllowURLRevisit()}
	if f.settings.UserAgent != "" {
		opts = append(opts, colly.UserAgent(f.settings.UserAgent))
	}
	base := colly.NewCollector(opts...)
	base.SetRequestTimeout(f.settings.NavigateTimeout)
	return &staticSession{id: id, base: base}, nil
}

type staticSession struct {
	id   string
	base *colly.Collector

	mu      sync.Mutex
	closed  bool
	current string
	doc     *goquery.Document
}

func (s *staticSession) ID() string {
	return s.id
}

type visitResult struct {
	body []byte
	err  error
}

func (s *staticSession) Navigate(ctx context.Context, target string) error {
	s.mu.Lock()
	closed := s.closed
	s.current = target
	s.doc = nil
	s.mu.Unlock()
	if closed {
		return &FetchError{Kind: KindOther, Op: OpNavigate, URL: target, Err: ErrSessionClosed}
	}

	c := s.base.Clone()
	var body []byte
	c.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})

	done := make(chan visitResult, 1)
	go func() {
		err := c.Visit(target)
		done <- visitResult{body: body, err: err}
	}()

	var res visitResult
	select {
	case res = <-done:
	case <-ctx.Done():
		return &FetchError{Kind: netKind(ctx.Err()), Op: OpNavigate, URL: target, Err: ctx.Err()}
	}
	if res.err != nil {
		return &FetchError{Kind: netKind(res.err), Op: OpNavigate, URL: target, Err: res.err}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.body))
	if err != nil {
		return &FetchError{Kind: KindOther, Op: OpNavigate, URL: target, Err: fmt.Errorf("parse html: %w", err)}
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

func (s *staticSession) Extract(_ context.Context, selector string) (string, error) {
	s.mu.Lock()
	doc, current, closed := s.doc, s.current, s.closed
	s.mu.Unlock()
	if closed {
		return "", &FetchError{Kind: KindOther, Op: OpExtract, URL: current, Err: ErrSessionClosed}
	}
	if doc == nil {
		return "", &FetchError{Kind: KindOther, Op: OpExtract, URL: current, Err: fmt.Errorf("no page loaded")}
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", &FetchError{Kind: KindElementNotFound, Op: OpExtract, URL: current,
			Err: fmt.Errorf("no element matches %q", selector)}
	}
	html, err := goquery.OuterHtml(sel)
	if err != nil {
		return "", &FetchError{Kind: KindOther, Op: OpExtract, URL: current, Err: fmt.Errorf("render element: %w", err)}
	}
	return html, nil
}

func (s *staticSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.doc = nil
	return nil
}

package browser

import (
	"context"
	"strings"
)

// Status is the tri-state result of a fetch.
type Status int

const (
	// StatusSuccess carries non-empty markup.
	StatusSuccess Status = iota
	// StatusEmpty means the fetch completed but returned no content.
	StatusEmpty
	// StatusError carries a *FetchError.
	StatusError
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusEmpty:
		return "empty"
	default:
		return "error"
	}
}

// Outcome is the result of Fetch.
type Outcome struct {
	Status Status
	Markup string
	Err    error
}

// Kind returns the failure kind of an error outcome.
func (o Outcome) Kind() Kind {
	return KindOf(o.Err)
}

// Label is a short metrics-friendly description of the outcome.
func (o Outcome) Label() string {
	if o.Status == StatusError {
		return o.Kind().String()
	}
	return o.Status.String()
}

// Fetch navigates s to target and extracts the markup matched by selector.
// An empty selector extracts the whole page.
func Fetch(ctx context.Context, s Session, target, selector string) Outcome {
	if selector == "" {
		selector = WholePage
	}
	if err := s.Navigate(ctx, target); err != nil {
		return Outcome{Status: StatusError, Err: asFetchError(err, OpNavigate, target)}
	}
	markup, err := s.Extract(ctx, selector)
	if err != nil {
		return Outcome{Status: StatusError, Err: asFetchError(err, OpExtract, target)}
	}
	if strings.TrimSpace(markup) == "" {
		return Outcome{Status: StatusEmpty}
	}
	return Outcome{Status: StatusSuccess, Markup: markup}
}

func asFetchError(err error, op Op, target string) error {
	if _, ok := err.(*FetchError); ok { //nolint:errorlint // only re-wrap foreign errors
		return err
	}
	return &FetchError{Kind: KindOf(err), Op: op, URL: target, Err: err}
}

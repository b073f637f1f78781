// Package recovery maps fetch outcomes to the action an orchestrator takes
// with the target and the session that fetched it.
package recovery

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/listing-harvester/internal/browser"
)

// Action is the classifier's decision for one outcome.
type Action int

const (
	// Persist writes the markup and releases the session.
	Persist Action = iota
	// Quarantine records the target as permanently unfetchable and releases
	// the session. The failure belongs to the target, not the session.
	Quarantine
	// RetryPlaintext fetches the target once more over http with the same session.
	RetryPlaintext
	// Replace cycles the session and writes nothing.
	Replace
	// Release returns the session and writes nothing.
	Release
)

var actionNames = [...]string{
	Persist:        "persist",
	Quarantine:     "quarantine",
	RetryPlaintext: "retry_plaintext",
	Replace:        "replace",
	Release:        "release",
}

// String implements fmt.Stringer.
func (a Action) String() string {
	if int(a) >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// ReplacesSession reports whether the session must be cycled instead of released.
func (a Action) ReplacesSession() bool {
	return a == Replace
}

// Classify decides what to do with a first-attempt outcome.
func Classify(o browser.Outcome) Action {
	switch o.Status {
	case browser.StatusSuccess:
		return Persist
	case browser.StatusEmpty:
		return Replace
	}
	switch o.Kind() {
	case browser.KindDNSFailure, browser.KindHostUnreachable, browser.KindElementNotFound:
		return Quarantine
	case browser.KindTLSFailure:
		return RetryPlaintext
	default:
		return Replace
	}
}

// ClassifyRetry decides what to do with the outcome of the single plaintext
// retry. It never returns RetryPlaintext, so a downgrade cannot loop.
func ClassifyRetry(o browser.Outcome) Action {
	switch o.Status {
	case browser.StatusSuccess:
		return Persist
	case browser.StatusEmpty:
		return Replace
	default:
		return Release
	}
}

// Downgrade rewrites an https target to http. It reports false when the
// target is not an https URL.
func Downgrade(target string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil || !strings.EqualFold(u.Scheme, "https") || u.Host == "" {
		return "", false
	}
	u.Scheme = "http"
	return u.String(), true
}

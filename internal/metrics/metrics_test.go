package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestScheme(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"https", "https://Example.com/path", "https"},
		{"http", "http://example.com/path", "http"},
		{"upper case", "HTTP://example.com", "http"},
		{"no scheme", "example.com/path", "other"},
		{"ftp", "ftp://example.com", "other"},
		{"invalid url", "http://%", "other"},
		{"empty string", "", "other"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Scheme(tc.input); got != tc.expected {
				t.Errorf("Scheme(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if fetchesTotal == nil || recoveryActionsTotal == nil || poolLeasedSessions == nil ||
		sessionWaitSeconds == nil || quarantineWritesTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservers(t *testing.T) {
	ObserveFetch("websites", "https://Shop.example.com/", "dns_failure")
	ObserveFetch("websites", "https://other.example.org/", "dns_failure")
	if got := testutil.ToFloat64(fetchesTotal.WithLabelValues("websites", "https", "dns_failure")); got != 2 {
		t.Errorf("fetches = %f, want 2", got)
	}

	before := testutil.ToFloat64(quarantineWritesTotal)
	ObserveQuarantine()
	if got := testutil.ToFloat64(quarantineWritesTotal); got != before+1 {
		t.Errorf("quarantine writes = %f, want %f", got, before+1)
	}

	SetPoolLeased(3)
	if got := testutil.ToFloat64(poolLeasedSessions); got != 3 {
		t.Errorf("pool leased = %f, want 3", got)
	}

	IncFetchesInFlight()
	IncFetchesInFlight()
	DecFetchesInFlight()
	if got := testutil.ToFloat64(fetchesInFlight); got != 1 {
		t.Errorf("in flight = %f, want 1", got)
	}
	DecFetchesInFlight()

	ObserveRecovery("details", "replace")
	if got := testutil.ToFloat64(recoveryActionsTotal.WithLabelValues("details", "replace")); got != 1 {
		t.Errorf("recovery actions = %f, want 1", got)
	}

	ObserveSessionWait("pages", 2*time.Second)
	ObserveRateLimitDelay("pages", time.Second)
	ObserveItem("pages", "persisted")
	ObserveSessionReplacement("ok")
	if got := testutil.ToFloat64(sessionReplacementsTotal.WithLabelValues("ok")); got < 1 {
		t.Errorf("replacements = %f, want >= 1", got)
	}
}

func TestObserveStageRunAndHTTP(t *testing.T) {
	ObserveStageRun("emails", "success")
	if got := testutil.ToFloat64(stageRunsTotal.WithLabelValues("emails", "success")); got != 1 {
		t.Errorf("stage runs = %f, want 1", got)
	}

	ObserveHTTPRequest("GET", "/pool", 200, 5*time.Millisecond)
	ObserveHTTPRequest("GET", "/pool", 200, 7*time.Millisecond)
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/pool", "200")); got != 2 {
		t.Errorf("http requests = %f, want 2", got)
	}
	if n := testutil.CollectAndCount(httpRequestDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

// Fuzz test for Scheme: labels stay within a fixed set.
func FuzzScheme(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		switch got := Scheme(orig); got {
		case "https", "http", "other":
		default:
			t.Errorf("Scheme(%q) = %q, outside the label set", orig, got)
		}
	})
}

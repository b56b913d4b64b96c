package collector

import (
	"net/url"
	"strings"
	"time"
)

// Status is the lifecycle state recorded for a collector run.
type Status string

// Supported collector statuses.
const (
	StatusUnknown Status = "unknown"
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusWarning Status = "warning"
)

// Terminal reports whether the status concludes a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusOK, StatusError, StatusWarning:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a status that may be written to history.
func (s Status) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

// WorkItem is one fetchable unit within a run. It is never mutated after the
// pipeline enumerates it.
type WorkItem struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	CacheKey string `json:"cache_key"`
}

// Source returns the rate limiting key for the item, the lower-cased host of
// its URL or "unknown" when the URL cannot be parsed.
func (w WorkItem) Source() string {
	return SourceOf(w.URL)
}

// SourceOf extracts the rate limiting key from a raw URL.
func SourceOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Listing is one enumeration result produced by a Lister.
type Listing struct {
	URL      string
	CacheKey string
}

// Document is the payload of a successful fetch.
type Document struct {
	Body        []byte `json:"body"`
	ContentType string `json:"content_type"`
}

// Failure describes why a fetch did not produce a document.
type Failure struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Attempts   int       `json:"attempts"`
	StatusCode int       `json:"status_code,omitempty"`
}

// FetchResult is the single terminal outcome of fetching one WorkItem.
// Exactly one of Document and Failure is set.
type FetchResult struct {
	Item      WorkItem      `json:"item"`
	Document  *Document     `json:"document,omitempty"`
	Failure   *Failure      `json:"failure,omitempty"`
	FromCache bool          `json:"from_cache"`
	Attempts  int           `json:"attempts"`
	Elapsed   time.Duration `json:"elapsed"`
}

// OK reports whether the fetch succeeded.
func (r FetchResult) OK() bool {
	return r.Document != nil && r.Failure == nil
}

// Record is the structured output of the structuring step, handed to the
// persistence sink.
type Record struct {
	CollectorID  string            `json:"collector_id"`
	RunID        string            `json:"run_id"`
	ItemID       string            `json:"item_id"`
	URL          string            `json:"url"`
	ContentType  string            `json:"content_type"`
	ContentHash  string            `json:"content_hash"`
	Title        string            `json:"title,omitempty"`
	Text         string            `json:"text"`
	Pages        int               `json:"pages,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	StructuredAt time.Time         `json:"structured_at"`
}

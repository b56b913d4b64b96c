// Package lister enumerates the documents a collector fetches in one run.
package lister

import (
	"context"

	"github.com/JakeFAU/collectord/internal/collector"
)

// CacheKey is the default cache key for url within a collector.
func CacheKey(collectorID, rawURL string) string {
	return collectorID + ":" + rawURL
}

// Static yields a fixed list of URLs.
type Static struct {
	CollectorID string
	URLs        []string
}

// NewStatic returns a Static lister.
func NewStatic(collectorID string, urls []string) *Static {
	return &Static{CollectorID: collectorID, URLs: append([]string(nil), urls...)}
}

// List returns one listing per configured URL in order.
func (s *Static) List(ctx context.Context) ([]collector.Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]collector.Listing, 0, len(s.URLs))
	for _, u := range s.URLs {
		out = append(out, collector.Listing{URL: u, CacheKey: CacheKey(s.CollectorID, u)})
	}
	return out, nil
}

// Multi concatenates the output of several listers.
type Multi []collector.Lister

// List calls every lister in order and stops at the first error.
func (m Multi) List(ctx context.Context) ([]collector.Listing, error) {
	var out []collector.Listing
	for _, l := range m {
		listings, err := l.List(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, listings...)
	}
	return out, nil
}

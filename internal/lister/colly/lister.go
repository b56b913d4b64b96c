// Package collylister discovers document links on an index page.
package collylister

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/lister"
)

// Config describes one index page.
type Config struct {
	CollectorID string
	IndexURL    string
	// LinkPattern filters absolute link URLs. Nil keeps every link.
	LinkPattern *regexp.Regexp
	UserAgent   string
	Timeout     time.Duration
}

// Lister visits IndexURL and yields matching links in document order.
type Lister struct {
	cfg  Config
	base *colly.Collector
}

// New validates cfg and returns a Lister.
func New(cfg Config) (*Lister, error) {
	if cfg.CollectorID == "" {
		return nil, errors.New("collector id is required")
	}
	if cfg.IndexURL == "" {
		return nil, errors.New("index url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Lister{cfg: cfg, base: c}, nil
}

// List fetches the index page once.
func (l *Lister) List(ctx context.Context) ([]collector.Listing, error) {
	c := l.base.Clone()
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.Context = ctx
	c.SetRequestTimeout(l.cfg.Timeout)

	var (
		listings []collector.Listing
		seen     = map[string]struct{}{}
		visitErr error
	)
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" || !fetchable(link) {
			return
		}
		if l.cfg.LinkPattern != nil && !l.cfg.LinkPattern.MatchString(link) {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		listings = append(listings, collector.Listing{URL: link, CacheKey: lister.CacheKey(l.cfg.CollectorID, link)})
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			if kind := collector.ClassifyStatus(r.StatusCode); kind != "" {
				visitErr = collector.NewError(kind, l.cfg.IndexURL, r.StatusCode, err)
				return
			}
		}
		visitErr = err
	})

	done := make(chan error, 1)
	go func() { done <- c.Visit(l.cfg.IndexURL) }()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("list %s: %w", l.cfg.IndexURL, ctx.Err())
	case err := <-done:
		if visitErr != nil {
			return nil, fmt.Errorf("list %s: %w", l.cfg.IndexURL, visitErr)
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", l.cfg.IndexURL, err)
		}
	}
	return listings, nil
}

// fetchable reports whether link is an http(s) address with a host.
func fetchable(link string) bool {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

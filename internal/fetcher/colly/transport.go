// Package collyfetcher performs single fetch attempts with gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/collectord/internal/collector"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodySize   int
	Headers       http.Header
}

// Transport runs one GET per call. Retries belong to the caller.
type Transport struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport sharing one pooled http.Transport across attempts.
func New(cfg Config) *Transport {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Transport{cfg: cfg, baseCollector: c}
}

// Do fetches item.URL once.
func (t *Transport) Do(ctx context.Context, item collector.WorkItem) (collector.Document, error) {
	var (
		doc      collector.Document
		fetchErr error
	)
	c := t.buildCollector(ctx)
	t.configureHooks(c, item, &doc, &fetchErr)
	if err := runCollector(ctx, c, item.URL, &fetchErr); err != nil {
		return collector.Document{}, err
	}
	return doc, nil
}

func (t *Transport) buildCollector(ctx context.Context) *colly.Collector {
	c := t.baseCollector.Clone()
	// The clone shares the visited store with its parent; retries hit the same URL.
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !t.cfg.RespectRobots
	c.Context = ctx
	if t.cfg.UserAgent != "" {
		c.UserAgent = t.cfg.UserAgent
	}
	if t.cfg.MaxBodySize > 0 {
		c.MaxBodySize = t.cfg.MaxBodySize
	}
	timeout := t.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c.SetRequestTimeout(timeout)
	return c
}

func (t *Transport) configureHooks(hooks collectorHooks, item collector.WorkItem, doc *collector.Document, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range t.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		*doc = collector.Document{
			Body:        append([]byte(nil), r.Body...),
			ContentType: contentType,
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = statusError(item.URL, r, err)
	})
}

// statusError keeps the HTTP status when colly reports a non-success
// response. Network failures pass through unclassified.
func statusError(rawURL string, r *colly.Response, err error) error {
	if r == nil || r.StatusCode == 0 {
		return err
	}
	if r.StatusCode < 300 && r.StatusCode != http.StatusOK {
		// colly rejects 203..299 as errors.
		return collector.NewError(collector.KindPermanentRequest, rawURL, r.StatusCode, err)
	}
	kind := collector.ClassifyStatus(r.StatusCode)
	if kind == "" {
		return err
	}
	return collector.NewError(kind, rawURL, r.StatusCode, err)
}

func runCollector(ctx context.Context, c *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			if errors.Is(err, colly.ErrForbiddenDomain) || errors.Is(err, colly.ErrMissingURL) {
				return collector.NewError(collector.KindPermanentRequest, rawURL, 0, err)
			}
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
